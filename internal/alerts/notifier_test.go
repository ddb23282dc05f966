package alerts

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"qbtc-market/internal/scanner"

	"go.uber.org/zap"
)

type recordingSender struct {
	messages []string
	err      error
}

func (r *recordingSender) Send(ctx context.Context, message string) error {
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, message)
	return nil
}

func testReport() scanner.Report {
	return scanner.Report{
		ID:          "0123456789abcdef",
		GeneratedAt: time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC),
		Opportunities: []scanner.Opportunity{
			{Symbol: "BTCUSDT", Direction: scanner.Long, Score: 0.9, Eligible: true, Entry: 60000, StopLoss: 57000, TakeProfit: 64800, RiskReward: 1.6, ChangePct: 6.5, QuoteVolume: 2.5e10, FundingRate: -0.0003, Priority: scanner.PriorityHigh, Risk: scanner.RiskLow, Timeframe: "4h"},
			{Symbol: "ETHUSDT", Direction: scanner.Short, Score: 0.8, Eligible: true, Entry: 3000},
			{Symbol: "LOWUSDT", Direction: scanner.Long, Score: 0.5, Eligible: true, Entry: 1},
			{Symbol: "BADUSDT", Direction: scanner.Long, Score: 0.95, Eligible: false, Reason: "spread"},
		},
	}
}

func TestNotifierFiltersByScoreAndEligibility(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier(sender, 0.75, time.Hour, nil, zap.NewNop())
	sent, err := n.Notify(context.Background(), testReport())
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sent != 2 || len(sender.messages) != 1 {
		t.Fatalf("expected one message with 2 opportunities, got sent=%d messages=%d", sent, len(sender.messages))
	}
	msg := sender.messages[0]
	if !strings.Contains(msg, "BTCUSDT LONG") || !strings.Contains(msg, "ETHUSDT SHORT") {
		t.Fatalf("unexpected message: %s", msg)
	}
	if strings.Contains(msg, "LOWUSDT") || strings.Contains(msg, "BADUSDT") {
		t.Fatalf("message includes filtered opportunities: %s", msg)
	}
	if !strings.Contains(msg, "scan 01234567") {
		t.Fatalf("expected short scan id in message: %s", msg)
	}
}

func TestNotifierCooldown(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier(sender, 0.75, time.Hour, nil, zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	n.now = func() time.Time { return now }

	if _, err := n.Notify(context.Background(), testReport()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	now = now.Add(30 * time.Minute)
	sent, err := n.Notify(context.Background(), testReport())
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sent != 0 || len(sender.messages) != 1 {
		t.Fatalf("expected cooldown to suppress alerts, sent=%d messages=%d", sent, len(sender.messages))
	}

	report := testReport()
	report.Opportunities[0].Direction = scanner.Short
	sent, _ = n.Notify(context.Background(), report)
	if sent != 1 {
		t.Fatalf("expected direction flip to alert again, sent=%d", sent)
	}

	now = now.Add(31 * time.Minute)
	sent, _ = n.Notify(context.Background(), testReport())
	if sent != 2 {
		t.Fatalf("expected alerts after cooldown, sent=%d", sent)
	}
}

func TestNotifierFailedSendKeepsCandidates(t *testing.T) {
	sender := &recordingSender{err: errors.New("boom")}
	n := NewNotifier(sender, 0.75, time.Hour, nil, zap.NewNop())
	if _, err := n.Notify(context.Background(), testReport()); err == nil {
		t.Fatalf("expected send error")
	}
	sender.err = nil
	sent, err := n.Notify(context.Background(), testReport())
	if err != nil || sent != 2 {
		t.Fatalf("expected retry on next report, sent=%d err=%v", sent, err)
	}
}

func TestFormatOpportunities(t *testing.T) {
	report := testReport()
	msg := FormatOpportunities(report, report.Opportunities[:1])
	for _, want := range []string{"1 opportunity", "entry 60000.00", "stop 57000.00", "24h +6.50%", "vol 25.00B", "funding -0.0300%", "HIGH/LOW"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in message:\n%s", want, msg)
		}
	}
}
