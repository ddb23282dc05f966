package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"qbtc-market/internal/metrics"
	"qbtc-market/internal/scanner"

	"go.uber.org/zap"
)

const defaultMaxPerMessage = 10

type Sender interface {
	Send(ctx context.Context, message string) error
}

// Notifier forwards strong opportunities, at most once per symbol and
// direction within the cooldown.
type Notifier struct {
	sender        Sender
	minScore      float64
	cooldown      time.Duration
	maxPerMessage int
	metrics       *metrics.Metrics
	log           *zap.Logger
	now           func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewNotifier(sender Sender, minScore float64, cooldown time.Duration, m *metrics.Metrics, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		sender:        sender,
		minScore:      minScore,
		cooldown:      cooldown,
		maxPerMessage: defaultMaxPerMessage,
		metrics:       metrics.OrNoop(m),
		log:           log,
		now:           time.Now,
		last:          make(map[string]time.Time),
	}
}

// Notify sends one message for the qualifying opportunities in report and
// returns how many it included. Symbols stay in cooldown only after a
// successful send.
func (n *Notifier) Notify(ctx context.Context, report scanner.Report) (int, error) {
	if n == nil || n.sender == nil {
		return 0, nil
	}
	now := n.now()
	n.mu.Lock()
	var picked []scanner.Opportunity
	for _, opp := range report.Opportunities {
		if !opp.Eligible || opp.Score < n.minScore {
			continue
		}
		if at, ok := n.last[cooldownKey(opp)]; ok && now.Sub(at) < n.cooldown {
			continue
		}
		picked = append(picked, opp)
		if len(picked) == n.maxPerMessage {
			break
		}
	}
	n.mu.Unlock()
	if len(picked) == 0 {
		return 0, nil
	}

	if err := n.sender.Send(ctx, FormatOpportunities(report, picked)); err != nil {
		n.metrics.AlertsFailed.Inc()
		return 0, err
	}
	n.metrics.AlertsSent.Inc()
	n.mu.Lock()
	for _, opp := range picked {
		n.last[cooldownKey(opp)] = now
	}
	n.mu.Unlock()
	n.log.Info("opportunity alert sent", zap.Int("opportunities", len(picked)), zap.String("scan_id", report.ID))
	return len(picked), nil
}

func cooldownKey(opp scanner.Opportunity) string {
	return opp.Symbol + ":" + string(opp.Direction)
}

// FormatOpportunities renders a plain-text alert body.
func FormatOpportunities(report scanner.Report, opps []scanner.Opportunity) string {
	var b strings.Builder
	id := report.ID
	if len(id) > 8 {
		id = id[:8]
	}
	fmt.Fprintf(&b, "qbtc-market: %d opportunit%s (scan %s, %s)\n",
		len(opps), plural(len(opps), "y", "ies"), id, report.GeneratedAt.UTC().Format("2006-01-02 15:04 MST"))
	for _, o := range opps {
		fmt.Fprintf(&b, "\n%s %s score %.2f %s/%s\n", o.Symbol, o.Direction, o.Score, o.Priority, o.Risk)
		fmt.Fprintf(&b, "  entry %s  stop %s  target %s  R:R %.2f\n",
			price(o.Entry), price(o.StopLoss), price(o.TakeProfit), o.RiskReward)
		fmt.Fprintf(&b, "  24h %+.2f%%  vol %s  funding %+.4f%%  %s\n",
			o.ChangePct, compact(o.QuoteVolume), o.FundingRate*100, o.Timeframe)
	}
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func price(v float64) string {
	switch {
	case v >= 1000:
		return fmt.Sprintf("%.2f", v)
	case v >= 1:
		return fmt.Sprintf("%.4f", v)
	default:
		return fmt.Sprintf("%.6g", v)
	}
}

func compact(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%.2fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%.2fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%.1fK", v/1e3)
	default:
		return fmt.Sprintf("%.0f", v)
	}
}
