package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"qbtc-market/internal/binance/rest"
	"qbtc-market/internal/market"
	"qbtc-market/internal/scanner"
)

func TestTopFundingOrdersByAbsoluteRate(t *testing.T) {
	rates := []market.Funding{
		{Symbol: "AUSDT", Rate: 0.0001},
		{Symbol: "BUSDT", Rate: -0.0005},
		{Symbol: "CUSDT", Rate: 0.0003},
		{Symbol: "DUSDT", Rate: 0.0005},
	}
	got := topFunding(rates, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 rates, got %d", len(got))
	}
	want := []string{"BUSDT", "DUSDT", "CUSDT"}
	for i, sym := range want {
		if got[i].Symbol != sym {
			t.Fatalf("position %d: expected %s, got %s", i, sym, got[i].Symbol)
		}
	}
	if rates[0].Symbol != "AUSDT" {
		t.Fatalf("input slice was reordered")
	}
	if all := topFunding(rates, 0); len(all) != 4 {
		t.Fatalf("expected all rates with n=0, got %d", len(all))
	}
}

func TestCheckFormat(t *testing.T) {
	defer func(prev string) { outFormat = prev }(outFormat)
	for _, f := range []string{"table", "json"} {
		outFormat = f
		if err := checkFormat(); err != nil {
			t.Fatalf("format %s: %v", f, err)
		}
	}
	outFormat = "yaml"
	if err := checkFormat(); err == nil {
		t.Fatalf("expected error for yaml format")
	}
}

func TestPrintReport(t *testing.T) {
	report := scanner.Report{
		Opportunities: []scanner.Opportunity{
			{Symbol: "BTCUSDT", Direction: scanner.Long, Score: 0.812, Entry: 60000, ChangePct: 6.5, Priority: scanner.PriorityHigh, Risk: scanner.RiskMedium},
		},
		Summary: scanner.Summary{Scanned: 10, Total: 1, Long: 1, AverageScore: 0.812},
	}
	var buf bytes.Buffer
	if err := printReport(&buf, report); err != nil {
		t.Fatalf("print: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"SYMBOL", "BTCUSDT", "LONG", "0.812", "+6.50", "scanned 10, 1 opportunities (1 long, 0 short)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestPrintOverlap(t *testing.T) {
	r := market.OverlapReport{
		QuoteAsset: "USDT", SpotTotal: 3, FuturesTotal: 2, Both: 2, OnlySpot: 1, Coverage: 2.0 / 3,
		Tiers: []market.TierOverlap{{Name: "majors", Symbols: 2, Both: []string{"BTCUSDT"}, Missing: []string{"XYZUSDT"}, Coverage: 0.5}},
	}
	var buf bytes.Buffer
	if err := printOverlap(&buf, r); err != nil {
		t.Fatalf("print: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"quote USDT", "coverage 66.7%", "majors", "XYZUSDT", "50.0%"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestPrintFundingAndProbe(t *testing.T) {
	var buf bytes.Buffer
	next := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	if err := printFunding(&buf, []market.Funding{{Symbol: "BTCUSDT", Rate: 0.0001, MarkPrice: 60000, NextFunding: next}}); err != nil {
		t.Fatalf("print funding: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "+0.0100") || !strings.Contains(out, "+10.95") || !strings.Contains(out, "2024-01-01T08:00:00Z") {
		t.Fatalf("unexpected funding output:\n%s", out)
	}

	buf.Reset()
	results := []probeResult{
		{Market: rest.Spot, OK: true, LatencyMS: 42, UsedWeight: 12, Breaker: "closed"},
		{Market: rest.Futures, Error: "dial tcp: refused", Breaker: "open"},
	}
	if err := printProbe(&buf, results); err != nil {
		t.Fatalf("print probe: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "42ms") || !strings.Contains(out, "FAIL") || !strings.Contains(out, "dial tcp: refused") {
		t.Fatalf("unexpected probe output:\n%s", out)
	}
}
