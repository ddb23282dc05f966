package timescale

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"qbtc-market/internal/config"
	"qbtc-market/internal/market"
	"qbtc-market/internal/metrics"

	"go.uber.org/zap"
)

type countingCounter struct{ n atomic.Int64 }

func (c *countingCounter) Inc() { c.n.Add(1) }

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.TimescaleConfig{}, nil, zap.NewNop())
	if err != nil || w != nil {
		t.Fatalf("expected nil writer when disabled, got %v %v", w, err)
	}
	// A nil writer accepts batches silently.
	w.EnqueueTickers([]TickerRow{{Symbol: "BTCUSDT"}})
	w.Start(context.Background())
	if err := w.Close(); err != nil {
		t.Fatalf("close nil writer: %v", err)
	}
}

func TestNewRejectsBadSchema(t *testing.T) {
	_, err := New(config.TimescaleConfig{Enabled: true, DSN: "postgres://localhost/x", Schema: "public; DROP"}, nil, zap.NewNop())
	if err == nil {
		t.Fatalf("expected error for unsafe schema name")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	dropped := &countingCounter{}
	m := metrics.NewNoop()
	m.TimescaleDropped = dropped
	w := newWriter(nil, "public", 1, m, zap.NewNop())

	w.EnqueueTickers([]TickerRow{{Symbol: "BTCUSDT"}})
	w.EnqueueTickers([]TickerRow{{Symbol: "ETHUSDT"}})
	w.EnqueueTickers([]TickerRow{{Symbol: "SOLUSDT"}})
	w.EnqueueFunding([]FundingRow{{Symbol: "BTCUSDT"}})
	w.EnqueueFunding([]FundingRow{{Symbol: "ETHUSDT"}})
	w.EnqueueTickers(nil)

	tickers, funding := w.Dropped()
	if tickers != 2 || funding != 1 {
		t.Fatalf("expected 2 ticker and 1 funding drops, got %d %d", tickers, funding)
	}
	if dropped.n.Load() != 3 {
		t.Fatalf("expected dropped metric 3, got %d", dropped.n.Load())
	}
}

func TestValidIdent(t *testing.T) {
	for _, ok := range []string{"public", "market_history", "_x1"} {
		if !validIdent(ok) {
			t.Fatalf("expected %q valid", ok)
		}
	}
	for _, bad := range []string{"", "1abc", "a-b", "a.b", "a b"} {
		if validIdent(bad) {
			t.Fatalf("expected %q invalid", bad)
		}
	}
}

func testSnapshot() market.Snapshot {
	next := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	return market.Snapshot{
		TakenAt: time.Date(2024, 1, 1, 7, 15, 30, 500_000_000, time.UTC),
		Instruments: []market.Instrument{
			{Symbol: "BTCUSDT", QuoteAsset: "USDT", HasFutures: true, FuturesPrice: 60000, FuturesChangePct: 2, FuturesQuoteVolume: 1e10, HasFunding: true, FundingRate: 0.0001, MarkPrice: 60001, NextFunding: next},
			{Symbol: "DEADUSDT", QuoteAsset: "USDT", HasSpot: true},
			{Symbol: "ETHBTC", QuoteAsset: "BTC", HasSpot: true, SpotPrice: 0.05},
			{Symbol: "ETHUSDT", QuoteAsset: "USDT", HasSpot: true, SpotPrice: 3000, SpotChangePct: -1, SpotQuoteVolume: 5e8, HasFunding: true, FundingRate: -0.0002},
		},
	}
}

func TestTickerRows(t *testing.T) {
	rows := TickerRows(testSnapshot(), "USDT")
	if len(rows) != 2 {
		t.Fatalf("expected 2 priced USDT rows, got %d", len(rows))
	}
	if !rows[0].Time.Equal(time.Date(2024, 1, 1, 7, 15, 30, 0, time.UTC)) {
		t.Fatalf("expected time truncated to the second, got %v", rows[0].Time)
	}
	if rows[0].Symbol != "BTCUSDT" || rows[0].QuoteVolume != 1e10 || rows[0].ChangePct != 2 {
		t.Fatalf("unexpected btc row: %+v", rows[0])
	}
	if rows[1].Symbol != "ETHUSDT" || rows[1].ChangePct != -1 || rows[1].QuoteVolume != 5e8 {
		t.Fatalf("expected spot fallback for eth row, got %+v", rows[1])
	}
	if all := TickerRows(testSnapshot(), ""); len(all) != 3 {
		t.Fatalf("expected 3 rows without quote filter, got %d", len(all))
	}
}

func TestFundingRowsRequireNextFunding(t *testing.T) {
	rows := FundingRows(testSnapshot(), "USDT")
	if len(rows) != 1 || rows[0].Symbol != "BTCUSDT" {
		t.Fatalf("expected only btc funding row, got %+v", rows)
	}
	if !rows[0].Time.Equal(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)) || rows[0].MarkPrice != 60001 {
		t.Fatalf("unexpected funding row: %+v", rows[0])
	}
}
