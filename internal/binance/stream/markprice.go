package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"qbtc-market/internal/binance/rest"
	"qbtc-market/internal/metrics"

	"go.uber.org/zap"
)

const MarkPriceAllStream = "!markPrice@arr@1s"

// MarkPrice is one entry of a markPriceUpdate event.
type MarkPrice struct {
	EventTime       int64       `json:"E"`
	Symbol          string      `json:"s"`
	MarkPrice       rest.Number `json:"p"`
	IndexPrice      rest.Number `json:"i"`
	SettlePrice     rest.Number `json:"P"`
	FundingRate     rest.Number `json:"r"`
	NextFundingTime int64       `json:"T"`
}

func (m MarkPrice) Time() time.Time { return rest.MillisTime(m.EventTime) }

// ParseMarkPrices decodes an array or single markPriceUpdate payload.
// Subscription acks and other events return ok=false.
func ParseMarkPrices(data []byte) ([]MarkPrice, bool) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, false
	}
	type event struct {
		Type string `json:"e"`
		MarkPrice
	}
	var events []event
	if trimmed[0] == '[' {
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, false
		}
	} else {
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, false
		}
		events = []event{ev}
	}
	out := make([]MarkPrice, 0, len(events))
	for _, ev := range events {
		if ev.Type != "markPriceUpdate" || ev.Symbol == "" {
			continue
		}
		out = append(out, ev.MarkPrice)
	}
	return out, len(out) > 0
}

// MarkPriceFeed keeps the latest mark price per symbol from the all-market stream.
type MarkPriceFeed struct {
	client  *Client
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	prices map[string]MarkPrice
}

func NewMarkPriceFeed(client *Client, m *metrics.Metrics, log *zap.Logger) *MarkPriceFeed {
	if log == nil {
		log = zap.NewNop()
	}
	feed := &MarkPriceFeed{
		client:  client,
		log:     log,
		metrics: metrics.OrNoop(m),
		prices:  make(map[string]MarkPrice),
	}
	client.OnReconnect = func() { feed.metrics.StreamReconnects.Inc() }
	return feed
}

func (f *MarkPriceFeed) Run(ctx context.Context) error {
	if err := f.client.Subscribe(ctx, MarkPriceAllStream); err != nil {
		return err
	}
	return f.client.Run(ctx, f.handle)
}

func (f *MarkPriceFeed) handle(data []byte) {
	prices, ok := ParseMarkPrices(data)
	if !ok {
		return
	}
	f.Apply(prices)
	f.metrics.StreamUpdates.Inc()
}

// Apply stores updates, ignoring any older than what is already held.
func (f *MarkPriceFeed) Apply(prices []MarkPrice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range prices {
		if cur, ok := f.prices[p.Symbol]; ok && cur.EventTime > p.EventTime {
			continue
		}
		f.prices[p.Symbol] = p
	}
}

func (f *MarkPriceFeed) Latest(symbol string) (MarkPrice, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[symbol]
	return p, ok
}

// Snapshot copies the current prices.
func (f *MarkPriceFeed) Snapshot() map[string]MarkPrice {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]MarkPrice, len(f.prices))
	for k, v := range f.prices {
		out[k] = v
	}
	return out
}

func (f *MarkPriceFeed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.prices)
}
