package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"qbtc-market/internal/binance/rest"
	"qbtc-market/internal/binance/stream"
	"qbtc-market/internal/cache"
	"qbtc-market/internal/config"

	"go.uber.org/zap"
)

// API is the subset of the Binance client the service reads from.
type API interface {
	SpotTickers(ctx context.Context, symbols ...string) ([]rest.Ticker24h, error)
	FuturesTickers(ctx context.Context, symbols ...string) ([]rest.Ticker24h, error)
	PremiumIndex(ctx context.Context, symbols ...string) ([]rest.PremiumIndex, error)
	BookTickers(ctx context.Context, symbols ...string) ([]rest.BookTicker, error)
	FuturesExchangeInfo(ctx context.Context) (rest.ExchangeInfo, error)
	OpenInterest(ctx context.Context, symbol string) (rest.OpenInterest, error)
	FundingRates(ctx context.Context, q rest.FundingRateQuery) ([]rest.FundingRate, error)
}

// MarkSource supplies live mark prices, typically the websocket feed.
type MarkSource interface {
	Snapshot() map[string]stream.MarkPrice
}

type TTLs struct {
	Tickers      time.Duration
	PremiumIndex time.Duration
	BookTickers  time.Duration
	ExchangeInfo time.Duration
	OpenInterest time.Duration
	FundingRates time.Duration
}

func TTLsFromConfig(cfg config.CacheTTLConfig) TTLs {
	return TTLs{
		Tickers:      cfg.Tickers,
		PremiumIndex: cfg.PremiumIndex,
		BookTickers:  cfg.BookTickers,
		ExchangeInfo: cfg.ExchangeInfo,
		OpenInterest: cfg.OpenInterest,
		FundingRates: cfg.FundingRates,
	}
}

// SourceStatus is the outcome of the last read of one data source.
type SourceStatus struct {
	Source    string        `json:"source"`
	Status    cache.Status  `json:"status"`
	StoredAt  time.Time     `json:"stored_at,omitempty"`
	Age       time.Duration `json:"age_ns"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

type Service struct {
	api   API
	cache *cache.Cache
	ttl   TTLs
	marks MarkSource
	log   *zap.Logger
	now   func() time.Time

	mu     sync.RWMutex
	status map[string]SourceStatus
}

func NewService(api API, c *cache.Cache, ttl TTLs, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		api:    api,
		cache:  c,
		ttl:    ttl,
		log:    log,
		now:    time.Now,
		status: make(map[string]SourceStatus),
	}
}

// UseMarks overlays live mark prices onto snapshots and funding views.
func (s *Service) UseMarks(src MarkSource) {
	s.marks = src
}

func (s *Service) SpotTickers(ctx context.Context) ([]rest.Ticker24h, cache.Result, error) {
	v, res, err := cache.Fetch(ctx, s.cache, "tickers:spot", s.ttl.Tickers, func(ctx context.Context) ([]rest.Ticker24h, error) {
		return s.api.SpotTickers(ctx)
	})
	s.record("spot_tickers", res, err)
	return v, res, err
}

func (s *Service) FuturesTickers(ctx context.Context) ([]rest.Ticker24h, cache.Result, error) {
	v, res, err := cache.Fetch(ctx, s.cache, "tickers:futures", s.ttl.Tickers, func(ctx context.Context) ([]rest.Ticker24h, error) {
		return s.api.FuturesTickers(ctx)
	})
	s.record("futures_tickers", res, err)
	return v, res, err
}

func (s *Service) Tickers(ctx context.Context, m rest.Market) ([]rest.Ticker24h, cache.Result, error) {
	if m == rest.Spot {
		return s.SpotTickers(ctx)
	}
	return s.FuturesTickers(ctx)
}

// Ticker finds one symbol in the cached all-market list. ok is false when the
// market does not list it.
func (s *Service) Ticker(ctx context.Context, m rest.Market, symbol string) (rest.Ticker24h, cache.Result, bool, error) {
	tickers, res, err := s.Tickers(ctx, m)
	if err != nil {
		return rest.Ticker24h{}, res, false, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, t := range tickers {
		if t.Symbol == symbol {
			return t, res, true, nil
		}
	}
	return rest.Ticker24h{}, res, false, nil
}

func (s *Service) PremiumIndex(ctx context.Context) ([]rest.PremiumIndex, cache.Result, error) {
	v, res, err := cache.Fetch(ctx, s.cache, "premium:all", s.ttl.PremiumIndex, func(ctx context.Context) ([]rest.PremiumIndex, error) {
		return s.api.PremiumIndex(ctx)
	})
	s.record("premium_index", res, err)
	return v, res, err
}

func (s *Service) BookTickers(ctx context.Context) ([]rest.BookTicker, cache.Result, error) {
	v, res, err := cache.Fetch(ctx, s.cache, "book:all", s.ttl.BookTickers, func(ctx context.Context) ([]rest.BookTicker, error) {
		return s.api.BookTickers(ctx)
	})
	s.record("book_tickers", res, err)
	return v, res, err
}

func (s *Service) ExchangeInfo(ctx context.Context) (rest.ExchangeInfo, cache.Result, error) {
	v, res, err := cache.Fetch(ctx, s.cache, "exchangeinfo:futures", s.ttl.ExchangeInfo, func(ctx context.Context) (rest.ExchangeInfo, error) {
		return s.api.FuturesExchangeInfo(ctx)
	})
	s.record("exchange_info", res, err)
	return v, res, err
}

// FuturesSymbols lists perpetual contracts currently trading.
func (s *Service) FuturesSymbols(ctx context.Context) ([]rest.SymbolInfo, cache.Result, error) {
	info, res, err := s.ExchangeInfo(ctx)
	if err != nil {
		return nil, res, err
	}
	out := make([]rest.SymbolInfo, 0, len(info.Symbols))
	for _, sym := range info.Symbols {
		if sym.IsPerpetualTrading() {
			out = append(out, sym)
		}
	}
	return out, res, nil
}

func (s *Service) OpenInterest(ctx context.Context, symbol string) (rest.OpenInterest, cache.Result, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	v, res, err := cache.Fetch(ctx, s.cache, "oi:"+symbol, s.ttl.OpenInterest, func(ctx context.Context) (rest.OpenInterest, error) {
		return s.api.OpenInterest(ctx, symbol)
	})
	s.record("open_interest", res, err)
	return v, res, err
}

// FundingHistory returns the most recent funding payments, oldest first.
func (s *Service) FundingHistory(ctx context.Context, symbol string, limit int) ([]rest.FundingRate, cache.Result, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if limit <= 0 {
		limit = 100
	}
	key := fmt.Sprintf("funding:%s:%d", symbol, limit)
	v, res, err := cache.Fetch(ctx, s.cache, key, s.ttl.FundingRates, func(ctx context.Context) ([]rest.FundingRate, error) {
		rates, err := s.api.FundingRates(ctx, rest.FundingRateQuery{Symbol: symbol, Limit: limit})
		if err != nil {
			return nil, err
		}
		sort.Slice(rates, func(i, j int) bool { return rates[i].FundingTime < rates[j].FundingTime })
		return rates, nil
	})
	s.record("funding_history", res, err)
	return v, res, err
}

// Funding is the current funding state of one perpetual.
type Funding struct {
	Symbol      string    `json:"symbol"`
	Rate        float64   `json:"funding_rate"`
	MarkPrice   float64   `json:"mark_price"`
	IndexPrice  float64   `json:"index_price"`
	NextFunding time.Time `json:"next_funding"`
	Live        bool      `json:"live"`
}

// CurrentFunding returns funding for every perpetual, live stream values
// taking precedence over older REST data.
func (s *Service) CurrentFunding(ctx context.Context) ([]Funding, cache.Result, error) {
	premium, res, err := s.PremiumIndex(ctx)
	if err != nil {
		return nil, res, err
	}
	marks := s.markSnapshot()
	out := make([]Funding, 0, len(premium))
	for _, p := range premium {
		f := Funding{
			Symbol:      p.Symbol,
			Rate:        float64(p.LastFundingRate),
			MarkPrice:   float64(p.MarkPrice),
			IndexPrice:  float64(p.IndexPrice),
			NextFunding: p.NextFunding(),
		}
		if mp, ok := marks[p.Symbol]; ok && mp.EventTime > p.Time {
			f.Rate = float64(mp.FundingRate)
			f.MarkPrice = float64(mp.MarkPrice)
			f.IndexPrice = float64(mp.IndexPrice)
			f.NextFunding = rest.MillisTime(mp.NextFundingTime)
			f.Live = true
		}
		out = append(out, f)
	}
	return out, res, nil
}

func (s *Service) markSnapshot() map[string]stream.MarkPrice {
	if s.marks == nil {
		return nil
	}
	return s.marks.Snapshot()
}

func (s *Service) record(source string, res cache.Result, err error) {
	st := SourceStatus{
		Source:    source,
		Status:    res.Status,
		StoredAt:  res.StoredAt,
		Age:       res.Age,
		CheckedAt: s.now(),
	}
	if err != nil {
		st.Error = err.Error()
		s.log.Warn("market data fetch failed", zap.String("source", source), zap.Error(err))
	}
	s.mu.Lock()
	s.status[source] = st
	s.mu.Unlock()
}

// Status lists the last outcome per source, sorted by name.
func (s *Service) Status() []SourceStatus {
	s.mu.RLock()
	out := make([]SourceStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
