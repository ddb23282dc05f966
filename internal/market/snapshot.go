package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"qbtc-market/internal/binance/rest"
	"qbtc-market/internal/cache"

	"golang.org/x/sync/errgroup"
)

// Instrument merges what Binance reports for one symbol across spot and
// USDⓈ-M futures.
type Instrument struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset,omitempty"`
	QuoteAsset string `json:"quote_asset,omitempty"`
	HasSpot    bool   `json:"has_spot"`
	HasFutures bool   `json:"has_futures"`
	Perpetual  bool   `json:"perpetual"`

	SpotPrice          float64 `json:"spot_price,omitempty"`
	SpotChangePct      float64 `json:"spot_change_pct,omitempty"`
	SpotQuoteVolume    float64 `json:"spot_quote_volume,omitempty"`
	FuturesPrice       float64 `json:"futures_price,omitempty"`
	FuturesChangePct   float64 `json:"futures_change_pct,omitempty"`
	FuturesVolume      float64 `json:"futures_volume,omitempty"`
	FuturesQuoteVolume float64 `json:"futures_quote_volume,omitempty"`
	High               float64 `json:"high,omitempty"`
	Low                float64 `json:"low,omitempty"`

	MarkPrice   float64   `json:"mark_price,omitempty"`
	IndexPrice  float64   `json:"index_price,omitempty"`
	FundingRate float64   `json:"funding_rate"`
	NextFunding time.Time `json:"next_funding,omitempty"`
	HasFunding  bool      `json:"has_funding"`

	BidPrice  float64 `json:"bid_price,omitempty"`
	AskPrice  float64 `json:"ask_price,omitempty"`
	SpreadBps float64 `json:"spread_bps,omitempty"`
	HasBook   bool    `json:"has_book"`

	// BasisBps is mark (or futures last) over spot last, in basis points.
	BasisBps float64 `json:"basis_bps,omitempty"`
}

// ChangePct prefers the futures 24h change and falls back to spot.
func (i Instrument) ChangePct() float64 {
	if i.HasFutures {
		return i.FuturesChangePct
	}
	return i.SpotChangePct
}

func (i Instrument) QuoteVolume() float64 {
	if i.HasFutures {
		return i.FuturesQuoteVolume
	}
	return i.SpotQuoteVolume
}

func (i Instrument) LastPrice() float64 {
	if i.HasFutures && i.FuturesPrice > 0 {
		return i.FuturesPrice
	}
	return i.SpotPrice
}

type Snapshot struct {
	Instruments []Instrument            `json:"instruments"`
	Sources     map[string]cache.Result `json:"sources"`
	Errors      map[string]string       `json:"errors,omitempty"`
	TakenAt     time.Time               `json:"taken_at"`
}

// Find returns the instrument for symbol.
func (s Snapshot) Find(symbol string) (Instrument, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	idx := sort.Search(len(s.Instruments), func(i int) bool { return s.Instruments[i].Symbol >= symbol })
	if idx < len(s.Instruments) && s.Instruments[idx].Symbol == symbol {
		return s.Instruments[idx], true
	}
	return Instrument{}, false
}

// Snapshot merges every source into one instrument per symbol. It fails only
// when both ticker legs fail; other sources are optional.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	var (
		spot, futures []rest.Ticker24h
		premium       []rest.PremiumIndex
		books         []rest.BookTicker
		info          rest.ExchangeInfo
		results       [5]cache.Result
		errs          [5]error
	)
	var g errgroup.Group
	g.Go(func() error { spot, results[0], errs[0] = s.SpotTickers(ctx); return nil })
	g.Go(func() error { futures, results[1], errs[1] = s.FuturesTickers(ctx); return nil })
	g.Go(func() error { premium, results[2], errs[2] = s.PremiumIndex(ctx); return nil })
	g.Go(func() error { books, results[3], errs[3] = s.BookTickers(ctx); return nil })
	g.Go(func() error { info, results[4], errs[4] = s.ExchangeInfo(ctx); return nil })
	_ = g.Wait()

	if errs[0] != nil && errs[1] != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", errors.Join(errs[0], errs[1]))
	}

	names := [5]string{"spot_tickers", "futures_tickers", "premium_index", "book_tickers", "exchange_info"}
	snap := Snapshot{Sources: make(map[string]cache.Result, len(names)), TakenAt: s.now()}
	for i, name := range names {
		if errs[i] != nil {
			if snap.Errors == nil {
				snap.Errors = make(map[string]string)
			}
			snap.Errors[name] = errs[i].Error()
			continue
		}
		snap.Sources[name] = results[i]
	}

	byMeta := make(map[string]rest.SymbolInfo, len(info.Symbols))
	for _, sym := range info.Symbols {
		byMeta[sym.Symbol] = sym
	}
	items := make(map[string]*Instrument, len(spot)+len(futures))
	get := func(symbol string) *Instrument {
		inst, ok := items[symbol]
		if !ok {
			inst = &Instrument{Symbol: symbol}
			items[symbol] = inst
		}
		return inst
	}

	for _, t := range spot {
		inst := get(t.Symbol)
		inst.HasSpot = true
		inst.SpotPrice = float64(t.LastPrice)
		inst.SpotChangePct = float64(t.PriceChangePercent)
		inst.SpotQuoteVolume = float64(t.QuoteVolume)
		inst.High = float64(t.HighPrice)
		inst.Low = float64(t.LowPrice)
	}
	for _, t := range futures {
		inst := get(t.Symbol)
		inst.HasFutures = true
		inst.FuturesPrice = float64(t.LastPrice)
		inst.FuturesChangePct = float64(t.PriceChangePercent)
		inst.FuturesVolume = float64(t.Volume)
		inst.FuturesQuoteVolume = float64(t.QuoteVolume)
		inst.High = float64(t.HighPrice)
		inst.Low = float64(t.LowPrice)
	}
	for _, p := range premium {
		inst, ok := items[p.Symbol]
		if !ok {
			continue
		}
		inst.MarkPrice = float64(p.MarkPrice)
		inst.IndexPrice = float64(p.IndexPrice)
		inst.FundingRate = float64(p.LastFundingRate)
		inst.NextFunding = p.NextFunding()
		inst.HasFunding = true
	}
	premiumTime := make(map[string]int64, len(premium))
	for _, p := range premium {
		premiumTime[p.Symbol] = p.Time
	}
	for symbol, mp := range s.markSnapshot() {
		inst, ok := items[symbol]
		if !ok || mp.EventTime <= premiumTime[symbol] {
			continue
		}
		inst.MarkPrice = float64(mp.MarkPrice)
		inst.IndexPrice = float64(mp.IndexPrice)
		inst.FundingRate = float64(mp.FundingRate)
		inst.NextFunding = rest.MillisTime(mp.NextFundingTime)
		inst.HasFunding = true
	}
	for _, b := range books {
		inst, ok := items[b.Symbol]
		if !ok {
			continue
		}
		inst.BidPrice = float64(b.BidPrice)
		inst.AskPrice = float64(b.AskPrice)
		inst.SpreadBps = b.SpreadBps()
		inst.HasBook = b.BidPrice > 0 && b.AskPrice > 0
	}

	snap.Instruments = make([]Instrument, 0, len(items))
	for _, inst := range items {
		if meta, ok := byMeta[inst.Symbol]; ok {
			inst.BaseAsset = meta.BaseAsset
			inst.QuoteAsset = meta.QuoteAsset
			inst.Perpetual = meta.IsPerpetualTrading()
		} else {
			inst.QuoteAsset = QuoteAssetOf(inst.Symbol)
			if inst.QuoteAsset != "" {
				inst.BaseAsset = strings.TrimSuffix(inst.Symbol, inst.QuoteAsset)
			}
			// exchangeInfo unavailable: any futures ticker counts as a perpetual.
			inst.Perpetual = inst.HasFutures && len(info.Symbols) == 0
		}
		if inst.HasSpot && inst.SpotPrice > 0 {
			ref := inst.MarkPrice
			if ref == 0 {
				ref = inst.FuturesPrice
			}
			if ref > 0 && inst.HasFutures {
				inst.BasisBps = (ref - inst.SpotPrice) / inst.SpotPrice * 10_000
			}
		}
		snap.Instruments = append(snap.Instruments, *inst)
	}
	sort.Slice(snap.Instruments, func(i, j int) bool { return snap.Instruments[i].Symbol < snap.Instruments[j].Symbol })
	return snap, nil
}

var knownQuotes = []string{"FDUSD", "USDT", "USDC", "TUSD", "BUSD", "DAI", "BTC", "ETH", "BNB", "EUR", "TRY", "BRL", "JPY"}

// QuoteAssetOf guesses the quote asset from a symbol's suffix.
func QuoteAssetOf(symbol string) string {
	for _, q := range knownQuotes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return q
		}
	}
	return ""
}
