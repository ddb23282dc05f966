package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxFundingLimit = 1000

// SpotTickers fetches 24h tickers from the spot market. No symbols means all.
func (c *Client) SpotTickers(ctx context.Context, symbols ...string) ([]Ticker24h, error) {
	symbols = NormalizeSymbols(symbols)
	params := url.Values{}
	switch len(symbols) {
	case 0:
		var out []Ticker24h
		if err := c.get(ctx, Spot, "/api/v3/ticker/24hr", nil, 80, &out); err != nil {
			return nil, err
		}
		return out, nil
	case 1:
		params.Set("symbol", symbols[0])
		var out Ticker24h
		if err := c.get(ctx, Spot, "/api/v3/ticker/24hr", params, 2, &out); err != nil {
			return nil, err
		}
		return []Ticker24h{out}, nil
	default:
		encoded, err := json.Marshal(symbols)
		if err != nil {
			return nil, err
		}
		params.Set("symbols", string(encoded))
		var out []Ticker24h
		if err := c.get(ctx, Spot, "/api/v3/ticker/24hr", params, spotTickerWeight(len(symbols)), &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func spotTickerWeight(symbols int) int {
	switch {
	case symbols == 0 || symbols > 100:
		return 80
	case symbols > 20:
		return 40
	default:
		return 2
	}
}

// FuturesTickers fetches USDⓈ-M 24h tickers. Several symbols are served by
// fetching all and filtering.
func (c *Client) FuturesTickers(ctx context.Context, symbols ...string) ([]Ticker24h, error) {
	symbols = NormalizeSymbols(symbols)
	if len(symbols) == 1 {
		var out Ticker24h
		params := url.Values{"symbol": {symbols[0]}}
		if err := c.get(ctx, Futures, "/fapi/v1/ticker/24hr", params, 1, &out); err != nil {
			return nil, err
		}
		return []Ticker24h{out}, nil
	}
	var out []Ticker24h
	if err := c.get(ctx, Futures, "/fapi/v1/ticker/24hr", nil, 40, &out); err != nil {
		return nil, err
	}
	return filterBySymbol(out, symbols, func(t Ticker24h) string { return t.Symbol }), nil
}

func (c *Client) FuturesExchangeInfo(ctx context.Context) (ExchangeInfo, error) {
	var out ExchangeInfo
	if err := c.get(ctx, Futures, "/fapi/v1/exchangeInfo", nil, 1, &out); err != nil {
		return ExchangeInfo{}, err
	}
	return out, nil
}

// FundingRates returns funding history. Limit is clamped to 1..1000; zero
// leaves Binance's default of 100.
func (c *Client) FundingRates(ctx context.Context, q FundingRateQuery) ([]FundingRate, error) {
	params := url.Values{}
	if symbol := normalizeSymbol(q.Symbol); symbol != "" {
		params.Set("symbol", symbol)
	}
	if !q.StartTime.IsZero() {
		params.Set("startTime", strconv.FormatInt(q.StartTime.UnixMilli(), 10))
	}
	if !q.EndTime.IsZero() {
		params.Set("endTime", strconv.FormatInt(q.EndTime.UnixMilli(), 10))
	}
	if q.Limit != 0 {
		params.Set("limit", strconv.Itoa(clampLimit(q.Limit)))
	}
	var out []FundingRate
	if err := c.get(ctx, Futures, "/fapi/v1/fundingRate", params, 1, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > maxFundingLimit {
		return maxFundingLimit
	}
	return limit
}

func (c *Client) OpenInterest(ctx context.Context, symbol string) (OpenInterest, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return OpenInterest{}, errors.New("open interest: symbol is required")
	}
	var out OpenInterest
	params := url.Values{"symbol": {symbol}}
	if err := c.get(ctx, Futures, "/fapi/v1/openInterest", params, 1, &out); err != nil {
		return OpenInterest{}, err
	}
	return out, nil
}

func (c *Client) BookTickers(ctx context.Context, symbols ...string) ([]BookTicker, error) {
	symbols = NormalizeSymbols(symbols)
	if len(symbols) == 1 {
		var out BookTicker
		params := url.Values{"symbol": {symbols[0]}}
		if err := c.get(ctx, Futures, "/fapi/v1/ticker/bookTicker", params, 2, &out); err != nil {
			return nil, err
		}
		return []BookTicker{out}, nil
	}
	var out []BookTicker
	if err := c.get(ctx, Futures, "/fapi/v1/ticker/bookTicker", nil, 5, &out); err != nil {
		return nil, err
	}
	return filterBySymbol(out, symbols, func(b BookTicker) string { return b.Symbol }), nil
}

func (c *Client) PremiumIndex(ctx context.Context, symbols ...string) ([]PremiumIndex, error) {
	symbols = NormalizeSymbols(symbols)
	if len(symbols) == 1 {
		var out PremiumIndex
		params := url.Values{"symbol": {symbols[0]}}
		if err := c.get(ctx, Futures, "/fapi/v1/premiumIndex", params, 1, &out); err != nil {
			return nil, err
		}
		return []PremiumIndex{out}, nil
	}
	var out []PremiumIndex
	if err := c.get(ctx, Futures, "/fapi/v1/premiumIndex", nil, 10, &out); err != nil {
		return nil, err
	}
	return filterBySymbol(out, symbols, func(p PremiumIndex) string { return p.Symbol }), nil
}

func (c *Client) Ping(ctx context.Context, m Market) error {
	var out struct{}
	return c.get(ctx, m, pathFor(m, "ping"), nil, 1, &out)
}

func (c *Client) ServerTime(ctx context.Context, m Market) (time.Time, error) {
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.get(ctx, m, pathFor(m, "time"), nil, 1, &out); err != nil {
		return time.Time{}, err
	}
	return MillisTime(out.ServerTime), nil
}

func pathFor(m Market, name string) string {
	if m == Spot {
		return "/api/v3/" + name
	}
	return "/fapi/v1/" + name
}

// NormalizeSymbols upper-cases, trims and de-duplicates symbols, dropping empties.
func NormalizeSymbols(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = normalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func filterBySymbol[T any](items []T, symbols []string, key func(T) string) []T {
	if len(symbols) == 0 {
		return items
	}
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	out := make([]T, 0, len(symbols))
	for _, item := range items {
		if _, ok := want[key(item)]; ok {
			out = append(out, item)
		}
	}
	return out
}

// ParseMarket accepts "spot" or "futures" (also "fapi", "usdm").
func ParseMarket(s string) (Market, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spot":
		return Spot, nil
	case "futures", "fapi", "usdm":
		return Futures, nil
	}
	return "", fmt.Errorf("unknown market %q", s)
}
