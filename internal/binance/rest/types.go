package rest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Number decodes Binance's string-encoded decimals. It also accepts plain
// JSON numbers, and treats "" and null as zero.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*n = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("number %s: %w", s, err)
		}
		s = strings.TrimSpace(unquoted)
	}
	if s == "" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("number %q: %w", s, err)
	}
	*n = Number(v)
	return nil
}

func (n Number) Float64() float64 { return float64(n) }

// MillisTime converts a Binance millisecond timestamp. Zero stays the zero time.
func MillisTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Ticker24h is a rolling 24h ticker. BidPrice, AskPrice and PrevClosePrice
// are only populated by the spot endpoint.
type Ticker24h struct {
	Symbol             string `json:"symbol"`
	PriceChange        Number `json:"priceChange"`
	PriceChangePercent Number `json:"priceChangePercent"`
	WeightedAvgPrice   Number `json:"weightedAvgPrice"`
	PrevClosePrice     Number `json:"prevClosePrice"`
	LastPrice          Number `json:"lastPrice"`
	LastQty            Number `json:"lastQty"`
	BidPrice           Number `json:"bidPrice"`
	AskPrice           Number `json:"askPrice"`
	OpenPrice          Number `json:"openPrice"`
	HighPrice          Number `json:"highPrice"`
	LowPrice           Number `json:"lowPrice"`
	Volume             Number `json:"volume"`
	QuoteVolume        Number `json:"quoteVolume"`
	OpenTime           int64  `json:"openTime"`
	CloseTime          int64  `json:"closeTime"`
	FirstID            int64  `json:"firstId"`
	LastID             int64  `json:"lastId"`
	Count              int64  `json:"count"`
}

func (t Ticker24h) Closed() time.Time { return MillisTime(t.CloseTime) }

type ExchangeInfo struct {
	Timezone   string       `json:"timezone"`
	ServerTime int64        `json:"serverTime"`
	RateLimits []RateLimit  `json:"rateLimits"`
	Symbols    []SymbolInfo `json:"symbols"`
}

type RateLimit struct {
	RateLimitType string `json:"rateLimitType"`
	Interval      string `json:"interval"`
	IntervalNum   int    `json:"intervalNum"`
	Limit         int    `json:"limit"`
}

type SymbolInfo struct {
	Symbol            string         `json:"symbol"`
	Pair              string         `json:"pair"`
	ContractType      string         `json:"contractType"`
	Status            string         `json:"status"`
	BaseAsset         string         `json:"baseAsset"`
	QuoteAsset        string         `json:"quoteAsset"`
	MarginAsset       string         `json:"marginAsset"`
	PricePrecision    int            `json:"pricePrecision"`
	QuantityPrecision int            `json:"quantityPrecision"`
	OnboardDate       int64          `json:"onboardDate"`
	Filters           []SymbolFilter `json:"filters"`
}

func (s SymbolInfo) IsPerpetualTrading() bool {
	return s.Status == "TRADING" && s.ContractType == "PERPETUAL"
}

// Filter returns the first filter of the given type.
func (s SymbolInfo) Filter(filterType string) (SymbolFilter, bool) {
	for _, f := range s.Filters {
		if f.FilterType == filterType {
			return f, true
		}
	}
	return SymbolFilter{}, false
}

type SymbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   Number `json:"tickSize"`
	MinPrice   Number `json:"minPrice"`
	MaxPrice   Number `json:"maxPrice"`
	StepSize   Number `json:"stepSize"`
	MinQty     Number `json:"minQty"`
	MaxQty     Number `json:"maxQty"`
	Notional   Number `json:"notional"`
}

type FundingRate struct {
	Symbol      string `json:"symbol"`
	FundingRate Number `json:"fundingRate"`
	FundingTime int64  `json:"fundingTime"`
	MarkPrice   Number `json:"markPrice"`
}

func (f FundingRate) Time() time.Time { return MillisTime(f.FundingTime) }

type OpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest Number `json:"openInterest"`
	Time         int64  `json:"time"`
}

type BookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice Number `json:"bidPrice"`
	BidQty   Number `json:"bidQty"`
	AskPrice Number `json:"askPrice"`
	AskQty   Number `json:"askQty"`
	Time     int64  `json:"time"`
}

func (b BookTicker) Mid() float64 {
	if b.BidPrice <= 0 || b.AskPrice <= 0 {
		return 0
	}
	return float64(b.BidPrice+b.AskPrice) / 2
}

// SpreadBps is the quoted spread in basis points of mid, or 0 when the book is one-sided.
func (b BookTicker) SpreadBps() float64 {
	mid := b.Mid()
	if mid == 0 || b.AskPrice < b.BidPrice {
		return 0
	}
	return float64(b.AskPrice-b.BidPrice) / mid * 10_000
}

type PremiumIndex struct {
	Symbol               string `json:"symbol"`
	MarkPrice            Number `json:"markPrice"`
	IndexPrice           Number `json:"indexPrice"`
	EstimatedSettlePrice Number `json:"estimatedSettlePrice"`
	LastFundingRate      Number `json:"lastFundingRate"`
	InterestRate         Number `json:"interestRate"`
	NextFundingTime      int64  `json:"nextFundingTime"`
	Time                 int64  `json:"time"`
}

func (p PremiumIndex) NextFunding() time.Time { return MillisTime(p.NextFundingTime) }

type FundingRateQuery struct {
	Symbol    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}
