package scanner

import (
	"math"
	"sort"
	"time"

	"qbtc-market/internal/config"
	"qbtc-market/internal/market"

	"github.com/google/uuid"
)

type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
)

type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// fundingSaturation is the absolute funding rate that earns a full funding component.
const fundingSaturation = 0.001

type Weights struct {
	Momentum float64 `json:"momentum"`
	Volume   float64 `json:"volume"`
	Funding  float64 `json:"funding"`
	Spread   float64 `json:"spread"`
}

type Config struct {
	QuoteAsset     string
	MinQuoteVolume float64
	HighVolume     float64
	MaxSpreadBps   float64
	TopN           int
	StopLossPct    float64
	TakeProfitPct  float64
	Weights        Weights
}

func ConfigFromScanner(cfg config.ScannerConfig) Config {
	return Config{
		QuoteAsset:     cfg.QuoteAsset,
		MinQuoteVolume: cfg.MinQuoteVolume,
		HighVolume:     cfg.HighVolume,
		MaxSpreadBps:   cfg.MaxSpreadBps,
		TopN:           cfg.TopN,
		StopLossPct:    cfg.StopLossPct,
		TakeProfitPct:  cfg.TakeProfitPct,
		Weights: Weights{
			Momentum: cfg.Weights.Momentum,
			Volume:   cfg.Weights.Volume,
			Funding:  cfg.Weights.Funding,
			Spread:   cfg.Weights.Spread,
		},
	}
}

// Components are the per-factor scores, each in [0,1].
type Components struct {
	Momentum float64 `json:"momentum"`
	Volume   float64 `json:"volume"`
	Funding  float64 `json:"funding"`
	Spread   float64 `json:"spread"`
}

type Opportunity struct {
	Symbol      string     `json:"symbol"`
	Direction   Direction  `json:"direction"`
	Score       float64    `json:"score"`
	Components  Components `json:"components"`
	Priority    Priority   `json:"priority"`
	Timeframe   string     `json:"timeframe"`
	Risk        Risk       `json:"risk"`
	Entry       float64    `json:"entry"`
	StopLoss    float64    `json:"stop_loss"`
	TakeProfit  float64    `json:"take_profit"`
	RiskReward  float64    `json:"risk_reward"`
	ChangePct   float64    `json:"change_pct"`
	QuoteVolume float64    `json:"quote_volume"`
	FundingRate float64    `json:"funding_rate"`
	SpreadBps   float64    `json:"spread_bps"`
	Eligible    bool       `json:"eligible"`
	Reason      string     `json:"reason,omitempty"`
}

type Summary struct {
	Scanned      int     `json:"scanned"`
	Total        int     `json:"total"`
	Long         int     `json:"long"`
	Short        int     `json:"short"`
	AverageScore float64 `json:"average_score"`
}

type Report struct {
	ID            string        `json:"id"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Weights       Weights       `json:"weights"`
	Opportunities []Opportunity `json:"opportunities"`
	Summary       Summary       `json:"summary"`
}

type Scanner struct {
	cfg   Config
	now   func() time.Time
	newID func() string
}

func New(cfg Config) *Scanner {
	return &Scanner{cfg: cfg, now: time.Now, newID: uuid.NewString}
}

func (s *Scanner) Config() Config { return s.cfg }

// Scan evaluates every instrument in snap and returns the eligible ones,
// best first, capped at TopN.
func (s *Scanner) Scan(snap market.Snapshot) Report {
	report := Report{ID: s.newID(), GeneratedAt: s.now().UTC(), Weights: s.cfg.Weights}
	var opps []Opportunity
	for _, inst := range snap.Instruments {
		opp := s.Evaluate(inst)
		if opp.Reason == reasonNotListed {
			continue
		}
		report.Summary.Scanned++
		if opp.Eligible {
			opps = append(opps, opp)
		}
	}
	sort.Slice(opps, func(i, j int) bool {
		if opps[i].Score != opps[j].Score {
			return opps[i].Score > opps[j].Score
		}
		if opps[i].QuoteVolume != opps[j].QuoteVolume {
			return opps[i].QuoteVolume > opps[j].QuoteVolume
		}
		return opps[i].Symbol < opps[j].Symbol
	})
	if s.cfg.TopN > 0 && len(opps) > s.cfg.TopN {
		opps = opps[:s.cfg.TopN]
	}
	if opps == nil {
		opps = []Opportunity{}
	}
	report.Opportunities = opps
	report.Summary.Total = len(opps)
	var sum float64
	for _, o := range opps {
		sum += o.Score
		if o.Direction == Long {
			report.Summary.Long++
		} else {
			report.Summary.Short++
		}
	}
	if len(opps) > 0 {
		report.Summary.AverageScore = round(sum/float64(len(opps)), 4)
	}
	return report
}

const (
	reasonNotListed = "not a trading perpetual"
	reasonQuote     = "quote asset mismatch"
	reasonNoPrice   = "no last price"
	reasonVolume    = "quote volume below minimum"
	reasonSpread    = "spread above maximum"
)

// Evaluate scores one instrument and records whether it passes the filters.
func (s *Scanner) Evaluate(inst market.Instrument) Opportunity {
	change := inst.ChangePct()
	absChange := math.Abs(change)
	direction := Short
	if change > 0 {
		direction = Long
	}
	opp := Opportunity{
		Symbol:      inst.Symbol,
		Direction:   direction,
		ChangePct:   change,
		QuoteVolume: inst.QuoteVolume(),
		FundingRate: inst.FundingRate,
		SpreadBps:   inst.SpreadBps,
		Entry:       inst.LastPrice(),
		Timeframe:   timeframe(absChange),
		Risk:        risk(absChange),
		Priority:    PriorityNormal,
	}
	if absChange > 5 || (s.cfg.HighVolume > 0 && opp.QuoteVolume > s.cfg.HighVolume) {
		opp.Priority = PriorityHigh
	}

	opp.Components = Components{
		Momentum: round(math.Min(absChange/10, 1), 4),
		Volume:   round(s.volumeComponent(opp.QuoteVolume), 4),
		Funding:  round(fundingComponent(direction, inst.FundingRate, inst.HasFunding), 4),
		Spread:   round(s.spreadComponent(inst), 4),
	}
	opp.Score = round(s.weighted(opp.Components), 4)

	if opp.Entry > 0 {
		sl, tp := s.cfg.StopLossPct, s.cfg.TakeProfitPct
		if direction == Long {
			opp.StopLoss = opp.Entry * (1 - sl)
			opp.TakeProfit = opp.Entry * (1 + tp)
		} else {
			opp.StopLoss = opp.Entry * (1 + sl)
			opp.TakeProfit = opp.Entry * (1 - tp)
		}
		if sl > 0 {
			opp.RiskReward = round(tp/sl, 2)
		}
	}

	opp.Reason = s.reject(inst, opp)
	opp.Eligible = opp.Reason == ""
	return opp
}

func (s *Scanner) reject(inst market.Instrument, opp Opportunity) string {
	switch {
	case !inst.HasFutures || !inst.Perpetual:
		return reasonNotListed
	case s.cfg.QuoteAsset != "" && inst.QuoteAsset != s.cfg.QuoteAsset:
		return reasonQuote
	case opp.Entry <= 0:
		return reasonNoPrice
	case opp.QuoteVolume < s.cfg.MinQuoteVolume:
		return reasonVolume
	case inst.HasBook && s.cfg.MaxSpreadBps > 0 && inst.SpreadBps > s.cfg.MaxSpreadBps:
		return reasonSpread
	}
	return ""
}

// volumeComponent is 0 at the minimum volume and 1 at the high-volume mark,
// on a log scale between them.
func (s *Scanner) volumeComponent(quoteVolume float64) float64 {
	lo, hi := s.cfg.MinQuoteVolume, s.cfg.HighVolume
	if lo <= 0 {
		lo = 1
	}
	if quoteVolume <= lo {
		return 0
	}
	if hi <= lo {
		return 1
	}
	return math.Min(math.Log10(quoteVolume/lo)/math.Log10(hi/lo), 1)
}

// fundingComponent rewards funding only when it is paid to the chosen side:
// shorts receive positive funding, longs negative.
func fundingComponent(direction Direction, rate float64, known bool) float64 {
	if !known || rate == 0 {
		return 0
	}
	if (direction == Short && rate < 0) || (direction == Long && rate > 0) {
		return 0
	}
	return math.Min(math.Abs(rate)/fundingSaturation, 1)
}

func (s *Scanner) spreadComponent(inst market.Instrument) float64 {
	if !inst.HasBook || s.cfg.MaxSpreadBps <= 0 {
		return 0
	}
	return 1 - math.Min(inst.SpreadBps/s.cfg.MaxSpreadBps, 1)
}

func (s *Scanner) weighted(c Components) float64 {
	w := s.cfg.Weights
	total := w.Momentum + w.Volume + w.Funding + w.Spread
	if total <= 0 {
		return 0
	}
	return (w.Momentum*c.Momentum + w.Volume*c.Volume + w.Funding*c.Funding + w.Spread*c.Spread) / total
}

func timeframe(absChange float64) string {
	switch {
	case absChange > 10:
		return "1h"
	case absChange > 5:
		return "4h"
	default:
		return "1d"
	}
}

func risk(absChange float64) Risk {
	switch {
	case absChange > 15:
		return RiskHigh
	case absChange > 8:
		return RiskMedium
	default:
		return RiskLow
	}
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
