package sentiment

import (
	"math"
	"sort"
	"strings"
	"time"

	"qbtc-market/internal/binance/rest"
	"qbtc-market/internal/market"
)

type Label string

const (
	Bullish Label = "BULLISH"
	Bearish Label = "BEARISH"
	Neutral Label = "NEUTRAL"
	Unknown Label = "UNKNOWN"
)

const (
	trendThresholdPct = 2.0
	volumeUnit        = 100_000
	maxVolumeBoost    = 2.0
	maxConfidence     = 0.95
	unknownConfidence = 0.5
)

// Reading is the sentiment of one symbol derived from its 24h statistics.
type Reading struct {
	Symbol      string  `json:"symbol"`
	Overall     Label   `json:"overall"`
	Confidence  float64 `json:"confidence"`
	ChangePct   float64 `json:"change_pct"`
	Volume      float64 `json:"volume"`
	FundingRate float64 `json:"funding_rate,omitempty"`
}

// Analyze labels a 24h change and scales confidence by traded base volume.
func Analyze(symbol string, changePct, volume float64) Reading {
	r := Reading{Symbol: symbol, ChangePct: changePct, Volume: volume}
	abs := math.Abs(changePct)
	var confidence float64
	switch {
	case changePct > trendThresholdPct:
		r.Overall = Bullish
		confidence = 0.7 + abs/10*0.2
	case changePct < -trendThresholdPct:
		r.Overall = Bearish
		confidence = 0.7 + abs/10*0.2
	default:
		r.Overall = Neutral
		confidence = 0.5 + abs/4
	}
	confidence *= math.Min(volume/volumeUnit, maxVolumeBoost)
	r.Confidence = round2(math.Min(confidence, maxConfidence))
	return r
}

func unknown(symbol string) Reading {
	return Reading{Symbol: symbol, Overall: Unknown, Confidence: unknownConfidence}
}

func FromTicker(t rest.Ticker24h) Reading {
	if t.Symbol == "" || t.LastPrice <= 0 {
		return unknown(t.Symbol)
	}
	return Analyze(t.Symbol, t.PriceChangePercent.Float64(), t.Volume.Float64())
}

// FromInstrument reads the futures leg only; spot-only symbols are Unknown.
func FromInstrument(inst market.Instrument) Reading {
	if !inst.HasFutures || inst.FuturesPrice <= 0 {
		return unknown(inst.Symbol)
	}
	r := Analyze(inst.Symbol, inst.FuturesChangePct, inst.FuturesVolume)
	if inst.HasFunding {
		r.FundingRate = inst.FundingRate
	}
	return r
}

// Lookup analyzes symbol in snap, returning Unknown when it is not listed.
func Lookup(snap market.Snapshot, symbol string) Reading {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	inst, ok := snap.Find(symbol)
	if !ok {
		return unknown(symbol)
	}
	return FromInstrument(inst)
}

type Distribution struct {
	Bullish int `json:"bullish"`
	Bearish int `json:"bearish"`
	Neutral int `json:"neutral"`
	Unknown int `json:"unknown"`
}

type Breadth struct {
	Advancers int `json:"advancers"`
	Decliners int `json:"decliners"`
	Unchanged int `json:"unchanged"`
}

type Overview struct {
	Market             Label        `json:"market_sentiment"`
	Distribution       Distribution `json:"distribution"`
	AverageConfidence  float64      `json:"average_confidence"`
	Breadth            Breadth      `json:"breadth"`
	AverageFundingRate float64      `json:"average_funding_rate"`
	FundingSamples     int          `json:"funding_samples"`
	Analyzed           int          `json:"analyzed_symbols"`
	Symbols            []Reading    `json:"symbols"`
	TakenAt            time.Time    `json:"taken_at"`
}

// Summarize analyzes the given symbols, or every futures listing when
// symbols is empty. Breadth and funding always cover all futures.
func Summarize(snap market.Snapshot, symbols []string) Overview {
	ov := Overview{TakenAt: snap.TakenAt}
	if len(symbols) == 0 {
		for _, inst := range snap.Instruments {
			if inst.HasFutures {
				ov.Symbols = append(ov.Symbols, FromInstrument(inst))
			}
		}
	} else {
		seen := make(map[string]struct{}, len(symbols))
		for _, sym := range symbols {
			r := Lookup(snap, sym)
			if _, dup := seen[r.Symbol]; dup {
				continue
			}
			seen[r.Symbol] = struct{}{}
			ov.Symbols = append(ov.Symbols, r)
		}
	}
	sort.Slice(ov.Symbols, func(i, j int) bool { return ov.Symbols[i].Symbol < ov.Symbols[j].Symbol })

	var confidence float64
	for _, r := range ov.Symbols {
		switch r.Overall {
		case Bullish:
			ov.Distribution.Bullish++
		case Bearish:
			ov.Distribution.Bearish++
		case Neutral:
			ov.Distribution.Neutral++
		default:
			ov.Distribution.Unknown++
		}
		confidence += r.Confidence
	}
	ov.Analyzed = len(ov.Symbols)
	if ov.Analyzed > 0 {
		ov.AverageConfidence = round2(confidence / float64(ov.Analyzed))
	}
	ov.Market = majority(ov.Distribution)

	var funding float64
	for _, inst := range snap.Instruments {
		if !inst.HasFutures {
			continue
		}
		switch {
		case inst.FuturesChangePct > 0:
			ov.Breadth.Advancers++
		case inst.FuturesChangePct < 0:
			ov.Breadth.Decliners++
		default:
			ov.Breadth.Unchanged++
		}
		if inst.HasFunding {
			funding += inst.FundingRate
			ov.FundingSamples++
		}
	}
	if ov.FundingSamples > 0 {
		ov.AverageFundingRate = funding / float64(ov.FundingSamples)
	}
	return ov
}

func majority(d Distribution) Label {
	switch {
	case d.Bullish > d.Bearish:
		return Bullish
	case d.Bearish > d.Bullish:
		return Bearish
	case d.Bullish+d.Bearish+d.Neutral == 0 && d.Unknown > 0:
		return Unknown
	default:
		return Neutral
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
