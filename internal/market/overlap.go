package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"qbtc-market/internal/config"
)

type Tier struct {
	Name    string
	Symbols []string
}

func TiersFromConfig(cfg config.UniverseConfig) []Tier {
	tiers := make([]Tier, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		tiers = append(tiers, Tier{Name: t.Name, Symbols: t.Symbols})
	}
	return tiers
}

type TierOverlap struct {
	Name        string   `json:"name"`
	Symbols     int      `json:"symbols"`
	Both        []string `json:"both"`
	OnlySpot    []string `json:"only_spot"`
	OnlyFutures []string `json:"only_futures"`
	Missing     []string `json:"missing"`
	Coverage    float64  `json:"coverage"`
}

type OverlapReport struct {
	QuoteAsset   string        `json:"quote_asset"`
	SpotTotal    int           `json:"spot_total"`
	FuturesTotal int           `json:"futures_total"`
	Both         int           `json:"both"`
	OnlySpot     int           `json:"only_spot"`
	OnlyFutures  int           `json:"only_futures"`
	Coverage     float64       `json:"coverage"`
	Tiers        []TierOverlap `json:"tiers,omitempty"`
}

// Overlap compares the spot listing with trading perpetuals, restricted to
// symbols quoted in quote. Each tier's symbols are classified; symbols not
// ending in quote ("BTC") get it appended. With no tiers only the market-wide
// counts are filled and Coverage is the share of perpetuals also on spot.
func (s *Service) Overlap(ctx context.Context, tiers []Tier, quote string) (OverlapReport, error) {
	quote = strings.ToUpper(strings.TrimSpace(quote))
	spotTickers, _, spotErr := s.SpotTickers(ctx)
	if spotErr != nil {
		return OverlapReport{}, fmt.Errorf("overlap: spot listing: %w", spotErr)
	}
	futuresSet := make(map[string]struct{})
	perps, _, infoErr := s.FuturesSymbols(ctx)
	if infoErr == nil {
		for _, p := range perps {
			futuresSet[p.Symbol] = struct{}{}
		}
	} else {
		tickers, _, err := s.FuturesTickers(ctx)
		if err != nil {
			return OverlapReport{}, fmt.Errorf("overlap: futures listing: %w", errors.Join(infoErr, err))
		}
		for _, t := range tickers {
			futuresSet[t.Symbol] = struct{}{}
		}
	}
	spotSet := make(map[string]struct{}, len(spotTickers))
	for _, t := range spotTickers {
		spotSet[t.Symbol] = struct{}{}
	}
	if quote != "" {
		filterQuote(spotSet, quote)
		filterQuote(futuresSet, quote)
	}

	report := OverlapReport{QuoteAsset: quote, SpotTotal: len(spotSet), FuturesTotal: len(futuresSet)}
	for sym := range futuresSet {
		if _, ok := spotSet[sym]; ok {
			report.Both++
		} else {
			report.OnlyFutures++
		}
	}
	report.OnlySpot = report.SpotTotal - report.Both
	if report.FuturesTotal > 0 {
		report.Coverage = float64(report.Both) / float64(report.FuturesTotal)
	}

	for _, tier := range tiers {
		to := TierOverlap{Name: tier.Name}
		seen := make(map[string]struct{}, len(tier.Symbols))
		for _, raw := range tier.Symbols {
			sym := universeSymbol(raw, quote)
			if sym == "" {
				continue
			}
			if _, dup := seen[sym]; dup {
				continue
			}
			seen[sym] = struct{}{}
			_, inSpot := spotSet[sym]
			_, inFutures := futuresSet[sym]
			switch {
			case inSpot && inFutures:
				to.Both = append(to.Both, sym)
			case inSpot:
				to.OnlySpot = append(to.OnlySpot, sym)
			case inFutures:
				to.OnlyFutures = append(to.OnlyFutures, sym)
			default:
				to.Missing = append(to.Missing, sym)
			}
		}
		to.Symbols = len(seen)
		if to.Symbols > 0 {
			to.Coverage = float64(len(to.Both)) / float64(to.Symbols)
		}
		sort.Strings(to.Both)
		sort.Strings(to.OnlySpot)
		sort.Strings(to.OnlyFutures)
		sort.Strings(to.Missing)
		report.Tiers = append(report.Tiers, to)
	}
	return report, nil
}

func filterQuote(set map[string]struct{}, quote string) {
	for sym := range set {
		if QuoteAssetOf(sym) != quote {
			delete(set, sym)
		}
	}
}

func universeSymbol(raw, quote string) string {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	if sym == "" {
		return ""
	}
	if quote != "" && !strings.HasSuffix(sym, quote) {
		sym += quote
	}
	return sym
}

// UniverseSymbols flattens tiers into unique full symbols quoted in quote,
// keeping first-seen order.
func UniverseSymbols(tiers []Tier, quote string) []string {
	quote = strings.ToUpper(strings.TrimSpace(quote))
	seen := make(map[string]struct{})
	var out []string
	for _, tier := range tiers {
		for _, raw := range tier.Symbols {
			sym := universeSymbol(raw, quote)
			if sym == "" {
				continue
			}
			if _, dup := seen[sym]; dup {
				continue
			}
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	return out
}
