package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"qbtc-market/internal/binance/rest"
	"qbtc-market/internal/cache"
	"qbtc-market/internal/market"
	"qbtc-market/internal/scanner"
	"qbtc-market/internal/sentiment"

	"github.com/gorilla/mux"
)

const (
	defaultFundingTop   = 20
	defaultHistoryLimit = 100
	maxBatchSymbols     = 100
	maxBatchBody        = 64 << 10
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(s.now().Sub(s.started).Seconds()),
	})
}

type upstreamStatus struct {
	UsedWeight    int        `json:"used_weight_1m"`
	Breaker       string     `json:"breaker"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"sources": s.opts.Market.Status(),
	}
	if s.opts.Upstream != nil {
		up := make(map[rest.Market]upstreamStatus, 2)
		for _, m := range []rest.Market{rest.Spot, rest.Futures} {
			st := upstreamStatus{
				UsedWeight: s.opts.Upstream.UsedWeight(m),
				Breaker:    s.opts.Upstream.BreakerState(m),
			}
			if until := s.opts.Upstream.CooldownUntil(m); until.After(s.now()) {
				st.CooldownUntil = &until
			}
			up[m] = st
		}
		body["upstream"] = up
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) tickers(w http.ResponseWriter, r *http.Request) {
	m, err := rest.ParseMarket(mux.Vars(r)["market"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		t, res, ok, err := s.opts.Market.Ticker(r.Context(), m, symbol)
		if err != nil {
			s.writeUpstreamError(w, r, err)
			return
		}
		setCacheHeader(w, res.Status)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("symbol %s not listed on %s", strings.ToUpper(symbol), m))
			return
		}
		writeJSON(w, http.StatusOK, t)
		return
	}
	tickers, res, err := s.opts.Market.Tickers(r.Context(), m)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	setCacheHeader(w, res.Status)
	writeJSON(w, http.StatusOK, map[string]any{
		"market":  m,
		"count":   len(tickers),
		"tickers": tickers,
	})
}

func (s *Server) funding(w http.ResponseWriter, r *http.Request) {
	top, err := intParam(r, "top", defaultFundingTop)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rates, res, err := s.opts.Market.CurrentFunding(r.Context())
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	sort.Slice(rates, func(i, j int) bool {
		ai, aj := math.Abs(rates[i].Rate), math.Abs(rates[j].Rate)
		if ai != aj {
			return ai > aj
		}
		return rates[i].Symbol < rates[j].Symbol
	})
	if top > 0 && len(rates) > top {
		rates = rates[:top]
	}
	setCacheHeader(w, res.Status)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(rates),
		"funding": rates,
	})
}

func (s *Server) fundingHistory(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	limit, err := intParam(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit < 1 || limit > 1000 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	rates, res, err := s.opts.Market.FundingHistory(r.Context(), symbol, limit)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	setCacheHeader(w, res.Status)
	if len(rates) == 0 {
		writeError(w, http.StatusNotFound, "no funding history for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":  symbol,
		"count":   len(rates),
		"history": rates,
	})
}

func (s *Server) openInterest(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	oi, res, err := s.opts.Market.OpenInterest(r.Context(), symbol)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	setCacheHeader(w, res.Status)
	writeJSON(w, http.StatusOK, oi)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) (market.Snapshot, bool) {
	snap, err := s.opts.Market.Snapshot(r.Context())
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return market.Snapshot{}, false
	}
	results := make([]cache.Result, 0, len(snap.Sources))
	for _, res := range snap.Sources {
		results = append(results, res)
	}
	setCacheHeader(w, worstStatus(results...))
	return snap, true
}

// opportunities serves the scan loop's report while it is younger than
// ReportMaxAge and scans a fresh snapshot otherwise.
func (s *Server) opportunities(w http.ResponseWriter, r *http.Request) {
	if report, ok := s.latestReport(); ok {
		setCacheHeader(w, cache.StatusHit)
		writeJSON(w, http.StatusOK, report)
		return
	}
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Scanner.Scan(snap))
}

func (s *Server) latestReport() (scanner.Report, bool) {
	if s.opts.Reports == nil || s.opts.ReportMaxAge <= 0 {
		return scanner.Report{}, false
	}
	report, ok := s.opts.Reports.LatestReport()
	if !ok || s.now().Sub(report.GeneratedAt) > s.opts.ReportMaxAge {
		return scanner.Report{}, false
	}
	return report, true
}

func (s *Server) opportunity(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	inst, found := snap.Find(symbol)
	if !found {
		writeError(w, http.StatusNotFound, "unknown symbol "+strings.ToUpper(symbol))
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Scanner.Evaluate(inst))
}

func (s *Server) sentiment(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	inst, found := snap.Find(symbol)
	if !found {
		writeError(w, http.StatusNotFound, "unknown symbol "+strings.ToUpper(symbol))
		return
	}
	writeJSON(w, http.StatusOK, sentiment.FromInstrument(inst))
}

type batchRequest struct {
	Symbols []string `json:"symbols"`
}

func (s *Server) batchSentiment(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	symbols := rest.NormalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols must not be empty")
		return
	}
	if len(symbols) > maxBatchSymbols {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d symbols per request", maxBatchSymbols))
		return
	}
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	results := make([]sentiment.Reading, 0, len(symbols))
	for _, sym := range symbols {
		results = append(results, sentiment.Lookup(snap, sym))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(results),
		"results":  results,
		"taken_at": snap.TakenAt,
	})
}

func (s *Server) marketOverview(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	symbols := market.UniverseSymbols(s.opts.Tiers, s.opts.QuoteAsset)
	writeJSON(w, http.StatusOK, sentiment.Summarize(snap, symbols))
}

func (s *Server) overlap(w http.ResponseWriter, r *http.Request) {
	quote := s.opts.QuoteAsset
	if q := strings.TrimSpace(r.URL.Query().Get("quote")); q != "" {
		quote = q
	}
	report, err := s.opts.Market.Overlap(r.Context(), s.opts.Tiers, quote)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}
