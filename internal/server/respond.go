package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"qbtc-market/internal/binance/rest"
	"qbtc-market/internal/cache"

	"go.uber.org/zap"
)

// Binance answers unknown symbols with HTTP 400 and this code.
const codeInvalidSymbol = -1121

const defaultRetryAfter = 60 * time.Second

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func setCacheHeader(w http.ResponseWriter, status cache.Status) {
	if status != "" {
		w.Header().Set("X-Cache", string(status))
	}
}

// worstStatus reports stale if any result was stale, then miss, then hit.
func worstStatus(results ...cache.Result) cache.Status {
	var out cache.Status
	for _, r := range results {
		switch {
		case r.Status == cache.StatusStale:
			return cache.StatusStale
		case r.Status == cache.StatusMiss:
			out = cache.StatusMiss
		case r.Status == cache.StatusHit && out == "":
			out = cache.StatusHit
		}
	}
	return out
}

// writeUpstreamError maps a failed Binance read onto an HTTP status.
func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *rest.APIError
	switch {
	case errors.Is(err, rest.ErrRateLimited), errors.Is(err, rest.ErrCircuitOpen):
		wait, ok := rest.RetryAfterOf(err)
		if !ok {
			wait = defaultRetryAfter
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &apiErr) && apiErr.Code == codeInvalidSymbol:
		writeError(w, http.StatusNotFound, apiErr.Message)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		return
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
	s.log.Warn("upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
}
