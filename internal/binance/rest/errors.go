package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrRateLimited matches any HTTP 429 or 418 response, and a RateLimitedError.
	ErrRateLimited = errors.New("binance: rate limited")

	// ErrIPBanned matches HTTP 418, Binance's auto-ban after ignoring 429s.
	ErrIPBanned = errors.New("binance: ip banned")

	ErrServer      = errors.New("binance: server error")
	ErrCircuitOpen = errors.New("binance: circuit open")
)

// APIError is a non-2xx response. Code and Message come from Binance's
// {"code":..,"msg":..} body when present.
type APIError struct {
	Status     int
	Code       int
	Message    string
	Path       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("binance %s: http %d: code %d: %s", e.Path, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("binance %s: http %d", e.Path, e.Status)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests || e.Status == http.StatusTeapot
	case ErrIPBanned:
		return e.Status == http.StatusTeapot
	case ErrServer:
		return e.Status >= 500
	}
	return false
}

// Retryable reports whether the status is one the client backs off and retries.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusTeapot || e.Status >= 500
}

// RateLimitedError is returned once retries on 418/429 are exhausted, or when
// Binance asks for a wait longer than the configured maximum. Attempts is zero
// when the request was refused locally during an earlier cooldown.
type RateLimitedError struct {
	Status     int
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

func (e *RateLimitedError) Error() string {
	kind := "rate limited"
	if e.Banned() {
		kind = "ip banned"
	}
	msg := fmt.Sprintf("binance: %s after %d attempt(s)", kind, e.Attempts)
	if e.Attempts == 0 {
		msg = fmt.Sprintf("binance: %s, cooldown active", kind)
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

func (e *RateLimitedError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return true
	case ErrIPBanned:
		return e.Banned()
	}
	return false
}

func (e *RateLimitedError) Banned() bool {
	return e.Status == http.StatusTeapot
}

// RetryAfterOf extracts the server-requested wait from err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, rl.RetryAfter > 0
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter, apiErr.RetryAfter > 0
	}
	return 0, false
}

func newAPIError(path string, status int, header http.Header, body []byte, now time.Time) *APIError {
	apiErr := &APIError{
		Status:     status,
		Path:       path,
		RetryAfter: parseRetryAfter(header.Get("Retry-After"), now),
	}
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && (payload.Code != 0 || payload.Msg != "") {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Msg
	} else if text := strings.TrimSpace(string(body)); text != "" {
		if len(text) > 256 {
			text = text[:256]
		}
		apiErr.Message = text
	}
	return apiErr
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
