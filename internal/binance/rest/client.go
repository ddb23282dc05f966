package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"qbtc-market/internal/config"
	"qbtc-market/internal/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Market string

const (
	Spot    Market = "spot"
	Futures Market = "futures"
)

const maxBodyBytes = 32 << 20

type Options struct {
	SpotURL                string
	FuturesURL             string
	Timeout                time.Duration
	UserAgent              string
	SpotWeightPerMinute    int
	FuturesWeightPerMinute int
	MaxRetries             int
	BackoffInitial         time.Duration
	BackoffMax             time.Duration
	MaxRetryWait           time.Duration
	BreakerFailures        uint32
	BreakerTimeout         time.Duration

	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

func OptionsFromConfig(cfg config.BinanceConfig) Options {
	return Options{
		SpotURL:                cfg.SpotURL,
		FuturesURL:             cfg.FuturesURL,
		Timeout:                cfg.Timeout,
		UserAgent:              cfg.UserAgent,
		SpotWeightPerMinute:    cfg.SpotWeightPerMinute,
		FuturesWeightPerMinute: cfg.FuturesWeightPerMinute,
		MaxRetries:             cfg.RetriesValue(),
		BackoffInitial:         cfg.BackoffInitial,
		BackoffMax:             cfg.BackoffMax,
		MaxRetryWait:           cfg.MaxRetryWait,
		BreakerFailures:        cfg.Breaker.Failures,
		BreakerTimeout:         cfg.Breaker.OpenTimeout,
	}
}

type Client struct {
	http         *http.Client
	log          *zap.Logger
	metrics      *metrics.Metrics
	userAgent    string
	maxRetries   int
	maxRetryWait time.Duration
	backoff      backoff
	markets      map[Market]*marketState

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

type marketState struct {
	name     Market
	baseURL  string
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	weight   atomic.Int64
	mu             sync.Mutex
	cooldown       time.Time
	cooldownStatus int
}

func New(opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 3
	}
	c := &Client{
		http:         httpClient,
		log:          log,
		metrics:      metrics.OrNoop(opts.Metrics),
		userAgent:    opts.UserAgent,
		maxRetries:   opts.MaxRetries,
		maxRetryWait: opts.MaxRetryWait,
		backoff:      backoff{initial: opts.BackoffInitial, max: opts.BackoffMax},
		now:          time.Now,
		sleep:        sleepContext,
	}
	c.markets = map[Market]*marketState{
		Spot:    c.newMarket(Spot, opts.SpotURL, opts.SpotWeightPerMinute, opts),
		Futures: c.newMarket(Futures, opts.FuturesURL, opts.FuturesWeightPerMinute, opts),
	}
	return c
}

func (c *Client) newMarket(name Market, baseURL string, weightPerMinute int, opts Options) *marketState {
	limit := rate.Inf
	burst := 0
	if weightPerMinute > 0 {
		limit = rate.Limit(float64(weightPerMinute) / 60)
		burst = weightPerMinute
	}
	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "binance-" + string(name),
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isAvailabilityFailure(err)
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			c.log.Warn("binance circuit state change",
				zap.String("breaker", breakerName),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if to == gobreaker.StateOpen {
				c.metrics.BreakerOpen.With(string(name)).Inc()
			}
		},
	})
	return &marketState{
		name:    name,
		baseURL: baseURL,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
	}
}

// isAvailabilityFailure reports errors that say Binance is unreachable or
// refusing us. Client errors and caller cancellation do not trip the breaker.
func isAvailabilityFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// UsedWeight is the last X-MBX-USED-WEIGHT-1m value reported for market.
func (c *Client) UsedWeight(m Market) int {
	ms, ok := c.markets[m]
	if !ok {
		return 0
	}
	return int(ms.weight.Load())
}

// BreakerState returns "closed", "half-open" or "open".
func (c *Client) BreakerState(m Market) string {
	ms, ok := c.markets[m]
	if !ok {
		return ""
	}
	return ms.breaker.State().String()
}

// CooldownUntil is the time before which requests to market are held back
// because Binance answered 418/429 with Retry-After.
func (c *Client) CooldownUntil(m Market) time.Time {
	ms, ok := c.markets[m]
	if !ok {
		return time.Time{}
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cooldown
}

func (c *Client) get(ctx context.Context, m Market, path string, params url.Values, weight int, out any) error {
	ms, ok := c.markets[m]
	if !ok {
		return fmt.Errorf("unknown market %q", m)
	}
	label := string(m)
	for attempt := 0; ; attempt++ {
		if err := c.waitCooldown(ctx, ms); err != nil {
			return err
		}
		if err := ms.limiter.WaitN(ctx, weight); err != nil {
			return err
		}
		c.metrics.RESTRequests.With(label).Inc()
		body, err := c.execute(ctx, ms, path, params)
		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				c.metrics.RESTFailures.With(label).Inc()
				return fmt.Errorf("decode %s: %w", path, err)
			}
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.RESTFailures.With(label).Inc()
			return fmt.Errorf("%s %s: %w", m, path, ErrCircuitOpen)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var retryAfter time.Duration
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.Status == http.StatusTooManyRequests || apiErr.Status == http.StatusTeapot {
				if apiErr.Status == http.StatusTeapot {
					c.metrics.RESTBanned.With(label).Inc()
				}
				c.setCooldown(ms, apiErr.Status, apiErr.RetryAfter)
			}
			if !apiErr.Retryable() {
				c.metrics.RESTFailures.With(label).Inc()
				return err
			}
			retryAfter = apiErr.RetryAfter
			if c.maxRetryWait > 0 && retryAfter > c.maxRetryWait {
				return c.giveUp(m, path, err, attempt+1)
			}
		}
		if attempt >= c.maxRetries {
			return c.giveUp(m, path, err, attempt+1)
		}

		delay := c.backoff.delay(attempt, retryAfter)
		c.metrics.RESTRetries.With(label).Inc()
		c.log.Warn("binance request failed, retrying",
			zap.String("market", label),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Client) giveUp(m Market, path string, err error, attempts int) error {
	label := string(m)
	c.metrics.RESTFailures.With(label).Inc()
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusTooManyRequests || apiErr.Status == http.StatusTeapot) {
		c.metrics.RESTRateLimited.With(label).Inc()
		rl := &RateLimitedError{
			Status:     apiErr.Status,
			RetryAfter: apiErr.RetryAfter,
			Attempts:   attempts,
			Err:        apiErr,
		}
		c.log.Error("binance rate limit not cleared",
			zap.String("market", label),
			zap.String("path", path),
			zap.Int("status", rl.Status),
			zap.Duration("retry_after", rl.RetryAfter),
			zap.Int("attempts", attempts),
		)
		return rl
	}
	return fmt.Errorf("%s %s: giving up after %d attempt(s): %w", m, path, attempts, err)
}

func (c *Client) execute(ctx context.Context, ms *marketState, path string, params url.Values) ([]byte, error) {
	res, err := ms.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, ms, path, params)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

func (c *Client) roundTrip(ctx context.Context, ms *marketState, path string, params url.Values) ([]byte, error) {
	endpoint := ms.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	defer resp.Body.Close()
	c.recordWeight(ms, resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(path, resp.StatusCode, resp.Header, body, c.now())
	}
	return body, nil
}

func (c *Client) recordWeight(ms *marketState, header http.Header) {
	raw := header.Get("X-MBX-USED-WEIGHT-1m")
	if raw == "" {
		return
	}
	used, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	ms.weight.Store(int64(used))
	c.metrics.UsedWeight.With(string(ms.name)).Set(float64(used))
}

func (c *Client) setCooldown(ms *marketState, status int, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	until := c.now().Add(retryAfter)
	ms.mu.Lock()
	if until.After(ms.cooldown) {
		ms.cooldown = until
		ms.cooldownStatus = status
	}
	ms.mu.Unlock()
}

// waitCooldown holds a request back while the market is cooling down. A
// remaining cooldown longer than maxRetryWait fails at once with the status
// that started it.
func (c *Client) waitCooldown(ctx context.Context, ms *marketState) error {
	ms.mu.Lock()
	until, status := ms.cooldown, ms.cooldownStatus
	ms.mu.Unlock()
	wait := until.Sub(c.now())
	if wait <= 0 {
		return ctx.Err()
	}
	if c.maxRetryWait > 0 && wait > c.maxRetryWait {
		label := string(ms.name)
		c.metrics.RESTFailures.With(label).Inc()
		c.metrics.RESTRateLimited.With(label).Inc()
		return &RateLimitedError{Status: status, RetryAfter: wait}
	}
	c.log.Debug("binance cooldown active", zap.String("market", string(ms.name)), zap.Duration("wait", wait))
	return c.sleep(ctx, wait)
}
