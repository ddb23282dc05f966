package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"qbtc-market/internal/cache"
	"qbtc-market/internal/config"

	"go.uber.org/zap"
)

func fakeBinance(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var tickerCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/ticker/24hr":
			_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","lastPrice":"100","priceChangePercent":"1.5","quoteVolume":"900000000"}]`))
		case "/fapi/v1/ticker/24hr":
			tickerCalls.Add(1)
			_, _ = w.Write([]byte(`[
				{"symbol":"BTCUSDT","lastPrice":"100.5","priceChangePercent":"6","volume":"1000","quoteVolume":"2000000000"},
				{"symbol":"ETHUSDT","lastPrice":"10.1","priceChangePercent":"-4","volume":"5000","quoteVolume":"800000000"}
			]`))
		case "/fapi/v1/premiumIndex":
			_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","markPrice":"101","indexPrice":"100.2","lastFundingRate":"-0.0001","nextFundingTime":1700006400000,"time":1700000000000}]`))
		case "/fapi/v1/ticker/bookTicker":
			_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","bidPrice":"100.99","askPrice":"101.01","bidQty":"1","askQty":"1"}]`))
		case "/fapi/v1/exchangeInfo":
			_, _ = w.Write([]byte(`{"symbols":[
				{"symbol":"BTCUSDT","contractType":"PERPETUAL","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT"},
				{"symbol":"ETHUSDT","contractType":"PERPETUAL","status":"TRADING","baseAsset":"ETH","quoteAsset":"USDT"}
			]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &tickerCalls
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")
	t.Setenv("TIMESCALE_DSN", "")
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
log:
  level: error
binance:
  spot_url: %s
  futures_url: %s
  max_retries: 1
  backoff_initial: 1ms
  backoff_max: 2ms
scanner:
  interval: 50ms
  min_quote_volume: 1000000
cache:
  backend: memory
  ttl:
    tickers: 1h
`, baseURL, baseURL)))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestScanOnceProducesReport(t *testing.T) {
	srv, _ := fakeBinance(t)
	a, err := New(testConfig(t, srv.URL), zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	if _, ok := a.LatestReport(); ok {
		t.Fatalf("expected no report before first scan")
	}
	report, err := a.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.ID == "" || report.Summary.Total != 2 {
		t.Fatalf("unexpected report: %+v", report.Summary)
	}
	if report.Summary.Long != 1 || report.Summary.Short != 1 {
		t.Fatalf("expected one long and one short, got %+v", report.Summary)
	}
	latest, ok := a.LatestReport()
	if !ok || latest.ID != report.ID {
		t.Fatalf("expected latest report stored")
	}
}

func TestScanOnceFailsWhenTickersDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	a, err := New(testConfig(t, srv.URL), zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()
	if _, err := a.ScanOnce(context.Background()); err == nil {
		t.Fatalf("expected scan error when both ticker legs fail")
	}
	if _, ok := a.LatestReport(); ok {
		t.Fatalf("expected no report after failed scan")
	}
}

func TestRunScansUntilCancelled(t *testing.T) {
	srv, tickerCalls := fakeBinance(t)
	a, err := New(testConfig(t, srv.URL), zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := a.LatestReport(); ok {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("timed out waiting for first scan")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	// The tickers TTL is an hour, so repeated scans are served from cache.
	if got := tickerCalls.Load(); got != 1 {
		t.Fatalf("expected one futures ticker request, got %d", got)
	}
}

func TestNewCacheBackendSQLite(t *testing.T) {
	cfg := config.CacheConfig{Backend: "sqlite", MaxEntries: 8, SQLitePath: filepath.Join(t.TempDir(), "nested", "cache.db")}
	backend, closers, err := newCacheBackend(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("sqlite backend: %v", err)
	}
	if _, ok := backend.(*cache.Tiered); !ok {
		t.Fatalf("expected tiered backend, got %T", backend)
	}
	if len(closers) != 1 {
		t.Fatalf("expected one closer, got %d", len(closers))
	}
	for _, c := range closers {
		if err := c(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}

func TestNewCacheBackendMemoryAndUnknown(t *testing.T) {
	backend, closers, err := newCacheBackend(context.Background(), config.CacheConfig{Backend: "memory", MaxEntries: 8}, zap.NewNop())
	if err != nil || closers != nil {
		t.Fatalf("memory backend: %v %v", err, closers)
	}
	if _, ok := backend.(*cache.Memory); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
	if _, _, err := newCacheBackend(context.Background(), config.CacheConfig{Backend: "memcached"}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestNewCacheBackendRedisUnreachable(t *testing.T) {
	cfg := config.CacheConfig{Backend: "redis", Redis: config.RedisConfig{Addr: "127.0.0.1:1", Prefix: "t:"}}
	if _, _, err := newCacheBackend(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected error for unreachable redis")
	}
}

func TestLoadTimeoutCoversRetries(t *testing.T) {
	retries := 4
	got := loadTimeout(config.BinanceConfig{Timeout: 15 * time.Second, MaxRetries: &retries, MaxRetryWait: 2 * time.Minute})
	if want := 5*15*time.Second + 2*time.Minute; got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
