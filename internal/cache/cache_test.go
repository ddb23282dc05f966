package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qbtc-market/internal/state/sqlite"

	"go.uber.org/zap"
)

type ticker struct {
	Symbol string
	Price  float64
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(maxStale time.Duration) (*Cache, *Memory, *testClock) {
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := NewMemory(16)
	mem.now = clock.Now
	c := New(mem, maxStale, nil, zap.NewNop())
	c.now = clock.Now
	return c, mem, clock
}

func TestFetchHitMissStale(t *testing.T) {
	c, _, clock := newTestCache(time.Minute)
	ctx := context.Background()
	var calls int
	fail := false
	load := func(context.Context) ([]ticker, error) {
		calls++
		if fail {
			return nil, errors.New("binance down")
		}
		return []ticker{{Symbol: "BTCUSDT", Price: float64(calls)}}, nil
	}

	v, res, err := Fetch(ctx, c, "tickers:spot", 30*time.Second, load)
	if err != nil || res.Status != StatusMiss || v[0].Price != 1 {
		t.Fatalf("expected miss with fresh load, got %v %+v %v", v, res, err)
	}

	clock.Advance(10 * time.Second)
	v, res, err = Fetch(ctx, c, "tickers:spot", 30*time.Second, load)
	if err != nil || res.Status != StatusHit || v[0].Price != 1 || res.Age != 10*time.Second {
		t.Fatalf("expected hit, got %v %+v %v", v, res, err)
	}
	if calls != 1 {
		t.Fatalf("expected hit to skip loader, calls=%d", calls)
	}

	clock.Advance(40 * time.Second)
	fail = true
	v, res, err = Fetch(ctx, c, "tickers:spot", 30*time.Second, load)
	if err != nil {
		t.Fatalf("expected stale value instead of error, got %v", err)
	}
	if res.Status != StatusStale || v[0].Price != 1 || res.Age != 50*time.Second {
		t.Fatalf("expected stale result, got %v %+v", v, res)
	}

	clock.Advance(time.Minute)
	if _, res, err = Fetch(ctx, c, "tickers:spot", 30*time.Second, load); err == nil {
		t.Fatalf("expected loader error once past max staleness, got %+v", res)
	}
}

func TestFetchRefreshesAfterTTL(t *testing.T) {
	c, _, clock := newTestCache(time.Minute)
	ctx := context.Background()
	var calls int
	load := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}
	_, _, _ = Fetch(ctx, c, "oi:BTCUSDT", time.Second, load)
	clock.Advance(2 * time.Second)
	v, res, err := Fetch(ctx, c, "oi:BTCUSDT", time.Second, load)
	if err != nil || v != 2 || res.Status != StatusMiss {
		t.Fatalf("expected reload after ttl, got %v %+v %v", v, res, err)
	}
}

func TestFetchErrorWithoutPreviousEntry(t *testing.T) {
	c, _, _ := newTestCache(time.Minute)
	want := errors.New("boom")
	_, res, err := Fetch(context.Background(), c, "k", time.Second, func(context.Context) (string, error) {
		return "", want
	})
	if !errors.Is(err, want) || res.Status != StatusMiss {
		t.Fatalf("expected loader error, got %v %+v", err, res)
	}
}

func TestFetchSingleFlight(t *testing.T) {
	c, _, _ := newTestCache(time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "value", nil
	}

	var wg sync.WaitGroup
	results := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := Fetch(context.Background(), c, "exchangeinfo", time.Minute, load)
			if err != nil {
				t.Errorf("fetch: %v", err)
				return
			}
			results <- v
		}()
	}
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)
	for v := range results {
		if v != "value" {
			t.Fatalf("unexpected value %q", v)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one loader call, got %d", got)
	}
}

func TestFetchCallerCancelDoesNotFailSharedLoad(t *testing.T) {
	c, _, _ := newTestCache(time.Minute)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	load := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "value", nil
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, _, err := Fetch(ctxA, c, "tickers:futures", time.Minute, load)
		errA <- err
	}()
	<-started

	type outcome struct {
		value string
		res   Result
		err   error
	}
	outB := make(chan outcome, 1)
	go func() {
		v, res, err := Fetch(context.Background(), c, "tickers:futures", time.Minute, load)
		outB <- outcome{v, res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancelled caller to get context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancelled caller kept waiting for the shared load")
	}

	close(release)
	select {
	case out := <-outB:
		if out.err != nil || out.value != "value" {
			t.Fatalf("expected other caller to get the loaded value, got %q %v", out.value, out.err)
		}
	case <-time.After(time.Second):
		t.Fatalf("other caller never returned")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one loader call, got %d", got)
	}
}

func TestFetchLoadTimeout(t *testing.T) {
	c, _, _ := newTestCache(time.Minute)
	c.SetLoadTimeout(10 * time.Millisecond)
	_, _, err := Fetch(context.Background(), c, "openinterest:BTCUSDT", time.Minute, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected load timeout, got %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	c, mem, _ := newTestCache(time.Minute)
	ctx := context.Background()
	_, _, _ = Fetch(ctx, c, "k", time.Minute, func(context.Context) (int, error) { return 1, nil })
	if mem.Len() != 1 {
		t.Fatalf("expected one entry")
	}
	if err := c.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if mem.Len() != 0 {
		t.Fatalf("expected entry removed")
	}
}

func TestMemoryEvictsOldest(t *testing.T) {
	mem := NewMemory(2)
	ctx := context.Background()
	_ = mem.Set(ctx, "a", Entry{Value: []byte("a")})
	_ = mem.Set(ctx, "b", Entry{Value: []byte("b")})
	_ = mem.Set(ctx, "a", Entry{Value: []byte("a2")})
	_ = mem.Set(ctx, "c", Entry{Value: []byte("c")})
	if _, ok, _ := mem.Get(ctx, "b"); ok {
		t.Fatalf("expected b evicted")
	}
	if e, ok, _ := mem.Get(ctx, "a"); !ok || string(e.Value) != "a2" {
		t.Fatalf("expected rewritten a kept, got %q ok=%v", e.Value, ok)
	}
	if mem.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", mem.Len())
	}
}

func TestMemoryExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mem := NewMemory(0)
	mem.now = func() time.Time { return now }
	ctx := context.Background()
	_ = mem.Set(ctx, "k", Entry{Value: []byte("v"), ExpiresAt: now.Add(time.Second)})
	now = now.Add(time.Second)
	if _, ok, _ := mem.Get(ctx, "k"); ok {
		t.Fatalf("expected expired entry to be a miss")
	}
	if mem.Len() != 0 {
		t.Fatalf("expected expired entry dropped")
	}
}

func TestTieredPromotesFromSQLite(t *testing.T) {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	l2 := NewStoreBackend(store)
	warm := New(NewTiered(NewMemory(8), l2), time.Minute, nil, zap.NewNop())
	if _, _, err := Fetch(ctx, warm, "funding:BTCUSDT", time.Hour, func(context.Context) ([]ticker, error) {
		return []ticker{{Symbol: "BTCUSDT", Price: 42}}, nil
	}); err != nil {
		t.Fatalf("warm fetch: %v", err)
	}

	// A fresh process: empty L1, same persistent L2.
	l1 := NewMemory(8)
	cold := New(NewTiered(l1, l2), time.Minute, nil, zap.NewNop())
	v, res, err := Fetch(ctx, cold, "funding:BTCUSDT", time.Hour, func(context.Context) ([]ticker, error) {
		return nil, errors.New("should not load")
	})
	if err != nil {
		t.Fatalf("cold fetch: %v", err)
	}
	if res.Status != StatusHit || len(v) != 1 || v[0].Price != 42 {
		t.Fatalf("expected hit from L2, got %v %+v", v, res)
	}
	if l1.Len() != 1 {
		t.Fatalf("expected L2 hit promoted to L1")
	}
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("redis unavailable")
}
func (failingBackend) Set(context.Context, string, Entry) error { return errors.New("redis unavailable") }
func (failingBackend) Delete(context.Context, string) error     { return nil }

func TestBackendErrorsDegradeToMiss(t *testing.T) {
	c := New(failingBackend{}, time.Minute, nil, zap.NewNop())
	v, res, err := Fetch(context.Background(), c, "k", time.Minute, func(context.Context) (string, error) {
		return "fresh", nil
	})
	if err != nil || v != "fresh" || res.Status != StatusMiss {
		t.Fatalf("expected loader result despite backend failure, got %q %+v %v", v, res, err)
	}
}
