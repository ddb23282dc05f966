package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"qbtc-market/internal/metrics"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Status string

const (
	StatusHit   Status = "hit"
	StatusMiss  Status = "miss"
	StatusStale Status = "stale"
)

// Result describes where a fetched value came from.
type Result struct {
	Status   Status        `json:"status"`
	StoredAt time.Time     `json:"stored_at"`
	Age      time.Duration `json:"age"`
}

// Entry is the stored form of a value: msgpack bytes plus bookkeeping.
type Entry struct {
	Value     []byte    `msgpack:"v"`
	StoredAt  time.Time `msgpack:"s"`
	ExpiresAt time.Time `msgpack:"e"`
}

type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
}

// DefaultLoadTimeout bounds a shared load once it is detached from its callers.
const DefaultLoadTimeout = 2 * time.Minute

type Cache struct {
	backend     Backend
	maxStale    time.Duration
	loadTimeout time.Duration
	log         *zap.Logger
	metrics     *metrics.Metrics
	group       singleflight.Group
	now         func() time.Time
}

func New(backend Backend, maxStale time.Duration, m *metrics.Metrics, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		backend:     backend,
		maxStale:    maxStale,
		loadTimeout: DefaultLoadTimeout,
		log:         log,
		metrics:     metrics.OrNoop(m),
		now:         time.Now,
	}
}

// SetLoadTimeout changes how long a shared load may run. Non-positive values
// are ignored.
func (c *Cache) SetLoadTimeout(d time.Duration) {
	if d > 0 {
		c.loadTimeout = d
	}
}

func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

type flight struct {
	value    any
	encoded  []byte
	storedAt time.Time
}

// Fetch returns the cached value for key while younger than ttl. Otherwise it
// runs load once for all concurrent callers of key. The load runs detached from
// any single caller under the cache's load timeout; each caller stops waiting
// when its own ctx ends. When load fails, an entry younger than ttl plus the
// cache's max staleness is served as stale instead.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, Result, error) {
	var zero T
	kind := kindOf(key)
	now := c.now()

	prev, havePrev := c.lookup(ctx, key)
	if havePrev && now.Sub(prev.StoredAt) < ttl {
		var v T
		err := msgpack.Unmarshal(prev.Value, &v)
		if err == nil {
			c.metrics.CacheHits.With(kind).Inc()
			return v, Result{Status: StatusHit, StoredAt: prev.StoredAt, Age: now.Sub(prev.StoredAt)}, nil
		}
		c.log.Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
		havePrev = false
	}
	c.metrics.CacheMisses.With(kind).Inc()

	ch := c.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		v, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		encoded, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		storedAt := c.now()
		entry := Entry{Value: encoded, StoredAt: storedAt, ExpiresAt: storedAt.Add(ttl + c.maxStale)}
		if err := c.backend.Set(loadCtx, key, entry); err != nil {
			c.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
		return flight{value: v, encoded: encoded, storedAt: storedAt}, nil
	})
	var (
		res interface{}
		err error
	)
	select {
	case r := <-ch:
		res, err = r.Val, r.Err
	case <-ctx.Done():
		return zero, Result{Status: StatusMiss}, ctx.Err()
	}
	if err == nil {
		f := res.(flight)
		v, ok := f.value.(T)
		if !ok {
			if decodeErr := msgpack.Unmarshal(f.encoded, &v); decodeErr != nil {
				return zero, Result{Status: StatusMiss}, decodeErr
			}
		}
		return v, Result{Status: StatusMiss, StoredAt: f.storedAt}, nil
	}

	if havePrev {
		age := c.now().Sub(prev.StoredAt)
		if age < ttl+c.maxStale {
			var v T
			if decodeErr := msgpack.Unmarshal(prev.Value, &v); decodeErr == nil {
				c.metrics.CacheStale.With(kind).Inc()
				c.log.Warn("serving stale cache entry",
					zap.String("key", key),
					zap.Duration("age", age),
					zap.Error(err),
				)
				return v, Result{Status: StatusStale, StoredAt: prev.StoredAt, Age: age}, nil
			}
		}
	}
	return zero, Result{Status: StatusMiss}, err
}

func (c *Cache) lookup(ctx context.Context, key string) (Entry, bool) {
	entry, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return Entry{}, false
	}
	return entry, ok
}

// kindOf is the metrics label for key: the part before the first colon.
func kindOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
