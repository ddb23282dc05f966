package app

import (
	"context"
	"fmt"
	"time"

	"qbtc-market/internal/cache"
	"qbtc-market/internal/config"
	redisstore "qbtc-market/internal/state/redis"
	"qbtc-market/internal/state/sqlite"

	"go.uber.org/zap"
)

// newCacheBackend builds the configured cache. Persistent backends sit behind
// an in-memory L1 so hot keys never leave the process.
func newCacheBackend(ctx context.Context, cfg config.CacheConfig, log *zap.Logger) (cache.Backend, []func() error, error) {
	l1 := cache.NewMemory(cfg.MaxEntries)
	switch cfg.Backend {
	case "", "memory":
		return l1, nil, nil
	case "sqlite":
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite cache %s: %w", cfg.SQLitePath, err)
		}
		log.Info("sqlite cache opened", zap.String("path", cfg.SQLitePath))
		return cache.NewTiered(l1, cache.NewStoreBackend(store)), []func() error{store.Close}, nil
	case "redis":
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		store, err := redisstore.Open(dialCtx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis cache %s: %w", cfg.Redis.Addr, err)
		}
		log.Info("redis cache connected", zap.String("addr", cfg.Redis.Addr), zap.String("prefix", cfg.Redis.Prefix))
		return cache.NewTiered(l1, cache.NewStoreBackend(store)), []func() error{store.Close}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
