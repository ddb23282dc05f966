package state

import (
	"context"
	"time"
)

// Store is a byte-valued key/value store with optional expiry. A ttl of zero
// keeps the entry until it is deleted or overwritten. Expired entries are
// reported as missing.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
