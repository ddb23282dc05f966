package cache

import (
	"context"
	"time"

	"qbtc-market/internal/state"

	"github.com/vmihailenco/msgpack/v5"
)

// StoreBackend persists entries in a state.Store, msgpack-encoded.
type StoreBackend struct {
	store state.Store
	now   func() time.Time
}

func NewStoreBackend(store state.Store) *StoreBackend {
	return &StoreBackend{store: store, now: time.Now}
}

func (s *StoreBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var entry Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *StoreBackend) Set(ctx context.Context, key string, entry Entry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		ttl = entry.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.store.Delete(ctx, key)
		}
	}
	return s.store.Set(ctx, key, data, ttl)
}

func (s *StoreBackend) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, key)
}
