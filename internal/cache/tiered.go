package cache

import (
	"context"
	"errors"
)

// Tiered reads through a fast L1 to a persistent L2, promoting L2 hits.
type Tiered struct {
	l1 Backend
	l2 Backend
}

func NewTiered(l1, l2 Backend) *Tiered {
	return &Tiered{l1: l1, l2: l2}
}

func (t *Tiered) Get(ctx context.Context, key string) (Entry, bool, error) {
	if entry, ok, err := t.l1.Get(ctx, key); err == nil && ok {
		return entry, true, nil
	}
	entry, ok, err := t.l2.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	_ = t.l1.Set(ctx, key, entry)
	return entry, true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, entry Entry) error {
	return errors.Join(t.l1.Set(ctx, key, entry), t.l2.Set(ctx, key, entry))
}

func (t *Tiered) Delete(ctx context.Context, key string) error {
	return errors.Join(t.l1.Delete(ctx, key), t.l2.Delete(ctx, key))
}
