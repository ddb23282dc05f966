package rest

import (
	"context"
	"math/rand"
	"time"
)

type backoff struct {
	initial time.Duration
	max     time.Duration
	jitter  func() float64
}

// delay returns the wait before retry number attempt (0-based). Half of the
// exponential step is jittered; the result never undercuts retryAfter.
func (b backoff) delay(attempt int, retryAfter time.Duration) time.Duration {
	d := b.initial
	for i := 0; i < attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	jitter := b.jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	d = d/2 + time.Duration(jitter()*float64(d/2))
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
