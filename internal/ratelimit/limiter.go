// Package ratelimit spaces outbound API dispatches across workers.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a minimum interval between consecutive dispatches across
// all callers. The mutex is held for the whole wait: concurrent callers queue
// on it, so each one observes the timestamp written by the previous caller
// and the spacing guarantee holds pool-wide.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// New creates a limiter with the given minimum interval. An interval of zero
// or less disables waiting.
func New(interval time.Duration) *Limiter {
	return &Limiter{interval: interval}
}

// Wait blocks until at least the configured interval has passed since the
// previous successful Wait across all callers. The first call never waits.
// The shared timestamp is updated once per call, after any wait ends, with a
// fresh clock reading so waits do not compound drift. A cancelled context
// aborts the wait without updating the timestamp.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.interval <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := time.Since(l.last)
	if !l.last.IsZero() && elapsed < l.interval {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.interval - elapsed):
		}
	}

	l.last = time.Now()
	return nil
}

// Interval returns the configured minimum interval.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
