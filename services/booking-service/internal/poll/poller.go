package poll

import (
	"context"
	"time"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultAttempts = 10
)

// CheckFunc inspects local state once. done=true stops the wait with
// result; an error aborts it.
type CheckFunc func(ctx context.Context) (result any, done bool, err error)

// Waiter polls a check until it settles, the attempt ceiling is hit, or the
// context ends. It is the client-facing fallback for delayed webhooks: the
// caller blocks briefly instead of the client hammering the status endpoint.
type Waiter struct {
	Interval time.Duration
	Attempts int
}

// Wait runs check immediately, then on every interval tick. Returns the
// last result and whether the check settled before the ceiling.
func (w Waiter) Wait(ctx context.Context, check CheckFunc) (any, bool, error) {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	attempts := w.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	result, done, err := check(ctx)
	if err != nil || done {
		return result, done, err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return result, false, ctx.Err()
		case <-ticker.C:
			result, done, err = check(ctx)
			if err != nil || done {
				return result, done, err
			}
		}
	}
	return result, false, nil
}
