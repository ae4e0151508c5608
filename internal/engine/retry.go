package engine

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is the bounded exponential retry policy used around
// optimistic-lock conflicts and transient dependency failures.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
	// Jitter adds up to 25% random delay when set, to de-synchronize
	// competing writers.
	Jitter bool
}

// DefaultBackoff is the hotpath policy: 50ms -> 100ms -> 200ms, three
// retries.
func DefaultBackoff() Backoff {
	return Backoff{Base: 50 * time.Millisecond, Max: 200 * time.Millisecond, MaxRetries: 3, Jitter: true}
}

// Delay returns the sleep before retry attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base << uint(attempt)
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter {
		d += time.Duration(rand.Int63n(int64(d)/4 + 1))
	}
	return d
}

// Sleep waits out the delay for attempt n, honoring cancellation.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
