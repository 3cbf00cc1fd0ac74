package persist

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/mkarlsen/leverbot/internal/domain"
)

// RetryPolicy is the single retry policy applied to every save path, so
// backoff behavior is uniform instead of scattered ad hoc sleep loops.
// Delay for attempt n is BaseDelay * Multiplier^n plus jitter, capped at
// MaxDelay.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultRetryPolicy suits transient database hiccups: 4 attempts spanning
// roughly 100ms, 200ms, 400ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  4,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// delay computes the backoff before retry attempt n (0-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.JitterFactor > 0 {
		d += d * p.JitterFactor * rand.Float64()
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// run executes fn under the policy. Version conflicts are never retried:
// the caller must re-read and re-apply.
func (p RetryPolicy) run(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.delay(attempt - 1)):
			}
		}
		last = fn(ctx)
		if last == nil || errors.Is(last, domain.ErrVersionConflict) || errors.Is(last, context.Canceled) {
			return last
		}
	}
	return last
}
