// Package backoff provides exponential backoff with jitter for retrying
// recoverable provider failures.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/voxtera/maestro/pkg/llmerrors"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the delay.
	Jitter float64
	// MaxAttempts bounds the total number of attempts, first call included.
	MaxAttempts int
}

// DefaultPolicy matches the controller's provider retry defaults:
// 3 attempts, 500ms initial, 4s cap, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     500 * time.Millisecond,
		Max:         4 * time.Second,
		Factor:      2,
		Jitter:      0.1,
		MaxAttempts: 3,
	}
}

// Delay computes the backoff before retry number attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	return time.Duration(math.Min(float64(p.Max), base+jitter))
}

// Sleeper abstracts the wait between attempts so tests can run instantly.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext waits for d or until the context is cancelled.
func SleepContext(ctx context.Context, d time.Duration) error {
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

// Retry runs fn until it succeeds, returns a non-recoverable error, or the
// policy's attempts are exhausted. Rate-limit errors carrying a provider
// retry-after hint wait at least that long before the next attempt.
func Retry[T any](ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	return RetryWithSleeper(ctx, policy, SleepContext, fn)
}

// RetryWithSleeper is Retry with an injectable sleeper for tests.
func RetryWithSleeper[T any](ctx context.Context, policy Policy, sleep Sleeper, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if !llmerrors.IsRecoverable(err) || attempt == attempts {
			break
		}

		delay := policy.Delay(attempt)
		if hint, ok := llmerrors.RetryAfterHint(err); ok && hint > delay {
			delay = hint
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}
