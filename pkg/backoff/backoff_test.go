package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtera/maestro/pkg/llmerrors"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Initial: 500 * time.Millisecond, Max: 4 * time.Second, Factor: 2, Jitter: 0}

	assert.Equal(t, 500*time.Millisecond, p.delayWithRand(1, 0))
	assert.Equal(t, time.Second, p.delayWithRand(2, 0))
	assert.Equal(t, 2*time.Second, p.delayWithRand(3, 0))
	// Clamped at max.
	assert.Equal(t, 4*time.Second, p.delayWithRand(5, 0))
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.1}

	low := p.delayWithRand(1, 0)
	high := p.delayWithRand(1, 1)
	assert.Equal(t, time.Second, low)
	assert.Equal(t, 1100*time.Millisecond, high)
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestRetryStopsOnNonRecoverable(t *testing.T) {
	calls := 0
	_, err := RetryWithSleeper(context.Background(), DefaultPolicy(), noSleep,
		func(ctx context.Context, attempt int) (int, error) {
			calls++
			return 0, llmerrors.NewAuthentication("openai", "bad key")
		})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, llmerrors.KindAuthentication, llmerrors.KindOf(err))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := RetryWithSleeper(context.Background(), DefaultPolicy(), noSleep,
		func(ctx context.Context, attempt int) (int, error) {
			calls++
			return 0, llmerrors.NewNetwork("endpoint", errors.New("reset"))
		})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	value, err := RetryWithSleeper(context.Background(), DefaultPolicy(), noSleep,
		func(ctx context.Context, attempt int) (int, error) {
			calls++
			if calls < 3 {
				return 0, llmerrors.NewRateLimit("openai", 0)
			}
			return 42, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsRetryAfterHint(t *testing.T) {
	var slept []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	_, err := RetryWithSleeper(context.Background(), DefaultPolicy(), sleep,
		func(ctx context.Context, attempt int) (int, error) {
			calls++
			if calls < 3 {
				return 0, llmerrors.NewRateLimit("openai", 10*time.Second)
			}
			return 1, nil
		})

	require.NoError(t, err)
	require.Len(t, slept, 2)
	for _, d := range slept {
		assert.GreaterOrEqual(t, d, 10*time.Second)
	}
}

func TestRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Retry(ctx, DefaultPolicy(), func(ctx context.Context, attempt int) (int, error) {
		return 0, llmerrors.NewNetwork("endpoint", errors.New("reset"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}
