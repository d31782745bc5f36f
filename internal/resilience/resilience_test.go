package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rdpk/metering/internal/config"
)

func fastConfig() config.StoreResilienceConfig {
	return config.StoreResilienceConfig{
		BreakerEnabled:   true,
		FailureThreshold: 3,
		BreakerCooldown:  time.Minute,
		RetryEnabled:     true,
		MaxRetries:       2,
		RetryInitialWait: time.Millisecond,
		TimeoutEnabled:   true,
		Timeout:          50 * time.Millisecond,
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	p := NewPolicy("postgres", fastConfig())

	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestExecuteOpensBreakerAfterConsecutiveFailures(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryEnabled = false
	p := NewPolicy("postgres", cfg)

	boom := errors.New("down")
	for i := 0; i < 3; i++ {
		require.Error(t, p.Execute(context.Background(), func(ctx context.Context) error {
			return boom
		}))
	}

	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Zero(t, attempts, "open breaker must shed calls before the operation runs")
}

func TestExecuteOpenBreakerSkipsRetries(t *testing.T) {
	p := NewPolicy("postgres", fastConfig())

	boom := errors.New("down")
	// One call burns all retry attempts and trips the threshold of 3.
	require.Error(t, p.Execute(context.Background(), func(ctx context.Context) error {
		return boom
	}))

	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Zero(t, attempts)
}

func TestExecuteMapsDeadlineToErrTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.BreakerEnabled = false
	cfg.RetryEnabled = false
	cfg.Timeout = 10 * time.Millisecond
	p := NewPolicy("redis", cfg)

	err := p.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
			return nil
		}
	})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestExecuteStopsWhenCallerContextCanceled(t *testing.T) {
	cfg := fastConfig()
	cfg.BreakerEnabled = false
	p := NewPolicy("redis", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := p.Execute(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return ctx.Err()
	})

	require.Error(t, err)
	require.Equal(t, 1, attempts, "caller cancellation must stop the retry loop")
}

func TestExecuteWithAllStagesDisabledRunsOnce(t *testing.T) {
	p := NewPolicy("redis", config.StoreResilienceConfig{})

	boom := errors.New("down")
	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return boom
	})

	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, attempts)
}
