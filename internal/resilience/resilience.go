package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/rdpk/metering/internal/config"
)

var (
	// ErrUnavailable is returned when the circuit breaker for a store is open
	// and calls are being shed without reaching the store.
	ErrUnavailable = errors.New("dependency unavailable")
	// ErrTimeout is returned when a single attempt exceeded the per-attempt
	// timeout while the caller's context was still live.
	ErrTimeout = errors.New("operation timed out")
)

// Policy wraps store calls in a retry of breaker-guarded, timeout-bounded
// attempts. Each store gets its own Policy so one store's degradation never
// trips the other's breaker. An open breaker is surfaced as ErrUnavailable
// and stops the retry loop immediately.
type Policy struct {
	name    string
	cfg     config.StoreResilienceConfig
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewPolicy builds a policy named after the store it protects.
func NewPolicy(name string, cfg config.StoreResilienceConfig) *Policy {
	p := &Policy{name: name, cfg: cfg}
	if cfg.BreakerEnabled {
		threshold := cfg.FailureThreshold
		if threshold == 0 {
			threshold = 5
		}
		p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    name,
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state change",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}
	return p
}

// Name returns the store name this policy protects.
func (p *Policy) Name() string { return p.name }

// Execute runs op through the policy. The op receives a context bounded by
// the per-attempt timeout; it must honor cancellation.
func (p *Policy) Execute(ctx context.Context, op func(context.Context) error) error {
	attempt := func() error {
		err := p.runBreaker(ctx, op)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: %s breaker open", ErrUnavailable, p.name))
		case ctx.Err() != nil:
			// The caller's context ended; retrying cannot help.
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	if !p.cfg.RetryEnabled {
		err := attempt()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	if p.cfg.RetryInitialWait > 0 {
		bo.InitialInterval = p.cfg.RetryInitialWait
	}
	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, p.cfg.MaxRetries), ctx))
}

func (p *Policy) runBreaker(ctx context.Context, op func(context.Context) error) error {
	if p.breaker == nil {
		return p.runTimeout(ctx, op)
	}
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.runTimeout(ctx, op)
	})
	return err
}

func (p *Policy) runTimeout(ctx context.Context, op func(context.Context) error) error {
	if !p.cfg.TimeoutEnabled || p.cfg.Timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	err := op(attemptCtx)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %s after %s", ErrTimeout, p.name, p.cfg.Timeout)
	}
	return err
}
