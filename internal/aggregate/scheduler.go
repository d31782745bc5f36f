package aggregate

import (
	"context"
	"log/slog"
	"time"

	"github.com/rdpk/metering/internal/timeutil"
)

// Scheduler drives window aggregation: each tick it enumerates the active
// (tenant, customer) pairs once and processes the most recently closed window
// for each. Per-pair failures are logged and do not stop the sweep.
type Scheduler struct {
	processor *Processor
	store     WindowStore

	interval       time.Duration
	windowDuration time.Duration
	now            func() time.Time
}

func NewScheduler(processor *Processor, store WindowStore, interval, windowDuration time.Duration) *Scheduler {
	return &Scheduler{
		processor:      processor,
		store:          store,
		interval:       interval,
		windowDuration: windowDuration,
		now:            time.Now,
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("aggregation scheduler started",
		slog.Duration("interval", s.interval),
		slog.Duration("window", s.windowDuration))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("aggregation scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	window := timeutil.ClosedWindow(s.now(), s.windowDuration)

	pairs, err := s.store.ListActiveTenantCustomers(ctx)
	if err != nil {
		slog.Error("failed to list tenant customers", slog.String("error", err.Error()))
		return
	}

	for _, tc := range pairs {
		if ctx.Err() != nil {
			return
		}
		if err := s.processor.ProcessWindow(ctx, tc, window); err != nil {
			slog.Error("failed to process window",
				slog.Int64("tenant_id", tc.TenantID),
				slog.Int64("customer_id", tc.CustomerID),
				slog.Time("window_start", window.Start),
				slog.String("error", err.Error()))
		}
	}
}
