package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rdpk/metering/internal/counters"
	"github.com/rdpk/metering/internal/lock"
	"github.com/rdpk/metering/internal/models"
	"github.com/rdpk/metering/internal/observability"
	"github.com/rdpk/metering/internal/timeutil"
)

// WindowStore is the Postgres surface the aggregation path needs.
type WindowStore interface {
	ListActiveTenantCustomers(ctx context.Context) ([]models.TenantCustomer, error)
	WindowExists(ctx context.Context, tenantID, customerID int64, windowStart time.Time) (bool, error)
	UpsertWindow(ctx context.Context, w models.AggregationWindow) error
	EventsInWindow(ctx context.Context, tenantID, customerID int64, w timeutil.Window) ([]models.UsageEvent, error)
}

// CounterStore is the live-counter surface the aggregation path needs.
type CounterStore interface {
	Get(ctx context.Context, tenantID, customerID int64) (counters.Snapshot, error)
	Clear(ctx context.Context, tenantID, customerID int64) error
}

// WindowLocker serializes window processing across instances.
type WindowLocker interface {
	WithLock(ctx context.Context, key string, acquireTimeout, lease time.Duration, fn func(context.Context) error) (bool, error)
}

// Processor aggregates one closed window for one (tenant, customer) pair
// under the pair's distributed lock. Instances that lose the lock race simply
// move on; the winner's existence check makes the window at-most-once.
type Processor struct {
	store    WindowStore
	counters CounterStore
	locker   WindowLocker
	metrics  *observability.Metrics

	acquireTimeout time.Duration
	lease          time.Duration
}

func NewProcessor(store WindowStore, counters CounterStore, locker WindowLocker, metrics *observability.Metrics, acquireTimeout, lease time.Duration) *Processor {
	return &Processor{
		store:          store,
		counters:       counters,
		locker:         locker,
		metrics:        metrics,
		acquireTimeout: acquireTimeout,
		lease:          lease,
	}
}

// ProcessWindow aggregates the pair's window if no other instance got there
// first. Failing to acquire the lock is a normal outcome, not an error.
func (p *Processor) ProcessWindow(ctx context.Context, tc models.TenantCustomer, w timeutil.Window) error {
	key := lock.KeyFor(tc.TenantID, tc.CustomerID, w.Start)
	acquired, err := p.locker.WithLock(ctx, key, p.acquireTimeout, p.lease, func(ctx context.Context) error {
		return p.processLocked(ctx, tc, w)
	})
	if err != nil {
		return err
	}
	if !acquired {
		if p.metrics != nil {
			p.metrics.LockContention.Inc()
		}
		slog.Debug("window lock contended, skipping",
			slog.Int64("tenant_id", tc.TenantID),
			slog.Int64("customer_id", tc.CustomerID),
			slog.Time("window_start", w.Start))
	}
	return nil
}

func (p *Processor) processLocked(ctx context.Context, tc models.TenantCustomer, w timeutil.Window) error {
	exists, err := p.store.WindowExists(ctx, tc.TenantID, tc.CustomerID, w.Start)
	if err != nil {
		return err
	}
	if exists {
		p.countWindow("skipped")
		return nil
	}

	events, err := p.store.EventsInWindow(ctx, tc.TenantID, tc.CustomerID, w)
	if err != nil {
		return err
	}
	snap, err := p.counters.Get(ctx, tc.TenantID, tc.CustomerID)
	if err != nil {
		return err
	}
	if snap.Calls == 0 && len(events) == 0 {
		// Idle pair; do not materialize empty windows.
		return nil
	}

	result := Compute(snap, events)
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode window payload: %w", err)
	}

	err = p.store.UpsertWindow(ctx, models.AggregationWindow{
		TenantID:    tc.TenantID,
		CustomerID:  tc.CustomerID,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Data:        data,
	})
	if err != nil {
		return err
	}

	if err := p.counters.Clear(ctx, tc.TenantID, tc.CustomerID); err != nil {
		// The window row is already written; a failed clear only risks
		// double counting in the next window, which the logs must surface.
		slog.Error("failed to clear counters after aggregation",
			slog.Int64("tenant_id", tc.TenantID),
			slog.Int64("customer_id", tc.CustomerID),
			slog.String("error", err.Error()))
		return err
	}

	p.countWindow("created")
	slog.Info("aggregated window",
		slog.Int64("tenant_id", tc.TenantID),
		slog.Int64("customer_id", tc.CustomerID),
		slog.Time("window_start", w.Start),
		slog.Int64("calls", result.TotalCalls),
		slog.Int64("tokens", result.TotalTokens))
	return nil
}

func (p *Processor) countWindow(outcome string) {
	if p.metrics != nil {
		p.metrics.WindowsProcessed.WithLabelValues(outcome).Inc()
	}
}
