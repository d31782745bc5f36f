package latevents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rdpk/metering/internal/aggregate"
	"github.com/rdpk/metering/internal/lock"
	"github.com/rdpk/metering/internal/models"
	"github.com/rdpk/metering/internal/observability"
	"github.com/rdpk/metering/internal/timeutil"
)

// ReconcileStore is the Postgres surface the reconciler needs.
type ReconcileStore interface {
	ListLateEvents(ctx context.Context, limit int) ([]models.LateEvent, error)
	DeleteLateEvent(ctx context.Context, eventID string) error
	InsertEventIfAbsent(ctx context.Context, ev models.UsageEvent) error
	EventsInWindow(ctx context.Context, tenantID, customerID int64, w timeutil.Window) ([]models.UsageEvent, error)
	UpsertWindow(ctx context.Context, w models.AggregationWindow) error
}

// WindowLocker serializes window writes with the aggregation scheduler.
type WindowLocker interface {
	WithLock(ctx context.Context, key string, acquireTimeout, lease time.Duration, fn func(context.Context) error) (bool, error)
}

// Reconciler folds staged late events back into their windows. For each
// staged event it takes the same per-window lock as the aggregation
// scheduler, persists the event row idempotently, recomputes the whole window
// from event rows, and only then deletes the staging row. Replays therefore
// converge on the same totals.
type Reconciler struct {
	store   ReconcileStore
	locker  WindowLocker
	metrics *observability.Metrics

	interval       time.Duration
	batchSize      int
	windowDuration time.Duration
	acquireTimeout time.Duration
	lease          time.Duration
}

func NewReconciler(store ReconcileStore, locker WindowLocker, metrics *observability.Metrics,
	interval time.Duration, batchSize int, windowDuration, acquireTimeout, lease time.Duration) *Reconciler {
	return &Reconciler{
		store:          store,
		locker:         locker,
		metrics:        metrics,
		interval:       interval,
		batchSize:      batchSize,
		windowDuration: windowDuration,
		acquireTimeout: acquireTimeout,
		lease:          lease,
	}
}

// Run blocks until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	slog.Info("late event reconciler started",
		slog.Duration("interval", r.interval),
		slog.Int("batch_size", r.batchSize))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("late event reconciler stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	staged, err := r.store.ListLateEvents(ctx, r.batchSize)
	if err != nil {
		slog.Error("failed to list late events", slog.String("error", err.Error()))
		return
	}

	for _, le := range staged {
		if ctx.Err() != nil {
			return
		}
		if err := r.reconcile(ctx, le); err != nil {
			slog.Error("failed to reconcile late event",
				slog.String("event_id", le.EventID),
				slog.String("error", err.Error()))
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, le models.LateEvent) error {
	var ev models.UsageEvent
	if err := json.Unmarshal(le.Data, &ev); err != nil {
		// Corrupt payloads stay staged so an operator can inspect them.
		slog.Error("staged late event has corrupt payload",
			slog.String("event_id", le.EventID),
			slog.String("error", err.Error()))
		return nil
	}

	window := timeutil.WindowFor(ev.Timestamp, r.windowDuration)
	key := lock.KeyFor(ev.TenantID, ev.CustomerID, window.Start)

	acquired, err := r.locker.WithLock(ctx, key, r.acquireTimeout, r.lease, func(ctx context.Context) error {
		return r.fold(ctx, ev, window)
	})
	if err != nil {
		return err
	}
	if !acquired {
		// The scheduler holds this window; the event stays staged for the
		// next sweep.
		if r.metrics != nil {
			r.metrics.LockContention.Inc()
		}
		return nil
	}

	if err := r.store.DeleteLateEvent(ctx, le.EventID); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.LateEventsReconciled.Inc()
	}
	slog.Info("reconciled late event",
		slog.String("event_id", le.EventID),
		slog.Int64("tenant_id", ev.TenantID),
		slog.Int64("customer_id", ev.CustomerID),
		slog.Time("window_start", window.Start))
	return nil
}

// fold runs under the window lock: persist the event row, then rebuild the
// window aggregate from event rows so replays cannot double count.
func (r *Reconciler) fold(ctx context.Context, ev models.UsageEvent, window timeutil.Window) error {
	if err := r.store.InsertEventIfAbsent(ctx, ev); err != nil {
		return err
	}

	events, err := r.store.EventsInWindow(ctx, ev.TenantID, ev.CustomerID, window)
	if err != nil {
		return err
	}

	result := aggregate.ComputeFromEvents(events)
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode window payload: %w", err)
	}
	return r.store.UpsertWindow(ctx, models.AggregationWindow{
		TenantID:    ev.TenantID,
		CustomerID:  ev.CustomerID,
		WindowStart: window.Start,
		WindowEnd:   window.End,
		Data:        data,
	})
}
