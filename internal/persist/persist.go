package persist

import (
	"context"
	"log/slog"
	"time"

	"github.com/rdpk/metering/internal/buffer"
	"github.com/rdpk/metering/internal/models"
	"github.com/rdpk/metering/internal/observability"
)

// EventInserter is the Postgres surface the worker needs.
type EventInserter interface {
	InsertEvents(ctx context.Context, events []models.UsageEvent) error
}

// EventBuffer is the Redis buffer surface the worker needs.
type EventBuffer interface {
	Peek(ctx context.Context, n int) ([]buffer.Entry, error)
	Remove(ctx context.Context, entries []buffer.Entry) error
	Len(ctx context.Context) (int64, error)
}

// Worker drains the hot-path buffer to Postgres in batches. Entries are
// removed only after their batch insert succeeded, so a failed flush leaves
// them buffered for the next tick.
type Worker struct {
	buf     EventBuffer
	store   EventInserter
	metrics *observability.Metrics

	interval  time.Duration
	batchSize int
}

func NewWorker(buf EventBuffer, store EventInserter, metrics *observability.Metrics, interval time.Duration, batchSize int) *Worker {
	return &Worker{
		buf:       buf,
		store:     store,
		metrics:   metrics,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("event persistence worker started",
		slog.Duration("interval", w.interval),
		slog.Int("batch_size", w.batchSize))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("event persistence worker stopped")
			return
		case <-ticker.C:
			if err := w.flush(ctx); err != nil {
				slog.Error("failed to flush event batch", slog.String("error", err.Error()))
			}
		}
	}
}

func (w *Worker) flush(ctx context.Context) error {
	entries, err := w.buf.Peek(ctx, w.batchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	events := make([]models.UsageEvent, len(entries))
	for i, e := range entries {
		events[i] = e.Event
	}

	if err := w.store.InsertEvents(ctx, events); err != nil {
		return err
	}
	if err := w.buf.Remove(ctx, entries); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.EventsPersisted.Add(float64(len(events)))
		w.metrics.PersistBatches.Inc()
		if depth, err := w.buf.Len(ctx); err == nil {
			w.metrics.BufferDepth.Set(float64(depth))
		}
	}
	slog.Debug("persisted event batch", slog.Int("events", len(events)))
	return nil
}
