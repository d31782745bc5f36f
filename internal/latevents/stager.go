package latevents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rdpk/metering/internal/models"
)

// LateStore is the staging surface.
type LateStore interface {
	UpsertLateEvent(ctx context.Context, le models.LateEvent) error
}

// Stager parks late arrivals in the staging table. A re-sent eventId replaces
// the staged payload; nothing is counted until the reconciler runs.
type Stager struct {
	store LateStore
}

func NewStager(store LateStore) *Stager {
	return &Stager{store: store}
}

// Stage serializes the event and upserts it by eventId.
func (s *Stager) Stage(ctx context.Context, ev models.UsageEvent, receivedAt time.Time) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal late event %s: %w", ev.EventID, err)
	}
	le := models.LateEvent{
		EventID:           ev.EventID,
		TenantID:          ev.TenantID,
		CustomerID:        ev.CustomerID,
		OriginalTimestamp: ev.Timestamp,
		ReceivedTimestamp: receivedAt.UTC(),
		Data:              data,
	}
	if err := s.store.UpsertLateEvent(ctx, le); err != nil {
		return err
	}
	slog.Info("staged late event",
		slog.String("event_id", ev.EventID),
		slog.Int64("tenant_id", ev.TenantID),
		slog.Int64("customer_id", ev.CustomerID),
		slog.Time("original_timestamp", ev.Timestamp))
	return nil
}
