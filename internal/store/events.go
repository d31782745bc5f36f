package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rdpk/metering/internal/models"
	"github.com/rdpk/metering/internal/timeutil"
)

const insertEventSQL = `
	INSERT INTO usage_events
		(event_id, tenant_id, customer_id, event_timestamp, endpoint,
		 tokens, input_tokens, output_tokens, model, latency_ms, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// InsertEvents persists a batch of buffered events in one round trip.
// Duplicate eventIds are stored as separate rows.
func (s *Store) InsertEvents(ctx context.Context, events []models.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.execute(ctx, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, ev := range events {
			meta, err := metadataParam(ev)
			if err != nil {
				return err
			}
			batch.Queue(insertEventSQL,
				ev.EventID, ev.TenantID, ev.CustomerID, ev.Timestamp, ev.Endpoint,
				ev.Tokens, ev.InputTokens, ev.OutputTokens,
				nullableString(ev.Model), ev.LatencyMs, meta)
		}
		results := s.db.SendBatch(ctx, batch)
		defer results.Close()
		for range events {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("insert events batch: %w", err)
			}
		}
		return nil
	})
}

// InsertEventIfAbsent persists one event unless a row with its eventId already
// exists. The reconciler uses it so replaying a staged late event never
// duplicates the underlying row.
func (s *Store) InsertEventIfAbsent(ctx context.Context, ev models.UsageEvent) error {
	insertIfAbsent := `
		INSERT INTO usage_events
			(event_id, tenant_id, customer_id, event_timestamp, endpoint,
			 tokens, input_tokens, output_tokens, model, latency_ms, metadata)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		WHERE NOT EXISTS (SELECT 1 FROM usage_events WHERE event_id = $1)
	`
	meta, err := metadataParam(ev)
	if err != nil {
		return err
	}
	return s.execute(ctx, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, insertIfAbsent,
			ev.EventID, ev.TenantID, ev.CustomerID, ev.Timestamp, ev.Endpoint,
			ev.Tokens, ev.InputTokens, ev.OutputTokens,
			nullableString(ev.Model), ev.LatencyMs, meta)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.EventID, err)
		}
		return nil
	})
}

// EventsInWindow fetches the pair's events inside the half-open window, so an
// event exactly on a boundary lands in exactly one window.
func (s *Store) EventsInWindow(ctx context.Context, tenantID, customerID int64, w timeutil.Window) ([]models.UsageEvent, error) {
	query := `
		SELECT id, event_id, tenant_id, customer_id, event_timestamp, endpoint,
		       tokens, input_tokens, output_tokens, model, latency_ms, metadata
		FROM usage_events
		WHERE tenant_id = $1 AND customer_id = $2
		  AND event_timestamp >= $3 AND event_timestamp < $4
		ORDER BY event_timestamp
	`
	var events []models.UsageEvent
	err := s.execute(ctx, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, query, tenantID, customerID, w.Start, w.End)
		if err != nil {
			return fmt.Errorf("query window events: %w", err)
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate window events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func scanEvent(rows pgx.Rows) (models.UsageEvent, error) {
	var ev models.UsageEvent
	var model *string
	var meta []byte
	err := rows.Scan(&ev.ID, &ev.EventID, &ev.TenantID, &ev.CustomerID,
		&ev.Timestamp, &ev.Endpoint, &ev.Tokens, &ev.InputTokens,
		&ev.OutputTokens, &model, &ev.LatencyMs, &meta)
	if err != nil {
		return models.UsageEvent{}, fmt.Errorf("scan event: %w", err)
	}
	if model != nil {
		ev.Model = *model
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
			return models.UsageEvent{}, fmt.Errorf("decode event metadata: %w", err)
		}
	}
	return ev, nil
}

func metadataParam(ev models.UsageEvent) ([]byte, error) {
	if ev.Metadata == nil {
		return nil, nil
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata for event %s: %w", ev.EventID, err)
	}
	return meta, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
