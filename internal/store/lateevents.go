package store

import (
	"context"
	"fmt"

	"github.com/rdpk/metering/internal/models"
)

// UpsertLateEvent stages a late arrival for reconciliation. A re-sent eventId
// overwrites the staged payload rather than producing a second staging row.
func (s *Store) UpsertLateEvent(ctx context.Context, le models.LateEvent) error {
	query := `
		INSERT INTO late_events
			(event_id, tenant_id, customer_id, original_timestamp, received_timestamp, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id)
		DO UPDATE SET data = EXCLUDED.data,
		              received_timestamp = EXCLUDED.received_timestamp
	`
	return s.execute(ctx, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, query,
			le.EventID, le.TenantID, le.CustomerID,
			le.OriginalTimestamp, le.ReceivedTimestamp, le.Data)
		if err != nil {
			return fmt.Errorf("stage late event %s: %w", le.EventID, err)
		}
		return nil
	})
}

// ListLateEvents returns up to limit staged events, oldest arrivals first.
func (s *Store) ListLateEvents(ctx context.Context, limit int) ([]models.LateEvent, error) {
	query := `
		SELECT id, event_id, tenant_id, customer_id, original_timestamp, received_timestamp, data
		FROM late_events
		ORDER BY received_timestamp
		LIMIT $1
	`
	var staged []models.LateEvent
	err := s.execute(ctx, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, query, limit)
		if err != nil {
			return fmt.Errorf("list late events: %w", err)
		}
		defer rows.Close()

		staged = staged[:0]
		for rows.Next() {
			var le models.LateEvent
			err := rows.Scan(&le.ID, &le.EventID, &le.TenantID, &le.CustomerID,
				&le.OriginalTimestamp, &le.ReceivedTimestamp, &le.Data)
			if err != nil {
				return fmt.Errorf("scan late event: %w", err)
			}
			staged = append(staged, le)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate late events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return staged, nil
}

// DeleteLateEvent removes a staged event once it has been reconciled.
func (s *Store) DeleteLateEvent(ctx context.Context, eventID string) error {
	return s.execute(ctx, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, `DELETE FROM late_events WHERE event_id = $1`, eventID)
		if err != nil {
			return fmt.Errorf("delete late event %s: %w", eventID, err)
		}
		return nil
	})
}
