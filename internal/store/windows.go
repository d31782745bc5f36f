package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rdpk/metering/internal/models"
)

// UpsertWindow writes one aggregate, overwriting the payload when the
// (tenant, customer, windowStart) row already exists. The reconciler relies
// on the overwrite path when folding late events into an existing window.
func (s *Store) UpsertWindow(ctx context.Context, w models.AggregationWindow) error {
	query := `
		INSERT INTO aggregation_windows
			(tenant_id, customer_id, window_start, window_end, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, customer_id, window_start)
		DO UPDATE SET data = EXCLUDED.data,
		              window_end = EXCLUDED.window_end,
		              updated_at = now()
	`
	return s.execute(ctx, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, query,
			w.TenantID, w.CustomerID, w.WindowStart, w.WindowEnd, w.Data)
		if err != nil {
			return fmt.Errorf("upsert window: %w", err)
		}
		return nil
	})
}

// WindowExists reports whether the pair already has an aggregate for the
// given window start.
func (s *Store) WindowExists(ctx context.Context, tenantID, customerID int64, windowStart time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM aggregation_windows
			WHERE tenant_id = $1 AND customer_id = $2 AND window_start = $3
		)
	`
	var exists bool
	err := s.execute(ctx, func(ctx context.Context) error {
		if err := s.db.QueryRow(ctx, query, tenantID, customerID, windowStart).Scan(&exists); err != nil {
			return fmt.Errorf("check window exists: %w", err)
		}
		return nil
	})
	return exists, err
}

// GetWindow fetches one aggregate row, ErrNotFound when absent.
func (s *Store) GetWindow(ctx context.Context, tenantID, customerID int64, windowStart time.Time) (models.AggregationWindow, error) {
	query := `
		SELECT id, tenant_id, customer_id, window_start, window_end, data, created_at, updated_at
		FROM aggregation_windows
		WHERE tenant_id = $1 AND customer_id = $2 AND window_start = $3
	`
	var w models.AggregationWindow
	err := s.execute(ctx, func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, query, tenantID, customerID, windowStart).Scan(
			&w.ID, &w.TenantID, &w.CustomerID, &w.WindowStart, &w.WindowEnd,
			&w.Data, &w.CreatedAt, &w.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("window %d/%d@%s: %w", tenantID, customerID, windowStart.Format(time.RFC3339), ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get window: %w", err)
		}
		return nil
	})
	return w, err
}

// WindowsInRange lists the pair's aggregates with window_start in
// [from, to), newest last.
func (s *Store) WindowsInRange(ctx context.Context, tenantID, customerID int64, from, to time.Time) ([]models.AggregationWindow, error) {
	query := `
		SELECT id, tenant_id, customer_id, window_start, window_end, data, created_at, updated_at
		FROM aggregation_windows
		WHERE tenant_id = $1 AND customer_id = $2
		  AND window_start >= $3 AND window_start < $4
		ORDER BY window_start
	`
	var windows []models.AggregationWindow
	err := s.execute(ctx, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, query, tenantID, customerID, from, to)
		if err != nil {
			return fmt.Errorf("query windows: %w", err)
		}
		defer rows.Close()

		windows = windows[:0]
		for rows.Next() {
			var w models.AggregationWindow
			err := rows.Scan(&w.ID, &w.TenantID, &w.CustomerID, &w.WindowStart,
				&w.WindowEnd, &w.Data, &w.CreatedAt, &w.UpdatedAt)
			if err != nil {
				return fmt.Errorf("scan window: %w", err)
			}
			windows = append(windows, w)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate windows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return windows, nil
}
