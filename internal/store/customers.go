package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rdpk/metering/internal/models"
)

// ValidateCustomer resolves (tenantID, customer externalID) against the
// active-tenant join. ErrNotFound covers an unknown tenant, an inactive
// tenant, and an unknown customer alike.
func (s *Store) ValidateCustomer(ctx context.Context, tenantID int64, externalID string) (models.TenantCustomer, error) {
	query := `
		SELECT t.id, t.name, c.id, c.external_id
		FROM tenants t
		JOIN customers c ON c.tenant_id = t.id
		WHERE t.id = $1 AND t.active AND c.external_id = $2
	`
	var tc models.TenantCustomer
	err := s.execute(ctx, func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, query, tenantID, externalID).
			Scan(&tc.TenantID, &tc.TenantName, &tc.CustomerID, &tc.ExternalID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("tenant %d customer %q: %w", tenantID, externalID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("validate customer: %w", err)
		}
		return nil
	})
	return tc, err
}

// ListActiveTenantCustomers enumerates every (tenant, customer) pair the
// aggregation scheduler must visit. One bulk join per tick instead of a query
// per tenant.
func (s *Store) ListActiveTenantCustomers(ctx context.Context) ([]models.TenantCustomer, error) {
	query := `
		SELECT t.id, t.name, c.id, c.external_id
		FROM tenants t
		JOIN customers c ON c.tenant_id = t.id
		WHERE t.active
		ORDER BY t.id, c.id
	`
	var pairs []models.TenantCustomer
	err := s.execute(ctx, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, query)
		if err != nil {
			return fmt.Errorf("list tenant customers: %w", err)
		}
		defer rows.Close()

		pairs = pairs[:0]
		for rows.Next() {
			var tc models.TenantCustomer
			if err := rows.Scan(&tc.TenantID, &tc.TenantName, &tc.CustomerID, &tc.ExternalID); err != nil {
				return fmt.Errorf("scan tenant customer: %w", err)
			}
			pairs = append(pairs, tc)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate tenant customers: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}
