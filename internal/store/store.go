package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rdpk/metering/internal/resilience"
)

// ErrNotFound is returned when a lookup matches no row, including the case of
// a tenant that exists but is inactive.
var ErrNotFound = errors.New("not found")

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store is the raw-SQL Postgres repository layer. Every call goes through the
// store's resilience policy.
type Store struct {
	db     DB
	policy *resilience.Policy
}

func New(db DB, policy *resilience.Policy) *Store {
	return &Store{db: db, policy: policy}
}

func (s *Store) execute(ctx context.Context, op func(context.Context) error) error {
	if s.policy == nil {
		return op(ctx)
	}
	return s.policy.Execute(ctx, op)
}
