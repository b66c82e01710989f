package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/carebridge/carebridge/libs/db"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store owns all reads and writes for appointments, payments and
// memberships. Both reconciliation paths (webhook and manual sync) go
// through the same guarded-update methods here, so there is a single
// source of transition logic.
type Store struct {
	pool *db.Pool
}

func New(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// IsConflict reports an exclusion-constraint violation (23P01): the
// appointment overlap guard rejected a concurrent insert.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

// IsUniqueViolation reports a unique-constraint violation (23505), e.g. a
// second active membership for the same senior racing in.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
