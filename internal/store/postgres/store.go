// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dealflow/internal/common/database"
	"dealflow/internal/store"
)

// Migrations holds the schema, applied with database.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations holding the .sql files.
const MigrationsDir = "migrations"

// Store provides dealflow data access
type Store struct {
	db   *database.DB
	q    database.Querier
	inTx bool
}

var _ store.Store = (*Store)(nil)

// New creates a store on the pool of db
func New(db *database.DB) *Store {
	return &Store{db: db, q: db.Pool()}
}

// WithTx implements store.Store.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&Store{db: s.db, q: tx, inTx: true})
	})
}

var errNoTx = errors.New("operation requires a transaction")

type scanner interface {
	Scan(dest ...any) error
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func conflictIfNone(affected int64, what string) error {
	if affected == 0 {
		return fmt.Errorf("%s: %w", what, database.ErrConflict)
	}
	return nil
}
