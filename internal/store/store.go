// Package store is the typed repository over database.DB. Every query the
// monitoring core runs lives here, one method per query, written with ?
// placeholders so it runs unchanged on SQLite, MySQL and PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/kidguard/kidguard/internal/database"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// Store wraps a database handle. A Store obtained inside WithTx is bound to
// that transaction.
type Store struct {
	db database.DB
}

// New returns a Store over db.
func New(db database.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle (for health checks).
func (s *Store) DB() database.DB { return s.db }

// WithTx runs fn with a transaction-bound Store.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithTx(ctx, func(tx database.DB) error {
		return fn(&Store{db: tx})
	})
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

type countRow struct {
	N int64 `db:"n"`
}

type statusCountRow struct {
	Status string `db:"status"`
	N      int64  `db:"n"`
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
