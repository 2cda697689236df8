package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/config"
)

// DB is the generic storage interface used throughout kidguard.
// Implementations exist for SQLite (default), MySQL and PostgreSQL.
// Queries are written with ? placeholders; backends that need another
// bind style rewrite them before execution.
type DB interface {
	// Select executes a query and scans rows into dest (slice pointer).
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Get executes a query expected to return a single row and scans into dest.
	// Returns sql.ErrNoRows when the query yields nothing.
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...interface{}) error

	// ExecAffected executes a statement and returns the number of rows it changed.
	ExecAffected(ctx context.Context, query string, args ...interface{}) (int64, error)

	// Insert inserts a struct-tagged record into table and returns the new row ID
	// when the database assigned one.
	Insert(ctx context.Context, table string, record interface{}) (int64, error)

	// Update updates rows matching the where clause with values from record.
	Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error

	// Upsert inserts or updates based on conflictCols.
	Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error

	// WithTx runs fn inside a transaction. The DB passed to fn is bound to the
	// transaction; fn returning an error rolls it back.
	WithTx(ctx context.Context, fn func(tx DB) error) error

	// Migrate applies pending schema migrations in order.
	Migrate(ctx context.Context) error

	// Ping verifies the database connection is alive.
	Ping(ctx context.Context) error

	// Close releases the database connection.
	Close() error

	// Driver returns the backend name: "sqlite", "mysql" or "postgres".
	Driver() string
}

// New returns a DB implementation matching cfg.Driver.
// SQLite is the default when driver is empty.
func New(cfg config.DatabaseConfig, log *zap.Logger) (DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Driver {
	case "mysql":
		return NewMySQL(cfg, log)
	case "postgres", "postgresql":
		return NewPostgres(cfg, log)
	case "sqlite", "sqlite3", "":
		return NewSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported database driver %q (supported: sqlite, mysql, postgres)", cfg.Driver)
	}
}
