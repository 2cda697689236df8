package database

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// SQLDB adapts an already-open *sql.DB (a pool owned elsewhere, or a mock in
// tests) to the DB interface using the named dialect.
type SQLDB struct {
	core
	db  *sql.DB
	log *zap.Logger
}

// Wrap returns a DB over db. driver selects the SQL dialect.
func Wrap(db *sql.DB, driver string, log *zap.Logger) (*SQLDB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var d dialect
	switch driver {
	case "sqlite", "sqlite3", "":
		d = sqliteDialect
	case "mysql":
		d = mysqlDialect
	case "postgres", "postgresql":
		d = postgresDialect
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return &SQLDB{core: core{q: db, dialect: d}, db: db, log: log}, nil
}

func (w *SQLDB) Driver() string { return w.dialect.name }

func (w *SQLDB) Ping(ctx context.Context) error { return w.db.PingContext(ctx) }

func (w *SQLDB) Close() error { return w.db.Close() }

func (w *SQLDB) WithTx(ctx context.Context, fn func(tx DB) error) error {
	return runTx(ctx, w.db, w.dialect, fn)
}

// Migrate is not supported on wrapped pools; the owner manages the schema.
func (w *SQLDB) Migrate(context.Context) error {
	return fmt.Errorf("migrate is not supported on a wrapped %s pool", w.dialect.name)
}
