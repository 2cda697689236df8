package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/config"
)

// PostgresDB implements DB using PostgreSQL via lib/pq. This is the backend
// for hosted relational deployments.
type PostgresDB struct {
	core
	db  *sql.DB
	log *zap.Logger
}

// NewPostgres opens a PostgreSQL connection using cfg.DSN.
func NewPostgres(cfg config.DatabaseConfig, log *zap.Logger) (*PostgresDB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required when driver is postgres")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	p := &PostgresDB{core: core{q: db, dialect: postgresDialect}, db: db, log: log}
	if err := p.Ping(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return p, nil
}

func (p *PostgresDB) Driver() string { return "postgres" }

func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresDB) Close() error {
	return p.db.Close()
}

func (p *PostgresDB) WithTx(ctx context.Context, fn func(tx DB) error) error {
	return runTx(ctx, p.db, p.dialect, fn)
}

// Migrate applies pending SQL migrations adapted for PostgreSQL syntax.
func (p *PostgresDB) Migrate(ctx context.Context) error {
	return migrator{
		db:      p.db,
		dialect: p.dialect,
		log:     p.log,
		ledgerDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
		id          SERIAL PRIMARY KEY,
		filename    TEXT NOT NULL UNIQUE,
		applied_at  TEXT NOT NULL
	)`,
		adapt: postgresAdapt,
	}.Migrate(ctx)
}

// postgresAdapt converts SQLite-specific SQL fragments to PostgreSQL equivalents.
func postgresAdapt(sql string) string {
	sql = strings.ReplaceAll(sql, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
	sql = strings.ReplaceAll(sql, "DATETIME", "TIMESTAMPTZ")
	return sql
}
