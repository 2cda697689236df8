package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrator applies the embedded SQLite-flavoured migrations, translated per backend.
type migrator struct {
	db      *sql.DB
	dialect dialect
	log     *zap.Logger
	// ledgerDDL creates the schema_migrations table.
	ledgerDDL string
	// adapt rewrites SQLite syntax for the backend.
	adapt func(string) string
	// split executes statements one by one (drivers without multi-statement Exec).
	split bool
}

// Migrate applies all *.sql files from migrations/ in sorted order,
// using a migrations table to track what has been applied.
func (m migrator) Migrate(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, m.ledgerDDL); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	c := core{q: m.db, dialect: m.dialect}
	for _, name := range names {
		var count int
		if err := c.Get(ctx, &count, `SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, name); err != nil {
			return fmt.Errorf("checking migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		script := string(data)
		if m.adapt != nil {
			script = m.adapt(script)
		}

		if m.split {
			for _, stmt := range strings.Split(script, ";") {
				stmt = strings.TrimSpace(stmt)
				if stmt == "" {
					continue
				}
				if _, err := m.db.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("applying migration %s statement: %w\nSQL: %s", name, err, stmt)
				}
			}
		} else if _, err := m.db.ExecContext(ctx, script); err != nil {
			return fmt.Errorf("applying migration %s: %w", name, err)
		}

		err = c.Exec(ctx,
			`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		m.log.Info("Applied migration", zap.String("file", name), zap.String("driver", m.dialect.name))
	}
	return nil
}
