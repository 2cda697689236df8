package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// dialect captures the SQL differences between backends.
type dialect struct {
	name string
	// dollarBinds rewrites ? placeholders to $1..$n.
	dollarBinds bool
	// returningID makes Insert use RETURNING id instead of LastInsertId.
	returningID bool
	// upsertClause renders the conflict clause appended to an INSERT.
	upsertClause func(cols, conflictCols []string) string
}

var (
	sqliteDialect = dialect{
		name:         "sqlite",
		upsertClause: onConflictClause,
	}
	mysqlDialect = dialect{
		name: "mysql",
		upsertClause: func(cols, conflictCols []string) string {
			pairs := make([]string, 0, len(cols))
			for _, c := range nonConflictCols(cols, conflictCols) {
				pairs = append(pairs, fmt.Sprintf("%s = VALUES(%s)", c, c))
			}
			return "ON DUPLICATE KEY UPDATE " + strings.Join(pairs, ", ")
		},
	}
	postgresDialect = dialect{
		name:         "postgres",
		dollarBinds:  true,
		returningID:  true,
		upsertClause: onConflictClause,
	}
)

func onConflictClause(cols, conflictCols []string) string {
	updates := nonConflictCols(cols, conflictCols)
	if len(updates) == 0 {
		return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", strings.Join(conflictCols, ", "))
	}
	pairs := make([]string, len(updates))
	for i, c := range updates {
		pairs[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", strings.Join(conflictCols, ", "), strings.Join(pairs, ", "))
}

func nonConflictCols(cols, conflictCols []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		skip := false
		for _, cc := range conflictCols {
			if c == cc {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, c)
		}
	}
	return out
}

// core implements the query half of DB over a querier. Backends embed it
// with their *sql.DB; transactions wrap it around a *sql.Tx.
type core struct {
	q       querier
	dialect dialect
}

func (c core) rebind(query string) string {
	if !c.dialect.dollarBinds {
		return query
	}
	return rebindDollar(query)
}

// Select executes query and scans all rows into dest (must be a pointer to a slice of structs).
func (c core) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := c.q.QueryContext(ctx, c.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, dest)
}

// Get executes query and scans the first row into dest.
func (c core) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := c.q.QueryContext(ctx, c.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanOne(rows, dest)
}

// Exec executes a statement that returns no rows.
func (c core) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := c.q.ExecContext(ctx, c.rebind(query), args...)
	return err
}

// ExecAffected executes a statement and reports the rows it changed.
func (c core) ExecAffected(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := c.q.ExecContext(ctx, c.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Insert inserts a struct into table using its `db:` tags.
func (c core) Insert(ctx context.Context, table string, record interface{}) (int64, error) {
	cols, placeholders, vals, autoID := structToInsert(record)
	// Internal DB helper: table/column names come from trusted application code, values remain parameterized.
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	if autoID && c.dialect.returningID {
		rows, err := c.q.QueryContext(ctx, c.rebind(query+" RETURNING id"), vals...)
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", table, err)
		}
		defer rows.Close()
		var id int64
		if err := scanOne(rows, &id); err != nil {
			return 0, fmt.Errorf("insert into %s: %w", table, err)
		}
		return id, nil
	}

	res, err := c.q.ExecContext(ctx, c.rebind(query), vals...)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	if !autoID {
		return 0, nil
	}
	return res.LastInsertId()
}

// Update updates rows in table matching where clause.
func (c core) Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error {
	cols, vals := structToUpdate(record)
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = col + " = ?"
	}
	// Internal DB helper: callers provide trusted SQL fragments for table/where; data values are bound separately.
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where)
	_, err := c.q.ExecContext(ctx, c.rebind(query), append(vals, args...)...)
	return err
}

// Upsert inserts record or updates the non-conflict columns of the existing row.
func (c core) Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error {
	cols, placeholders, vals, _ := structToInsert(record)
	// Internal DB helper: SQL identifiers are constructed from trusted struct tags/inputs; values are parameterized.
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) %s",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		c.dialect.upsertClause(cols, conflictCols),
	)
	_, err := c.q.ExecContext(ctx, c.rebind(query), vals...)
	return err
}

// rebindDollar converts ? placeholders to $1..$n, leaving quoted literals alone.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// txDB binds core to a transaction.
type txDB struct {
	core
}

func (t *txDB) WithTx(ctx context.Context, fn func(tx DB) error) error { return fn(t) }
func (t *txDB) Migrate(context.Context) error {
	return fmt.Errorf("migrate is not supported inside a transaction")
}
func (t *txDB) Ping(context.Context) error { return nil }
func (t *txDB) Close() error               { return nil }
func (t *txDB) Driver() string             { return t.dialect.name }

// runTx is the WithTx body shared by every backend.
func runTx(ctx context.Context, db *sql.DB, d dialect, fn func(tx DB) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&txDB{core{q: tx, dialect: d}}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
