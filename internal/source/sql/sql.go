// Package sql reads records from a relational table with keyset
// pagination. SQLite (modernc.org/sqlite) and PostgreSQL (pgx) are
// supported.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"searchsync/internal/source"
)

// Dialect selects the driver and placeholder style.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() (string, error) {
	switch d {
	case SQLite:
		return "sqlite", nil
	case Postgres:
		return "pgx", nil
	}
	return "", fmt.Errorf("unsupported dialect %q", d)
}

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Open opens a connection pool for the dialect.
func Open(d Dialect, dsn string) (*sql.DB, error) {
	driver, err := d.DriverName()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	return db, nil
}

// Config describes the table a Source reads.
type Config struct {
	DB      *sql.DB
	Dialect Dialect
	Table   string
	// IDColumn must be unique and totally ordered. It becomes the document id.
	IDColumn string
	// Columns to read. Empty means all columns.
	Columns []string
}

// Source pages through a table ordered by its id column.
type Source struct {
	db       *sql.DB
	dialect  Dialect
	countSQL string
	firstSQL string
	nextSQL  string
	idColumn string
}

var _ source.Source = (*Source)(nil)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, ".")
}

// New validates cfg and prepares the queries.
func New(cfg Config) (*Source, error) {
	if cfg.DB == nil {
		return nil, errors.New("sql source: nil DB")
	}
	if _, err := cfg.Dialect.DriverName(); err != nil {
		return nil, err
	}
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}
	for _, ident := range append([]string{cfg.Table, cfg.IDColumn}, cfg.Columns...) {
		if !identRe.MatchString(ident) {
			return nil, fmt.Errorf("sql source: invalid identifier %q", ident)
		}
	}

	cols := "*"
	if len(cfg.Columns) > 0 {
		quoted := []string{quote(cfg.IDColumn)}
		for _, c := range cfg.Columns {
			if c != cfg.IDColumn {
				quoted = append(quoted, quote(c))
			}
		}
		cols = strings.Join(quoted, ", ")
	}
	table, id := quote(cfg.Table), quote(cfg.IDColumn)
	d := cfg.Dialect

	return &Source{
		db:       cfg.DB,
		dialect:  d,
		idColumn: cfg.IDColumn,
		countSQL: "SELECT count(*) FROM " + table,
		firstSQL: fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT %s", cols, table, id, d.placeholder(1)),
		nextSQL: fmt.Sprintf("SELECT %s FROM %s WHERE %s > %s ORDER BY %s LIMIT %s",
			cols, table, id, d.placeholder(1), id, d.placeholder(2)),
	}, nil
}

func (s *Source) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.countSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *Source) NextBatch(ctx context.Context, c source.Cursor, limit int) ([]source.Record, source.Cursor, error) {
	if limit <= 0 {
		return nil, c, errors.New("sql source: limit must be positive")
	}
	var (
		rows *sql.Rows
		err  error
	)
	if c.After == nil {
		rows, err = s.db.QueryContext(ctx, s.firstSQL, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.nextSQL, c.After, limit)
	}
	if err != nil {
		return nil, c, fmt.Errorf("query page: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, c, err
	}
	idIdx := -1
	for i, name := range cols {
		if name == s.idColumn {
			idIdx = i
		}
	}
	if idIdx < 0 {
		return nil, c, fmt.Errorf("sql source: id column %q not in result", s.idColumn)
	}

	var (
		out  []source.Record
		last any
	)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, c, fmt.Errorf("scan: %w", err)
		}
		fields := make(map[string]any, len(cols))
		for i, name := range cols {
			fields[name] = normalise(vals[i])
		}
		last = vals[idIdx]
		out = append(out, source.Record{ID: fmt.Sprint(fields[s.idColumn]), Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, c, fmt.Errorf("read rows: %w", err)
	}

	if len(out) < limit {
		return out, source.Cursor{After: lastOr(last, c.After), Done: true}, nil
	}
	return out, source.Cursor{After: last}, nil
}

func lastOr(last, prev any) any {
	if last == nil {
		return prev
	}
	return last
}

// normalise turns driver byte slices into strings so records serialise as
// JSON text rather than base64.
func normalise(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
