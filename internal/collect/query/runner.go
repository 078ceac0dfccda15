package query

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"
)

// Dialect adapts named binds to a driver's placeholder syntax.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2) may be reused; positional (?) ones are
	// repeated per occurrence.
	Numbered bool
	// ReadOnlyTx requests a read-only transaction from the driver.
	ReadOnlyTx bool
	// FormatTime converts time binds into what the driver compares correctly.
	FormatTime func(time.Time) any
}

var (
	// Postgres is the dialect for the pgx stdlib driver.
	Postgres = Dialect{
		Name:       "pgx",
		Numbered:   true,
		ReadOnlyTx: true,
		FormatTime: func(t time.Time) any { return t },
	}

	// SQLite is the dialect for modernc.org/sqlite. Read-only access is
	// enforced by the connection's query_only pragma.
	SQLite = Dialect{
		Name:       "sqlite",
		FormatTime: func(t time.Time) any { return t.UTC().Format("2006-01-02T15:04:05Z") },
	}
)

// DialectFor returns the dialect registered for a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	case "sqlite":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Compile rewrites :name placeholders into the dialect's syntax and returns
// the ordered argument list.
func (d Dialect) Compile(stmt string, args map[string]any) (string, []any, error) {
	var (
		b       strings.Builder
		ordered []any
		index   = map[string]int{}
	)

	for i := 0; i < len(stmt); i++ {
		ch := stmt[i]
		if ch != ':' || i+1 >= len(stmt) || !isIdentStart(stmt[i+1]) || (i > 0 && stmt[i-1] == ':') {
			b.WriteByte(ch)
			continue
		}
		j := i + 1
		for j < len(stmt) && isIdent(stmt[j]) {
			j++
		}
		name := stmt[i+1 : j]
		val, ok := args[name]
		if !ok {
			return "", nil, fmt.Errorf("missing bind :%s", name)
		}
		if t, isTime := val.(time.Time); isTime && d.FormatTime != nil {
			val = d.FormatTime(t)
		}

		if d.Numbered {
			n, seen := index[name]
			if !seen {
				ordered = append(ordered, val)
				n = len(ordered)
				index[name] = n
			}
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			ordered = append(ordered, val)
			b.WriteByte('?')
		}
		i = j - 1
	}

	return b.String(), ordered, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdent(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// Rows is a generic query result.
type Rows struct {
	Columns   []string         `json:"columns"`
	Records   []map[string]any `json:"records"`
	Truncated bool             `json:"truncated"`
}

// Runner executes compiled read-only statements.
type Runner interface {
	Query(ctx context.Context, stmt string, args []any) (Rows, error)
}

// SQLRunner runs statements through database/sql inside a transaction that
// is always rolled back.
type SQLRunner struct {
	db      *sql.DB
	dialect Dialect
	maxRows int
}

// OpenOptions configure the read-only connection pool.
type OpenOptions struct {
	MaxOpenConns int
	MaxRows      int
}

// Open connects to the evidence database. For sqlite the DSN is opened with
// query_only so no statement can write.
func Open(driver, dsn string, opts OpenOptions) (*SQLRunner, Dialect, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, Dialect{}, err
	}

	if dialect.Name == "sqlite" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=query_only(1)"
	}

	conn, err := sql.Open(dialect.Name, dsn)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if opts.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(opts.MaxOpenConns)
	}

	return NewSQLRunner(conn, dialect, opts.MaxRows), dialect, nil
}

// NewSQLRunner wraps an existing handle.
func NewSQLRunner(db *sql.DB, dialect Dialect, maxRows int) *SQLRunner {
	if maxRows <= 0 {
		maxRows = 500
	}
	return &SQLRunner{db: db, dialect: dialect, maxRows: maxRows}
}

// Ping checks connectivity.
func (r *SQLRunner) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the pool.
func (r *SQLRunner) Close() error {
	return r.db.Close()
}

// Query runs stmt and returns at most maxRows records.
func (r *SQLRunner) Query(ctx context.Context, stmt string, args []any) (Rows, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: r.dialect.ReadOnlyTx})
	if err != nil {
		return Rows{}, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return Rows{}, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return Rows{}, err
	}

	out := Rows{Columns: cols, Records: []map[string]any{}}
	for rows.Next() {
		if len(out.Records) >= r.maxRows {
			out.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Rows{}, err
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			rec[c] = normalize(vals[i])
		}
		out.Records = append(out.Records, rec)
	}

	return out, rows.Err()
}

func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
