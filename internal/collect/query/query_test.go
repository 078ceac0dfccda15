package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colonyops/triage/internal/collect"
	"github.com/colonyops/triage/internal/core/evidence"
	"github.com/colonyops/triage/internal/core/plan"
)

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T, enabled ...string) *Registry {
	t.Helper()
	r, err := NewRegistry(Builtin(), enabled, 30*24*time.Hour)
	require.NoError(t, err)
	return r
}

func TestBuiltin_AllSelect(t *testing.T) {
	for _, d := range Builtin() {
		t.Run(d.Name, func(t *testing.T) {
			stmt := strings.ToUpper(strings.TrimSpace(d.SQL))
			assert.True(t, strings.HasPrefix(stmt, "SELECT"), "query must be a SELECT")
			assert.NotContains(t, stmt, ";")
			assert.NotContains(t, stmt, "ILIKE")
		})
	}
}

func TestNewRegistry(t *testing.T) {
	r := newRegistry(t)
	assert.Len(t, r.Names(), len(Builtin()))

	r = newRegistry(t, "system_errors", "user_account_info")
	assert.Equal(t, []string{"system_errors", "user_account_info"}, r.Names())

	_, err := NewRegistry(Builtin(), []string{"drop_everything"}, time.Hour)
	require.Error(t, err)

	_, err = NewRegistry(append(Builtin(), Builtin()[0]), nil, time.Hour)
	require.Error(t, err)
}

func TestRegistry_Bind(t *testing.T) {
	r := newRegistry(t)

	t.Run("unknown query", func(t *testing.T) {
		_, err := r.Bind("drop_tables", nil, now)
		assert.ErrorIs(t, err, plan.ErrUnknownQuery)
	})

	t.Run("defaults and since", func(t *testing.T) {
		b, err := r.Bind("user_transactions", map[string]any{"user_id": "42"}, now)
		require.NoError(t, err)
		assert.Equal(t, 30, b.Args["days_back"])
		assert.Equal(t, now.Add(-30*24*time.Hour), b.Args["since"])
	})

	t.Run("lookback clamped to max window", func(t *testing.T) {
		b, err := r.Bind("user_transactions", map[string]any{"user_id": "42", "days_back": float64(365)}, now)
		require.NoError(t, err)
		assert.Equal(t, 30, b.Args["days_back"])

		b, err = r.Bind("system_errors", map[string]any{"hours_back": 10000}, now)
		require.NoError(t, err)
		assert.Equal(t, 720, b.Args["hours_back"])
	})

	t.Run("lookback floored at min", func(t *testing.T) {
		b, err := r.Bind("system_errors", map[string]any{"hours_back": -5}, now)
		require.NoError(t, err)
		assert.Equal(t, 1, b.Args["hours_back"])
	})

	t.Run("undeclared argument", func(t *testing.T) {
		_, err := r.Bind("user_sessions", map[string]any{"user_id": "1", "sql": "DROP TABLE users"}, now)
		var argErr *ArgError
		require.ErrorAs(t, err, &argErr)
		assert.Equal(t, "sql", argErr.Arg)
	})

	t.Run("missing required", func(t *testing.T) {
		_, err := r.Bind("user_sessions", nil, now)
		var argErr *ArgError
		require.ErrorAs(t, err, &argErr)
		assert.Equal(t, "user_id", argErr.Arg)
	})

	t.Run("any of", func(t *testing.T) {
		_, err := r.Bind("user_account_info", map[string]any{}, now)
		require.Error(t, err)

		b, err := r.Bind("user_account_info", map[string]any{"email": "a@example.com"}, now)
		require.NoError(t, err)
		assert.Equal(t, "", b.Args["user_id"])
	})

	t.Run("ill typed", func(t *testing.T) {
		_, err := r.Bind("user_sessions", map[string]any{"user_id": "1", "days_back": "a week"}, now)
		require.Error(t, err)

		_, err = r.Bind("user_sessions", map[string]any{"user_id": []string{"1"}}, now)
		require.Error(t, err)
	})

	t.Run("numeric user id accepted", func(t *testing.T) {
		b, err := r.Bind("configuration_settings", map[string]any{"user_id": float64(42)}, now)
		require.NoError(t, err)
		assert.Equal(t, "42", b.Args["user_id"])
	})

	t.Run("check query", func(t *testing.T) {
		assert.NoError(t, r.CheckQuery("system_errors", nil))
		assert.ErrorIs(t, r.CheckQuery("nope", nil), plan.ErrUnknownQuery)
	})
}

func TestDialect_Compile(t *testing.T) {
	stmt := "SELECT * FROM t WHERE a = :a AND (:b = '' OR b = :b) AND c::text = '10:30'"
	args := map[string]any{"a": 1, "b": "x"}

	got, ordered, err := Postgres.Compile(stmt, args)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND ($2 = '' OR b = $2) AND c::text = '10:30'", got)
	assert.Equal(t, []any{1, "x"}, ordered)

	got, ordered, err = SQLite.Compile(stmt, args)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = ? AND (? = '' OR b = ?) AND c::text = '10:30'", got)
	assert.Equal(t, []any{1, "x", "x"}, ordered)

	_, _, err = SQLite.Compile("SELECT :missing", nil)
	require.Error(t, err)

	got, ordered, err = SQLite.Compile("SELECT :since", map[string]any{"since": now})
	require.NoError(t, err)
	assert.Equal(t, "SELECT ?", got)
	assert.Equal(t, []any{"2024-06-15T12:00:00Z"}, ordered)
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("postgres")
	require.NoError(t, err)
	assert.True(t, d.Numbered)

	_, err = DialectFor("oracle")
	require.Error(t, err)
}

// seedSQLite creates a small evidence database and returns its DSN.
func seedSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evidence.db")
	dsn := "file:" + path

	conn, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Exec(`
		CREATE TABLE system_errors (
			id INTEGER PRIMARY KEY, error_type TEXT, error_message TEXT, stack_trace TEXT,
			user_id TEXT, request_id TEXT, created_at TEXT, resolved_at TEXT,
			severity TEXT, component TEXT, environment TEXT
		);
		INSERT INTO system_errors (error_type, error_message, user_id, created_at, severity)
		VALUES
			('PaymentError', 'card declined E1042', '7', '2024-06-15T08:00:00Z', 'high'),
			('PaymentError', 'old failure', '7', '2024-05-01T08:00:00Z', 'high'),
			('AuthError', 'token expired', '9', '2024-06-15T09:00:00Z', 'low');
	`)
	require.NoError(t, err)
	return dsn
}

func newSQLiteCollector(t *testing.T, dsn string) (*Collector, *SQLRunner) {
	t.Helper()
	runner, dialect, err := Open("sqlite", dsn, OpenOptions{MaxRows: 10})
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close() })

	c := NewCollector(newRegistry(t), runner, dialect, 0, zerolog.Nop())
	c.now = func() time.Time { return now }
	return c, runner
}

func TestCollector_SQLite(t *testing.T) {
	c, _ := newSQLiteCollector(t, seedSQLite(t))

	res := c.Collect(context.Background(), plan.Step{
		ID:    "s1",
		Kind:  plan.KindStructuredQuery,
		Query: plan.QueryRef{Name: "system_errors", Args: map[string]any{"hours_back": 24, "error_type": "paymenterror"}},
	})
	require.Equal(t, evidence.StatusOK, res.Status, "%v", res.Err)

	p, ok := res.Payload.(Payload)
	require.True(t, ok)
	require.Equal(t, 1, p.RowCount)
	assert.Equal(t, "card declined E1042", p.Records[0]["error_message"])
	assert.Equal(t, "system_errors returned 1 rows", res.Summary)
	assert.Equal(t, "2024-06-14T12:00:00Z", p.Args["since"])
}

func TestSQLRunner_RejectsWrites(t *testing.T) {
	_, runner := newSQLiteCollector(t, seedSQLite(t))

	_, err := runner.Query(context.Background(), "DELETE FROM system_errors", nil)
	require.Error(t, err)

	rows, err := runner.Query(context.Background(), "SELECT COUNT(*) AS n FROM system_errors", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, rows.Records[0]["n"])
}

func TestSQLRunner_Truncates(t *testing.T) {
	_, runner := newSQLiteCollector(t, seedSQLite(t))
	runner.maxRows = 2

	rows, err := runner.Query(context.Background(), "SELECT id FROM system_errors", nil)
	require.NoError(t, err)
	assert.Len(t, rows.Records, 2)
	assert.True(t, rows.Truncated)
}

type fakeRunner struct {
	err   error
	calls int
}

func (f *fakeRunner) Query(context.Context, string, []any) (Rows, error) {
	f.calls++
	return Rows{}, f.err
}

func TestCollector_Errors(t *testing.T) {
	tests := []struct {
		name    string
		step    plan.Step
		runErr  error
		want    collect.Code
		reaches bool
	}{
		{
			name: "unregistered query never runs",
			step: plan.Step{Query: plan.QueryRef{Name: "drop_all"}},
			want: collect.CodeInvalidQuery,
		},
		{
			name: "bad args never run",
			step: plan.Step{Query: plan.QueryRef{Name: "user_sessions"}},
			want: collect.CodeInvalidRequest,
		},
		{
			name:    "connection refused",
			step:    plan.Step{Query: plan.QueryRef{Name: "system_errors"}},
			runErr:  errors.New("dial tcp 10.0.0.1:5432: connect: connection refused"),
			want:    collect.CodeConnection,
			reaches: true,
		},
		{
			name:    "syntax error",
			step:    plan.Step{Query: plan.QueryRef{Name: "system_errors"}},
			runErr:  fmt.Errorf("ERROR: relation \"system_errors\" does not exist"),
			want:    collect.CodeQueryFailed,
			reaches: true,
		},
		{
			name:    "deadline",
			step:    plan.Step{Query: plan.QueryRef{Name: "system_errors"}},
			runErr:  context.DeadlineExceeded,
			want:    collect.CodeTimeout,
			reaches: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{err: tt.runErr}
			c := NewCollector(newRegistry(t), runner, Postgres, 0, zerolog.Nop())

			res := c.Collect(context.Background(), tt.step)
			assert.Equal(t, evidence.StatusFailed, res.Status)
			require.NotNil(t, res.Err)
			assert.Equal(t, tt.want, res.Err.Code)
			assert.Equal(t, tt.reaches, runner.calls > 0)
		})
	}
}
