package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(t.TempDir(), DefaultOpenOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func openRawConn(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), FileName)
	conn, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", dbPath))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestMigrateUp_FreshDB(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	// Verify schema_migrations has all versions recorded.
	rows, err := database.Conn().QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var versions []int
	for rows.Next() {
		var v int
		require.NoError(t, rows.Scan(&v))
		versions = append(versions, v)
	}
	require.NoError(t, rows.Err())

	migrations, err := loadMigrations()
	require.NoError(t, err)

	require.Len(t, versions, len(migrations))
	for i, m := range migrations {
		assert.Equal(t, m.Version, versions[i])
	}

	for _, table := range []string{"runs", "outcomes", "report_markers", "fix_proposals"} {
		_, err = database.Conn().ExecContext(ctx, "SELECT 1 FROM "+table+" LIMIT 0")
		require.NoError(t, err, "%s table should exist", table)
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	// Running migrateUp again should be a no-op.
	err := migrateUp(ctx, database.Conn())
	assert.NoError(t, err, "second migrateUp should be idempotent")
}

func TestMigrateDown(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	conn := database.Conn()

	require.NoError(t, database.Queries().SaveRun(ctx, Run{
		TicketID: "SUP-1", RunID: "r1", State: "fetched", CreatedAt: 1, UpdatedAt: 1,
	}))

	// Revert the last migration (fix_proposals).
	err := MigrateDown(ctx, conn, 1)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, "SELECT 1 FROM fix_proposals LIMIT 0")
	require.Error(t, err, "fix_proposals should not exist after down migration")
	_, err = conn.ExecContext(ctx, "SELECT 1 FROM report_markers LIMIT 0")
	require.NoError(t, err, "earlier migrations stay applied")

	var count int
	err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "run row should be preserved")
}

func TestMigrateDown_InvalidN(t *testing.T) {
	conn := openRawConn(t)
	ctx := context.Background()

	err := MigrateDown(ctx, conn, 0)
	require.Error(t, err, "n=0 should fail")

	err = MigrateDown(ctx, conn, -1)
	require.Error(t, err, "n=-1 should fail")
}

func TestMigrateDown_TooMany(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	migrations, err := loadMigrations()
	require.NoError(t, err)

	err = MigrateDown(ctx, database.Conn(), len(migrations)+1)
	assert.Error(t, err, "requesting more down migrations than applied should fail")
}

func TestLoadMigrations_Valid(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	// Verify ascending version order.
	for i := 1; i < len(migrations); i++ {
		assert.Greater(t, migrations[i].Version, migrations[i-1].Version,
			"migrations should be in ascending version order")
	}

	// Every migration must have both up and down SQL.
	for _, m := range migrations {
		assert.NotEmpty(t, m.UpSQL, "migration %d up SQL should not be empty", m.Version)
		assert.NotEmpty(t, m.DownSQL, "migration %d down SQL should not be empty", m.Version)
		assert.NotEmpty(t, m.Name, "migration %d name should not be empty", m.Version)
	}
}

func TestParseFilename(t *testing.T) {
	tests := []struct {
		filename      string
		wantVersion   int
		wantName      string
		wantDirection string
		wantErr       bool
	}{
		{"0001_initial.up.sql", 1, "initial", "up", false},
		{"0001_initial.down.sql", 1, "initial", "down", false},
		{"0003_report_markers.up.sql", 3, "report_markers", "up", false},
		{"0100_big_version.down.sql", 100, "big_version", "down", false},
		{"bad.sql", 0, "", "", true},
		{"0001_initial.sql", 0, "", "", true},
		{"0000_zero.up.sql", 0, "", "", true},
		{"-1_negative.up.sql", 0, "", "", true},
		{"abc_notnumber.up.sql", 0, "", "", true},
		{"0001_.up.sql", 0, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, direction, err := parseFilename(tt.filename)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, version)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantDirection, direction)
		})
	}
}

func TestQueries_RunsOutcomesMarkers(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	q := database.Queries()

	require.NoError(t, q.SaveRun(ctx, Run{TicketID: "SUP-1", RunID: "r1", State: "fetched", CreatedAt: 10, UpdatedAt: 10}))
	require.NoError(t, q.SaveRun(ctx, Run{TicketID: "SUP-1", RunID: "r1", State: "classified", CreatedAt: 99, UpdatedAt: 20}))

	got, err := q.GetRun(ctx, "SUP-1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "classified", got.State)
	assert.Equal(t, int64(10), got.CreatedAt, "created_at is kept from the first insert")
	assert.Equal(t, int64(20), got.UpdatedAt)

	_, err = q.GetRun(ctx, "SUP-1", "missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows))

	o := Outcome{TicketID: "SUP-1", RunID: "r1", Strategy: "human_guidance", Hint: "auto_fix", Confidence: 0.5, Payload: "{}", CreatedAt: 30}
	require.NoError(t, q.InsertOutcome(ctx, o))
	require.Error(t, q.InsertOutcome(ctx, o), "second outcome for the same run must fail")

	gotOutcome, err := q.GetOutcome(ctx, "SUP-1", "r1")
	require.NoError(t, err)
	assert.Equal(t, o, gotOutcome)

	require.NoError(t, q.InsertMarker(ctx, "SUP-1", "r1", "triage-run:r1", 40))
	require.NoError(t, q.InsertMarker(ctx, "SUP-1", "r1", "triage-run:other", 50))
	marker, err := q.GetMarker(ctx, "SUP-1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "triage-run:r1", marker)

	claimed, err := q.ClaimProposal(ctx, "SUP-1", "r1", 60)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = q.ClaimProposal(ctx, "SUP-1", "r1", 70)
	require.NoError(t, err)
	assert.False(t, claimed, "a run claims its proposal once")

	p, err := q.GetProposal(ctx, "SUP-1", "r1")
	require.NoError(t, err)
	assert.False(t, p.Fix.Valid)
	assert.Equal(t, int64(60), p.CreatedAt)

	require.NoError(t, q.SetProposalFix(ctx, "SUP-1", "r1", `{"ref":"x"}`, 80))
	p, err = q.GetProposal(ctx, "SUP-1", "r1")
	require.NoError(t, err)
	assert.Equal(t, `{"ref":"x"}`, p.Fix.String)
	assert.Equal(t, int64(80), p.UpdatedAt)
}

func TestWithTx_Rollback(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := database.WithTx(ctx, func(q *Queries) error {
		require.NoError(t, q.SaveRun(ctx, Run{TicketID: "SUP-1", RunID: "r1", State: "resolved", CreatedAt: 1, UpdatedAt: 1}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = database.Queries().GetRun(ctx, "SUP-1", "r1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
