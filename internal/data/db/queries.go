package db

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries holds every statement the stores use.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// Run is a row of the runs table. Times are unix nanoseconds.
type Run struct {
	TicketID    string
	RunID       string
	State       string
	FailureKind string
	Reason      string
	Warnings    sql.NullString
	CreatedAt   int64
	UpdatedAt   int64
}

const runColumns = `ticket_id, run_id, state, failure_kind, reason, warnings, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	err := row.Scan(&r.TicketID, &r.RunID, &r.State, &r.FailureKind, &r.Reason, &r.Warnings, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (q *Queries) GetRun(ctx context.Context, ticketID, runID string) (Run, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE ticket_id = ? AND run_id = ?`, ticketID, runID)
	return scanRun(row)
}

func (q *Queries) ListRuns(ctx context.Context, ticketID string) ([]Run, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE ticket_id = ? ORDER BY created_at, run_id`, ticketID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRecentRuns returns the most recently updated runs of every ticket.
func (q *Queries) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY updated_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunStats aggregates the runs and outcomes tables. AvgDuration is in unix
// nanoseconds and only covers runs in a terminal state.
type RunStats struct {
	Total          int64
	Reported       int64
	Failed         int64
	AvgDuration    sql.NullFloat64
	UniqueTickets  int64
	TicketsWithFix int64
}

func (q *Queries) GetRunStats(ctx context.Context) (RunStats, error) {
	var st RunStats
	err := q.db.QueryRowContext(ctx, `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN state = 'reported' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0),
    AVG(CASE WHEN state IN ('reported', 'failed') THEN updated_at - created_at END),
    COUNT(DISTINCT ticket_id),
    (SELECT COUNT(DISTINCT ticket_id) FROM outcomes WHERE fix_ref != '')
FROM runs`).
		Scan(&st.Total, &st.Reported, &st.Failed, &st.AvgDuration, &st.UniqueTickets, &st.TicketsWithFix)
	return st, err
}

// SaveRun upserts a run. created_at is kept from the first insert.
func (q *Queries) SaveRun(ctx context.Context, r Run) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO runs (`+runColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (ticket_id, run_id) DO UPDATE SET
    state = excluded.state,
    failure_kind = excluded.failure_kind,
    reason = excluded.reason,
    warnings = excluded.warnings,
    updated_at = excluded.updated_at`,
		r.TicketID, r.RunID, r.State, r.FailureKind, r.Reason, r.Warnings, r.CreatedAt, r.UpdatedAt)
	return err
}

// Outcome is a row of the outcomes table. Payload is the JSON document.
type Outcome struct {
	TicketID   string
	RunID      string
	Strategy   string
	Hint       string
	Confidence float64
	FixRef     string
	Payload    string
	CreatedAt  int64
}

// InsertOutcome fails with a constraint error when the run already has one.
func (q *Queries) InsertOutcome(ctx context.Context, o Outcome) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO outcomes (ticket_id, run_id, strategy, hint, confidence, fix_ref, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.TicketID, o.RunID, o.Strategy, o.Hint, o.Confidence, o.FixRef, o.Payload, o.CreatedAt)
	return err
}

func (q *Queries) GetOutcome(ctx context.Context, ticketID, runID string) (Outcome, error) {
	var o Outcome
	err := q.db.QueryRowContext(ctx, `
SELECT ticket_id, run_id, strategy, hint, confidence, fix_ref, payload, created_at
FROM outcomes WHERE ticket_id = ? AND run_id = ?`, ticketID, runID).
		Scan(&o.TicketID, &o.RunID, &o.Strategy, &o.Hint, &o.Confidence, &o.FixRef, &o.Payload, &o.CreatedAt)
	return o, err
}

// InsertMarker is a no-op when the marker already exists.
func (q *Queries) InsertMarker(ctx context.Context, ticketID, runID, marker string, createdAt int64) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO report_markers (ticket_id, run_id, marker, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (ticket_id, run_id) DO NOTHING`, ticketID, runID, marker, createdAt)
	return err
}

func (q *Queries) GetMarker(ctx context.Context, ticketID, runID string) (string, error) {
	var marker string
	err := q.db.QueryRowContext(ctx,
		`SELECT marker FROM report_markers WHERE ticket_id = ? AND run_id = ?`, ticketID, runID).Scan(&marker)
	return marker, err
}

// Proposal is a row of the fix_proposals table. Fix is NULL until the
// engine returned.
type Proposal struct {
	TicketID  string
	RunID     string
	Fix       sql.NullString
	CreatedAt int64
	UpdatedAt int64
}

// ClaimProposal inserts the proposal row and reports whether this call
// created it.
func (q *Queries) ClaimProposal(ctx context.Context, ticketID, runID string, createdAt int64) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
INSERT INTO fix_proposals (ticket_id, run_id, fix, created_at, updated_at)
VALUES (?, ?, NULL, ?, ?)
ON CONFLICT (ticket_id, run_id) DO NOTHING`, ticketID, runID, createdAt, createdAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *Queries) GetProposal(ctx context.Context, ticketID, runID string) (Proposal, error) {
	var p Proposal
	err := q.db.QueryRowContext(ctx, `
SELECT ticket_id, run_id, fix, created_at, updated_at
FROM fix_proposals WHERE ticket_id = ? AND run_id = ?`, ticketID, runID).
		Scan(&p.TicketID, &p.RunID, &p.Fix, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (q *Queries) SetProposalFix(ctx context.Context, ticketID, runID, fix string, updatedAt int64) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE fix_proposals SET fix = ?, updated_at = ? WHERE ticket_id = ? AND run_id = ?`,
		fix, updatedAt, ticketID, runID)
	return err
}
