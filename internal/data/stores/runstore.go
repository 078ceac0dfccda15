// Package stores implements the sqlite-backed run store.
package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/colonyops/triage/internal/core/outcome"
	"github.com/colonyops/triage/internal/core/run"
	"github.com/colonyops/triage/internal/data/db"
	"github.com/colonyops/triage/internal/resolve"
)

// Writes that the pipeline resumes from are retried while another process
// holds the database lock.
const (
	busyAttempts = 4
	busyBackoff  = 25 * time.Millisecond
)

// RunStore implements run.Store using SQLite.
type RunStore struct {
	db  *db.DB
	now func() time.Time
}

var (
	_ run.Store      = (*RunStore)(nil)
	_ resolve.Ledger = (*RunStore)(nil)
)

// NewRunStore creates a new SQLite-backed run store.
func NewRunStore(db *db.DB) *RunStore {
	return &RunStore{db: db, now: time.Now}
}

// Get returns a run. Returns run.ErrNotFound if not found.
func (s *RunStore) Get(ctx context.Context, ticketID, runID string) (run.Record, error) {
	row, err := s.db.Queries().GetRun(ctx, ticketID, runID)
	if IsNotFoundError(err) {
		return run.Record{}, run.ErrNotFound
	}
	if err != nil {
		return run.Record{}, fmt.Errorf("failed to get run: %w", err)
	}
	return rowToRecord(row)
}

// List returns every run of a ticket, oldest first.
func (s *RunStore) List(ctx context.Context, ticketID string) ([]run.Record, error) {
	rows, err := s.db.Queries().ListRuns(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]run.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := rowToRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListRecent returns up to limit runs across all tickets, newest first.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]run.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Queries().ListRecentRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent runs: %w", err)
	}

	out := make([]run.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := rowToRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Stats aggregates run states, durations and fixed tickets.
func (s *RunStore) Stats(ctx context.Context) (run.Stats, error) {
	row, err := s.db.Queries().GetRunStats(ctx)
	if err != nil {
		return run.Stats{}, fmt.Errorf("failed to compute run stats: %w", err)
	}

	st := run.Stats{
		Total:          int(row.Total),
		Reported:       int(row.Reported),
		Failed:         int(row.Failed),
		UniqueTickets:  int(row.UniqueTickets),
		TicketsWithFix: int(row.TicketsWithFix),
	}
	st.InProgress = st.Total - st.Reported - st.Failed
	if row.AvgDuration.Valid {
		st.AvgDuration = time.Duration(row.AvgDuration.Float64)
	}
	return st, nil
}

// Save creates or updates a run.
func (s *RunStore) Save(ctx context.Context, rec run.Record) error {
	row, err := s.recordToRow(rec)
	if err != nil {
		return err
	}
	err = s.retry(ctx, func() error { return s.db.Queries().SaveRun(ctx, row) })
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// Resolve inserts the outcome and saves rec in one transaction.
func (s *RunStore) Resolve(ctx context.Context, rec run.Record, o outcome.Outcome) error {
	row, err := s.recordToRow(rec)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	return s.db.WithTx(ctx, func(q *db.Queries) error {
		err := q.InsertOutcome(ctx, db.Outcome{
			TicketID:   o.TicketID,
			RunID:      o.RunID,
			Strategy:   string(o.Strategy),
			Hint:       string(o.Hint),
			Confidence: o.Confidence,
			FixRef:     o.FixRef,
			Payload:    string(payload),
			CreatedAt:  createdAt.UnixNano(),
		})
		if IsConstraintError(err) {
			return run.ErrOutcomeExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert outcome: %w", err)
		}

		if err := q.SaveRun(ctx, row); err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}
		return nil
	})
}

// Outcome returns the stored outcome of a run. Returns run.ErrNotFound if
// the run has none.
func (s *RunStore) Outcome(ctx context.Context, ticketID, runID string) (outcome.Outcome, error) {
	row, err := s.db.Queries().GetOutcome(ctx, ticketID, runID)
	if IsNotFoundError(err) {
		return outcome.Outcome{}, run.ErrNotFound
	}
	if err != nil {
		return outcome.Outcome{}, fmt.Errorf("failed to get outcome: %w", err)
	}

	var o outcome.Outcome
	if err := json.Unmarshal([]byte(row.Payload), &o); err != nil {
		return outcome.Outcome{}, fmt.Errorf("failed to unmarshal outcome: %w", err)
	}
	return o, nil
}

// MarkReporting records the report marker. Repeated calls keep the first.
func (s *RunStore) MarkReporting(ctx context.Context, ticketID, runID, marker string) error {
	err := s.retry(ctx, func() error {
		return s.db.Queries().InsertMarker(ctx, ticketID, runID, marker, s.now().UnixNano())
	})
	if err != nil {
		return fmt.Errorf("failed to write report marker: %w", err)
	}
	return nil
}

// Marker returns the report marker of a run.
func (s *RunStore) Marker(ctx context.Context, ticketID, runID string) (string, bool, error) {
	marker, err := s.db.Queries().GetMarker(ctx, ticketID, runID)
	if IsNotFoundError(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read report marker: %w", err)
	}
	return marker, true, nil
}

// ClaimProposal records that a fix proposal is starting for the run. When
// one was already claimed it returns the stored fix, nil if none was saved.
func (s *RunStore) ClaimProposal(ctx context.Context, ticketID, runID string) (*resolve.Fix, bool, error) {
	var claimed bool
	err := s.retry(ctx, func() error {
		var err error
		claimed, err = s.db.Queries().ClaimProposal(ctx, ticketID, runID, s.now().UnixNano())
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim fix proposal: %w", err)
	}
	if claimed {
		return nil, true, nil
	}

	row, err := s.db.Queries().GetProposal(ctx, ticketID, runID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get fix proposal: %w", err)
	}
	if !row.Fix.Valid {
		return nil, false, nil
	}

	var fix resolve.Fix
	if err := json.Unmarshal([]byte(row.Fix.String), &fix); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal fix proposal: %w", err)
	}
	return &fix, false, nil
}

// SaveProposal stores the fix returned for a claimed proposal.
func (s *RunStore) SaveProposal(ctx context.Context, ticketID, runID string, fix resolve.Fix) error {
	data, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("failed to marshal fix proposal: %w", err)
	}
	err = s.retry(ctx, func() error {
		return s.db.Queries().SetProposalFix(ctx, ticketID, runID, string(data), s.now().UnixNano())
	})
	if err != nil {
		return fmt.Errorf("failed to save fix proposal: %w", err)
	}
	return nil
}

func (s *RunStore) retry(ctx context.Context, fn func() error) error {
	return retryOnBusy(ctx, busyAttempts, busyBackoff, IsBusyError, fn)
}

func (s *RunStore) recordToRow(rec run.Record) (db.Run, error) {
	var warnings sql.NullString
	if len(rec.Warnings) > 0 {
		data, err := json.Marshal(rec.Warnings)
		if err != nil {
			return db.Run{}, fmt.Errorf("failed to marshal warnings: %w", err)
		}
		warnings = sql.NullString{String: string(data), Valid: true}
	}

	now := s.now()
	created, updated := rec.CreatedAt, rec.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}

	return db.Run{
		TicketID:    rec.TicketID,
		RunID:       rec.RunID,
		State:       string(rec.State),
		FailureKind: rec.FailureKind,
		Reason:      rec.Reason,
		Warnings:    warnings,
		CreatedAt:   created.UnixNano(),
		UpdatedAt:   updated.UnixNano(),
	}, nil
}

func rowToRecord(row db.Run) (run.Record, error) {
	var warnings []string
	if row.Warnings.Valid {
		if err := json.Unmarshal([]byte(row.Warnings.String), &warnings); err != nil {
			return run.Record{}, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}

	return run.Record{
		TicketID:    row.TicketID,
		RunID:       row.RunID,
		State:       run.State(row.State),
		FailureKind: row.FailureKind,
		Reason:      row.Reason,
		Warnings:    warnings,
		CreatedAt:   time.Unix(0, row.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, row.UpdatedAt).UTC(),
	}, nil
}
