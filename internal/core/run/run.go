// Package run defines the persisted state of a triage run and the store the
// pipeline keeps it in.
package run

import (
	"context"
	"errors"
	"time"

	"github.com/colonyops/triage/internal/core/outcome"
)

var (
	// ErrNotFound is returned when no run exists for the key.
	ErrNotFound = errors.New("run not found")
	// ErrOutcomeExists is returned when a second outcome is saved for a run.
	ErrOutcomeExists = errors.New("outcome already recorded for run")
)

// State is a step of the run state machine.
type State string

const (
	StateFetched      State = "fetched"
	StateClassified   State = "classified"
	StatePlanned      State = "planned"
	StateInvestigated State = "investigated"
	StateResolved     State = "resolved"
	StateReported     State = "reported"
	StateFailed       State = "failed"
)

var order = map[State]int{
	StateFetched:      1,
	StateClassified:   2,
	StatePlanned:      3,
	StateInvestigated: 4,
	StateResolved:     5,
	StateReported:     6,
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateReported || s == StateFailed
}

// CanTransition reports whether from → to is a legal move. Every
// non-terminal state may fail; otherwise states only advance by one.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	if from == "" {
		return to == StateFetched
	}
	return order[to] == order[from]+1
}

// Failure kinds recorded on failed runs.
const (
	FailureFetch    = "fetch"
	FailureModel    = "upstream_model"
	FailureInternal = "internal"
)

// Record is the persisted run row.
type Record struct {
	TicketID    string    `json:"ticket_id"`
	RunID       string    `json:"run_id"`
	State       State     `json:"state"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Stats summarizes every run in the store.
type Stats struct {
	Total      int `json:"total"`
	Reported   int `json:"reported"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
	// AvgDuration is the mean time from fetch to a terminal state.
	AvgDuration    time.Duration `json:"avg_duration_ns"`
	UniqueTickets  int           `json:"unique_tickets"`
	TicketsWithFix int           `json:"tickets_with_fix"`
}

// Store persists run state, outcomes and report markers. Resolve and
// MarkReporting are the two durable points the pipeline resumes from.
type Store interface {
	Get(ctx context.Context, ticketID, runID string) (Record, error)
	List(ctx context.Context, ticketID string) ([]Record, error)
	// Save upserts the record.
	Save(ctx context.Context, rec Record) error
	// Resolve stores the outcome and moves the run to resolved in one
	// transaction. A second outcome for the run returns ErrOutcomeExists.
	Resolve(ctx context.Context, rec Record, o outcome.Outcome) error
	Outcome(ctx context.Context, ticketID, runID string) (outcome.Outcome, error)
	// MarkReporting records that the ticket update is about to be written.
	MarkReporting(ctx context.Context, ticketID, runID, marker string) error
	// Marker returns the marker written by MarkReporting, if any.
	Marker(ctx context.Context, ticketID, runID string) (string, bool, error)
}
