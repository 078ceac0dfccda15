package logging

import "context"

type contextKey string

const (
	ticketIDKey contextKey = "ticket_id"
	runIDKey    contextKey = "run_id"
	stepIDKey   contextKey = "step_id"
)

// WithTicketID adds a ticket ID to the context.
func WithTicketID(ctx context.Context, ticketID string) context.Context {
	return context.WithValue(ctx, ticketIDKey, ticketID)
}

// WithRunID adds a run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithStepID adds an action plan step ID to the context.
func WithStepID(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, stepIDKey, stepID)
}

// GetTicketID retrieves the ticket ID from the context.
// Returns empty string if not present.
func GetTicketID(ctx context.Context) string {
	if id, ok := ctx.Value(ticketIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRunID retrieves the run ID from the context.
// Returns empty string if not present.
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// GetStepID retrieves the step ID from the context.
func GetStepID(ctx context.Context) string {
	if id, ok := ctx.Value(stepIDKey).(string); ok {
		return id
	}
	return ""
}
