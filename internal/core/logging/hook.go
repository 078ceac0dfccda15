package logging

import (
	"context"

	"github.com/rs/zerolog"
)

// ContextHook extracts ticket_id, run_id and step_id from context and adds them to log events.
type ContextHook struct{}

// Run adds contextual fields to the zerolog event.
func (h ContextHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == context.Background() || ctx == nil {
		return
	}

	if ticketID := GetTicketID(ctx); ticketID != "" {
		e.Str("ticket_id", ticketID)
	}

	if runID := GetRunID(ctx); runID != "" {
		e.Str("run_id", runID)
	}

	if stepID := GetStepID(ctx); stepID != "" {
		e.Str("step_id", stepID)
	}
}
