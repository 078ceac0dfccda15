package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyReported marks a re-invocation of a reported run. It is
	// surfaced through Result.AlreadyReported, never returned.
	ErrAlreadyReported = errors.New("run already reported")
	// ErrRunFailed is returned when a run id that already failed is
	// processed again. Retrying needs a new run id.
	ErrRunFailed = errors.New("run previously failed")
	// ErrUnverified is returned when a report may or may not have been
	// written and the sink cannot confirm which. Nothing is posted.
	ErrUnverified = errors.New("cannot verify earlier ticket update")
)

// UpstreamModelError wraps a classifier, planner or resolution engine
// failure. The run fails without posting an update.
type UpstreamModelError struct {
	Stage string
	Err   error
}

func (e *UpstreamModelError) Error() string {
	return fmt.Sprintf("upstream model failed during %s: %v", e.Stage, e.Err)
}

func (e *UpstreamModelError) Unwrap() error { return e.Err }
