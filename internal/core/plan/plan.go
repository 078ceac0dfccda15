// Package plan defines the investigation Action Plan and the validator that
// turns an untrusted planner draft into a bounded, allow-listed plan.
package plan

import (
	"fmt"
	"sort"
	"time"

	"github.com/colonyops/triage/internal/core/outcome"
)

// Kind names the collector a step runs against.
type Kind string

const (
	KindLogSearch       Kind = "log_search"
	KindStructuredQuery Kind = "structured_query"
	KindCodeSearch      Kind = "code_search"
)

// Kinds returns every step kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindLogSearch, KindStructuredQuery, KindCodeSearch}
}

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindLogSearch, KindStructuredQuery, KindCodeSearch:
		return true
	}
	return false
}

// Window is a closed time range.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Span returns the duration covered by the window.
func (w Window) Span() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// QueryRef names a registered structured query and its arguments.
type QueryRef struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Invalid codes carried by steps the validator could not repair. The values
// match the collector error codes recorded on skipped evidence.
const (
	InvalidQuery   = "invalid_query"
	InvalidRequest = "invalid_request"
)

// Invalid explains why a step must not reach a collector.
type Invalid struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Step is one validated unit of investigation.
type Step struct {
	ID        string   `json:"id"`
	Index     int      `json:"index"`
	Kind      Kind     `json:"kind"`
	Priority  int      `json:"priority"`
	Required  bool     `json:"required"`
	Window    Window   `json:"window"`
	Terms     []string `json:"terms,omitempty"`
	Query     QueryRef `json:"query,omitempty"`
	PathHints []string `json:"path_hints,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
	Invalid   *Invalid `json:"invalid,omitempty"`
}

// Plan is the validated, ordered investigation for one run.
type Plan struct {
	Hint     outcome.Strategy  `json:"hint"`
	Steps    []Step            `json:"steps"`
	Warnings []ValidationError `json:"warnings,omitempty"`
}

// Ordered returns the steps sorted by priority, ties broken by declaration
// order. The plan itself is not modified.
func (p Plan) Ordered() []Step {
	out := append([]Step(nil), p.Steps...)
	SortSteps(out)
	return out
}

// SortSteps orders steps by (priority, index).
func SortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Priority != steps[j].Priority {
			return steps[i].Priority < steps[j].Priority
		}
		return steps[i].Index < steps[j].Index
	})
}

// Step returns the step with the given ID.
func (p Plan) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// ValidationError records a repair the validator made to the draft. The
// repaired plan is still usable; these are surfaced as warnings.
type ValidationError struct {
	Step   int    `json:"step"` // draft index, -1 for plan-level issues
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	if e.Step < 0 {
		return fmt.Sprintf("plan %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("step %d %s: %s", e.Step, e.Field, e.Reason)
}
