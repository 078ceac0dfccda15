// Package outcome defines the resolution strategy ladder and the audited
// result of a triage run.
package outcome

import (
	"strings"
	"time"

	"github.com/colonyops/triage/internal/core/ticket"
)

// Strategy is how a ticket is resolved. Strategies are ordered:
// customer_response < human_guidance < auto_fix.
type Strategy string

const (
	StrategyCustomerResponse Strategy = "customer_response"
	StrategyHumanGuidance    Strategy = "human_guidance"
	StrategyAutoFix          Strategy = "auto_fix"
)

var ranks = map[Strategy]int{
	StrategyCustomerResponse: 0,
	StrategyHumanGuidance:    1,
	StrategyAutoFix:          2,
}

// Strategies returns all strategies from lowest to highest.
func Strategies() []Strategy {
	return []Strategy{StrategyCustomerResponse, StrategyHumanGuidance, StrategyAutoFix}
}

// ParseStrategy normalizes s and reports whether it names a strategy.
func ParseStrategy(s string) (Strategy, bool) {
	st := Strategy(strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(s))))
	_, ok := ranks[st]
	return st, ok
}

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	_, ok := ranks[s]
	return ok
}

// Rank returns the position of s on the ladder, or -1 if unknown.
func (s Strategy) Rank() int {
	if r, ok := ranks[s]; ok {
		return r
	}
	return -1
}

// Min returns the lower of two strategies. Unknown strategies rank lowest.
func Min(a, b Strategy) Strategy {
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}

// Label is the tracker label applied for the strategy.
func (s Strategy) Label() string {
	return strings.ReplaceAll(string(s), "_", "-")
}

// StepSummary records how one investigation step ended.
type StepSummary struct {
	StepID string `json:"step_id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
}

// Outcome is the single audited result of a run.
type Outcome struct {
	TicketID   string        `json:"ticket_id"`
	RunID      string        `json:"run_id"`
	Strategy   Strategy      `json:"strategy"`
	Hint       Strategy      `json:"hint"`
	Confidence float64       `json:"confidence"`
	Findings   string        `json:"findings"`
	FixRef     string        `json:"fix_ref,omitempty"`
	Reasons    []string      `json:"reasons,omitempty"`
	Evidence   []StepSummary `json:"evidence"`
	Update     ticket.Update `json:"update"`
	CreatedAt  time.Time     `json:"created_at"`
}
