// Package decide turns an evidence snapshot into a resolution outcome. The
// plan's strategy hint is a ceiling: the decider only ever downgrades.
package decide

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/colonyops/triage/internal/core/evidence"
	"github.com/colonyops/triage/internal/core/issue"
	"github.com/colonyops/triage/internal/core/outcome"
	"github.com/colonyops/triage/internal/core/plan"
	"github.com/colonyops/triage/internal/core/ticket"
	"github.com/colonyops/triage/internal/resolve"
)

// ErrEngine wraps failures of the resolution engine. A run that hits it
// fails without posting an update.
var ErrEngine = errors.New("resolution engine failed")

// LabelAnalyzed and LabelFixProposed are always-on update labels.
const (
	LabelAnalyzed    = "automated-analysis"
	LabelFixProposed = "fix-proposed"
)

// MarkerPrefix starts the run marker embedded in every posted comment.
const MarkerPrefix = "triage-run:"

// Marker returns the idempotency marker for a run.
func Marker(runID string) string { return MarkerPrefix + runID }

// Config holds the decision thresholds.
type Config struct {
	AutoFixThreshold float64
	MinConfidence    float64
	PartialCredit    float64
	// Transitions maps a strategy to the tracker transition applied with the
	// update. Missing entries mean no transition.
	Transitions map[outcome.Strategy]string
}

// DefaultConfig returns the stock thresholds and transitions.
func DefaultConfig() Config {
	return Config{
		AutoFixThreshold: 0.8,
		MinConfidence:    0.3,
		PartialCredit:    0.5,
		Transitions: map[outcome.Strategy]string{
			outcome.StrategyAutoFix:          "In Review",
			outcome.StrategyHumanGuidance:    "In Progress",
			outcome.StrategyCustomerResponse: "Waiting for Customer",
		},
	}
}

// Summarizer optionally rewrites the deterministic findings into prose.
type Summarizer interface {
	Summarize(ctx context.Context, t ticket.Ticket, rec issue.Record, findings string) (string, error)
}

// Input is everything a decision reads. The snapshot is frozen.
type Input struct {
	RunID    string
	Ticket   ticket.Ticket
	Issue    issue.Record
	Plan     plan.Plan
	Evidence evidence.Snapshot
}

// Decider produces one outcome per run.
type Decider struct {
	cfg        Config
	engine     resolve.Engine
	summarizer Summarizer
	now        func() time.Time
	log        zerolog.Logger
}

// New creates a decider. engine and summarizer may be nil; without an engine
// auto_fix is downgraded to human_guidance.
func New(cfg Config, engine resolve.Engine, summarizer Summarizer, log zerolog.Logger) *Decider {
	def := DefaultConfig()
	if cfg.AutoFixThreshold <= 0 || cfg.AutoFixThreshold > 1 {
		cfg.AutoFixThreshold = def.AutoFixThreshold
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > cfg.AutoFixThreshold {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.PartialCredit < 0 || cfg.PartialCredit > 1 {
		cfg.PartialCredit = def.PartialCredit
	}
	if cfg.Transitions == nil {
		cfg.Transitions = def.Transitions
	}
	return &Decider{cfg: cfg, engine: engine, summarizer: summarizer, now: time.Now, log: log}
}

// Assessment is the evidence score behind a decision.
type Assessment struct {
	Confidence     float64
	Required       int
	RequiredOK     int
	RequiredFailed int
	// Missing counts required steps that did not end ok.
	Missing int
}

// Assess scores the evidence against the plan's required steps. When the
// plan marks nothing required every step counts.
func Assess(p plan.Plan, snap evidence.Snapshot, partialCredit, autoFixThreshold float64) Assessment {
	required := make([]plan.Step, 0, len(p.Steps))
	for _, s := range p.Steps {
		if s.Required {
			required = append(required, s)
		}
	}
	if len(required) == 0 {
		required = p.Steps
	}

	a := Assessment{Required: len(required)}
	if a.Required == 0 {
		return a
	}

	credit := 0.0
	for _, s := range required {
		it, ok := snap.Get(s.ID)
		switch {
		case ok && it.Status == evidence.StatusOK:
			credit++
			a.RequiredOK++
			continue
		case ok && it.Status == evidence.StatusPartial:
			credit += partialCredit
		case ok && it.Status == evidence.StatusFailed:
			a.RequiredFailed++
		}
		a.Missing++
	}

	a.Confidence = credit / float64(a.Required)
	if a.Missing > 0 && a.Confidence >= autoFixThreshold {
		a.Confidence = autoFixThreshold - 0.01
	}
	a.Confidence = math.Round(a.Confidence*1000) / 1000
	return a
}

// Choose applies the downgrade ladder to hint. The result is never above
// hint; reasons explain every step down.
func Choose(hint outcome.Strategy, category issue.Category, a Assessment, cfg Config) (outcome.Strategy, []string) {
	if !hint.IsValid() {
		hint = outcome.StrategyHumanGuidance
	}
	s := hint
	var reasons []string
	lower := func(to outcome.Strategy, why string) {
		if to.Rank() < s.Rank() {
			s = to
			reasons = append(reasons, why)
		}
	}

	if a.RequiredFailed > 0 {
		lower(outcome.StrategyHumanGuidance, fmt.Sprintf("%d required step(s) failed", a.RequiredFailed))
	}
	if a.Confidence < cfg.AutoFixThreshold {
		lower(outcome.StrategyHumanGuidance, fmt.Sprintf("confidence %.2f below auto-fix threshold %.2f", a.Confidence, cfg.AutoFixThreshold))
	}
	if a.Confidence < cfg.MinConfidence {
		lower(outcome.StrategyCustomerResponse, fmt.Sprintf("confidence %.2f below minimum %.2f", a.Confidence, cfg.MinConfidence))
	}
	if category == issue.CategoryUnknown {
		lower(outcome.StrategyCustomerResponse, "issue category is unknown")
	}
	return s, reasons
}

// Decide produces the outcome for a run. Only an auto_fix decision reaches
// the resolution engine; an engine error is returned wrapped in ErrEngine.
// An interrupted earlier proposal downgrades to human_guidance.
func (d *Decider) Decide(ctx context.Context, in Input) (outcome.Outcome, error) {
	a := Assess(in.Plan, in.Evidence, d.cfg.PartialCredit, d.cfg.AutoFixThreshold)
	strategy, reasons := Choose(in.Plan.Hint, in.Issue.Category, a, d.cfg)

	if strategy == outcome.StrategyAutoFix && d.engine == nil {
		strategy = outcome.StrategyHumanGuidance
		reasons = append(reasons, "no resolution engine configured")
	}

	findings, err := RenderFindings(in, a)
	if err != nil {
		return outcome.Outcome{}, fmt.Errorf("render findings: %w", err)
	}
	if d.summarizer != nil {
		text, err := d.summarizer.Summarize(ctx, in.Ticket, in.Issue, findings)
		switch {
		case err != nil:
			d.log.Warn().Ctx(ctx).Err(err).Msg("summarizer failed, using deterministic findings")
		case strings.TrimSpace(text) != "":
			findings = strings.TrimSpace(text)
		}
	}

	var fix resolve.Fix
	if strategy == outcome.StrategyAutoFix {
		fix, err = d.engine.ProposeFix(ctx, resolve.Request{
			RunID:    in.RunID,
			Ticket:   in.Ticket,
			Issue:    in.Issue,
			Findings: findings,
		})
		switch {
		case errors.Is(err, resolve.ErrProposalInterrupted):
			fix = resolve.Fix{}
			strategy = outcome.StrategyHumanGuidance
			reasons = append(reasons, "an earlier fix proposal for this run was interrupted")
		case err != nil:
			return outcome.Outcome{}, fmt.Errorf("%w: %w", ErrEngine, err)
		case fix.Ref == "":
			strategy = outcome.StrategyHumanGuidance
			reasons = append(reasons, "resolution engine proposed no fix")
		}
	}

	resolution, err := RenderResolution(strategy, reasons)
	if err != nil {
		return outcome.Outcome{}, fmt.Errorf("render resolution: %w", err)
	}
	findings += "\n\n" + resolution

	out := outcome.Outcome{
		TicketID:   in.Ticket.ID,
		RunID:      in.RunID,
		Strategy:   strategy,
		Hint:       in.Plan.Hint,
		Confidence: a.Confidence,
		Findings:   findings,
		FixRef:     fix.Ref,
		Reasons:    reasons,
		Evidence:   summarizeSteps(in.Evidence),
		CreatedAt:  d.now().UTC(),
	}
	out.Update = d.update(out, fix)

	d.log.Info().Ctx(ctx).
		Str("hint", string(in.Plan.Hint)).
		Str("strategy", string(strategy)).
		Float64("confidence", a.Confidence).
		Strs("reasons", reasons).
		Msg("resolution decided")
	return out, nil
}

func (d *Decider) update(o outcome.Outcome, fix resolve.Fix) ticket.Update {
	labels := []string{LabelAnalyzed, o.Strategy.Label()}
	if o.FixRef != "" {
		labels = append(labels, LabelFixProposed)
	}

	comment := o.Findings
	if o.FixRef != "" {
		comment += "\n\nProposed fix: " + o.FixRef
		if fix.Analysis != "" {
			comment += "\n\n" + fix.Analysis
		}
	}
	comment += "\n\n" + Marker(o.RunID)

	return ticket.Update{
		Marker:     Marker(o.RunID),
		Comment:    comment,
		Labels:     labels,
		Transition: d.cfg.Transitions[o.Strategy],
	}
}

func summarizeSteps(snap evidence.Snapshot) []outcome.StepSummary {
	items := snap.Items()
	out := make([]outcome.StepSummary, 0, len(items))
	for _, it := range items {
		out = append(out, outcome.StepSummary{
			StepID: it.StepID,
			Kind:   string(it.Kind),
			Status: string(it.Status),
			Code:   it.Code(),
		})
	}
	return out
}
