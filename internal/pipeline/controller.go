// Package pipeline sequences a triage run: fetch, classify, plan,
// investigate, resolve and report. Each run is driven through a persisted
// state machine so that re-invoking a run id never repeats the ticket
// update.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/colonyops/triage/internal/core/evidence"
	"github.com/colonyops/triage/internal/core/issue"
	"github.com/colonyops/triage/internal/core/logging"
	"github.com/colonyops/triage/internal/core/outcome"
	"github.com/colonyops/triage/internal/core/plan"
	"github.com/colonyops/triage/internal/core/run"
	"github.com/colonyops/triage/internal/core/ticket"
	"github.com/colonyops/triage/internal/decide"
)

// Classifier produces the issue record for a ticket.
type Classifier interface {
	Classify(ctx context.Context, t ticket.Ticket) (issue.Record, error)
}

// Planner drafts an untrusted investigation plan.
type Planner interface {
	Plan(ctx context.Context, t ticket.Ticket, rec issue.Record) (plan.Draft, error)
}

// Validator bounds a draft into an executable plan.
type Validator interface {
	Validate(d plan.Draft, rec issue.Record) plan.Plan
}

// Investigator executes a validated plan.
type Investigator interface {
	Run(ctx context.Context, p *plan.Plan) (*evidence.Bundle, error)
}

// Decider produces the run's outcome.
type Decider interface {
	Decide(ctx context.Context, in decide.Input) (outcome.Outcome, error)
}

// Observer receives run-level measurements. metrics.Metrics implements it.
type Observer interface {
	Transition(state string)
	RunFinished(state string, elapsed time.Duration)
	Decision(hint, strategy string, confidence float64)
	Update(result string)
	ModelCall(role string, err error, elapsed time.Duration)
}

// Timeouts bound each external call. Zero values use the defaults.
type Timeouts struct {
	Fetch    time.Duration
	Classify time.Duration
	Plan     time.Duration
	Resolve  time.Duration
	Report   time.Duration
}

// DefaultTimeouts returns the stock per-call timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Fetch:    30 * time.Second,
		Classify: 2 * time.Minute,
		Plan:     2 * time.Minute,
		Resolve:  20 * time.Minute,
		Report:   30 * time.Second,
	}
}

// Deps are the collaborators of a Controller. Observer and Dumper are
// optional.
type Deps struct {
	Source     ticket.Source
	Sink       ticket.Sink
	Store      run.Store
	Classifier Classifier
	Planner    Planner
	Validator  Validator
	Executor   Investigator
	Decider    Decider
	Observer   Observer
	Dumper     *Dumper
}

// Controller runs tickets through the pipeline. It keeps no state between
// runs; everything a run needs lives in its Run.
type Controller struct {
	deps     Deps
	timeouts Timeouts
	now      func() time.Time
	log      zerolog.Logger
}

// New creates a controller.
func New(deps Deps, timeouts Timeouts, log zerolog.Logger) (*Controller, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("pipeline: ticket source is required")
	case deps.Sink == nil:
		return nil, errors.New("pipeline: ticket sink is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: run store is required")
	case deps.Classifier == nil, deps.Planner == nil, deps.Validator == nil:
		return nil, errors.New("pipeline: classifier, planner and validator are required")
	case deps.Executor == nil || deps.Decider == nil:
		return nil, errors.New("pipeline: executor and decider are required")
	}

	def := DefaultTimeouts()
	if timeouts.Fetch <= 0 {
		timeouts.Fetch = def.Fetch
	}
	if timeouts.Classify <= 0 {
		timeouts.Classify = def.Classify
	}
	if timeouts.Plan <= 0 {
		timeouts.Plan = def.Plan
	}
	if timeouts.Resolve <= 0 {
		timeouts.Resolve = def.Resolve
	}
	if timeouts.Report <= 0 {
		timeouts.Report = def.Report
	}

	return &Controller{deps: deps, timeouts: timeouts, now: time.Now, log: log}, nil
}

// Run is the per-run context carried through the state machine.
type Run struct {
	Record   run.Record
	Ticket   ticket.Ticket
	Issue    issue.Record
	Plan     plan.Plan
	Evidence evidence.Snapshot
	Outcome  *outcome.Outcome

	started time.Time
}

// Result describes how a Process call ended.
type Result struct {
	TicketID string           `json:"ticket_id"`
	RunID    string           `json:"run_id"`
	State    run.State        `json:"state"`
	Outcome  *outcome.Outcome `json:"outcome,omitempty"`
	// AlreadyReported is set when the run was reported by an earlier
	// invocation and nothing was done.
	AlreadyReported bool `json:"already_reported,omitempty"`
	// Resumed is set when the run continued from a stored outcome.
	Resumed bool `json:"resumed,omitempty"`
	// Posted is set when this invocation wrote the ticket update.
	Posted bool `json:"posted,omitempty"`
}

// Process drives one run of one ticket to reported or failed. Calling it
// again with the same ids is safe: a reported run is a no-op, a resolved
// run resumes at reporting and an unfinished run restarts from fetch.
func (c *Controller) Process(ctx context.Context, ticketID, runID string) (*Result, error) {
	if ticketID == "" || runID == "" {
		return nil, errors.New("pipeline: ticket id and run id are required")
	}
	ctx = logging.WithRunID(logging.WithTicketID(ctx, ticketID), runID)

	r := &Run{
		Record:  run.Record{TicketID: ticketID, RunID: runID},
		started: c.now(),
	}

	existing, err := c.deps.Store.Get(ctx, ticketID, runID)
	switch {
	case errors.Is(err, run.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load run: %w", err)
	default:
		r.Record.CreatedAt = existing.CreatedAt
		r.Record.Warnings = existing.Warnings

		switch existing.State {
		case run.StateReported:
			c.log.Warn().Ctx(ctx).Err(ErrAlreadyReported).Msg("run already reported, skipping")
			res := c.result(r)
			res.State = run.StateReported
			res.AlreadyReported = true
			if o, err := c.deps.Store.Outcome(ctx, ticketID, runID); err == nil {
				res.Outcome = &o
			}
			return res, nil

		case run.StateFailed:
			return &Result{TicketID: ticketID, RunID: runID, State: run.StateFailed},
				fmt.Errorf("%w (%s): %s", ErrRunFailed, existing.FailureKind, existing.Reason)

		case run.StateResolved:
			o, err := c.deps.Store.Outcome(ctx, ticketID, runID)
			if err != nil {
				return nil, fmt.Errorf("load outcome: %w", err)
			}
			r.Record.State = run.StateResolved
			r.Outcome = &o
			c.log.Info().Ctx(ctx).Msg("resuming run at reporting")

			res, err := c.report(ctx, r)
			if res != nil {
				res.Resumed = true
			}
			return res, err

		default:
			// the only earlier side effect is a fix proposal, which the
			// engine's ledger replays instead of repeating
			c.log.Info().Ctx(ctx).Str("state", string(existing.State)).Msg("restarting unfinished run from fetch")
		}
	}

	if err := c.investigate(ctx, r); err != nil {
		return c.result(r), err
	}
	return c.report(ctx, r)
}

// ProcessAll processes tickets one after another with the same run id.
// Failures do not stop later tickets; the joined error covers them all.
func (c *Controller) ProcessAll(ctx context.Context, ticketIDs []string, runID string) ([]*Result, error) {
	results := make([]*Result, 0, len(ticketIDs))
	var errs []error
	for _, id := range ticketIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := c.Process(ctx, id, runID)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return results, errors.Join(errs...)
}

// investigate runs every stage up to and including resolved.
func (c *Controller) investigate(ctx context.Context, r *Run) error {
	id := r.Record.TicketID

	fctx, cancel := context.WithTimeout(ctx, c.timeouts.Fetch)
	t, err := c.deps.Source.Fetch(fctx, id)
	cancel()
	if err != nil {
		return c.fail(ctx, r, run.FailureFetch, fmt.Errorf("fetch ticket: %w", err))
	}
	r.Ticket = t.Clone()
	if err := c.advance(ctx, r, run.StateFetched); err != nil {
		return err
	}
	c.dump(ctx, r, "ticket", r.Ticket)

	cctx, cancel := context.WithTimeout(ctx, c.timeouts.Classify)
	start := c.now()
	rec, err := c.deps.Classifier.Classify(cctx, r.Ticket)
	cancel()
	c.modelCall("classifier", err, start)
	if err != nil {
		return c.fail(ctx, r, run.FailureModel, &UpstreamModelError{Stage: "classify", Err: err})
	}
	if rec.TicketID == "" {
		rec.TicketID = id
	}
	r.Issue = rec
	if err := c.advance(ctx, r, run.StateClassified); err != nil {
		return err
	}
	c.dump(ctx, r, "issue", r.Issue)

	pctx, cancel := context.WithTimeout(ctx, c.timeouts.Plan)
	start = c.now()
	draft, err := c.deps.Planner.Plan(pctx, r.Ticket, r.Issue)
	cancel()
	c.modelCall("planner", err, start)
	if err != nil {
		return c.fail(ctx, r, run.FailureModel, &UpstreamModelError{Stage: "plan", Err: err})
	}
	r.Plan = c.deps.Validator.Validate(draft, r.Issue)
	r.Record.Warnings = nil
	for _, w := range r.Plan.Warnings {
		c.log.Warn().Ctx(ctx).Int("step", w.Step).Str("field", w.Field).Msg(w.Reason)
		r.Record.Warnings = append(r.Record.Warnings, w.Error())
	}
	if err := c.advance(ctx, r, run.StatePlanned); err != nil {
		return err
	}
	c.dump(ctx, r, "plan", r.Plan)

	bundle, err := c.deps.Executor.Run(ctx, &r.Plan)
	if err != nil {
		return c.fail(ctx, r, run.FailureInternal, fmt.Errorf("execute plan: %w", err))
	}
	r.Evidence = bundle.Freeze()
	if err := c.advance(ctx, r, run.StateInvestigated); err != nil {
		return err
	}
	c.dump(ctx, r, "evidence", r.Evidence)

	dctx, cancel := context.WithTimeout(ctx, c.timeouts.Resolve)
	o, err := c.deps.Decider.Decide(dctx, decide.Input{
		RunID:    r.Record.RunID,
		Ticket:   r.Ticket,
		Issue:    r.Issue,
		Plan:     r.Plan,
		Evidence: r.Evidence,
	})
	cancel()
	if err != nil {
		if errors.Is(err, decide.ErrEngine) {
			return c.fail(ctx, r, run.FailureModel, &UpstreamModelError{Stage: "resolve", Err: err})
		}
		return c.fail(ctx, r, run.FailureInternal, fmt.Errorf("decide: %w", err))
	}
	if c.deps.Observer != nil {
		c.deps.Observer.Decision(string(o.Hint), string(o.Strategy), o.Confidence)
	}

	if !run.CanTransition(r.Record.State, run.StateResolved) {
		return fmt.Errorf("pipeline: illegal transition %s -> %s", r.Record.State, run.StateResolved)
	}
	resolved := r.Record
	resolved.State = run.StateResolved
	resolved.UpdatedAt = c.now()
	err = c.deps.Store.Resolve(ctx, resolved, o)
	switch {
	case errors.Is(err, run.ErrOutcomeExists):
		// a concurrent invocation won; report its outcome instead
		stored, gerr := c.deps.Store.Outcome(ctx, r.Record.TicketID, r.Record.RunID)
		if gerr != nil {
			return fmt.Errorf("load existing outcome: %w", gerr)
		}
		o = stored
		c.log.Warn().Ctx(ctx).Msg("outcome already recorded for run, using stored outcome")
	case err != nil:
		return fmt.Errorf("persist outcome: %w", err)
	}
	r.Record = resolved
	r.Outcome = &o
	c.observeTransition(ctx, run.StateResolved)
	c.dump(ctx, r, "outcome", o)
	return nil
}

// report writes the ticket update at most once per run.
func (c *Controller) report(ctx context.Context, r *Run) (*Result, error) {
	id, runID := r.Record.TicketID, r.Record.RunID
	res := c.result(r)

	_, marked, err := c.deps.Store.Marker(ctx, id, runID)
	if err != nil {
		return res, err
	}

	if marked {
		// an earlier invocation got as far as the write; ask the tracker
		verifier, ok := c.deps.Sink.(ticket.UpdateVerifier)
		if !ok {
			c.observeUpdate("skipped")
			return res, fmt.Errorf("%w: sink does not support verification", ErrUnverified)
		}

		vctx, cancel := context.WithTimeout(ctx, c.timeouts.Report)
		posted, err := verifier.HasUpdate(vctx, id, r.Outcome.Update.Marker)
		cancel()
		if err != nil {
			c.observeUpdate("skipped")
			return res, fmt.Errorf("%w: %w", ErrUnverified, err)
		}
		if posted {
			c.log.Info().Ctx(ctx).Msg("ticket update found on tracker, marking reported")
			c.observeUpdate("verified")
			return c.markReported(ctx, r, res, false)
		}
	} else if err := c.deps.Store.MarkReporting(ctx, id, runID, r.Outcome.Update.Marker); err != nil {
		return res, err
	}

	pctx, cancel := context.WithTimeout(ctx, c.timeouts.Report)
	err = c.deps.Sink.Post(pctx, id, r.Outcome.Update)
	cancel()
	if err != nil {
		c.observeUpdate("error")
		c.log.Error().Ctx(ctx).Err(err).Msg("failed to post ticket update, run stays resolved")
		return res, fmt.Errorf("post update: %w", err)
	}
	c.observeUpdate("posted")
	return c.markReported(ctx, r, res, true)
}

func (c *Controller) markReported(ctx context.Context, r *Run, res *Result, posted bool) (*Result, error) {
	if err := c.advance(ctx, r, run.StateReported); err != nil {
		return res, err
	}
	res.State = run.StateReported
	res.Posted = posted
	if c.deps.Observer != nil {
		c.deps.Observer.RunFinished(string(run.StateReported), c.now().Sub(r.started))
	}
	c.log.Info().Ctx(ctx).
		Str("strategy", string(r.Outcome.Strategy)).
		Bool("posted", posted).
		Msg("run reported")
	return res, nil
}

// advance persists a legal transition.
func (c *Controller) advance(ctx context.Context, r *Run, to run.State) error {
	if !run.CanTransition(r.Record.State, to) {
		return fmt.Errorf("pipeline: illegal transition %s -> %s", r.Record.State, to)
	}

	rec := r.Record
	rec.State = to
	rec.UpdatedAt = c.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	if err := c.deps.Store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save run state %s: %w", to, err)
	}
	r.Record = rec
	c.observeTransition(ctx, to)
	return nil
}

// fail moves the run to failed and returns cause.
func (c *Controller) fail(ctx context.Context, r *Run, kind string, cause error) error {
	c.log.Error().Ctx(ctx).Err(cause).Str("failure", kind).Str("from", string(r.Record.State)).Msg("run failed")

	rec := r.Record
	rec.State = run.StateFailed
	rec.FailureKind = kind
	rec.Reason = cause.Error()
	rec.UpdatedAt = c.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	if err := c.deps.Store.Save(ctx, rec); err != nil {
		c.log.Error().Ctx(ctx).Err(err).Msg("failed to record run failure")
		return errors.Join(cause, err)
	}
	r.Record = rec
	c.observeTransition(ctx, run.StateFailed)
	if c.deps.Observer != nil {
		c.deps.Observer.RunFinished(string(run.StateFailed), c.now().Sub(r.started))
	}
	return cause
}

func (c *Controller) result(r *Run) *Result {
	return &Result{
		TicketID: r.Record.TicketID,
		RunID:    r.Record.RunID,
		State:    r.Record.State,
		Outcome:  r.Outcome,
	}
}

func (c *Controller) observeTransition(ctx context.Context, to run.State) {
	c.log.Info().Ctx(ctx).Str("state", string(to)).Msg("run transition")
	if c.deps.Observer != nil {
		c.deps.Observer.Transition(string(to))
	}
}

func (c *Controller) observeUpdate(result string) {
	if c.deps.Observer != nil {
		c.deps.Observer.Update(result)
	}
}

func (c *Controller) modelCall(role string, err error, start time.Time) {
	if c.deps.Observer != nil {
		c.deps.Observer.ModelCall(role, err, c.now().Sub(start))
	}
}

func (c *Controller) dump(ctx context.Context, r *Run, name string, v any) {
	if err := c.deps.Dumper.Write(r.Record.TicketID, r.Record.RunID, name, v); err != nil {
		c.log.Warn().Ctx(ctx).Err(err).Str("artifact", name).Msg("failed to write run artifact")
	}
}
