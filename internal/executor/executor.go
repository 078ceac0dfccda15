// Package executor runs a validated plan against the collectors and turns
// every step into exactly one evidence item.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/colonyops/triage/internal/collect"
	"github.com/colonyops/triage/internal/core/evidence"
	"github.com/colonyops/triage/internal/core/logging"
	"github.com/colonyops/triage/internal/core/plan"
)

// Config bounds a single plan execution.
type Config struct {
	// Concurrency is the number of lanes that may run at once.
	Concurrency int
	// StepTimeout applies to every collector invocation unless KindTimeouts
	// overrides it.
	StepTimeout  time.Duration
	KindTimeouts map[plan.Kind]time.Duration
	// Budget is the wall-clock limit after which no new step starts.
	Budget time.Duration
	Retry  RetryPolicy
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Concurrency: 3,
		StepTimeout: 60 * time.Second,
		Budget:      5 * time.Minute,
		Retry:       DefaultRetryPolicy(),
	}
}

// Observer receives one call per finished step.
type Observer interface {
	ObserveStep(kind plan.Kind, status evidence.Status, code string, attempts int, elapsed time.Duration)
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock replaces time.Now for budget accounting.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSleep replaces the retry backoff sleep.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithObserver reports step results, e.g. to metrics.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// Executor dispatches plan steps to collectors. It holds no per-run state
// and may be shared across runs.
type Executor struct {
	cfg        Config
	collectors map[plan.Kind]collect.Collector
	pool       *WorkerPool
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	observer   Observer
	log        zerolog.Logger
}

// New creates an executor with one collector per kind. A kind without a
// collector is allowed; its steps are skipped as unavailable.
func New(cfg Config, collectors []collect.Collector, log zerolog.Logger, opts ...Option) (*Executor, error) {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}

	byKind := make(map[plan.Kind]collect.Collector, len(collectors))
	for _, c := range collectors {
		if c == nil {
			continue
		}
		if _, dup := byKind[c.Kind()]; dup {
			return nil, fmt.Errorf("duplicate collector for kind %q", c.Kind())
		}
		byKind[c.Kind()] = c
	}

	e := &Executor{
		cfg:        cfg,
		collectors: byKind,
		pool:       NewWorkerPool(cfg.Concurrency),
		now:        time.Now,
		sleep:      sleepContext,
		log:        log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// run is the per-invocation state.
type run struct {
	bundle   *evidence.Bundle
	deadline time.Time
}

// Run executes p and returns a bundle holding one item per step. Collector
// failures become failed items; an error is returned only when the plan
// cannot be executed at all.
func (e *Executor) Run(ctx context.Context, p *plan.Plan) (*evidence.Bundle, error) {
	if p == nil {
		return nil, errors.New("executor: nil plan")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}

	r := &run{
		bundle:   evidence.NewBundle(*p),
		deadline: e.now().Add(e.cfg.Budget),
	}

	lanes := make(map[plan.Kind][]plan.Step)
	var kinds []plan.Kind
	for _, step := range p.Ordered() {
		if step.Invalid != nil {
			if err := r.bundle.Append(skipped(step, collect.Code(step.Invalid.Code), step.Invalid.Reason)); err != nil {
				return nil, fmt.Errorf("record step %s: %w", step.ID, err)
			}
			continue
		}
		if _, ok := lanes[step.Kind]; !ok {
			kinds = append(kinds, step.Kind)
		}
		lanes[step.Kind] = append(lanes[step.Kind], step)
	}

	var g errgroup.Group
	for _, kind := range kinds {
		steps := lanes[kind]
		g.Go(func() error {
			err := e.pool.RunContext(ctx, func() {
				e.runLane(ctx, r, kind, steps)
			})
			if err != nil {
				// never got a slot; nothing in this lane started
				for _, step := range steps {
					e.record(ctx, r, step, skipped(step, collect.CodeTimeout, "run cancelled before step started"))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := r.bundle.Len(); n != len(p.Steps) {
		return nil, fmt.Errorf("executor: recorded %d items for %d steps", n, len(p.Steps))
	}
	return r.bundle, nil
}

func (e *Executor) runLane(ctx context.Context, r *run, kind plan.Kind, steps []plan.Step) {
	log := e.log.With().Str("lane", string(kind)).Logger()
	col, ok := e.collectors[kind]

	for _, step := range steps {
		switch {
		case !ok:
			e.record(ctx, r, step, skipped(step, collect.CodeUnavailable, "no collector configured for "+string(kind)))
		case ctx.Err() != nil:
			e.record(ctx, r, step, skipped(step, collect.CodeTimeout, "run cancelled before step started"))
		case !e.now().Before(r.deadline):
			log.Warn().Ctx(ctx).Str("step_id", step.ID).Msg("budget exhausted, skipping step")
			e.record(ctx, r, step, skipped(step, collect.CodeBudgetExhausted, "investigation budget exhausted before step started"))
		default:
			e.record(ctx, r, step, e.runStep(ctx, r, col, step))
		}
	}
}

func (e *Executor) timeout(kind plan.Kind) time.Duration {
	if d, ok := e.cfg.KindTimeouts[kind]; ok && d > 0 {
		return d
	}
	return e.cfg.StepTimeout
}

func (e *Executor) runStep(ctx context.Context, r *run, col collect.Collector, step plan.Step) evidence.Item {
	ctx = logging.WithStepID(ctx, step.ID)
	started := e.now()

	var res collect.Result
	attempts := 0
	for {
		attempts++
		res = e.invoke(ctx, col, step)
		if res.Status != evidence.StatusFailed || !e.cfg.Retry.ShouldRetry(attempts, res.Err.Code) {
			break
		}
		if !e.now().Before(r.deadline) {
			break
		}

		delay := e.cfg.Retry.Delay(attempts)
		e.log.Warn().Ctx(ctx).
			Str("code", string(res.Err.Code)).
			Int("attempt", attempts).
			Dur("backoff", delay).
			Msg("transient collector failure, retrying")
		if err := e.sleep(ctx, delay); err != nil {
			break
		}
	}

	it := evidence.Item{
		StepID:    step.ID,
		Kind:      step.Kind,
		Status:    res.Status,
		Summary:   res.Summary,
		Err:       res.Err.Evidence(),
		Attempts:  attempts,
		StartedAt: started,
		Duration:  e.now().Sub(started),
	}
	if res.Payload != nil {
		raw, err := json.Marshal(res.Payload)
		if err != nil {
			it.Status = evidence.StatusFailed
			it.Err = &evidence.Error{Code: string(collect.CodeInternal), Message: "encode payload: " + err.Error()}
		} else {
			it.Payload = raw
		}
	}
	return it
}

func (e *Executor) invoke(ctx context.Context, col collect.Collector, step plan.Step) collect.Result {
	stepCtx, cancel := context.WithTimeout(ctx, e.timeout(step.Kind))
	defer cancel()
	return collect.Guard(stepCtx, col, step)
}

func (e *Executor) record(ctx context.Context, r *run, step plan.Step, it evidence.Item) {
	if err := r.bundle.Append(it); err != nil {
		e.log.Error().Ctx(ctx).Err(err).Str("step_id", step.ID).Msg("failed to record evidence")
		return
	}

	e.log.Debug().Ctx(ctx).
		Str("step_id", step.ID).
		Str("kind", string(step.Kind)).
		Str("status", string(it.Status)).
		Str("code", it.Code()).
		Int("attempts", it.Attempts).
		Dur("elapsed", it.Duration).
		Msg("step finished")

	if e.observer != nil {
		e.observer.ObserveStep(step.Kind, it.Status, it.Code(), it.Attempts, it.Duration)
	}
}

func skipped(step plan.Step, code collect.Code, msg string) evidence.Item {
	return evidence.Item{
		StepID:  step.ID,
		Kind:    step.Kind,
		Status:  evidence.StatusSkipped,
		Summary: "skipped: " + msg,
		Err:     &evidence.Error{Code: string(code), Message: msg},
	}
}
