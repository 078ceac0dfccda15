package commands

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/colonyops/triage/internal/collect"
	"github.com/colonyops/triage/internal/collect/codesearch"
	"github.com/colonyops/triage/internal/collect/logsearch"
	"github.com/colonyops/triage/internal/collect/query"
	"github.com/colonyops/triage/internal/core/config"
	"github.com/colonyops/triage/internal/core/logging"
	"github.com/colonyops/triage/internal/core/outcome"
	"github.com/colonyops/triage/internal/core/plan"
	"github.com/colonyops/triage/internal/core/run"
	"github.com/colonyops/triage/internal/core/ticket"
	"github.com/colonyops/triage/internal/decide"
	"github.com/colonyops/triage/internal/executor"
	"github.com/colonyops/triage/internal/metrics"
	"github.com/colonyops/triage/internal/model"
	"github.com/colonyops/triage/internal/pipeline"
	"github.com/colonyops/triage/internal/resolve"
	"github.com/colonyops/triage/internal/tracker"
	"github.com/colonyops/triage/pkg/executil"
)

// wireOptions adjust how a pipeline is assembled for one invocation.
type wireOptions struct {
	// DryRun prints updates to Out instead of posting them.
	DryRun bool
	Out    io.Writer
	// Source overrides the configured tracker as the ticket source.
	Source ticket.Source
	// Client overrides the model client built from config.
	Client model.Client
	Exec   executil.Executor
}

// wiredPipeline is a controller plus the resources it holds open.
type wiredPipeline struct {
	Controller *pipeline.Controller
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry

	closers []func() error
}

func (w *wiredPipeline) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		errs = append(errs, w.closers[i]())
	}
	return errors.Join(errs...)
}

// runStore persists run state and fix proposals. stores.RunStore
// implements it.
type runStore interface {
	run.Store
	resolve.Ledger
}

// buildPipeline assembles every stage from cfg. Evidence sources that are
// not configured are left out; their steps are skipped as unavailable.
func buildPipeline(cfg *config.Config, store runStore, opts wireOptions) (*wiredPipeline, error) {
	w := &wiredPipeline{Registry: prometheus.NewRegistry()}
	w.Metrics = metrics.New(w.Registry)

	exec := opts.Exec
	if exec == nil {
		exec = &executil.RealExecutor{}
	}

	source, sink, err := buildTracker(cfg, opts)
	if err != nil {
		return nil, err
	}

	client := opts.Client
	if client == nil {
		c, err := model.NewOpenAIClient(modelConfig(cfg), logging.Component("model"))
		if err != nil {
			return nil, err
		}
		client = c
	}

	registry, err := query.NewRegistry(query.Builtin(), cfg.Queries.Enabled, cfg.Plan.MaxWindow)
	if err != nil {
		return nil, fmt.Errorf("query registry: %w", err)
	}

	collectors, err := w.buildCollectors(cfg, registry, exec)
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	ex, err := executor.New(executorConfig(cfg), collectors, logging.Component("executor"), executor.WithObserver(w.Metrics))
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("executor: %w", err)
	}

	var engine resolve.Engine
	if cfg.Resolver.Enabled {
		engine = resolve.NewAgentEngine(resolve.AgentConfig{
			Command:          cfg.Resolver.Command,
			Args:             cfg.Resolver.Args,
			RepoRoot:         cfg.Resolver.RepoRoot,
			InstructionsFile: cfg.Resolver.InstructionsFile,
			TranscriptDir:    cfg.TranscriptsDir(),
			MinOutput:        cfg.Resolver.MinOutput,
		}, exec, logging.Component("resolve"))
		engine = resolve.Once(engine, store, logging.Component("resolve"))
	}

	var summarizer decide.Summarizer
	if cfg.Model.Summarize {
		summarizer = model.NewSummarizer(client)
	}

	defs := make([]query.Definition, 0, len(registry.Names()))
	for _, name := range registry.Names() {
		d, _ := registry.Lookup(name)
		defs = append(defs, d)
	}

	controller, err := pipeline.New(pipeline.Deps{
		Source:     source,
		Sink:       sink,
		Store:      store,
		Classifier: model.NewClassifier(client, logging.Component("classifier")),
		Planner:    model.NewPlanner(client, defs, logging.Component("planner")),
		Validator:  plan.NewValidator(planLimits(cfg), registry),
		Executor:   ex,
		Decider:    decide.New(deciderConfig(cfg), engine, summarizer, logging.Component("decide")),
		Observer:   w.Metrics,
		Dumper:     pipeline.NewDumper(cfg.RunsDir()),
	}, pipeline.Timeouts{
		Fetch:    cfg.Timeouts.Fetch,
		Classify: cfg.Timeouts.Classify,
		Plan:     cfg.Timeouts.Plan,
		Resolve:  cfg.Timeouts.Resolve,
		Report:   cfg.Timeouts.Report,
	}, logging.Component("pipeline"))
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	w.Controller = controller
	return w, nil
}

// buildTracker picks the ticket source and sink. The file tracker and dry
// runs never post; they print the update instead.
func buildTracker(cfg *config.Config, opts wireOptions) (ticket.Source, ticket.Sink, error) {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	var (
		source ticket.Source = opts.Source
		sink   ticket.Sink
	)

	if cfg.Tracker.Kind == config.TrackerFile {
		if source == nil {
			fs, err := tracker.OpenFileSource(cfg.Tracker.File)
			if err != nil {
				return nil, nil, err
			}
			source = fs
		}
		return source, tracker.NewDryRunSink(out), nil
	}

	if opts.DryRun {
		sink = tracker.NewDryRunSink(out)
	}
	if source == nil || sink == nil {
		if err := cfg.RequireCredentials(); err != nil {
			return nil, nil, err
		}
		jira, err := tracker.NewJira(jiraConfig(cfg), logging.Component("jira"))
		if err != nil {
			return nil, nil, err
		}
		if source == nil {
			source = jira
		}
		if sink == nil {
			sink = jira
		}
	}

	return source, sink, nil
}

func (w *wiredPipeline) buildCollectors(cfg *config.Config, registry *query.Registry, exec executil.Executor) ([]collect.Collector, error) {
	var collectors []collect.Collector

	if len(cfg.Logs.Hosts) > 0 {
		collectors = append(collectors, logsearch.New(logsearch.Config{
			Hosts:          cfg.Logs.Hosts,
			User:           cfg.Logs.User,
			Port:           cfg.Logs.Port,
			IdentityFile:   cfg.Logs.IdentityFile,
			SSHPath:        cfg.Logs.SSHPath,
			ConnectTimeout: cfg.Logs.ConnectTimeout,
			LogRoot:        cfg.Logs.Root,
			MaxWindow:      cfg.Plan.MaxWindow,
			MaxTerms:       cfg.Plan.MaxTerms,
			MaxTermLength:  cfg.Plan.MaxTermLength,
			MaxMatches:     cfg.Logs.MaxMatches,
			RatePerSecond:  cfg.Logs.RatePerSecond,
		}, exec, logging.Component("logsearch")))
	}

	if cfg.Database.DSN != "" {
		runner, dialect, err := query.Open(cfg.Database.Driver, cfg.Database.DSN, query.OpenOptions{
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxRows:      cfg.Database.MaxRows,
		})
		if err != nil {
			return nil, fmt.Errorf("evidence database: %w", err)
		}
		w.closers = append(w.closers, runner.Close)
		collectors = append(collectors, query.NewCollector(registry, runner, dialect, cfg.Database.RatePerSecond, logging.Component("query")))
	}

	if cfg.Codebase.RepoRoot != "" {
		collectors = append(collectors, codesearch.New(codesearch.Config{
			RepoRoot:      cfg.Codebase.RepoRoot,
			GitPath:       cfg.Codebase.GitPath,
			MaxTerms:      cfg.Plan.MaxTerms,
			MaxTermLength: cfg.Plan.MaxTermLength,
			MaxPathHints:  cfg.Plan.MaxPathHints,
			MaxPerFile:    cfg.Codebase.MaxPerFile,
			MaxMatches:    cfg.Codebase.MaxMatches,
			RatePerSecond: cfg.Codebase.RatePerSecond,
		}, exec, logging.Component("codesearch")))
	}

	return collectors, nil
}

func modelConfig(cfg *config.Config) model.Config {
	return model.Config{
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		Model:       cfg.Model.Name,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
	}
}

func jiraConfig(cfg *config.Config) tracker.JiraConfig {
	return tracker.JiraConfig{
		BaseURL:     cfg.Tracker.BaseURL,
		Email:       cfg.Tracker.Email,
		APIToken:    cfg.Tracker.APIToken,
		Timeout:     cfg.Timeouts.Fetch,
		MaxComments: cfg.Tracker.MaxComments,
	}
}

func executorConfig(cfg *config.Config) executor.Config {
	kinds := make(map[plan.Kind]time.Duration, len(cfg.Executor.KindTimeouts))
	for k, d := range cfg.Executor.KindTimeouts {
		kinds[plan.Kind(k)] = d
	}
	return executor.Config{
		Concurrency:  cfg.Executor.Concurrency,
		StepTimeout:  cfg.Executor.StepTimeout,
		KindTimeouts: kinds,
		Budget:       cfg.Executor.Budget,
		Retry: executor.RetryPolicy{
			MaxRetries: cfg.Executor.MaxRetries,
			Backoff:    cfg.Executor.Backoff,
		},
	}
}

func deciderConfig(cfg *config.Config) decide.Config {
	transitions := make(map[outcome.Strategy]string, len(cfg.Decider.Transitions))
	for k, v := range cfg.Decider.Transitions {
		if s, ok := outcome.ParseStrategy(k); ok {
			transitions[s] = v
		}
	}
	return decide.Config{
		AutoFixThreshold: cfg.Decider.AutoFixThreshold,
		MinConfidence:    cfg.Decider.MinConfidence,
		PartialCredit:    cfg.Decider.PartialCredit,
		Transitions:      transitions,
	}
}

func planLimits(cfg *config.Config) plan.Limits {
	return plan.Limits{
		MaxWindow:     cfg.Plan.MaxWindow,
		DefaultWindow: cfg.Plan.DefaultWindow,
		MaxSteps:      cfg.Plan.MaxSteps,
		MaxTerms:      cfg.Plan.MaxTerms,
		MaxTermLength: cfg.Plan.MaxTermLength,
		MaxPathHints:  cfg.Plan.MaxPathHints,
	}
}
