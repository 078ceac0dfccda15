// Package config handles configuration loading and validation for triage.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Tracker kinds.
const (
	TrackerJira = "jira"
	TrackerFile = "file"
)

// Config holds the application configuration.
type Config struct {
	Tracker  TrackerConfig  `yaml:"tracker"`
	Model    ModelConfig    `yaml:"model"`
	Resolver ResolverConfig `yaml:"resolver"`
	Logs     LogsConfig     `yaml:"logs"`
	Database DatabaseConfig `yaml:"database"`
	Queries  QueriesConfig  `yaml:"queries"`
	Codebase CodebaseConfig `yaml:"codebase"`
	Executor ExecutorConfig `yaml:"executor"`
	Decider  DeciderConfig  `yaml:"decider"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Plan     PlanConfig     `yaml:"plan"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	DataDir  string         `yaml:"-"` // set by caller, not from config file
}

// TrackerConfig selects and configures the ticket tracker.
type TrackerConfig struct {
	Kind        string `yaml:"kind"` // jira or file
	BaseURL     string `yaml:"base_url"`
	Email       string `yaml:"email"`
	APIToken    string `yaml:"api_token"`
	MaxComments int    `yaml:"max_comments"` // comments scanned when verifying an update
	File        string `yaml:"file"`         // ticket JSON for kind file
}

// ModelConfig configures the OpenAI-compatible chat endpoint.
type ModelConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Name        string  `yaml:"name"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	// Summarize rewrites the deterministic findings into prose.
	Summarize bool `yaml:"summarize"`
}

// ResolverConfig configures the coding agent asked for auto_fix proposals.
type ResolverConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Command          string   `yaml:"command"`
	Args             []string `yaml:"args"`
	RepoRoot         string   `yaml:"repo_root"`
	InstructionsFile string   `yaml:"instructions_file"`
	MinOutput        int      `yaml:"min_output"`
}

// LogsConfig configures the log collector.
type LogsConfig struct {
	Hosts          []string      `yaml:"hosts"`
	User           string        `yaml:"user"`
	Port           int           `yaml:"port"`
	IdentityFile   string        `yaml:"identity_file"`
	SSHPath        string        `yaml:"ssh_path"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Root           string        `yaml:"root"`
	MaxMatches     int           `yaml:"max_matches"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
}

// DatabaseConfig configures the evidence database read by structured
// queries. It is unrelated to the local run store under the data dir.
type DatabaseConfig struct {
	Driver        string  `yaml:"driver"` // pgx or sqlite
	DSN           string  `yaml:"dsn"`
	MaxOpenConns  int     `yaml:"max_open_conns"`
	MaxRows       int     `yaml:"max_rows"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// QueriesConfig narrows the built-in query registry.
type QueriesConfig struct {
	// Enabled lists the query names the planner may use. Empty enables all.
	Enabled []string `yaml:"enabled"`
}

// CodebaseConfig configures the code collector.
type CodebaseConfig struct {
	RepoRoot      string  `yaml:"repo_root"`
	GitPath       string  `yaml:"git_path"`
	MaxPerFile    int     `yaml:"max_per_file"`
	MaxMatches    int     `yaml:"max_matches"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// ExecutorConfig bounds plan execution.
type ExecutorConfig struct {
	Concurrency  int                      `yaml:"concurrency"`
	StepTimeout  time.Duration            `yaml:"step_timeout"`
	KindTimeouts map[string]time.Duration `yaml:"kind_timeouts"`
	Budget       time.Duration            `yaml:"budget"`
	MaxRetries   int                      `yaml:"max_retries"`
	Backoff      time.Duration            `yaml:"backoff"`
}

// DeciderConfig holds the strategy thresholds.
type DeciderConfig struct {
	AutoFixThreshold float64           `yaml:"auto_fix_threshold"`
	MinConfidence    float64           `yaml:"min_confidence"`
	PartialCredit    float64           `yaml:"partial_credit"`
	Transitions      map[string]string `yaml:"transitions"`
}

// TimeoutsConfig bounds each external call made by the pipeline.
type TimeoutsConfig struct {
	Fetch    time.Duration `yaml:"fetch"`
	Classify time.Duration `yaml:"classify"`
	Plan     time.Duration `yaml:"plan"`
	Resolve  time.Duration `yaml:"resolve"`
	Report   time.Duration `yaml:"report"`
}

// PlanConfig bounds validated plans.
type PlanConfig struct {
	MaxWindow     time.Duration `yaml:"max_window"`
	DefaultWindow time.Duration `yaml:"default_window"`
	MaxSteps      int           `yaml:"max_steps"`
	MaxTerms      int           `yaml:"max_terms"`
	MaxTermLength int           `yaml:"max_term_length"`
	MaxPathHints  int           `yaml:"max_path_hints"`
}

// MetricsConfig configures the optional metrics listener.
type MetricsConfig struct {
	Addr  string `yaml:"addr"` // empty disables the listener
	Pprof bool   `yaml:"pprof"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Tracker: TrackerConfig{
			Kind:        TrackerJira,
			MaxComments: 50,
		},
		Model: ModelConfig{
			BaseURL:   "https://api.deepseek.com",
			Name:      "deepseek-chat",
			MaxTokens: 4000,
		},
		Resolver: ResolverConfig{
			Command:   "claude",
			Args:      []string{"--print"},
			MinOutput: 50,
		},
		Logs: LogsConfig{
			Port:           22,
			SSHPath:        "ssh",
			ConnectTimeout: 5 * time.Second,
			Root:           "/var/log",
			MaxMatches:     500,
			RatePerSecond:  2,
		},
		Database: DatabaseConfig{
			Driver:        "pgx",
			MaxOpenConns:  2,
			MaxRows:       200,
			RatePerSecond: 5,
		},
		Codebase: CodebaseConfig{
			GitPath:       "git",
			MaxPerFile:    20,
			MaxMatches:    300,
			RatePerSecond: 5,
		},
		Executor: ExecutorConfig{
			Concurrency: 3,
			StepTimeout: 60 * time.Second,
			Budget:      5 * time.Minute,
			MaxRetries:  1,
			Backoff:     500 * time.Millisecond,
		},
		Decider: DeciderConfig{
			AutoFixThreshold: 0.8,
			MinConfidence:    0.3,
			PartialCredit:    0.5,
			Transitions: map[string]string{
				"auto_fix":          "In Review",
				"human_guidance":    "In Progress",
				"customer_response": "Waiting for Customer",
			},
		},
		Timeouts: TimeoutsConfig{
			Fetch:    30 * time.Second,
			Classify: 2 * time.Minute,
			Plan:     2 * time.Minute,
			Resolve:  20 * time.Minute,
			Report:   30 * time.Second,
		},
		Plan: PlanConfig{
			MaxWindow:     30 * 24 * time.Hour,
			DefaultWindow: 7 * 24 * time.Hour,
			MaxSteps:      12,
			MaxTerms:      8,
			MaxTermLength: 200,
			MaxPathHints:  8,
		},
	}
}

// Load reads configuration from the given path and sets the data directory.
// ${VAR} references are expanded from the environment before parsing.
// If configPath is empty or doesn't exist, returns defaults with the provided dataDir.
func Load(configPath, dataDir string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}

			data = expandEnv(data, os.LookupEnv)
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}
	cfg.DataDir = dataDir

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	d := DefaultConfig()

	if c.Tracker.Kind == "" {
		c.Tracker.Kind = d.Tracker.Kind
	}
	if c.Tracker.MaxComments <= 0 {
		c.Tracker.MaxComments = d.Tracker.MaxComments
	}

	if c.Model.Name == "" {
		c.Model.Name = d.Model.Name
	}
	if c.Model.MaxTokens <= 0 {
		c.Model.MaxTokens = d.Model.MaxTokens
	}

	if c.Resolver.Command == "" {
		c.Resolver.Command = d.Resolver.Command
	}
	if c.Resolver.Args == nil {
		c.Resolver.Args = d.Resolver.Args
	}
	if c.Resolver.MinOutput <= 0 {
		c.Resolver.MinOutput = d.Resolver.MinOutput
	}
	if c.Resolver.RepoRoot == "" {
		c.Resolver.RepoRoot = c.Codebase.RepoRoot
	}

	if c.Logs.Port <= 0 {
		c.Logs.Port = d.Logs.Port
	}
	if c.Logs.SSHPath == "" {
		c.Logs.SSHPath = d.Logs.SSHPath
	}
	if c.Logs.ConnectTimeout <= 0 {
		c.Logs.ConnectTimeout = d.Logs.ConnectTimeout
	}
	if c.Logs.Root == "" {
		c.Logs.Root = d.Logs.Root
	}
	if c.Logs.MaxMatches <= 0 {
		c.Logs.MaxMatches = d.Logs.MaxMatches
	}
	if c.Logs.RatePerSecond <= 0 {
		c.Logs.RatePerSecond = d.Logs.RatePerSecond
	}

	if c.Database.Driver == "" {
		c.Database.Driver = d.Database.Driver
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = d.Database.MaxOpenConns
	}
	if c.Database.MaxRows <= 0 {
		c.Database.MaxRows = d.Database.MaxRows
	}
	if c.Database.RatePerSecond <= 0 {
		c.Database.RatePerSecond = d.Database.RatePerSecond
	}

	if c.Codebase.GitPath == "" {
		c.Codebase.GitPath = d.Codebase.GitPath
	}
	if c.Codebase.MaxPerFile <= 0 {
		c.Codebase.MaxPerFile = d.Codebase.MaxPerFile
	}
	if c.Codebase.MaxMatches <= 0 {
		c.Codebase.MaxMatches = d.Codebase.MaxMatches
	}
	if c.Codebase.RatePerSecond <= 0 {
		c.Codebase.RatePerSecond = d.Codebase.RatePerSecond
	}

	if c.Executor.Concurrency == 0 {
		c.Executor.Concurrency = d.Executor.Concurrency
	}
	if c.Executor.StepTimeout == 0 {
		c.Executor.StepTimeout = d.Executor.StepTimeout
	}
	if c.Executor.Budget == 0 {
		c.Executor.Budget = d.Executor.Budget
	}
	if c.Executor.Backoff == 0 {
		c.Executor.Backoff = d.Executor.Backoff
	}

	if c.Decider.AutoFixThreshold == 0 {
		c.Decider.AutoFixThreshold = d.Decider.AutoFixThreshold
	}
	if c.Decider.MinConfidence == 0 {
		c.Decider.MinConfidence = d.Decider.MinConfidence
	}
	if c.Decider.PartialCredit == 0 {
		c.Decider.PartialCredit = d.Decider.PartialCredit
	}
	c.Decider.Transitions = mergeTransitions(d.Decider.Transitions, c.Decider.Transitions)

	if c.Timeouts.Fetch == 0 {
		c.Timeouts.Fetch = d.Timeouts.Fetch
	}
	if c.Timeouts.Classify == 0 {
		c.Timeouts.Classify = d.Timeouts.Classify
	}
	if c.Timeouts.Plan == 0 {
		c.Timeouts.Plan = d.Timeouts.Plan
	}
	if c.Timeouts.Resolve == 0 {
		c.Timeouts.Resolve = d.Timeouts.Resolve
	}
	if c.Timeouts.Report == 0 {
		c.Timeouts.Report = d.Timeouts.Report
	}

	if c.Plan.MaxWindow == 0 {
		c.Plan.MaxWindow = d.Plan.MaxWindow
	}
	if c.Plan.DefaultWindow == 0 {
		c.Plan.DefaultWindow = d.Plan.DefaultWindow
	}
	if c.Plan.MaxSteps == 0 {
		c.Plan.MaxSteps = d.Plan.MaxSteps
	}
	if c.Plan.MaxTerms == 0 {
		c.Plan.MaxTerms = d.Plan.MaxTerms
	}
	if c.Plan.MaxTermLength == 0 {
		c.Plan.MaxTermLength = d.Plan.MaxTermLength
	}
	if c.Plan.MaxPathHints == 0 {
		c.Plan.MaxPathHints = d.Plan.MaxPathHints
	}
}

// mergeTransitions merges user transitions into defaults. An empty value
// disables the transition for that strategy.
func mergeTransitions(defaults, user map[string]string) map[string]string {
	result := make(map[string]string, len(defaults)+len(user))
	for k, v := range defaults {
		result[k] = v
	}
	for k, v := range user {
		result[k] = v
	}
	return result
}

// Validate checks that the configuration is structurally valid. It does no
// I/O and does not require credentials; see ValidateDeep and
// RequireCredentials.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}

	switch c.Tracker.Kind {
	case TrackerJira, TrackerFile:
	default:
		return fmt.Errorf("tracker.kind must be %q or %q, got %q", TrackerJira, TrackerFile, c.Tracker.Kind)
	}

	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("model.temperature must be between 0 and 2")
	}

	if c.Resolver.Enabled && c.Resolver.RepoRoot == "" {
		return fmt.Errorf("resolver.repo_root is required when the resolver is enabled")
	}

	if len(c.Logs.Hosts) > 0 && c.Logs.User == "" {
		return fmt.Errorf("logs.user is required when logs.hosts is set")
	}
	if c.Logs.Root != "" && !filepath.IsAbs(c.Logs.Root) {
		return fmt.Errorf("logs.root must be an absolute path")
	}

	switch c.Database.Driver {
	case "pgx", "postgres", "postgresql", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}

	if c.Executor.Concurrency < 1 {
		return fmt.Errorf("executor.concurrency must be at least 1")
	}
	if c.Executor.StepTimeout < 0 || c.Executor.Budget < 0 || c.Executor.Backoff < 0 {
		return fmt.Errorf("executor durations cannot be negative")
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries cannot be negative")
	}

	d := c.Decider
	if d.AutoFixThreshold <= 0 || d.AutoFixThreshold > 1 {
		return fmt.Errorf("decider.auto_fix_threshold must be in (0, 1]")
	}
	if d.MinConfidence < 0 || d.MinConfidence > d.AutoFixThreshold {
		return fmt.Errorf("decider.min_confidence must be between 0 and auto_fix_threshold")
	}
	if d.PartialCredit < 0 || d.PartialCredit > 1 {
		return fmt.Errorf("decider.partial_credit must be in [0, 1]")
	}

	t := c.Timeouts
	if t.Fetch < 0 || t.Classify < 0 || t.Plan < 0 || t.Resolve < 0 || t.Report < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if c.Plan.MaxWindow <= 0 {
		return fmt.Errorf("plan.max_window must be positive")
	}
	if c.Plan.DefaultWindow <= 0 || c.Plan.DefaultWindow > c.Plan.MaxWindow {
		return fmt.Errorf("plan.default_window must be positive and no larger than plan.max_window")
	}
	if c.Plan.MaxSteps < 1 {
		return fmt.Errorf("plan.max_steps must be at least 1")
	}

	return nil
}

// RequireCredentials checks the secrets a triage run needs. Commands that
// never call the tracker or the model skip it.
func (c *Config) RequireCredentials() error {
	if c.Model.APIKey == "" {
		return errors.New("model.api_key cannot be empty")
	}
	if c.Tracker.Kind == TrackerJira {
		if c.Tracker.BaseURL == "" || c.Tracker.Email == "" || c.Tracker.APIToken == "" {
			return errors.New("tracker: jira requires base_url, email and api_token")
		}
	}
	return nil
}

// RunsDir returns the directory receiving per-run artifacts.
func (c *Config) RunsDir() string {
	return filepath.Join(c.DataDir, "runs")
}

// TranscriptsDir returns the directory receiving resolution transcripts.
func (c *Config) TranscriptsDir() string {
	return filepath.Join(c.DataDir, "transcripts")
}
