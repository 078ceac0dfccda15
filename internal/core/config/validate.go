package config

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/hay-kot/criterio"

	"github.com/colonyops/triage/internal/collect/query"
	"github.com/colonyops/triage/internal/core/outcome"
	"github.com/colonyops/triage/internal/core/plan"
)

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Category string `json:"category"`
	Item     string `json:"item,omitempty"`
	Message  string `json:"message"`
}

// ValidateDeep performs comprehensive validation of the configuration including
// credentials, executables, file accessibility and registry names. The configPath
// argument specifies the config file location to validate (empty string skips
// config file check). This calls Validate() first for basic structural validation.
func (c *Config) ValidateDeep(configPath string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	return criterio.ValidateStruct(
		c.validateFileAccess(configPath),
		c.validateCredentials(),
		c.validateCollectors(),
		c.validateQueries(),
		c.validateNames(),
	)
}

// Warnings returns non-fatal configuration issues. Each names an evidence
// source or strategy that will be unavailable at run time.
func (c *Config) Warnings() []ValidationWarning {
	var warnings []ValidationWarning

	if len(c.Logs.Hosts) == 0 {
		warnings = append(warnings, ValidationWarning{
			Category: "Logs",
			Message:  "no log hosts configured, log_search steps will be skipped",
		})
	}
	if c.Database.DSN == "" {
		warnings = append(warnings, ValidationWarning{
			Category: "Database",
			Message:  "no evidence database configured, structured_query steps will be skipped",
		})
	}
	if c.Codebase.RepoRoot == "" {
		warnings = append(warnings, ValidationWarning{
			Category: "Codebase",
			Message:  "no repository root configured, code_search steps will be skipped",
		})
	}
	if !c.Resolver.Enabled {
		warnings = append(warnings, ValidationWarning{
			Category: "Resolver",
			Message:  "resolver disabled, auto_fix hints are downgraded to human_guidance",
		})
	}

	return warnings
}

// validateFileAccess checks config file and data directory.
func (c *Config) validateFileAccess(configPath string) error {
	return criterio.ValidateStruct(
		validateConfigFile(configPath),
		criterio.Run("data_dir", c.DataDir, isDirectoryOrNotExist),
	)
}

func validateConfigFile(configPath string) error {
	if configPath == "" {
		return nil
	}

	info, err := os.Stat(configPath)
	if os.IsNotExist(err) {
		return nil // not found is fine, using defaults
	}
	if err != nil {
		return criterio.NewFieldErrors("config_file", fmt.Errorf("cannot access: %w", err))
	}
	if info.IsDir() {
		return criterio.NewFieldErrors("config_file", fmt.Errorf("%s is a directory, not a file", configPath))
	}
	return nil
}

func (c *Config) validateCredentials() error {
	var errs criterio.FieldErrorsBuilder

	if c.Model.APIKey == "" {
		errs = errs.Append("model.api_key", fmt.Errorf("required"))
	}
	if c.Model.BaseURL != "" {
		if err := isHTTPURL(c.Model.BaseURL); err != nil {
			errs = errs.Append("model.base_url", err)
		}
	}

	if c.Tracker.Kind == TrackerJira {
		if err := isHTTPURL(c.Tracker.BaseURL); err != nil {
			errs = errs.Append("tracker.base_url", err)
		}
		if c.Tracker.Email == "" {
			errs = errs.Append("tracker.email", fmt.Errorf("required"))
		}
		if c.Tracker.APIToken == "" {
			errs = errs.Append("tracker.api_token", fmt.Errorf("required"))
		}
	}
	if c.Tracker.Kind == TrackerFile && c.Tracker.File != "" {
		if err := isFile(c.Tracker.File); err != nil {
			errs = errs.Append("tracker.file", err)
		}
	}

	return errs.ToError()
}

// validateCollectors checks the executables and paths each configured
// collector depends on. Unconfigured collectors are reported by Warnings.
func (c *Config) validateCollectors() error {
	var errs criterio.FieldErrorsBuilder

	if len(c.Logs.Hosts) > 0 {
		if err := executableExists(c.Logs.SSHPath); err != nil {
			errs = errs.Append("logs.ssh_path", err)
		}
		if c.Logs.IdentityFile != "" {
			if err := isFile(c.Logs.IdentityFile); err != nil {
				errs = errs.Append("logs.identity_file", err)
			}
		}
	}

	if c.Codebase.RepoRoot != "" {
		if err := executableExists(c.Codebase.GitPath); err != nil {
			errs = errs.Append("codebase.git_path", err)
		}
		if err := isDirectory(c.Codebase.RepoRoot); err != nil {
			errs = errs.Append("codebase.repo_root", err)
		}
	}

	if c.Resolver.Enabled {
		if err := executableExists(c.Resolver.Command); err != nil {
			errs = errs.Append("resolver.command", err)
		}
		if err := isDirectory(c.Resolver.RepoRoot); err != nil {
			errs = errs.Append("resolver.repo_root", err)
		}
		if c.Resolver.InstructionsFile != "" {
			if err := isFile(c.Resolver.InstructionsFile); err != nil {
				errs = errs.Append("resolver.instructions_file", err)
			}
		}
	}

	return errs.ToError()
}

// validateQueries checks that every enabled query name is built in.
func (c *Config) validateQueries() error {
	known := make(map[string]bool)
	for _, d := range query.Builtin() {
		known[d.Name] = true
	}

	var errs criterio.FieldErrorsBuilder
	for i, name := range c.Queries.Enabled {
		if !known[name] {
			errs = errs.Append(fmt.Sprintf("queries.enabled[%d]", i), fmt.Errorf("unknown query %q", name))
		}
	}
	return errs.ToError()
}

// validateNames checks map keys that refer to step kinds and strategies.
func (c *Config) validateNames() error {
	var errs criterio.FieldErrorsBuilder

	for _, k := range sortedKeys(c.Executor.KindTimeouts) {
		if !plan.Kind(k).IsValid() {
			errs = errs.Append(fmt.Sprintf("executor.kind_timeouts[%q]", k), fmt.Errorf("unknown step kind"))
		}
		if c.Executor.KindTimeouts[k] < 0 {
			errs = errs.Append(fmt.Sprintf("executor.kind_timeouts[%q]", k), fmt.Errorf("cannot be negative"))
		}
	}
	for _, k := range sortedKeys(c.Decider.Transitions) {
		if _, ok := outcome.ParseStrategy(k); !ok {
			errs = errs.Append(fmt.Sprintf("decider.transitions[%q]", k), fmt.Errorf("unknown strategy"))
		}
	}

	return errs.ToError()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// isDirectoryOrNotExist validates that a path is a directory or doesn't exist.
func isDirectoryOrNotExist(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil // will be created
	}
	if err != nil {
		return fmt.Errorf("cannot access: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("exists but is not a directory")
	}
	return nil
}

func isDirectory(path string) error {
	if path == "" {
		return fmt.Errorf("required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

func isFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not a file", path)
	}
	return nil
}

// executableExists validates that the path resolves to an executable.
func executableExists(path string) error {
	if path == "" {
		return fmt.Errorf("required")
	}
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("executable not found: %s", path)
	}
	return nil
}

func isHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an http(s) url, got %q", raw)
	}
	if strings.HasSuffix(u.Path, "/rest/api/2") {
		return fmt.Errorf("must be the site root, not the API path")
	}
	return nil
}
