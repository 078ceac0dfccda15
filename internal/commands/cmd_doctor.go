package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/colonyops/triage/internal/collect/query"
	"github.com/colonyops/triage/internal/core/config"
	"github.com/colonyops/triage/internal/core/doctor"
	"github.com/colonyops/triage/internal/core/logging"
	"github.com/colonyops/triage/internal/core/styles"
	"github.com/colonyops/triage/internal/model"
	"github.com/colonyops/triage/internal/tracker"
	"github.com/colonyops/triage/pkg/iojson"
)

type DoctorCmd struct {
	flags   *Flags
	format  string
	autofix bool
}

func NewDoctorCmd(flags *Flags) *DoctorCmd {
	return &DoctorCmd{flags: flags}
}

func (cmd *DoctorCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "doctor",
		Usage:       "Run health checks on your triage setup",
		UsageText:   "triage doctor [options]",
		Description: "Checks required executables, configured paths and connectivity to the tracker, model and evidence database.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (text, json)",
				Value:       "text",
				Destination: &cmd.format,
			},
			&cli.BoolFlag{
				Name:        "autofix",
				Usage:       "automatically fix issues (e.g., create missing data directories)",
				Destination: &cmd.autofix,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *DoctorCmd) run(ctx context.Context, c *cli.Command) error {
	checks, paths := doctorChecks(cmd.flags.Config)

	if cmd.autofix {
		if err := paths.Fix(); err != nil {
			err = fmt.Errorf("autofix: %w", err)
			if cmd.format == "json" {
				return failJSON(c.Root().Writer, err, nil)
			}
			return err
		}
	}

	results := doctor.RunAll(ctx, checks)

	if cmd.format == "json" {
		return cmd.outputJSON(c, results)
	}

	return cmd.outputText(os.Stderr, results)
}

// doctorChecks builds the checks for cfg. The paths check is returned
// separately because it is the only one that can fix what it finds.
func doctorChecks(cfg *config.Config) ([]doctor.Check, *doctor.PathsCheck) {
	tools := doctor.NewToolsCheck([]doctor.Tool{
		{Name: "ssh", Path: cfg.Logs.SSHPath, Required: len(cfg.Logs.Hosts) > 0, Purpose: "log_search steps"},
		{Name: "git", Path: cfg.Codebase.GitPath, Required: cfg.Codebase.RepoRoot != "", Purpose: "code_search steps"},
		{Name: "resolver", Path: cfg.Resolver.Command, Required: cfg.Resolver.Enabled, Purpose: "auto_fix proposals"},
	})

	pathList := []doctor.Path{
		{Label: "data_dir", Path: cfg.DataDir, Dir: true, Create: true},
		{Label: "runs", Path: cfg.RunsDir(), Dir: true, Create: true},
		{Label: "codebase.repo_root", Path: cfg.Codebase.RepoRoot, Dir: true},
		{Label: "logs.identity_file", Path: cfg.Logs.IdentityFile},
	}
	if cfg.Resolver.Enabled {
		pathList = append(pathList,
			doctor.Path{Label: "transcripts", Path: cfg.TranscriptsDir(), Dir: true, Create: true},
			doctor.Path{Label: "resolver.repo_root", Path: cfg.Resolver.RepoRoot, Dir: true},
			doctor.Path{Label: "resolver.instructions_file", Path: cfg.Resolver.InstructionsFile},
		)
	}
	if cfg.Tracker.Kind == config.TrackerFile {
		pathList = append(pathList, doctor.Path{Label: "tracker.file", Path: cfg.Tracker.File})
	}
	paths := doctor.NewPathsCheck(pathList)

	services := doctor.NewServicesCheck(remoteServices(cfg), cfg.Timeouts.Fetch)

	return []doctor.Check{tools, paths, services}, paths
}

// remoteServices returns one service per remote dependency. A service without a
// Ping is reported as not configured.
func remoteServices(cfg *config.Config) []doctor.Service {
	var services []doctor.Service

	if cfg.Tracker.Kind == config.TrackerJira {
		svc := doctor.Service{Name: "jira"}
		if cfg.Tracker.BaseURL != "" {
			svc.Ping = func(ctx context.Context) error {
				jira, err := tracker.NewJira(jiraConfig(cfg), logging.Component("jira"))
				if err != nil {
					return err
				}
				return jira.Ping(ctx)
			}
		}
		services = append(services, svc)
	}

	svc := doctor.Service{Name: "model"}
	if cfg.Model.APIKey != "" {
		svc.Ping = func(ctx context.Context) error {
			client, err := model.NewOpenAIClient(modelConfig(cfg), logging.Component("model"))
			if err != nil {
				return err
			}
			return client.Ping(ctx)
		}
	}
	services = append(services, svc)

	svc = doctor.Service{Name: "evidence database"}
	if cfg.Database.DSN != "" {
		svc.Ping = func(ctx context.Context) error {
			runner, _, err := query.Open(cfg.Database.Driver, cfg.Database.DSN, query.OpenOptions{MaxOpenConns: 1})
			if err != nil {
				return err
			}
			defer func() { _ = runner.Close() }()
			return runner.Ping(ctx)
		}
	}
	services = append(services, svc)

	return services
}

func (cmd *DoctorCmd) outputJSON(c *cli.Command, results []doctor.Result) error {
	passed, warned, failed := doctor.Summary(results)

	out := struct {
		Healthy bool            `json:"healthy"`
		Summary summaryJSON     `json:"summary"`
		Checks  []doctor.Result `json:"checks"`
	}{
		Healthy: failed == 0,
		Summary: summaryJSON{Passed: passed, Warned: warned, Failed: failed},
		Checks:  results,
	}

	if err := iojson.WriteWith(c.Root().Writer, os.Stderr, out); err != nil {
		return err
	}
	if failed > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

type summaryJSON struct {
	Passed int `json:"passed"`
	Warned int `json:"warned"`
	Failed int `json:"failed"`
}

func (cmd *DoctorCmd) outputText(w io.Writer, results []doctor.Result) error {
	divider := styles.DividerStyle.Render(strings.Repeat("─", 40))

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, styles.CommandHeaderStyle.Render("Triage Doctor"))
	_, _ = fmt.Fprintln(w, divider)
	_, _ = fmt.Fprintln(w)

	for _, result := range results {
		_, _ = fmt.Fprintln(w, styles.ValueStyle.Bold(true).Render(result.Name))

		for _, item := range result.Items {
			var detail string
			if item.Detail != "" {
				detail = " " + styles.MutedStyle.Render(item.Detail)
			}
			_, _ = fmt.Fprintf(w, "  %s %s%s\n", styles.StatusIcon(string(item.Status)), item.Label, detail)
		}

		_, _ = fmt.Fprintln(w)
	}

	passed, warned, failed := doctor.Summary(results)
	summary := fmt.Sprintf("%s  %s  %s",
		styles.PassStyle.Render(fmt.Sprintf("%d passed", passed)),
		styles.WarnStyle.Render(fmt.Sprintf("%d warnings", warned)),
		styles.FailStyle.Render(fmt.Sprintf("%d failed", failed)),
	)
	_, _ = fmt.Fprintln(w, summary)

	if !cmd.autofix {
		fixable := doctor.CountFixable(results)
		if fixable > 0 {
			_, _ = fmt.Fprintln(w)
			hint := styles.MutedStyle.Render(fmt.Sprintf("Run 'triage doctor --autofix' to fix %d issue(s)", fixable))
			_, _ = fmt.Fprintln(w, hint)
		}
	}

	if failed > 0 {
		return cli.Exit("", 1)
	}

	return nil
}
