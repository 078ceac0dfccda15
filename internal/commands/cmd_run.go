package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/colonyops/triage/internal/core/styles"
	"github.com/colonyops/triage/internal/data/stores"
	"github.com/colonyops/triage/internal/metrics"
	"github.com/colonyops/triage/internal/pipeline"
	"github.com/colonyops/triage/internal/tracker"
	"github.com/colonyops/triage/pkg/iojson"
)

type RunCmd struct {
	flags *Flags

	// Command-specific flags
	runID      string
	dryRun     bool
	jsonOutput bool
	tickets    iojson.FileReader[json.RawMessage]
}

// NewRunCmd creates a new run command
func NewRunCmd(flags *Flags) *RunCmd {
	return &RunCmd{
		flags: flags,
		tickets: iojson.FileReader[json.RawMessage]{
			Name:  "ticket-file",
			Usage: "read tickets from a JSON file instead of the tracker ('-' for stdin)",
		},
	}
}

// Register adds the run command to the application
func (cmd *RunCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "run",
		Usage:     "Investigate tickets and post the findings",
		UsageText: "triage run [options] <TICKET>...",
		Description: `Runs each ticket through classify, plan, investigate, resolve and report.

Tickets are processed one after another under a single run id. Re-running
with the same --run-id never posts a second update: reported runs are
skipped and runs that stopped after resolving resume at reporting.

Use --dry-run to print the ticket update instead of posting it.
Use --ticket-file to read tickets from JSON; without ticket ids every
ticket in the file is processed.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "run-id",
				Usage:       "run id (defaults to a new uuid)",
				Destination: &cmd.runID,
			},
			&cli.BoolFlag{
				Name:        "dry-run",
				Usage:       "print the ticket update instead of posting it",
				Destination: &cmd.dryRun,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "output results as JSON",
				Destination: &cmd.jsonOutput,
			},
			cmd.tickets.Flag(),
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *RunCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	ids := c.Args().Slice()

	// Printed updates must not interleave with JSON results.
	var updates io.Writer = c.Root().Writer
	if cmd.jsonOutput {
		updates = os.Stderr
	}
	opts := wireOptions{DryRun: cmd.dryRun, Out: updates}

	if cmd.tickets.IsSet() {
		raw, err := cmd.tickets.Read()
		if err != nil {
			return fmt.Errorf("read tickets: %w", err)
		}
		fs, err := tracker.LoadFileSource(bytes.NewReader(raw))
		if err != nil {
			return err
		}
		opts.Source = fs
		if len(ids) == 0 {
			ids = fs.IDs()
		}
	}

	if len(ids) == 0 {
		return errors.New("at least one ticket id is required")
	}

	runID := cmd.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	wired, err := buildPipeline(cfg, stores.NewRunStore(cmd.flags.DB), opts)
	if err != nil {
		return err
	}
	defer func() { _ = wired.Close() }()

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, wired.Registry, cfg.Metrics.Pprof)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("metrics server shutdown")
			}
		}()
	}

	log.Info().Str("run_id", runID).Int("tickets", len(ids)).Bool("dry_run", cmd.dryRun).Msg("starting triage run")

	results, runErr := wired.Controller.ProcessAll(ctx, ids, runID)

	if cmd.jsonOutput {
		if err := iojson.WriteWith(c.Root().Writer, os.Stderr, results); err != nil {
			return err
		}
		if runErr != nil {
			return failJSON(os.Stderr, runErr, map[string]any{"run_id": runID, "tickets": len(ids)})
		}
		return nil
	}

	printResults(c.Root().Writer, results)
	return runErr
}

func printResults(w io.Writer, results []*pipeline.Result) {
	if len(results) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TICKET\tRUN\tSTATE\tSTRATEGY\tCONFIDENCE\tNOTE")

	for _, res := range results {
		strategy, confidence := "-", "-"
		if res.Outcome != nil {
			strategy = styles.StrategyStyle(string(res.Outcome.Strategy)).Render(string(res.Outcome.Strategy))
			confidence = fmt.Sprintf("%.2f", res.Outcome.Confidence)
		}

		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			res.TicketID,
			res.RunID,
			styles.StateStyle(string(res.State)).Render(string(res.State)),
			strategy,
			confidence,
			resultNote(res),
		)
	}

	_ = tw.Flush()
}

func resultNote(res *pipeline.Result) string {
	switch {
	case res.AlreadyReported:
		return "already reported"
	case res.Resumed && res.Posted:
		return "resumed, posted"
	case res.Resumed:
		return "resumed"
	case res.Posted:
		return "posted"
	default:
		return ""
	}
}
