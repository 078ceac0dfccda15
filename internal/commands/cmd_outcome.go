package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/urfave/cli/v3"

	"github.com/colonyops/triage/internal/core/outcome"
	"github.com/colonyops/triage/internal/core/run"
	"github.com/colonyops/triage/internal/core/styles"
	"github.com/colonyops/triage/internal/data/stores"
	"github.com/colonyops/triage/pkg/iojson"
)

type OutcomeCmd struct {
	flags *Flags

	runID      string
	jsonOutput bool
}

// NewOutcomeCmd creates a new outcome command
func NewOutcomeCmd(flags *Flags) *OutcomeCmd {
	return &OutcomeCmd{flags: flags}
}

// Register adds the outcome command to the application
func (cmd *OutcomeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "outcome",
		Usage:     "Show the recorded outcome of a run",
		UsageText: "triage outcome [--run-id ID] [--json] <TICKET>",
		Description: `Prints the audited resolution outcome for a ticket.

Without --run-id the most recent resolved or reported run is shown.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "run-id",
				Usage:       "run id to show",
				Destination: &cmd.runID,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "output as JSON",
				Destination: &cmd.jsonOutput,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *OutcomeCmd) run(ctx context.Context, c *cli.Command) error {
	ticketID := c.Args().First()
	o, err := cmd.load(ctx, ticketID)
	if err != nil {
		if cmd.jsonOutput {
			return failJSON(c.Root().Writer, err, map[string]any{"ticket_id": ticketID, "run_id": cmd.runID})
		}
		return err
	}

	if cmd.jsonOutput {
		return iojson.WriteWith(c.Root().Writer, os.Stderr, o)
	}
	return renderOutcome(c.Root().Writer, o)
}

func (cmd *OutcomeCmd) load(ctx context.Context, ticketID string) (outcome.Outcome, error) {
	if ticketID == "" {
		return outcome.Outcome{}, errors.New("ticket id is required")
	}

	store := stores.NewRunStore(cmd.flags.DB)

	runID := cmd.runID
	if runID == "" {
		id, err := latestResolvedRun(ctx, store, ticketID)
		if err != nil {
			return outcome.Outcome{}, err
		}
		runID = id
	}

	o, err := store.Outcome(ctx, ticketID, runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return outcome.Outcome{}, fmt.Errorf("no outcome recorded for %s run %s", ticketID, runID)
		}
		return outcome.Outcome{}, err
	}
	return o, nil
}

// latestResolvedRun returns the newest run of a ticket that has an outcome.
func latestResolvedRun(ctx context.Context, store run.Store, ticketID string) (string, error) {
	records, err := store.List(ctx, ticketID)
	if err != nil {
		return "", err
	}
	for i := len(records) - 1; i >= 0; i-- {
		switch records[i].State {
		case run.StateResolved, run.StateReported:
			return records[i].RunID, nil
		}
	}
	return "", fmt.Errorf("no resolved runs for %s", ticketID)
}

func renderOutcome(w io.Writer, o outcome.Outcome) error {
	label := func(name, value string) {
		_, _ = fmt.Fprintf(w, "%s %s\n", styles.LabelStyle.Render(fmt.Sprintf("%-11s", name)), value)
	}

	_, _ = fmt.Fprintln(w, styles.CommandHeaderStyle.Render(fmt.Sprintf("%s  %s", o.TicketID, o.RunID)))
	_, _ = fmt.Fprintln(w, styles.DividerStyle.Render(strings.Repeat("─", 40)))

	label("Strategy", styles.StrategyStyle(string(o.Strategy)).Render(string(o.Strategy)))
	if o.Hint != o.Strategy {
		label("Hint", styles.MutedStyle.Render(string(o.Hint)))
	}
	label("Confidence", styles.ValueStyle.Render(fmt.Sprintf("%.2f", o.Confidence)))
	if o.FixRef != "" {
		label("Fix", styles.ValueStyle.Render(o.FixRef))
	}
	if !o.CreatedAt.IsZero() {
		label("Decided", styles.MutedStyle.Render(o.CreatedAt.Format("2006-01-02 15:04:05")))
	}
	for _, r := range o.Reasons {
		label("Reason", styles.MutedStyle.Render(r))
	}

	if len(o.Evidence) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, styles.CommandHeaderStyle.Render("Evidence"))
		for _, e := range o.Evidence {
			var code string
			if e.Code != "" {
				code = " " + styles.MutedStyle.Render(e.Code)
			}
			_, _ = fmt.Fprintf(w, "  %s %s %s %s%s\n",
				styles.StatusIcon(e.Status),
				e.StepID,
				styles.MutedStyle.Render(e.Kind),
				styles.EvidenceStyle(e.Status).Render(e.Status),
				code,
			)
		}
	}

	if strings.TrimSpace(o.Findings) == "" {
		return nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithStyles(styles.GlamourStyle()),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return fmt.Errorf("create markdown renderer: %w", err)
	}
	findings, err := renderer.Render(o.Findings)
	if err != nil {
		return fmt.Errorf("render findings: %w", err)
	}
	_, _ = fmt.Fprint(w, findings)
	return nil
}
