package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/colonyops/triage/internal/core/run"
	"github.com/colonyops/triage/internal/core/styles"
	"github.com/colonyops/triage/internal/data/stores"
	"github.com/colonyops/triage/pkg/iojson"
)

type RunsCmd struct {
	flags *Flags

	jsonOutput bool
	recent     int
	stats      bool
}

// NewRunsCmd creates a new runs command
func NewRunsCmd(flags *Flags) *RunsCmd {
	return &RunsCmd{flags: flags}
}

// Register adds the runs command to the application
func (cmd *RunsCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "runs",
		Usage:     "List runs and run statistics",
		UsageText: "triage runs [--json] <TICKET>\ntriage runs [--json] --recent N\ntriage runs [--json] --stats",
		Description: `Lists the runs of one ticket, oldest first.

--recent lists the newest runs across all tickets instead. --stats prints
totals by state, the average run duration, the number of distinct tickets
and how many of them received a fix.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "output as JSON",
				Destination: &cmd.jsonOutput,
			},
			&cli.IntFlag{
				Name:        "recent",
				Usage:       "list the N most recently updated runs of any ticket",
				Destination: &cmd.recent,
			},
			&cli.BoolFlag{
				Name:        "stats",
				Usage:       "print aggregate run statistics",
				Destination: &cmd.stats,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *RunsCmd) run(ctx context.Context, c *cli.Command) error {
	err := cmd.list(ctx, c)
	if err != nil && cmd.jsonOutput {
		return failJSON(c.Root().Writer, err, map[string]any{"ticket_id": c.Args().First()})
	}
	return err
}

func (cmd *RunsCmd) list(ctx context.Context, c *cli.Command) error {
	store := stores.NewRunStore(cmd.flags.DB)
	w := c.Root().Writer

	if cmd.stats {
		st, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		if cmd.jsonOutput {
			return iojson.WriteWith(w, os.Stderr, st)
		}
		return printStats(w, st)
	}

	var (
		records []run.Record
		err     error
		scope   string
	)
	ticketID := c.Args().First()
	switch {
	case cmd.recent < 0:
		return errors.New("--recent must be positive")
	case cmd.recent > 0:
		records, err = store.ListRecent(ctx, cmd.recent)
		scope = "any ticket"
	case ticketID == "":
		return errors.New("ticket id is required")
	default:
		records, err = store.List(ctx, ticketID)
		scope = ticketID
	}
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if cmd.jsonOutput {
		if records == nil {
			records = []run.Record{}
		}
		return iojson.WriteWith(w, os.Stderr, records)
	}

	if len(records) == 0 {
		_, _ = fmt.Fprintf(os.Stderr, "No runs found for %s\n", scope)
		return nil
	}
	return printRuns(w, records, cmd.recent > 0)
}

func printRuns(out io.Writer, records []run.Record, withTicket bool) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if withTicket {
		_, _ = fmt.Fprint(w, "TICKET\t")
	}
	_, _ = fmt.Fprintln(w, "RUN\tSTATE\tUPDATED\tDETAIL")
	for _, rec := range records {
		detail := rec.Reason
		if rec.FailureKind != "" {
			detail = rec.FailureKind + ": " + rec.Reason
		}
		if detail == "" && len(rec.Warnings) > 0 {
			detail = fmt.Sprintf("%d plan warning(s)", len(rec.Warnings))
		}
		if withTicket {
			_, _ = fmt.Fprintf(w, "%s\t", rec.TicketID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			rec.RunID,
			styles.StateStyle(string(rec.State)).Render(string(rec.State)),
			rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			detail,
		)
	}
	return w.Flush()
}

func printStats(out io.Writer, st run.Stats) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	row := func(label string, value any) {
		_, _ = fmt.Fprintf(w, "%s\t%v\n", styles.LabelStyle.Render(label), value)
	}
	row("Runs", st.Total)
	row("Reported", styles.StateStyle(string(run.StateReported)).Render(fmt.Sprint(st.Reported)))
	row("Failed", styles.StateStyle(string(run.StateFailed)).Render(fmt.Sprint(st.Failed)))
	row("In progress", st.InProgress)
	row("Avg duration", st.AvgDuration.Round(time.Millisecond))
	row("Tickets", st.UniqueTickets)
	row("Tickets with fix", st.TicketsWithFix)
	return w.Flush()
}
