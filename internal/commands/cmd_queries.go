package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/colonyops/triage/internal/collect/query"
	"github.com/colonyops/triage/internal/core/styles"
	"github.com/colonyops/triage/pkg/iojson"
)

type QueriesCmd struct {
	flags *Flags

	jsonOutput bool
}

// NewQueriesCmd creates a new queries command
func NewQueriesCmd(flags *Flags) *QueriesCmd {
	return &QueriesCmd{flags: flags}
}

// Register adds the queries command to the application
func (cmd *QueriesCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "queries",
		Usage:     "List the named queries the planner may use",
		UsageText: "triage queries [--json]",
		Description: `Lists every built-in structured query with its arguments.

Only queries enabled in the config (all of them when queries.enabled is
empty) are offered to the planner and accepted by the validator.`,
		Flags: []cli.Flag{
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

type queryInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Args        []string `json:"args"`
	Enabled     bool     `json:"enabled"`
}

func (cmd *QueriesCmd) run(_ context.Context, c *cli.Command) error {
	var enabled []string
	if cmd.flags.Config != nil {
		enabled = cmd.flags.Config.Queries.Enabled
	}

	infos, err := listQueries(query.Builtin(), enabled)
	if err != nil {
		return err
	}

	if cmd.jsonOutput {
		return iojson.WriteWith(c.Root().Writer, os.Stderr, infos)
	}
	printQueries(c.Root().Writer, infos)
	return nil
}

func listQueries(defs []query.Definition, enabled []string) ([]queryInfo, error) {
	registry, err := query.NewRegistry(defs, enabled, 0)
	if err != nil {
		return nil, err
	}

	infos := make([]queryInfo, 0, len(defs))
	for _, d := range defs {
		args := make([]string, 0, len(d.Params))
		for _, p := range d.Params {
			a := p.Name + ":" + string(p.Type)
			if p.Required {
				a += "!"
			}
			args = append(args, a)
		}
		_, ok := registry.Lookup(d.Name)
		infos = append(infos, queryInfo{
			Name:        d.Name,
			Description: d.Description,
			Args:        args,
			Enabled:     ok,
		})
	}
	return infos, nil
}

func printQueries(w io.Writer, infos []queryInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, " \tNAME\tARGS\tDESCRIPTION")
	for _, q := range infos {
		status := "pass"
		if !q.Enabled {
			status = "skipped"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			styles.StatusIcon(status),
			q.Name,
			styles.MutedStyle.Render(strings.Join(q.Args, " ")),
			q.Description,
		)
	}
	_ = tw.Flush()
}
