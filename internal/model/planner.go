package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/colonyops/triage/internal/collect/query"
	"github.com/colonyops/triage/internal/core/issue"
	"github.com/colonyops/triage/internal/core/outcome"
	"github.com/colonyops/triage/internal/core/plan"
	"github.com/colonyops/triage/internal/core/ticket"
	"github.com/colonyops/triage/pkg/tmpl"
)

const plannerSystem = "You plan read-only investigations of customer support issues. You answer with a single JSON object and nothing else."

const plannerPrompt = `Plan an investigation for this issue.

ISSUE
- Ticket: {{ .Issue.TicketID }} ({{ .Ticket.Title }})
- Category: {{ .Issue.Category }}
- Severity: {{ .Issue.Severity }}
- Summary: {{ .Issue.Summary }}
{{- with .Issue.Signals.ErrorCodes }}
- Error codes: {{ join . ", " }}
{{- end }}
{{- with .Issue.Signals.ErrorMessages }}
- Error messages: {{ join . "; " }}
{{- end }}
{{- with .Issue.Signals.AffectedFeatures }}
- Affected features: {{ join . ", " }}
{{- end }}
{{- with .Issue.Customer.PrimaryEmail }}
- Customer email: {{ . }}
{{- end }}
{{- with .Issue.Customer.UserID }}
- Customer user id: {{ . }}
{{- end }}
- Timeframe: {{ .Timeframe }}

STEP KINDS
- log_search: grep application logs. Fields: terms, start, end.
- structured_query: run one named read-only query. Fields: query, args.
- code_search: grep the source repository. Fields: terms, path_hints (relative globs).

AVAILABLE QUERIES
{{- range .Queries }}
- {{ .Name }}: {{ .Description }} (args: {{ .Args }})
{{- end }}

Lower priority numbers run first. Mark a step required when the decision depends on it.
Choose a hint: auto_fix only for a clear code defect, human_guidance when an engineer
must act, customer_response when the customer must supply information.

Respond with JSON of this shape:
{
  "hint": "auto_fix | human_guidance | customer_response",
  "steps": [
    {"kind": "log_search", "priority": 1, "required": true, "terms": ["..."],
     "start": "RFC3339", "end": "RFC3339", "rationale": "..."},
    {"kind": "structured_query", "priority": 2, "query": "name", "args": {"user_id": "..."}},
    {"kind": "code_search", "priority": 3, "terms": ["..."], "path_hints": ["src/**"]}
  ]
}`

// planResponse keeps steps raw so that one bad step does not spoil the rest.
type planResponse struct {
	Hint  string            `json:"hint" validate:"max=64"`
	Steps []json.RawMessage `json:"steps"`
}

type catalogEntry struct {
	Name        string
	Description string
	Args        string
}

// Planner drafts an investigation plan for an issue. The draft is untrusted;
// plan.Validator bounds it.
type Planner struct {
	client  Client
	catalog []catalogEntry
	log     zerolog.Logger
}

// NewPlanner creates a planner that advertises defs as the available
// structured queries.
func NewPlanner(client Client, defs []query.Definition, log zerolog.Logger) *Planner {
	catalog := make([]catalogEntry, 0, len(defs))
	for _, d := range defs {
		args := make([]string, 0, len(d.Params))
		for _, p := range d.Params {
			a := p.Name + " " + string(p.Type)
			if p.Required {
				a += " required"
			}
			args = append(args, a)
		}
		if len(args) == 0 {
			args = append(args, "none")
		}
		catalog = append(catalog, catalogEntry{Name: d.Name, Description: d.Description, Args: strings.Join(args, ", ")})
	}
	return &Planner{client: client, catalog: catalog, log: log}
}

// Plan asks the model for a draft plan.
func (p *Planner) Plan(ctx context.Context, t ticket.Ticket, rec issue.Record) (plan.Draft, error) {
	tf := "unknown"
	if !rec.Timeframe.IsZero() {
		tf = fmt.Sprintf("%s to %s", formatTime(rec.Timeframe.Start), formatTime(rec.Timeframe.End))
	}

	prompt, err := tmpl.Render(plannerPrompt, map[string]any{
		"Ticket":    t,
		"Issue":     rec,
		"Timeframe": tf,
		"Queries":   p.catalog,
	})
	if err != nil {
		return plan.Draft{}, err
	}

	text, err := p.client.Complete(ctx, plannerSystem, prompt)
	if err != nil {
		return plan.Draft{}, err
	}

	var resp planResponse
	if err := decode(text, &resp); err != nil {
		p.log.Debug().Ctx(ctx).Str("response", truncate(text, 2000)).Msg("unusable planner response")
		return plan.Draft{}, err
	}

	hint := strings.TrimSpace(resp.Hint)
	if hint == "" {
		hint = string(outcome.StrategyHumanGuidance)
	}

	d := plan.Draft{Hint: hint, Steps: make([]plan.DraftStep, 0, len(resp.Steps))}
	for i, raw := range resp.Steps {
		ds := plan.DecodeDraftStep(raw)
		if ds.Malformed != "" {
			p.log.Debug().Ctx(ctx).Int("step", i).Str("error", ds.Malformed).Msg("malformed planner step")
		}
		d.Steps = append(d.Steps, ds)
	}
	return d, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "?"
	}
	return t.UTC().Format(time.RFC3339)
}
