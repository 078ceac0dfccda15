package decide

import (
	"strings"

	"github.com/colonyops/triage/internal/core/outcome"
	"github.com/colonyops/triage/pkg/tmpl"
)

const findingsTemplate = `## Summary
{{ .Issue.Summary }}

Category: {{ .Issue.Category }} · Severity: {{ .Issue.Severity }} · Confidence: {{ printf "%.2f" .Confidence }}
{{- if .Issue.Signals.ErrorCodes }}
Error codes: {{ join .Issue.Signals.ErrorCodes ", " }}
{{- end }}

## Evidence
{{- range .Steps }}
- {{ .ID }} {{ .Kind }}{{ if .Required }} (required){{ end }}: {{ .Status }}{{ if .Code }} [{{ .Code }}]{{ end }}{{ if .Summary }}: {{ trunc 300 .Summary }}{{ end }}
{{- else }}
- no investigation steps were planned
{{- end }}
`

const resolutionTemplate = `## Resolution
Strategy: {{ .Strategy }}
{{- range .Reasons }}
- {{ . }}
{{- end }}
`

type findingsStep struct {
	ID       string
	Kind     string
	Required bool
	Status   string
	Code     string
	Summary  string
}

// RenderFindings renders the deterministic findings text: the issue summary
// and one line per step in plan order.
func RenderFindings(in Input, a Assessment) (string, error) {
	steps := make([]findingsStep, 0, len(in.Plan.Steps))
	for _, s := range in.Plan.Steps {
		fs := findingsStep{ID: s.ID, Kind: string(s.Kind), Required: s.Required, Status: "missing"}
		if it, ok := in.Evidence.Get(s.ID); ok {
			fs.Status = string(it.Status)
			fs.Code = it.Code()
			fs.Summary = it.Summary
		}
		steps = append(steps, fs)
	}

	out, err := tmpl.Render(findingsTemplate, map[string]any{
		"Issue":      in.Issue,
		"Confidence": a.Confidence,
		"Steps":      steps,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RenderResolution renders the decision section appended to the findings.
func RenderResolution(strategy outcome.Strategy, reasons []string) (string, error) {
	out, err := tmpl.Render(resolutionTemplate, map[string]any{
		"Strategy": strategy,
		"Reasons":  reasons,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
