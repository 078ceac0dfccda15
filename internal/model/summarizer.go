package model

import (
	"context"
	"strings"

	"github.com/colonyops/triage/internal/core/issue"
	"github.com/colonyops/triage/internal/core/ticket"
	"github.com/colonyops/triage/pkg/tmpl"
)

const summarizerSystem = "You write concise, factual investigation reports for support engineers in Markdown."

const summarizerPrompt = `Rewrite these investigation findings for ticket {{ .Ticket.ID }} ({{ .Ticket.Title }}).
Keep every fact, step id and status. Do not speculate beyond the evidence.
Category: {{ .Issue.Category }}. Severity: {{ .Issue.Severity }}.

FINDINGS
{{ .Findings }}`

// Summarizer rewrites deterministic findings into prose.
type Summarizer struct {
	client Client
}

// NewSummarizer creates a summarizer.
func NewSummarizer(client Client) *Summarizer {
	return &Summarizer{client: client}
}

// Summarize returns the rewritten findings. Fences around the response are
// removed.
func (s *Summarizer) Summarize(ctx context.Context, t ticket.Ticket, rec issue.Record, findings string) (string, error) {
	prompt, err := tmpl.Render(summarizerPrompt, map[string]any{
		"Ticket":   t,
		"Issue":    rec,
		"Findings": findings,
	})
	if err != nil {
		return "", err
	}

	text, err := s.client.Complete(ctx, summarizerSystem, prompt)
	if err != nil {
		return "", err
	}
	return stripFence(text), nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
