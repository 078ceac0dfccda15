package model

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/colonyops/triage/internal/core/issue"
	"github.com/colonyops/triage/internal/core/plan"
	"github.com/colonyops/triage/internal/core/ticket"
	"github.com/colonyops/triage/pkg/tmpl"
)

const classifierSystem = "You are an expert customer support analyst. You answer with a single JSON object and nothing else."

const classifierPrompt = `Analyze this support ticket.

TICKET
- ID: {{ .Ticket.ID }}
- Title: {{ .Ticket.Title }}
- Status: {{ .Ticket.Status }}
- Priority: {{ .Ticket.Priority }}
- Reporter: {{ .Ticket.Reporter }}
- Created: {{ .Created }}

CONVERSATION
{{ .Conversation }}

Extract factual technical details. Identify the affected customer (prefer emails the
customer wrote in the problem description over ones in signatures). Estimate when the
problem happened, at most one month before the ticket was created, and explain why.

Respond with JSON of this shape:
{
  "summary": "one or two sentences",
  "category": "bug | configuration | feature_request | access_request | unknown",
  "severity": "low | medium | high | critical",
  "error_codes": ["..."],
  "error_messages": ["..."],
  "affected_features": ["..."],
  "user_actions": ["..."],
  "search_terms": ["distinctive strings to grep logs and code for"],
  "customer": {"primary_email": "", "user_id": "", "account_id": ""},
  "timeframe": {"start": "RFC3339", "end": "RFC3339", "reasoning": ""},
  "confidence": 0.0
}`

type classifyResponse struct {
	Summary          string   `json:"summary" validate:"required,max=2000"`
	Category         string   `json:"category" validate:"required,max=64"`
	Severity         string   `json:"severity" validate:"max=32"`
	ErrorCodes       []string `json:"error_codes" validate:"max=50"`
	ErrorMessages    []string `json:"error_messages" validate:"max=50"`
	AffectedFeatures []string `json:"affected_features" validate:"max=50"`
	UserActions      []string `json:"user_actions" validate:"max=50"`
	SearchTerms      []string `json:"search_terms" validate:"max=50"`
	Customer         struct {
		PrimaryEmail string `json:"primary_email" validate:"omitempty,email"`
		UserID       string `json:"user_id" validate:"max=128"`
		AccountID    string `json:"account_id" validate:"max=128"`
	} `json:"customer"`
	Timeframe struct {
		Start     string `json:"start"`
		End       string `json:"end"`
		Reasoning string `json:"reasoning" validate:"max=2000"`
	} `json:"timeframe"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// Classifier turns a ticket into an issue record.
type Classifier struct {
	client Client
	log    zerolog.Logger
}

// NewClassifier creates a classifier.
func NewClassifier(client Client, log zerolog.Logger) *Classifier {
	return &Classifier{client: client, log: log}
}

// Classify asks the model for an issue record. Transport failures are
// returned as-is; unusable responses wrap ErrMalformed.
func (c *Classifier) Classify(ctx context.Context, t ticket.Ticket) (issue.Record, error) {
	prompt, err := tmpl.Render(classifierPrompt, map[string]any{
		"Ticket":       t,
		"Created":      t.CreatedAt.UTC().Format(time.RFC3339),
		"Conversation": FormatConversation(t),
	})
	if err != nil {
		return issue.Record{}, err
	}

	text, err := c.client.Complete(ctx, classifierSystem, prompt)
	if err != nil {
		return issue.Record{}, err
	}

	var resp classifyResponse
	if err := decode(text, &resp); err != nil {
		c.log.Debug().Ctx(ctx).Str("response", truncate(text, 2000)).Msg("unusable classifier response")
		return issue.Record{}, err
	}

	rec := issue.Record{
		TicketID: t.ID,
		Category: issue.ParseCategory(resp.Category),
		Summary:  strings.TrimSpace(resp.Summary),
		Severity: issue.ParseSeverity(resp.Severity),
		Signals: issue.Signals{
			ErrorCodes:       bound(resp.ErrorCodes, 10, 100),
			ErrorMessages:    bound(resp.ErrorMessages, 10, 300),
			AffectedFeatures: bound(resp.AffectedFeatures, 10, 100),
			UserActions:      bound(resp.UserActions, 10, 300),
			SearchTerms:      bound(resp.SearchTerms, 10, 200),
		},
		Customer: issue.Customer{
			PrimaryEmail: strings.TrimSpace(resp.Customer.PrimaryEmail),
			UserID:       strings.TrimSpace(resp.Customer.UserID),
			AccountID:    strings.TrimSpace(resp.Customer.AccountID),
		},
		Confidence: resp.Confidence,
	}

	// unparsable timeframe bounds are dropped; the plan validator falls back
	// to its default window
	if ts, err := plan.ParseTime(resp.Timeframe.Start); err == nil {
		rec.Timeframe.Start = ts
	}
	if ts, err := plan.ParseTime(resp.Timeframe.End); err == nil {
		rec.Timeframe.End = ts
	}
	if !rec.Timeframe.IsZero() {
		rec.Timeframe.Reasoning = strings.TrimSpace(resp.Timeframe.Reasoning)
	}

	return rec, nil
}

// FormatConversation renders the description and history oldest first.
func FormatConversation(t ticket.Ticket) string {
	var b strings.Builder
	if d := strings.TrimSpace(t.Description); d != "" {
		b.WriteString(t.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
		b.WriteString(" [DESCRIPTION] ")
		b.WriteString(t.Reporter)
		b.WriteString(":\n")
		b.WriteString(truncate(d, 8000))
		b.WriteString("\n\n")
	}

	entries := append([]ticket.Entry(nil), t.Conversation...)
	ticket.SortConversation(entries)
	for _, e := range entries {
		b.WriteString(e.Timestamp.UTC().Format("2006-01-02 15:04:05"))
		b.WriteString(" [")
		b.WriteString(strings.ToUpper(string(e.Kind)))
		b.WriteString("] ")
		b.WriteString(e.Author)
		b.WriteString(":\n")
		b.WriteString(truncate(e.Content, 4000))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
