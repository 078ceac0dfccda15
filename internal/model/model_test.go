package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colonyops/triage/internal/collect/query"
	"github.com/colonyops/triage/internal/core/issue"
	"github.com/colonyops/triage/internal/core/plan"
	"github.com/colonyops/triage/internal/core/ticket"
)

type fakeClient struct {
	reply  string
	err    error
	system string
	prompt string
}

func (f *fakeClient) Complete(_ context.Context, system, prompt string) (string, error) {
	f.system = system
	f.prompt = prompt
	return f.reply, f.err
}

var nop = zerolog.New(io.Discard)

func testTicket() ticket.Ticket {
	created := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	return ticket.Ticket{
		ID:          "SUP-7",
		Title:       "Checkout fails",
		Description: "Card payment fails with E1042 since yesterday.",
		Reporter:    "jane@example.com",
		CreatedAt:   created,
		Conversation: []ticket.Entry{
			{Author: "agent", Timestamp: created.Add(2 * time.Hour), Content: "Which card?", Kind: ticket.EntryComment},
			{Author: "system", Timestamp: created.Add(time.Hour), Content: "Open -> In Progress", Kind: ticket.EntryStatusChange},
		},
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare", in: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", in: "```json\n{\"a\":{\"b\":2}}\n```", want: `{"a":{"b":2}}`},
		{name: "prose around", in: `Here you go: {"a":"x"} hope it helps {"b":1}`, want: `{"a":"x"}`},
		{name: "braces in strings", in: `{"a":"}{","b":"\"}"}`, want: `{"a":"}{","b":"\"}"}`},
		{name: "no object", in: "no json here", wantErr: true},
		{name: "unterminated", in: `{"a":{"b":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatConversation(t *testing.T) {
	got := FormatConversation(testTicket())

	desc := strings.Index(got, "[DESCRIPTION] jane@example.com")
	status := strings.Index(got, "[STATUS_CHANGE] system")
	comment := strings.Index(got, "[COMMENT] agent")
	require.True(t, desc >= 0 && status >= 0 && comment >= 0, got)
	assert.Less(t, desc, status)
	assert.Less(t, status, comment)
}

func TestClassifier_Classify(t *testing.T) {
	client := &fakeClient{reply: "```json\n" + `{
  "summary": "Card payments are declined with E1042",
  "category": "Bug",
  "severity": "high",
  "error_codes": ["E1042", " ", "E1042"],
  "search_terms": ["payment declined"],
  "customer": {"primary_email": "jane@example.com", "user_id": "u-42"},
  "timeframe": {"start": "2024-06-14", "end": "2024-06-15T09:00:00Z", "reasoning": "since yesterday"},
  "confidence": 0.85
}` + "\n```"}

	rec, err := NewClassifier(client, nop).Classify(context.Background(), testTicket())
	require.NoError(t, err)

	assert.Equal(t, "SUP-7", rec.TicketID)
	assert.Equal(t, issue.CategoryBug, rec.Category)
	assert.Equal(t, issue.SeverityHigh, rec.Severity)
	assert.Equal(t, []string{"E1042", "E1042"}, rec.Signals.ErrorCodes)
	assert.Equal(t, "u-42", rec.Customer.UserID)
	assert.Equal(t, time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC), rec.Timeframe.Start)
	assert.Equal(t, "since yesterday", rec.Timeframe.Reasoning)
	assert.InDelta(t, 0.85, rec.Confidence, 1e-9)

	assert.Contains(t, client.prompt, "Checkout fails")
	assert.Contains(t, client.prompt, "Which card?")
}

func TestClassifier_UnknownCategoryAndBadTimeframe(t *testing.T) {
	client := &fakeClient{reply: `{"summary":"billing question","category":"billing","timeframe":{"start":"last week"},"confidence":0.2}`}

	rec, err := NewClassifier(client, nop).Classify(context.Background(), testTicket())
	require.NoError(t, err)
	assert.Equal(t, issue.CategoryUnknown, rec.Category)
	assert.Equal(t, issue.SeverityMedium, rec.Severity)
	assert.True(t, rec.Timeframe.IsZero())
	assert.Empty(t, rec.Timeframe.Reasoning)
}

func TestClassifier_Errors(t *testing.T) {
	transport := errors.New("connection reset")

	tests := []struct {
		name      string
		client    *fakeClient
		malformed bool
	}{
		{name: "transport", client: &fakeClient{err: transport}},
		{name: "not json", client: &fakeClient{reply: "I cannot help with that."}, malformed: true},
		{name: "missing summary", client: &fakeClient{reply: `{"category":"bug","confidence":0.5}`}, malformed: true},
		{name: "confidence out of range", client: &fakeClient{reply: `{"summary":"x","category":"bug","confidence":7}`}, malformed: true},
		{name: "bad email", client: &fakeClient{reply: `{"summary":"x","category":"bug","customer":{"primary_email":"nope"}}`}, malformed: true},
		{name: "wrong type", client: &fakeClient{reply: `{"summary":["x"],"category":"bug"}`}, malformed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClassifier(tt.client, nop).Classify(context.Background(), testTicket())
			require.Error(t, err)
			if tt.malformed {
				assert.ErrorIs(t, err, ErrMalformed)
			} else {
				assert.ErrorIs(t, err, transport)
			}
		})
	}
}

func TestPlanner_Plan(t *testing.T) {
	client := &fakeClient{reply: `Plan:
{"hint": "auto_fix", "steps": [
  {"kind": "log_search", "priority": 1, "required": true, "terms": ["E1042"], "start": "2024-06-14", "end": "2024-06-15"},
  {"kind": "structured_query", "priority": 2, "query": "user_transactions", "args": {"user_id": "u-42", "days_back": 3}},
  {"kind": "code_search", "priority": 3, "terms": ["E1042"], "path_hints": ["src/payments/**"]}
]}`}

	rec := issue.Record{
		TicketID: "SUP-7",
		Category: issue.CategoryBug,
		Summary:  "Card payments are declined",
		Signals:  issue.Signals{ErrorCodes: []string{"E1042"}},
		Customer: issue.Customer{UserID: "u-42"},
	}

	p := NewPlanner(client, query.Builtin(), nop)
	d, err := p.Plan(context.Background(), testTicket(), rec)
	require.NoError(t, err)

	assert.Equal(t, "auto_fix", d.Hint)
	require.Len(t, d.Steps, 3)
	assert.Equal(t, "log_search", d.Steps[0].Kind)
	require.NotNil(t, d.Steps[0].Required)
	assert.True(t, *d.Steps[0].Required)
	assert.Equal(t, "user_transactions", d.Steps[1].Query)
	assert.Equal(t, "u-42", d.Steps[1].Args["user_id"])
	assert.Equal(t, []string{"src/payments/**"}, d.Steps[2].PathHints)

	assert.Contains(t, client.prompt, "user_transactions: Recent transactions for a user")
	assert.Contains(t, client.prompt, "user_id string required")
	assert.Contains(t, client.prompt, "Error codes: E1042")
	assert.Contains(t, client.prompt, "Timeframe: unknown")
}

func TestPlanner_DefaultsHintAndRejectsGarbage(t *testing.T) {
	p := NewPlanner(&fakeClient{reply: `{"steps": []}`}, nil, nop)
	d, err := p.Plan(context.Background(), testTicket(), issue.Record{})
	require.NoError(t, err)
	assert.Equal(t, "human_guidance", d.Hint)
	assert.Empty(t, d.Steps)

	p = NewPlanner(&fakeClient{reply: `{"hint": "auto_fix", "steps": "many"}`}, nil, nop)
	_, err = p.Plan(context.Background(), testTicket(), issue.Record{})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestPlanner_KeepsGoodStepsBesideBadOnes(t *testing.T) {
	tests := []struct {
		name      string
		bad       string
		malformed bool
		check     func(t *testing.T, ds plan.DraftStep)
	}{
		{
			name:  "fractional priority",
			bad:   `{"kind": "code_search", "priority": 2.5, "terms": ["E1042"]}`,
			check: func(t *testing.T, ds plan.DraftStep) { assert.Equal(t, 3, ds.Priority) },
		},
		{
			name: "required as a word",
			bad:  `{"kind": "code_search", "required": "yes", "terms": ["E1042"]}`,
			check: func(t *testing.T, ds plan.DraftStep) {
				require.NotNil(t, ds.Required)
				assert.True(t, *ds.Required)
			},
		},
		{
			name:  "single term",
			bad:   `{"kind": "code_search", "terms": "x"}`,
			check: func(t *testing.T, ds plan.DraftStep) { assert.Equal(t, []string{"x"}, ds.Terms) },
		},
		{
			name:      "unreadable priority",
			bad:       `{"kind": "code_search", "priority": {"level": 1}, "terms": ["E1042"]}`,
			malformed: true,
		},
		{
			name:      "step is not an object",
			bad:       `"search the logs"`,
			malformed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := `{"hint": "human_guidance", "steps": [
  {"kind": "log_search", "priority": 1, "required": true, "terms": ["E1042"]},
  ` + tt.bad + `
]}`
			p := NewPlanner(&fakeClient{reply: reply}, nil, nop)
			d, err := p.Plan(context.Background(), testTicket(), issue.Record{})
			require.NoError(t, err)
			require.Len(t, d.Steps, 2)

			assert.Equal(t, "log_search", d.Steps[0].Kind)
			assert.Empty(t, d.Steps[0].Malformed)

			if tt.malformed {
				assert.NotEmpty(t, d.Steps[1].Malformed)
				return
			}
			assert.Empty(t, d.Steps[1].Malformed)
			tt.check(t, d.Steps[1])
		})
	}
}

func TestPlanner_ManyStepsAreNotRejected(t *testing.T) {
	var b strings.Builder
	b.WriteString(`{"hint": "human_guidance", "steps": [`)
	for i := 0; i < 150; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"kind": "log_search", "priority": %d, "terms": ["t%d"]}`, i, i)
	}
	b.WriteString(`]}`)

	d, err := NewPlanner(&fakeClient{reply: b.String()}, nil, nop).Plan(context.Background(), testTicket(), issue.Record{})
	require.NoError(t, err)
	assert.Len(t, d.Steps, 150)
}

func TestSummarizer(t *testing.T) {
	client := &fakeClient{reply: "```markdown\n## Summary\nPayments fail.\n```"}

	got, err := NewSummarizer(client).Summarize(context.Background(), testTicket(), issue.Record{Category: issue.CategoryBug}, "## Summary\nraw")
	require.NoError(t, err)
	assert.Equal(t, "## Summary\nPayments fail.", got)
	assert.Contains(t, client.prompt, "## Summary\nraw")
}

func chatServer(t *testing.T, content string, status int) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var requests []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		requests = append(requests, body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1718000000,
			"model":   "deepseek-chat",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestOpenAIClient_Complete(t *testing.T) {
	srv, requests := chatServer(t, `{"ok": true}`, http.StatusOK)

	c, err := NewOpenAIClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1/", Model: "deepseek-chat", MaxTokens: 100}, nop)
	require.NoError(t, err)

	got, err := c.Complete(context.Background(), "sys", "hello")
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, got)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, "deepseek-chat", req["model"])
	msgs, ok := req["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "hello", msgs[1].(map[string]any)["content"])
}

func TestOpenAIClient_Errors(t *testing.T) {
	_, err := NewOpenAIClient(Config{}, nop)
	require.Error(t, err)

	srv, _ := chatServer(t, "", http.StatusServiceUnavailable)
	c, err := NewOpenAIClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"}, nop)
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "sys", "hello")
	require.Error(t, err)

	empty, _ := chatServer(t, "   ", http.StatusOK)
	c, err = NewOpenAIClient(Config{APIKey: "test-key", BaseURL: empty.URL + "/v1"}, nop)
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "sys", "hello")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestOpenAIClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
			return
		}
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"deepseek-chat","object":"model"}]}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewOpenAIClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"}, nop)
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))

	bad, err := NewOpenAIClient(Config{APIKey: "wrong", BaseURL: srv.URL + "/v1"}, nop)
	require.NoError(t, err)
	require.Error(t, bad.Ping(context.Background()))
}
