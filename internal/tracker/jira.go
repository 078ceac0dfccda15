// Package tracker implements ticket sources and sinks: a Jira REST client,
// a file-backed source for local runs and a dry-run sink.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/colonyops/triage/internal/core/ticket"
)

// APIError is a non-2xx response from the tracker.
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Operation, e.StatusCode, e.Message)
}

// JiraConfig holds connection settings.
type JiraConfig struct {
	BaseURL  string
	Email    string
	APIToken string
	Timeout  time.Duration
	// MaxComments bounds how many comments HasUpdate scans.
	MaxComments int
}

// Jira is a ticket.Source, ticket.Sink and ticket.UpdateVerifier over the
// Jira REST API v2.
type Jira struct {
	cfg  JiraConfig
	http *http.Client
	log  zerolog.Logger
}

var (
	_ ticket.Source         = (*Jira)(nil)
	_ ticket.Sink           = (*Jira)(nil)
	_ ticket.UpdateVerifier = (*Jira)(nil)
)

// NewJira creates a client.
func NewJira(cfg JiraConfig, log zerolog.Logger) (*Jira, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("jira: base url is required")
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxComments <= 0 {
		cfg.MaxComments = 100
	}
	return &Jira{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}, nil
}

func (j *Jira) doJSON(ctx context.Context, method, path, operation string, body, dst any) error {
	var rd io.Reader
	if body != nil {
		bits, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", operation, err)
		}
		rd = bytes.NewReader(bits)
	}

	req, err := http.NewRequestWithContext(ctx, method, j.cfg.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if j.cfg.Email != "" || j.cfg.APIToken != "" {
		req.SetBasicAuth(j.cfg.Email, j.cfg.APIToken)
	}

	j.log.Debug().Ctx(ctx).Str("operation", operation).Str("method", method).Str("path", path).Msg("jira request")

	resp, err := j.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: do request: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := apiMessage(resp.Body)
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Operation: operation, StatusCode: resp.StatusCode, Message: msg}
	}

	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("%s: decode response: %w", operation, err)
		}
	}
	return nil
}

func apiMessage(r io.Reader) string {
	bits, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var payload struct {
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
	}
	if json.Unmarshal(bits, &payload) == nil {
		msgs := payload.ErrorMessages
		for k, v := range payload.Errors {
			msgs = append(msgs, k+": "+v)
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return strings.TrimSpace(string(bits))
}

func issuePath(id string, rest ...string) string {
	return "/rest/api/2/issue/" + url.PathEscape(id) + strings.Join(rest, "")
}

type jiraUser struct {
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

func (u *jiraUser) name() string {
	if u == nil {
		return ""
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.EmailAddress
}

type jiraNamed struct {
	Name string `json:"name"`
}

type jiraComment struct {
	ID      string    `json:"id"`
	Author  *jiraUser `json:"author"`
	Body    string    `json:"body"`
	Created string    `json:"created"`
}

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string      `json:"summary"`
		Description string      `json:"description"`
		Priority    *jiraNamed  `json:"priority"`
		Status      *jiraNamed  `json:"status"`
		Reporter    *jiraUser   `json:"reporter"`
		Assignee    *jiraUser   `json:"assignee"`
		Labels      []string    `json:"labels"`
		Components  []jiraNamed `json:"components"`
		Created     string      `json:"created"`
		Updated     string      `json:"updated"`
		Comment     struct {
			Comments []jiraComment `json:"comments"`
		} `json:"comment"`
	} `json:"fields"`
	Changelog struct {
		Histories []struct {
			Author  *jiraUser `json:"author"`
			Created string    `json:"created"`
			Items   []struct {
				Field      string `json:"field"`
				FromString string `json:"fromString"`
				ToString   string `json:"toString"`
			} `json:"items"`
		} `json:"histories"`
	} `json:"changelog"`
}

const jiraTime = "2006-01-02T15:04:05.000-0700"

func parseJiraTime(s string) time.Time {
	for _, layout := range []string{jiraTime, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Fetch reads an issue with its comments and changelog. The conversation
// holds comments plus status, priority and assignee changes in
// chronological order.
func (j *Jira) Fetch(ctx context.Context, id string) (ticket.Ticket, error) {
	var raw jiraIssue
	err := j.doJSON(ctx, http.MethodGet, issuePath(id, "?expand=changelog"), "fetch issue", nil, &raw)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return ticket.Ticket{}, fmt.Errorf("%w: %s", ticket.ErrNotFound, id)
		}
		return ticket.Ticket{}, err
	}

	f := raw.Fields
	t := ticket.Ticket{
		ID:          raw.Key,
		Title:       f.Summary,
		Description: f.Description,
		Reporter:    f.Reporter.name(),
		Assignee:    f.Assignee.name(),
		Labels:      f.Labels,
		CreatedAt:   parseJiraTime(f.Created),
		UpdatedAt:   parseJiraTime(f.Updated),
	}
	if t.ID == "" {
		t.ID = id
	}
	if f.Priority != nil {
		t.Priority = f.Priority.Name
	}
	if f.Status != nil {
		t.Status = f.Status.Name
	}
	for _, c := range f.Components {
		t.Components = append(t.Components, c.Name)
	}

	for _, c := range f.Comment.Comments {
		t.Conversation = append(t.Conversation, ticket.Entry{
			Author:    c.Author.name(),
			Timestamp: parseJiraTime(c.Created),
			Content:   c.Body,
			Kind:      ticket.EntryComment,
		})
	}
	for _, h := range raw.Changelog.Histories {
		for _, it := range h.Items {
			var kind ticket.EntryKind
			switch strings.ToLower(it.Field) {
			case "status", "priority":
				kind = ticket.EntryStatusChange
			case "assignee":
				kind = ticket.EntryAssignment
			default:
				continue
			}
			t.Conversation = append(t.Conversation, ticket.Entry{
				Author:    h.Author.name(),
				Timestamp: parseJiraTime(h.Created),
				Content:   fmt.Sprintf("%s changed from %q to %q", it.Field, it.FromString, it.ToString),
				Kind:      kind,
			})
		}
	}
	ticket.SortConversation(t.Conversation)

	return t, nil
}

// Post adds the comment, then labels and transition. Only the comment is
// required to succeed: label and transition failures are logged.
func (j *Jira) Post(ctx context.Context, id string, u ticket.Update) error {
	body := map[string]any{"body": u.Comment}
	if err := j.doJSON(ctx, http.MethodPost, issuePath(id, "/comment"), "add comment", body, nil); err != nil {
		return err
	}

	if len(u.Labels) > 0 {
		ops := make([]map[string]string, 0, len(u.Labels))
		for _, l := range u.Labels {
			ops = append(ops, map[string]string{"add": l})
		}
		body := map[string]any{"update": map[string]any{"labels": ops}}
		if err := j.doJSON(ctx, http.MethodPut, issuePath(id), "add labels", body, nil); err != nil {
			j.log.Warn().Ctx(ctx).Err(err).Strs("labels", u.Labels).Msg("failed to add labels")
		}
	}

	if u.Transition != "" {
		if err := j.transition(ctx, id, u.Transition); err != nil {
			j.log.Warn().Ctx(ctx).Err(err).Str("transition", u.Transition).Msg("failed to transition ticket")
		}
	}
	return nil
}

// ErrNoTransition is returned when the workflow has no transition into the
// requested status.
var ErrNoTransition = errors.New("no matching transition")

func (j *Jira) transition(ctx context.Context, id, target string) error {
	var list struct {
		Transitions []struct {
			ID   string    `json:"id"`
			Name string    `json:"name"`
			To   jiraNamed `json:"to"`
		} `json:"transitions"`
	}
	if err := j.doJSON(ctx, http.MethodGet, issuePath(id, "/transitions"), "list transitions", nil, &list); err != nil {
		return err
	}

	for _, tr := range list.Transitions {
		if strings.EqualFold(tr.To.Name, target) || strings.EqualFold(tr.Name, target) {
			body := map[string]any{"transition": map[string]string{"id": tr.ID}}
			return j.doJSON(ctx, http.MethodPost, issuePath(id, "/transitions"), "transition issue", body, nil)
		}
	}
	return fmt.Errorf("%w to %q", ErrNoTransition, target)
}

// HasUpdate reports whether a recent comment on the issue carries marker.
func (j *Jira) HasUpdate(ctx context.Context, id, marker string) (bool, error) {
	var page struct {
		Comments []jiraComment `json:"comments"`
	}
	path := issuePath(id, fmt.Sprintf("/comment?orderBy=-created&maxResults=%d", j.cfg.MaxComments))
	if err := j.doJSON(ctx, http.MethodGet, path, "list comments", nil, &page); err != nil {
		return false, err
	}
	for _, c := range page.Comments {
		if ticket.HasMarker(c.Body, marker) {
			return true, nil
		}
	}
	return false, nil
}

// Ping checks credentials against the current-user endpoint.
func (j *Jira) Ping(ctx context.Context) error {
	return j.doJSON(ctx, http.MethodGet, "/rest/api/2/myself", "ping", nil, nil)
}
