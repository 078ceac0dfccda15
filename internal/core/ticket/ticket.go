// Package ticket defines the support ticket snapshot consumed by a triage run
// and the interfaces used to read tickets from and write updates back to a
// tracker.
package ticket

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ErrNotFound is returned by a Source when the ticket does not exist.
var ErrNotFound = errors.New("ticket not found")

// EntryKind classifies a conversation entry.
type EntryKind string

const (
	EntryComment      EntryKind = "comment"
	EntryStatusChange EntryKind = "status_change"
	EntryAssignment   EntryKind = "assignment"
)

// Entry is a single item of ticket history.
type Entry struct {
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Kind      EntryKind `json:"kind"`
}

// Ticket is an immutable snapshot of a tracker issue, fetched once per run.
type Ticket struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Priority     string    `json:"priority,omitempty"`
	Status       string    `json:"status,omitempty"`
	Reporter     string    `json:"reporter,omitempty"`
	Assignee     string    `json:"assignee,omitempty"`
	Labels       []string  `json:"labels,omitempty"`
	Components   []string  `json:"components,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Conversation []Entry   `json:"conversation,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate a shared snapshot.
func (t Ticket) Clone() Ticket {
	out := t
	out.Labels = append([]string(nil), t.Labels...)
	out.Components = append([]string(nil), t.Components...)
	out.Conversation = append([]Entry(nil), t.Conversation...)
	return out
}

// Comments returns only the comment entries in chronological order.
func (t Ticket) Comments() []Entry {
	var out []Entry
	for _, e := range t.Conversation {
		if e.Kind == EntryComment {
			out = append(out, e)
		}
	}
	return out
}

// SortConversation orders entries chronologically. Entries with equal
// timestamps keep their relative order.
func SortConversation(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}

// Update is the payload written back to the tracker at the end of a run.
type Update struct {
	// Marker identifies the run that produced this update. It is embedded in
	// the posted comment so a later invocation can detect a completed write.
	Marker     string   `json:"marker"`
	Comment    string   `json:"comment"`
	Labels     []string `json:"labels,omitempty"`
	Transition string   `json:"transition,omitempty"`
}

// Source fetches ticket snapshots.
type Source interface {
	Fetch(ctx context.Context, id string) (Ticket, error)
}

// Sink writes updates to a ticket. Post is the only external side effect of
// a triage run.
type Sink interface {
	Post(ctx context.Context, id string, update Update) error
}

// UpdateVerifier is implemented by sinks that can tell whether an update
// carrying marker was already written to the ticket.
type UpdateVerifier interface {
	HasUpdate(ctx context.Context, id, marker string) (bool, error)
}

// HasMarker reports whether body contains marker as a whole token, so that
// the marker of run 1 does not match the marker of run 12.
func HasMarker(body, marker string) bool {
	if marker == "" {
		return false
	}
	for i := 0; ; {
		j := strings.Index(body[i:], marker)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(marker)
		if !markerRuneBefore(body[:start]) && !markerRuneAfter(body[end:]) {
			return true
		}
		i = start + 1
	}
}

func isMarkerRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_'
}

func markerRuneBefore(s string) bool {
	if s == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	return isMarkerRune(r)
}

func markerRuneAfter(s string) bool {
	for _, r := range s {
		return isMarkerRune(r)
	}
	return false
}
