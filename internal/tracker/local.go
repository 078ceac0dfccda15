package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/colonyops/triage/internal/core/ticket"
)

// FileSource serves tickets from JSON documents on disk. A file may hold a
// single ticket or an array of tickets.
type FileSource struct {
	tickets map[string]ticket.Ticket
	order   []string
}

var _ ticket.Source = (*FileSource)(nil)

// LoadFileSource reads tickets from r.
func LoadFileSource(r io.Reader) (*FileSource, error) {
	bits, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read tickets: %w", err)
	}

	var list []ticket.Ticket
	trimmed := strings.TrimSpace(string(bits))
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(bits, &list)
	} else {
		var one ticket.Ticket
		err = json.Unmarshal(bits, &one)
		list = []ticket.Ticket{one}
	}
	if err != nil {
		return nil, fmt.Errorf("decode tickets: %w", err)
	}

	fs := &FileSource{tickets: make(map[string]ticket.Ticket, len(list))}
	for _, t := range list {
		if t.ID == "" {
			return nil, errors.New("ticket without id")
		}
		if _, dup := fs.tickets[t.ID]; !dup {
			fs.order = append(fs.order, t.ID)
		}
		ticket.SortConversation(t.Conversation)
		fs.tickets[t.ID] = t
	}
	return fs, nil
}

// OpenFileSource loads tickets from path.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tickets: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadFileSource(f)
}

// IDs returns the loaded ticket ids in file order.
func (fs *FileSource) IDs() []string {
	return append([]string(nil), fs.order...)
}

// Fetch returns a copy of the ticket.
func (fs *FileSource) Fetch(ctx context.Context, id string) (ticket.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return ticket.Ticket{}, err
	}
	t, ok := fs.tickets[id]
	if !ok {
		return ticket.Ticket{}, fmt.Errorf("%w: %s", ticket.ErrNotFound, id)
	}
	return t.Clone(), nil
}

// DryRunSink prints updates instead of posting them. It remembers what it
// printed so re-runs in the same process verify as posted.
type DryRunSink struct {
	w io.Writer

	mu     sync.Mutex
	posted map[string][]string
}

var (
	_ ticket.Sink           = (*DryRunSink)(nil)
	_ ticket.UpdateVerifier = (*DryRunSink)(nil)
)

// NewDryRunSink creates a sink writing to w.
func NewDryRunSink(w io.Writer) *DryRunSink {
	return &DryRunSink{w: w, posted: make(map[string][]string)}
}

// Post writes the update as indented JSON.
func (s *DryRunSink) Post(_ context.Context, id string, u ticket.Update) error {
	bits, err := json.MarshalIndent(struct {
		Ticket string        `json:"ticket"`
		Update ticket.Update `json:"update"`
	}{id, u}, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(s.w, string(bits)); err != nil {
		return err
	}
	s.posted[id] = append(s.posted[id], u.Marker)
	return nil
}

// HasUpdate reports whether this sink printed marker for id.
func (s *DryRunSink) HasUpdate(_ context.Context, id, marker string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.posted[id] {
		if m == marker {
			return true, nil
		}
	}
	return false, nil
}
