// Package evidence holds the append-only record of what each investigation
// step produced.
package evidence

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/colonyops/triage/internal/core/plan"
)

// ErrFrozen is returned when appending to a frozen bundle.
var ErrFrozen = errors.New("evidence bundle is frozen")

// ErrUnknownStep is returned when an item references a step outside the plan.
var ErrUnknownStep = errors.New("evidence references unknown step")

// ErrDuplicateStep is returned when a step already has an item.
var ErrDuplicateStep = errors.New("evidence already recorded for step")

// Status is the terminal state of a step.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Error is the stable, serializable failure attached to an item.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Item is the result of one step.
type Item struct {
	StepID    string          `json:"step_id"`
	Kind      plan.Kind       `json:"kind"`
	Status    Status          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Err       *Error          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// Code returns the error code, or "" for successful items.
func (it Item) Code() string {
	if it.Err == nil {
		return ""
	}
	return it.Err.Code
}

// Bundle collects items for a single run. It is safe for concurrent appends
// and becomes read-only once frozen.
type Bundle struct {
	mu     sync.Mutex
	steps  map[string]int // step id -> plan position
	items  map[string]Item
	frozen bool
}

// NewBundle creates a bundle that accepts exactly one item per plan step.
func NewBundle(p plan.Plan) *Bundle {
	steps := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		steps[s.ID] = i
	}
	return &Bundle{steps: steps, items: make(map[string]Item, len(p.Steps))}
}

// Append records an item. Items must reference a plan step that has no item
// yet, and the bundle must not be frozen.
func (b *Bundle) Append(it Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen {
		return ErrFrozen
	}
	if _, ok := b.steps[it.StepID]; !ok {
		return ErrUnknownStep
	}
	if _, ok := b.items[it.StepID]; ok {
		return ErrDuplicateStep
	}
	b.items[it.StepID] = it
	return nil
}

// Has reports whether the step already has an item.
func (b *Bundle) Has(stepID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.items[stepID]
	return ok
}

// Len returns the number of recorded items.
func (b *Bundle) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Freeze stops further appends and returns an immutable snapshot ordered by
// plan position. Freezing twice returns an equal snapshot.
func (b *Bundle) Freeze() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frozen = true
	items := make([]Item, len(b.steps))
	present := make([]bool, len(b.steps))
	for id, it := range b.items {
		items[b.steps[id]] = it
		present[b.steps[id]] = true
	}

	out := make([]Item, 0, len(b.items))
	for i, it := range items {
		if present[i] {
			out = append(out, it)
		}
	}
	return Snapshot{items: out}
}

// Snapshot is a frozen, ordered view of a bundle.
type Snapshot struct {
	items []Item
}

// NewSnapshot builds a snapshot from persisted items.
func NewSnapshot(items []Item) Snapshot {
	return Snapshot{items: append([]Item(nil), items...)}
}

// Items returns a copy of the items in plan order.
func (s Snapshot) Items() []Item {
	return append([]Item(nil), s.items...)
}

// Len returns the number of items.
func (s Snapshot) Len() int { return len(s.items) }

// Get returns the item for a step.
func (s Snapshot) Get(stepID string) (Item, bool) {
	for _, it := range s.items {
		if it.StepID == stepID {
			return it, true
		}
	}
	return Item{}, false
}

// Count returns how many items have the given status.
func (s Snapshot) Count(status Status) int {
	n := 0
	for _, it := range s.items {
		if it.Status == status {
			n++
		}
	}
	return n
}

// MarshalJSON encodes the items as a JSON array.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.items)
}

// UnmarshalJSON decodes a JSON array of items.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &s.items)
}
