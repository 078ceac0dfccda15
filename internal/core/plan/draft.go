package plan

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Draft is the raw planner output. Nothing in it is trusted.
type Draft struct {
	Hint  string      `json:"hint"`
	Steps []DraftStep `json:"steps"`
}

// DraftStep is an unvalidated step as proposed by the planner. Times are
// strings so that malformed values survive decoding and can be repaired.
type DraftStep struct {
	Kind      string         `json:"kind"`
	Priority  int            `json:"priority"`
	Required  *bool          `json:"required,omitempty"`
	Start     string         `json:"start,omitempty"`
	End       string         `json:"end,omitempty"`
	Terms     []string       `json:"terms,omitempty"`
	Query     string         `json:"query,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	PathHints []string       `json:"path_hints,omitempty"`
	Rationale string         `json:"rationale,omitempty"`

	// Malformed holds the decode error of a step that could not be read.
	// The validator drops such steps with a warning.
	Malformed string `json:"-"`
}

// DecodeDraftStep reads one planner step. Loosely typed values are coerced:
// priorities may be fractional or quoted, required may be a word or 0/1,
// and a single string is accepted where a list is expected. A step that
// still cannot be read is returned with Malformed set.
func DecodeDraftStep(data []byte) DraftStep {
	var raw struct {
		Kind      string          `json:"kind"`
		Priority  json.RawMessage `json:"priority"`
		Required  json.RawMessage `json:"required"`
		Start     string          `json:"start"`
		End       string          `json:"end"`
		Terms     json.RawMessage `json:"terms"`
		Query     string          `json:"query"`
		Args      map[string]any  `json:"args"`
		PathHints json.RawMessage `json:"path_hints"`
		Rationale string          `json:"rationale"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return DraftStep{Malformed: err.Error()}
	}

	ds := DraftStep{
		Kind:      raw.Kind,
		Start:     raw.Start,
		End:       raw.End,
		Query:     raw.Query,
		Args:      raw.Args,
		Rationale: raw.Rationale,
	}

	var err error
	if ds.Priority, err = looseInt(raw.Priority); err != nil {
		return DraftStep{Kind: raw.Kind, Malformed: "priority: " + err.Error()}
	}
	if ds.Required, err = looseBool(raw.Required); err != nil {
		return DraftStep{Kind: raw.Kind, Malformed: "required: " + err.Error()}
	}
	if ds.Terms, err = looseStrings(raw.Terms); err != nil {
		return DraftStep{Kind: raw.Kind, Malformed: "terms: " + err.Error()}
	}
	if ds.PathHints, err = looseStrings(raw.PathHints); err != nil {
		return DraftStep{Kind: raw.Kind, Malformed: "path_hints: " + err.Error()}
	}
	return ds
}

func isNull(data json.RawMessage) bool {
	s := strings.TrimSpace(string(data))
	return s == "" || s == "null"
}

func looseInt(data json.RawMessage) (int, error) {
	if isNull(data) {
		return 0, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float64:
		return clampInt(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", x)
		}
		return clampInt(f), nil
	}
	return 0, fmt.Errorf("unsupported value %s", data)
}

func clampInt(f float64) int {
	switch {
	case math.IsNaN(f):
		return 0
	case f > math.MaxInt32:
		return math.MaxInt32
	case f < math.MinInt32:
		return math.MinInt32
	}
	return int(math.Round(f))
}

func looseBool(data json.RawMessage) (*bool, error) {
	if isNull(data) {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	var b bool
	switch x := v.(type) {
	case bool:
		b = x
	case float64:
		b = x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "y", "1", "required":
			b = true
		case "false", "no", "n", "0", "optional":
			b = false
		default:
			return nil, fmt.Errorf("not a boolean: %q", x)
		}
	default:
		return nil, fmt.Errorf("unsupported value %s", data)
	}
	return &b, nil
}

func looseStrings(data json.RawMessage) ([]string, error) {
	if isNull(data) {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return nil, fmt.Errorf("want a string or a list of strings, got %s", data)
	}
	return many, nil
}
