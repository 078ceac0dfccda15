package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colonyops/triage/internal/core/issue"
)

func TestDecodeDraftStep(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		priority int
		required *bool
		terms    []string
		bad      bool
	}{
		{name: "typed", in: `{"kind":"log_search","priority":2,"required":false,"terms":["a","b"]}`, priority: 2, required: boolp(false), terms: []string{"a", "b"}},
		{name: "fractional priority", in: `{"kind":"log_search","priority":1.4}`, priority: 1},
		{name: "quoted priority", in: `{"kind":"log_search","priority":" 3 "}`, priority: 3},
		{name: "huge priority", in: `{"kind":"log_search","priority":1e300}`, priority: 2147483647},
		{name: "required word", in: `{"kind":"log_search","required":"Yes"}`, required: boolp(true)},
		{name: "required number", in: `{"kind":"log_search","required":0}`, required: boolp(false)},
		{name: "null fields", in: `{"kind":"log_search","priority":null,"required":null,"terms":null}`},
		{name: "single term", in: `{"kind":"log_search","terms":"E1042"}`, terms: []string{"E1042"}},
		{name: "priority object", in: `{"kind":"log_search","priority":{}}`, bad: true},
		{name: "required gibberish", in: `{"kind":"log_search","required":"maybe"}`, bad: true},
		{name: "terms of numbers", in: `{"kind":"log_search","terms":[1,2]}`, bad: true},
		{name: "not an object", in: `[1]`, bad: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := DecodeDraftStep([]byte(tt.in))
			if tt.bad {
				assert.NotEmpty(t, ds.Malformed)
				return
			}
			require.Empty(t, ds.Malformed)
			assert.Equal(t, tt.priority, ds.Priority)
			assert.Equal(t, tt.required, ds.Required)
			assert.Equal(t, tt.terms, ds.Terms)
		})
	}
}

func TestValidate_MalformedStepDropped(t *testing.T) {
	p := newTestValidator().Validate(Draft{Hint: "human_guidance", Steps: []DraftStep{
		DecodeDraftStep([]byte(`{"kind":"log_search","priority":{},"terms":["a"]}`)),
		{Kind: "log_search", Terms: []string{"b"}},
	}}, issue.Record{})

	require.Len(t, p.Steps, 1)
	assert.Equal(t, []string{"b"}, p.Steps[0].Terms)
	assert.Equal(t, "s1", p.Steps[0].ID)
	require.Len(t, p.Warnings, 1)
	assert.Equal(t, 0, p.Warnings[0].Step)
	assert.Equal(t, "step", p.Warnings[0].Field)
	assert.Contains(t, p.Warnings[0].Reason, "priority")
}
