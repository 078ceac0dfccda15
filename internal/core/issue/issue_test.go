package issue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in   string
		want Category
	}{
		{"bug", CategoryBug},
		{"  Bug ", CategoryBug},
		{"configuration", CategoryConfiguration},
		{"feature-request", CategoryFeatureRequest},
		{"Feature Request", CategoryFeatureRequest},
		{"access_request", CategoryAccessRequest},
		{"billing question", CategoryUnknown},
		{"", CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCategory(tt.in))
		})
	}
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, ParseSeverity("Blocker"))
	assert.Equal(t, SeverityLow, ParseSeverity("low"))
	assert.Equal(t, SeverityMedium, ParseSeverity("whatever"))
}

func TestRecord_Terms(t *testing.T) {
	r := Record{Signals: Signals{
		ErrorCodes:    []string{"E1042", " "},
		SearchTerms:   []string{"checkout", "e1042"},
		ErrorMessages: []string{"payment declined"},
	}}

	assert.Equal(t, []string{"E1042", "checkout", "payment declined"}, r.Terms())
}
