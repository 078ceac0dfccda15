package outcome

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrategyOrdering(t *testing.T) {
	assert.Less(t, StrategyCustomerResponse.Rank(), StrategyHumanGuidance.Rank())
	assert.Less(t, StrategyHumanGuidance.Rank(), StrategyAutoFix.Rank())
	assert.Equal(t, -1, Strategy("deploy").Rank())
}

func TestMin(t *testing.T) {
	for _, a := range Strategies() {
		for _, b := range Strategies() {
			got := Min(a, b)
			assert.LessOrEqual(t, got.Rank(), a.Rank())
			assert.LessOrEqual(t, got.Rank(), b.Rank())
			assert.True(t, got == a || got == b)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in     string
		want   Strategy
		wantOK bool
	}{
		{"auto_fix", StrategyAutoFix, true},
		{"Auto-Fix", StrategyAutoFix, true},
		{"human guidance", StrategyHumanGuidance, true},
		{"customer_response", StrategyCustomerResponse, true},
		{"escalate", Strategy("escalate"), false},
		{"", Strategy(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseStrategy(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestStrategyLabel(t *testing.T) {
	assert.Equal(t, "auto-fix", StrategyAutoFix.Label())
}
