// Package issue defines the normalized problem description produced by the
// classifier for a single ticket.
package issue

import (
	"strings"
	"time"
)

// Category is the closed set of problem categories.
type Category string

const (
	CategoryBug            Category = "bug"
	CategoryConfiguration  Category = "configuration"
	CategoryFeatureRequest Category = "feature_request"
	CategoryAccessRequest  Category = "access_request"
	CategoryUnknown        Category = "unknown"
)

// ParseCategory maps free-form model output onto a Category. Anything
// unrecognized becomes CategoryUnknown.
func ParseCategory(s string) Category {
	switch norm(s) {
	case "bug", "defect", "error":
		return CategoryBug
	case "configuration", "config", "misconfiguration":
		return CategoryConfiguration
	case "feature_request", "feature", "enhancement":
		return CategoryFeatureRequest
	case "access_request", "access", "permission", "permissions":
		return CategoryAccessRequest
	default:
		return CategoryUnknown
	}
}

// Severity ranks impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps model output onto a Severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch norm(s) {
	case "low", "minor":
		return SeverityLow
	case "high", "major":
		return SeverityHigh
	case "critical", "blocker", "urgent":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

func norm(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

// Signals are the concrete facts extracted from the ticket that steer the
// investigation.
type Signals struct {
	ErrorCodes       []string `json:"error_codes,omitempty"`
	ErrorMessages    []string `json:"error_messages,omitempty"`
	AffectedFeatures []string `json:"affected_features,omitempty"`
	UserActions      []string `json:"user_actions,omitempty"`
	SearchTerms      []string `json:"search_terms,omitempty"`
}

// Customer identifies the affected account, when the ticket names one.
type Customer struct {
	PrimaryEmail string `json:"primary_email,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
}

// Timeframe is when the problem is believed to have occurred.
type Timeframe struct {
	Start     time.Time `json:"start,omitempty"`
	End       time.Time `json:"end,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"`
}

// IsZero reports whether no timeframe was extracted.
func (tf Timeframe) IsZero() bool {
	return tf.Start.IsZero() && tf.End.IsZero()
}

// Record is the classifier output for one ticket. It is produced once per
// run and treated as read-only afterwards.
type Record struct {
	TicketID   string    `json:"ticket_id"`
	Category   Category  `json:"category"`
	Summary    string    `json:"summary"`
	Severity   Severity  `json:"severity"`
	Signals    Signals   `json:"signals"`
	Customer   Customer  `json:"customer"`
	Timeframe  Timeframe `json:"timeframe"`
	Confidence float64   `json:"confidence"`
}

// Terms returns the distinct search terms implied by the record's signals,
// in signal order.
func (r Record) Terms() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(vals []string) {
		for _, v := range vals {
			v = strings.TrimSpace(v)
			k := strings.ToLower(v)
			if v == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, v)
		}
	}
	add(r.Signals.ErrorCodes)
	add(r.Signals.SearchTerms)
	add(r.Signals.ErrorMessages)
	return out
}
