package plan

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/colonyops/triage/internal/core/issue"
	"github.com/colonyops/triage/internal/core/outcome"
)

// ErrUnknownQuery is returned by a QueryChecker for names outside the
// allow-list.
var ErrUnknownQuery = errors.New("query is not registered")

// QueryChecker validates a structured query reference against the closed
// registry of named queries.
type QueryChecker interface {
	CheckQuery(name string, args map[string]any) error
}

// Limits bound every validated plan.
type Limits struct {
	MaxWindow     time.Duration
	DefaultWindow time.Duration
	MaxSteps      int
	MaxTerms      int
	MaxTermLength int
	MaxPathHints  int
}

// DefaultLimits returns the limits used when configuration omits them.
func DefaultLimits() Limits {
	return Limits{
		MaxWindow:     30 * 24 * time.Hour,
		DefaultWindow: 7 * 24 * time.Hour,
		MaxSteps:      12,
		MaxTerms:      8,
		MaxTermLength: 200,
		MaxPathHints:  8,
	}
}

// Validator turns drafts into plans.
type Validator struct {
	Limits  Limits
	Queries QueryChecker
	Now     func() time.Time
}

// NewValidator creates a validator. A nil checker rejects every query.
func NewValidator(limits Limits, queries QueryChecker) *Validator {
	return &Validator{Limits: limits, Queries: queries, Now: time.Now}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts the timestamp layouts models commonly produce.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// Validate repairs and bounds a draft. It never fails: steps that cannot be
// repaired are either dropped (malformed, unknown kind, over the step cap) or kept and
// marked Invalid so the executor records them as skipped. rec supplies the
// default window for steps that omit one.
func (v *Validator) Validate(d Draft, rec issue.Record) Plan {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	lim := v.Limits
	if lim.MaxWindow <= 0 {
		lim = DefaultLimits()
	}

	p := Plan{}
	warn := func(idx int, field, format string, args ...any) {
		p.Warnings = append(p.Warnings, ValidationError{Step: idx, Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	hint, ok := outcome.ParseStrategy(d.Hint)
	if !ok {
		warn(-1, "hint", "unknown hint %q, using %s", d.Hint, outcome.StrategyHumanGuidance)
		hint = outcome.StrategyHumanGuidance
	}
	p.Hint = hint

	ts := now().UTC()
	type candidate struct {
		draftIdx int
		step     Step
	}
	var kept []candidate

	for i, ds := range d.Steps {
		if ds.Malformed != "" {
			warn(i, "step", "malformed step dropped: %s", ds.Malformed)
			continue
		}
		kind := Kind(strings.ToLower(strings.TrimSpace(ds.Kind)))
		if !kind.IsValid() {
			warn(i, "kind", "unknown kind %q, step dropped", ds.Kind)
			continue
		}

		priority := ds.Priority
		if priority < 0 {
			priority = 0
		}
		required := true
		if ds.Required != nil {
			required = *ds.Required
		}

		step := Step{
			Kind:      kind,
			Priority:  priority,
			Required:  required,
			Rationale: strings.TrimSpace(ds.Rationale),
		}
		step.Window = v.window(i, ds, rec, ts, lim, warn)

		switch kind {
		case KindLogSearch, KindCodeSearch:
			step.Terms = cleanTerms(i, ds.Terms, lim, warn)
			if len(step.Terms) == 0 {
				step.Invalid = &Invalid{Code: InvalidRequest, Reason: "no usable search terms"}
			}
			if kind == KindCodeSearch {
				step.PathHints = cleanHints(i, ds.PathHints, lim, warn)
			}
		case KindStructuredQuery:
			step.Query = QueryRef{Name: strings.TrimSpace(ds.Query), Args: copyArgs(ds.Args)}
			step.Invalid = v.checkQuery(step.Query)
		}

		kept = append(kept, candidate{draftIdx: i, step: step})
	}

	if lim.MaxSteps > 0 && len(kept) > lim.MaxSteps {
		order := make([]int, len(kept))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return kept[order[a]].step.Priority < kept[order[b]].step.Priority
		})
		drop := make(map[int]bool)
		for _, idx := range order[lim.MaxSteps:] {
			drop[idx] = true
			warn(kept[idx].draftIdx, "steps", "exceeds max of %d steps, step dropped", lim.MaxSteps)
		}
		var trimmed []candidate
		for i, c := range kept {
			if !drop[i] {
				trimmed = append(trimmed, c)
			}
		}
		kept = trimmed
	}

	p.Steps = make([]Step, 0, len(kept))
	for i, c := range kept {
		c.step.Index = i
		c.step.ID = fmt.Sprintf("s%d", i+1)
		p.Steps = append(p.Steps, c.step)
	}

	return p
}

func (v *Validator) window(i int, ds DraftStep, rec issue.Record, now time.Time, lim Limits, warn func(int, string, string, ...any)) Window {
	var w Window

	if ds.End != "" {
		t, err := ParseTime(ds.End)
		if err != nil {
			warn(i, "end", "%v, using default", err)
		} else {
			w.End = t
		}
	}
	if ds.Start != "" {
		t, err := ParseTime(ds.Start)
		if err != nil {
			warn(i, "start", "%v, using default", err)
		} else {
			w.Start = t
		}
	}

	if w.End.IsZero() {
		w.End = now
		if !rec.Timeframe.End.IsZero() {
			w.End = rec.Timeframe.End.UTC()
		}
	}
	if w.Start.IsZero() {
		w.Start = w.End.Add(-lim.DefaultWindow)
		if !rec.Timeframe.Start.IsZero() && rec.Timeframe.Start.Before(w.End) {
			w.Start = rec.Timeframe.Start.UTC()
		}
	}

	if w.Start.After(w.End) {
		warn(i, "window", "start after end, swapped")
		w.Start, w.End = w.End, w.Start
	}
	if w.End.After(now) {
		warn(i, "end", "in the future, clamped to now")
		w.End = now
	}
	if w.Start.After(w.End) {
		warn(i, "start", "in the future, using default window")
		w.Start = w.End.Add(-lim.DefaultWindow)
	}
	if w.Span() > lim.MaxWindow {
		warn(i, "window", "span %s exceeds max %s, clamped", w.Span().Round(time.Hour), lim.MaxWindow)
		w.Start = w.End.Add(-lim.MaxWindow)
	}

	return w
}

func (v *Validator) checkQuery(q QueryRef) *Invalid {
	if q.Name == "" {
		return &Invalid{Code: InvalidRequest, Reason: "missing query name"}
	}
	if v.Queries == nil {
		return &Invalid{Code: InvalidQuery, Reason: fmt.Sprintf("query %q is not registered", q.Name)}
	}
	if err := v.Queries.CheckQuery(q.Name, q.Args); err != nil {
		if errors.Is(err, ErrUnknownQuery) {
			return &Invalid{Code: InvalidQuery, Reason: err.Error()}
		}
		return &Invalid{Code: InvalidRequest, Reason: err.Error()}
	}
	return nil
}

func cleanTerms(i int, terms []string, lim Limits, warn func(int, string, string, ...any)) []string {
	seen := make(map[string]bool)
	var out []string
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if strings.IndexFunc(term, unicode.IsControl) >= 0 {
			warn(i, "terms", "term %q contains control characters, removed", term)
			continue
		}
		if r := []rune(term); lim.MaxTermLength > 0 && len(r) > lim.MaxTermLength {
			warn(i, "terms", "term longer than %d characters, truncated", lim.MaxTermLength)
			term = string(r[:lim.MaxTermLength])
		}
		key := strings.ToLower(term)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, term)
	}
	if lim.MaxTerms > 0 && len(out) > lim.MaxTerms {
		warn(i, "terms", "%d terms exceeds max of %d, truncated", len(out), lim.MaxTerms)
		out = out[:lim.MaxTerms]
	}
	return out
}

// ValidPathHint reports whether hint is a relative glob confined to the
// repository root.
func ValidPathHint(hint string) error {
	if hint == "" {
		return errors.New("empty path hint")
	}
	if path.IsAbs(hint) || strings.HasPrefix(hint, "\\") || (len(hint) > 1 && hint[1] == ':') {
		return fmt.Errorf("path hint %q must be relative", hint)
	}
	for _, seg := range strings.Split(hint, "/") {
		if seg == ".." {
			return fmt.Errorf("path hint %q escapes the repository root", hint)
		}
	}
	if strings.HasPrefix(hint, ":") || strings.ContainsAny(hint, "\x00\n") {
		return fmt.Errorf("path hint %q is malformed", hint)
	}
	if !doublestar.ValidatePattern(hint) {
		return fmt.Errorf("path hint %q is not a valid glob", hint)
	}
	return nil
}

func cleanHints(i int, hints []string, lim Limits, warn func(int, string, string, ...any)) []string {
	var out []string
	seen := make(map[string]bool)
	for _, h := range hints {
		h = strings.TrimPrefix(strings.TrimSpace(h), "./")
		if h == "" {
			continue
		}
		if err := ValidPathHint(h); err != nil {
			warn(i, "path_hints", "%v, removed", err)
			continue
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	if lim.MaxPathHints > 0 && len(out) > lim.MaxPathHints {
		warn(i, "path_hints", "%d hints exceeds max of %d, truncated", len(out), lim.MaxPathHints)
		out = out[:lim.MaxPathHints]
	}
	return out
}

func copyArgs(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[strings.TrimSpace(k)] = v
	}
	return out
}
