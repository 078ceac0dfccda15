// Package query implements the structured-query collector. Only named,
// read-only queries from a registry closed at construction can run; callers
// supply a name and typed arguments, never SQL.
package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/colonyops/triage/internal/core/plan"
)

// ParamType is the declared type of a query argument.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
)

// Param declares one query argument.
type Param struct {
	Name     string
	Type     ParamType
	Required bool
	Default  any
	Min      int
	Max      int
	// Lookback marks an int argument as a relative window ("days_back",
	// "hours_back"). Its value is clamped to the registry's max window and
	// turned into the :since bind.
	Lookback time.Duration
}

// Definition is a named read-only query.
type Definition struct {
	Name        string
	Description string
	SQL         string
	Params      []Param
	// AnyOf lists arguments of which at least one must be non-empty.
	AnyOf []string
}

func (d Definition) param(name string) (Param, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// ArgError reports an argument that violates a definition.
type ArgError struct {
	Query string
	Arg   string
	Msg   string
}

func (e *ArgError) Error() string {
	if e.Arg == "" {
		return fmt.Sprintf("query %s: %s", e.Query, e.Msg)
	}
	return fmt.Sprintf("query %s: argument %q %s", e.Query, e.Arg, e.Msg)
}

// Registry is the closed set of queries a collector may run. It has no
// mutation methods.
type Registry struct {
	defs      map[string]Definition
	maxWindow time.Duration
}

var _ plan.QueryChecker = (*Registry)(nil)

// NewRegistry builds a registry from defs, keeping only the names listed in
// enabled (all of defs when enabled is empty). Unknown enabled names are an
// error so a typo cannot silently disable a query.
func NewRegistry(defs []Definition, enabled []string, maxWindow time.Duration) (*Registry, error) {
	all := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if _, dup := all[d.Name]; dup {
			return nil, fmt.Errorf("duplicate query definition %q", d.Name)
		}
		all[d.Name] = d
	}

	r := &Registry{defs: make(map[string]Definition), maxWindow: maxWindow}
	if len(enabled) == 0 {
		r.defs = all
		return r, nil
	}
	for _, name := range enabled {
		d, ok := all[name]
		if !ok {
			return nil, fmt.Errorf("unknown query %q", name)
		}
		r.defs[name] = d
	}
	return r, nil
}

// Names returns the registered query names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a definition by name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// CheckQuery validates a reference without binding it.
func (r *Registry) CheckQuery(name string, args map[string]any) error {
	_, err := r.Bind(name, args, time.Now())
	return err
}

// Bound is a query ready to execute: the definition, its SQL and the
// resolved named arguments.
type Bound struct {
	Def  Definition
	Args map[string]any
}

// Bind validates args against the named definition, applies defaults and
// clamps, and resolves lookback arguments into a :since timestamp.
func (r *Registry) Bind(name string, args map[string]any, now time.Time) (Bound, error) {
	d, ok := r.defs[name]
	if !ok {
		return Bound{}, fmt.Errorf("%w: %q", plan.ErrUnknownQuery, name)
	}

	for k := range args {
		if _, ok := d.param(k); !ok {
			return Bound{}, &ArgError{Query: name, Arg: k, Msg: "is not accepted"}
		}
	}

	out := make(map[string]any, len(d.Params)+1)
	for _, p := range d.Params {
		raw, present := args[p.Name]
		if !present || raw == nil {
			if p.Required {
				return Bound{}, &ArgError{Query: name, Arg: p.Name, Msg: "is required"}
			}
			raw = p.Default
		}

		switch p.Type {
		case TypeString:
			s, err := asString(raw)
			if err != nil {
				return Bound{}, &ArgError{Query: name, Arg: p.Name, Msg: err.Error()}
			}
			if p.Required && s == "" {
				return Bound{}, &ArgError{Query: name, Arg: p.Name, Msg: "is required"}
			}
			if p.Max > 0 && len(s) > p.Max {
				return Bound{}, &ArgError{Query: name, Arg: p.Name, Msg: fmt.Sprintf("exceeds %d characters", p.Max)}
			}
			out[p.Name] = s
		case TypeInt:
			n, err := asInt(raw)
			if err != nil {
				return Bound{}, &ArgError{Query: name, Arg: p.Name, Msg: err.Error()}
			}
			if n < p.Min {
				n = p.Min
			}
			if p.Max > 0 && n > p.Max {
				n = p.Max
			}
			if p.Lookback > 0 {
				if limit := int(r.maxWindow / p.Lookback); limit >= 1 && n > limit {
					n = limit
				}
				out["since"] = now.Add(-time.Duration(n) * p.Lookback).UTC()
			}
			out[p.Name] = n
		default:
			return Bound{}, &ArgError{Query: name, Arg: p.Name, Msg: fmt.Sprintf("has unsupported type %q", p.Type)}
		}
	}

	if len(d.AnyOf) > 0 {
		found := false
		for _, k := range d.AnyOf {
			if s, _ := out[k].(string); s != "" {
				found = true
			}
		}
		if !found {
			return Bound{}, &ArgError{Query: name, Msg: fmt.Sprintf("one of %s is required", strings.Join(d.AnyOf, ", "))}
		}
	}

	return Bound{Def: d, Args: out}, nil
}

func asString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	default:
		return "", fmt.Errorf("must be a string, got %T", v)
	}
}

func asInt(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t != float64(int(t)) {
			return 0, fmt.Errorf("must be a whole number, got %v", t)
		}
		return int(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("must be an integer, got %q", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("must be an integer, got %T", v)
	}
}
