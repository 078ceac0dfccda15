package query

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/colonyops/triage/internal/collect"
	"github.com/colonyops/triage/internal/core/plan"
)

// Payload is the evidence payload for a structured query.
type Payload struct {
	Query     string           `json:"query"`
	Args      map[string]any   `json:"args"`
	Columns   []string         `json:"columns"`
	Records   []map[string]any `json:"records"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
}

// Collector runs registered queries.
type Collector struct {
	registry *Registry
	runner   Runner
	dialect  Dialect
	limiter  *rate.Limiter
	now      func() time.Time
	log      zerolog.Logger
}

var _ collect.Collector = (*Collector)(nil)

// NewCollector creates a structured-query collector.
func NewCollector(registry *Registry, runner Runner, dialect Dialect, ratePerSecond float64, log zerolog.Logger) *Collector {
	return &Collector{
		registry: registry,
		runner:   runner,
		dialect:  dialect,
		limiter:  collect.NewLimiter(ratePerSecond, 2),
		now:      time.Now,
		log:      log,
	}
}

func (c *Collector) Kind() plan.Kind { return plan.KindStructuredQuery }

// Collect binds and runs the step's named query.
func (c *Collector) Collect(ctx context.Context, step plan.Step) collect.Result {
	bound, err := c.registry.Bind(step.Query.Name, step.Query.Args, c.now())
	if err != nil {
		if errors.Is(err, plan.ErrUnknownQuery) {
			return collect.Failed(collect.Wrap(collect.CodeInvalidQuery, err, "lookup"))
		}
		return collect.Failed(collect.Wrap(collect.CodeInvalidRequest, err, "bind"))
	}

	stmt, args, err := c.dialect.Compile(bound.Def.SQL, bound.Args)
	if err != nil {
		return collect.Failed(collect.Wrap(collect.CodeInternal, err, "compile "+bound.Def.Name))
	}

	if cerr := collect.Throttle(ctx, c.limiter); cerr != nil {
		return collect.Failed(cerr)
	}

	start := time.Now()
	rows, err := c.runner.Query(ctx, stmt, args)
	c.log.Debug().Ctx(ctx).
		Str("query", bound.Def.Name).
		Dur("elapsed", time.Since(start)).
		Int("rows", len(rows.Records)).
		Err(err).
		Msg("structured query")
	if err != nil {
		return collect.Failed(classify(ctx, err, bound.Def.Name))
	}

	payload := Payload{
		Query:     bound.Def.Name,
		Args:      displayArgs(bound.Args),
		Columns:   rows.Columns,
		Records:   rows.Records,
		RowCount:  len(rows.Records),
		Truncated: rows.Truncated,
	}
	summary := fmt.Sprintf("%s returned %d rows", bound.Def.Name, payload.RowCount)
	if rows.Truncated {
		summary += " (truncated)"
	}
	return collect.OK(payload, summary)
}

func displayArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if t, ok := v.(time.Time); ok {
			out[k] = t.Format(time.RFC3339)
			continue
		}
		out[k] = v
	}
	return out
}

func classify(ctx context.Context, err error, name string) *collect.Error {
	if cerr := collect.FromContext(ctx.Err()); cerr != nil {
		return cerr
	}
	if cerr := collect.FromContext(err); cerr != nil {
		return cerr
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return collect.Wrap(collect.CodeConnection, err, name)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "failed to connect") || strings.Contains(msg, "connection reset") {
		return collect.Wrap(collect.CodeConnection, err, name)
	}
	return collect.Wrap(collect.CodeQueryFailed, err, name)
}
