// Package collect defines the contract shared by the evidence collectors:
// the Collector interface, the result shape, and the stable error codes
// every failure is mapped to.
package collect

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/colonyops/triage/internal/core/evidence"
	"github.com/colonyops/triage/internal/core/plan"
)

// Code is a stable, machine-readable failure classification.
type Code string

const (
	CodeConnection      Code = "connection_error"
	CodeRateLimited     Code = "rate_limited"
	CodeTimeout         Code = "timeout"
	CodeInvalidQuery    Code = "invalid_query"
	CodeInvalidRequest  Code = "invalid_request"
	CodeNotFound        Code = "not_found"
	CodeRemote          Code = "remote_error"
	CodeQueryFailed     Code = "query_failed"
	CodeInternal        Code = "internal"
	CodeUnavailable     Code = "collector_unavailable"
	CodeBudgetExhausted Code = "budget_exhausted"
)

// Transient reports whether a failure with this code may succeed on retry.
func (c Code) Transient() bool {
	return c == CodeConnection || c == CodeRateLimited
}

// Error is a classified collector failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Evidence converts the error to its serializable form.
func (e *Error) Evidence() *evidence.Error {
	if e == nil {
		return nil
	}
	return &evidence.Error{Code: string(e.Code), Message: e.Message}
}

// Errorf builds a classified error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code, keeping it for errors.Is.
func Wrap(code Code, err error, msg string) *Error {
	m := msg
	if err != nil {
		m = fmt.Sprintf("%s: %v", msg, err)
	}
	return &Error{Code: code, Message: m, Err: err}
}

// Result is what a collector returns for one step.
type Result struct {
	Status  evidence.Status
	Payload any
	Summary string
	Err     *Error
}

// OK returns a successful result.
func OK(payload any, summary string) Result {
	return Result{Status: evidence.StatusOK, Payload: payload, Summary: summary}
}

// Partial returns a result where some sources answered and others failed.
func Partial(payload any, summary string, err *Error) Result {
	return Result{Status: evidence.StatusPartial, Payload: payload, Summary: summary, Err: err}
}

// Failed returns a failed result.
func Failed(err *Error) Result {
	return Result{Status: evidence.StatusFailed, Err: err, Summary: err.Error()}
}

// Collector gathers evidence for steps of a single kind. Implementations
// validate their own inputs and never panic to the caller.
type Collector interface {
	Kind() plan.Kind
	Collect(ctx context.Context, step plan.Step) Result
}

// Func adapts a function to the Collector interface.
type Func struct {
	K  plan.Kind
	Fn func(ctx context.Context, step plan.Step) Result
}

func (f Func) Kind() plan.Kind { return f.K }

func (f Func) Collect(ctx context.Context, step plan.Step) Result { return f.Fn(ctx, step) }

// Guard runs c, converting panics into internal errors and context expiry
// into timeouts.
func Guard(ctx context.Context, c Collector, step plan.Step) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("kind", string(c.Kind())).
				Str("step_id", step.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("collector panicked")
			res = Failed(Errorf(CodeInternal, "collector panicked: %v", r))
		}
	}()

	res = c.Collect(ctx, step)
	if res.Status == "" {
		res = Failed(Errorf(CodeInternal, "collector returned no status"))
	}
	if res.Status == evidence.StatusFailed && res.Err == nil {
		res.Err = Errorf(CodeInternal, "collector failed without an error")
	}
	if res.Status == evidence.StatusFailed && ctx.Err() != nil && res.Err.Code != CodeTimeout {
		res = Failed(Wrap(CodeTimeout, ctx.Err(), "step deadline exceeded"))
	}
	return res
}

// FromContext classifies a context error, or returns nil.
func FromContext(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, err, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return Wrap(CodeTimeout, err, "canceled")
	}
	return nil
}

// Throttle waits for a token from l. A nil limiter never blocks. Failure to
// obtain a token before ctx expires is reported as rate_limited.
func Throttle(ctx context.Context, l *rate.Limiter) *Error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return Wrap(CodeRateLimited, err, "rate limit")
	}
	return nil
}

// NewLimiter builds a limiter for perSecond calls with the given burst.
// Zero or negative perSecond disables limiting.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
