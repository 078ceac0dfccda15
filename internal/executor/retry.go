package executor

import (
	"context"
	"time"

	"github.com/colonyops/triage/internal/collect"
)

// RetryPolicy is the single place retry decisions are made. Only transient
// collector codes are retried.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultRetryPolicy retries a transient failure once after a short pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 1, Backoff: 500 * time.Millisecond}
}

// ShouldRetry reports whether a step that failed on the given attempt
// (1-based) with code may run again.
func (p RetryPolicy) ShouldRetry(attempt int, code collect.Code) bool {
	return attempt <= p.MaxRetries && code.Transient()
}

// Delay returns the pause before the given retry (1-based), doubling each time.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if p.Backoff <= 0 || retry < 1 {
		return 0
	}
	return p.Backoff << (retry - 1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
