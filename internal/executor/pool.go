package executor

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// WorkerPool limits how many lanes run at once.
type WorkerPool struct {
	sem *semaphore.Weighted
}

// NewWorkerPool creates a new worker pool with the given size.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 3
	}
	return &WorkerPool{sem: semaphore.NewWeighted(int64(size))}
}

// RunContext executes fn with a pool slot held, respecting context cancellation.
// Returns ctx.Err() if the context is cancelled while waiting to acquire.
func (p *WorkerPool) RunContext(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	fn()
	return nil
}
