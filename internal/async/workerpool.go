package async

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds the number of concurrently running operations. Excess
// callers wait FIFO on the semaphore. There is no timeout and no
// cancellation of in-flight work; the context only gates admission.
type WorkerPool struct {
	sem *semaphore.Weighted
}

func NewWorkerPool(size int64) *WorkerPool {
	return &WorkerPool{sem: semaphore.NewWeighted(size)}
}

// Run executes op once a slot is free.
func (p *WorkerPool) Run(ctx context.Context, op func() (any, error)) (any, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	return op()
}
