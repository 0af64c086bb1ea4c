// Package admission bounds the number of extractions running at once,
// independent of how many HTTP requests arrive.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrNotAdmitted is returned by Process when ctx ended before the task got
// a slot. The task did not run.
var ErrNotAdmitted = errors.New("admission: not admitted")

// Queue admits at most Capacity tasks at a time. Callers beyond capacity
// block until a slot frees; waiters are admitted in arrival order.
// It is safe for concurrent use.
type Queue struct {
	sem      *semaphore.Weighted
	capacity int

	running atomic.Int64
	queued  atomic.Int64
}

// New creates a queue with the given capacity (minimum 1).
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Process waits for a free slot, then runs task while holding it. The slot
// is held until task returns, whatever happens to ctx meanwhile. If ctx is
// done before a slot frees, task never runs and the error wraps both
// ErrNotAdmitted and the context error.
func (q *Queue) Process(ctx context.Context, task func(ctx context.Context) error) error {
	q.queued.Add(1)
	err := q.sem.Acquire(ctx, 1)
	q.queued.Add(-1)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotAdmitted, err)
	}
	// A slot freed at the same moment ctx ended still counts as not admitted.
	if err := ctx.Err(); err != nil {
		q.sem.Release(1)
		return fmt.Errorf("%w: %w", ErrNotAdmitted, err)
	}

	q.running.Add(1)
	defer func() {
		q.running.Add(-1)
		q.sem.Release(1)
	}()

	return task(ctx)
}

// Stats is a snapshot of queue occupancy.
type Stats struct {
	Running  int
	Queued   int
	Capacity int
}

// Stats returns the current occupancy.
func (q *Queue) Stats() Stats {
	return Stats{
		Running:  int(q.running.Load()),
		Queued:   int(q.queued.Load()),
		Capacity: q.capacity,
	}
}
