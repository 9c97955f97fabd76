// Package background runs fire-and-forget tasks detached from request
// lifetimes, so shared-store writes survive the request that spawned them.
// Task errors are the task's problem to log; the runner only bounds
// concurrency and provides a drain point for shutdown.
package background

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Runner executes detached tasks with bounded concurrency. Each task gets a
// fresh context with its own timeout, independent of any request context.
type Runner struct {
	wg          sync.WaitGroup
	slots       chan struct{}
	taskTimeout time.Duration
	closed      atomic.Bool
	dropped     atomic.Int64
}

// NewRunner creates a Runner allowing up to maxConcurrent tasks in flight.
// Each task is cancelled after taskTimeout.
func NewRunner(maxConcurrent int, taskTimeout time.Duration) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if taskTimeout <= 0 {
		taskTimeout = 5 * time.Second
	}
	return &Runner{
		slots:       make(chan struct{}, maxConcurrent),
		taskTimeout: taskTimeout,
	}
}

// Go runs task on a detached goroutine. When the runner is at capacity or
// closed, the task is dropped rather than blocking the caller: every task
// submitted here is a best-effort mirror write whose loss is tolerable.
func (r *Runner) Go(task func(ctx context.Context)) {
	if r.closed.Load() {
		r.dropped.Add(1)
		return
	}
	select {
	case r.slots <- struct{}{}:
	default:
		r.dropped.Add(1)
		log.Debug().Msg("background: runner at capacity, task dropped")
		return
	}

	r.wg.Add(1)
	go func() {
		defer func() {
			<-r.slots
			r.wg.Done()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), r.taskTimeout)
		defer cancel()
		task(ctx)
	}()
}

// Dropped returns the number of tasks discarded due to capacity or shutdown.
func (r *Runner) Dropped() int64 { return r.dropped.Load() }

// Close stops accepting tasks and waits up to timeout for in-flight tasks.
func (r *Runner) Close(timeout time.Duration) {
	r.closed.Store(true)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn().Msg("background: shutdown timed out waiting for tasks")
	}
}
