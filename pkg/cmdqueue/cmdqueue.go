// Package cmdqueue implements the single-worker cooperative task
// executor the update cycle submits all network I/O, verification, and
// install work to: a FIFO queue, one task in flight at a time,
// pause/resume, abort-with-drain, and graceful shutdown.
//
// Uses a single-goroutine, one-call-at-a-time dispatch shape,
// implemented here as an explicit channel-driven worker since the
// cycle and external callers run on separate goroutines.
package cmdqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyPaused is returned by a second consecutive Pause call.
var ErrAlreadyPaused = errors.New("cmdqueue: already paused")

// ErrShutdown is returned by Enqueue once Shutdown has been called.
var ErrShutdown = errors.New("cmdqueue: queue is shut down")

// Task is one unit of work submitted to the queue. It must observe
// ctx for cancellation at coarse-grained steps.
type Task func(ctx context.Context) (interface{}, error)

// Future is the handle Enqueue returns; it completes when the task
// finishes, is cancelled by Abort, or is rejected by Shutdown.
type Future struct {
	done   chan struct{}
	result interface{}
	err    error
}

// Wait blocks until the task completes and returns its result.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) complete(result interface{}, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

type entry struct {
	task   Task
	future *Future
}

// Queue is the FIFO single-worker executor.
type Queue struct {
	mu       sync.Mutex
	paused   bool
	shutdown bool
	pending  []entry

	rootCtx       context.Context
	cancelCurrent context.CancelFunc

	wake chan struct{}
	done chan struct{}
}

// New starts a Queue with its worker goroutine running, rooted at
// parent for cancellation propagation.
func New(parent context.Context) *Queue {
	q := &Queue{
		rootCtx: parent,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends task to the FIFO and returns a Future for its result.
func (q *Queue) Enqueue(task Task) (*Future, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		return nil, ErrShutdown
	}

	f := &Future{done: make(chan struct{})}
	q.pending = append(q.pending, entry{task: task, future: f})
	q.signal()
	return f, nil
}

// Pause stops the worker from dequeueing new tasks. The in-flight task,
// if any, runs to completion. Returns ErrAlreadyPaused if already paused.
func (q *Queue) Pause() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return ErrAlreadyPaused
	}
	q.paused = true
	return nil
}

// Resume releases a pause, allowing dequeueing to continue.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
}

// Abort cancels whichever task is currently in flight (if any) and
// drains every queued-but-not-started task with a cancelled result.
// The queue itself keeps running: a later Enqueue gets a fresh
// cancellation context, so one Abort does not poison the rest of the
// queue's lifetime.
func (q *Queue) Abort() {
	q.mu.Lock()
	if q.cancelCurrent != nil {
		q.cancelCurrent()
	}
	drained := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, e := range drained {
		e.future.complete(nil, context.Canceled)
	}
}

// Shutdown waits for the in-flight task to finish, then rejects further
// Enqueue calls. Queued-but-not-started tasks complete with ErrShutdown.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.shutdown = true
	drained := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, e := range drained {
		e.future.complete(nil, ErrShutdown)
	}
	q.signal()
	<-q.done
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		e, ok := q.dequeue()
		if !ok {
			if q.isShutdown() {
				return
			}
			// Abort alone does not stop the worker (only Shutdown does);
			// it drains the queue itself via Abort, so there is nothing
			// left to dequeue until the next Enqueue or Resume wakes us.
			<-q.wake
			continue
		}

		taskCtx, cancel := context.WithCancel(q.rootCtx)
		q.mu.Lock()
		q.cancelCurrent = cancel
		q.mu.Unlock()

		result, err := e.task(taskCtx)

		q.mu.Lock()
		q.cancelCurrent = nil
		q.mu.Unlock()
		cancel()

		e.future.complete(result, err)
	}
}

func (q *Queue) isShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

func (q *Queue) dequeue() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || len(q.pending) == 0 {
		return entry{}, false
	}
	e := q.pending[0]
	q.pending = q.pending[1:]
	return e, true
}
