// Package memory provides an in-process, lane-scoped job queue with delayed
// delivery.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue holds one bounded channel per lane.
type Queue struct {
	lanes map[monitor.Lane]chan monitor.Job
	done  chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	timers    map[*time.Timer]struct{}
	delayed   sync.WaitGroup

	// outstanding counts jobs accepted but not yet acknowledged.
	outstanding atomic.Int64
}

// NewQueue builds a queue with the given per-lane capacity. Lanes missing from
// depths get defaultDepth.
func NewQueue(defaultDepth int, depths map[monitor.Lane]int) *Queue {
	if defaultDepth <= 0 {
		defaultDepth = 256
	}
	q := &Queue{
		lanes:  make(map[monitor.Lane]chan monitor.Job),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
	for _, lane := range monitor.Lanes() {
		depth := depths[lane]
		if depth <= 0 {
			depth = defaultDepth
		}
		q.lanes[lane] = make(chan monitor.Job, depth)
	}
	return q
}

// Enqueue delivers job to its lane after delay. With no delay it blocks until
// there is room or ctx ends; delayed jobs are handed to a timer and Enqueue
// returns immediately.
func (q *Queue) Enqueue(ctx context.Context, job monitor.Job, delay time.Duration) error {
	ch, ok := q.lanes[job.Lane()]
	if !ok {
		return fmt.Errorf("%w: unknown lane %q", monitor.ErrValidation, job.Lane())
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	if delay <= 0 {
		q.outstanding.Add(1)
		select {
		case <-ctx.Done():
			q.outstanding.Add(-1)
			return fmt.Errorf("enqueue canceled: %w", ctx.Err())
		case <-q.done:
			q.outstanding.Add(-1)
			return ErrClosed
		case ch <- job:
			return nil
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	q.delayed.Add(1)
	q.outstanding.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer q.delayed.Done()
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		select {
		case ch <- job:
		case <-q.done:
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Dequeue pops the next job for lane, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context, lane monitor.Lane) (monitor.Job, error) {
	ch, ok := q.lanes[lane]
	if !ok {
		return monitor.Job{}, fmt.Errorf("unknown lane %q", lane)
	}
	select {
	case <-ctx.Done():
		return monitor.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return monitor.Job{}, ErrClosed
	case job := <-ch:
		return job, nil
	}
}

// Len returns the number of jobs ready on lane.
func (q *Queue) Len(lane monitor.Lane) int {
	return len(q.lanes[lane])
}

// Pending returns the number of delayed jobs not yet delivered.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Ack marks a dequeued job as settled. Workers call it after any follow-up
// jobs have been enqueued.
func (q *Queue) Ack(monitor.Lane) {
	q.outstanding.Add(-1)
}

// Idle reports whether every accepted job has been acknowledged.
func (q *Queue) Idle() bool {
	return q.outstanding.Load() <= 0
}

// WaitIdle blocks until Idle holds or ctx ends, checking every poll interval.
func (q *Queue) WaitIdle(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for !q.Idle() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait idle: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops delivery. Delayed jobs that have not fired are dropped.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		for timer := range q.timers {
			if timer.Stop() {
				q.delayed.Done()
			}
			delete(q.timers, timer)
		}
		q.mu.Unlock()
		q.delayed.Wait()
	})
}
