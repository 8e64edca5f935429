// Package queue provides the in-process job queue feeding the worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/insightops/fleetharvest/internal/fleet"
)

// ErrClosed is returned once the queue is closed and fully drained.
var ErrClosed = errors.New("queue closed")

// Queue is a priority-banded FIFO. Dequeue serves the highest non-empty band
// first and submission order within a band. Retries re-enter at the tail of
// their band so a flaky job never blocks the head.
//
// Drain accounting counts every job from first enqueue until a worker calls
// Done; retry requeues do not count twice.
type Queue struct {
	mu          sync.Mutex
	ready       sync.Cond
	bands       [fleet.NumPriorities][]*fleet.Job
	outstanding int
	closed      bool
	drained     chan struct{}
	drainOnce   sync.Once
}

// New constructs an empty queue.
func New() *Queue {
	q := &Queue{drained: make(chan struct{})}
	q.ready.L = &q.mu
	return q
}

// Enqueue adds a newly submitted job. It is non-blocking and fails once the
// queue is closed.
func (q *Queue) Enqueue(job *fleet.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.push(job)
	q.outstanding++
	q.ready.Signal()
	return nil
}

// Requeue re-adds a job for another attempt at the tail of its band. The job
// is still counted as outstanding from its original enqueue.
func (q *Queue) Requeue(job *fleet.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.push(job)
	q.ready.Signal()
	return nil
}

func (q *Queue) push(job *fleet.Job) {
	band := job.Priority
	if !band.Valid() {
		band = fleet.PriorityMedium
	}
	q.bands[band] = append(q.bands[band], job)
}

// Dequeue pops the next job by band then FIFO order, blocking while the queue
// is empty. It returns ErrClosed once the queue is closed and empty, or the
// context error if ctx ends first.
func (q *Queue) Dequeue(ctx context.Context) (*fleet.Job, error) {
	// Wake blocked waiters when the caller gives up; Wait cannot watch ctx
	// on its own.
	stop := context.AfterFunc(ctx, func() { q.ready.Broadcast() })
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dequeue canceled: %w", err)
		}
		if job := q.pop(); job != nil {
			return job, nil
		}
		if q.closed {
			return nil, ErrClosed
		}
		q.ready.Wait()
	}
}

func (q *Queue) pop() *fleet.Job {
	for band := fleet.PriorityCritical; band >= fleet.PriorityBackground; band-- {
		if len(q.bands[band]) > 0 {
			job := q.bands[band][0]
			q.bands[band] = q.bands[band][1:]
			return job
		}
	}
	return nil
}

// Done marks one outstanding job as finished (success, terminal failure, or
// cancellation). The drain gate opens when every enqueued job is done.
func (q *Queue) Done(*fleet.Job) {
	q.mu.Lock()
	if q.outstanding > 0 {
		q.outstanding--
	}
	remaining := q.outstanding
	q.mu.Unlock()
	if remaining == 0 {
		q.drainOnce.Do(func() { close(q.drained) })
	}
}

// DrainWait blocks until every enqueued job has been marked done, or ctx ends.
func (q *Queue) DrainWait(ctx context.Context) error {
	q.mu.Lock()
	empty := q.outstanding == 0
	q.mu.Unlock()
	if empty {
		q.drainOnce.Do(func() { close(q.drained) })
	}
	select {
	case <-q.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain wait canceled: %w", ctx.Err())
	}
}

// TakePending empties all bands and returns the removed jobs. Used on run
// cancellation to fail pending work without handing it to workers. The jobs
// remain outstanding until Done is called for each.
func (q *Queue) TakePending() []*fleet.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var taken []*fleet.Job
	for band := fleet.PriorityCritical; band >= fleet.PriorityBackground; band-- {
		taken = append(taken, q.bands[band]...)
		q.bands[band] = nil
	}
	return taken
}

// Len reports the number of currently queued (not in-flight) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, band := range q.bands {
		n += len(band)
	}
	return n
}

// Close stops further enqueues and wakes blocked dequeuers. Safe to call more
// than once.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.ready.Broadcast()
}
