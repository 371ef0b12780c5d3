package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	laneBuffer      = 100
	laneIdleTimeout = time.Minute
)

// ErrQueueStopped is returned by Enqueue after Stop.
var ErrQueueStopped = errors.New("queue stopped")

// Queue manages per-subscription lanes with a global concurrency semaphore.
// Each subscription gets its own FIFO channel (lane) so that deliveries to
// one subscription never overlap, while the semaphore limits the total
// number of concurrent deliveries across all subscriptions. Lanes left idle
// are torn down.
type Queue struct {
	lanes     map[string]chan *Job
	semaphore *semaphore.Weighted
	processor func(*Job) error
	active    atomic.Int64
	pending   atomic.Int64
	idle      time.Duration
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent jobs to execute
// simultaneously across all lanes.
func NewQueue(maxConcurrent int64) *Queue {
	return &Queue{
		lanes:     make(map[string]chan *Job),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		idle:      laneIdleTimeout,
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		for key, lane := range q.lanes {
			close(lane)
			delete(q.lanes, key)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Job to its subscription's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}

	lane, exists := q.lanes[job.Key]
	if !exists {
		lane = make(chan *Job, laneBuffer)
		q.lanes[job.Key] = lane
		q.wg.Add(1)
		go q.processLane(job.Key, lane)
	}

	select {
	case lane <- job:
		q.pending.Add(1)
		return nil
	default:
		return fmt.Errorf("queue full for subscription %s", job.Key)
	}
}

// processLane drains a single lane, acquiring a semaphore slot before
// running the processor synchronously. A lane that stays empty for the idle
// timeout removes itself; Enqueue holds the lock while sending, so a lane is
// only removed when nothing can be waiting in it.
func (q *Queue) processLane(key string, lane chan *Job) {
	defer q.wg.Done()
	idle := time.NewTimer(q.idle)
	defer idle.Stop()
	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			q.run(job)
			idle.Reset(q.idle)
		case <-idle.C:
			q.mu.Lock()
			if len(lane) == 0 && q.lanes[key] == lane {
				delete(q.lanes, key)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			idle.Reset(q.idle)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) run(job *Job) {
	defer q.pending.Add(-1)
	if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
		return
	}
	defer q.semaphore.Release(1)
	if q.processor == nil {
		return
	}
	q.active.Add(1)
	defer q.active.Add(-1)

	job.Ctx = q.ctx
	job.Status = JobStatusRunning
	if err := q.processor(job); err != nil {
		job.Status = JobStatusFailed
		slog.Error("job failed", "job_id", string(job.ID), "subscription", job.Key, "error", err)
		return
	}
	job.Status = JobStatusComplete
}

// Lanes returns the number of live lanes.
func (q *Queue) Lanes() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.lanes)
}

// WaitIdle blocks until no jobs are queued or running, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.pending.Load() == 0 && q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Job.
func (q *Queue) SetProcessor(fn func(*Job) error) {
	q.processor = fn
}
