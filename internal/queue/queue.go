// Package queue implements the bounded task queue and fixed worker pool
// behind the SMS pipeline. Enqueue never blocks: a full queue is reported
// to the caller so the HTTP layer can answer service-unavailable instead of
// accepting unbounded work.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueFull is returned when the queue is at capacity or shutting down.
var ErrQueueFull = errors.New("task queue is full")

// Task is one unit of work. MessageID ties the task back to the persisted
// message so the dequeue hook can update its job status.
type Task struct {
	MessageID int64
	Run       func(ctx context.Context)
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	Depth     int
	Capacity  int
	Workers   int
	Completed int64
	PerSecond float64
}

// Queue is a bounded FIFO queue serviced by a fixed pool of long-lived
// workers.
type Queue struct {
	tasks   chan Task
	workers int

	onDequeue func(ctx context.Context, messageID int64)
	onDone    func(ctx context.Context, messageID int64)

	closed    atomic.Bool
	completed atomic.Int64
	tp        *throughput

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(capacity, workers int) (*Queue, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity must be > 0")
	}
	if workers <= 0 {
		return nil, errors.New("workers must be > 0")
	}
	return &Queue{
		tasks:   make(chan Task, capacity),
		workers: workers,
		tp:      newThroughput(time.Minute),
	}, nil
}

// WithHooks registers callbacks run around each task: onDequeue before the
// task body (after a worker pops it), onDone after the body returns. Must
// be called before Start.
func (q *Queue) WithHooks(
	onDequeue func(ctx context.Context, messageID int64),
	onDone func(ctx context.Context, messageID int64),
) *Queue {
	q.onDequeue = onDequeue
	q.onDone = onDone
	return q
}

// Start launches the worker pool.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	slog.Info("task queue started", "workers", q.workers, "capacity", cap(q.tasks))
}

// Enqueue attempts a non-blocking push. It returns false when the queue is
// at capacity or no longer accepting work; nothing is mutated in that case.
func (q *Queue) Enqueue(t Task) bool {
	if q.closed.Load() {
		return false
	}
	select {
	case q.tasks <- t:
		return true
	default:
		return false
	}
}

// Depth returns the number of tasks waiting to be picked up.
func (q *Queue) Depth() int {
	return len(q.tasks)
}

// Snapshot returns current queue statistics without blocking.
func (q *Queue) Snapshot() Stats {
	return Stats{
		Depth:     len(q.tasks),
		Capacity:  cap(q.tasks),
		Workers:   q.workers,
		Completed: q.completed.Load(),
		PerSecond: q.tp.perSecond(time.Now()),
	}
}

// Shutdown stops intake, waits for queued tasks to drain until ctx expires,
// then stops the workers and joins them. Tasks still queued past the
// deadline are dropped.
func (q *Queue) Shutdown(ctx context.Context) {
	if q.closed.Swap(true) {
		return
	}

	drain := time.NewTicker(50 * time.Millisecond)
	defer drain.Stop()

	for len(q.tasks) > 0 {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline reached with tasks still queued", "remaining", len(q.tasks))
			goto stop
		case <-drain.C:
		}
	}

stop:
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	q.wg.Wait()
	slog.Info("task queue stopped", "completed", q.completed.Load())
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			// Cancellation only stops the pickup loop. A dequeued task runs
			// to completion even across Shutdown, so an in-flight delivery
			// keeps its full retry budget.
			q.runTask(context.Background(), id, t)
		}
	}
}

// runTask executes one task with panic containment: one task's failure
// never terminates the worker or blocks subsequent tasks.
func (q *Queue) runTask(ctx context.Context, workerID int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panic recovered", "worker", workerID, "message_id", t.MessageID, "panic", r)
		}
		q.completed.Add(1)
		q.tp.record(time.Now())
		if q.onDone != nil {
			q.onDone(ctx, t.MessageID)
		}
	}()

	if q.onDequeue != nil {
		q.onDequeue(ctx, t.MessageID)
	}

	start := time.Now()
	t.Run(ctx)
	slog.Info("task completed", "worker", workerID, "message_id", t.MessageID, "duration_ms", time.Since(start).Milliseconds())
}
