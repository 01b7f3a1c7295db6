package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"varianceiq/internal/infrastructure"
)

type queued struct {
	job *Job
	fn  Func
	ctx context.Context
}

// Queue runs jobs on a fixed pool of workers. Jobs that arrive while every
// worker is busy wait in a bounded backlog.
type Queue struct {
	mu      sync.RWMutex
	jobs    chan queued
	workers int
	wg      sync.WaitGroup
	store   Store
	logger  *slog.Logger

	started  bool
	stopped  bool
	baseCtx  context.Context
	stopAll  context.CancelFunc
	shutdown chan struct{}
	cancels  map[string]context.CancelFunc
}

// NewQueue creates a queue with the given number of workers and backlog size.
func NewQueue(workers, backlog int, store Store, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		jobs:     make(chan queued, backlog),
		workers:  workers,
		store:    store,
		logger:   logger.With(slog.String("component", "jobqueue")),
		shutdown: make(chan struct{}),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start begins processing jobs. Job contexts derive from ctx.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.baseCtx, q.stopAll = context.WithCancel(context.WithoutCancel(ctx))

	q.logger.Info("job_queue_started", slog.Int("workers", q.workers), slog.Int("backlog", cap(q.jobs)))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop cancels every job, then waits up to timeout for the workers to exit.
// Jobs still in the backlog are marked cancelled.
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.shutdown)
	q.stopAll()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		q.logger.Warn("job_queue_stop_timeout", slog.Duration("timeout", timeout))
		return fmt.Errorf("timeout waiting for workers to finish")
	}

	for {
		select {
		case item := <-q.jobs:
			q.finish(item.job, StatusCancelled, context.Canceled)
		default:
			q.logger.Info("job_queue_stopped")
			return nil
		}
	}
}

// Enqueue records job as pending and schedules fn. The job ID must be unique.
func (q *Queue) Enqueue(job *Job, fn Func) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.started || q.stopped {
		return ErrNotStarted
	}
	job.Status = StatusPending
	job.Error = ""
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if err := q.store.Create(job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	ctx, cancel := context.WithCancel(q.baseCtx)
	if traceID := job.Metadata["trace_id"]; traceID != "" {
		ctx = infrastructure.WithTraceID(ctx, traceID)
	}

	select {
	case q.jobs <- queued{job: clone(job), fn: fn, ctx: ctx}:
		q.cancels[job.ID] = cancel
		q.logger.Debug("job_enqueued", slog.String("job_id", job.ID), slog.String("kind", job.Kind))
		return nil
	default:
		cancel()
		q.finish(job, StatusFailed, ErrQueueFull)
		return ErrQueueFull
	}
}

// Cancel stops a pending or running job.
func (q *Queue) Cancel(id string) error {
	job, err := q.store.Get(id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, id, job.Status)
	}

	q.mu.Lock()
	cancel, ok := q.cancels[id]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	cancel()

	if job.Status == StatusPending {
		q.finish(job, StatusCancelled, context.Canceled)
	}
	q.logger.Info("job_cancel_requested", slog.String("job_id", id), slog.String("status", string(job.Status)))
	return nil
}

// Get returns a snapshot of the job.
func (q *Queue) Get(id string) (*Job, error) {
	return q.store.Get(id)
}

// List returns jobs matching filter.
func (q *Queue) List(filter Filter) ([]*Job, error) {
	return q.store.List(filter)
}

// Active returns the number of jobs that are pending or running.
func (q *Queue) Active() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.cancels)
}

func (q *Queue) worker(workerID int) {
	defer q.wg.Done()

	logger := q.logger.With(slog.Int("worker_id", workerID))
	logger.Debug("worker_started")

	for {
		select {
		case <-q.shutdown:
			logger.Debug("worker_stopped")
			return
		case item := <-q.jobs:
			q.process(item, logger)
		}
	}
}

func (q *Queue) process(item queued, logger *slog.Logger) {
	job := item.job
	logger = logger.With(slog.String("job_id", job.ID), slog.String("kind", job.Kind))

	defer func() {
		q.mu.Lock()
		if cancel, ok := q.cancels[job.ID]; ok {
			cancel()
			delete(q.cancels, job.ID)
		}
		q.mu.Unlock()
	}()

	if stored, err := q.store.Get(job.ID); err == nil && stored.Status == StatusCancelled {
		logger.Debug("job_skipped_cancelled")
		return
	}
	if item.ctx.Err() != nil {
		q.finish(job, StatusCancelled, item.ctx.Err())
		return
	}

	now := time.Now()
	job.Status = StatusRunning
	job.StartedAt = &now
	if err := q.store.Update(job); err != nil {
		logger.Error("job_update_failed", slog.String("error", err.Error()))
	}
	logger.Info("job_started")

	err := q.run(item.ctx, item.fn, logger)

	switch {
	case err == nil:
		q.finish(job, StatusCompleted, nil)
	case errors.Is(err, context.Canceled) || item.ctx.Err() != nil:
		q.finish(job, StatusCancelled, err)
	default:
		q.finish(job, StatusFailed, err)
	}
	logger.Info("job_finished", slog.Duration("duration", time.Since(now)), slog.Bool("success", err == nil))
}

func (q *Queue) run(ctx context.Context, fn Func, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job_panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (q *Queue) finish(job *Job, status Status, cause error) {
	now := time.Now()
	job.Status = status
	job.CompletedAt = &now
	if cause != nil {
		job.Error = cause.Error()
	}
	if err := q.store.Update(job); err != nil {
		q.logger.Error("job_update_failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}
