package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"media-transfer-scheduler/internal/logging"
	"media-transfer-scheduler/internal/models"
	"media-transfer-scheduler/internal/queue"
	"media-transfer-scheduler/internal/telemetry"
)

var (
	ErrQueueFull    = errors.New("task queue is full")
	ErrNotRunning   = errors.New("scheduler is not running")
	ErrTaskNotFound = errors.New("task not found")
)

// TaskFunc is the unit of work a worker executes. The returned value is
// stored as the job result.
type TaskFunc func(ctx context.Context) (any, error)

// Config sizes the worker pool and pending queue.
type Config struct {
	Workers  int
	Capacity int
	// BackoffInitial and BackoffMax bound the pause after a worker-level failure.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Totals are cumulative counters since the scheduler was created.
type Totals struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// QueueStats is a point-in-time view of the scheduler.
type QueueStats struct {
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
	Completed int    `json:"completed"`
	Workers   int    `json:"workers"`
	IsRunning bool   `json:"is_running"`
	Totals    Totals `json:"totals"`
}

type entry struct {
	job             models.Job
	fn              TaskFunc
	done            chan struct{}
	cancelRequested atomic.Bool
}

// Scheduler is an in-memory priority queue drained by a fixed worker pool.
type Scheduler struct {
	cfg Config
	log logging.Logger

	mu      sync.Mutex
	queue   *queue.PriorityQueue
	jobs    map[string]*entry
	pending int
	running int
	totals  Totals
	workers int
	started bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	wake chan struct{}
}

// NewScheduler builds a stopped scheduler.
func NewScheduler(cfg Config, log logging.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 5 * time.Second
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Scheduler{
		cfg:   cfg,
		log:   log,
		queue: queue.NewPriorityQueue(),
		jobs:  make(map[string]*entry),
		wake:  make(chan struct{}, 1),
	}
}

// Start spawns the worker pool. workers <= 0 uses the configured size.
// Calling Start on a running scheduler only logs a warning.
func (s *Scheduler) Start(ctx context.Context, workers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warn("scheduler already running", logging.Int("workers", s.workers))
		return
	}
	if workers <= 0 {
		workers = s.cfg.Workers
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopCh = make(chan struct{})
	s.workers = workers
	s.started = true
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.runWorker(runCtx, s.stopCh, i)
	}
	if s.queue.Len() > 0 {
		s.signal()
	}
	s.log.Info("scheduler started", logging.Int("workers", workers), logging.Int("capacity", s.cfg.Capacity))
}

// Stop asks workers to exit after their current task and waits up to
// timeout. Tasks still running when the timeout expires have their context
// cancelled. Queued tasks stay pending.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	cancel := s.cancel
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn("workers did not stop in time, cancelling running tasks", logging.Duration("timeout", timeout))
	}
	cancel()

	s.mu.Lock()
	s.workers = 0
	pending := s.pending
	s.mu.Unlock()
	s.log.Info("scheduler stopped", logging.Int("pending", pending))
}

// AddTask queues fn and returns its id without waiting for execution.
func (s *Scheduler) AddTask(name string, fn TaskFunc, priority int) (string, error) {
	if fn == nil {
		return "", errors.New("task function is required")
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return "", ErrNotRunning
	}
	if s.pending >= s.cfg.Capacity {
		s.mu.Unlock()
		return "", ErrQueueFull
	}
	id := uuid.New().String()
	s.jobs[id] = &entry{
		job: models.Job{
			ID:        id,
			Name:      name,
			Priority:  priority,
			Status:    models.StatusPending,
			CreatedAt: time.Now().UTC(),
		},
		fn:   fn,
		done: make(chan struct{}),
	}
	s.queue.Push(id, priority)
	s.pending++
	s.totals.Total++
	telemetry.QueueDepthGauge.Set(float64(s.pending))
	s.mu.Unlock()

	telemetry.EnqueueCounter.Inc()
	s.signal()
	return id, nil
}

// GetTaskStatus returns a snapshot of the job.
func (s *Scheduler) GetTaskStatus(id string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return e.snapshot(), true
}

// CancelTask cancels a pending job outright. For a running job the request
// is only recorded; the job reaches whatever terminal state it would have.
// It reports false for jobs that already finished.
func (s *Scheduler) CancelTask(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	switch e.job.Status {
	case models.StatusPending:
		now := time.Now().UTC()
		e.job.Status = models.StatusCancelled
		e.job.CompletedAt = &now
		s.pending--
		s.totals.Cancelled++
		close(e.done)
		telemetry.TaskCancelled.Inc()
		telemetry.QueueDepthGauge.Set(float64(s.pending))
		return true, nil
	case models.StatusRunning:
		e.cancelRequested.Store(true)
		s.log.Info("cancel requested for running task", logging.String("task_id", id))
		return true, nil
	default:
		return false, nil
	}
}

// Wait blocks until the job is terminal and returns its final snapshot.
func (s *Scheduler) Wait(ctx context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return models.Job{}, ErrTaskNotFound
	}
	select {
	case <-ctx.Done():
		return models.Job{}, ctx.Err()
	case <-e.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.snapshot(), nil
}

// Stats reports queue and pool counters.
func (s *Scheduler) Stats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	completed := 0
	for _, e := range s.jobs {
		if e.job.Status.Terminal() {
			completed++
		}
	}
	return QueueStats{
		Pending:   s.pending,
		Running:   s.running,
		Completed: completed,
		Workers:   s.workers,
		IsRunning: s.started,
		Totals:    s.totals,
	}
}

// ClearCompletedTasks evicts terminal jobs that finished more than olderThan
// ago; zero evicts all of them. Returns the number evicted.
func (s *Scheduler) ClearCompletedTasks(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.jobs {
		if !e.job.Status.Terminal() || e.job.CompletedAt == nil {
			continue
		}
		if olderThan > 0 && e.job.CompletedAt.After(cutoff) {
			continue
		}
		delete(s.jobs, id)
		n++
	}
	return n
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runWorker(ctx context.Context, stop <-chan struct{}, workerID int) {
	defer s.wg.Done()
	failures := 0
	for {
		e, ok := s.next(ctx, stop)
		if !ok {
			return
		}
		if err := s.execute(ctx, workerID, e); err != nil {
			failures++
			wait := backoffWithJitter(s.cfg.BackoffInitial, s.cfg.BackoffMax, failures)
			s.log.Error("worker failure, backing off",
				logging.Int("worker", workerID), logging.Err(err), logging.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-time.After(wait):
			}
			continue
		}
		failures = 0
	}
}

// next pops the highest-priority job that is still pending, skipping jobs
// cancelled or evicted while queued, and marks it running.
func (s *Scheduler) next(ctx context.Context, stop <-chan struct{}) (*entry, bool) {
	for {
		select {
		case <-stop:
			return nil, false
		case <-ctx.Done():
			return nil, false
		default:
		}

		s.mu.Lock()
		for {
			item, ok := s.queue.Pop()
			if !ok {
				break
			}
			e, known := s.jobs[item.ID]
			if !known || e.job.Status != models.StatusPending {
				continue
			}
			now := time.Now().UTC()
			e.job.Status = models.StatusRunning
			e.job.StartedAt = &now
			s.pending--
			s.running++
			more := s.queue.Len() > 0
			telemetry.QueueDepthGauge.Set(float64(s.pending))
			s.mu.Unlock()
			if more {
				s.signal()
			}
			return e, true
		}
		s.mu.Unlock()

		select {
		case <-stop:
			return nil, false
		case <-ctx.Done():
			return nil, false
		case <-s.wake:
		}
	}
}

// execute runs one job. A panic inside the job function fails the job; a
// panic anywhere else is returned as a worker failure.
func (s *Scheduler) execute(ctx context.Context, workerID int, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			s.finish(e, nil, err)
		}
	}()

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := s.log.With(logging.String("task_id", e.job.ID), logging.String("task", e.job.Name), logging.Int("worker", workerID))
	log.Debug("task started")
	result, taskErr := s.invoke(ctx, e)
	s.finish(e, result, taskErr)
	if taskErr != nil {
		log.Warn("task failed", logging.Err(taskErr))
	} else {
		log.Debug("task completed")
	}
	return nil
}

func (s *Scheduler) invoke(ctx context.Context, e *entry) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return e.fn(context.WithValue(ctx, entryKey{}, e))
}

func (s *Scheduler) finish(e *entry, result any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.job.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	e.job.CompletedAt = &now
	e.job.Result = result
	if err != nil {
		msg := err.Error()
		e.job.Error = &msg
		e.job.Status = models.StatusFailed
		s.totals.Failed++
		telemetry.TaskFailed.Inc()
	} else {
		e.job.Status = models.StatusCompleted
		s.totals.Completed++
		telemetry.TaskCompleted.Inc()
	}
	s.running--
	close(e.done)
}

func (e *entry) snapshot() models.Job {
	j := e.job
	if j.Error != nil {
		msg := *j.Error
		j.Error = &msg
	}
	j.CancelRequested = e.cancelRequested.Load()
	return j
}

type entryKey struct{}

// CancelRequested reports whether cancellation was requested for the task
// running with ctx. Long-running task functions may poll it between steps.
func CancelRequested(ctx context.Context) bool {
	e, ok := ctx.Value(entryKey{}).(*entry)
	return ok && e.cancelRequested.Load()
}

// TaskID returns the id of the task running with ctx, or "".
func TaskID(ctx context.Context) string {
	if e, ok := ctx.Value(entryKey{}).(*entry); ok {
		return e.job.ID
	}
	return ""
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

// BackoffWithJitter exposes the worker backoff curve to callers that retry admission.
func BackoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	return backoffWithJitter(base, max, attempt)
}
