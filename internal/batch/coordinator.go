// Package batch expands a starting reference into a bounded run of
// consecutive transfer jobs.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"media-transfer-scheduler/internal/logging"
	"media-transfer-scheduler/internal/models"
	"media-transfer-scheduler/internal/transfer"
	"media-transfer-scheduler/internal/worker"
)

var (
	ErrInvalidCount  = errors.New("batch count out of range")
	ErrBatchActive   = errors.New("a batch is already running for this user")
	ErrBatchNotFound = errors.New("batch not found")
)

// Status of a batch run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusAborted   Status = "aborted"
)

// Scheduler is the slice of worker.Scheduler the coordinator dispatches through.
type Scheduler interface {
	AddTask(name string, fn worker.TaskFunc, priority int) (string, error)
	Wait(ctx context.Context, id string) (models.Job, error)
}

// Runner executes one transfer.
type Runner interface {
	Execute(ctx context.Context, req transfer.Request) (transfer.Result, error)
}

// Config bounds batches.
type Config struct {
	MaxItems    int
	ReportEvery int
	Priority    int
	// Admission retries when the scheduler queue is full.
	AdmitAttempts       int
	AdmitBackoffInitial time.Duration
	AdmitBackoffMax     time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxItems <= 0 {
		c.MaxItems = 100
	}
	if c.ReportEvery <= 0 {
		c.ReportEvery = 5
	}
	if c.Priority == 0 {
		c.Priority = 1
	}
	if c.AdmitAttempts <= 0 {
		c.AdmitAttempts = 10
	}
	if c.AdmitBackoffInitial <= 0 {
		c.AdmitBackoffInitial = 500 * time.Millisecond
	}
	if c.AdmitBackoffMax <= 0 {
		c.AdmitBackoffMax = 10 * time.Second
	}
}

// Batch is a snapshot of a batch run.
type Batch struct {
	ID         string     `json:"id"`
	UserID     int64      `json:"user_id"`
	Link       string     `json:"link"`
	Count      int        `json:"count"`
	Dispatched int        `json:"dispatched"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Status     Status     `json:"status"`
	JobIDs     []string   `json:"job_ids"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type run struct {
	batch    Batch
	reporter transfer.Reporter
	cancel   atomic.Bool
	done     chan struct{}
}

// Coordinator owns batch runs. At most one batch per user is active.
type Coordinator struct {
	cfg    Config
	sched  Scheduler
	runner Runner
	log    logging.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	batches map[string]*run
	byUser  map[int64]string
}

// NewCoordinator builds a coordinator dispatching through sched.
func NewCoordinator(cfg Config, sched Scheduler, runner Runner, log logging.Logger) *Coordinator {
	cfg.setDefaults()
	if log == nil {
		log = logging.NewNop()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:     cfg,
		sched:   sched,
		runner:  runner,
		log:     log,
		ctx:     ctx,
		stop:    stop,
		batches: make(map[string]*run),
		byUser:  make(map[int64]string),
	}
}

// Create validates the request and starts dispatching in the background.
// Items are link, link+1, ... link+count-1.
func (c *Coordinator) Create(_ context.Context, userID int64, link string, count int, rep transfer.Reporter) (string, error) {
	if count < 1 || count > c.cfg.MaxItems {
		return "", fmt.Errorf("%w: %d not in 1..%d", ErrInvalidCount, count, c.cfg.MaxItems)
	}
	if _, err := transfer.ParseReference(link, 0); err != nil {
		return "", err
	}
	if rep == nil {
		rep = transfer.ReporterFunc(func(context.Context, string) error { return nil })
	}

	c.mu.Lock()
	if id, ok := c.byUser[userID]; ok {
		c.mu.Unlock()
		return "", fmt.Errorf("%w (%s)", ErrBatchActive, id)
	}
	r := &run{
		batch: Batch{
			ID:        uuid.NewString(),
			UserID:    userID,
			Link:      link,
			Count:     count,
			Status:    StatusRunning,
			CreatedAt: time.Now().UTC(),
		},
		reporter: rep,
		done:     make(chan struct{}),
	}
	c.batches[r.batch.ID] = r
	c.byUser[userID] = r.batch.ID
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Info("batch started",
		logging.String("batch_id", r.batch.ID),
		logging.Int64("user_id", userID),
		logging.Int("count", count))
	go c.run(r)
	return r.batch.ID, nil
}

// Cancel stops dispatching new items. Already dispatched jobs finish.
func (c *Coordinator) Cancel(id string) bool {
	c.mu.Lock()
	r, ok := c.batches[id]
	running := ok && r.batch.Status == StatusRunning
	c.mu.Unlock()
	if !running {
		return false
	}
	r.cancel.Store(true)
	c.log.Info("batch cancel requested", logging.String("batch_id", id))
	return true
}

// Get returns a snapshot of the batch.
func (c *Coordinator) Get(id string) (Batch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.batches[id]
	if !ok {
		return Batch{}, false
	}
	return r.snapshot(), true
}

// ActiveFor returns the id of the user's running batch.
func (c *Coordinator) ActiveFor(userID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byUser[userID]
	return id, ok
}

// Wait blocks until the batch has finished.
func (c *Coordinator) Wait(ctx context.Context, id string) (Batch, error) {
	c.mu.Lock()
	r, ok := c.batches[id]
	c.mu.Unlock()
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	select {
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	case <-r.done:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.snapshot(), nil
}

// Prune drops finished batches older than olderThan and returns how many were removed.
func (c *Coordinator) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, r := range c.batches {
		if r.batch.FinishedAt != nil && r.batch.FinishedAt.Before(cutoff) {
			delete(c.batches, id)
			n++
		}
	}
	return n
}

// Shutdown stops every batch from dispatching further items and waits for
// the dispatch loops to exit.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, r := range c.batches {
		r.cancel.Store(true)
	}
	c.mu.Unlock()
	c.stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *run) snapshot() Batch {
	b := r.batch
	b.JobIDs = append([]string(nil), r.batch.JobIDs...)
	return b
}

func (c *Coordinator) run(r *run) {
	defer c.wg.Done()
	ctx := c.ctx
	b := r.batch
	log := c.log.With(logging.String("batch_id", b.ID), logging.Int64("user_id", b.UserID))

	status := StatusCompleted
	var lastErr error
	for i := 0; i < b.Count; i++ {
		if r.cancel.Load() {
			status = StatusCancelled
			break
		}
		item, err := c.dispatch(ctx, r, i)
		if err != nil && r.cancel.Load() {
			// Shutdown cancels the context the dispatch was waiting on.
			log.Info("batch cancelled while waiting on an item", logging.Int("item", i), logging.Err(err))
			status = StatusCancelled
			break
		}
		if err != nil {
			log.Error("batch dispatch stopped", logging.Int("item", i), logging.Err(err))
			lastErr = err
			status = StatusAborted
			break
		}

		c.mu.Lock()
		if item.status == models.StatusCompleted {
			r.batch.Succeeded++
		} else {
			r.batch.Failed++
			if item.err != nil {
				r.batch.LastError = transfer.TranslateError(item.err)
			}
		}
		done := r.batch.Succeeded + r.batch.Failed
		succeeded, failed := r.batch.Succeeded, r.batch.Failed
		c.mu.Unlock()

		if done%c.cfg.ReportEvery == 0 || i == b.Count-1 {
			c.report(r, fmt.Sprintf("Batch progress: %d/%d (%d succeeded, %d failed)", done, b.Count, succeeded, failed))
		}
		if errors.Is(item.err, transfer.ErrThrottledTooLong) || errors.Is(item.err, transfer.ErrNoCredential) {
			log.Warn("batch aborted by item failure", logging.Int("item", i), logging.Err(item.err))
			lastErr = item.err
			status = StatusAborted
			break
		}
	}
	now := time.Now().UTC()
	c.mu.Lock()
	r.batch.Status = status
	r.batch.FinishedAt = &now
	if lastErr != nil {
		r.batch.LastError = transfer.TranslateError(lastErr)
	}
	final := r.snapshot()
	if c.byUser[b.UserID] == b.ID {
		delete(c.byUser, b.UserID)
	}
	c.mu.Unlock()

	summary := fmt.Sprintf("Batch finished: %d succeeded, %d failed, %d total", final.Succeeded, final.Failed, final.Count)
	switch status {
	case StatusCancelled:
		summary += " (cancelled)"
	case StatusAborted:
		summary += fmt.Sprintf(" (stopped: %s)", final.LastError)
	}
	c.report(r, summary)
	log.Info("batch finished",
		logging.String("status", string(status)),
		logging.Int("succeeded", final.Succeeded),
		logging.Int("failed", final.Failed))
	close(r.done)
}

type itemOutcome struct {
	status models.JobStatus
	err    error
}

// dispatch submits item i and waits for it. The error return means the batch
// cannot continue.
func (c *Coordinator) dispatch(ctx context.Context, r *run, i int) (itemOutcome, error) {
	req := transfer.Request{
		UserID:       r.batch.UserID,
		Link:         r.batch.Link,
		Offset:       int64(i),
		Reporter:     r.reporter,
		TerminalOnly: true,
	}
	result := make(chan error, 1)
	task := func(ctx context.Context) (any, error) {
		res, err := c.runner.Execute(ctx, req)
		result <- err
		return res, err
	}
	name := fmt.Sprintf("batch %s item %d", r.batch.ID[:8], i+1)

	id, err := c.admit(ctx, name, task)
	if err != nil {
		return itemOutcome{}, err
	}
	c.mu.Lock()
	r.batch.Dispatched++
	r.batch.JobIDs = append(r.batch.JobIDs, id)
	c.mu.Unlock()

	job, err := c.sched.Wait(ctx, id)
	if err != nil {
		return itemOutcome{}, fmt.Errorf("wait for %s: %w", id, err)
	}
	out := itemOutcome{status: job.Status}
	select {
	case out.err = <-result:
	default:
		if job.Error != nil {
			out.err = errors.New(*job.Error)
		}
	}
	return out, nil
}

func (c *Coordinator) admit(ctx context.Context, name string, task worker.TaskFunc) (string, error) {
	for attempt := 0; ; attempt++ {
		id, err := c.sched.AddTask(name, task, c.cfg.Priority)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, worker.ErrQueueFull) || attempt+1 >= c.cfg.AdmitAttempts {
			return "", fmt.Errorf("admit %s: %w", name, err)
		}
		wait := worker.BackoffWithJitter(c.cfg.AdmitBackoffInitial, c.cfg.AdmitBackoffMax, attempt+1)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Coordinator) report(r *run, text string) {
	if err := r.reporter.Report(context.WithoutCancel(c.ctx), text); err != nil {
		c.log.Debug("batch report dropped", logging.String("batch_id", r.batch.ID), logging.Err(err))
	}
}
