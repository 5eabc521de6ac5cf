package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"media-transfer-scheduler/internal/models"
)

const waitTimeout = 5 * time.Second

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) task(name string) TaskFunc {
	return func(context.Context) (any, error) {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return name, nil
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// occupy starts a task that holds the single worker until release is closed.
func occupy(t *testing.T, s *Scheduler) (id string, release func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	id, err := s.AddTask("blocker", func(ctx context.Context) (any, error) {
		close(started)
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil, nil
	}, 0)
	if err != nil {
		t.Fatalf("add blocker: %v", err)
	}
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatalf("blocker never started")
	}
	var once sync.Once
	return id, func() { once.Do(func() { close(gate) }) }
}

func newStarted(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s := NewScheduler(cfg, nil)
	s.Start(context.Background(), cfg.Workers)
	t.Cleanup(func() { s.Stop(time.Second) })
	return s
}

func waitAll(t *testing.T, s *Scheduler, ids ...string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for _, id := range ids {
		if _, err := s.Wait(ctx, id); err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
	}
}

func TestSchedulerDequeuesByPriorityThenArrival(t *testing.T) {
	s := newStarted(t, Config{Workers: 1, Capacity: 10})
	_, release := occupy(t, s)
	defer release()

	rec := &recorder{}
	id1, _ := s.AddTask("job1", rec.task("job1"), 5)
	id2, _ := s.AddTask("job2", rec.task("job2"), 1)
	id3, _ := s.AddTask("job3", rec.task("job3"), 5)
	release()
	waitAll(t, s, id1, id2, id3)

	got := rec.got()
	want := []string{"job1", "job3", "job2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestSchedulerOrderingAcrossManyPriorities(t *testing.T) {
	s := newStarted(t, Config{Workers: 1, Capacity: 50})
	_, release := occupy(t, s)
	defer release()

	rec := &recorder{}
	priorities := []int{3, 9, 3, 0, 9, 7, 0, 3}
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	ids := make([]string, len(names))
	for i, name := range names {
		ids[i], _ = s.AddTask(name, rec.task(name), priorities[i])
	}
	release()
	waitAll(t, s, ids...)

	want := []string{"b", "e", "f", "a", "c", "h", "d", "g"}
	got := rec.got()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestSchedulerQueueFull(t *testing.T) {
	s := newStarted(t, Config{Workers: 1, Capacity: 2})
	_, release := occupy(t, s)
	defer release()

	noop := func(context.Context) (any, error) { return nil, nil }
	for i := 0; i < 2; i++ {
		if _, err := s.AddTask("fill", noop, 0); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if _, err := s.AddTask("overflow", noop, 10); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	stats := s.Stats()
	if stats.Pending != 2 || stats.Totals.Total != 3 {
		t.Fatalf("overflow must not be enqueued: %+v", stats)
	}
}

func TestSchedulerNotRunning(t *testing.T) {
	s := NewScheduler(Config{Workers: 1}, nil)
	noop := func(context.Context) (any, error) { return nil, nil }
	if _, err := s.AddTask("x", noop, 0); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}
	s.Start(context.Background(), 1)
	s.Stop(time.Second)
	if _, err := s.AddTask("x", noop, 0); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}

func TestSchedulerCancelPendingNeverRuns(t *testing.T) {
	s := newStarted(t, Config{Workers: 1, Capacity: 10})
	_, release := occupy(t, s)
	defer release()

	ran := make(chan struct{}, 1)
	id, _ := s.AddTask("victim", func(context.Context) (any, error) {
		ran <- struct{}{}
		return nil, nil
	}, 0)
	ok, err := s.CancelTask(id)
	if err != nil || !ok {
		t.Fatalf("cancel pending: ok=%v err=%v", ok, err)
	}
	job, _ := s.GetTaskStatus(id)
	if job.Status != models.StatusCancelled || job.StartedAt != nil {
		t.Fatalf("expected cancelled without start, got %+v", job)
	}

	after, _ := s.AddTask("after", func(context.Context) (any, error) { return nil, nil }, 0)
	release()
	waitAll(t, s, after)
	select {
	case <-ran:
		t.Fatalf("cancelled job executed")
	default:
	}
	if ok, _ := s.CancelTask(id); ok {
		t.Fatalf("cancelling a terminal job should report false")
	}
	if st := s.Stats(); st.Totals.Cancelled != 1 || st.Pending != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSchedulerCancelRunningIsAdvisory(t *testing.T) {
	s := newStarted(t, Config{Workers: 1, Capacity: 10})

	started := make(chan struct{})
	proceed := make(chan struct{})
	sawFlag := make(chan bool, 1)
	id, _ := s.AddTask("long", func(ctx context.Context) (any, error) {
		close(started)
		<-proceed
		sawFlag <- CancelRequested(ctx)
		return "done", nil
	}, 0)
	<-started

	ok, err := s.CancelTask(id)
	if err != nil || !ok {
		t.Fatalf("cancel running: ok=%v err=%v", ok, err)
	}
	job, _ := s.GetTaskStatus(id)
	if job.Status != models.StatusRunning || !job.CancelRequested {
		t.Fatalf("expected running with cancel requested, got %+v", job)
	}
	close(proceed)
	waitAll(t, s, id)

	job, _ = s.GetTaskStatus(id)
	if job.Status != models.StatusCompleted || job.Result != "done" || !job.CancelRequested {
		t.Fatalf("expected natural completion with request recorded, got %+v", job)
	}
	if !<-sawFlag {
		t.Fatalf("task should observe the cooperative cancel flag")
	}
}

func TestSchedulerJobErrorsAndPanicsDoNotKillWorkers(t *testing.T) {
	s := newStarted(t, Config{Workers: 1, Capacity: 10})

	failID, _ := s.AddTask("fail", func(context.Context) (any, error) { return nil, errors.New("boom") }, 0)
	panicID, _ := s.AddTask("panic", func(context.Context) (any, error) { panic("kaboom") }, 0)
	okID, _ := s.AddTask("ok", func(context.Context) (any, error) { return 42, nil }, 0)
	waitAll(t, s, failID, panicID, okID)

	job, _ := s.GetTaskStatus(failID)
	if job.Status != models.StatusFailed || job.Error == nil || *job.Error != "boom" {
		t.Fatalf("unexpected failed job %+v", job)
	}
	job, _ = s.GetTaskStatus(panicID)
	if job.Status != models.StatusFailed || job.Error == nil || *job.Error != "task panicked: kaboom" {
		t.Fatalf("unexpected panicked job %+v", job)
	}
	job, _ = s.GetTaskStatus(okID)
	if job.Status != models.StatusCompleted || job.Result != 42 {
		t.Fatalf("worker did not survive: %+v", job)
	}
	st := s.Stats()
	if st.Totals.Failed != 2 || st.Totals.Completed != 1 || st.Completed != 3 || st.Running != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSchedulerClearCompleted(t *testing.T) {
	s := newStarted(t, Config{Workers: 2, Capacity: 10})
	noop := func(context.Context) (any, error) { return nil, nil }
	a, _ := s.AddTask("a", noop, 0)
	b, _ := s.AddTask("b", noop, 0)
	waitAll(t, s, a, b)

	if n := s.ClearCompletedTasks(time.Hour); n != 0 {
		t.Fatalf("fresh jobs should survive an age-based sweep, evicted %d", n)
	}
	if n := s.ClearCompletedTasks(0); n != 2 {
		t.Fatalf("expected 2 evicted, got %d", n)
	}
	if _, ok := s.GetTaskStatus(a); ok {
		t.Fatalf("evicted job still visible")
	}
	if _, err := s.CancelTask(a); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	s := newStarted(t, Config{Workers: 2, Capacity: 10})
	s.Start(context.Background(), 5)
	if st := s.Stats(); st.Workers != 2 || !st.IsRunning {
		t.Fatalf("second start changed the pool: %+v", st)
	}
}

func TestSchedulerStopLeavesQueuedJobsPending(t *testing.T) {
	s := NewScheduler(Config{Workers: 1, Capacity: 10}, nil)
	s.Start(context.Background(), 1)
	_, release := occupy(t, s)
	defer release()

	queued, _ := s.AddTask("queued", func(context.Context) (any, error) { return nil, nil }, 0)
	s.Stop(50 * time.Millisecond)

	job, ok := s.GetTaskStatus(queued)
	if !ok || job.Status != models.StatusPending {
		t.Fatalf("expected queued job to stay pending, got %+v", job)
	}
	if st := s.Stats(); st.IsRunning || st.Workers != 0 || st.Pending != 1 {
		t.Fatalf("expected stopped scheduler with one pending job, got %+v", st)
	}
}

func TestSchedulerStopTimeoutCancelsRunningTask(t *testing.T) {
	s := NewScheduler(Config{Workers: 1, Capacity: 10}, nil)
	s.Start(context.Background(), 1)

	started := make(chan struct{})
	id, _ := s.AddTask("stubborn", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, 0)
	<-started

	begin := time.Now()
	s.Stop(50 * time.Millisecond)
	if time.Since(begin) > 2*time.Second {
		t.Fatalf("stop overran its timeout")
	}
	waitAll(t, s, id)
	job, _ := s.GetTaskStatus(id)
	if job.Status != models.StatusFailed {
		t.Fatalf("expected cancelled context to fail the task, got %s", job.Status)
	}
}
