package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"media-transfer-scheduler/internal/models"
	"media-transfer-scheduler/internal/quota"
	"media-transfer-scheduler/internal/ratelimit"
	"media-transfer-scheduler/internal/store"
	"media-transfer-scheduler/internal/transfer"
	"media-transfer-scheduler/internal/worker"
)

const waitTimeout = 5 * time.Second

type messages struct {
	mu   sync.Mutex
	list []string
}

func (m *messages) Report(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list = append(m.list, text)
	return nil
}

func (m *messages) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.list...)
}

// platform serves 10-byte videos; the primary sink rejects ids in bigFiles.
type platform struct {
	bigFiles map[int64]bool
	mu       sync.Mutex
	fetched  map[string]int64
}

func (p *platform) Resolve(_ context.Context, ref transfer.Reference) (transfer.Item, error) {
	return transfer.Item{ChatID: ref.ChatID(), ItemID: ref.ItemID, Class: transfer.MediaVideo, MimeType: "video/mp4", Size: 10}, nil
}

func (p *platform) Fetch(_ context.Context, item transfer.Item, dir string, _ transfer.ProgressFunc) (string, error) {
	path := filepath.Join(dir, "payload")
	p.mu.Lock()
	p.fetched[path] = item.ItemID
	p.mu.Unlock()
	return path, os.WriteFile(path, make([]byte, item.Size), 0o644)
}

func (p *platform) SendText(context.Context, int64, string) error { return nil }

func (p *platform) SendPhoto(context.Context, int64, string, transfer.Metadata) error { return nil }

func (p *platform) SendMedia(_ context.Context, _ int64, path string, _ transfer.Metadata, _ transfer.ProgressFunc) error {
	p.mu.Lock()
	id := p.fetched[path]
	p.mu.Unlock()
	if p.bigFiles[id] {
		return transfer.ErrTransportIncompatible
	}
	return nil
}

type countingFallback struct {
	mu    sync.Mutex
	calls int
}

func (f *countingFallback) UploadChunked(context.Context, int64, string, transfer.Metadata, transfer.ProgressFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("chunked upload rejected")
}

func newScheduler(t *testing.T, workers int) *worker.Scheduler {
	t.Helper()
	s := worker.NewScheduler(worker.Config{Workers: workers, Capacity: 20}, nil)
	s.Start(context.Background(), workers)
	t.Cleanup(func() { s.Stop(time.Second) })
	return s
}

func waitBatch(t *testing.T, c *Coordinator, id string) Batch {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	b, err := c.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait batch: %v", err)
	}
	return b
}

func TestBatchFallbackFailuresAreTallied(t *testing.T) {
	prov := &platform{bigFiles: map[int64]bool{3: true, 7: true}, fetched: map[string]int64{}}
	fallback := &countingFallback{}
	limits := models.TransferLimits{DailyLimit: 1 << 20, MonthlyLimit: 1 << 20, PerItemLimit: 1 << 20, Enabled: true}
	limiter := ratelimit.NewAdaptive(ratelimit.AdaptiveConfig{Initial: 1000, Burst: 100, Min: 1, Max: 1000})
	defer limiter.Close()
	orch := transfer.New(transfer.Config{TempDir: t.TempDir(), ThrottleCeiling: 5 * time.Minute}, transfer.Deps{
		Public:   prov,
		Fallback: fallback,
		Limiter:  limiter,
		Ledger:   quota.NewLedger(store.NewMemory(limits), quota.Options{}, nil),
	})

	c := NewCoordinator(Config{}, newScheduler(t, 1), orch, nil)
	rep := &messages{}
	id, err := c.Create(context.Background(), 42, "https://t.me/news/1", 10, rep)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b := waitBatch(t, c, id)

	if b.Succeeded != 8 || b.Failed != 2 || b.Status != StatusCompleted || b.Dispatched != 10 {
		t.Fatalf("unexpected batch %+v", b)
	}
	if fallback.calls != 2 {
		t.Fatalf("expected two fallback uploads, got %d", fallback.calls)
	}
	var msgs []string
	completed := 0
	for _, m := range rep.all() {
		switch {
		case strings.HasPrefix(m, "Batch "):
			msgs = append(msgs, m)
		case strings.HasPrefix(m, "Transfer complete: "):
			completed++
		}
	}
	if completed != 8 || len(rep.all()) != 13 {
		t.Fatalf("expected a status message per item, got %v", rep.all())
	}
	want := []string{
		"Batch progress: 5/10 (4 succeeded, 1 failed)",
		"Batch progress: 10/10 (8 succeeded, 2 failed)",
		"Batch finished: 8 succeeded, 2 failed, 10 total",
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %v, got %v", want, msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, msgs)
		}
	}
	if _, ok := c.ActiveFor(42); ok {
		t.Fatalf("finished batch still marked active")
	}
}

func TestBatchItemReportsQuotaDenial(t *testing.T) {
	prov := &platform{fetched: map[string]int64{}}
	limits := models.TransferLimits{DailyLimit: 25, MonthlyLimit: 1 << 20, PerItemLimit: 1 << 20, Enabled: true}
	limiter := ratelimit.NewAdaptive(ratelimit.AdaptiveConfig{Initial: 1000, Burst: 100, Min: 1, Max: 1000})
	defer limiter.Close()
	orch := transfer.New(transfer.Config{TempDir: t.TempDir()}, transfer.Deps{
		Public:  prov,
		Limiter: limiter,
		Ledger:  quota.NewLedger(store.NewMemory(limits), quota.Options{}, nil),
	})

	c := NewCoordinator(Config{}, newScheduler(t, 1), orch, nil)
	rep := &messages{}
	id, err := c.Create(context.Background(), 9, "t.me/news/1", 3, rep)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b := waitBatch(t, c, id)
	if b.Succeeded != 2 || b.Failed != 1 || b.Status != StatusCompleted {
		t.Fatalf("unexpected batch %+v", b)
	}

	want := []string{
		"Transfer complete: news/1 (10 B)",
		"Transfer complete: news/2 (10 B)",
		"daily quota exceeded, 5 B remaining",
		"Batch progress: 3/3 (2 succeeded, 1 failed)",
		"Batch finished: 2 succeeded, 1 failed, 3 total",
	}
	msgs := rep.all()
	if len(msgs) != len(want) {
		t.Fatalf("expected %v, got %v", want, msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, msgs)
		}
	}
	if b.LastError != "daily quota exceeded, 5 B remaining" {
		t.Fatalf("unexpected last error %q", b.LastError)
	}
}

type gatedRunner struct {
	started chan int64
	gate    chan struct{}
	calls   int
	mu      sync.Mutex
	errAt   map[int64]error
}

func (g *gatedRunner) Execute(_ context.Context, req transfer.Request) (transfer.Result, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.started != nil {
		select {
		case g.started <- req.Offset:
		default:
		}
		<-g.gate
	}
	if err := g.errAt[req.Offset]; err != nil {
		return transfer.Result{}, err
	}
	return transfer.Result{ItemID: req.Offset}, nil
}

func TestBatchCancelStopsNewDispatch(t *testing.T) {
	runner := &gatedRunner{started: make(chan int64, 1), gate: make(chan struct{})}
	c := NewCoordinator(Config{}, newScheduler(t, 1), runner, nil)
	rep := &messages{}
	id, err := c.Create(context.Background(), 1, "t.me/news/1", 10, rep)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case <-runner.started:
	case <-time.After(waitTimeout):
		t.Fatalf("first item never started")
	}
	if !c.Cancel(id) {
		t.Fatalf("cancel of a running batch should succeed")
	}
	close(runner.gate)

	b := waitBatch(t, c, id)
	if b.Status != StatusCancelled || b.Dispatched != 1 || b.Succeeded != 1 {
		t.Fatalf("expected one dispatched item then cancellation, got %+v", b)
	}
	msgs := rep.all()
	if !strings.HasSuffix(msgs[len(msgs)-1], "(cancelled)") {
		t.Fatalf("expected cancelled summary, got %v", msgs)
	}
	if c.Cancel(id) {
		t.Fatalf("cancel of a finished batch should report false")
	}
}

func TestBatchAbortsOnLongThrottle(t *testing.T) {
	runner := &gatedRunner{errAt: map[int64]error{
		1: &transfer.Error{Kind: transfer.ErrThrottledTooLong, Msg: "wait too long"},
	}}
	c := NewCoordinator(Config{}, newScheduler(t, 1), runner, nil)
	id, err := c.Create(context.Background(), 1, "t.me/news/1", 10, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b := waitBatch(t, c, id)
	if b.Status != StatusAborted || b.Dispatched != 2 || b.Failed != 1 || b.LastError != "wait too long" {
		t.Fatalf("expected abort after item 2, got %+v", b)
	}
}

func TestBatchValidation(t *testing.T) {
	runner := &gatedRunner{started: make(chan int64, 1), gate: make(chan struct{})}
	c := NewCoordinator(Config{MaxItems: 5}, newScheduler(t, 1), runner, nil)
	defer close(runner.gate)

	for _, n := range []int{0, 6} {
		if _, err := c.Create(context.Background(), 1, "t.me/news/1", n, nil); !errors.Is(err, ErrInvalidCount) {
			t.Fatalf("count %d: expected ErrInvalidCount, got %v", n, err)
		}
	}
	if _, err := c.Create(context.Background(), 1, "bogus", 2, nil); !errors.Is(err, transfer.ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}

	id, err := c.Create(context.Background(), 1, "t.me/news/1", 2, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Create(context.Background(), 1, "t.me/news/9", 2, nil); !errors.Is(err, ErrBatchActive) {
		t.Fatalf("expected ErrBatchActive, got %v", err)
	}
	if active, ok := c.ActiveFor(1); !ok || active != id {
		t.Fatalf("expected %s active, got %s", id, active)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("unknown batch should not be found")
	}
}

type flakyScheduler struct {
	*worker.Scheduler
	mu       sync.Mutex
	rejected int
}

func (f *flakyScheduler) AddTask(name string, fn worker.TaskFunc, priority int) (string, error) {
	f.mu.Lock()
	if f.rejected < 2 {
		f.rejected++
		f.mu.Unlock()
		return "", worker.ErrQueueFull
	}
	f.mu.Unlock()
	return f.Scheduler.AddTask(name, fn, priority)
}

func TestBatchRetriesAdmissionWhenQueueFull(t *testing.T) {
	sched := &flakyScheduler{Scheduler: newScheduler(t, 1)}
	cfg := Config{AdmitBackoffInitial: time.Millisecond, AdmitBackoffMax: 2 * time.Millisecond}
	c := NewCoordinator(cfg, sched, &gatedRunner{}, nil)

	id, err := c.Create(context.Background(), 1, "t.me/news/1", 3, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b := waitBatch(t, c, id)
	if b.Succeeded != 3 || sched.rejected != 2 {
		t.Fatalf("expected admission retries to succeed, got %+v rejected=%d", b, sched.rejected)
	}
}

func TestShutdownStopsDispatch(t *testing.T) {
	runner := &gatedRunner{started: make(chan int64, 1), gate: make(chan struct{})}
	c := NewCoordinator(Config{}, newScheduler(t, 1), runner, nil)
	defer close(runner.gate)
	rep := &messages{}
	id, _ := c.Create(context.Background(), 1, "t.me/news/1", 10, rep)
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	b, _ := c.Get(id)
	if b.Status != StatusCancelled || b.Dispatched != 1 || b.LastError != "" {
		t.Fatalf("expected cancellation after the in-flight item, got %+v", b)
	}
	msgs := rep.all()
	if len(msgs) == 0 || msgs[len(msgs)-1] != "Batch finished: 0 succeeded, 0 failed, 10 total (cancelled)" {
		t.Fatalf("unexpected summary %v", msgs)
	}
}
