package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"media-transfer-scheduler/internal/quota"
)

// ProgressReporter forwards byte progress to a Reporter no more often than
// every interval or every step percent, plus once on completion.
type ProgressReporter struct {
	ctx      context.Context
	reporter Reporter
	label    string
	interval time.Duration
	step     float64
	now      func() time.Time

	mu       sync.Mutex
	lastAt   time.Time
	lastPct  float64
	finished bool
	sent     int
}

// NewProgressReporter builds a throttled progress callback. stepPercent is in
// the 0..100 range.
func NewProgressReporter(ctx context.Context, r Reporter, label string, interval time.Duration, stepPercent float64) *ProgressReporter {
	if r == nil {
		r = nopReporter{}
	}
	return &ProgressReporter{
		ctx:      ctx,
		reporter: r,
		label:    label,
		interval: interval,
		step:     stepPercent,
		now:      time.Now,
		lastPct:  -1,
	}
}

// Update is a ProgressFunc.
func (p *ProgressReporter) Update(done, total int64) {
	if total <= 0 {
		return
	}
	pct := float64(done) * 100 / float64(total)
	if pct > 100 {
		pct = 100
	}

	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	now := p.now()
	due := p.lastPct < 0 ||
		done >= total ||
		(p.step > 0 && pct-p.lastPct >= p.step) ||
		(p.interval > 0 && now.Sub(p.lastAt) >= p.interval)
	if !due {
		p.mu.Unlock()
		return
	}
	p.lastAt = now
	p.lastPct = pct
	p.finished = done >= total
	p.sent++
	p.mu.Unlock()

	_ = p.reporter.Report(p.ctx, fmt.Sprintf("%s: %.1f%% (%s of %s)",
		p.label, pct, quota.FormatBytes(done), quota.FormatBytes(total)))
}

// Sent returns how many reports were forwarded.
func (p *ProgressReporter) Sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}
