package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"media-transfer-scheduler/internal/telemetry"
)

// ErrClosed is returned by Acquire once the limiter has been closed.
var ErrClosed = errors.New("rate limiter closed")

// AdaptiveConfig tunes the adaptive limiter. Zero fields other than Grace
// take defaults.
type AdaptiveConfig struct {
	Initial           float64
	Burst             int
	Min               float64
	Max               float64
	Window            time.Duration
	RecoverySuccesses int
	Grace             time.Duration
	// Now overrides the clock used for the adjustment window and pause deadline.
	Now func() time.Time
}

func (c *AdaptiveConfig) setDefaults() {
	if c.Initial <= 0 {
		c.Initial = 0.5
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.Min <= 0 {
		c.Min = 0.1
	}
	if c.Max <= 0 {
		c.Max = 10
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.RecoverySuccesses <= 0 {
		c.RecoverySuccesses = 10
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Adaptive is a process-wide token bucket whose rate halves on every
// throttling signal and recovers by 20% after a quiet, successful window.
type Adaptive struct {
	cfg     AdaptiveConfig
	limiter *rate.Limiter

	mu         sync.Mutex
	current    float64
	successes  int
	throttles  int
	lastAdjust time.Time
	pauseUntil time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewAdaptive builds a limiter starting with a full bucket.
func NewAdaptive(cfg AdaptiveConfig) *Adaptive {
	cfg.setDefaults()
	if cfg.Initial < cfg.Min {
		cfg.Initial = cfg.Min
	}
	if cfg.Initial > cfg.Max {
		cfg.Initial = cfg.Max
	}
	a := &Adaptive{
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.Initial), cfg.Burst),
		current:    cfg.Initial,
		lastAdjust: cfg.Now(),
		done:       make(chan struct{}),
	}
	telemetry.AdaptiveRate.Set(cfg.Initial)
	return a
}

// Acquire blocks until n tokens are available and debits them. Any pause
// imposed by a throttling signal is waited out first. It fails only on
// context cancellation or Close.
func (a *Adaptive) Acquire(ctx context.Context, n int) error {
	if a.isClosed() {
		return ErrClosed
	}
	if err := a.waitPause(ctx); err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.done:
			cancel()
		case <-wctx.Done():
		}
	}()
	// WaitN rejects n above the burst outright, so large requests are
	// debited in burst-sized steps.
	for n > 0 {
		step := min(n, a.cfg.Burst)
		if err := a.limiter.WaitN(wctx, step); err != nil {
			if a.isClosed() {
				return ErrClosed
			}
			return err
		}
		n -= step
	}
	return nil
}

func (a *Adaptive) waitPause(ctx context.Context) error {
	for {
		a.mu.Lock()
		remaining := a.pauseUntil.Sub(a.cfg.Now())
		a.mu.Unlock()
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-a.done:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// Available returns the current token estimate without consuming.
func (a *Adaptive) Available() float64 {
	if a.isClosed() {
		return 0
	}
	tokens := a.limiter.Tokens()
	if tokens < 0 {
		return 0
	}
	return tokens
}

// Rate returns the current refill rate in tokens per second.
func (a *Adaptive) Rate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// OnThrottled halves the rate, pauses every caller for wait plus the grace
// margin, and suspends the calling job for the same duration.
func (a *Adaptive) OnThrottled(ctx context.Context, wait time.Duration) error {
	backoff := a.Penalize(wait)

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrClosed
	case <-timer.C:
		return nil
	}
}

// Penalize applies a throttling signal to every caller, halving the rate and
// extending the shared pause, without blocking. It returns the pause applied.
func (a *Adaptive) Penalize(wait time.Duration) time.Duration {
	if wait < 0 {
		wait = 0
	}
	backoff := wait + a.cfg.Grace

	a.mu.Lock()
	a.current = max(a.cfg.Min, a.current/2)
	a.limiter.SetLimit(rate.Limit(a.current))
	a.throttles++
	if until := a.cfg.Now().Add(backoff); until.After(a.pauseUntil) {
		a.pauseUntil = until
	}
	current := a.current
	a.mu.Unlock()

	telemetry.ThrottleEvents.Inc()
	telemetry.AdaptiveRate.Set(current)
	return backoff
}

// OnSuccess records a successful request and, once the adjustment window has
// elapsed, raises the rate when the window saw no throttling.
func (a *Adaptive) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successes++
	now := a.cfg.Now()
	if now.Sub(a.lastAdjust) < a.cfg.Window {
		return
	}
	if a.throttles == 0 && a.successes >= a.cfg.RecoverySuccesses {
		a.current = min(a.cfg.Max, a.current*1.2)
		a.limiter.SetLimit(rate.Limit(a.current))
		telemetry.AdaptiveRate.Set(a.current)
	}
	a.successes = 0
	a.throttles = 0
	a.lastAdjust = now
}

// Close fails pending and future acquisitions with ErrClosed.
func (a *Adaptive) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

func (a *Adaptive) isClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}
