// Package ratelimit throttles outbound API calls to a rolling time-window
// budget and caps how many run concurrently.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultWindow is the rolling window the per-window budget applies to.
	DefaultWindow = time.Minute
	// DefaultPerWindow leaves headroom under the paid-tier 1500 req/min quota.
	DefaultPerWindow = 1400
	// DefaultConcurrency caps in-flight requests.
	DefaultConcurrency = 50
)

// Limiter admits at most perWindow calls per rolling window and at most
// maxConcurrent calls in flight. A single Limiter is shared by every caller
// in the process.
type Limiter struct {
	perWindow int
	window    time.Duration
	permits   *semaphore.Weighted
	logger    *slog.Logger

	mu     sync.Mutex
	stamps []time.Time // admission times, oldest first

	now func() time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithWindow overrides the rolling window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithLogger attaches a logger for throttle diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a limiter. Non-positive arguments fall back to the defaults.
func New(perWindow, maxConcurrent int, opts ...Option) *Limiter {
	if perWindow <= 0 {
		perWindow = DefaultPerWindow
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultConcurrency
	}
	l := &Limiter{
		perWindow: perWindow,
		window:    DefaultWindow,
		permits:   semaphore.NewWeighted(int64(maxConcurrent)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Do runs fn once it is admitted. The concurrency permit is held for the
// whole call and released whether fn succeeds, fails or panics. Errors from
// fn are returned unchanged; the limiter never retries.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.permits.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.permits.Release(1)

	if err := l.admit(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// Execute is the value-returning form of Limiter.Do.
func Execute[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// InWindow returns the number of admissions inside the current window.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purgeLocked(l.now())
	return len(l.stamps)
}

// admit blocks until the window has room, then records the admission.
func (l *Limiter) admit(ctx context.Context) error {
	for {
		wait := l.reserve()
		if wait <= 0 {
			return nil
		}
		l.logger.Debug("rate limit reached, waiting", "wait", wait, "per_window", l.perWindow)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve records an admission and returns zero, or returns how long to
// wait before trying again.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purgeLocked(now)
	if len(l.stamps) >= l.perWindow {
		wait := l.stamps[0].Add(l.window).Sub(now)
		if wait <= 0 {
			// Clock granularity: the oldest entry is exactly on the boundary.
			wait = time.Millisecond
		}
		return wait
	}
	l.stamps = append(l.stamps, now)
	return 0
}

func (l *Limiter) purgeLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}
