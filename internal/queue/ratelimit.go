package queue

import (
	"context"
	"sync"
	"time"
)

// DefaultRateLimit is the number of sends allowed per one-second window
const DefaultRateLimit = 5

// RateLimiter throttles sends. Acquire blocks until a slot is available and
// only fails when ctx is cancelled while waiting.
type RateLimiter interface {
	Acquire(ctx context.Context) error
}

// WindowLimiter is a fixed-window limiter: at most limit acquisitions per
// window, with the window restarting once it has elapsed. Bursts up to the
// limit are allowed at the start of each window.
type WindowLimiter struct {
	limit  int
	window time.Duration

	mu          sync.Mutex
	windowStart time.Time
	count       int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWindowLimiter creates a one-second window limiter. A limit below 1 means 1.
func NewWindowLimiter(limit int) *WindowLimiter {
	if limit < 1 {
		limit = 1
	}
	return &WindowLimiter{
		limit:  limit,
		window: time.Second,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Limit returns the per-window ceiling
func (l *WindowLimiter) Limit() int {
	return l.limit
}

// Acquire takes one slot, waiting for the next window when the current one is full
func (l *WindowLimiter) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		now := l.now()
		if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
			l.windowStart = now
			l.count = 0
		}
		if l.count < l.limit {
			l.count++
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.windowStart)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
