package cliniko

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a process-wide sliding-window admission gate for
// upstream API calls. Cliniko allows 200 requests per rolling minute per
// API key; the default budget of 199 leaves one in reserve. A single
// limiter instance must be shared by every component that talks
// upstream, including background sync.
type RateLimiter struct {
	mu         sync.Mutex
	maxCalls   int
	window     time.Duration
	admissions []time.Time
	waiters    []chan struct{} // FIFO; only the head is ever signalled

	now func() time.Time
}

// NewRateLimiter builds a limiter admitting maxCalls per rolling window.
func NewRateLimiter(maxCalls int, window time.Duration) *RateLimiter {
	if maxCalls <= 0 {
		maxCalls = 199
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
	}
}

// Acquire blocks until admitting the caller keeps the rolling-window
// count at or below the budget, then records the admission. Blocked
// callers are admitted in arrival order: only the queue head sleeps on
// the next window expiry, and it wakes its successor when it gets in.
// Returns the context error on cancellation without recording anything.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	l.prune(now)
	if len(l.waiters) == 0 && len(l.admissions) < l.maxCalls {
		l.admissions = append(l.admissions, now)
		l.mu.Unlock()
		return nil
	}

	gate := make(chan struct{}, 1)
	l.waiters = append(l.waiters, gate)
	if len(l.waiters) == 1 {
		gate <- struct{}{}
	}
	l.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			l.abandon(gate)
			return ctx.Err()
		case <-gate:
		}

		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.admissions) < l.maxCalls {
			l.admissions = append(l.admissions, now)
			l.popHead()
			l.mu.Unlock()
			return nil
		}
		// Oldest admission leaves the window first; sleep until then.
		wait := l.window - now.Sub(l.admissions[0])
		l.mu.Unlock()

		if wait <= 0 {
			gate <- struct{}{}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.abandon(gate)
			return ctx.Err()
		case <-timer.C:
			gate <- struct{}{}
		}
	}
}

// popHead removes the head waiter and starts the next one probing.
// Caller holds mu.
func (l *RateLimiter) popHead() {
	l.waiters = l.waiters[1:]
	if len(l.waiters) > 0 {
		select {
		case l.waiters[0] <- struct{}{}:
		default:
		}
	}
}

// abandon removes a cancelled waiter, promoting its successor when it
// was the head.
func (l *RateLimiter) abandon(gate chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiters {
		if w == gate {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			if i == 0 && len(l.waiters) > 0 {
				select {
				case l.waiters[0] <- struct{}{}:
				default:
				}
			}
			return
		}
	}
}

// InWindow reports the current admission count, for diagnostics.
func (l *RateLimiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.admissions)
}

// prune drops admissions older than the window. Caller holds mu.
func (l *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.admissions) && !l.admissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admissions = append(l.admissions[:0], l.admissions[i:]...)
	}
}
