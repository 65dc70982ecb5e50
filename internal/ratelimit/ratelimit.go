// Package ratelimit implements the IPC request rate limiter (C5): a
// fixed-window counter, structurally grounded on the teacher's
// budget.Bucket (internal/budget/token_bucket.go) but deliberately
// simpler — spec §4.5 calls for window-reset-on-read fixed-window
// semantics, not a background-refilled token bucket, so there is no
// refill goroutine or Close() to stop one.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a mutex-protected (count, window_start) pair.
type Limiter struct {
	mu          sync.Mutex
	max         int
	window      time.Duration
	count       int
	windowStart time.Time

	now func() time.Time
}

// New constructs a Limiter allowing up to max requests per 1-second
// window.
func New(max int) *Limiter {
	return &Limiter{
		max:         max,
		window:      time.Second,
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// Allow resets the window if it has expired, then tests and increments
// the count. Returns true if the request is permitted.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}

	if l.count >= l.max {
		return false
	}
	l.count++
	return true
}

// Reset zeroes the counter and restarts the window immediately.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count = 0
	l.windowStart = l.now()
}

// SetMax adjusts the configured limit, effective on the next Allow call
// (used on config hot-reload).
func (l *Limiter) SetMax(max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = max
}

// Remaining returns how many more requests the current window permits.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.windowStart) >= l.window {
		return l.max
	}
	remaining := l.max - l.count
	if remaining < 0 {
		return 0
	}
	return remaining
}
