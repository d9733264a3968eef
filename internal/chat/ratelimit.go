package chat

import (
	"sync"
	"time"
)

// RateLimiter tracks sliding-window counters keyed by an identifier (IP,
// connection id). A key may perform at most max events per window; the count
// resets to 1 once the window expires. The connection limiter is consulted
// from HTTP upgrade goroutines, so the limiter carries its own mutex even
// though the other instances only ever run on the event loop.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string]*rateWindow
	now     func() time.Time
}

type rateWindow struct {
	count int
	reset time.Time
}

// NewRateLimiter builds a limiter allowing max events per window.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		max:     max,
		window:  window,
		entries: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// Allow records one event for key and reports whether it fits the window.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.reset) {
		l.entries[key] = &rateWindow{count: 1, reset: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	return true
}

// Forget drops the window for key, releasing its memory on teardown.
func (l *RateLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Sweep removes every expired window. Wired to a periodic cleanup timer so
// idle keys do not accumulate.
func (l *RateLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, entry := range l.entries {
		if now.After(entry.reset) {
			delete(l.entries, key)
		}
	}
}

// Len reports the number of tracked keys.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
