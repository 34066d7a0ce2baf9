// Package ratelimit implements fixed-window counters keyed by an arbitrary
// string, typically "<connection id>:<event type>".
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

type window struct {
	count int
	start time.Time
}

// Limiter counts events per key inside fixed windows. The first event of a
// window opens it; once limit events were seen, further events are refused
// until the window elapses.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	size    time.Duration
	limit   int
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, so windows follow the caller's notion of time.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter allowing limit events per key per window size.
func New(limit int, size time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		size:    size,
		limit:   limit,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key builds the limiter key for a (connection, event type) pair.
func Key(connID, event string) string {
	return connID + ":" + event
}

// Allow records an event for key and reports whether it is within the limit.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, l.limit)
}

// AllowN is Allow with a per-call limit, used when some event types get a
// tighter budget than the limiter default.
func (l *Limiter) AllowN(key string, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.size {
		l.windows[key] = &window{count: 1, start: now}
		return true
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// Forget drops every window whose key starts with prefix, used when a
// connection goes away.
func (l *Limiter) Forget(prefix string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k := range l.windows {
		if strings.HasPrefix(k, prefix) {
			delete(l.windows, k)
		}
	}
}

// Cleanup removes windows idle for more than five window lengths.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, w := range l.windows {
		if now.Sub(w.start) > 5*l.size {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
