package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter enforces a maximum number of events per caller within a time window.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events per window and key.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{
		window: window,
		limit:  limit,
		now:    timeSource,
		events: make(map[string][]time.Time),
	}
}

// Allow reports whether key may proceed under the current rate limits.
func (l *SlidingWindowLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	history := l.events[key]
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.limit {
		l.events[key] = kept
		return false
	}
	l.events[key] = append(kept, now)
	l.pruneLocked(cutoff)
	return true
}

// pruneLocked drops callers whose whole history fell out of the window.
func (l *SlidingWindowLimiter) pruneLocked(cutoff time.Time) {
	for key, history := range l.events {
		if len(history) == 0 || !history[len(history)-1].After(cutoff) {
			delete(l.events, key)
		}
	}
}
