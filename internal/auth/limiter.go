package auth

import (
	"sync"
	"time"
)

// sweepThreshold is the number of tracked keys above which a limiter
// drops keys whose events have all left the window.
const sweepThreshold = 1000

// windowLimiter allows at most max events per key within a sliding
// window.
type windowLimiter struct {
	mu     sync.Mutex
	now    func() time.Time
	window time.Duration
	max    int
	events map[string][]time.Time
}

func newWindowLimiter(now func() time.Time, window time.Duration, max int) *windowLimiter {
	return &windowLimiter{
		now:    now,
		window: window,
		max:    max,
		events: make(map[string][]time.Time),
	}
}

// Limited reports whether key has used up its allowance.
func (l *windowLimiter) Limited(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.liveLocked(key)) >= l.max
}

// Add records an event for key.
func (l *windowLimiter) Add(key string) {
	l.mu.Lock()
	l.events[key] = append(l.liveLocked(key), l.now())
	l.mu.Unlock()
}

// Take records an event for key unless the allowance is used up. It
// reports whether the event was recorded.
func (l *windowLimiter) Take(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := l.liveLocked(key)
	if len(live) >= l.max {
		return false
	}
	l.events[key] = append(live, l.now())
	return true
}

// RetryAfter returns how long until key can act again, or zero when it
// is not limited.
func (l *windowLimiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := l.liveLocked(key)
	if len(live) < l.max {
		return 0
	}
	// The oldest event that must expire to free one slot.
	return live[len(live)-l.max].Add(l.window).Sub(l.now())
}

// liveLocked drops expired events for key and returns what remains.
// Caller holds l.mu.
func (l *windowLimiter) liveLocked(key string) []time.Time {
	cutoff := l.now().Add(-l.window)

	if len(l.events) > sweepThreshold {
		for k, ts := range l.events {
			if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
				delete(l.events, k)
			}
		}
	}

	ts := l.events[key]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]

	if len(ts) == 0 {
		delete(l.events, key)
		return nil
	}
	l.events[key] = ts
	return ts
}
