package httpgateway

import (
	"sync"
	"time"
)

// KeyedSlidingWindowLimiter enforces a maximum number of events within a
// time window, tracked independently per key. Update requests are keyed by
// the calling principal so one noisy subscriber's client
// cannot exhaust the admission budget of another's.
type KeyedSlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events
// per window, per distinct key passed to Allow.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *KeyedSlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &KeyedSlidingWindowLimiter{
		window:  window,
		limit:   limit,
		now:     timeSource,
		windows: make(map[string][]time.Time),
	}
}

// Allow reports whether the caller identified by key may proceed under the
// current rate limits, recording the event if so.
func (l *KeyedSlidingWindowLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	events := l.windows[key][:0]
	for _, ts := range l.windows[key] {
		if ts.After(cutoff) {
			events = append(events, ts)
		}
	}
	if len(events) >= l.limit {
		l.windows[key] = events
		return false
	}
	l.windows[key] = append(events, now)
	return true
}
