package session

import (
	"sync"
	"time"
)

// throttle rate-limits outbound state writes: the first call in every
// interval passes, later ones are suppressed. The most recent local
// state always wins because callers publish current state, never a
// queued stale one.
type throttle struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{interval: interval, now: time.Now}
}

func (t *throttle) allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
