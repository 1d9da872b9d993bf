package app

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ControlRateLimiter is a sliding window limit on control messages per
// session.
type ControlRateLimiter struct {
	mu       sync.Mutex
	history  map[SessionID][]time.Time
	limit    int
	interval time.Duration
	clock    clock.Clock
}

func NewControlRateLimiter(limit int, interval time.Duration, c clock.Clock) *ControlRateLimiter {
	if c == nil {
		c = clock.New()
	}
	return &ControlRateLimiter{
		history:  make(map[SessionID][]time.Time),
		limit:    limit,
		interval: interval,
		clock:    c,
	}
}

func (rl *ControlRateLimiter) Allow(sid SessionID) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[sid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[sid] = fresh
		return false
	}
	rl.history[sid] = append(fresh, now)
	return true
}

// Forget drops the history of a closed session.
func (rl *ControlRateLimiter) Forget(sid SessionID) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, sid)
}
