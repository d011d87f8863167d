package api

import (
	"sync"
	"time"
)

// createLimiter throttles terminal creation with a sliding window: at most
// max events per window. Excess attempts are rejected without side effects,
// so callers can retry with backoff.
type createLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	events []time.Time
	now    func() time.Time
}

func newCreateLimiter(max int, window time.Duration) *createLimiter {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &createLimiter{max: max, window: window, now: time.Now}
}

// Allow records the attempt and reports whether it is within the window
// budget. Rejected attempts are not recorded; a rejected caller does not
// extend its own penalty.
func (rl *createLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	kept := rl.events[:0]
	for _, at := range rl.events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	rl.events = kept

	if len(rl.events) >= rl.max {
		return false
	}
	rl.events = append(rl.events, now)
	return true
}
