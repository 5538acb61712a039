package http

import (
	"sync"
	"time"
)

// SelectionRateLimiter bounds how often one browser may change the
// selection. Every change tears sessions down and starts new negotiations.
type SelectionRateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

// NewSelectionRateLimiter allows limit changes per interval. A
// non-positive limit disables limiting.
func NewSelectionRateLimiter(limit int, interval time.Duration) *SelectionRateLimiter {
	return &SelectionRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *SelectionRateLimiter) Allow(client string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[client]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[client] = fresh
		return false
	}

	rl.history[client] = append(fresh, now)
	rl.prune(windowStart)
	return true
}

// prune forgets clients with no attempt inside the window.
func (rl *SelectionRateLimiter) prune(windowStart time.Time) {
	for client, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, client)
		}
	}
}
