package zns

import (
	"sync"

	"github.com/GhostKellz/ghostbridge/utils"
)

// ==================== Rate limiting ====================

// RateLimiter is a fixed-window per-client counter. Windows do not slide:
// the periodic task calls ResetCounters at each window boundary.
type RateLimiter struct {
	mu       sync.Mutex
	counters map[string]int
	limit    int
}

// NewRateLimiter creates a limiter allowing limit calls per window per client.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		counters: make(map[string]int),
		limit:    limit,
	}
}

// IsAllowed consumes one slot for clientID, returning false once the window
// ceiling is reached.
func (rl *RateLimiter) IsAllowed(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.counters[clientID] >= rl.limit {
		return false
	}
	rl.counters[clientID]++
	return true
}

// Remaining returns the unused slots for clientID in the current window.
func (rl *RateLimiter) Remaining(clientID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	remaining := rl.limit - rl.counters[clientID]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResetCounters starts a fresh window for every client.
func (rl *RateLimiter) ResetCounters() {
	rl.mu.Lock()
	cleared := len(rl.counters)
	rl.counters = make(map[string]int)
	rl.mu.Unlock()

	if cleared > 0 {
		utils.WriteLog(utils.LogDebug, "rate limit window reset, %d clients cleared", cleared)
	}
}
