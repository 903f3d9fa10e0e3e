package zns

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2)

	assert.True(t, rl.IsAllowed("c1"))
	assert.True(t, rl.IsAllowed("c1"))
	assert.False(t, rl.IsAllowed("c1"), "third call in the window must be refused")

	// Independent per-client counters.
	assert.True(t, rl.IsAllowed("c2"))

	rl.ResetCounters()
	assert.True(t, rl.IsAllowed("c1"), "a fresh window admits the client again")
}

func TestRateLimiterRemaining(t *testing.T) {
	rl := NewRateLimiter(3)

	assert.Equal(t, 3, rl.Remaining("c1"))
	rl.IsAllowed("c1")
	assert.Equal(t, 2, rl.Remaining("c1"))
	rl.IsAllowed("c1")
	rl.IsAllowed("c1")
	rl.IsAllowed("c1")
	assert.Equal(t, 0, rl.Remaining("c1"))
}
