package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseCacheKey(t *testing.T) {
	rc, err := NewResponseCache(1 << 20)
	require.NoError(t, err)
	defer rc.Close()

	a := rc.Key("/wallet/balance", []byte(`{"account":"a"}`))
	b := rc.Key("/wallet/balance", []byte(`{"account":"b"}`))
	c := rc.Key("/ledger/balance", []byte(`{"account":"a"}`))

	assert.NotEqual(t, a, b, "different bodies produce different keys")
	assert.NotEqual(t, a, c, "different paths produce different keys")
	assert.Equal(t, a, rc.Key("/wallet/balance", []byte(`{"account":"a"}`)), "keys are stable")
}

func TestResponseCacheRoundTrip(t *testing.T) {
	rc, err := NewResponseCache(1 << 20)
	require.NoError(t, err)
	defer rc.Close()

	key := rc.Key("/wallet/balance", []byte("req"))
	payload := []byte("response-bytes")
	rc.Set(key, payload)

	// Admission is asynchronous.
	var got []byte
	var ok bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok = rc.Get(key); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ok)
	assert.Equal(t, payload, got)

	// The cached copy is isolated from caller mutation.
	got[0] = 'X'
	again, ok := rc.Get(key)
	require.True(t, ok)
	assert.Equal(t, byte('r'), again[0])

	stats := rc.Stats()
	assert.Greater(t, stats.Hits, uint64(0))
	assert.Greater(t, stats.Misses, uint64(0))
}
