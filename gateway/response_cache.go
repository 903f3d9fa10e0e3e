package gateway

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
)

// ==================== Response cache ====================

// ResponseCache is an opaque (path, body) → bytes cache with a byte budget.
// Admission and eviction are delegated to ristretto; entries are keyed by a
// 64-bit hash and costed by payload size plus a fixed per-entry overhead.
type ResponseCache struct {
	cache  *ristretto.Cache[uint64, []byte]
	hits   uint64
	misses uint64
}

// ResponseCacheStats is a counter snapshot.
type ResponseCacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// NewResponseCache creates a cache bounded to maxBytes.
func NewResponseCache(maxBytes int64) (*ResponseCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: types.ResponseCacheNumCounters,
		MaxCost:     maxBytes,
		BufferItems: types.ResponseCacheBufferItems,
	})
	if err != nil {
		return nil, err
	}
	utils.WriteLog(utils.LogInfo, "response cache ready, budget %d bytes", maxBytes)
	return &ResponseCache{cache: cache}, nil
}

// Key hashes (path, body) into the 64-bit cache key.
func (rc *ResponseCache) Key(path string, body []byte) uint64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(path)
	_, _ = digest.Write([]byte{0})
	_, _ = digest.Write(body)
	return digest.Sum64()
}

// Get returns a copy of the cached response body.
func (rc *ResponseCache) Get(key uint64) ([]byte, bool) {
	value, ok := rc.cache.Get(key)
	if !ok {
		atomic.AddUint64(&rc.misses, 1)
		return nil, false
	}
	atomic.AddUint64(&rc.hits, 1)
	return append([]byte(nil), value...), true
}

// Set stores a copy of the response body under key.
func (rc *ResponseCache) Set(key uint64, body []byte) {
	stored := append([]byte(nil), body...)
	rc.cache.Set(key, stored, int64(len(stored))+types.CacheEntryOverheadBytes)
}

// Stats returns hit/miss counters.
func (rc *ResponseCache) Stats() ResponseCacheStats {
	return ResponseCacheStats{
		Hits:   atomic.LoadUint64(&rc.hits),
		Misses: atomic.LoadUint64(&rc.misses),
	}
}

// Close releases the cache.
func (rc *ResponseCache) Close() {
	rc.cache.Close()
}
