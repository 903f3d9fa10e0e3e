package zns

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
)

// ==================== Cache interface ====================

// ErrCapacityExhausted is returned when a single entry alone exceeds the
// cache memory budget. Any smaller entry always fits after eviction.
var ErrCapacityExhausted = errors.New("cache capacity exhausted")

// CacheStatistics is a snapshot of cache counters.
type CacheStatistics struct {
	Entries        int    `json:"entries"`
	MemoryBytes    int64  `json:"memory_bytes"`
	MaxEntries     int    `json:"max_entries"`
	MaxMemoryBytes int64  `json:"max_memory_bytes"`
	Hits           uint64 `json:"hits"`
	Misses         uint64 `json:"misses"`
	Evictions      uint64 `json:"evictions"`
	Expirations    uint64 `json:"expirations"`
	Inserts        uint64 `json:"inserts"`
	Removals       uint64 `json:"removals"`
}

// HitRate computes the lifetime hit ratio.
func (s CacheStatistics) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// DomainCache stores resolved domain data with TTL expiry.
type DomainCache interface {
	Get(domain string) (*types.DomainData, bool)
	Put(dd *types.DomainData, requestedTTL *uint32, source types.ResolutionSource) error
	Remove(domain string) bool
	Clear()
	CleanupExpired() int
	Stats() CacheStatistics
	Shutdown()
}

// CacheConfig bounds one cache instance.
type CacheConfig struct {
	MaxEntries        int
	MaxMemoryBytes    int64
	DefaultTTL        uint32
	MinTTL            uint32
	MaxTTL            uint32
	CleanupInterval   time.Duration
	EvictionBatchSize int
}

// EffectiveTTL clamps the requested TTL into [MinTTL, MaxTTL], falling back
// to DefaultTTL when absent.
func (c CacheConfig) EffectiveTTL(requested *uint32) uint32 {
	ttl := c.DefaultTTL
	if requested != nil {
		ttl = *requested
	}
	if ttl < c.MinTTL {
		ttl = c.MinTTL
	}
	if ttl > c.MaxTTL {
		ttl = c.MaxTTL
	}
	return ttl
}

// ==================== In-memory cache ====================

type cacheEntry struct {
	data         *types.DomainData
	cachedAt     time.Time
	expiresAt    time.Time
	lastAccessed time.Time
	hitCount     uint64
	source       types.ResolutionSource
	sizeBytes    int64
	elem         *list.Element
}

// MemoryCache is a bounded TTL cache with LRU eviction. It owns every entry
// exclusively: data is deep-copied in on Put and out on Get.
type MemoryCache struct {
	mu          sync.Mutex
	config      CacheConfig
	entries     map[string]*cacheEntry
	lru         *list.List // front = most recently used; values are domain keys
	memoryBytes int64
	lastCleanup time.Time
	onEvent     func(types.CacheEvent)
	stats       CacheStatistics
	now         func() time.Time
}

// NewMemoryCache creates an in-memory cache.
func NewMemoryCache(config CacheConfig) *MemoryCache {
	if config.EvictionBatchSize <= 0 {
		config.EvictionBatchSize = types.DefaultEvictionBatchSize
	}
	return &MemoryCache{
		config:      config,
		entries:     make(map[string]*cacheEntry, config.MaxEntries),
		lru:         list.New(),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// SetEventHook installs the cache-event callback. Eviction events flow
// through it; expiry emits no event; hit/miss events are published by the service layer after
// the response is handed to the client.
func (mc *MemoryCache) SetEventHook(hook func(types.CacheEvent)) {
	mc.mu.Lock()
	mc.onEvent = hook
	mc.mu.Unlock()
}

func (mc *MemoryCache) emit(eventType types.CacheEventType, domain string) {
	if mc.onEvent == nil {
		return
	}
	event := types.CacheEvent{Type: eventType, Domain: domain, Timestamp: mc.now().Unix()}
	hook := mc.onEvent
	// Deliver outside the critical path but never let a subscriber panic
	// poison the cache.
	go func() {
		defer utils.HandlePanic("cache-event-hook", nil)
		hook(event)
	}()
}

// entrySize accounts the owned strings plus a fixed per-entry overhead.
func entrySize(dd *types.DomainData) int64 {
	size := int64(types.CacheEntryOverheadBytes)
	size += int64(len(dd.Domain) + len(dd.Owner) + len(dd.ContractAddress))
	for _, r := range dd.Records {
		size += int64(len(r.Type) + len(r.Name) + len(r.Value) + len(r.Target) + len(r.Signature))
	}
	if dd.Metadata != nil {
		m := dd.Metadata
		size += int64(len(m.Registrar) + len(m.Description) + len(m.Avatar) + len(m.Website))
		for _, tag := range m.Tags {
			size += int64(len(tag))
		}
		if m.Social != nil {
			size += int64(len(m.Social.Twitter) + len(m.Social.Github) + len(m.Social.Discord) + len(m.Social.Telegram))
		}
	}
	size += int64(len(dd.Signature))
	return size
}

// Get returns a copy of the cached data, refreshing LRU order. Expired
// entries are removed in-band and counted as expirations.
func (mc *MemoryCache) Get(domain string) (*types.DomainData, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.maybeCleanupLocked()

	entry, ok := mc.entries[domain]
	if !ok {
		mc.stats.Misses++
		return nil, false
	}

	now := mc.now()
	if !now.Before(entry.expiresAt) {
		mc.removeEntryLocked(domain, entry)
		mc.stats.Expirations++
		mc.stats.Misses++
		return nil, false
	}

	entry.lastAccessed = now
	entry.hitCount++
	mc.lru.MoveToFront(entry.elem)
	mc.stats.Hits++

	return entry.data.Clone(), true
}

// Put deep-copies dd into the cache under its domain. The previous entry for
// the same domain is dropped first; LRU entries are evicted until the new
// entry fits both bounds.
func (mc *MemoryCache) Put(dd *types.DomainData, requestedTTL *uint32, source types.ResolutionSource) error {
	if dd == nil || dd.Domain == "" {
		return errors.New("nil domain data")
	}

	copied := dd.Clone()
	size := entrySize(copied)

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if size > mc.config.MaxMemoryBytes {
		return ErrCapacityExhausted
	}

	mc.maybeCleanupLocked()

	if old, ok := mc.entries[dd.Domain]; ok {
		mc.removeEntryLocked(dd.Domain, old)
	}

	for (mc.lru.Len() >= mc.config.MaxEntries || mc.memoryBytes+size > mc.config.MaxMemoryBytes) && mc.lru.Len() > 0 {
		mc.evictOneLocked()
	}

	now := mc.now()
	ttl := mc.config.EffectiveTTL(requestedTTL)
	entry := &cacheEntry{
		data:         copied,
		cachedAt:     now,
		expiresAt:    now.Add(time.Duration(ttl) * time.Second),
		lastAccessed: now,
		source:       source,
		sizeBytes:    size,
	}
	entry.elem = mc.lru.PushFront(dd.Domain)
	mc.entries[dd.Domain] = entry
	mc.memoryBytes += size
	mc.stats.Inserts++

	return nil
}

// Remove drops one domain from the cache.
func (mc *MemoryCache) Remove(domain string) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	entry, ok := mc.entries[domain]
	if !ok {
		return false
	}
	mc.removeEntryLocked(domain, entry)
	mc.stats.Removals++
	return true
}

// Clear empties the cache.
func (mc *MemoryCache) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.entries = make(map[string]*cacheEntry, mc.config.MaxEntries)
	mc.lru.Init()
	mc.memoryBytes = 0
}

// CleanupExpired removes every expired entry and returns the count.
func (mc *MemoryCache) CleanupExpired() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.cleanupExpiredLocked()
}

func (mc *MemoryCache) cleanupExpiredLocked() int {
	now := mc.now()
	removed := 0
	for domain, entry := range mc.entries {
		if !now.Before(entry.expiresAt) {
			mc.removeEntryLocked(domain, entry)
			mc.stats.Expirations++
			removed++
		}
	}
	mc.lastCleanup = now
	if removed > 0 {
		utils.WriteLog(utils.LogDebug, "cache cleanup removed %d expired entries", removed)
	}
	return removed
}

func (mc *MemoryCache) maybeCleanupLocked() {
	if mc.config.CleanupInterval <= 0 {
		return
	}
	if mc.now().Sub(mc.lastCleanup) >= mc.config.CleanupInterval {
		mc.cleanupExpiredLocked()
	}
}

// evictOneLocked drops the least-recently-used entry. Among entries sharing
// the same lastAccessed instant, the one expiring soonest goes first, then
// the largest.
func (mc *MemoryCache) evictOneLocked() {
	back := mc.lru.Back()
	if back == nil {
		return
	}

	victimKey := back.Value.(string)
	victim := mc.entries[victimKey]

	for elem := back.Prev(); elem != nil; elem = elem.Prev() {
		key := elem.Value.(string)
		entry := mc.entries[key]
		if !entry.lastAccessed.Equal(victim.lastAccessed) {
			break
		}
		if entry.expiresAt.Before(victim.expiresAt) ||
			(entry.expiresAt.Equal(victim.expiresAt) && entry.sizeBytes > victim.sizeBytes) {
			victimKey, victim = key, entry
		}
	}

	mc.removeEntryLocked(victimKey, victim)
	mc.stats.Evictions++
	mc.emit(types.CacheEventEviction, victimKey)
}

func (mc *MemoryCache) removeEntryLocked(domain string, entry *cacheEntry) {
	delete(mc.entries, domain)
	mc.lru.Remove(entry.elem)
	mc.memoryBytes -= entry.sizeBytes
}

// Stats returns a counter snapshot.
func (mc *MemoryCache) Stats() CacheStatistics {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	stats := mc.stats
	stats.Entries = mc.lru.Len()
	stats.MemoryBytes = mc.memoryBytes
	stats.MaxEntries = mc.config.MaxEntries
	stats.MaxMemoryBytes = mc.config.MaxMemoryBytes
	return stats
}

// Shutdown releases the cache.
func (mc *MemoryCache) Shutdown() {
	mc.Clear()
}
