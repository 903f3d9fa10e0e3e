package zns

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GhostKellz/ghostbridge/types"
)

func testCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries:        8,
		MaxMemoryBytes:    16 * 1024,
		DefaultTTL:        100,
		MinTTL:            10,
		MaxTTL:            1000,
		CleanupInterval:   time.Minute,
		EvictionBatchSize: 4,
	}
}

func domainData(domain string) *types.DomainData {
	return &types.DomainData{
		Domain: domain,
		Owner:  "0x742d35cc6634c0532925a3b8d431df45c3f8d23b",
		Records: []types.DNSRecord{
			{Type: types.RecordTypeA, Name: domain, Value: "10.0.0.1", TTL: 600},
		},
		LastUpdated: time.Now().Unix(),
	}
}

// clock is a controllable time source for cache tests.
type clock struct{ now time.Time }

func (c *clock) Now() time.Time           { return c.now }
func (c *clock) Advance(d time.Duration)  { c.now = c.now.Add(d) }
func newClock() *clock                    { return &clock{now: time.Unix(1700000000, 0)} }
func withClock(mc *MemoryCache, c *clock) { mc.now = c.Now }

func TestCachePutGetRoundTrip(t *testing.T) {
	mc := NewMemoryCache(testCacheConfig())

	dd := domainData("alice.ghost")
	require.NoError(t, mc.Put(dd, nil, types.SourceZNSNative))

	got, ok := mc.Get("alice.ghost")
	require.True(t, ok)
	assert.Equal(t, dd.Records, got.Records)

	// The cache owns its copy: mutating the original must not leak through.
	dd.Records[0].Value = "10.9.9.9"
	got2, ok := mc.Get("alice.ghost")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", got2.Records[0].Value)

	// The returned copy is caller-owned too.
	got2.Records[0].Value = "10.8.8.8"
	got3, _ := mc.Get("alice.ghost")
	assert.Equal(t, "10.0.0.1", got3.Records[0].Value)
}

func TestCacheTTLClamping(t *testing.T) {
	cfg := testCacheConfig()
	assert.Equal(t, cfg.MinTTL, cfg.EffectiveTTL(uint32Ptr(0)), "zero clamps up to min")
	assert.Equal(t, cfg.MaxTTL, cfg.EffectiveTTL(uint32Ptr(10_000)), "oversized clamps down to max")
	assert.Equal(t, cfg.DefaultTTL, cfg.EffectiveTTL(nil), "absent falls back to default")
	assert.Equal(t, uint32(500), cfg.EffectiveTTL(uint32Ptr(500)))
}

func uint32Ptr(v uint32) *uint32 { return &v }

func TestCacheExpiry(t *testing.T) {
	mc := NewMemoryCache(testCacheConfig())
	c := newClock()
	withClock(mc, c)

	require.NoError(t, mc.Put(domainData("alice.ghost"), uint32Ptr(60), types.SourceZNSNative))

	_, ok := mc.Get("alice.ghost")
	require.True(t, ok)

	c.Advance(61 * time.Second)
	_, ok = mc.Get("alice.ghost")
	assert.False(t, ok, "an expired entry is never served")

	stats := mc.Stats()
	assert.Equal(t, uint64(1), stats.Expirations)
	assert.Equal(t, 0, stats.Entries)
}

func TestCacheEntryBound(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxEntries = 3
	mc := NewMemoryCache(cfg)

	for i := 0; i < 5; i++ {
		require.NoError(t, mc.Put(domainData(fmt.Sprintf("node-%d.zns", i)), nil, types.SourceZNSNative))
		assert.LessOrEqual(t, mc.Stats().Entries, 3)
	}
	assert.Equal(t, 3, mc.Stats().Entries)
	assert.Equal(t, uint64(2), mc.Stats().Evictions)

	// Oldest entries were evicted, newest survive.
	_, ok := mc.Get("node-4.zns")
	assert.True(t, ok)
	_, ok = mc.Get("node-0.zns")
	assert.False(t, ok)
}

func TestCacheMemoryBound(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxMemoryBytes = 2048
	mc := NewMemoryCache(cfg)

	for i := 0; i < 10; i++ {
		dd := domainData(fmt.Sprintf("node-%d.zns", i))
		dd.Metadata = &types.DomainMetadata{Description: strings.Repeat("x", 200)}
		require.NoError(t, mc.Put(dd, nil, types.SourceZNSNative))
		assert.LessOrEqual(t, mc.Stats().MemoryBytes, cfg.MaxMemoryBytes)
	}
}

func TestCacheSingleEntryTooLarge(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxMemoryBytes = 512
	mc := NewMemoryCache(cfg)

	dd := domainData("huge.ghost")
	dd.Metadata = &types.DomainMetadata{Description: strings.Repeat("x", 1024)}

	err := mc.Put(dd, nil, types.SourceZNSNative)
	assert.ErrorIs(t, err, ErrCapacityExhausted)
	assert.Equal(t, 0, mc.Stats().Entries)
}

func TestCacheLRUOrder(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxEntries = 2
	mc := NewMemoryCache(cfg)
	c := newClock()
	withClock(mc, c)

	require.NoError(t, mc.Put(domainData("a.zns"), nil, types.SourceZNSNative))
	c.Advance(time.Second)
	require.NoError(t, mc.Put(domainData("b.zns"), nil, types.SourceZNSNative))
	c.Advance(time.Second)

	// Touch a.zns so b.zns becomes the LRU victim.
	_, ok := mc.Get("a.zns")
	require.True(t, ok)
	c.Advance(time.Second)

	require.NoError(t, mc.Put(domainData("c.zns"), nil, types.SourceZNSNative))

	_, ok = mc.Get("a.zns")
	assert.True(t, ok)
	_, ok = mc.Get("b.zns")
	assert.False(t, ok)
}

func TestCacheEvictionTieBreak(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxEntries = 3
	mc := NewMemoryCache(cfg)
	c := newClock()
	withClock(mc, c)

	// Same lastAccessed instant for all three; b expires soonest.
	require.NoError(t, mc.Put(domainData("a.zns"), uint32Ptr(500), types.SourceZNSNative))
	require.NoError(t, mc.Put(domainData("b.zns"), uint32Ptr(50), types.SourceZNSNative))
	require.NoError(t, mc.Put(domainData("c.zns"), uint32Ptr(500), types.SourceZNSNative))

	require.NoError(t, mc.Put(domainData("d.zns"), uint32Ptr(500), types.SourceZNSNative))

	_, ok := mc.Get("b.zns")
	assert.False(t, ok, "the soonest-expiring entry loses the tie")
	_, ok = mc.Get("a.zns")
	assert.True(t, ok)
	_, ok = mc.Get("c.zns")
	assert.True(t, ok)
}

func TestCacheRemoveClearCleanup(t *testing.T) {
	mc := NewMemoryCache(testCacheConfig())
	c := newClock()
	withClock(mc, c)

	require.NoError(t, mc.Put(domainData("a.zns"), uint32Ptr(30), types.SourceZNSNative))
	require.NoError(t, mc.Put(domainData("b.zns"), uint32Ptr(300), types.SourceZNSNative))

	assert.True(t, mc.Remove("a.zns"))
	assert.False(t, mc.Remove("a.zns"))

	require.NoError(t, mc.Put(domainData("c.zns"), uint32Ptr(30), types.SourceZNSNative))
	c.Advance(60 * time.Second)
	assert.Equal(t, 1, mc.CleanupExpired(), "only the short-ttl entry expires")
	assert.Equal(t, 1, mc.Stats().Entries)

	mc.Clear()
	assert.Equal(t, 0, mc.Stats().Entries)
	assert.Equal(t, int64(0), mc.Stats().MemoryBytes)
}

func TestCacheReplaceReleasesMemory(t *testing.T) {
	mc := NewMemoryCache(testCacheConfig())

	big := domainData("a.zns")
	big.Metadata = &types.DomainMetadata{Description: strings.Repeat("x", 500)}
	require.NoError(t, mc.Put(big, nil, types.SourceZNSNative))
	before := mc.Stats().MemoryBytes

	small := domainData("a.zns")
	require.NoError(t, mc.Put(small, nil, types.SourceZNSNative))
	after := mc.Stats().MemoryBytes

	assert.Less(t, after, before, "replacing an entry frees the old bytes")
	assert.Equal(t, 1, mc.Stats().Entries)
}

func TestCacheEvictionEvents(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxEntries = 1
	mc := NewMemoryCache(cfg)

	events := make(chan types.CacheEvent, 4)
	mc.SetEventHook(func(event types.CacheEvent) { events <- event })

	require.NoError(t, mc.Put(domainData("a.zns"), nil, types.SourceZNSNative))
	require.NoError(t, mc.Put(domainData("b.zns"), nil, types.SourceZNSNative))

	select {
	case event := <-events:
		assert.Equal(t, types.CacheEventEviction, event.Type)
		assert.Equal(t, "a.zns", event.Domain)
	case <-time.After(time.Second):
		t.Fatal("expected an eviction event")
	}
}
