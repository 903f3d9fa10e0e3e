package zns

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
)

// ==================== Redis cache tier ====================

// RedisCacheOptions selects the Redis backend.
type RedisCacheOptions struct {
	Address   string
	Password  string
	Database  int
	KeyPrefix string
}

type redisCacheEntry struct {
	Data      *types.DomainData      `json:"data"`
	CachedAt  int64                  `json:"cached_at"`
	ExpiresAt int64                  `json:"expires_at"`
	Source    types.ResolutionSource `json:"source"`
}

// RedisCache implements DomainCache on a shared Redis instance. Expiry is
// enforced by redis key TTLs; entry/byte bounds are left to the server's own
// maxmemory policy.
type RedisCache struct {
	client    *redis.Client
	config    CacheConfig
	keyPrefix string
	ctx       context.Context
	cancel    context.CancelFunc
	closed    int32
	stats     struct {
		hits        uint64
		misses      uint64
		expirations uint64
		inserts     uint64
		removals    uint64
	}
}

// NewRedisCache connects to Redis and verifies the link with a ping.
func NewRedisCache(opts RedisCacheOptions, config CacheConfig) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.Database,
		PoolSize:     types.RedisConnectionPoolSize,
		MinIdleConns: types.RedisMinIdleConnections,
		MaxRetries:   types.RedisMaxRetryAttempts,
		PoolTimeout:  types.RedisConnectionPoolTimeout,
		ReadTimeout:  types.RedisReadTimeout,
		WriteTimeout: types.RedisWriteTimeout,
		DialTimeout:  types.RedisDialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), types.RedisDialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	ctx, cacheCancel := context.WithCancel(context.Background())
	cache := &RedisCache{
		client:    rdb,
		config:    config,
		keyPrefix: opts.KeyPrefix,
		ctx:       ctx,
		cancel:    cacheCancel,
	}

	utils.WriteLog(utils.LogInfo, "redis cache tier ready: %s", opts.Address)
	return cache, nil
}

func (rc *RedisCache) key(domain string) string {
	return rc.keyPrefix + "domain:" + domain
}

func (rc *RedisCache) Get(domain string) (*types.DomainData, bool) {
	if atomic.LoadInt32(&rc.closed) != 0 {
		return nil, false
	}

	data, err := rc.client.Get(rc.ctx, rc.key(domain)).Result()
	if err != nil {
		atomic.AddUint64(&rc.stats.misses, 1)
		return nil, false
	}

	var entry redisCacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		utils.WriteLog(utils.LogDebug, "corrupt cache entry for %s: %v", domain, err)
		go func() {
			defer utils.HandlePanic("redis-cache-del", nil)
			rc.client.Del(context.Background(), rc.key(domain))
		}()
		atomic.AddUint64(&rc.stats.misses, 1)
		return nil, false
	}

	if time.Now().Unix() >= entry.ExpiresAt {
		go func() {
			defer utils.HandlePanic("redis-cache-expire", nil)
			rc.client.Del(context.Background(), rc.key(domain))
		}()
		atomic.AddUint64(&rc.stats.expirations, 1)
		atomic.AddUint64(&rc.stats.misses, 1)
		return nil, false
	}

	atomic.AddUint64(&rc.stats.hits, 1)
	return entry.Data, true
}

func (rc *RedisCache) Put(dd *types.DomainData, requestedTTL *uint32, source types.ResolutionSource) error {
	if atomic.LoadInt32(&rc.closed) != 0 || dd == nil || dd.Domain == "" {
		return nil
	}

	now := time.Now()
	ttl := rc.config.EffectiveTTL(requestedTTL)
	entry := redisCacheEntry{
		Data:      dd.Clone(),
		CachedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Duration(ttl) * time.Second).Unix(),
		Source:    source,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := rc.client.Set(rc.ctx, rc.key(dd.Domain), data, time.Duration(ttl)*time.Second).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	atomic.AddUint64(&rc.stats.inserts, 1)
	return nil
}

func (rc *RedisCache) Remove(domain string) bool {
	if atomic.LoadInt32(&rc.closed) != 0 {
		return false
	}
	removed, err := rc.client.Del(rc.ctx, rc.key(domain)).Result()
	if err != nil || removed == 0 {
		return false
	}
	atomic.AddUint64(&rc.stats.removals, 1)
	return true
}

func (rc *RedisCache) Clear() {
	if atomic.LoadInt32(&rc.closed) != 0 {
		return
	}

	iter := rc.client.Scan(rc.ctx, 0, rc.keyPrefix+"domain:*", 0).Iterator()
	for iter.Next(rc.ctx) {
		rc.client.Del(rc.ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		utils.WriteLog(utils.LogWarn, "redis cache clear: %v", err)
	}
}

// CleanupExpired is a no-op: redis expires keys itself.
func (rc *RedisCache) CleanupExpired() int { return 0 }

func (rc *RedisCache) Stats() CacheStatistics {
	stats := CacheStatistics{
		MaxEntries:     rc.config.MaxEntries,
		MaxMemoryBytes: rc.config.MaxMemoryBytes,
		Hits:           atomic.LoadUint64(&rc.stats.hits),
		Misses:         atomic.LoadUint64(&rc.stats.misses),
		Expirations:    atomic.LoadUint64(&rc.stats.expirations),
		Inserts:        atomic.LoadUint64(&rc.stats.inserts),
		Removals:       atomic.LoadUint64(&rc.stats.removals),
	}
	if atomic.LoadInt32(&rc.closed) == 0 {
		if n, err := rc.client.DBSize(rc.ctx).Result(); err == nil {
			stats.Entries = int(n)
		}
	}
	return stats
}

func (rc *RedisCache) Shutdown() {
	if !atomic.CompareAndSwapInt32(&rc.closed, 0, 1) {
		return
	}
	rc.cancel()
	if err := rc.client.Close(); err != nil {
		utils.WriteLog(utils.LogError, "redis client close: %v", err)
	}
}
