package zns

import (
	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
)

// NullCache satisfies DomainCache while storing nothing. Selected when
// resolver caching is disabled.
type NullCache struct{}

func NewNullCache() *NullCache {
	utils.WriteLog(utils.LogInfo, "domain cache disabled")
	return &NullCache{}
}

func (nc *NullCache) Get(domain string) (*types.DomainData, bool) { return nil, false }
func (nc *NullCache) Put(dd *types.DomainData, requestedTTL *uint32, source types.ResolutionSource) error {
	return nil
}
func (nc *NullCache) Remove(domain string) bool { return false }
func (nc *NullCache) Clear()                    {}
func (nc *NullCache) CleanupExpired() int       { return 0 }
func (nc *NullCache) Stats() CacheStatistics    { return CacheStatistics{} }
func (nc *NullCache) Shutdown()                 {}
