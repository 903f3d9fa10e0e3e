package zns

import (
	"context"
	"sync"
	"time"

	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
)

// ==================== ZNS service facade ====================

// ServiceOptions toggles the optional subsystems.
type ServiceOptions struct {
	EnableSubscriptions bool
	EnableCacheEvents   bool
	EnableMetrics       bool
	EnableAlerts        bool
}

// StatusReport is the /zns/status payload.
type StatusReport struct {
	Health        HealthState     `json:"health"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Cache         CacheStatistics `json:"cache"`
	Subscriptions struct {
		Domain int `json:"domain"`
		Cache  int `json:"cache"`
	} `json:"subscriptions"`
	ActiveAlerts []string        `json:"active_alerts"`
	Metrics      MetricsSnapshot `json:"metrics"`
}

// Service is the public ZNS surface. It owns the resolver core, both
// subscription managers, the metrics collector and the alert manager.
type Service struct {
	opts       ServiceOptions
	resolver   *Resolver
	domainSubs *DomainSubscriptionManager
	cacheSubs  *CacheSubscriptionManager
	metrics    *MetricsCollector
	alerts     *AlertManager
	startTime  time.Time

	mu            sync.Mutex
	lastRateReset time.Time
}

// NewService assembles the facade and wires the event hooks.
func NewService(opts ServiceOptions, resolver *Resolver, metrics *MetricsCollector, alerts *AlertManager) *Service {
	s := &Service{
		opts:       opts,
		resolver:   resolver,
		domainSubs: NewDomainSubscriptionManager(),
		cacheSubs:  NewCacheSubscriptionManager(),
		metrics:    metrics,
		alerts:     alerts,
		startTime:  time.Now(),
	}
	s.lastRateReset = s.startTime

	if opts.EnableSubscriptions {
		resolver.SetChangeHook(s.domainSubs.PublishChange)
	}
	if opts.EnableCacheEvents {
		if mc, ok := resolver.Cache().(*MemoryCache); ok {
			mc.SetEventHook(s.cacheSubs.Publish)
		}
	}

	return s
}

// Resolve answers one query and publishes the matching cache event after the
// response is final, so subscribers never observe an event before the client
// could have seen the reply.
func (s *Service) Resolve(ctx context.Context, req *types.ResolveRequest, clientID string) *types.ResolveResponse {
	resp := s.resolver.Resolve(ctx, req, clientID)

	if s.opts.EnableCacheEvents && resp.Error == nil {
		eventType := types.CacheEventMiss
		if resp.ResolutionInfo.WasCached {
			eventType = types.CacheEventHit
		}
		s.cacheSubs.Publish(types.CacheEvent{
			Type:      eventType,
			Domain:    req.Domain,
			Timestamp: time.Now().Unix(),
		})
	}

	return resp
}

// Register registers a domain on the native chain.
func (s *Service) Register(ctx context.Context, req *types.RegisterRequest, clientID string) *types.RegisterResponse {
	return s.resolver.Register(ctx, req, clientID)
}

// Update replaces a domain's records on the native chain.
func (s *Service) Update(ctx context.Context, req *types.UpdateRequest, clientID string) *types.UpdateResponse {
	return s.resolver.Update(ctx, req, clientID)
}

// CreateDomainSubscription opens a domain-change subscription.
func (s *Service) CreateDomainSubscription(req *types.SubscriptionRequest, clientID string) (string, *types.ZNSError) {
	if !s.opts.EnableSubscriptions {
		return "", types.NewZNSError(types.ErrCodeUnspecified, "subscriptions are disabled")
	}
	id := s.domainSubs.Subscribe(req, clientID)
	s.metrics.SetActiveSubscriptions(int64(s.domainSubs.Count() + s.cacheSubs.Count()))
	return id, nil
}

// CreateCacheSubscription opens a cache-event subscription.
func (s *Service) CreateCacheSubscription(hits, misses, evictions bool, clientID string) (string, *types.ZNSError) {
	if !s.opts.EnableCacheEvents {
		return "", types.NewZNSError(types.ErrCodeUnspecified, "cache events are disabled")
	}
	id := s.cacheSubs.Subscribe(hits, misses, evictions, clientID)
	s.metrics.SetActiveSubscriptions(int64(s.domainSubs.Count() + s.cacheSubs.Count()))
	return id, nil
}

// CancelSubscription cancels either kind of subscription by id.
func (s *Service) CancelSubscription(id string) bool {
	cancelled := s.domainSubs.Cancel(id) || s.cacheSubs.Cancel(id)
	if cancelled {
		s.metrics.SetActiveSubscriptions(int64(s.domainSubs.Count() + s.cacheSubs.Count()))
	}
	return cancelled
}

// GetSubscriptionEvents drains up to max pending change events.
func (s *Service) GetSubscriptionEvents(id string, max int) ([]types.ChangeEvent, bool) {
	return s.domainSubs.GetEvents(id, max)
}

// GetCacheEvents drains up to max pending cache events.
func (s *Service) GetCacheEvents(id string, max int) ([]types.CacheEvent, bool) {
	return s.cacheSubs.GetEvents(id, max)
}

// FlushCache clears the domain cache and broadcasts a FLUSH event.
func (s *Service) FlushCache() {
	s.resolver.Cache().Clear()
	utils.WriteLog(utils.LogInfo, "domain cache flushed")

	if s.opts.EnableCacheEvents {
		s.cacheSubs.Publish(types.CacheEvent{
			Type:      types.CacheEventFlush,
			Timestamp: time.Now().Unix(),
		})
	}
}

// Status reports health, cache statistics and subsystem gauges.
func (s *Service) Status() StatusReport {
	report := StatusReport{
		Health:        HealthHealthy,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Cache:         s.resolver.Cache().Stats(),
	}
	report.Subscriptions.Domain = s.domainSubs.Count()
	report.Subscriptions.Cache = s.cacheSubs.Count()

	if s.opts.EnableMetrics {
		report.Metrics = s.metrics.Snapshot()
		report.Health = report.Metrics.Health
	}
	if s.alerts != nil {
		report.ActiveAlerts = s.alerts.ActiveAlerts()
	}
	return report
}

// MetricsReport renders the human-readable metrics summary.
func (s *Service) MetricsReport() string {
	return s.metrics.Report()
}

// Prometheus renders the text exposition format.
func (s *Service) Prometheus() (string, error) {
	return s.metrics.Prometheus()
}

// Metrics exposes the collector for the gateway's gauges.
func (s *Service) Metrics() *MetricsCollector { return s.metrics }

// Validator exposes domain validation for dispatch-level checks.
func (s *Service) Validator() *Validator { return s.resolver.Validator() }

// RunPeriodicTasks performs one background maintenance pass: expired-entry
// cleanup, rate-limit window reset, resource sampling and alert evaluation.
// Idempotent and safe under concurrent request handling.
func (s *Service) RunPeriodicTasks(ctx context.Context) error {
	removed := s.resolver.Cache().CleanupExpired()
	if removed > 0 {
		utils.WriteLog(utils.LogDebug, "periodic cleanup removed %d entries", removed)
	}

	// The rate-limit window tumbles on a fixed cadence independent of how
	// often the periodic task itself runs.
	s.mu.Lock()
	if time.Since(s.lastRateReset) >= types.RateLimitWindow {
		s.resolver.Limiter().ResetCounters()
		s.lastRateReset = time.Now()
	}
	s.mu.Unlock()

	if s.opts.EnableMetrics {
		s.metrics.SetActiveSubscriptions(int64(s.domainSubs.Count() + s.cacheSubs.Count()))
		s.metrics.UpdateResourceUsage()

		if s.opts.EnableAlerts && s.alerts != nil {
			s.alerts.Evaluate(s.metrics.Snapshot())
		}
	}

	return ctx.Err()
}

// Shutdown stops the resolver core and its owned resources.
func (s *Service) Shutdown() {
	s.resolver.Shutdown()
}
