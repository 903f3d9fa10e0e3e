package zns

import (
	"context"
	"strings"
	"time"

	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
)

// ==================== Resolver core ====================

// ResolverOptions configures the fan-out behaviour.
type ResolverOptions struct {
	EnableCache       bool
	EnableENSBridge   bool
	EnableUDBridge    bool
	EnableDNSFallback bool
	MaxResolutionTime time.Duration
}

// Resolver routes each query across the upstream adapters in category order,
// consulting the cache and the rate limiter first.
type Resolver struct {
	opts      ResolverOptions
	validator *Validator
	limiter   *RateLimiter
	cache     DomainCache
	metrics   *MetricsCollector

	native      NativeUpstream
	ens         UpstreamResolver
	ud          UpstreamResolver
	dnsFallback UpstreamResolver

	onChange func(types.ChangeEvent)
}

// NewResolver wires the resolver core. ens, ud and dnsFallback may be nil
// when the matching option is off.
func NewResolver(opts ResolverOptions, validator *Validator, limiter *RateLimiter,
	cache DomainCache, metrics *MetricsCollector,
	native NativeUpstream, ens, ud, dnsFallback UpstreamResolver) *Resolver {
	return &Resolver{
		opts:        opts,
		validator:   validator,
		limiter:     limiter,
		cache:       cache,
		metrics:     metrics,
		native:      native,
		ens:         ens,
		ud:          ud,
		dnsFallback: dnsFallback,
	}
}

// SetChangeHook installs the domain-change event sink.
func (r *Resolver) SetChangeHook(hook func(types.ChangeEvent)) {
	r.onChange = hook
}

func (r *Resolver) emitChange(event types.ChangeEvent) {
	if r.onChange == nil {
		return
	}
	// A subscriber failure never fails the originating request.
	defer utils.HandlePanic("change-event-hook", nil)
	r.onChange(event)
}

// resolverChain returns the upstream ordering for a category. Disabled
// adapters are dropped with the relative order preserved.
func (r *Resolver) resolverChain(category types.DomainCategory) []UpstreamResolver {
	appendEnabled := func(chain []UpstreamResolver, resolvers ...UpstreamResolver) []UpstreamResolver {
		for _, resolver := range resolvers {
			if resolver != nil {
				chain = append(chain, resolver)
			}
		}
		return chain
	}

	var fallback UpstreamResolver
	if r.opts.EnableDNSFallback {
		fallback = r.dnsFallback
	}

	switch category {
	case types.CategoryIdentity, types.CategoryInfrastructure:
		return appendEnabled(nil, r.native, fallback)
	case types.CategoryENSBridge:
		if r.opts.EnableENSBridge && r.ens != nil {
			return []UpstreamResolver{r.ens}
		}
		return appendEnabled(nil, fallback)
	case types.CategoryUnstoppableBridge:
		if r.opts.EnableUDBridge && r.ud != nil {
			return []UpstreamResolver{r.ud}
		}
		return appendEnabled(nil, fallback)
	case types.CategoryExperimental:
		chain := appendEnabled(nil, r.native)
		if r.opts.EnableENSBridge {
			chain = appendEnabled(chain, r.ens)
		}
		if r.opts.EnableUDBridge {
			chain = appendEnabled(chain, r.ud)
		}
		return appendEnabled(chain, fallback)
	default:
		return nil
	}
}

// minRecordTTL computes the cache TTL from the response records.
func minRecordTTL(records []types.DNSRecord) *uint32 {
	if len(records) == 0 {
		return nil
	}
	min := records[0].TTL
	for _, record := range records[1:] {
		if record.TTL < min {
			min = record.TTL
		}
	}
	return &min
}

// Resolve answers one query. Rate limiting and validation short-circuit
// before any cache or upstream access.
func (r *Resolver) Resolve(ctx context.Context, req *types.ResolveRequest, clientID string) *types.ResolveResponse {
	start := time.Now()

	if !r.limiter.IsAllowed(clientID) {
		r.metrics.RecordRateLimited()
		return &types.ResolveResponse{
			Domain: req.Domain,
			Error:  types.NewZNSErrorf(types.ErrCodeRateLimited, "client %s exceeded the request ceiling", clientID),
		}
	}

	if !r.validator.IsValidDomain(req.Domain) {
		r.metrics.RecordQuery(time.Since(start), false)
		r.metrics.RecordError(types.ErrCodeInvalidDomain)
		return &types.ResolveResponse{
			Domain: req.Domain,
			Error:  types.NewZNSErrorf(types.ErrCodeInvalidDomain, "domain %s is not valid", req.Domain),
		}
	}

	r.metrics.RecordTLD(req.Domain)

	cacheable := req.UseCache && r.opts.EnableCache
	if cacheable {
		if data, ok := r.cache.Get(req.Domain); ok {
			r.metrics.RecordCacheHit()
			r.metrics.RecordQuery(time.Since(start), true)
			return &types.ResolveResponse{
				Domain:   req.Domain,
				Records:  filterRecords(data.Records, req.RecordTypes),
				Metadata: responseMetadata(data.Metadata, req.IncludeMetadata),
				ResolutionInfo: types.ResolutionInfo{
					Source:     types.SourceCache,
					WasCached:  true,
					DurationMs: time.Since(start).Milliseconds(),
					ResolvedAt: time.Now().Unix(),
				},
			}
		}
		r.metrics.RecordCacheMiss()
	}

	category := r.validator.GetDomainCategory(req.Domain)
	chain := r.resolverChain(category)

	var walked []string
	var lastErr *types.ZNSError

	for _, upstream := range chain {
		walked = append(walked, upstream.Name())
		r.metrics.RecordResolverQuery(upstream.Name())

		callCtx, cancel := context.WithTimeout(ctx, r.opts.MaxResolutionTime)
		resp, err := upstream.Resolve(callCtx, req.Domain, req.RecordTypes)
		cancel()

		if err != nil {
			utils.WriteLog(utils.LogWarn, "resolver %s failed for %s: %v", upstream.Name(), req.Domain, err)
			lastErr = types.NewZNSErrorf(types.ErrCodeResolverUnavailable, "%s resolver unavailable", upstream.Name())
			lastErr.Details = err.Error()
			break
		}
		if resp == nil {
			continue
		}
		if resp.Error != nil {
			lastErr = resp.Error
			break
		}

		if len(resp.Records) > 0 && cacheable {
			data := &types.DomainData{
				Domain:      req.Domain,
				Records:     resp.Records,
				Metadata:    resp.Metadata,
				LastUpdated: time.Now().Unix(),
			}
			if err := r.cache.Put(data, minRecordTTL(resp.Records), resp.ResolutionInfo.Source); err != nil {
				// A failed insert is logged and dropped, never surfaced.
				utils.WriteLog(utils.LogWarn, "cache insert for %s failed: %v", req.Domain, err)
			}
		}

		resp.Metadata = responseMetadata(resp.Metadata, req.IncludeMetadata)
		resp.ResolutionInfo.DurationMs = time.Since(start).Milliseconds()
		resp.ResolutionInfo.ResolutionChain = walked
		r.metrics.RecordQuery(time.Since(start), true)
		return resp
	}

	if lastErr == nil {
		lastErr = types.NewZNSErrorf(types.ErrCodeDomainNotFound, "domain %s could not be resolved", req.Domain)
	}
	lastErr.WithChain(walked)

	r.metrics.RecordQuery(time.Since(start), false)
	r.metrics.RecordError(lastErr.Code)

	return &types.ResolveResponse{
		Domain: req.Domain,
		ResolutionInfo: types.ResolutionInfo{
			Source:          types.SourceUnspecified,
			DurationMs:      time.Since(start).Milliseconds(),
			ResolvedAt:      time.Now().Unix(),
			ResolutionChain: walked,
		},
		Error: lastErr,
	}
}

func responseMetadata(metadata *types.DomainMetadata, include bool) *types.DomainMetadata {
	if !include {
		return nil
	}
	return metadata
}

// Register registers a new native domain.
func (r *Resolver) Register(ctx context.Context, req *types.RegisterRequest, clientID string) *types.RegisterResponse {
	if !r.limiter.IsAllowed(clientID) {
		r.metrics.RecordRateLimited()
		return &types.RegisterResponse{
			Domain: req.Domain,
			Error:  types.NewZNSErrorf(types.ErrCodeRateLimited, "client %s exceeded the request ceiling", clientID),
		}
	}

	if !r.validator.IsValidDomain(req.Domain) {
		r.metrics.RecordError(types.ErrCodeInvalidDomain)
		return &types.RegisterResponse{
			Domain: req.Domain,
			Error:  types.NewZNSErrorf(types.ErrCodeInvalidDomain, "domain %s is not valid", req.Domain),
		}
	}

	category := r.validator.GetDomainCategory(req.Domain)
	if category != types.CategoryIdentity && category != types.CategoryInfrastructure {
		r.metrics.RecordError(types.ErrCodePermissionDenied)
		return &types.RegisterResponse{
			Domain: req.Domain,
			Error:  types.NewZNSErrorf(types.ErrCodePermissionDenied, "%s domains cannot be registered here", category),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.MaxResolutionTime)
	defer cancel()

	resp, err := r.native.Register(callCtx, req)
	if err != nil {
		r.metrics.RecordError(types.ErrCodeResolverUnavailable)
		zerr := types.NewZNSError(types.ErrCodeResolverUnavailable, "chain registration failed")
		zerr.Details = err.Error()
		return &types.RegisterResponse{Domain: req.Domain, Error: zerr}
	}
	if resp.Error != nil {
		r.metrics.RecordError(resp.Error.Code)
		return resp
	}

	r.emitChange(types.ChangeEvent{
		Domain:          req.Domain,
		EventType:       types.EventDomainRegistered,
		NewRecords:      types.CloneRecords(req.Records),
		Timestamp:       time.Now().Unix(),
		TransactionHash: resp.TransactionHash,
	})

	return resp
}

// Update replaces the record set of a native domain. Every record is
// validated; on success the cached entry is dropped.
func (r *Resolver) Update(ctx context.Context, req *types.UpdateRequest, clientID string) *types.UpdateResponse {
	if !r.limiter.IsAllowed(clientID) {
		r.metrics.RecordRateLimited()
		return &types.UpdateResponse{
			Domain: req.Domain,
			Error:  types.NewZNSErrorf(types.ErrCodeRateLimited, "client %s exceeded the request ceiling", clientID),
		}
	}

	category := r.validator.GetDomainCategory(req.Domain)
	if category != types.CategoryIdentity && category != types.CategoryInfrastructure {
		r.metrics.RecordError(types.ErrCodePermissionDenied)
		return &types.UpdateResponse{
			Domain: req.Domain,
			Error:  types.NewZNSErrorf(types.ErrCodePermissionDenied, "%s domains cannot be updated here", category),
		}
	}

	for _, record := range req.Records {
		if !strings.EqualFold(record.Name, req.Domain) && !strings.HasSuffix(strings.ToLower(record.Name), "."+strings.ToLower(req.Domain)) {
			r.metrics.RecordError(types.ErrCodeInvalidRecordType)
			return &types.UpdateResponse{
				Domain: req.Domain,
				Error:  types.NewZNSErrorf(types.ErrCodeInvalidRecordType, "record %s does not belong to %s", record.Name, req.Domain),
			}
		}
		if outcome := r.validator.ValidateRecord(record); outcome != RecordValid {
			zerr := outcome.Err(record)
			r.metrics.RecordError(zerr.Code)
			return &types.UpdateResponse{Domain: req.Domain, Error: zerr}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.MaxResolutionTime)
	defer cancel()

	resp, err := r.native.Update(callCtx, req)
	if err != nil {
		r.metrics.RecordError(types.ErrCodeResolverUnavailable)
		zerr := types.NewZNSError(types.ErrCodeResolverUnavailable, "chain update failed")
		zerr.Details = err.Error()
		return &types.UpdateResponse{Domain: req.Domain, Error: zerr}
	}
	if resp.Error != nil {
		r.metrics.RecordError(resp.Error.Code)
		return resp
	}

	r.cache.Remove(req.Domain)

	r.emitChange(types.ChangeEvent{
		Domain:          req.Domain,
		EventType:       types.EventDomainUpdated,
		NewRecords:      types.CloneRecords(req.Records),
		Timestamp:       time.Now().Unix(),
		TransactionHash: resp.TransactionHash,
	})

	return resp
}

// Cache exposes the owned cache to the service facade.
func (r *Resolver) Cache() DomainCache { return r.cache }

// Limiter exposes the shared rate limiter for window resets.
func (r *Resolver) Limiter() *RateLimiter { return r.limiter }

// Validator exposes the validator for the facade's dispatch checks.
func (r *Resolver) Validator() *Validator { return r.validator }

// Shutdown releases upstream connections and the cache.
func (r *Resolver) Shutdown() {
	if r.native != nil {
		if err := r.native.Close(); err != nil {
			utils.WriteLog(utils.LogDebug, "native resolver close: %v", err)
		}
	}
	r.cache.Shutdown()
}
