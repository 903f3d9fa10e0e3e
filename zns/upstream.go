package zns

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/GhostKellz/ghostbridge/types"
)

// ==================== Upstream resolver contract ====================

// UpstreamResolver adapts one name-resolution backend.
//
// Return contract:
//   - (nil, nil): the domain is outside this resolver's namespace; the caller
//     tries the next resolver.
//   - (resp, nil) with resp.Error set: the resolver owns the namespace and
//     failed; iteration stops and the error is surfaced.
//   - (resp, nil) with no error: success.
//   - (nil, err): transport-level failure inside an owned namespace; the
//     caller maps it to RESOLVER_UNAVAILABLE and stops.
//
// Adapters deep-copy everything they return and honour ctx deadlines.
type UpstreamResolver interface {
	Name() string
	Source() types.ResolutionSource
	Resolve(ctx context.Context, domain string, recordTypes []types.RecordType) (*types.ResolveResponse, error)
}

// NativeUpstream extends the resolve contract with the chain's write
// operations. Satisfied by NativeResolver.
type NativeUpstream interface {
	UpstreamResolver
	Register(ctx context.Context, req *types.RegisterRequest) (*types.RegisterResponse, error)
	Update(ctx context.Context, req *types.UpdateRequest) (*types.UpdateResponse, error)
	Close() error
}

// filterRecords keeps only the requested record types. An empty request list
// means all types.
func filterRecords(records []types.DNSRecord, requested []types.RecordType) []types.DNSRecord {
	if len(requested) == 0 || len(records) == 0 {
		return records
	}
	wanted := make(map[types.RecordType]bool, len(requested))
	for _, t := range requested {
		wanted[types.RecordType(strings.ToUpper(string(t)))] = true
	}
	out := make([]types.DNSRecord, 0, len(records))
	for _, r := range records {
		if wanted[r.Type] {
			out = append(out, r)
		}
	}
	return out
}

// successResponse builds the common success envelope for an adapter.
func successResponse(domain string, records []types.DNSRecord, metadata *types.DomainMetadata, source types.ResolutionSource) *types.ResolveResponse {
	return &types.ResolveResponse{
		Domain:   domain,
		Records:  records,
		Metadata: metadata,
		ResolutionInfo: types.ResolutionInfo{
			Source:     source,
			ResolvedAt: time.Now().Unix(),
		},
	}
}

// errorResponse builds the owned-namespace failure envelope.
func errorResponse(domain string, source types.ResolutionSource, err *types.ZNSError) *types.ResolveResponse {
	return &types.ResolveResponse{
		Domain: domain,
		ResolutionInfo: types.ResolutionInfo{
			Source:     source,
			ResolvedAt: time.Now().Unix(),
		},
		Error: err,
	}
}

// ==================== Per-second gate ====================

// rpsGate is a process-wide requests-per-second ceiling for one bridge.
type rpsGate struct {
	mu          sync.Mutex
	limit       int
	count       int
	windowStart time.Time
}

func newRPSGate(limit int) *rpsGate {
	return &rpsGate{limit: limit, windowStart: time.Now()}
}

// allow consumes one slot in the current one-second window.
func (g *rpsGate) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if now.Sub(g.windowStart) >= time.Second {
		g.windowStart = now
		g.count = 0
	}
	if g.count >= g.limit {
		return false
	}
	g.count++
	return true
}
