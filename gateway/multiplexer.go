package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
	"github.com/GhostKellz/ghostbridge/zns"
)

// ==================== Multiplexer ====================

// dispatchResult carries one framed response.
type dispatchResult struct {
	status int
	body   []byte
}

// Multiplexer parses framed requests, selects a channel by path prefix and
// produces exactly one response body per request.
type Multiplexer struct {
	registry  *ChannelRegistry
	zns       *zns.Service
	respCache *ResponseCache
	client    *http.Client
	timeout   time.Duration
}

// NewMultiplexer assembles the dispatch layer.
func NewMultiplexer(registry *ChannelRegistry, service *zns.Service, respCache *ResponseCache, timeout time.Duration) *Multiplexer {
	return &Multiplexer{
		registry:  registry,
		zns:       service,
		respCache: respCache,
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

func errorBody(code types.ZNSErrorCode, message string) dispatchResult {
	zerr := types.NewZNSError(code, message)
	payload, _ := json.Marshal(map[string]*types.ZNSError{"error": zerr})
	return dispatchResult{status: zerr.HTTPStatus(), body: payload}
}

func jsonBody(status int, value interface{}) dispatchResult {
	payload, err := json.Marshal(value)
	if err != nil {
		return errorBody(types.ErrCodeInternal, "response encoding failed")
	}
	return dispatchResult{status: status, body: payload}
}

// Dispatch routes one request. It enforces the per-request deadline and
// converts panics from any handler into a generic internal error.
func (m *Multiplexer) Dispatch(ctx context.Context, path string, body []byte, clientID string, tracker *utils.RequestTracker) (int, []byte) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan dispatchResult, 1)
	go func() {
		var result dispatchResult
		err := utils.ExecuteWithRecovery("dispatch", func() error {
			result = m.dispatch(ctx, path, body, clientID, tracker)
			return nil
		}, nil)
		if err != nil || result.status == 0 {
			result = errorBody(types.ErrCodeInternal, "request handling failed")
		}
		done <- result
	}()

	select {
	case result := <-done:
		return result.status, result.body
	case <-ctx.Done():
		// The in-flight handler is abandoned; its upstream call honours the
		// same deadline and unwinds on its own.
		utils.WriteLog(utils.LogWarn, "dispatch timed out: %s", path)
		result := errorBody(types.ErrCodeTimeout, "request deadline exceeded")
		return result.status, result.body
	}
}

func (m *Multiplexer) dispatch(ctx context.Context, path string, body []byte, clientID string, tracker *utils.RequestTracker) dispatchResult {
	segments := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if segments[0] == "" {
		return errorBody(types.ErrCodeUnspecified, "empty request path")
	}
	head := segments[0]
	tail := ""
	if len(segments) == 2 {
		tail = "/" + segments[1]
	}

	if head == "zns" {
		tracker.Channel = "zns"
		return m.dispatchZNS(ctx, tail, body, clientID)
	}

	channelType, ok := pathChannels[head]
	if !ok {
		return errorBody(types.ErrCodeUnspecified, fmt.Sprintf("unknown channel %q", head))
	}

	// Queries for chain-native names arriving on the DNS channel are answered
	// locally instead of hitting the legacy DNS backend.
	if channelType == types.ChannelDNS {
		if domain, ok := m.znsDomainInBody(body); ok {
			tracker.AddStep("dns request for %s redirected to zns", domain)
			tracker.Channel = "zns"
			return m.dispatchZNS(ctx, "/resolve", m.resolveBodyFor(domain, body), clientID)
		}
	}

	tracker.Channel = string(channelType)
	return m.forward(ctx, channelType, tail, body, tracker)
}

// ==================== ZNS dispatch ====================

// subscribeWire is the /zns/subscribe request union: create a domain or
// cache subscription, poll events, or cancel.
type subscribeWire struct {
	SubscriptionID  string             `json:"subscription_id,omitempty"`
	Cancel          bool               `json:"cancel,omitempty"`
	MaxEvents       int                `json:"max_events,omitempty"`
	Domains         []string           `json:"domains,omitempty"`
	RecordTypes     []types.RecordType `json:"record_types,omitempty"`
	IncludeMetadata bool               `json:"include_metadata,omitempty"`
	CacheEvents     *struct {
		Hits      bool `json:"hits"`
		Misses    bool `json:"misses"`
		Evictions bool `json:"evictions"`
	} `json:"cache_events,omitempty"`
}

type metricsWire struct {
	Format string `json:"format,omitempty"`
}

// decodeStrict parses critical request bodies, failing closed on unknown
// fields.
func decodeStrict(body []byte, out interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func (m *Multiplexer) dispatchZNS(ctx context.Context, op string, body []byte, clientID string) dispatchResult {
	switch op {
	case "/resolve":
		req := &types.ResolveRequest{}
		if err := decodeStrict(body, req); err != nil {
			return errorBody(types.ErrCodeInvalidDomain, "malformed resolve request")
		}
		resp := m.zns.Resolve(ctx, req, clientID)
		return jsonBody(resp.Error.HTTPStatus(), resp)

	case "/register":
		req := &types.RegisterRequest{}
		if err := decodeStrict(body, req); err != nil {
			return errorBody(types.ErrCodeInvalidDomain, "malformed register request")
		}
		resp := m.zns.Register(ctx, req, clientID)
		return jsonBody(resp.Error.HTTPStatus(), resp)

	case "/update":
		req := &types.UpdateRequest{}
		if err := decodeStrict(body, req); err != nil {
			return errorBody(types.ErrCodeInvalidDomain, "malformed update request")
		}
		resp := m.zns.Update(ctx, req, clientID)
		return jsonBody(resp.Error.HTTPStatus(), resp)

	case "/subscribe":
		req := &subscribeWire{}
		if err := decodeStrict(body, req); err != nil {
			return errorBody(types.ErrCodeUnspecified, "malformed subscribe request")
		}
		return m.dispatchSubscribe(req, clientID)

	case "/status":
		return jsonBody(http.StatusOK, m.zns.Status())

	case "/metrics":
		req := &metricsWire{}
		if len(body) > 0 {
			if err := decodeStrict(body, req); err != nil {
				return errorBody(types.ErrCodeUnspecified, "malformed metrics request")
			}
		}
		if req.Format == "prometheus" {
			text, err := m.zns.Prometheus()
			if err != nil {
				return errorBody(types.ErrCodeInternal, "metrics export failed")
			}
			return dispatchResult{status: http.StatusOK, body: []byte(text)}
		}
		return dispatchResult{status: http.StatusOK, body: []byte(m.zns.MetricsReport())}

	default:
		return errorBody(types.ErrCodeUnspecified, fmt.Sprintf("unknown zns operation %q", op))
	}
}

func (m *Multiplexer) dispatchSubscribe(req *subscribeWire, clientID string) dispatchResult {
	switch {
	case req.SubscriptionID != "" && req.Cancel:
		cancelled := m.zns.CancelSubscription(req.SubscriptionID)
		return jsonBody(http.StatusOK, map[string]bool{"cancelled": cancelled})

	case req.SubscriptionID != "":
		max := req.MaxEvents
		if max <= 0 {
			max = types.SubscriptionQueueSize
		}
		if events, ok := m.zns.GetSubscriptionEvents(req.SubscriptionID, max); ok {
			return jsonBody(http.StatusOK, map[string][]types.ChangeEvent{"events": events})
		}
		if events, ok := m.zns.GetCacheEvents(req.SubscriptionID, max); ok {
			return jsonBody(http.StatusOK, map[string][]types.CacheEvent{"events": events})
		}
		return errorBody(types.ErrCodeDomainNotFound, "unknown subscription")

	case req.CacheEvents != nil:
		id, zerr := m.zns.CreateCacheSubscription(req.CacheEvents.Hits, req.CacheEvents.Misses, req.CacheEvents.Evictions, clientID)
		if zerr != nil {
			return jsonBody(zerr.HTTPStatus(), types.SubscriptionResponse{Error: zerr})
		}
		return jsonBody(http.StatusOK, types.SubscriptionResponse{SubscriptionID: id})

	default:
		id, zerr := m.zns.CreateDomainSubscription(&types.SubscriptionRequest{
			Domains:         req.Domains,
			RecordTypes:     req.RecordTypes,
			IncludeMetadata: req.IncludeMetadata,
		}, clientID)
		if zerr != nil {
			return jsonBody(zerr.HTTPStatus(), types.SubscriptionResponse{Error: zerr})
		}
		return jsonBody(http.StatusOK, types.SubscriptionResponse{SubscriptionID: id})
	}
}

// ==================== DNS redirect ====================

// znsDomainInBody looks for a domain whose suffix belongs to a ZNS category.
func (m *Multiplexer) znsDomainInBody(body []byte) (string, bool) {
	validator := m.zns.Validator()

	var probe struct {
		Domain string `json:"domain"`
		Name   string `json:"name"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		for _, candidate := range []string{probe.Domain, probe.Name} {
			if candidate != "" && validator.IsValidDomain(candidate) {
				return candidate, true
			}
		}
	}

	for _, token := range tokenizeBody(body) {
		if validator.IsValidDomain(token) {
			return token, true
		}
	}
	return "", false
}

// tokenizeBody splits a body into domain-shaped tokens.
func tokenizeBody(body []byte) []string {
	fields := strings.FieldsFunc(string(body), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		case r == '.' || r == '-' || r == '_':
			return false
		default:
			return true
		}
	})
	out := fields[:0]
	for _, f := range fields {
		if strings.Contains(f, ".") {
			out = append(out, f)
		}
	}
	return out
}

// resolveBodyFor reuses the original body when it already parses as a
// resolve request, otherwise synthesizes one for the sniffed domain.
func (m *Multiplexer) resolveBodyFor(domain string, body []byte) []byte {
	req := &types.ResolveRequest{}
	if err := decodeStrict(body, req); err == nil && req.Domain != "" {
		return body
	}
	synthesized, _ := json.Marshal(&types.ResolveRequest{Domain: domain, UseCache: true})
	return synthesized
}

// ==================== Backend forwarding ====================

// forward proxies the body to the channel's backend, short-circuiting
// through the response cache.
func (m *Multiplexer) forward(ctx context.Context, channelType types.ChannelType, tail string, body []byte, tracker *utils.RequestTracker) dispatchResult {
	channel, ok := m.registry.Lookup(channelType)
	if !ok {
		return errorBody(types.ErrCodeUnspecified, fmt.Sprintf("channel %q not configured", channelType))
	}

	key := m.respCache.Key(string(channelType)+tail, body)
	if cached, ok := m.respCache.Get(key); ok {
		tracker.CacheHit = true
		tracker.AddStep("response cache hit")
		return dispatchResult{status: http.StatusOK, body: cached}
	}

	release, ok := m.registry.Acquire(channelType)
	if !ok {
		return errorBody(types.ErrCodeResolverUnavailable, fmt.Sprintf("channel %q saturated", channelType))
	}
	defer release()

	callCtx := ctx
	if channel.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, channel.Timeout)
		defer cancel()
	}

	url := channel.ServiceEndpoint + tail
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errorBody(types.ErrCodeInternal, "backend request build failed")
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	tracker.AddStep("forwarding to %s", url)
	resp, err := m.client.Do(req)
	if err != nil {
		if callCtx.Err() != nil {
			return errorBody(types.ErrCodeTimeout, "backend deadline exceeded")
		}
		utils.WriteLog(utils.LogWarn, "backend %s unreachable: %v", channelType, err)
		return errorBody(types.ErrCodeResolverUnavailable, fmt.Sprintf("channel %q backend unreachable", channelType))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, types.MaxRequestBodyBytes))
	if err != nil {
		return errorBody(types.ErrCodeResolverUnavailable, "backend response truncated")
	}

	if resp.StatusCode == http.StatusOK {
		m.respCache.Set(key, respBody)
	}

	return dispatchResult{status: resp.StatusCode, body: respBody}
}
