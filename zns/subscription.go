package zns

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GhostKellz/ghostbridge/types"
)

// ==================== Bounded event queue ====================

// eventQueue is a bounded FIFO. At capacity the oldest event is dropped; the
// newest is never refused.
type eventQueue[T any] struct {
	events  []T
	limit   int
	dropped uint64
}

func newEventQueue[T any](limit int) *eventQueue[T] {
	return &eventQueue[T]{limit: limit}
}

func (q *eventQueue[T]) push(event T) {
	if len(q.events) >= q.limit {
		copy(q.events, q.events[1:])
		q.events = q.events[:len(q.events)-1]
		q.dropped++
	}
	q.events = append(q.events, event)
}

// drain removes and returns up to max oldest events.
func (q *eventQueue[T]) drain(max int) []T {
	if max <= 0 || max > len(q.events) {
		max = len(q.events)
	}
	if max == 0 {
		return nil
	}
	out := make([]T, max)
	copy(out, q.events[:max])
	remaining := copy(q.events, q.events[max:])
	q.events = q.events[:remaining]
	return out
}

// ==================== Domain subscriptions ====================

// DomainSubscription watches domain-change events. An empty Domains list is
// a wildcard; an empty RecordTypes list matches all record kinds.
type DomainSubscription struct {
	ID              string
	ClientID        string
	Domains         []string
	RecordTypes     []types.RecordType
	IncludeMetadata bool
	CreatedAt       time.Time
	LastActivity    time.Time
	queue           *eventQueue[types.ChangeEvent]
}

// DomainSubscriptionManager indexes subscriptions by watched domain plus a
// wildcard bucket, and owns every subscription it hands out.
type DomainSubscriptionManager struct {
	mu       sync.Mutex
	subs     map[string]*DomainSubscription
	byDomain map[string]map[string]struct{}
	wildcard map[string]struct{}
	counter  uint64
	stats    struct {
		published uint64
		delivered uint64
		dropped   uint64
	}
}

// NewDomainSubscriptionManager creates an empty manager.
func NewDomainSubscriptionManager() *DomainSubscriptionManager {
	return &DomainSubscriptionManager{
		subs:     make(map[string]*DomainSubscription),
		byDomain: make(map[string]map[string]struct{}),
		wildcard: make(map[string]struct{}),
	}
}

// Subscribe registers a new subscription and returns its id.
func (m *DomainSubscriptionManager) Subscribe(req *types.SubscriptionRequest, clientID string) string {
	id := fmt.Sprintf("sub_%s_%d", clientID, atomic.AddUint64(&m.counter, 1))

	sub := &DomainSubscription{
		ID:              id,
		ClientID:        clientID,
		Domains:         append([]string(nil), req.Domains...),
		RecordTypes:     append([]types.RecordType(nil), req.RecordTypes...),
		IncludeMetadata: req.IncludeMetadata,
		CreatedAt:       time.Now(),
		LastActivity:    time.Now(),
		queue:           newEventQueue[types.ChangeEvent](types.SubscriptionQueueSize),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs[id] = sub
	if len(sub.Domains) == 0 {
		m.wildcard[id] = struct{}{}
	} else {
		for _, domain := range sub.Domains {
			key := strings.ToLower(domain)
			if m.byDomain[key] == nil {
				m.byDomain[key] = make(map[string]struct{})
			}
			m.byDomain[key][id] = struct{}{}
		}
	}
	return id
}

// Cancel removes a subscription from every index.
func (m *DomainSubscriptionManager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return false
	}
	delete(m.subs, id)
	delete(m.wildcard, id)
	for _, domain := range sub.Domains {
		key := strings.ToLower(domain)
		if index := m.byDomain[key]; index != nil {
			delete(index, id)
			if len(index) == 0 {
				delete(m.byDomain, key)
			}
		}
	}
	return true
}

// accepts applies the subscription's domain and record-type filters.
func (sub *DomainSubscription) accepts(event types.ChangeEvent) bool {
	if len(sub.Domains) > 0 {
		matched := false
		for _, domain := range sub.Domains {
			if strings.EqualFold(domain, event.Domain) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(sub.RecordTypes) > 0 {
		matched := false
		for _, wanted := range sub.RecordTypes {
			for _, record := range event.NewRecords {
				if strings.EqualFold(string(wanted), string(record.Type)) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// PublishChange offers the event to the union of direct and wildcard
// subscribers. Queue overflow silently drops the oldest event.
func (m *DomainSubscriptionManager) PublishChange(event types.ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.published++

	candidates := make(map[string]struct{}, len(m.wildcard)+4)
	for id := range m.wildcard {
		candidates[id] = struct{}{}
	}
	for id := range m.byDomain[strings.ToLower(event.Domain)] {
		candidates[id] = struct{}{}
	}

	for id := range candidates {
		sub := m.subs[id]
		if sub == nil || !sub.accepts(event) {
			continue
		}
		before := sub.queue.dropped
		sub.queue.push(event)
		m.stats.delivered++
		m.stats.dropped += sub.queue.dropped - before
	}
}

// GetEvents drains up to max oldest events from the subscription.
func (m *DomainSubscriptionManager) GetEvents(id string, max int) ([]types.ChangeEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, false
	}
	sub.LastActivity = time.Now()
	return sub.queue.drain(max), true
}

// Count returns the number of live subscriptions.
func (m *DomainSubscriptionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// ==================== Cache-event subscriptions ====================

// CacheSubscription receives the cache event classes it opted into.
type CacheSubscription struct {
	ID           string
	ClientID     string
	Hits         bool
	Misses       bool
	Evictions    bool
	CreatedAt    time.Time
	LastActivity time.Time
	queue        *eventQueue[types.CacheEvent]
}

// CacheSubscriptionManager broadcasts cache events to interested subscribers.
// FLUSH events are delivered to everyone.
type CacheSubscriptionManager struct {
	mu      sync.Mutex
	subs    map[string]*CacheSubscription
	counter uint64
}

// NewCacheSubscriptionManager creates an empty manager.
func NewCacheSubscriptionManager() *CacheSubscriptionManager {
	return &CacheSubscriptionManager{subs: make(map[string]*CacheSubscription)}
}

// Subscribe registers a cache-event subscription.
func (m *CacheSubscriptionManager) Subscribe(hits, misses, evictions bool, clientID string) string {
	id := fmt.Sprintf("sub_%s_%d", clientID, atomic.AddUint64(&m.counter, 1))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs[id] = &CacheSubscription{
		ID:           id,
		ClientID:     clientID,
		Hits:         hits,
		Misses:       misses,
		Evictions:    evictions,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		queue:        newEventQueue[types.CacheEvent](types.SubscriptionQueueSize),
	}
	return id
}

// Cancel removes a cache-event subscription.
func (m *CacheSubscriptionManager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[id]; !ok {
		return false
	}
	delete(m.subs, id)
	return true
}

func (sub *CacheSubscription) wants(eventType types.CacheEventType) bool {
	switch eventType {
	case types.CacheEventHit:
		return sub.Hits
	case types.CacheEventMiss:
		return sub.Misses
	case types.CacheEventEviction:
		return sub.Evictions
	case types.CacheEventFlush:
		return true
	default:
		return false
	}
}

// Publish broadcasts one cache event.
func (m *CacheSubscriptionManager) Publish(event types.CacheEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs {
		if sub.wants(event.Type) {
			sub.queue.push(event)
		}
	}
}

// GetEvents drains up to max oldest events from the subscription.
func (m *CacheSubscriptionManager) GetEvents(id string, max int) ([]types.CacheEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, false
	}
	sub.LastActivity = time.Now()
	return sub.queue.drain(max), true
}

// Count returns the number of live subscriptions.
func (m *CacheSubscriptionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
