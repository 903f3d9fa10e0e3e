package zns

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GhostKellz/ghostbridge/types"
)

func changeEvent(domain string, eventType types.ChangeEventType, recordTypes ...types.RecordType) types.ChangeEvent {
	event := types.ChangeEvent{
		Domain:    domain,
		EventType: eventType,
		Timestamp: time.Now().Unix(),
	}
	for _, rt := range recordTypes {
		event.NewRecords = append(event.NewRecords, types.DNSRecord{
			Type: rt, Name: domain, Value: "10.0.0.1", TTL: 600,
		})
	}
	return event
}

func TestSubscriptionFanOut(t *testing.T) {
	m := NewDomainSubscriptionManager()

	sub1 := m.Subscribe(&types.SubscriptionRequest{Domains: []string{"alice.ghost"}}, "c1")
	sub2 := m.Subscribe(&types.SubscriptionRequest{}, "c2") // wildcard

	m.PublishChange(changeEvent("alice.ghost", types.EventDomainUpdated, types.RecordTypeA))

	events1, ok := m.GetEvents(sub1, 10)
	require.True(t, ok)
	require.Len(t, events1, 1)
	assert.Equal(t, "alice.ghost", events1[0].Domain)

	events2, ok := m.GetEvents(sub2, 10)
	require.True(t, ok)
	require.Len(t, events2, 1)

	// Draining consumes: a second poll is empty.
	again, ok := m.GetEvents(sub1, 10)
	require.True(t, ok)
	assert.Empty(t, again)
}

func TestSubscriptionDomainFilter(t *testing.T) {
	m := NewDomainSubscriptionManager()
	sub := m.Subscribe(&types.SubscriptionRequest{Domains: []string{"alice.ghost"}}, "c1")

	m.PublishChange(changeEvent("bob.ghost", types.EventDomainUpdated, types.RecordTypeA))

	events, ok := m.GetEvents(sub, 10)
	require.True(t, ok)
	assert.Empty(t, events)
}

func TestSubscriptionRecordTypeFilter(t *testing.T) {
	m := NewDomainSubscriptionManager()
	sub := m.Subscribe(&types.SubscriptionRequest{
		Domains:     []string{"alice.ghost"},
		RecordTypes: []types.RecordType{types.RecordTypeTXT},
	}, "c1")

	m.PublishChange(changeEvent("alice.ghost", types.EventDomainUpdated, types.RecordTypeA))
	events, _ := m.GetEvents(sub, 10)
	assert.Empty(t, events, "record-type filter must reject A-only events")

	m.PublishChange(changeEvent("alice.ghost", types.EventDomainUpdated, types.RecordTypeA, types.RecordTypeTXT))
	events, _ = m.GetEvents(sub, 10)
	assert.Len(t, events, 1, "an intersecting record set is admitted")
}

func TestSubscriptionQueueOverflowDropsOldest(t *testing.T) {
	m := NewDomainSubscriptionManager()
	sub := m.Subscribe(&types.SubscriptionRequest{}, "c1")

	for i := 0; i < types.SubscriptionQueueSize+5; i++ {
		event := changeEvent("alice.ghost", types.EventDomainUpdated, types.RecordTypeA)
		event.TransactionHash = fmt.Sprintf("0x%04x", i)
		m.PublishChange(event)
	}

	events, ok := m.GetEvents(sub, types.SubscriptionQueueSize*2)
	require.True(t, ok)
	require.Len(t, events, types.SubscriptionQueueSize)

	// The newest event always survives; the oldest five were dropped.
	assert.Equal(t, "0x0005", events[0].TransactionHash)
	assert.Equal(t, fmt.Sprintf("0x%04x", types.SubscriptionQueueSize+4), events[len(events)-1].TransactionHash)
}

func TestSubscriptionGetEventsPartialDrain(t *testing.T) {
	m := NewDomainSubscriptionManager()
	sub := m.Subscribe(&types.SubscriptionRequest{}, "c1")

	for i := 0; i < 5; i++ {
		m.PublishChange(changeEvent("alice.ghost", types.EventDomainUpdated, types.RecordTypeA))
	}

	first, _ := m.GetEvents(sub, 2)
	assert.Len(t, first, 2)
	rest, _ := m.GetEvents(sub, 10)
	assert.Len(t, rest, 3)
}

func TestSubscriptionCancel(t *testing.T) {
	m := NewDomainSubscriptionManager()
	sub := m.Subscribe(&types.SubscriptionRequest{Domains: []string{"alice.ghost"}}, "c1")

	assert.True(t, m.Cancel(sub))
	assert.False(t, m.Cancel(sub))
	assert.Equal(t, 0, m.Count())

	_, ok := m.GetEvents(sub, 10)
	assert.False(t, ok)

	// No delivery to a cancelled subscription.
	m.PublishChange(changeEvent("alice.ghost", types.EventDomainUpdated, types.RecordTypeA))
}

func TestSubscriptionIDUniqueness(t *testing.T) {
	m := NewDomainSubscriptionManager()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := m.Subscribe(&types.SubscriptionRequest{}, "c1")
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestCacheSubscriptionClasses(t *testing.T) {
	m := NewCacheSubscriptionManager()

	hitsOnly := m.Subscribe(true, false, false, "c1")
	evictionsOnly := m.Subscribe(false, false, true, "c2")

	m.Publish(types.CacheEvent{Type: types.CacheEventHit, Domain: "a.ghost", Timestamp: 1})
	m.Publish(types.CacheEvent{Type: types.CacheEventMiss, Domain: "b.ghost", Timestamp: 2})
	m.Publish(types.CacheEvent{Type: types.CacheEventEviction, Domain: "c.ghost", Timestamp: 3})

	events, _ := m.GetEvents(hitsOnly, 10)
	require.Len(t, events, 1)
	assert.Equal(t, types.CacheEventHit, events[0].Type)

	events, _ = m.GetEvents(evictionsOnly, 10)
	require.Len(t, events, 1)
	assert.Equal(t, types.CacheEventEviction, events[0].Type)
}

func TestCacheSubscriptionFlushReachesEveryone(t *testing.T) {
	m := NewCacheSubscriptionManager()

	a := m.Subscribe(true, false, false, "c1")
	b := m.Subscribe(false, false, false, "c2")

	m.Publish(types.CacheEvent{Type: types.CacheEventFlush, Timestamp: 1})

	events, _ := m.GetEvents(a, 10)
	assert.Len(t, events, 1)
	events, _ = m.GetEvents(b, 10)
	assert.Len(t, events, 1)
}
