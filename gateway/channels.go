package gateway

import (
	"fmt"

	"github.com/GhostKellz/ghostbridge/types"
)

// ==================== Channel registry ====================

// channelEntry pairs a channel with its stream semaphore.
type channelEntry struct {
	channel types.Channel
	streams chan struct{}
}

// ChannelRegistry maps channel types to backend targets. Built once at
// startup, read-only afterwards.
type ChannelRegistry struct {
	entries map[types.ChannelType]*channelEntry
}

// NewChannelRegistry builds the registry from configured channels.
func NewChannelRegistry(channels []types.Channel) (*ChannelRegistry, error) {
	registry := &ChannelRegistry{entries: make(map[types.ChannelType]*channelEntry, len(channels))}
	for _, channel := range channels {
		if _, exists := registry.entries[channel.Type]; exists {
			return nil, fmt.Errorf("duplicate channel %q", channel.Type)
		}
		maxStreams := channel.MaxStreams
		if maxStreams <= 0 {
			maxStreams = 16
		}
		registry.entries[channel.Type] = &channelEntry{
			channel: channel,
			streams: make(chan struct{}, maxStreams),
		}
	}
	return registry, nil
}

// Lookup returns the channel for a type.
func (cr *ChannelRegistry) Lookup(channelType types.ChannelType) (types.Channel, bool) {
	entry, ok := cr.entries[channelType]
	if !ok {
		return types.Channel{}, false
	}
	return entry.channel, true
}

// Acquire reserves one backend stream slot, or reports saturation.
func (cr *ChannelRegistry) Acquire(channelType types.ChannelType) (release func(), ok bool) {
	entry, exists := cr.entries[channelType]
	if !exists {
		return nil, false
	}
	select {
	case entry.streams <- struct{}{}:
		return func() { <-entry.streams }, true
	default:
		return nil, false
	}
}

// pathChannels maps the leading path segment onto a channel type.
var pathChannels = map[string]types.ChannelType{
	"wallet":    types.ChannelWallet,
	"identity":  types.ChannelIdentity,
	"ledger":    types.ChannelLedger,
	"dns":       types.ChannelDNS,
	"contracts": types.ChannelContracts,
	"proxy":     types.ChannelProxy,
}
