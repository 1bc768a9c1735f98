package pipeline

import (
	"context"
	"fmt"

	"github.com/linshu368/starbot/ai/core/llm"
	"github.com/linshu368/starbot/internal/config"
)

// ConfigSource is the resolver slice the registry needs.
type ConfigSource interface {
	GetAIConfigSource(ctx context.Context, fallback *config.AIConfigSource) *config.AIConfigSource
}

// Registry resolves tier → channel → pipeline from live configuration.
// Channels are built per call from the current config snapshot, so a config
// change lands within one resolver TTL without a restart.
type Registry struct {
	resolver ConfigSource
	upstream llm.StreamClient
	fallback *config.AIConfigSource
}

func NewRegistry(resolver ConfigSource, upstream llm.StreamClient, fallback *config.AIConfigSource) *Registry {
	return &Registry{resolver: resolver, upstream: upstream, fallback: fallback}
}

// ChannelFor maps a user tier to its pipeline channel.
func (r *Registry) ChannelFor(ctx context.Context, tier string) (*Channel, error) {
	src := r.resolver.GetAIConfigSource(ctx, r.fallback)
	if src == nil {
		return nil, fmt.Errorf("%w: no configuration available", ErrChannelNotFound)
	}

	channelID, ok := src.TierMapping[tier]
	if !ok {
		return nil, fmt.Errorf("%w: tier %q has no channel mapping", ErrChannelNotFound, tier)
	}
	profiles, ok := src.Channels[channelID]
	if !ok || len(profiles) == 0 {
		return nil, fmt.Errorf("%w: channel %q has no profiles", ErrChannelNotFound, channelID)
	}
	return NewChannel(channelID, profiles, r.upstream), nil
}
