package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linshu368/starbot/ai/core/llm"
	"github.com/linshu368/starbot/internal/config"
	"github.com/linshu368/starbot/session"
)

type staticResolver struct {
	src *config.AIConfigSource
}

func (r *staticResolver) GetAIConfigSource(_ context.Context, fallback *config.AIConfigSource) *config.AIConfigSource {
	if r.src == nil {
		return fallback
	}
	return r.src
}

func testSource() *config.AIConfigSource {
	return &config.AIConfigSource{
		Channels: map[string][]config.PipelineProfile{
			"fast": {profileWith("a", "model-a", 100, 1000)},
			"deep": {profileWith("b", "model-b", 500, 5000), profileWith("c", "model-c", 500, 5000)},
		},
		TierMapping: map[string]string{
			"basic":      "fast",
			"standard_a": "deep",
		},
	}
}

func TestChannelForMapsTier(t *testing.T) {
	registry := NewRegistry(&staticResolver{src: testSource()}, &fakeUpstream{}, nil)

	channel, err := registry.ChannelFor(context.Background(), "standard_a")
	require.NoError(t, err)
	assert.Equal(t, "deep", channel.ID())
	assert.Len(t, channel.profiles, 2)
}

func TestChannelForUnknownTier(t *testing.T) {
	registry := NewRegistry(&staticResolver{src: testSource()}, &fakeUpstream{}, nil)

	_, err := registry.ChannelFor(context.Background(), "standard_b")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestChannelForFallbackSource(t *testing.T) {
	fallback := testSource()
	registry := NewRegistry(&staticResolver{}, &fakeUpstream{}, fallback)

	channel, err := registry.ChannelFor(context.Background(), "basic")
	require.NoError(t, err)
	assert.Equal(t, "fast", channel.ID())
}

func TestChannelForNoConfigurationAtAll(t *testing.T) {
	registry := NewRegistry(&staticResolver{}, &fakeUpstream{}, nil)

	_, err := registry.ChannelFor(context.Background(), "basic")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestAssemble(t *testing.T) {
	character := &session.Character{
		RoleID:       "r1",
		Name:         "星语",
		SystemPrompt: "你是星语。",
	}
	history := []session.Message{
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAssistant, Content: "hello"},
	}

	messages := Assemble(character, history, "##用户指令:again")
	require.Len(t, messages, 4)
	assert.Equal(t, llm.Message{Role: "system", Content: "你是星语。"}, messages[0])
	assert.Equal(t, "hi", messages[1].Content)
	assert.Equal(t, "hello", messages[2].Content)
	assert.Equal(t, llm.Message{Role: "user", Content: "##用户指令:again"}, messages[3])
}

func TestAssembleWithoutCharacter(t *testing.T) {
	messages := Assemble(nil, nil, "ping")
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].Role)
}
