package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	var p Profile
	p.FromEnv()

	assert.Equal(t, "localhost:6379", p.RedisAddr)
	assert.Equal(t, "session", p.RedisNamespace)
	assert.Equal(t, 40, p.MaxHistoryItems)
	assert.Equal(t, 30, p.HistoryRetentionCount)
	assert.Equal(t, 30, p.SessionTimeoutMinutes)
	assert.Equal(t, "default", p.DefaultRoleID)
	assert.Equal(t, "info", p.LogLevel)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("STARBOT_REDIS_NAMESPACE", "chat")
	t.Setenv("STARBOT_MAX_HISTORY_ITEMS", "12")
	t.Setenv("STARBOT_MAX_HISTORY_ITEMS_BAD", "x") // unrelated key, ignored

	var p Profile
	p.FromEnv()
	assert.Equal(t, "chat", p.RedisNamespace)
	assert.Equal(t, 12, p.MaxHistoryItems)
}

func TestValidateRequiresCredentials(t *testing.T) {
	p := &Profile{Mode: "dev"}
	assert.Error(t, p.Validate(), "bot token is mandatory")

	p.TelegramBotToken = "123:abc"
	assert.Error(t, p.Validate(), "DSN is mandatory")
}

func TestValidateClampsRetention(t *testing.T) {
	dir := t.TempDir()
	p := &Profile{
		Mode:                  "dev",
		TelegramBotToken:      "123:abc",
		DSN:                   "postgres://localhost/starbot",
		Data:                  dir,
		MaxHistoryItems:       10,
		HistoryRetentionCount: 50,
	}
	require.NoError(t, p.Validate())
	assert.Equal(t, 10, p.HistoryRetentionCount)
}

func TestValidateNormalizesMode(t *testing.T) {
	p := &Profile{
		Mode:             "weird",
		TelegramBotToken: "123:abc",
		DSN:              "postgres://localhost/starbot",
		Data:             t.TempDir(),
	}
	require.NoError(t, p.Validate())
	assert.Equal(t, "demo", p.Mode)
}
