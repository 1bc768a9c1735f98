package profile

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the gateway process. Every field is an
// environment fallback; live values come from the runtime config resolver.
type Profile struct {
	Mode string // dev, demo, prod
	Data string // data directory (bundled role cards live here)

	// Messaging frontend
	TelegramBotToken string
	TelegramProxyURL string // optional HTTP proxy URL; read from the environment but not applied to the Bot API client

	// System of record
	DSN string // postgres DSN

	// Durable KV
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string // session key namespace, default "session"

	// Fallback model credentials (OpenAI-compatible protocol).
	// Used to build the static pipeline when runtime config is unreachable.
	LLMProvider            string
	LLMAPIKey              string
	LLMBaseURL             string
	LLMModel               string
	LLMFirstChunkTimeoutMs int
	LLMTotalTimeoutMs      int

	// Session defaults
	MaxHistoryItems       int
	HistoryRetentionCount int
	SessionTimeoutMinutes int
	DefaultRoleID         string

	// Logging
	LogLevel string
	LogDir   string

	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.TelegramBotToken = getEnvOrDefault("STARBOT_TELEGRAM_TOKEN", "")
	p.TelegramProxyURL = getEnvOrDefault("STARBOT_TELEGRAM_PROXY", "")

	p.DSN = getEnvOrDefault("STARBOT_PG_DSN", p.DSN)

	p.RedisAddr = getEnvOrDefault("STARBOT_REDIS_ADDR", "localhost:6379")
	p.RedisPassword = getEnvOrDefault("STARBOT_REDIS_PASSWORD", "")
	p.RedisDB = getEnvOrDefaultInt("STARBOT_REDIS_DB", 0)
	p.RedisNamespace = getEnvOrDefault("STARBOT_REDIS_NAMESPACE", "session")

	p.LLMProvider = getEnvOrDefault("STARBOT_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("STARBOT_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("STARBOT_LLM_BASE_URL", "https://api.openai.com/v1/chat/completions")
	p.LLMModel = getEnvOrDefault("STARBOT_LLM_MODEL", "gpt-4o-mini")
	p.LLMFirstChunkTimeoutMs = getEnvOrDefaultInt("STARBOT_LLM_FIRSTCHUNK_TIMEOUT_MS", 20000)
	p.LLMTotalTimeoutMs = getEnvOrDefaultInt("STARBOT_LLM_TOTAL_TIMEOUT_MS", 180000)

	p.MaxHistoryItems = getEnvOrDefaultInt("STARBOT_MAX_HISTORY_ITEMS", 40)
	p.HistoryRetentionCount = getEnvOrDefaultInt("STARBOT_HISTORY_RETENTION_COUNT", 30)
	p.SessionTimeoutMinutes = getEnvOrDefaultInt("STARBOT_SESSION_TIMEOUT_MINUTES", 30)
	p.DefaultRoleID = getEnvOrDefault("STARBOT_DEFAULT_ROLE_ID", "default")

	p.LogLevel = getEnvOrDefault("STARBOT_LOG_LEVEL", "info")
	p.LogDir = getEnvOrDefault("STARBOT_LOG_DIR", "")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.TelegramBotToken == "" {
		return errors.New("telegram bot token is required (STARBOT_TELEGRAM_TOKEN)")
	}
	if p.DSN == "" {
		return errors.New("postgres DSN is required (STARBOT_PG_DSN)")
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/starbot"
	}
	if p.Data == "" {
		p.Data = "data"
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.HistoryRetentionCount > p.MaxHistoryItems {
		p.HistoryRetentionCount = p.MaxHistoryItems
	}

	return nil
}
