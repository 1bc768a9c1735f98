package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/linshu368/starbot/ai/core/llm"
	"github.com/linshu368/starbot/ai/pipeline"
	"github.com/linshu368/starbot/chat"
	"github.com/linshu368/starbot/internal/config"
	"github.com/linshu368/starbot/internal/profile"
	"github.com/linshu368/starbot/internal/version"
	"github.com/linshu368/starbot/plugin/chat_apps/channels/telegram"
	"github.com/linshu368/starbot/session"
	"github.com/linshu368/starbot/store"
)

var rootCmd = &cobra.Command{
	Use:   "starbot",
	Short: `A conversational-AI gateway for Telegram: tiered model pipelines with streaming failover, windowed chat sessions and durable history.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Try to load .env from the working directory (ignore if absent).
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Data:    viper.GetString("data"),
			DSN:     viper.GetString("dsn"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid profile", "error", err)
			os.Exit(1)
		}
		setupLogger(instanceProfile)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := run(ctx, cancel, instanceProfile); err != nil {
			slog.Error("gateway exited with error", "error", err)
			os.Exit(1)
		}
	},
}

func run(ctx context.Context, cancel context.CancelFunc, p *profile.Profile) error {
	db, err := sql.Open("postgres", p.DSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	storeInstance := store.New(db)
	defer storeInstance.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err := storeInstance.Ping(pingCtx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     p.RedisAddr,
		Password: p.RedisPassword,
		DB:       p.RedisDB,
	})
	defer func() { _ = rdb.Close() }() //nolint:errcheck // cleanup
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	resolver := config.NewResolver(config.NewRedisCache(rdb), storeInstance)

	limits := func(ctx context.Context) (int, int) {
		maxItems := resolver.GetInt(ctx, config.KeyMaxHistoryItems, p.MaxHistoryItems)
		retention := resolver.GetInt(ctx, config.KeyHistoryRetentionCount, p.HistoryRetentionCount)
		if retention > maxItems {
			retention = maxItems
		}
		return maxItems, retention
	}
	sessionStore := session.NewRedisStore(rdb, p.RedisNamespace, limits)

	characterLoader := session.NewCharacterLoader(storeInstance, filepath.Join(p.Data, "roles"))
	sessionService := session.NewService(sessionStore, characterLoader, storeInstance, resolver, session.Defaults{
		SessionTimeoutMinutes: p.SessionTimeoutMinutes,
		DefaultRoleID:         p.DefaultRoleID,
	})

	registry := pipeline.NewRegistry(resolver, llm.NewStreamClient(), staticAIConfigSource(p))
	orchestrator := chat.NewOrchestrator(sessionService, registry, storeInstance, resolver)

	bot, err := telegram.NewBot(&telegram.TelegramConfig{BotToken: p.TelegramBotToken}, orchestrator, sessionService, resolver)
	if err != nil {
		return err
	}

	c := make(chan os.Signal, 1)
	// Trigger graceful shutdown on SIGINT or SIGTERM. The default signal
	// sent by `kill` is SIGTERM, which most process managers use.
	signal.Notify(c, terminationSignals...)
	go func() {
		<-c
		slog.Info("shutdown signal received")
		cancel()
	}()

	slog.Info("starbot started",
		"version", p.Version,
		"mode", p.Mode,
	)
	return bot.Start(ctx)
}

// staticAIConfigSource builds the last-resort pipeline from environment
// credentials: one single-profile channel serving every tier.
func staticAIConfigSource(p *profile.Profile) *config.AIConfigSource {
	if p.LLMAPIKey == "" {
		return nil
	}
	fallbackProfile := config.PipelineProfile{
		ID:                  "env-fallback",
		Provider:            p.LLMProvider,
		URL:                 p.LLMBaseURL,
		Key:                 p.LLMAPIKey,
		Model:               p.LLMModel,
		FirstChunkTimeoutMs: int64(p.LLMFirstChunkTimeoutMs),
		TotalTimeoutMs:      int64(p.LLMTotalTimeoutMs),
	}
	return &config.AIConfigSource{
		Channels: map[string][]config.PipelineProfile{
			"default": {fallbackProfile},
		},
		TierMapping: map[string]string{
			session.TierBasic:     "default",
			session.TierStandardA: "default",
			session.TierStandardB: "default",
		},
	}
}

func setupLogger(p *profile.Profile) {
	level := slog.LevelInfo
	switch strings.ToLower(p.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := os.Stdout
	if p.LogDir != "" {
		logPath := filepath.Join(p.LogDir, "starbot.log")
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640); err == nil {
			output = f
		} else {
			slog.Warn("log file open failed, keeping stdout", "path", logPath, "error", err)
		}
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})))
}

func init() {
	viper.SetDefault("mode", "dev")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("data", "", "data directory (bundled role cards)")
	rootCmd.PersistentFlags().String("dsn", "", "postgres data source name")

	if err := viper.BindPFlag("mode", rootCmd.PersistentFlags().Lookup("mode")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("data", rootCmd.PersistentFlags().Lookup("data")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn")); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("starbot")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
