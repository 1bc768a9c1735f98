// Package telegram implements the Telegram Bot channel: it normalizes
// incoming turns, drives the chat orchestrator and writes stream progress
// back as message edits.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/linshu368/starbot/chat"
	"github.com/linshu368/starbot/internal/config"
	"github.com/linshu368/starbot/plugin/chat_apps"
	"github.com/linshu368/starbot/session"
)

const (
	dedupCapacity      = 1024
	updateTimeoutSecs  = 30
	placeholderText    = "…"
	regenerateCallback = "regen"

	defaultWelcome = "你好！直接发消息就可以开始聊天。输入 /help 查看可用命令。"

	helpText = `可用命令:
/start - 开始对话
/help - 查看帮助
/new - 开启新会话
/reset - 清空当前会话历史
/regen - 重新生成上一条回复
/role <id> - 切换角色
/save <标签> - 保存当前对话快照
/restore <id> - 恢复快照
/snapshots - 查看快照列表
/mode <basic|standard_a|standard_b> - 切换模型档位`
)

// Orchestrator is the use-case surface the adapter drives.
type Orchestrator interface {
	StreamChat(ctx context.Context, userID, userInput string) <-chan chat.Update
	StreamRegenerate(ctx context.Context, userID string) <-chan chat.Update
}

// ConfigSource supplies the welcome text.
type ConfigSource interface {
	GetString(ctx context.Context, key string, fallback string) string
}

// TelegramConfig holds configuration for the Telegram channel.
type TelegramConfig struct {
	BotToken string
}

// Bot is the long-poll Telegram frontend adapter.
type Bot struct {
	api      *tgbotapi.BotAPI
	orch     Orchestrator
	sessions *session.Service
	cfg      ConfigSource
	dedup    *dedupRing
	wg       sync.WaitGroup
}

// NewBot creates the Telegram channel.
func NewBot(botCfg *TelegramConfig, orch Orchestrator, sessions *session.Service, cfg ConfigSource) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(botCfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return &Bot{
		api:      api,
		orch:     orch,
		sessions: sessions,
		cfg:      cfg,
		dedup:    newDedupRing(dedupCapacity),
	}, nil
}

// Name returns the platform name.
func (b *Bot) Name() chat_apps.Platform {
	return chat_apps.PlatformTelegram
}

// Start consumes the update long-poll until the context ends, then waits
// for in-flight turns to drain.
func (b *Bot) Start(ctx context.Context) error {
	slog.Info("telegram: bot started", "username", b.api.Self.UserName)

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = updateTimeoutSecs
	updates := b.api.GetUpdatesChan(updateConfig)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			slog.Info("telegram: bot stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return nil
			}
			b.wg.Add(1)
			go func(update tgbotapi.Update) {
				defer b.wg.Done()
				b.handleUpdate(ctx, update)
			}(update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.Text != "":
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	turn := chat_apps.IncomingTurn{
		Platform:  chat_apps.PlatformTelegram,
		UserID:    strconv.FormatInt(msg.From.ID, 10),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: msg.MessageID,
		Content:   msg.Text,
		Timestamp: time.Now(),
	}

	if b.dedup.Seen(fmt.Sprintf("%s:%d", turn.ChatID, turn.MessageID)) {
		slog.Debug("telegram: duplicate update dropped", "chat_id", turn.ChatID, "message_id", turn.MessageID)
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg, turn)
		return
	}
	b.runTurn(ctx, msg.Chat.ID, turn.UserID, turn.Content, false)
}

func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	// Acknowledge first so the client stops its spinner.
	if _, err := b.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		slog.Debug("telegram: callback ack failed", "error", err)
	}
	if query.Data != regenerateCallback || query.Message == nil {
		return
	}
	userID := strconv.FormatInt(query.From.ID, 10)
	b.runTurn(ctx, query.Message.Chat.ID, userID, "", true)
}

// runTurn drives one orchestrator stream into a placeholder message that is
// edited on every scheduler emit.
func (b *Bot) runTurn(ctx context.Context, chatID int64, userID, input string, regenerate bool) {
	traceID := uuid.NewString()
	logger := slog.With("trace_id", traceID, "user_id", userID)

	b.sendTyping(chatID)

	placeholder, err := b.api.Send(tgbotapi.NewMessage(chatID, placeholderText))
	if err != nil {
		logger.Error("telegram: placeholder send failed", "error", err)
		return
	}

	var updates <-chan chat.Update
	if regenerate {
		updates = b.orch.StreamRegenerate(ctx, userID)
	} else {
		updates = b.orch.StreamChat(ctx, userID, input)
	}

	for update := range updates {
		if update.IsFirst && update.FirstResponseMs > 0 {
			logger.Debug("telegram: first visible update", "first_response_ms", update.FirstResponseMs)
		}
		b.editMessage(chatID, placeholder.MessageID, update.Text, update.IsFinal)
	}
}

// editMessage writes stream progress back. Edit failures are swallowed; the
// user can always retry.
func (b *Bot) editMessage(chatID int64, messageID int, text string, final bool) {
	if text == "" {
		return
	}
	var edit tgbotapi.EditMessageTextConfig
	if final {
		edit = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, regenerateKeyboard())
	} else {
		edit = tgbotapi.NewEditMessageText(chatID, messageID, text)
	}
	if _, err := b.api.Send(edit); err != nil {
		slog.Debug("telegram: edit failed", "chat_id", chatID, "message_id", messageID, "error", err)
	}
}

func regenerateKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 重新生成", regenerateCallback),
		),
	)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message, turn chat_apps.IncomingTurn) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.reply(chatID, b.cfg.GetString(ctx, config.KeyWelcomeMessage, defaultWelcome))
		if sess, err := b.sessions.GetOrCreateSession(ctx, turn.UserID); err == nil && sess.Character.FirstMes != "" {
			b.reply(chatID, sess.Character.FirstMes)
		}
	case "help":
		b.reply(chatID, helpText)
	case "new", "reset":
		if err := b.sessions.ResetSessionHistory(ctx, turn.UserID); err != nil {
			slog.Error("telegram: reset failed", "user_id", turn.UserID, "error", err)
			b.reply(chatID, chat.ErrorReplyText)
			return
		}
		b.reply(chatID, "会话已清空，开始新的对话吧。")
	case "regen":
		b.runTurn(ctx, chatID, turn.UserID, "", true)
	case "role":
		if args == "" {
			b.reply(chatID, "用法: /role <角色id>")
			return
		}
		character, err := b.sessions.SwitchCharacter(ctx, turn.UserID, args)
		if err != nil {
			slog.Warn("telegram: character switch failed", "user_id", turn.UserID, "role_id", args, "error", err)
			b.reply(chatID, "切换角色失败，请确认角色 id 是否正确。")
			return
		}
		b.reply(chatID, fmt.Sprintf("已切换到角色「%s」。", character.Name))
		if character.FirstMes != "" {
			b.reply(chatID, character.FirstMes)
		}
	case "save":
		if args == "" {
			args = "快照"
		}
		snap, err := b.sessions.CreateSnapshot(ctx, turn.UserID, args)
		if err != nil {
			slog.Error("telegram: snapshot create failed", "user_id", turn.UserID, "error", err)
			b.reply(chatID, chat.ErrorReplyText)
			return
		}
		if snap == nil {
			b.reply(chatID, "当前会话没有可保存的历史。")
			return
		}
		b.reply(chatID, fmt.Sprintf("快照已保存: #%d %s", snap.ID, snap.Name))
	case "restore":
		id, err := strconv.ParseInt(args, 10, 64)
		if err != nil {
			b.reply(chatID, "用法: /restore <快照id>")
			return
		}
		if err := b.sessions.RestoreSnapshot(ctx, turn.UserID, id); err != nil {
			if errors.Is(err, session.ErrSnapshotNotFound) {
				b.reply(chatID, "没有找到这个快照，可能已被删除。")
				return
			}
			slog.Error("telegram: snapshot restore failed", "user_id", turn.UserID, "error", err)
			b.reply(chatID, chat.ErrorReplyText)
			return
		}
		b.reply(chatID, "快照已恢复，继续对话吧。")
	case "snapshots":
		snapshots, err := b.sessions.ListSnapshots(ctx, turn.UserID)
		if err != nil {
			slog.Error("telegram: snapshot list failed", "user_id", turn.UserID, "error", err)
			b.reply(chatID, chat.ErrorReplyText)
			return
		}
		if len(snapshots) == 0 {
			b.reply(chatID, "还没有保存过快照。")
			return
		}
		var sb strings.Builder
		sb.WriteString("已保存的快照:\n")
		for _, snap := range snapshots {
			fmt.Fprintf(&sb, "#%d %s (%s)\n", snap.ID, snap.Name, snap.CreatedAt.Format("2006-01-02 15:04"))
		}
		b.reply(chatID, sb.String())
	case "mode":
		if !session.IsValidTier(args) {
			b.reply(chatID, "用法: /mode <basic|standard_a|standard_b>")
			return
		}
		if err := b.sessions.SetUserModelMode(ctx, turn.UserID, args); err != nil {
			slog.Error("telegram: mode switch failed", "user_id", turn.UserID, "error", err)
			b.reply(chatID, chat.ErrorReplyText)
			return
		}
		b.reply(chatID, fmt.Sprintf("模型档位已切换为 %s。", args))
	default:
		b.reply(chatID, "未知命令，输入 /help 查看可用命令。")
	}
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		slog.Warn("telegram: reply send failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) sendTyping(chatID int64) {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		slog.Debug("telegram: typing action failed", "chat_id", chatID, "error", err)
	}
}
