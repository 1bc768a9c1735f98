// Package chat is the top-level use case: it wires session resolution,
// channel dispatch, the stream scheduler and persistence into one turn.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/linshu368/starbot/ai/pipeline"
	"github.com/linshu368/starbot/ai/scheduler"
	"github.com/linshu368/starbot/internal/config"
	"github.com/linshu368/starbot/session"
	"github.com/linshu368/starbot/store"
)

// User-visible constants. Failures collapse to short fixed strings; no
// internals cross the frontend boundary.
const (
	ErrorReplyText           = "服务暂时不可用，请稍后重试。"
	RegenerateMissingText    = "无法重新生成：找不到上一条用户消息。"
	defaultSystemInstruction = "你是一个友好的中文对话助手。"
)

// Update is one user-visible emission of an in-flight turn.
type Update struct {
	Text    string
	IsFirst bool
	IsFinal bool
	// FirstResponseMs is set on the first update only: wall-clock from
	// request start to that emission.
	FirstResponseMs int64
}

// SessionManager is the slice of the session service a turn needs.
type SessionManager interface {
	GetOrCreateSession(ctx context.Context, userID string) (*session.Session, error)
	AppendMessages(ctx context.Context, sess *session.Session, messages []session.Message)
	RollbackHistoryToLastUser(ctx context.Context, sess *session.Session) (string, bool, error)
	GetUserModelMode(ctx context.Context, userID string) (string, error)
}

// ChannelProvider maps a tier to its pipeline channel.
type ChannelProvider interface {
	ChannelFor(ctx context.Context, tier string) (*pipeline.Channel, error)
}

// MessageLogger appends completed turns to the message log.
type MessageLogger interface {
	CreateMessageLog(ctx context.Context, record *store.MessageLogRecord) error
}

// ConfigSource is the resolver slice the orchestrator needs.
type ConfigSource interface {
	GetInt(ctx context.Context, key string, fallback int) int
	GetString(ctx context.Context, key string, fallback string) string
}

// Orchestrator runs chat turns end to end.
type Orchestrator struct {
	sessions SessionManager
	channels ChannelProvider
	logs     MessageLogger
	cfg      ConfigSource
	sched    scheduler.Config
	now      func() time.Time
}

func NewOrchestrator(sessions SessionManager, channels ChannelProvider, logs MessageLogger, cfg ConfigSource) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		channels: channels,
		logs:     logs,
		cfg:      cfg,
		sched:    scheduler.DefaultConfig(),
		now:      time.Now,
	}
}

// StreamChat runs one user turn and emits scheduler-paced updates. The
// returned channel closes after the final update.
func (o *Orchestrator) StreamChat(ctx context.Context, userID, userInput string) <-chan Update {
	updates := make(chan Update, 4)
	go func() {
		defer close(updates)
		o.run(ctx, userID, userInput, false, updates)
	}()
	return updates
}

// StreamRegenerate rolls the session back to the last user message and
// replays it. Without a user message to replay it emits a fixed notice.
func (o *Orchestrator) StreamRegenerate(ctx context.Context, userID string) <-chan Update {
	updates := make(chan Update, 4)
	go func() {
		defer close(updates)
		o.run(ctx, userID, "", true, updates)
	}()
	return updates
}

// Chat is the non-streaming variant: it drains the stream and returns the
// final text.
func (o *Orchestrator) Chat(ctx context.Context, userID, userInput string) (string, error) {
	var final string
	for update := range o.StreamChat(ctx, userID, userInput) {
		if update.IsFinal {
			final = update.Text
		}
	}
	if final == "" || final == ErrorReplyText {
		return "", errors.New("chat failed")
	}
	return final, nil
}

func (o *Orchestrator) run(ctx context.Context, userID, userInput string, regenerate bool, updates chan<- Update) {
	startedAt := o.now()
	logger := slog.With("user_id", userID, "regenerate", regenerate)

	sess, err := o.sessions.GetOrCreateSession(ctx, userID)
	if err != nil {
		logger.Error("session resolution failed", "error", err)
		emit(ctx, updates, Update{Text: ErrorReplyText, IsFirst: true, IsFinal: true})
		return
	}
	logger = logger.With("session_id", sess.ID)

	if regenerate {
		content, ok, err := o.sessions.RollbackHistoryToLastUser(ctx, sess)
		if err != nil {
			logger.Error("rollback failed", "error", err)
			emit(ctx, updates, Update{Text: ErrorReplyText, IsFirst: true, IsFinal: true})
			return
		}
		if !ok {
			emit(ctx, updates, Update{Text: RegenerateMissingText, IsFirst: true, IsFinal: true})
			return
		}
		userInput = content
	}

	// Snapshot before generation: the log record carries the history the
	// model actually saw.
	preHistory := make([]session.Message, len(sess.History))
	copy(preHistory, sess.History)

	tier, err := o.sessions.GetUserModelMode(ctx, userID)
	if err != nil {
		logger.Warn("model mode read failed, using default tier", "error", err)
		tier = session.TierStandardB
	}
	channel, err := o.channels.ChannelFor(ctx, tier)
	if err != nil {
		logger.Error("no channel for tier", "tier", tier, "error", err)
		emit(ctx, updates, Update{Text: ErrorReplyText, IsFirst: true, IsFinal: true})
		return
	}

	instructions := o.cfg.GetString(ctx, config.KeySystemInstructions, defaultSystemInstruction)
	composed := "##系统指令:\n" + instructions + "\n##用户指令:" + userInput

	promptHistory := sess.History
	if regenerate && len(promptHistory) > 0 {
		// The rolled-back tail is the user message being replayed; the
		// composed prompt re-carries it.
		promptHistory = promptHistory[:len(promptHistory)-1]
	}
	messages := pipeline.Assemble(sess.Character, promptHistory, composed)

	interChunk := time.Duration(o.cfg.GetInt(ctx, config.KeyStreamInterChunkTimeout, 3000)) * time.Millisecond
	trace := &pipeline.Trace{}
	tokens, errs := channel.StreamGenerate(ctx, messages, interChunk, trace)

	var (
		builder strings.Builder
		state   scheduler.State
		isFirst = true
	)

	for token := range tokens {
		builder.WriteString(token)
		nextState, due := scheduler.Observe(o.sched, state, token, o.now())
		state = nextState
		if !due {
			continue
		}
		update := Update{Text: builder.String(), IsFirst: isFirst}
		if isFirst {
			update.FirstResponseMs = o.now().Sub(startedAt).Milliseconds()
			isFirst = false
		}
		if !emit(ctx, updates, update) {
			return
		}
	}

	if err := <-errs; err != nil {
		logger.Error("pipeline exhausted", "attempts", trace.AttemptCount, "error", err)
		emit(ctx, updates, Update{Text: ErrorReplyText, IsFirst: true, IsFinal: true})
		return
	}

	text := builder.String()
	if text == "" {
		logger.Warn("pipeline closed without output")
		emit(ctx, updates, Update{Text: ErrorReplyText, IsFirst: true, IsFinal: true})
		return
	}

	final := Update{Text: text, IsFirst: isFirst, IsFinal: true}
	if isFirst {
		final.FirstResponseMs = o.now().Sub(startedAt).Milliseconds()
	}
	emit(ctx, updates, final)

	if regenerate {
		o.sessions.AppendMessages(ctx, sess, []session.Message{
			{Role: session.RoleAssistant, Content: text},
		})
	} else {
		o.sessions.AppendMessages(ctx, sess, []session.Message{
			{Role: session.RoleUser, Content: userInput},
			{Role: session.RoleAssistant, Content: text},
		})
	}

	recordType := store.MessageLogTypeNormal
	if regenerate {
		recordType = store.MessageLogTypeRegenerate
	}
	record := &store.MessageLogRecord{
		UserID:       userID,
		RoleID:       sess.RoleID,
		UserInput:    userInput,
		BotReply:     text,
		Instructions: instructions,
		History:      preHistory,
		ModelName:    trace.ModelName,
		AttemptCount: trace.AttemptCount,
		Type:         recordType,
	}
	// Fire-and-forget: the reply already reached the user.
	go func() {
		logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.logs.CreateMessageLog(logCtx, record); err != nil {
			logger.Error("message log write failed", "error", err)
		}
	}()

	logger.Info("turn completed",
		"model", trace.ModelName,
		"attempts", trace.AttemptCount,
		"reply_len", len(text),
		"duration_ms", o.now().Sub(startedAt).Milliseconds(),
	)
}

func emit(ctx context.Context, updates chan<- Update, update Update) bool {
	select {
	case updates <- update:
		return true
	case <-ctx.Done():
		return false
	}
}
