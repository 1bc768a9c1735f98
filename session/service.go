package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/linshu368/starbot/internal/config"
)

// ConfigSource is the slice of the runtime config resolver the service
// needs. Every read carries a static fallback.
type ConfigSource interface {
	GetInt(ctx context.Context, key string, fallback int) int
	GetString(ctx context.Context, key string, fallback string) string
}

// SnapshotRepo persists named history snapshots.
type SnapshotRepo interface {
	CreateSnapshot(ctx context.Context, snap *Snapshot) (int64, error)
	GetSnapshot(ctx context.Context, id int64, userID string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, userID string) ([]*Snapshot, error)
	DeleteSnapshot(ctx context.Context, id int64, userID string) error
}

// Defaults are the static fallbacks used when the resolver has nothing.
type Defaults struct {
	SessionTimeoutMinutes int
	DefaultRoleID         string
}

// Service owns session objects. History lists are mutated only through its
// methods.
type Service struct {
	store     Store
	chars     *CharacterLoader
	snapshots SnapshotRepo
	cfg       ConfigSource
	defaults  Defaults
	now       func() time.Time
}

func NewService(store Store, chars *CharacterLoader, snapshots SnapshotRepo, cfg ConfigSource, defaults Defaults) *Service {
	if defaults.SessionTimeoutMinutes <= 0 {
		defaults.SessionTimeoutMinutes = 30
	}
	if defaults.DefaultRoleID == "" {
		defaults.DefaultRoleID = "default"
	}
	return &Service{
		store:     store,
		chars:     chars,
		snapshots: snapshots,
		cfg:       cfg,
		defaults:  defaults,
		now:       time.Now,
	}
}

func (s *Service) timeoutMs(ctx context.Context) int64 {
	minutes := s.cfg.GetInt(ctx, config.KeySessionTimeoutMinutes, s.defaults.SessionTimeoutMinutes)
	return int64(minutes) * 60_000
}

// ResolveSessionID decides which session the user's turn belongs to and
// touches the activity clock. A gap strictly greater than the inactivity
// timeout expires the current window; a gap exactly equal to it does not.
func (s *Service) ResolveSessionID(ctx context.Context, userID string) (sessionID string, isNew bool, expiredID string, err error) {
	nowMs := s.now().UnixMilli()

	current, err := s.store.GetCurrentSessionID(ctx, userID)
	if err != nil {
		return "", false, "", fmt.Errorf("resolve session: %w", err)
	}

	if current == "" {
		sessionID = SessionID(userID, nowMs)
		if err := s.store.SetCurrentSessionID(ctx, userID, sessionID); err != nil {
			return "", false, "", fmt.Errorf("set current session: %w", err)
		}
		if err := s.store.SetLastActiveTime(ctx, userID, nowMs); err != nil {
			return "", false, "", fmt.Errorf("set last active: %w", err)
		}
		slog.Info("session minted", "user_id", userID, "session_id", sessionID)
		return sessionID, true, "", nil
	}

	lastActive, present, err := s.store.GetLastActiveTime(ctx, userID)
	if err != nil {
		return "", false, "", fmt.Errorf("resolve session: %w", err)
	}
	if !present {
		// Migration path: a current pointer without an activity clock is
		// treated as active.
		if err := s.store.SetLastActiveTime(ctx, userID, nowMs); err != nil {
			return "", false, "", fmt.Errorf("set last active: %w", err)
		}
		return current, false, "", nil
	}

	if nowMs-lastActive > s.timeoutMs(ctx) {
		if err := s.store.SetLastSessionID(ctx, userID, current); err != nil {
			return "", false, "", fmt.Errorf("rotate last session: %w", err)
		}
		sessionID = SessionID(userID, nowMs)
		if err := s.store.SetCurrentSessionID(ctx, userID, sessionID); err != nil {
			return "", false, "", fmt.Errorf("set current session: %w", err)
		}
		if err := s.store.SetLastActiveTime(ctx, userID, nowMs); err != nil {
			return "", false, "", fmt.Errorf("set last active: %w", err)
		}
		slog.Info("session expired, new window opened",
			"user_id", userID,
			"expired_session_id", current,
			"session_id", sessionID,
		)
		return sessionID, true, current, nil
	}

	if err := s.store.SetLastActiveTime(ctx, userID, nowMs); err != nil {
		return "", false, "", fmt.Errorf("set last active: %w", err)
	}
	return current, false, "", nil
}

// GetOrCreateSession resolves the experience window and hydrates it:
// history, metadata, and the active character. A new window opened by expiry
// keeps the previous window's character.
func (s *Service) GetOrCreateSession(ctx context.Context, userID string) (*Session, error) {
	sessionID, isNew, expiredID, err := s.ResolveSessionID(ctx, userID)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:               sessionID,
		UserID:           userID,
		IsNew:            isNew,
		ExpiredSessionID: expiredID,
		LastActiveMs:     s.now().UnixMilli(),
	}

	if !isNew {
		history, err := s.store.GetMessages(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		sess.History = history
	}

	data, err := s.store.GetSessionData(ctx, sessionID)
	if err != nil {
		slog.Warn("session metadata read failed", "session_id", sessionID, "error", err)
	}
	if roleID, ok := data["role_id"].(string); ok {
		sess.RoleID = roleID
	}
	if turns, ok := asInt(data["turn_count"]); ok {
		sess.TurnCount = turns
	}

	if isNew && expiredID != "" && sess.RoleID == "" {
		// Carry the active character across the window boundary.
		oldData, err := s.store.GetSessionData(ctx, expiredID)
		if err != nil {
			slog.Warn("expired session metadata read failed", "session_id", expiredID, "error", err)
		}
		if roleID, ok := oldData["role_id"].(string); ok && roleID != "" {
			sess.RoleID = roleID
			if err := s.mergeSessionData(ctx, sessionID, map[string]any{
				"session_id": sessionID,
				"user_id":    userID,
				"role_id":    roleID,
			}); err != nil {
				slog.Warn("carry-over metadata write failed", "session_id", sessionID, "error", err)
			}
		}
	}

	roleID := sess.RoleID
	if roleID == "" {
		roleID = s.cfg.GetString(ctx, config.KeyDefaultRoleID, s.defaults.DefaultRoleID)
	}
	character, err := s.chars.Load(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("load character %s: %w", roleID, err)
	}
	sess.RoleID = character.RoleID
	sess.Character = character

	return sess, nil
}

// AppendMessages appends to the in-memory history and writes each message
// through. A batch holding both a user and an assistant message closes one
// turn. Store failures are logged, not raised: the reply already reached the
// user.
func (s *Service) AppendMessages(ctx context.Context, sess *Session, messages []Message) {
	var hasUser, hasAssistant bool
	for _, m := range messages {
		sess.History = append(sess.History, m)
		if err := s.store.AppendMessage(ctx, sess.ID, m); err != nil {
			slog.Error("history append failed",
				"session_id", sess.ID,
				"role", m.Role,
				"error", err,
			)
		}
		switch m.Role {
		case RoleUser:
			hasUser = true
		case RoleAssistant:
			hasAssistant = true
		}
	}

	if hasUser && hasAssistant {
		sess.TurnCount++
		if err := s.mergeSessionData(ctx, sess.ID, map[string]any{
			"session_id": sess.ID,
			"user_id":    sess.UserID,
			"turn_count": sess.TurnCount,
		}); err != nil {
			slog.Error("turn count update failed", "session_id", sess.ID, "error", err)
		}
	}
}

// RollbackHistoryToLastUser truncates everything after the last user
// message (the user message itself stays) and returns its content for the
// regenerate path. Idempotent when the tail is already a user message.
// Returns ok=false without mutating anything when no user message exists.
func (s *Service) RollbackHistoryToLastUser(ctx context.Context, sess *Session) (string, bool, error) {
	idx := -1
	for i := len(sess.History) - 1; i >= 0; i-- {
		if sess.History[i].Role == RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false, nil
	}

	content := sess.History[idx].Content
	sess.History = sess.History[:idx+1]
	if err := s.store.SetMessages(ctx, sess.ID, sess.History); err != nil {
		// Rollback persistence must succeed; otherwise a regenerate would
		// answer against a history the store no longer agrees with.
		return "", false, fmt.Errorf("persist rollback: %w", err)
	}
	return content, true, nil
}

// ResetSessionHistory clears the current window's history. Metadata (role,
// turn count) is preserved.
func (s *Service) ResetSessionHistory(ctx context.Context, userID string) error {
	sessionID, _, _, err := s.ResolveSessionID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.SetMessages(ctx, sessionID, nil); err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	slog.Info("session history reset", "user_id", userID, "session_id", sessionID)
	return nil
}

// SwitchCharacter loads the role card, clears the current window's history
// and records the new role in the session metadata. Persistence failures
// surface to the caller.
func (s *Service) SwitchCharacter(ctx context.Context, userID, roleID string) (*Character, error) {
	character, err := s.chars.Load(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("load character %s: %w", roleID, err)
	}

	sessionID, _, _, err := s.ResolveSessionID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetMessages(ctx, sessionID, nil); err != nil {
		return nil, fmt.Errorf("clear history: %w", err)
	}
	if err := s.mergeSessionData(ctx, sessionID, map[string]any{
		"session_id": sessionID,
		"user_id":    userID,
		"role_id":    character.RoleID,
		"post_link":  character.Extensions.PostLink,
		"avatar":     character.Extensions.Avatar,
	}); err != nil {
		return nil, fmt.Errorf("update session metadata: %w", err)
	}

	slog.Info("character switched", "user_id", userID, "role_id", character.RoleID)
	return character, nil
}

// CreateSnapshot stores a named copy of the current window's history.
// An empty history creates nothing.
func (s *Service) CreateSnapshot(ctx context.Context, userID, label string) (*Snapshot, error) {
	sess, err := s.GetOrCreateSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(sess.History) == 0 {
		return nil, nil
	}

	title := sess.Character.Extensions.Title
	if title == "" {
		title = sess.Character.Name
	}
	snap := &Snapshot{
		UserID:  userID,
		RoleID:  sess.RoleID,
		Name:    fmt.Sprintf("%s_%s_%s", s.now().Format("20060102_150405"), label, title),
		History: sess.History,
	}
	id, err := s.snapshots.CreateSnapshot(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	snap.ID = id
	slog.Info("snapshot created", "user_id", userID, "snapshot_id", id, "name", snap.Name)
	return snap, nil
}

// RestoreSnapshot replaces the current window's history with the snapshot's.
// The experience window is reused; no new session is minted.
func (s *Service) RestoreSnapshot(ctx context.Context, userID string, snapshotID int64) error {
	snap, err := s.snapshots.GetSnapshot(ctx, snapshotID, userID)
	if err != nil {
		return err
	}

	sessionID, _, _, err := s.ResolveSessionID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.SetMessages(ctx, sessionID, snap.History); err != nil {
		return fmt.Errorf("restore history: %w", err)
	}
	if err := s.mergeSessionData(ctx, sessionID, map[string]any{
		"session_id": sessionID,
		"user_id":    userID,
		"turn_count": len(snap.History) / 2,
	}); err != nil {
		slog.Error("turn count update failed after restore", "session_id", sessionID, "error", err)
	}

	slog.Info("snapshot restored", "user_id", userID, "snapshot_id", snapshotID, "session_id", sessionID)
	return nil
}

// ListSnapshots returns the user's snapshots, newest first.
func (s *Service) ListSnapshots(ctx context.Context, userID string) ([]*Snapshot, error) {
	return s.snapshots.ListSnapshots(ctx, userID)
}

// DeleteSnapshot removes one of the user's snapshots.
func (s *Service) DeleteSnapshot(ctx context.Context, userID string, snapshotID int64) error {
	return s.snapshots.DeleteSnapshot(ctx, snapshotID, userID)
}

// GetUserModelMode exposes the stored tier for dispatch.
func (s *Service) GetUserModelMode(ctx context.Context, userID string) (string, error) {
	return s.store.GetUserModelMode(ctx, userID)
}

// SetUserModelMode stores a tier preference.
func (s *Service) SetUserModelMode(ctx context.Context, userID, tier string) error {
	if !IsValidTier(tier) {
		return fmt.Errorf("unknown tier %q", tier)
	}
	return s.store.SetUserModelMode(ctx, userID, tier)
}

// asInt tolerates both JSON-decoded numbers (float64) and native ints.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func (s *Service) mergeSessionData(ctx context.Context, sessionID string, patch map[string]any) error {
	data, err := s.store.GetSessionData(ctx, sessionID)
	if err != nil {
		return err
	}
	if data == nil {
		data = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		data[k] = v
	}
	return s.store.SetSessionData(ctx, sessionID, data)
}
