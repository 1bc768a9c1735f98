package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/linshu368/starbot/session"
)

// Message log record types.
const (
	MessageLogTypeNormal     = "normal"
	MessageLogTypeRegenerate = "regenerate"
)

// MessageLogRecord is one completed assistant turn, written append-only.
type MessageLogRecord struct {
	UserID       string
	RoleID       string
	UserInput    string
	BotReply     string
	Instructions string
	History      []session.Message // history as it stood when the request started
	ModelName    string
	AttemptCount int
	Type         string
}

// CreateMessageLog appends one record. The round column is best-effort: it
// counts prior records for the (user, role) pair without serializing
// concurrent writers.
func (s *Store) CreateMessageLog(ctx context.Context, record *MessageLogRecord) error {
	historyRaw, err := json.Marshal(record.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	var round int
	countQuery := `SELECT COUNT(*) FROM messages WHERE user_id = $1 AND role_id = $2`
	if err := s.db.QueryRowContext(ctx, countQuery, record.UserID, record.RoleID).Scan(&round); err != nil {
		slog.Warn("message log round count failed", "user_id", record.UserID, "error", err)
	}

	query := `
		INSERT INTO messages
		(user_id, role_id, user_input, bot_reply, instructions, history, model_name, attempt_count, type, round, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		record.UserID,
		record.RoleID,
		record.UserInput,
		record.BotReply,
		record.Instructions,
		historyRaw,
		record.ModelName,
		record.AttemptCount,
		record.Type,
		round+1,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("create message log: %w", err)
	}
	return nil
}
