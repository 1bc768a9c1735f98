package session

import "context"

// Store is the durable KV port for session state: ordered message lists,
// per-user session pointers, preferences and activity timestamps.
//
// Absent values are not errors: getters return zero values with ok=false
// semantics baked into the signature (empty string, nil map, found flag).
type Store interface {
	// GetMessages returns the ordered history, empty if absent.
	GetMessages(ctx context.Context, sessionID string) ([]Message, error)
	// SetMessages replaces the entire list.
	SetMessages(ctx context.Context, sessionID string, messages []Message) error
	// AppendMessage pushes right. When the resulting length exceeds the
	// max-history limit the list is trimmed oldest-first down to the
	// retention count.
	AppendMessage(ctx context.Context, sessionID string, message Message) error

	GetCurrentSessionID(ctx context.Context, userID string) (string, error)
	SetCurrentSessionID(ctx context.Context, userID, sessionID string) error

	// GetLastSessionID holds the most-recently-expired session id.
	GetLastSessionID(ctx context.Context, userID string) (string, error)
	SetLastSessionID(ctx context.Context, userID, sessionID string) error

	GetSessionData(ctx context.Context, sessionID string) (map[string]any, error)
	SetSessionData(ctx context.Context, sessionID string, data map[string]any) error

	// GetUserModelMode defaults to TierStandardB when absent.
	GetUserModelMode(ctx context.Context, userID string) (string, error)
	SetUserModelMode(ctx context.Context, userID, tier string) error

	GetLastActiveTime(ctx context.Context, userID string) (int64, bool, error)
	SetLastActiveTime(ctx context.Context, userID string, ms int64) error
}

// HistoryLimits supplies the live append-trim bounds. The resolver-backed
// implementation lives in the composition root so the store stays decoupled
// from configuration plumbing.
type HistoryLimits func(ctx context.Context) (maxItems, retention int)
