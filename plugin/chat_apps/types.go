// Package chat_apps provides the messaging-frontend integration for the
// gateway. Telegram is the only wired channel.
package chat_apps

import "time"

// Platform represents a supported chat platform.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
)

// IncomingTurn is one normalized user turn from a chat platform.
type IncomingTurn struct {
	Platform  Platform
	UserID    string // platform-specific user id
	ChatID    string // platform-specific chat id
	MessageID int    // platform message id; with ChatID, the deduplication key
	Content   string
	Timestamp time.Time
}
