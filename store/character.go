package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/linshu368/starbot/session"
)

// GetCharacter reads one role card. role_data carries the chara_card_v2
// fields flattened into columns plus an extensions JSONB blob. Returns
// (nil, nil) when the role is unknown so the caller can fall back to a
// bundled card.
func (s *Store) GetCharacter(ctx context.Context, roleID string) (*session.Character, error) {
	query := `
		SELECT role_id, name, system_prompt, first_mes, COALESCE(extensions, '{}'::jsonb)
		FROM role_data
		WHERE role_id = $1
	`

	var (
		character     session.Character
		extensionsRaw []byte
	)
	err := s.db.QueryRowContext(ctx, query, roleID).Scan(
		&character.RoleID,
		&character.Name,
		&character.SystemPrompt,
		&character.FirstMes,
		&extensionsRaw,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get character %s: %w", roleID, err)
	}

	if len(extensionsRaw) > 0 {
		if err := json.Unmarshal(extensionsRaw, &character.Extensions); err != nil {
			slog.Warn("character extensions failed to decode", "role_id", roleID, "error", err)
		}
	}
	return &character, nil
}

var _ session.CharacterSource = (*Store)(nil)
