package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// CharacterSource reads role cards from the system of record.
type CharacterSource interface {
	GetCharacter(ctx context.Context, roleID string) (*Character, error)
}

// CharacterLoader loads role cards from the system of record with a bundled
// local file fallback. Cards on disk may be wrapped in a chara_card_v2
// envelope; the loader unwraps them.
type CharacterLoader struct {
	source   CharacterSource
	localDir string
}

func NewCharacterLoader(source CharacterSource, localDir string) *CharacterLoader {
	return &CharacterLoader{source: source, localDir: localDir}
}

// Load resolves a role card by id. The system of record wins; a miss or a
// read failure falls back to the bundled card file <localDir>/<roleID>.json.
func (l *CharacterLoader) Load(ctx context.Context, roleID string) (*Character, error) {
	if l.source != nil {
		character, err := l.source.GetCharacter(ctx, roleID)
		if err == nil && character != nil {
			return character, nil
		}
		if err != nil {
			slog.Warn("character read from system of record failed, trying local card",
				"role_id", roleID,
				"error", err,
			)
		}
	}
	return l.loadLocal(roleID)
}

// cardEnvelope is the chara_card_v2 wrapper some exported cards carry.
type cardEnvelope struct {
	Spec string          `json:"spec"`
	Data json.RawMessage `json:"data"`
}

func (l *CharacterLoader) loadLocal(roleID string) (*Character, error) {
	path := filepath.Join(l.localDir, roleID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read local card %s: %w", path, err)
	}

	var envelope cardEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Spec == "chara_card_v2" && len(envelope.Data) > 0 {
		raw = envelope.Data
	}

	var character Character
	if err := json.Unmarshal(raw, &character); err != nil {
		return nil, fmt.Errorf("decode local card %s: %w", path, err)
	}
	if character.RoleID == "" {
		character.RoleID = roleID
	}
	if character.Name == "" {
		return nil, fmt.Errorf("local card %s has no name", path)
	}
	return &character, nil
}
