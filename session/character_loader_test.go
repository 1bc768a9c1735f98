package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorCharSource struct{}

func (errorCharSource) GetCharacter(context.Context, string) (*Character, error) {
	return nil, errors.New("connection refused")
}

func writeCard(t *testing.T, dir, roleID, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, roleID+".json"), []byte(content), 0o644))
}

func TestLoadPrefersSystemOfRecord(t *testing.T) {
	dir := t.TempDir()
	writeCard(t, dir, "hero", `{"role_id":"hero","name":"本地英雄"}`)

	source := &fakeCharSource{cards: map[string]*Character{
		"hero": {RoleID: "hero", Name: "库中英雄"},
	}}
	loader := NewCharacterLoader(source, dir)

	character, err := loader.Load(context.Background(), "hero")
	require.NoError(t, err)
	assert.Equal(t, "库中英雄", character.Name)
}

func TestLoadFallsBackToLocalCard(t *testing.T) {
	dir := t.TempDir()
	writeCard(t, dir, "hero", `{"name":"本地英雄","system_prompt":"你是英雄。","first_mes":"在下英雄。"}`)

	loader := NewCharacterLoader(&fakeCharSource{cards: map[string]*Character{}}, dir)

	character, err := loader.Load(context.Background(), "hero")
	require.NoError(t, err)
	assert.Equal(t, "本地英雄", character.Name)
	assert.Equal(t, "hero", character.RoleID, "role id filled from the file name")
}

func TestLoadFallsBackOnSourceError(t *testing.T) {
	dir := t.TempDir()
	writeCard(t, dir, "hero", `{"name":"本地英雄"}`)

	loader := NewCharacterLoader(errorCharSource{}, dir)

	character, err := loader.Load(context.Background(), "hero")
	require.NoError(t, err)
	assert.Equal(t, "本地英雄", character.Name)
}

func TestLoadNormalizesV2Envelope(t *testing.T) {
	dir := t.TempDir()
	writeCard(t, dir, "wrapped", `{
		"spec": "chara_card_v2",
		"data": {
			"name": "封装角色",
			"system_prompt": "prompt",
			"extensions": {"title": "阁下", "post_link": "https://example.com/p/1"}
		}
	}`)

	loader := NewCharacterLoader(nil, dir)

	character, err := loader.Load(context.Background(), "wrapped")
	require.NoError(t, err)
	assert.Equal(t, "封装角色", character.Name)
	assert.Equal(t, "阁下", character.Extensions.Title)
	assert.Equal(t, "https://example.com/p/1", character.Extensions.PostLink)
}

func TestLoadMissingEverywhere(t *testing.T) {
	loader := NewCharacterLoader(&fakeCharSource{cards: map[string]*Character{}}, t.TempDir())

	_, err := loader.Load(context.Background(), "ghost")
	assert.Error(t, err)
}
