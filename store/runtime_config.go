package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetRuntimeConfig returns the raw JSON value of one runtime_config row, or
// nil when the key is absent. The version/updated_at columns are maintained
// by a trigger and not read here.
func (s *Store) GetRuntimeConfig(ctx context.Context, key string) (json.RawMessage, error) {
	query := `SELECT value FROM runtime_config WHERE key = $1`

	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get runtime config %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}
