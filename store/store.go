// Package store provides the Postgres repositories: runtime configuration
// rows, role cards, the append-only message log and chat snapshots.
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Store wraps the system-of-record connection. One instance is shared by
// every repository method.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the connection at startup.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
