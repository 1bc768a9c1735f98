package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/linshu368/starbot/session"
)

// CreateSnapshot stores a named history snapshot and returns its id.
func (s *Store) CreateSnapshot(ctx context.Context, snap *session.Snapshot) (int64, error) {
	historyRaw, err := json.Marshal(snap.History)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot history: %w", err)
	}

	query := `
		INSERT INTO chat_snapshots (user_id, role_id, snapshot_name, history, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	var id int64
	err = s.db.QueryRowContext(ctx, query,
		snap.UserID,
		snap.RoleID,
		snap.Name,
		historyRaw,
		time.Now(),
	).Scan(&id)
	if err != nil {
		slog.Error("failed to create snapshot", "user_id", snap.UserID, "error", err)
		return 0, fmt.Errorf("create snapshot: %w", err)
	}
	return id, nil
}

// GetSnapshot reads one snapshot scoped to its owner.
func (s *Store) GetSnapshot(ctx context.Context, id int64, userID string) (*session.Snapshot, error) {
	query := `
		SELECT id, user_id, role_id, snapshot_name, history, created_at
		FROM chat_snapshots
		WHERE id = $1 AND user_id = $2
	`
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %d: %w", id, err)
	}
	return snap, nil
}

// ListSnapshots returns the user's snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, userID string) ([]*session.Snapshot, error) {
	query := `
		SELECT id, user_id, role_id, snapshot_name, history, created_at
		FROM chat_snapshots
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*session.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snapshots, nil
}

// DeleteSnapshot removes one snapshot scoped to its owner.
func (s *Store) DeleteSnapshot(ctx context.Context, id int64, userID string) error {
	query := `DELETE FROM chat_snapshots WHERE id = $1 AND user_id = $2`
	result, err := s.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("delete snapshot %d: %w", id, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return session.ErrSnapshotNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*session.Snapshot, error) {
	var (
		snap       session.Snapshot
		historyRaw []byte
	)
	if err := row.Scan(&snap.ID, &snap.UserID, &snap.RoleID, &snap.Name, &historyRaw, &snap.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(historyRaw, &snap.History); err != nil {
		return nil, fmt.Errorf("decode snapshot history: %w", err)
	}
	return &snap, nil
}

var _ session.SnapshotRepo = (*Store)(nil)
