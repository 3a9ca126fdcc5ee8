package store

import (
	"context"
	"database/sql"
	"errors"
)

// Cursor returns the last remote version seen for an account. A missing
// row means "beginning of history" and returns zero.
func (s *Store) Cursor(ctx context.Context, ownerID string) (int64, error) {
	var v int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_remote_version FROM sync_cursor WHERE owner_id = ?`, ownerID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageFault("failed to read sync cursor", err)
	}
	return v, nil
}

// AdvanceCursor moves the sync cursor forward. The cursor never moves
// backwards: a stale advance is silently ignored.
func (s *Store) AdvanceCursor(ctx context.Context, ownerID string, version int64) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_cursor (owner_id, last_remote_version)
	VALUES (?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET
		last_remote_version = MAX(last_remote_version, excluded.last_remote_version)`,
		ownerID, version)
	if err != nil {
		return storageFault("failed to advance sync cursor", err)
	}
	return nil
}
