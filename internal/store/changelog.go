package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/notevault/notesync/internal/model"
)

// appendChangeTx records a mutation in the Change Log inside the same
// transaction that wrote the note. Returns the assigned sequence number.
func appendChangeTx(ctx context.Context, tx *sql.Tx, note *model.Note, op model.OpKind) (int64, error) {
	payload, err := json.Marshal(note)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal change payload: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO changelog (note_id, op, payload, created_at)
	VALUES (?, ?, ?, ?)`,
		note.ID, string(op), string(payload), model.NowMillis())
	if err != nil {
		return 0, storageFault("failed to append change", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, storageFault("failed to read change sequence", err)
	}
	return seq, nil
}

// DrainBatch returns up to maxCount pending Change Log entries in sequence
// order, coalesced per note: only the last entry per note is transmitted,
// so a Delete supersedes the edits before it and a restore recorded after
// a Delete supersedes the tombstone.
//
// Draining does not remove entries; they stay until Acknowledge confirms
// the remote accepted them.
func (s *Store) DrainBatch(ctx context.Context, maxCount int) ([]model.ChangeLogEntry, error) {
	query := `SELECT seq, note_id, op, payload, created_at FROM changelog ORDER BY seq ASC`
	var args []interface{}
	if maxCount > 0 {
		query += " LIMIT ?"
		args = append(args, maxCount)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageFault("failed to drain changelog", err)
	}
	defer rows.Close()

	var entries []model.ChangeLogEntry
	for rows.Next() {
		var e model.ChangeLogEntry
		var op, payload string
		if err := rows.Scan(&e.Seq, &e.NoteID, &op, &payload, &e.CreatedAt); err != nil {
			return nil, storageFault("failed to scan change entry", err)
		}
		e.Op = model.OpKind(op)
		e.Payload = &model.Note{}
		if err := json.Unmarshal([]byte(payload), e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change payload seq=%d: %w", e.Seq, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("error iterating changelog", err)
	}

	return model.CoalesceEntries(entries), nil
}

// Acknowledge removes entries the remote store has durably accepted.
//
// For each sequence number, the acked entry and every earlier entry for the
// same note are removed (earlier entries were superseded by the coalesced
// payload that was transmitted). Re-acknowledging an already-removed
// sequence number is a no-op, not an error.
func (s *Store) Acknowledge(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageFault("failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, seq := range seqs {
		// The subselect yields no rows for an already-acked seq, so the
		// delete matches nothing and the call stays idempotent.
		_, err := tx.ExecContext(ctx, `
		DELETE FROM changelog
		WHERE seq <= ?1
		  AND note_id IN (SELECT note_id FROM changelog WHERE seq = ?1)`, seq)
		if err != nil {
			return storageFault("failed to acknowledge change", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageFault("failed to commit acknowledge", err)
	}
	return nil
}

// HasPending reports whether the note has an unacknowledged local change.
// The Sync Engine uses this to route remote changes through Reconciling
// instead of applying them directly.
func (s *Store) HasPending(ctx context.Context, noteID string) (bool, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM changelog WHERE note_id = ?`, noteID).Scan(&count)
	if err != nil {
		return false, storageFault("failed to count pending changes", err)
	}
	return count > 0, nil
}

// PendingCount returns the number of Change Log entries awaiting sync.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM changelog`).Scan(&count)
	if err != nil {
		return 0, storageFault("failed to count changelog", err)
	}
	return count, nil
}

// DiscardPending removes all pending entries for a note without pushing
// them. Used when reconciliation decides the remote version wins.
func (s *Store) DiscardPending(ctx context.Context, noteID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM changelog WHERE note_id = ?`, noteID)
	if err != nil {
		return storageFault("failed to discard pending changes", err)
	}
	return nil
}

// RebasePending replaces the payload of the latest pending entry for a note
// after reconciliation merged it over a newer remote version.
func (s *Store) RebasePending(ctx context.Context, noteID string, payload *model.Note) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal rebased payload: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
	UPDATE changelog SET payload = ?
	WHERE seq = (SELECT MAX(seq) FROM changelog WHERE note_id = ?)`,
		string(data), noteID)
	if err != nil {
		return storageFault("failed to rebase pending change", err)
	}
	return nil
}
