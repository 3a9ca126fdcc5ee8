package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/notevault/notesync/internal/model"
)

// PutNote upserts a note and appends the matching Change Log entry in a
// single transaction. Both writes succeed or both fail.
//
// Returns the sequence number assigned to the Change Log entry.
func (s *Store) PutNote(ctx context.Context, note *model.Note, op model.OpKind) (int64, error) {
	if err := note.Validate(); err != nil {
		return 0, fmt.Errorf("invalid note: %w", err)
	}
	if !op.Valid() {
		return 0, fmt.Errorf("invalid op kind %q", op)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageFault("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := upsertNoteTx(ctx, tx, note); err != nil {
		return 0, err
	}

	seq, err := appendChangeTx(ctx, tx, note, op)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, storageFault("failed to commit note", err)
	}

	s.publishSnapshot(ctx, note.OwnerID)
	return seq, nil
}

// DeleteNote tombstones a note and appends the delete to the Change Log.
// The record keeps its id and version so the deletion propagates to other
// devices; physical removal happens in PurgeDeleted.
func (s *Store) DeleteNote(ctx context.Context, id string) (int64, error) {
	note, err := s.GetNote(ctx, id)
	if err != nil {
		return 0, err
	}
	note.MarkDeleted()
	return s.PutNote(ctx, note, model.OpDelete)
}

// ApplyRemote writes a note received from the remote store without touching
// the Change Log. RemoteVersion records the version the remote reported.
func (s *Store) ApplyRemote(ctx context.Context, note *model.Note, remoteVersion int64) error {
	if err := note.Validate(); err != nil {
		return fmt.Errorf("invalid note: %w", err)
	}
	note.RemoteVersion = remoteVersion

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageFault("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := upsertNoteTx(ctx, tx, note); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageFault("failed to commit remote note", err)
	}

	s.publishSnapshot(ctx, note.OwnerID)
	return nil
}

// GetNote retrieves a single note by ID, including tombstones.
// Returns ErrNotFound if the note does not exist.
func (s *Store) GetNote(ctx context.Context, id string) (*model.Note, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, owner_id, folder_id, title, body, color,
	       created_at, updated_at, deleted, deleted_at,
	       hidden, locked, password_hash, attachment_refs, remote_version
	FROM notes WHERE id = ?`, id)

	note, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageFault("failed to scan note", err)
	}
	return note, nil
}

// SetRemoteVersion records the remote version the server durably holds for
// a note, without changing any user-visible fields.
func (s *Store) SetRemoteVersion(ctx context.Context, noteID string, version int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE notes SET remote_version = ? WHERE id = ?`, version, noteID)
	if err != nil {
		return storageFault("failed to set remote version", err)
	}
	return nil
}

// NotesFilter configures the ListNotes query.
type NotesFilter struct {
	// OwnerID filters by owner (required for most callers).
	OwnerID string
	// FolderID filters by folder (empty = all folders).
	FolderID string
	// DeletedOnly returns only recycle-bin entries; by default tombstones
	// are excluded.
	DeletedOnly bool
	// IncludeDeleted includes tombstones alongside live notes. Used by
	// backup export, which must preserve deletions.
	IncludeDeleted bool
	// IncludeHidden includes notes marked hidden (excluded by default
	// unless HiddenOnly is set).
	IncludeHidden bool
	// HiddenOnly returns only hidden notes.
	HiddenOnly bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results.
	Offset int
}

// ListNotes retrieves notes matching the filter, newest first.
//
// The query is re-issued on every call, so the result always reflects the
// current store state; callers needing a live feed subscribe via Hub.
func (s *Store) ListNotes(ctx context.Context, filter NotesFilter) ([]*model.Note, error) {
	var conditions []string
	var args []interface{}

	if filter.OwnerID != "" {
		conditions = append(conditions, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.FolderID != "" {
		conditions = append(conditions, "folder_id = ?")
		args = append(args, filter.FolderID)
	}
	if filter.DeletedOnly {
		conditions = append(conditions, "deleted = 1")
	} else if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}
	if filter.HiddenOnly {
		conditions = append(conditions, "hidden = 1")
	} else if !filter.IncludeHidden {
		conditions = append(conditions, "hidden = 0")
	}

	query := `
	SELECT id, owner_id, folder_id, title, body, color,
	       created_at, updated_at, deleted, deleted_at,
	       hidden, locked, password_hash, attachment_refs, remote_version
	FROM notes`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageFault("failed to list notes", err)
	}
	defer rows.Close()

	return scanNotes(rows)
}

// PurgeDeleted physically removes tombstoned notes whose deletion is older
// than the retention window and has been acknowledged by the remote (no
// pending Change Log entry). Returns the number of purged notes and the
// attachment refs orphaned by the purge so the caller can schedule remote
// blob deletion.
func (s *Store) PurgeDeleted(ctx context.Context, olderThan int64) (int, []*model.AttachmentRef, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, storageFault("failed to begin transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
	SELECT id FROM notes
	WHERE deleted = 1 AND deleted_at IS NOT NULL AND deleted_at <= ?
	  AND id NOT IN (SELECT note_id FROM changelog)`, olderThan)
	if err != nil {
		return 0, nil, storageFault("failed to query purgeable notes", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, nil, storageFault("failed to scan purgeable note", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, storageFault("error iterating purgeable notes", err)
	}

	var orphaned []*model.AttachmentRef
	for _, id := range ids {
		refs, err := attachmentsByNoteTx(ctx, tx, id)
		if err != nil {
			return 0, nil, err
		}
		orphaned = append(orphaned, refs...)

		if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE note_id = ?`, id); err != nil {
			return 0, nil, storageFault("failed to purge attachments", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id); err != nil {
			return 0, nil, storageFault("failed to purge note", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, storageFault("failed to commit purge", err)
	}

	if len(ids) > 0 {
		s.logger.Printf("Purged %d tombstoned notes", len(ids))
	}
	return len(ids), orphaned, nil
}

// upsertNoteTx writes the note row inside an open transaction.
func upsertNoteTx(ctx context.Context, tx *sql.Tx, note *model.Note) error {
	refsJSON, err := json.Marshal(note.AttachmentRefs)
	if err != nil {
		return fmt.Errorf("failed to marshal attachment refs: %w", err)
	}

	query := `
	INSERT INTO notes (
		id, owner_id, folder_id, title, body, color,
		created_at, updated_at, deleted, deleted_at,
		hidden, locked, password_hash, attachment_refs, remote_version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		owner_id = excluded.owner_id,
		folder_id = excluded.folder_id,
		title = excluded.title,
		body = excluded.body,
		color = excluded.color,
		updated_at = excluded.updated_at,
		deleted = excluded.deleted,
		deleted_at = excluded.deleted_at,
		hidden = excluded.hidden,
		locked = excluded.locked,
		password_hash = excluded.password_hash,
		attachment_refs = excluded.attachment_refs,
		remote_version = excluded.remote_version
	`

	_, err = tx.ExecContext(ctx, query,
		note.ID,
		note.OwnerID,
		nullString(note.FolderID),
		note.Title,
		note.Body,
		nullString(note.Color),
		note.CreatedAt,
		note.UpdatedAt,
		boolToInt(note.Deleted),
		nullInt64(note.DeletedAt),
		boolToInt(note.Hidden),
		boolToInt(note.Locked),
		nullString(note.PasswordHash),
		string(refsJSON),
		note.RemoteVersion,
	)
	if err != nil {
		return storageFault("failed to upsert note", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanNote.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNote(row scanner) (*model.Note, error) {
	var note model.Note
	var folderID, color, passwordHash sql.NullString
	var deletedAt sql.NullInt64
	var deleted, hidden, locked int
	var refsJSON sql.NullString

	err := row.Scan(
		&note.ID,
		&note.OwnerID,
		&folderID,
		&note.Title,
		&note.Body,
		&color,
		&note.CreatedAt,
		&note.UpdatedAt,
		&deleted,
		&deletedAt,
		&hidden,
		&locked,
		&passwordHash,
		&refsJSON,
		&note.RemoteVersion,
	)
	if err != nil {
		return nil, err
	}

	note.FolderID = folderID.String
	note.Color = color.String
	note.PasswordHash = passwordHash.String
	note.Deleted = deleted != 0
	note.DeletedAt = deletedAt.Int64
	note.Hidden = hidden != 0
	note.Locked = locked != 0

	note.AttachmentRefs = []string{}
	if refsJSON.Valid && refsJSON.String != "" && refsJSON.String != "null" {
		if err := json.Unmarshal([]byte(refsJSON.String), &note.AttachmentRefs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attachment refs: %w", err)
		}
	}

	return &note, nil
}

func scanNotes(rows *sql.Rows) ([]*model.Note, error) {
	var notes []*model.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, storageFault("failed to scan note", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("error iterating notes", err)
	}
	return notes, nil
}

// publishSnapshot pushes the owner's current active notes to subscribers.
func (s *Store) publishSnapshot(ctx context.Context, ownerID string) {
	if !s.hub.HasSubscribers(ownerID) {
		return
	}
	notes, err := s.ListNotes(ctx, NotesFilter{OwnerID: ownerID})
	if err != nil {
		s.logger.Printf("Warning: failed to build snapshot for %s: %v", ownerID, err)
		return
	}
	s.hub.Publish(ownerID, notes)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
