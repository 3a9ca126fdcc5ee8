package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/notevault/notesync/internal/model"
)

// PutAttachment inserts or updates an attachment reference.
func (s *Store) PutAttachment(ctx context.Context, ref *model.AttachmentRef) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("invalid attachment: %w", err)
	}
	if ref.CreatedAt == 0 {
		ref.CreatedAt = model.NowMillis()
	}

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO attachments (id, note_id, content_hash, remote_blob_key, local_cache_path, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		note_id = excluded.note_id,
		content_hash = excluded.content_hash,
		remote_blob_key = excluded.remote_blob_key,
		local_cache_path = excluded.local_cache_path`,
		ref.ID, ref.NoteID, ref.ContentHash, ref.RemoteBlobKey, ref.LocalCachePath, ref.CreatedAt)
	if err != nil {
		return storageFault("failed to upsert attachment", err)
	}
	return nil
}

// GetAttachment retrieves an attachment reference by ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) GetAttachment(ctx context.Context, id string) (*model.AttachmentRef, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, note_id, content_hash, remote_blob_key, local_cache_path, created_at
	FROM attachments WHERE id = ?`, id)

	ref, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageFault("failed to scan attachment", err)
	}
	return ref, nil
}

// AttachmentsByNote returns all attachment references owned by a note.
func (s *Store) AttachmentsByNote(ctx context.Context, noteID string) ([]*model.AttachmentRef, error) {
	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, storageFault("failed to begin transaction", err)
	}
	defer tx.Rollback()
	return attachmentsByNoteTx(ctx, tx, noteID)
}

// PendingUploads returns attachments that have bytes cached locally but no
// remote blob key yet. The Attachment Manager retries these independently
// of note-text sync.
func (s *Store) PendingUploads(ctx context.Context) ([]*model.AttachmentRef, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, note_id, content_hash, remote_blob_key, local_cache_path, created_at
	FROM attachments
	WHERE remote_blob_key = '' AND local_cache_path != ''
	ORDER BY created_at ASC`)
	if err != nil {
		return nil, storageFault("failed to query pending uploads", err)
	}
	defer rows.Close()
	return scanAttachments(rows)
}

// BlobKeyByHash returns the remote blob key of any attachment that shares
// the given content hash, or "" if none has been uploaded yet.
func (s *Store) BlobKeyByHash(ctx context.Context, contentHash string) (string, error) {
	var key string
	err := s.conn.QueryRowContext(ctx, `
	SELECT remote_blob_key FROM attachments
	WHERE content_hash = ? AND remote_blob_key != '' LIMIT 1`, contentHash).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageFault("failed to query blob key", err)
	}
	return key, nil
}

// RefCountByHash returns how many attachment references share a content
// hash. Used to avoid deleting a remote blob another note still points at.
func (s *Store) RefCountByHash(ctx context.Context, contentHash string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attachments WHERE content_hash = ?`, contentHash).Scan(&count)
	if err != nil {
		return 0, storageFault("failed to count attachment refs", err)
	}
	return count, nil
}

// DeleteAttachment removes an attachment reference. Idempotent.
func (s *Store) DeleteAttachment(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, id)
	if err != nil {
		return storageFault("failed to delete attachment", err)
	}
	return nil
}

func attachmentsByNoteTx(ctx context.Context, tx *sql.Tx, noteID string) ([]*model.AttachmentRef, error) {
	rows, err := tx.QueryContext(ctx, `
	SELECT id, note_id, content_hash, remote_blob_key, local_cache_path, created_at
	FROM attachments WHERE note_id = ? ORDER BY created_at ASC`, noteID)
	if err != nil {
		return nil, storageFault("failed to query attachments", err)
	}
	defer rows.Close()
	return scanAttachments(rows)
}

func scanAttachment(row scanner) (*model.AttachmentRef, error) {
	var ref model.AttachmentRef
	err := row.Scan(&ref.ID, &ref.NoteID, &ref.ContentHash,
		&ref.RemoteBlobKey, &ref.LocalCachePath, &ref.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func scanAttachments(rows *sql.Rows) ([]*model.AttachmentRef, error) {
	var refs []*model.AttachmentRef
	for rows.Next() {
		ref, err := scanAttachment(rows)
		if err != nil {
			return nil, storageFault("failed to scan attachment", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("error iterating attachments", err)
	}
	return refs, nil
}
