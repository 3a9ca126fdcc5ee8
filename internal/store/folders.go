package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/notevault/notesync/internal/model"
)

// PutFolder inserts or updates a folder.
func (s *Store) PutFolder(ctx context.Context, folder *model.Folder) error {
	if err := folder.Validate(); err != nil {
		return fmt.Errorf("invalid folder: %w", err)
	}
	if folder.CreatedAt == 0 {
		folder.CreatedAt = model.NowMillis()
	}
	if folder.UpdatedAt == 0 {
		folder.UpdatedAt = folder.CreatedAt
	}

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO folders (id, owner_id, name, color, created_at, updated_at, deleted, deleted_at, hidden, locked, password_hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		color = excluded.color,
		updated_at = excluded.updated_at,
		deleted = excluded.deleted,
		deleted_at = excluded.deleted_at,
		hidden = excluded.hidden,
		locked = excluded.locked,
		password_hash = excluded.password_hash`,
		folder.ID, folder.OwnerID, folder.Name, nullString(folder.Color),
		folder.CreatedAt, folder.UpdatedAt, boolToInt(folder.Deleted), nullInt64(folder.DeletedAt),
		boolToInt(folder.Hidden), boolToInt(folder.Locked), nullString(folder.PasswordHash))
	if err != nil {
		return storageFault("failed to upsert folder", err)
	}
	return nil
}

// GetFolder retrieves a folder by ID. Returns ErrNotFound if missing.
func (s *Store) GetFolder(ctx context.Context, id string) (*model.Folder, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, owner_id, name, color, created_at, updated_at, deleted, deleted_at, hidden, locked, password_hash
	FROM folders WHERE id = ?`, id)

	folder, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageFault("failed to scan folder", err)
	}
	return folder, nil
}

// ListFolders returns an owner's folders, excluding tombstones unless
// deletedOnly is set.
func (s *Store) ListFolders(ctx context.Context, ownerID string, deletedOnly bool) ([]*model.Folder, error) {
	deleted := 0
	if deletedOnly {
		deleted = 1
	}

	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, owner_id, name, color, created_at, updated_at, deleted, deleted_at, hidden, locked, password_hash
	FROM folders WHERE owner_id = ? AND deleted = ?
	ORDER BY created_at ASC`, ownerID, deleted)
	if err != nil {
		return nil, storageFault("failed to list folders", err)
	}
	defer rows.Close()

	var folders []*model.Folder
	for rows.Next() {
		folder, err := scanFolder(rows)
		if err != nil {
			return nil, storageFault("failed to scan folder", err)
		}
		folders = append(folders, folder)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("error iterating folders", err)
	}
	return folders, nil
}

// DeleteFolder tombstones a folder. Notes inside it keep their folder_id
// and follow the folder into the recycle bin view.
func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	folder, err := s.GetFolder(ctx, id)
	if err != nil {
		return err
	}
	folder.Deleted = true
	folder.DeletedAt = model.NowMillis()
	folder.UpdatedAt = folder.DeletedAt
	return s.PutFolder(ctx, folder)
}

func scanFolder(row scanner) (*model.Folder, error) {
	var folder model.Folder
	var color, passwordHash sql.NullString
	var deletedAt sql.NullInt64
	var deleted, hidden, locked int

	err := row.Scan(&folder.ID, &folder.OwnerID, &folder.Name, &color,
		&folder.CreatedAt, &folder.UpdatedAt, &deleted, &deletedAt, &hidden, &locked, &passwordHash)
	if err != nil {
		return nil, err
	}

	folder.Color = color.String
	folder.PasswordHash = passwordHash.String
	folder.Deleted = deleted != 0
	folder.DeletedAt = deletedAt.Int64
	folder.Hidden = hidden != 0
	folder.Locked = locked != 0
	return &folder, nil
}
