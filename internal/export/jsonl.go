// Package export reads and writes JSONL vault backups.
//
// A backup is one JSON object per line: a header line identifying the
// owner and format version, then every note (tombstones included, so a
// restored vault keeps propagating deletions), then every folder.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/notevault/notesync/internal/model"
	"github.com/notevault/notesync/internal/store"
)

// FormatVersion is bumped when the backup line format changes.
const FormatVersion = 1

// Header is the first line of every backup file.
type Header struct {
	Format    int    `json:"format"`
	OwnerID   string `json:"owner_id"`
	CreatedAt int64  `json:"created_at"`
}

// line is the tagged union written for each record after the header.
type line struct {
	Note   *model.Note   `json:"note,omitempty"`
	Folder *model.Folder `json:"folder,omitempty"`
}

// Result contains statistics about an export or import.
type Result struct {
	Notes   int
	Folders int
	Skipped int
}

// Export writes the owner's full vault to a JSONL file.
//
// The file is written atomically via a temp file, so an interrupted export
// never leaves a truncated backup at the target path.
func Export(ctx context.Context, st *store.Store, ownerID, path string) (*Result, error) {
	notes, err := st.ListNotes(ctx, store.NotesFilter{
		OwnerID:        ownerID,
		IncludeHidden:  true,
		IncludeDeleted: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	folders, err := st.ListFolders(ctx, ownerID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)

	header := Header{
		Format:    FormatVersion,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	result := &Result{}
	for _, note := range notes {
		if err := enc.Encode(line{Note: note}); err != nil {
			return nil, fmt.Errorf("failed to write note %s: %w", note.ID, err)
		}
		result.Notes++
	}
	for _, folder := range folders {
		if err := enc.Encode(line{Folder: folder}); err != nil {
			return nil, fmt.Errorf("failed to write folder %s: %w", folder.ID, err)
		}
		result.Folders++
	}

	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush backup: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close backup: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return result, nil
}

// Import loads a JSONL backup into the store.
//
// Imported records go through the regular local-mutation path, so they
// land in the Change Log and sync to the remote like fresh edits. A record
// that already exists locally with an equal or newer timestamp is skipped.
func Import(ctx context.Context, st *store.Store, ownerID, path string) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup file: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)

	var header Header
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("invalid backup header: %w", err)
	}
	if header.Format != FormatVersion {
		return nil, fmt.Errorf("unsupported backup format %d (want %d)", header.Format, FormatVersion)
	}

	result := &Result{}
	lineNum := 1

	for {
		var rec line
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		switch {
		case rec.Note != nil:
			imported, err := importNote(ctx, st, ownerID, rec.Note)
			if err != nil {
				return nil, fmt.Errorf("failed to import note %s: %w", rec.Note.ID, err)
			}
			if imported {
				result.Notes++
			} else {
				result.Skipped++
			}

		case rec.Folder != nil:
			imported, err := importFolder(ctx, st, ownerID, rec.Folder)
			if err != nil {
				return nil, fmt.Errorf("failed to import folder %s: %w", rec.Folder.ID, err)
			}
			if imported {
				result.Folders++
			} else {
				result.Skipped++
			}

		default:
			result.Skipped++
		}
	}

	return result, nil
}

func importNote(ctx context.Context, st *store.Store, ownerID string, note *model.Note) (bool, error) {
	note.OwnerID = ownerID
	note.SetDefaults()

	existing, err := st.GetNote(ctx, note.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if existing != nil && existing.UpdatedAt >= note.UpdatedAt {
		return false, nil
	}

	// The import is a local edit from the remote's point of view: keep the
	// existing base version so the push conflicts (and reconciles) rather
	// than blindly overwriting a newer remote.
	if existing != nil {
		note.RemoteVersion = existing.RemoteVersion
	} else {
		note.RemoteVersion = 0
	}

	op := model.OpUpdate
	if existing == nil {
		op = model.OpCreate
	}
	if _, err := st.PutNote(ctx, note, op); err != nil {
		return false, err
	}
	return true, nil
}

func importFolder(ctx context.Context, st *store.Store, ownerID string, folder *model.Folder) (bool, error) {
	folder.OwnerID = ownerID

	existing, err := st.GetFolder(ctx, folder.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if existing != nil && existing.UpdatedAt >= folder.UpdatedAt {
		return false, nil
	}

	if err := st.PutFolder(ctx, folder); err != nil {
		return false, err
	}
	return true, nil
}
