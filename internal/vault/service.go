// Package vault is the application-facing surface of the note store.
//
// Every mutation goes through here: the service serializes writes per note
// with the same keyed mutex the sync engine reconciles under, stamps
// logical timestamps, and records each change in the Change Log so it
// eventually reaches the remote. Reads never touch the network.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/notevault/notesync/internal/attach"
	"github.com/notevault/notesync/internal/engine"
	"github.com/notevault/notesync/internal/model"
	"github.com/notevault/notesync/internal/store"
)

var (
	// ErrNoteDeleted is returned when mutating a note that sits in the
	// recycle bin. Restore it first.
	ErrNoteDeleted = errors.New("vault: note is in the recycle bin")

	// ErrNoteLocked is returned when a locked note is mutated without the
	// correct password.
	ErrNoteLocked = errors.New("vault: note is locked")

	// ErrWrongPassword is returned when a lock password does not match.
	ErrWrongPassword = errors.New("vault: wrong password")
)

// Config holds vault service configuration.
type Config struct {
	// OwnerID identifies the account all operations act on.
	OwnerID string

	// Retention is how long deleted notes stay in the recycle bin before
	// PurgeExpired removes them (default: 30 days).
	Retention time.Duration

	// Logger for service activity (default: stderr).
	Logger *log.Logger
}

// Service exposes note operations to the UI layer.
type Service struct {
	store  *store.Store
	engine *engine.Engine
	attach *attach.Manager
	locks  *engine.KeyedMutex
	config Config
}

// New creates a vault service. The sync engine and attachment manager are
// optional; without them the vault still works fully offline.
func New(st *store.Store, eng *engine.Engine, am *attach.Manager, config Config) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config.OwnerID == "" {
		return nil, fmt.Errorf("owner ID cannot be empty")
	}
	if config.Retention <= 0 {
		config.Retention = 30 * 24 * time.Hour
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[vault] ", log.LstdFlags)
	}

	locks := engine.NewKeyedMutex()
	if eng != nil {
		locks = eng.Locks()
	}

	return &Service{
		store:  st,
		engine: eng,
		attach: am,
		locks:  locks,
		config: config,
	}, nil
}

// CreateNote creates a note and records it in the Change Log.
func (s *Service) CreateNote(ctx context.Context, title, body string) (*model.Note, error) {
	note := &model.Note{
		ID:      model.NewNoteID(),
		OwnerID: s.config.OwnerID,
		Title:   title,
		Body:    body,
	}
	note.SetDefaults()

	if _, err := s.store.PutNote(ctx, note, model.OpCreate); err != nil {
		return nil, err
	}
	s.config.Logger.Printf("Created note %s", note.ID)
	return note, nil
}

// UpdateNote applies a mutation to a note under its per-note lock.
//
// The mutation sees the freshest local state, so concurrent UI edits and
// engine reconciliation never clobber each other. The note's logical
// timestamp is advanced after the mutation runs.
func (s *Service) UpdateNote(ctx context.Context, id string, mutate func(*model.Note)) (*model.Note, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	note, err := s.store.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if note.Deleted {
		return nil, fmt.Errorf("note %s: %w", id, ErrNoteDeleted)
	}

	mutate(note)
	note.Touch()

	if _, err := s.store.PutNote(ctx, note, model.OpUpdate); err != nil {
		return nil, err
	}
	return note, nil
}

// SetTitle updates a note's title.
func (s *Service) SetTitle(ctx context.Context, id, title string) (*model.Note, error) {
	return s.UpdateNote(ctx, id, func(n *model.Note) { n.Title = title })
}

// SetBody updates a note's body.
func (s *Service) SetBody(ctx context.Context, id, body string) (*model.Note, error) {
	return s.UpdateNote(ctx, id, func(n *model.Note) { n.Body = body })
}

// SetColor updates a note's display color.
func (s *Service) SetColor(ctx context.Context, id, color string) (*model.Note, error) {
	return s.UpdateNote(ctx, id, func(n *model.Note) { n.Color = color })
}

// MoveToFolder places a note in a folder ("" moves it to the root).
func (s *Service) MoveToFolder(ctx context.Context, id, folderID string) (*model.Note, error) {
	if folderID != "" {
		if _, err := s.store.GetFolder(ctx, folderID); err != nil {
			return nil, err
		}
	}
	return s.UpdateNote(ctx, id, func(n *model.Note) { n.FolderID = folderID })
}

// SetHidden hides or unhides a note from default listings.
func (s *Service) SetHidden(ctx context.Context, id string, hidden bool) (*model.Note, error) {
	return s.UpdateNote(ctx, id, func(n *model.Note) { n.Hidden = hidden })
}

// LockNote protects a note with a password. Only the password hash is
// stored and synced; the password itself never leaves this call.
func (s *Service) LockNote(ctx context.Context, id, password string) (*model.Note, error) {
	if password == "" {
		return nil, fmt.Errorf("lock password cannot be empty")
	}
	return s.UpdateNote(ctx, id, func(n *model.Note) {
		n.Locked = true
		n.PasswordHash = model.HashLockPassword(password)
	})
}

// UnlockNote removes a note's lock after verifying the password.
func (s *Service) UnlockNote(ctx context.Context, id, password string) (*model.Note, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	note, err := s.store.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if note.Deleted {
		return nil, fmt.Errorf("note %s: %w", id, ErrNoteDeleted)
	}
	if !note.Locked {
		return note, nil
	}
	if !model.CheckLockPassword(password, note.PasswordHash) {
		return nil, fmt.Errorf("note %s: %w", id, ErrWrongPassword)
	}

	note.Locked = false
	note.PasswordHash = ""
	note.Touch()

	if _, err := s.store.PutNote(ctx, note, model.OpUpdate); err != nil {
		return nil, err
	}
	return note, nil
}

// CheckLock verifies a locked note's password without changing the note.
func (s *Service) CheckLock(ctx context.Context, id, password string) error {
	note, err := s.store.GetNote(ctx, id)
	if err != nil {
		return err
	}
	if !note.Locked {
		return nil
	}
	if !model.CheckLockPassword(password, note.PasswordHash) {
		return fmt.Errorf("note %s: %w", id, ErrWrongPassword)
	}
	return nil
}

// DeleteNote moves a note to the recycle bin. The tombstone syncs to other
// devices; bytes are reclaimed later by PurgeExpired.
func (s *Service) DeleteNote(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	note, err := s.store.GetNote(ctx, id)
	if err != nil {
		return err
	}
	if note.Locked {
		return fmt.Errorf("note %s: %w", id, ErrNoteLocked)
	}

	if _, err := s.store.DeleteNote(ctx, id); err != nil {
		return err
	}
	s.config.Logger.Printf("Moved note %s to recycle bin", id)
	return nil
}

// RestoreNote brings a note back from the recycle bin.
func (s *Service) RestoreNote(ctx context.Context, id string) (*model.Note, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	note, err := s.store.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if !note.Deleted {
		return note, nil
	}

	note.Deleted = false
	note.DeletedAt = 0
	note.Touch()

	if _, err := s.store.PutNote(ctx, note, model.OpUpdate); err != nil {
		return nil, err
	}
	s.config.Logger.Printf("Restored note %s", id)
	return note, nil
}

// PurgeExpired permanently removes recycle-bin notes older than the
// retention window, along with their attachment refs and any remote blobs
// no other note still references. Returns the number of purged notes.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.config.Retention).UnixMilli()

	purged, orphaned, err := s.store.PurgeDeleted(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if s.attach != nil && len(orphaned) > 0 {
		if err := s.attach.DeleteRemote(ctx, orphaned); err != nil {
			// Blob cleanup is best effort; the notes are already gone.
			s.config.Logger.Printf("Warning: blob cleanup incomplete: %v", err)
		}
	}

	if purged > 0 {
		s.config.Logger.Printf("Purged %d expired notes", purged)
	}
	return purged, nil
}

// Attach stages attachment bytes for a note and links the reference.
// The upload proceeds in the background and never blocks this call.
func (s *Service) Attach(ctx context.Context, noteID string, data []byte) (*model.AttachmentRef, error) {
	if s.attach == nil {
		return nil, fmt.Errorf("attachments are not configured")
	}

	unlock := s.locks.Lock(noteID)
	defer unlock()

	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if note.Deleted {
		return nil, fmt.Errorf("note %s: %w", noteID, ErrNoteDeleted)
	}

	ref, err := s.attach.Stage(ctx, noteID, data)
	if err != nil {
		return nil, err
	}

	note.AttachmentRefs = append(note.AttachmentRefs, ref.ID)
	note.Touch()
	if _, err := s.store.PutNote(ctx, note, model.OpUpdate); err != nil {
		return nil, err
	}
	return ref, nil
}

// DetachAttachment unlinks an attachment from its note and removes the
// local reference.
func (s *Service) DetachAttachment(ctx context.Context, noteID, attachmentID string) error {
	unlock := s.locks.Lock(noteID)
	defer unlock()

	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return err
	}

	kept := note.AttachmentRefs[:0]
	for _, id := range note.AttachmentRefs {
		if id != attachmentID {
			kept = append(kept, id)
		}
	}
	note.AttachmentRefs = kept
	note.Touch()

	if _, err := s.store.PutNote(ctx, note, model.OpUpdate); err != nil {
		return err
	}
	return s.store.DeleteAttachment(ctx, attachmentID)
}

// OpenAttachment returns the local path of an attachment's bytes,
// downloading them if they are not cached.
func (s *Service) OpenAttachment(ctx context.Context, attachmentID string) (string, error) {
	if s.attach == nil {
		return "", fmt.Errorf("attachments are not configured")
	}
	return s.attach.Download(ctx, attachmentID)
}

// GetNote returns a single note, tombstones included.
func (s *Service) GetNote(ctx context.Context, id string) (*model.Note, error) {
	return s.store.GetNote(ctx, id)
}

// ListNotes returns live notes, newest first. Hidden notes are excluded
// unless includeHidden is set.
func (s *Service) ListNotes(ctx context.Context, folderID string, includeHidden bool) ([]*model.Note, error) {
	return s.store.ListNotes(ctx, store.NotesFilter{
		OwnerID:       s.config.OwnerID,
		FolderID:      folderID,
		IncludeHidden: includeHidden,
	})
}

// RecycleBin returns the notes waiting in the recycle bin.
func (s *Service) RecycleBin(ctx context.Context) ([]*model.Note, error) {
	return s.store.ListNotes(ctx, store.NotesFilter{
		OwnerID:       s.config.OwnerID,
		DeletedOnly:   true,
		IncludeHidden: true,
	})
}

// ObserveNotes subscribes to live snapshots of the owner's notes. The
// returned channel receives a fresh snapshot after every local or remote
// change; call cancel to unsubscribe.
func (s *Service) ObserveNotes() (<-chan []*model.Note, func()) {
	return s.store.Hub().Subscribe(s.config.OwnerID)
}

// CreateFolder creates a named folder.
func (s *Service) CreateFolder(ctx context.Context, name string) (*model.Folder, error) {
	folder := &model.Folder{
		ID:        model.NewNoteID(),
		OwnerID:   s.config.OwnerID,
		Name:      name,
		CreatedAt: model.NowMillis(),
		UpdatedAt: model.NowMillis(),
	}
	if err := s.store.PutFolder(ctx, folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// RenameFolder changes a folder's name.
func (s *Service) RenameFolder(ctx context.Context, id, name string) (*model.Folder, error) {
	folder, err := s.store.GetFolder(ctx, id)
	if err != nil {
		return nil, err
	}
	folder.Name = name
	folder.UpdatedAt = model.NowMillis()
	if err := s.store.PutFolder(ctx, folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// DeleteFolder removes a folder. Notes inside it move to the root.
func (s *Service) DeleteFolder(ctx context.Context, id string) error {
	notes, err := s.store.ListNotes(ctx, store.NotesFilter{
		OwnerID:       s.config.OwnerID,
		FolderID:      id,
		IncludeHidden: true,
	})
	if err != nil {
		return err
	}
	for _, note := range notes {
		if _, err := s.MoveToFolder(ctx, note.ID, ""); err != nil {
			return err
		}
	}
	return s.store.DeleteFolder(ctx, id)
}

// ListFolders returns the owner's folders.
func (s *Service) ListFolders(ctx context.Context) ([]*model.Folder, error) {
	return s.store.ListFolders(ctx, s.config.OwnerID, false)
}

// TriggerSync requests an immediate sync cycle. No-op when the engine is
// not configured (offline profile).
func (s *Service) TriggerSync() {
	if s.engine != nil {
		s.engine.TriggerSync()
	}
}

// SyncStatus reports the engine's current state. Returns the zero Status
// when the engine is not configured.
func (s *Service) SyncStatus() engine.Status {
	if s.engine == nil {
		return engine.Status{State: engine.StateIdle}
	}
	return s.engine.Status()
}

// PendingChanges returns the number of local changes not yet acknowledged
// by the remote.
func (s *Service) PendingChanges(ctx context.Context) (int, error) {
	return s.store.PendingCount(ctx)
}
