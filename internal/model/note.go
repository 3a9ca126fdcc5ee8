// Package model provides the data structures for NoteVault's offline
// synchronization engine.
//
// Notes are CRDT-friendly: flat fields with last-write-wins semantics.
// UpdatedAt is a logical version (unix milliseconds) that strictly increases
// on every mutation of the same note, which lets any two devices resolve
// concurrent edits deterministically.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Note represents a single note record in the Local Store.
//
// A deleted note is retained as a tombstone (Deleted=true) so the deletion
// propagates to other devices before the record is physically purged.
type Note struct {
	// ===== Core identification =====
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	FolderID string `json:"folder_id,omitempty"`

	// ===== Content =====
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Color string `json:"color,omitempty"`

	// ===== Versioning (conflict resolution) =====
	// CreatedAt and UpdatedAt are unix milliseconds. UpdatedAt doubles as
	// the logical version: every mutation sets it to max(now, prev+1).
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`

	// ===== Recycle bin (soft delete) =====
	Deleted   bool  `json:"deleted,omitempty"`
	DeletedAt int64 `json:"deleted_at,omitempty"`

	// ===== Visibility & locking =====
	Hidden bool `json:"hidden,omitempty"`
	Locked bool `json:"locked,omitempty"`
	// PasswordHash is the SHA-256 hex digest of the lock password.
	// The plain password is never stored.
	PasswordHash string `json:"password_hash,omitempty"`

	// ===== Attachments =====
	// AttachmentRefs is the ordered list of attachment IDs owned by this note.
	AttachmentRefs []string `json:"attachment_refs,omitempty"`

	// RemoteVersion is the last remote version this device has seen for the
	// note. Zero means the note has never been pushed.
	RemoteVersion int64 `json:"remote_version,omitempty"`
}

// NewNoteID returns a fresh client-generated note identifier.
func NewNoteID() string {
	return uuid.New().String()
}

// NowMillis returns the current wall clock as unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Validate checks if the Note has valid field values.
func (n *Note) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("id is required")
	}
	if n.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if len(n.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(n.Title))
	}
	if n.CreatedAt == 0 {
		return fmt.Errorf("created_at is required")
	}
	if n.UpdatedAt == 0 {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (n *Note) SetDefaults() {
	now := NowMillis()
	if n.ID == "" {
		n.ID = NewNoteID()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = now
	}
	if n.UpdatedAt == 0 {
		n.UpdatedAt = now
	}
	if n.AttachmentRefs == nil {
		n.AttachmentRefs = []string{}
	}
}

// Touch advances UpdatedAt. The new value is strictly greater than the
// previous one even if the wall clock has not moved.
func (n *Note) Touch() {
	now := NowMillis()
	if now <= n.UpdatedAt {
		now = n.UpdatedAt + 1
	}
	n.UpdatedAt = now
}

// MarkDeleted turns the note into a tombstone. The id and version survive
// so the deletion can propagate to other devices.
func (n *Note) MarkDeleted() {
	n.Deleted = true
	n.DeletedAt = NowMillis()
	n.Touch()
}

// Clone returns a deep copy of the note.
func (n *Note) Clone() *Note {
	c := *n
	if n.AttachmentRefs != nil {
		c.AttachmentRefs = append([]string(nil), n.AttachmentRefs...)
	}
	return &c
}

// Folder groups notes. Folders share the recycle bin, hide, and lock
// behavior of notes but are not versioned for sync conflict resolution;
// the owning note changes carry the folder assignment.
type Folder struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`

	Deleted      bool   `json:"deleted,omitempty"`
	DeletedAt    int64  `json:"deleted_at,omitempty"`
	Hidden       bool   `json:"hidden,omitempty"`
	Locked       bool   `json:"locked,omitempty"`
	PasswordHash string `json:"password_hash,omitempty"`
}

// Validate checks if the Folder has valid field values.
func (f *Folder) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	if f.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if f.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// AttachmentRef maps a note to a binary attachment.
//
// Attachments are content-addressed: ContentHash is the SHA-256 hex digest
// of the bytes. RemoteBlobKey stays empty until an upload completes and
// LocalCachePath stays empty until a download completes.
type AttachmentRef struct {
	ID             string `json:"id"`
	NoteID         string `json:"note_id"`
	ContentHash    string `json:"content_hash"`
	RemoteBlobKey  string `json:"remote_blob_key,omitempty"`
	LocalCachePath string `json:"local_cache_path,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// Validate checks if the AttachmentRef has valid field values.
func (a *AttachmentRef) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.NoteID == "" {
		return fmt.Errorf("note_id is required")
	}
	return nil
}

// Uploaded reports whether the attachment bytes are durably stored remotely.
func (a *AttachmentRef) Uploaded() bool {
	return a.RemoteBlobKey != ""
}
