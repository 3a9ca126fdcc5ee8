package model

import "fmt"

// OpKind identifies the type of local mutation recorded in the Change Log.
type OpKind string

const (
	// OpCreate records a note created on this device.
	OpCreate OpKind = "create"
	// OpUpdate records an edit to an existing note.
	OpUpdate OpKind = "update"
	// OpDelete records a note moved to the recycle bin (tombstoned).
	OpDelete OpKind = "delete"
)

// Valid reports whether the op kind is one of the known values.
func (op OpKind) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ChangeLogEntry is one local mutation awaiting synchronization.
//
// Entries are appended in the same transaction as the note write, so the
// Change Log never disagrees with the Local Store. Seq is assigned by the
// store and is monotonic per device.
type ChangeLogEntry struct {
	Seq       int64  `json:"seq"`
	NoteID    string `json:"note_id"`
	Op        OpKind `json:"op"`
	Payload   *Note  `json:"payload"`
	CreatedAt int64  `json:"created_at"`
}

// Validate checks if the entry has valid field values.
func (e *ChangeLogEntry) Validate() error {
	if e.NoteID == "" {
		return fmt.Errorf("note_id is required")
	}
	if !e.Op.Valid() {
		return fmt.Errorf("invalid op kind %q", e.Op)
	}
	if e.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	return nil
}

// CoalesceEntries collapses a drained batch so only the last entry per
// note survives. A Delete supersedes every entry before it for the same
// note, and a later entry supersedes the Delete in turn: a note deleted
// and then restored within one unflushed batch transmits the restore,
// not the tombstone. The input must be in seq order; the output
// preserves the relative order of the surviving entries.
func CoalesceEntries(entries []ChangeLogEntry) []ChangeLogEntry {
	if len(entries) <= 1 {
		return entries
	}

	// Index of the surviving (last) entry per note.
	winner := make(map[string]int, len(entries))
	for i, e := range entries {
		winner[e.NoteID] = i
	}

	out := make([]ChangeLogEntry, 0, len(winner))
	for i, e := range entries {
		if winner[e.NoteID] == i {
			out = append(out, e)
		}
	}
	return out
}
