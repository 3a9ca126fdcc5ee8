package engine

import (
	"strings"

	"github.com/notevault/notesync/internal/model"
)

// LocalWins decides a conflict between a local and a remote version of the
// same note. Returns true when the local version wins.
//
// Policy, in order:
//  1. A tombstone beats a concurrent edit regardless of timestamps, so a
//     deleted note stays deleted on every device.
//  2. Last-writer-wins on UpdatedAt (logical unix milliseconds).
//  3. Equal timestamps tie-break on content, compared deterministically,
//     so every device picks the same winner no matter which side it calls
//     "local".
//
// This is intentionally a whole-note policy, not a field-level merge.
func LocalWins(local, remote *model.Note) bool {
	if local.Deleted != remote.Deleted {
		return local.Deleted
	}
	if local.UpdatedAt != remote.UpdatedAt {
		return local.UpdatedAt > remote.UpdatedAt
	}
	return compareContent(local, remote) > 0
}

// compareContent orders two versions of a note by field values. Symmetric:
// compareContent(a, b) == -compareContent(b, a).
func compareContent(a, b *model.Note) int {
	if c := strings.Compare(a.Title, b.Title); c != 0 {
		return c
	}
	if c := strings.Compare(a.Body, b.Body); c != 0 {
		return c
	}
	if c := strings.Compare(a.FolderID, b.FolderID); c != 0 {
		return c
	}
	return strings.Compare(a.Color, b.Color)
}
