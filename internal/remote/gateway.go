// Package remote defines the Remote Gateway capability consumed by the
// sync engine and attachment manager.
//
// The core never assumes a gateway call succeeds: every operation fails
// with one of the sentinel error kinds below, and callers decide between
// retry (transient), reconciliation (version conflict), and surfacing
// (unauthenticated, quota).
package remote

import (
	"context"
	"errors"

	"github.com/notevault/notesync/internal/model"
)

// Sentinel error kinds for gateway failures.
//
// Check with errors.Is:
//
//	if errors.Is(err, remote.ErrTransient) {
//	    // retry with backoff
//	}
var (
	// ErrUnauthenticated is returned when the session is invalid or
	// expired. Fatal until the user logs in again.
	ErrUnauthenticated = errors.New("remote: unauthenticated")

	// ErrTransient is returned for network or server hiccups. Safe to
	// retry with backoff.
	ErrTransient = errors.New("remote: transient failure")

	// ErrQuotaExceeded is returned when the account is out of storage.
	// Fatal; surfaced to the user with an actionable message.
	ErrQuotaExceeded = errors.New("remote: quota exceeded")

	// ErrVersionConflict is returned when the remote version of a note
	// advanced past what this client last saw. Expected during concurrent
	// edits; resolved by the sync engine, never surfaced as an error.
	ErrVersionConflict = errors.New("remote: version conflict")

	// ErrBlobNotFound is returned when a requested blob key does not
	// exist remotely.
	ErrBlobNotFound = errors.New("remote: blob not found")
)

// IsRetryable reports whether the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsFatal reports whether the error requires user action before any
// further sync attempt can succeed.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrQuotaExceeded)
}

// PushResult reports the outcome of a push batch.
type PushResult struct {
	// AcceptedSeqs lists the sequence numbers the remote durably accepted.
	AcceptedSeqs []int64 `json:"accepted_seqs"`
	// AcceptedVersions maps note ID to the remote version assigned to the
	// accepted change.
	AcceptedVersions map[string]int64 `json:"accepted_versions,omitempty"`
	// Conflicts lists note IDs whose remote version advanced past the
	// base version in the pushed payload. These entries were NOT applied.
	Conflicts []string `json:"conflicts,omitempty"`
}

// Change is one remote mutation returned by a pull.
type Change struct {
	NoteID        string      `json:"note_id"`
	Payload       *model.Note `json:"payload"`
	RemoteVersion int64       `json:"remote_version"`
}

// PullResult carries remote changes newer than the requested cursor.
type PullResult struct {
	Changes   []Change `json:"changes"`
	NewCursor int64    `json:"new_cursor"`
}

// Gateway is the abstract interface to the remote document and blob store.
//
// Implementations must be safe for concurrent use: the sync engine and the
// attachment workers call into the gateway from separate goroutines.
type Gateway interface {
	// PushChanges transmits an ordered batch of Change Log entries.
	// Entries for the same note are applied in order. Conflicting entries
	// are reported in the result, not applied, and do not fail the call.
	PushChanges(ctx context.Context, ownerID string, entries []model.ChangeLogEntry) (*PushResult, error)

	// PullChanges returns all remote changes with version greater than
	// sinceVersion, oldest first, plus the new cursor position.
	PullChanges(ctx context.Context, ownerID string, sinceVersion int64) (*PullResult, error)

	// BlobExists reports whether a blob with the given content hash is
	// already stored remotely. Used for upload deduplication.
	BlobExists(ctx context.Context, contentHash string) (bool, error)

	// UploadBlob stores attachment bytes under their content hash and
	// returns the remote blob key.
	UploadBlob(ctx context.Context, contentHash string, data []byte) (string, error)

	// DownloadBlob fetches attachment bytes by remote blob key.
	DownloadBlob(ctx context.Context, remoteBlobKey string) ([]byte, error)

	// DeleteBlob removes a blob. Idempotent: deleting a missing key is
	// not an error.
	DeleteBlob(ctx context.Context, remoteBlobKey string) error
}
