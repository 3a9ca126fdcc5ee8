package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/notevault/notesync/internal/model"
)

// MemoryGateway is an in-memory Gateway implementation.
//
// It models the remote store faithfully enough for tests and offline
// development: a per-owner monotonic version counter, per-note version
// checks producing conflicts, and a content-addressed blob map.
// Failures can be injected with FailNext.
type MemoryGateway struct {
	mu sync.Mutex

	owners map[string]*ownerState
	blobs  map[string][]byte // blob key -> bytes
	hashes map[string]string // content hash -> blob key

	nextErr error
	errLeft int
}

type ownerState struct {
	version int64
	notes   map[string]*remoteNote
}

type remoteNote struct {
	payload *model.Note
	version int64
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		owners: make(map[string]*ownerState),
		blobs:  make(map[string][]byte),
		hashes: make(map[string]string),
	}
}

// FailNext makes the next n gateway calls fail with err.
func (g *MemoryGateway) FailNext(err error, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextErr = err
	g.errLeft = n
}

func (g *MemoryGateway) injectedError() error {
	if g.errLeft > 0 {
		g.errLeft--
		err := g.nextErr
		if g.errLeft == 0 {
			g.nextErr = nil
		}
		return err
	}
	return nil
}

func (g *MemoryGateway) owner(ownerID string) *ownerState {
	st, ok := g.owners[ownerID]
	if !ok {
		st = &ownerState{notes: make(map[string]*remoteNote)}
		g.owners[ownerID] = st
	}
	return st
}

// PushChanges implements Gateway.
func (g *MemoryGateway) PushChanges(ctx context.Context, ownerID string, entries []model.ChangeLogEntry) (*PushResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.injectedError(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	st := g.owner(ownerID)
	result := &PushResult{AcceptedVersions: make(map[string]int64)}

	for _, e := range entries {
		existing := st.notes[e.NoteID]

		// A push conflicts when the remote version advanced past what
		// the client last saw for this note.
		if existing != nil && existing.version > e.Payload.RemoteVersion {
			result.Conflicts = append(result.Conflicts, e.NoteID)
			continue
		}

		st.version++
		st.notes[e.NoteID] = &remoteNote{
			payload: e.Payload.Clone(),
			version: st.version,
		}
		result.AcceptedSeqs = append(result.AcceptedSeqs, e.Seq)
		result.AcceptedVersions[e.NoteID] = st.version
	}

	return result, nil
}

// PullChanges implements Gateway.
func (g *MemoryGateway) PullChanges(ctx context.Context, ownerID string, sinceVersion int64) (*PullResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.injectedError(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	st := g.owner(ownerID)
	result := &PullResult{NewCursor: st.version}

	for id, rn := range st.notes {
		if rn.version > sinceVersion {
			result.Changes = append(result.Changes, Change{
				NoteID:        id,
				Payload:       rn.payload.Clone(),
				RemoteVersion: rn.version,
			})
		}
	}
	sort.Slice(result.Changes, func(i, j int) bool {
		return result.Changes[i].RemoteVersion < result.Changes[j].RemoteVersion
	})

	return result, nil
}

// BlobExists implements Gateway.
func (g *MemoryGateway) BlobExists(ctx context.Context, contentHash string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.injectedError(); err != nil {
		return false, err
	}
	_, ok := g.hashes[contentHash]
	return ok, nil
}

// UploadBlob implements Gateway.
func (g *MemoryGateway) UploadBlob(ctx context.Context, contentHash string, data []byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.injectedError(); err != nil {
		return "", err
	}

	if key, ok := g.hashes[contentHash]; ok {
		return key, nil
	}
	key := "blob-" + contentHash
	g.blobs[key] = append([]byte(nil), data...)
	g.hashes[contentHash] = key
	return key, nil
}

// DownloadBlob implements Gateway.
func (g *MemoryGateway) DownloadBlob(ctx context.Context, remoteBlobKey string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.injectedError(); err != nil {
		return nil, err
	}

	data, ok := g.blobs[remoteBlobKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, remoteBlobKey)
	}
	return append([]byte(nil), data...), nil
}

// DeleteBlob implements Gateway.
func (g *MemoryGateway) DeleteBlob(ctx context.Context, remoteBlobKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.injectedError(); err != nil {
		return err
	}

	for hash, key := range g.hashes {
		if key == remoteBlobKey {
			delete(g.hashes, hash)
		}
	}
	delete(g.blobs, remoteBlobKey)
	return nil
}

// NoteVersion returns the current remote version of a note, or zero if the
// remote has never seen it. Test helper.
func (g *MemoryGateway) NoteVersion(ownerID, noteID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rn := g.owner(ownerID).notes[noteID]; rn != nil {
		return rn.version
	}
	return 0
}

// Note returns the remote payload of a note, or nil. Test helper.
func (g *MemoryGateway) Note(ownerID, noteID string) *model.Note {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rn := g.owner(ownerID).notes[noteID]; rn != nil {
		return rn.payload.Clone()
	}
	return nil
}

// BlobCount returns the number of stored blobs. Test helper.
func (g *MemoryGateway) BlobCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.blobs)
}
