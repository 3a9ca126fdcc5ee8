// Package attach manages binary attachments for notes.
//
// Attachments are content-addressed: bytes are hashed with SHA-256 before
// upload, an existing remote blob with the same hash skips the transfer
// entirely, and downloads are cached on disk keyed by hash. Transfers run
// on a bounded worker pool with per-attachment retry, so one stuck
// attachment never blocks note-text synchronization.
package attach

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notevault/notesync/internal/engine"
	"github.com/notevault/notesync/internal/model"
	"github.com/notevault/notesync/internal/remote"
	"github.com/notevault/notesync/internal/store"
)

// HashBytes returns the SHA-256 hex digest identifying attachment content.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Config holds attachment manager configuration.
type Config struct {
	// CacheDir is where attachment bytes are cached, one file per
	// content hash.
	CacheDir string

	// Workers bounds concurrent transfers (default: 3).
	Workers int

	// Backoff is the per-attachment retry policy; defaults match the
	// sync engine.
	Backoff engine.BackoffConfig

	// Logger for transfer activity (default: stderr).
	Logger *log.Logger
}

// Manager coordinates attachment uploads and downloads against the
// Remote Gateway, independent of note-text sync.
type Manager struct {
	store   *store.Store
	gateway remote.Gateway
	config  Config

	jobs    chan string // attachment IDs queued for upload
	pending sync.Map    // attachment ID -> struct{}, dedupes the queue

	wg sync.WaitGroup
}

// NewManager creates an attachment manager.
func NewManager(st *store.Store, gw remote.Gateway, config Config) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if config.CacheDir == "" {
		return nil, fmt.Errorf("cache dir cannot be empty")
	}
	if config.Workers <= 0 {
		config.Workers = 3
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[attach] ", log.LstdFlags)
	}
	if err := os.MkdirAll(config.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	return &Manager{
		store:   st,
		gateway: gw,
		config:  config,
		jobs:    make(chan string, 256),
	}, nil
}

// cachePath returns the on-disk location for a content hash.
func (m *Manager) cachePath(contentHash string) string {
	return filepath.Join(m.config.CacheDir, contentHash)
}

// Stage stores attachment bytes locally and queues the upload.
//
// The bytes land in the cache immediately (so the UI can display the
// attachment offline) and the returned ref has its content hash set.
// RemoteBlobKey stays empty until a worker completes the upload.
func (m *Manager) Stage(ctx context.Context, noteID string, data []byte) (*model.AttachmentRef, error) {
	hash := HashBytes(data)
	path := m.cachePath(hash)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0600); err != nil {
			return nil, fmt.Errorf("failed to write attachment cache: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return nil, fmt.Errorf("failed to finalize attachment cache: %w", err)
		}
	}

	ref := &model.AttachmentRef{
		ID:             uuid.New().String(),
		NoteID:         noteID,
		ContentHash:    hash,
		LocalCachePath: path,
		CreatedAt:      model.NowMillis(),
	}
	if err := m.store.PutAttachment(ctx, ref); err != nil {
		return nil, err
	}

	m.EnqueueUpload(ref.ID)
	return ref, nil
}

// EnqueueUpload queues an attachment for upload. Duplicate requests for an
// attachment already in the queue are absorbed.
func (m *Manager) EnqueueUpload(attachmentID string) {
	if _, loaded := m.pending.LoadOrStore(attachmentID, struct{}{}); loaded {
		return
	}
	select {
	case m.jobs <- attachmentID:
	default:
		m.pending.Delete(attachmentID)
		m.config.Logger.Printf("Warning: upload queue full, dropping %s (requeued on next scan)", attachmentID)
	}
}

// QueueDepth returns the number of uploads waiting for a worker.
func (m *Manager) QueueDepth() int {
	return len(m.jobs)
}

// Run starts the worker pool and blocks until ctx is cancelled.
//
// On startup every attachment with cached bytes but no remote key is
// requeued, so uploads interrupted by a crash resume.
func (m *Manager) Run(ctx context.Context) error {
	refs, err := m.store.PendingUploads(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan pending uploads: %w", err)
	}
	for _, ref := range refs {
		m.EnqueueUpload(ref.ID)
	}
	if len(refs) > 0 {
		m.config.Logger.Printf("Requeued %d interrupted uploads", len(refs))
	}

	for i := 0; i < m.config.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}

	<-ctx.Done()
	m.wg.Wait()
	return ctx.Err()
}

// worker uploads queued attachments, retrying transient failures with
// backoff. Failures are scoped to the single attachment.
func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.jobs:
			m.pending.Delete(id)
			m.uploadWithRetry(ctx, id)
		}
	}
}

func (m *Manager) uploadWithRetry(ctx context.Context, attachmentID string) {
	backoff := engine.NewBackoff(m.config.Backoff)

	for {
		err := m.Upload(ctx, attachmentID)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !remote.IsRetryable(err) {
			m.config.Logger.Printf("Upload %s failed permanently: %v", attachmentID, err)
			return
		}

		delay := backoff.Next()
		m.config.Logger.Printf("Upload %s failed (retrying in %s): %v",
			attachmentID, delay.Round(time.Millisecond), err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Upload transfers one attachment to the remote blob store.
//
// If a blob with the same content hash already exists remotely the
// transfer is skipped and only the key is recorded (dedup).
func (m *Manager) Upload(ctx context.Context, attachmentID string) error {
	ref, err := m.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	if ref.Uploaded() {
		return nil
	}
	if ref.LocalCachePath == "" {
		return fmt.Errorf("attachment %s has no local bytes to upload", ref.ID)
	}

	data, err := os.ReadFile(ref.LocalCachePath)
	if err != nil {
		return fmt.Errorf("failed to read cached attachment: %w", err)
	}

	hash := ref.ContentHash
	if hash == "" {
		hash = HashBytes(data)
		ref.ContentHash = hash
	}

	exists, err := m.gateway.BlobExists(ctx, hash)
	if err != nil {
		return err
	}

	var key string
	if exists {
		// Identical bytes are already stored; reuse the key another
		// local ref recorded for this hash.
		key, err = m.store.BlobKeyByHash(ctx, hash)
		if err != nil {
			return err
		}
	}
	if key == "" {
		// New blob, or one uploaded by another device whose key no local
		// ref knows. The gateway dedups by content hash and returns the
		// canonical key either way.
		key, err = m.gateway.UploadBlob(ctx, hash, data)
		if err != nil {
			return err
		}
	}

	ref.RemoteBlobKey = key
	if err := m.store.PutAttachment(ctx, ref); err != nil {
		return err
	}

	m.config.Logger.Printf("Uploaded attachment %s (hash=%.12s dedup=%t)", ref.ID, hash, exists)
	return nil
}

// Download materializes an attachment's bytes on disk and returns the
// local cache path. A second request for the same content hash is served
// from cache without a network round-trip.
func (m *Manager) Download(ctx context.Context, attachmentID string) (string, error) {
	ref, err := m.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return "", err
	}

	// Cache hit by recorded path or by content hash.
	if ref.LocalCachePath != "" {
		if _, err := os.Stat(ref.LocalCachePath); err == nil {
			return ref.LocalCachePath, nil
		}
	}
	if ref.ContentHash != "" {
		path := m.cachePath(ref.ContentHash)
		if _, err := os.Stat(path); err == nil {
			ref.LocalCachePath = path
			if err := m.store.PutAttachment(ctx, ref); err != nil {
				return "", err
			}
			return path, nil
		}
	}

	if !ref.Uploaded() {
		return "", fmt.Errorf("attachment %s has no remote blob to download", ref.ID)
	}

	data, err := m.gateway.DownloadBlob(ctx, ref.RemoteBlobKey)
	if err != nil {
		return "", err
	}

	hash := HashBytes(data)
	if ref.ContentHash != "" && hash != ref.ContentHash {
		return "", fmt.Errorf("attachment %s content hash mismatch (got %.12s want %.12s)",
			ref.ID, hash, ref.ContentHash)
	}

	path := m.cachePath(hash)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write attachment cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to finalize attachment cache: %w", err)
	}

	ref.ContentHash = hash
	ref.LocalCachePath = path
	if err := m.store.PutAttachment(ctx, ref); err != nil {
		return "", err
	}
	return path, nil
}

// DeleteRemote removes the remote blobs and cached bytes for purged
// attachment refs. A blob is only deleted when no other local ref shares
// its content hash.
func (m *Manager) DeleteRemote(ctx context.Context, refs []*model.AttachmentRef) error {
	var firstErr error
	for _, ref := range refs {
		if ref.ContentHash == "" {
			continue
		}
		count, err := m.store.RefCountByHash(ctx, ref.ContentHash)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if count > 0 {
			continue
		}

		if err := os.Remove(m.cachePath(ref.ContentHash)); err != nil && !os.IsNotExist(err) {
			m.config.Logger.Printf("Warning: failed to remove cached bytes for %.12s: %v", ref.ContentHash, err)
		}

		if !ref.Uploaded() {
			continue
		}
		if err := m.gateway.DeleteBlob(ctx, ref.RemoteBlobKey); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.config.Logger.Printf("Warning: failed to delete blob %s: %v", ref.RemoteBlobKey, err)
		}
	}
	return firstErr
}
