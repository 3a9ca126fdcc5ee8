package attach

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Spool watches a drop directory for staged attachment files.
//
// Other processes (or the user) place files named <noteID>__<filename>
// into the spool directory; the watcher picks each one up, stages it
// through the Manager, and removes the spool file. This gives external
// tools a filesystem interface to attachment ingestion without linking
// against the store.
type Spool struct {
	manager *Manager
	watcher *fsnotify.Watcher
	dir     string
	logger  *log.Logger

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// settle is how long a file must be quiet before ingestion, so a
	// writer that is still appending does not get half a file staged.
	settle time.Duration

	pending map[string]time.Time
}

// NewSpool creates a spool watcher over dir. The directory is created if
// missing.
func NewSpool(manager *Manager, dir string, logger *log.Logger) (*Spool, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("spool dir cannot be empty")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Spool{
		manager: manager,
		watcher: watcher,
		dir:     dir,
		logger:  logger,
		done:    make(chan struct{}),
		settle:  500 * time.Millisecond,
		pending: make(map[string]time.Time),
	}, nil
}

// Start begins watching the spool directory. Files already present are
// ingested immediately.
func (sp *Spool) Start(ctx context.Context) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.running {
		return fmt.Errorf("spool already running")
	}

	if err := sp.watcher.Add(sp.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", sp.dir, err)
	}

	// Catch up on files dropped while we were not watching.
	entries, err := os.ReadDir(sp.dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sp.pending[filepath.Join(sp.dir, entry.Name())] = now
	}

	sp.running = true
	sp.wg.Add(1)
	go sp.processEvents(ctx)

	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (sp *Spool) Stop() error {
	sp.mu.Lock()
	if !sp.running {
		sp.mu.Unlock()
		return nil
	}
	sp.running = false
	sp.mu.Unlock()

	close(sp.done)
	if err := sp.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	sp.wg.Wait()
	return nil
}

func (sp *Spool) processEvents(ctx context.Context) {
	defer sp.wg.Done()

	ticker := time.NewTicker(sp.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-sp.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-sp.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				sp.mu.Lock()
				sp.pending[event.Name] = time.Now()
				sp.mu.Unlock()
			}

		case err, ok := <-sp.watcher.Errors:
			if !ok {
				return
			}
			sp.logger.Printf("Warning: watcher error: %v", err)

		case <-ticker.C:
			sp.ingestSettled(ctx)
		}
	}
}

// ingestSettled stages every pending file whose last event is older than
// the settle window.
func (sp *Spool) ingestSettled(ctx context.Context) {
	cutoff := time.Now().Add(-sp.settle)

	sp.mu.Lock()
	var ready []string
	for path, last := range sp.pending {
		if last.Before(cutoff) {
			ready = append(ready, path)
			delete(sp.pending, path)
		}
	}
	sp.mu.Unlock()

	for _, path := range ready {
		if err := sp.ingest(ctx, path); err != nil {
			sp.logger.Printf("Warning: failed to ingest %s: %v", filepath.Base(path), err)
		}
	}
}

// ingest stages one spool file and removes it on success.
func (sp *Spool) ingest(ctx context.Context, path string) error {
	noteID, ok := parseSpoolName(filepath.Base(path))
	if !ok {
		// Not a spool-formatted name; leave it alone.
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read spool file: %w", err)
	}

	ref, err := sp.manager.Stage(ctx, noteID, data)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		sp.logger.Printf("Warning: failed to remove spool file %s: %v", path, err)
	}

	sp.logger.Printf("Ingested %s for note %s (attachment %s)", filepath.Base(path), noteID, ref.ID)
	return nil
}

// parseSpoolName extracts the note ID from a "<noteID>__<filename>" spool
// file name.
func parseSpoolName(name string) (string, bool) {
	if strings.HasSuffix(name, ".tmp") {
		return "", false
	}
	noteID, _, ok := strings.Cut(name, "__")
	if !ok || noteID == "" {
		return "", false
	}
	return noteID, true
}
