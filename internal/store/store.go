// Package store provides the durable on-device Local Store for NoteVault.
//
// The store is an embedded SQLite database (WAL mode for concurrent reads)
// holding note records, the append-only Change Log of unsynchronized local
// mutations, the per-account sync cursor, folders, and attachment references.
//
// Every note mutation and its Change Log entry are written in one
// transaction, so the UI always reads state the Sync Engine can reproduce.
// None of the operations here block on network I/O.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrStorageFault indicates a failure of the local storage medium. It is
// non-retryable: callers surface it to the UI layer instead of retrying.
//
// Check with errors.Is:
//
//	if errors.Is(err, store.ErrStorageFault) { ... }
var ErrStorageFault = errors.New("local storage fault")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// storageFault wraps a driver error so both ErrStorageFault and the
// underlying cause survive errors.Is/As checks.
func storageFault(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStorageFault, err))
}

// Store wraps the SQLite connection with NoteVault-specific functionality.
type Store struct {
	conn   *sql.DB
	path   string
	hub    *Hub
	logger *log.Logger
}

// Open creates a new store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; call InitSchema before use.
// The caller MUST call Close() when done.
//
// If logger is nil, a default logger writing to stderr is used.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storageFault("failed to create database directory", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, storageFault("failed to open database", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, storageFault("failed to ping database", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		hub:    NewHub(),
		logger: logger,
	}

	// WAL keeps UI reads from blocking behind sync writes.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, storageFault("failed to enable WAL mode", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, storageFault("failed to set busy timeout", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, storageFault("failed to enable foreign keys", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Hub returns the notification hub publishing live note snapshots.
func (s *Store) Hub() *Hub {
	return s.hub
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	s.hub.CloseAll()

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return storageFault("failed to close database", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		folder_id TEXT,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		color TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at INTEGER,
		hidden INTEGER NOT NULL DEFAULT 0,
		locked INTEGER NOT NULL DEFAULT 0,
		password_hash TEXT,
		attachment_refs TEXT,  -- JSON array of attachment IDs
		remote_version INTEGER NOT NULL DEFAULT 0
	);

	-- Append-only log of local mutations awaiting sync.
	CREATE TABLE IF NOT EXISTS changelog (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		note_id TEXT NOT NULL,
		op TEXT NOT NULL,  -- create, update, delete
		payload TEXT NOT NULL,  -- JSON note snapshot
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_cursor (
		owner_id TEXT PRIMARY KEY,
		last_remote_version INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		note_id TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		remote_blob_key TEXT NOT NULL DEFAULT '',
		local_cache_path TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS folders (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		color TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at INTEGER,
		hidden INTEGER NOT NULL DEFAULT 0,
		locked INTEGER NOT NULL DEFAULT 0,
		password_hash TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_notes_owner ON notes(owner_id);
	CREATE INDEX IF NOT EXISTS idx_notes_owner_deleted ON notes(owner_id, deleted);
	CREATE INDEX IF NOT EXISTS idx_notes_folder ON notes(folder_id);
	CREATE INDEX IF NOT EXISTS idx_changelog_note ON changelog(note_id);
	CREATE INDEX IF NOT EXISTS idx_attachments_note ON attachments(note_id);
	CREATE INDEX IF NOT EXISTS idx_attachments_hash ON attachments(content_hash);
	CREATE INDEX IF NOT EXISTS idx_folders_owner ON folders(owner_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return storageFault("failed to initialize schema", err)
	}
	return nil
}
