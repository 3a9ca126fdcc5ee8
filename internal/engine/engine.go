// Package engine implements the NoteVault sync engine.
//
// The engine drains the Change Log against the Remote Gateway, pulls remote
// changes back into the Local Store, and resolves conflicts with a
// deterministic last-writer-wins policy (tombstones always win). Each sync
// cycle walks Idle → Pushing → Pulling → Reconciling → Idle; any failure
// moves to Error(kind) and, for transient kinds, retries with exponential
// backoff until cancelled.
//
// A committed local edit is never lost: push conflicts are pulled,
// reconciled, and re-pushed with a rebased payload.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/notevault/notesync/internal/remote"
	"github.com/notevault/notesync/internal/store"
)

// State identifies where the engine is in its sync cycle.
type State string

const (
	// StateIdle means no sync cycle is in progress.
	StateIdle State = "idle"
	// StatePushing means local changes are being transmitted.
	StatePushing State = "pushing"
	// StatePulling means remote changes are being fetched.
	StatePulling State = "pulling"
	// StateReconciling means conflicting local and remote changes are
	// being merged.
	StateReconciling State = "reconciling"
	// StateError means the last cycle failed; Status carries the kind.
	StateError State = "error"
)

// ErrorKind classifies a failed sync cycle.
type ErrorKind string

const (
	// ErrorNone means the engine is healthy.
	ErrorNone ErrorKind = ""
	// ErrorTransient means the engine is retrying with backoff.
	ErrorTransient ErrorKind = "transient"
	// ErrorFatal means sync is stopped until the user triggers it again
	// (re-login, freed quota, repaired storage).
	ErrorFatal ErrorKind = "fatal"
)

// Status is an observable snapshot of the engine.
type Status struct {
	State      State     `json:"state"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	LastSyncAt time.Time `json:"last_sync_at,omitempty"`
	// Attempt counts consecutive failed cycles since the last success.
	Attempt int `json:"attempt,omitempty"`
}

// CycleStats summarizes one completed sync cycle.
type CycleStats struct {
	Pushed     int           `json:"pushed"`
	Pulled     int           `json:"pulled"`
	Reconciled int           `json:"reconciled"`
	Duration   time.Duration `json:"duration"`
}

// Config holds engine configuration.
type Config struct {
	// OwnerID is the account whose notes are synchronized.
	OwnerID string

	// BatchSize bounds how many Change Log entries one push drains
	// (default: 50).
	BatchSize int

	// Interval is the pause between automatic sync cycles (default: 30s).
	Interval time.Duration

	// Backoff is the transient-failure retry policy.
	Backoff BackoffConfig

	// OnStatus, if set, is invoked on every state transition.
	OnStatus func(Status)

	// OnCycleComplete, if set, is invoked after each successful cycle.
	OnCycleComplete func(CycleStats)

	// Logger for engine activity (default: stderr).
	Logger *log.Logger
}

// Engine reconciles the Local Store and Change Log against the remote store.
type Engine struct {
	store   *store.Store
	gateway remote.Gateway
	locks   *KeyedMutex
	config  Config

	mu     sync.Mutex
	status Status
	fatal  bool

	trigger chan struct{}
}

// New creates a sync engine.
//
// The store must be open with its schema initialized. The locks instance is
// shared with the service layer so UI mutations and reconciliation
// serialize per note.
func New(st *store.Store, gw remote.Gateway, locks *KeyedMutex, config Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if config.OwnerID == "" {
		return nil, fmt.Errorf("owner ID cannot be empty")
	}
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	return &Engine{
		store:   st,
		gateway: gw,
		locks:   locks,
		config:  config,
		status:  Status{State: StateIdle},
		trigger: make(chan struct{}, 1),
	}, nil
}

// Locks returns the per-note mutex shared with the service layer.
func (e *Engine) Locks() *KeyedMutex {
	return e.locks
}

// Status returns the current engine state snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// TriggerSync requests a sync cycle. Non-blocking; a cycle already queued
// absorbs the request. A trigger also clears a fatal error so the user can
// explicitly retry after re-login or freed quota.
func (e *Engine) TriggerSync() {
	e.mu.Lock()
	e.fatal = false
	e.mu.Unlock()

	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run drives periodic sync until ctx is cancelled.
//
// Transient failures retry indefinitely with exponential backoff. Fatal
// failures stop automatic syncing until TriggerSync is called. Cancellation
// mid-cycle leaves the store consistent: a pushed batch is either fully
// acknowledged or fully pending.
func (e *Engine) Run(ctx context.Context) error {
	e.config.Logger.Printf("Sync engine started (owner=%s interval=%s)", e.config.OwnerID, e.config.Interval)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	// Initial cycle on startup.
	e.syncWithRetry(ctx)

	for {
		select {
		case <-ctx.Done():
			e.setStatus(Status{State: StateIdle})
			e.config.Logger.Println("Sync engine stopped")
			return ctx.Err()

		case <-ticker.C:
			e.mu.Lock()
			fatal := e.fatal
			e.mu.Unlock()
			if fatal {
				continue
			}
			e.syncWithRetry(ctx)

		case <-e.trigger:
			e.syncWithRetry(ctx)
		}
	}
}

// syncWithRetry runs cycles until one succeeds, a fatal error occurs, or
// ctx is cancelled.
func (e *Engine) syncWithRetry(ctx context.Context) {
	backoff := NewBackoff(e.config.Backoff)

	for {
		err := e.SyncCycle(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if remote.IsFatal(err) || errors.Is(err, store.ErrStorageFault) {
			e.mu.Lock()
			e.fatal = true
			e.mu.Unlock()
			e.setStatus(Status{
				State:     StateError,
				ErrorKind: ErrorFatal,
				LastError: err.Error(),
				Attempt:   backoff.Attempt(),
			})
			e.config.Logger.Printf("Sync failed (fatal, waiting for explicit retry): %v", err)
			return
		}

		delay := backoff.Next()
		e.setStatus(Status{
			State:     StateError,
			ErrorKind: ErrorTransient,
			LastError: err.Error(),
			Attempt:   backoff.Attempt(),
		})
		e.config.Logger.Printf("Sync failed (transient, retrying in %s): %v", delay.Round(time.Millisecond), err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// SyncCycle runs one full push/pull/reconcile cycle.
func (e *Engine) SyncCycle(ctx context.Context) error {
	start := time.Now()
	stats := CycleStats{}

	// Pushing
	e.setStatus(Status{State: StatePushing})
	pushed, conflicts, err := e.push(ctx)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	stats.Pushed = pushed

	// Pulling
	e.setStatus(Status{State: StatePulling})
	applied, deferred, newCursor, err := e.pull(ctx)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	stats.Pulled = applied + len(deferred)

	// Reconciling
	e.setStatus(Status{State: StateReconciling})
	if err := e.reconcile(ctx, deferred); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	stats.Reconciled = len(deferred)

	// The cursor advances only after every pulled change landed, either
	// applied directly or through reconciliation.
	if newCursor > 0 {
		if err := e.store.AdvanceCursor(ctx, e.config.OwnerID, newCursor); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}

	// Push conflicts were reconciled against the pulled state above;
	// retransmit the surviving rebased payloads in the same cycle.
	if len(conflicts) > 0 {
		repushed, _, err := e.push(ctx)
		if err != nil {
			return fmt.Errorf("re-push after reconcile: %w", err)
		}
		stats.Pushed += repushed
	}

	stats.Duration = time.Since(start)
	e.setStatus(Status{State: StateIdle, LastSyncAt: time.Now()})
	if e.config.OnCycleComplete != nil {
		e.config.OnCycleComplete(stats)
	}
	return nil
}

// push drains one bounded Change Log batch to the remote store.
// Returns the number of accepted entries and the conflicting note IDs.
func (e *Engine) push(ctx context.Context) (int, []string, error) {
	batch, err := e.store.DrainBatch(ctx, e.config.BatchSize)
	if err != nil {
		return 0, nil, err
	}
	if len(batch) == 0 {
		return 0, nil, nil
	}

	result, err := e.gateway.PushChanges(ctx, e.config.OwnerID, batch)
	if err != nil {
		return 0, nil, err
	}

	// Record the remote versions before acknowledging, so an interrupted
	// cycle re-pushes (idempotent upsert remotely) instead of losing the
	// version mapping.
	for noteID, version := range result.AcceptedVersions {
		if err := e.store.SetRemoteVersion(ctx, noteID, version); err != nil {
			return 0, nil, err
		}
	}

	// Acknowledge is a single transaction: the batch is removed fully or
	// not at all, never partially.
	if err := e.store.Acknowledge(ctx, result.AcceptedSeqs); err != nil {
		return 0, nil, err
	}

	if len(result.Conflicts) > 0 {
		e.config.Logger.Printf("Push reported %d conflicting notes", len(result.Conflicts))
	}
	return len(result.AcceptedSeqs), result.Conflicts, nil
}

// pull fetches remote changes past the cursor. Changes without a pending
// local edit are applied directly; the rest are returned for reconciling.
func (e *Engine) pull(ctx context.Context) (int, []remote.Change, int64, error) {
	cursor, err := e.store.Cursor(ctx, e.config.OwnerID)
	if err != nil {
		return 0, nil, 0, err
	}

	result, err := e.gateway.PullChanges(ctx, e.config.OwnerID, cursor)
	if err != nil {
		return 0, nil, 0, err
	}

	applied := 0
	var deferred []remote.Change
	for _, change := range result.Changes {
		// The pending check and the apply happen under the same per-note
		// lock, so a UI edit committing in between cannot have its note
		// row overwritten: it either lands before the check and routes
		// the change through reconciliation, or after the apply.
		unlock := e.locks.Lock(change.NoteID)
		pending, err := e.store.HasPending(ctx, change.NoteID)
		if err != nil {
			unlock()
			return 0, nil, 0, err
		}
		if pending {
			unlock()
			deferred = append(deferred, change)
			continue
		}

		err = e.store.ApplyRemote(ctx, change.Payload, change.RemoteVersion)
		unlock()
		if err != nil {
			return 0, nil, 0, err
		}
		applied++
	}

	return applied, deferred, result.NewCursor, nil
}

// reconcile merges remote changes that collided with pending local edits.
//
// If the remote version wins the pending local entries are discarded and
// the remote state applied; if the local version wins its payload is
// rebased onto the new remote version so the next push passes the server's
// version check. Either way the committed local edit survives until a
// deterministic policy decision replaces it.
func (e *Engine) reconcile(ctx context.Context, changes []remote.Change) error {
	for _, change := range changes {
		if err := e.reconcileOne(ctx, change); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reconcileOne(ctx context.Context, change remote.Change) error {
	unlock := e.locks.Lock(change.NoteID)
	defer unlock()

	local, err := e.store.GetNote(ctx, change.NoteID)
	if errors.Is(err, store.ErrNotFound) {
		// Pending create raced a remote create of the same ID; the local
		// row must exist for a pending entry, so treat as direct apply.
		return e.store.ApplyRemote(ctx, change.Payload, change.RemoteVersion)
	}
	if err != nil {
		return err
	}

	// A pulled change no newer than the version this device already
	// recorded is its own acknowledged push echoed back by the pull;
	// the pending local edit builds on top of it and must survive.
	if change.RemoteVersion <= local.RemoteVersion {
		return nil
	}

	if LocalWins(local, change.Payload) {
		// Rebase: record the remote version the server now holds so the
		// retransmitted payload passes its conflict check.
		rebased := local.Clone()
		rebased.RemoteVersion = change.RemoteVersion
		if err := e.store.SetRemoteVersion(ctx, change.NoteID, change.RemoteVersion); err != nil {
			return err
		}
		if err := e.store.RebasePending(ctx, change.NoteID, rebased); err != nil {
			return err
		}
		e.config.Logger.Printf("Reconciled %s: local edit wins, rebased onto remote v%d",
			change.NoteID, change.RemoteVersion)
		return nil
	}

	// Remote wins: drop the pending local entries and take the remote
	// payload. Tombstones propagate here regardless of timestamps.
	if err := e.store.DiscardPending(ctx, change.NoteID); err != nil {
		return err
	}
	if err := e.store.ApplyRemote(ctx, change.Payload, change.RemoteVersion); err != nil {
		return err
	}
	e.config.Logger.Printf("Reconciled %s: remote v%d wins", change.NoteID, change.RemoteVersion)
	return nil
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	if s.LastSyncAt.IsZero() {
		s.LastSyncAt = e.status.LastSyncAt
	}
	e.status = s
	e.mu.Unlock()

	if e.config.OnStatus != nil {
		e.config.OnStatus(s)
	}
}
