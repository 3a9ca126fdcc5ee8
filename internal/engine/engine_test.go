package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/notevault/notesync/internal/model"
	"github.com/notevault/notesync/internal/remote"
	"github.com/notevault/notesync/internal/store"
)

// testDevice is one simulated device: a private store plus an engine
// syncing against a shared gateway.
type testDevice struct {
	store  *store.Store
	engine *Engine
}

func newTestDevice(t *testing.T, gw remote.Gateway, onStatus func(Status)) *testDevice {
	t.Helper()

	path := filepath.Join(t.TempDir(), "device.db")
	st, err := store.Open(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	eng, err := New(st, gw, nil, Config{
		OwnerID:  "alice",
		OnStatus: onStatus,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return &testDevice{store: st, engine: eng}
}

// createNote makes a local note on the device, like a UI edit would.
func (d *testDevice) createNote(t *testing.T, title, body string) *model.Note {
	t.Helper()
	note := &model.Note{OwnerID: "alice", Title: title, Body: body}
	note.SetDefaults()
	if _, err := d.store.PutNote(context.Background(), note, model.OpCreate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}
	return note
}

func (d *testDevice) editNote(t *testing.T, note *model.Note) {
	t.Helper()
	note.Touch()
	if _, err := d.store.PutNote(context.Background(), note, model.OpUpdate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}
}

// restoreNote clears a local tombstone, like an undo in the UI.
func (d *testDevice) restoreNote(t *testing.T, noteID string) *model.Note {
	t.Helper()
	ctx := context.Background()
	note, err := d.store.GetNote(ctx, noteID)
	if err != nil {
		t.Fatalf("GetNote() failed: %v", err)
	}
	note.Deleted = false
	note.DeletedAt = 0
	note.Touch()
	if _, err := d.store.PutNote(ctx, note, model.OpUpdate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}
	return note
}

func (d *testDevice) sync(t *testing.T) {
	t.Helper()
	if err := d.engine.SyncCycle(context.Background()); err != nil {
		t.Fatalf("SyncCycle() failed: %v", err)
	}
}

func TestSyncCycle_PushDrainsChangeLog(t *testing.T) {
	gw := remote.NewMemoryGateway()
	dev := newTestDevice(t, gw, nil)
	ctx := context.Background()

	note := dev.createNote(t, "shopping", "milk")
	dev.sync(t)

	if pending, _ := dev.store.PendingCount(ctx); pending != 0 {
		t.Errorf("pending after sync = %d, want 0", pending)
	}
	if v := gw.NoteVersion("alice", note.ID); v == 0 {
		t.Error("remote never received the note")
	}

	local, err := dev.store.GetNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNote() failed: %v", err)
	}
	if local.RemoteVersion != gw.NoteVersion("alice", note.ID) {
		t.Errorf("local remote_version = %d, remote has %d",
			local.RemoteVersion, gw.NoteVersion("alice", note.ID))
	}
}

func TestSyncCycle_PullAppliesRemoteChanges(t *testing.T) {
	gw := remote.NewMemoryGateway()
	devA := newTestDevice(t, gw, nil)
	devB := newTestDevice(t, gw, nil)
	ctx := context.Background()

	note := devA.createNote(t, "from A", "hello")
	devA.sync(t)
	devB.sync(t)

	got, err := devB.store.GetNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("device B never received the note: %v", err)
	}
	if got.Title != "from A" || got.Body != "hello" {
		t.Errorf("device B has %q/%q", got.Title, got.Body)
	}
	if pending, _ := devB.store.PendingCount(ctx); pending != 0 {
		t.Error("pulling created changelog entries")
	}
}

func TestSyncCycle_IdempotentSecondCycle(t *testing.T) {
	gw := remote.NewMemoryGateway()
	dev := newTestDevice(t, gw, nil)

	note := dev.createNote(t, "once", "only")
	dev.sync(t)
	v1 := gw.NoteVersion("alice", note.ID)

	dev.sync(t)
	if v2 := gw.NoteVersion("alice", note.ID); v2 != v1 {
		t.Errorf("an empty cycle advanced the remote version from %d to %d", v1, v2)
	}
}

func TestSyncCycle_ConflictLocalWins(t *testing.T) {
	gw := remote.NewMemoryGateway()
	devA := newTestDevice(t, gw, nil)
	devB := newTestDevice(t, gw, nil)
	ctx := context.Background()

	// Both devices share the note.
	note := devA.createNote(t, "shared", "v0")
	devA.sync(t)
	devB.sync(t)

	// A edits and syncs first; B edits later (newer timestamp) while
	// offline, so B's push will conflict.
	onA, _ := devA.store.GetNote(ctx, note.ID)
	onA.Body = "from A"
	devA.editNote(t, onA)
	devA.sync(t)

	onB, _ := devB.store.GetNote(ctx, note.ID)
	onB.Body = "from B, newer"
	onB.UpdatedAt = onA.UpdatedAt + 1000
	if _, err := devB.store.PutNote(ctx, onB, model.OpUpdate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}

	// One cycle on B: conflict, pull, reconcile, re-push.
	devB.sync(t)

	remoteNote := gw.Note("alice", note.ID)
	if remoteNote == nil || remoteNote.Body != "from B, newer" {
		t.Fatalf("remote body = %v, want B's newer edit to win", remoteNote)
	}
	if pending, _ := devB.store.PendingCount(ctx); pending != 0 {
		t.Errorf("B still has %d pending entries after its cycle", pending)
	}

	// A pulls and converges.
	devA.sync(t)
	gotA, _ := devA.store.GetNote(ctx, note.ID)
	if gotA.Body != "from B, newer" {
		t.Errorf("device A body = %q, devices did not converge", gotA.Body)
	}
}

func TestSyncCycle_ConflictRemoteWins(t *testing.T) {
	gw := remote.NewMemoryGateway()
	devA := newTestDevice(t, gw, nil)
	devB := newTestDevice(t, gw, nil)
	ctx := context.Background()

	note := devA.createNote(t, "shared", "v0")
	devA.sync(t)
	devB.sync(t)

	// B makes a stale offline edit; A edits afterwards with a newer
	// timestamp and syncs first.
	onB, _ := devB.store.GetNote(ctx, note.ID)
	onB.Body = "stale B edit"
	onB.Touch()
	if _, err := devB.store.PutNote(ctx, onB, model.OpUpdate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}

	onA, _ := devA.store.GetNote(ctx, note.ID)
	onA.Body = "newer A edit"
	onA.UpdatedAt = onB.UpdatedAt + 1000
	if _, err := devA.store.PutNote(ctx, onA, model.OpUpdate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}
	devA.sync(t)

	devB.sync(t)

	gotB, _ := devB.store.GetNote(ctx, note.ID)
	if gotB.Body != "newer A edit" {
		t.Errorf("device B body = %q, want the newer remote edit", gotB.Body)
	}
	if pending, _ := devB.store.PendingCount(ctx); pending != 0 {
		t.Errorf("B's losing edit still pending (%d entries)", pending)
	}

	remoteNote := gw.Note("alice", note.ID)
	if remoteNote.Body != "newer A edit" {
		t.Errorf("remote body = %q", remoteNote.Body)
	}
}

func TestSyncCycle_TombstoneBeatsNewerEdit(t *testing.T) {
	gw := remote.NewMemoryGateway()
	devA := newTestDevice(t, gw, nil)
	devB := newTestDevice(t, gw, nil)
	ctx := context.Background()

	note := devA.createNote(t, "doomed", "v0")
	devA.sync(t)
	devB.sync(t)

	// A deletes; B edits with a newer timestamp. The tombstone must win
	// regardless of timestamps.
	if _, err := devA.store.DeleteNote(ctx, note.ID); err != nil {
		t.Fatalf("DeleteNote() failed: %v", err)
	}
	devA.sync(t)

	onB, _ := devB.store.GetNote(ctx, note.ID)
	onB.Body = "edit after delete"
	onB.UpdatedAt = model.NowMillis() + 100000
	if _, err := devB.store.PutNote(ctx, onB, model.OpUpdate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}

	devB.sync(t)

	gotB, _ := devB.store.GetNote(ctx, note.ID)
	if !gotB.Deleted {
		t.Error("deletion did not win over the concurrent edit on B")
	}

	devA.sync(t)
	gotA, _ := devA.store.GetNote(ctx, note.ID)
	if !gotA.Deleted {
		t.Error("note resurrected on A")
	}
}

func TestSyncCycle_StateTransitions(t *testing.T) {
	var states []State
	gw := remote.NewMemoryGateway()
	dev := newTestDevice(t, gw, func(s Status) {
		states = append(states, s.State)
	})

	dev.createNote(t, "observed", "")
	dev.sync(t)

	want := []State{StatePushing, StatePulling, StateReconciling, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i, s := range want {
		if states[i] != s {
			t.Errorf("state[%d] = %q, want %q", i, states[i], s)
		}
	}
}

func TestSyncCycle_TransientErrorSurfaces(t *testing.T) {
	gw := remote.NewMemoryGateway()
	dev := newTestDevice(t, gw, nil)
	ctx := context.Background()

	note := dev.createNote(t, "unlucky", "")
	gw.FailNext(remote.ErrTransient, 1)

	err := dev.engine.SyncCycle(ctx)
	if !errors.Is(err, remote.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}

	// The batch stays pending; the next cycle delivers it.
	if pending, _ := dev.store.PendingCount(ctx); pending == 0 {
		t.Error("pending entry lost on transient failure")
	}
	dev.sync(t)
	if v := gw.NoteVersion("alice", note.ID); v == 0 {
		t.Error("note never delivered after retry")
	}
}

func TestSyncWithRetry_FatalStopsRetrying(t *testing.T) {
	gw := remote.NewMemoryGateway()
	dev := newTestDevice(t, gw, nil)
	ctx := context.Background()

	dev.createNote(t, "blocked", "")
	gw.FailNext(remote.ErrUnauthenticated, 100)

	dev.engine.syncWithRetry(ctx)

	status := dev.engine.Status()
	if status.State != StateError || status.ErrorKind != ErrorFatal {
		t.Errorf("status = %+v, want fatal error state", status)
	}
	dev.engine.mu.Lock()
	fatal := dev.engine.fatal
	dev.engine.mu.Unlock()
	if !fatal {
		t.Error("fatal flag not set")
	}

	// TriggerSync clears the fatal latch for an explicit user retry.
	dev.engine.TriggerSync()
	dev.engine.mu.Lock()
	fatal = dev.engine.fatal
	dev.engine.mu.Unlock()
	if fatal {
		t.Error("TriggerSync did not clear the fatal flag")
	}
}

func TestSyncCycle_RestoreAfterUnflushedDelete(t *testing.T) {
	gw := remote.NewMemoryGateway()
	dev := newTestDevice(t, gw, nil)
	ctx := context.Background()

	note := dev.createNote(t, "undone", "v0")
	dev.sync(t)

	// Delete and restore between syncs: the tombstone never leaves the
	// device, and the restore must not lose to it.
	if _, err := dev.store.DeleteNote(ctx, note.ID); err != nil {
		t.Fatalf("DeleteNote() failed: %v", err)
	}
	dev.restoreNote(t, note.ID)

	dev.sync(t)
	dev.sync(t)

	got, err := dev.store.GetNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNote() failed: %v", err)
	}
	if got.Deleted {
		t.Error("restored note came back deleted")
	}
	if remoteNote := gw.Note("alice", note.ID); remoteNote == nil || remoteNote.Deleted {
		t.Errorf("remote note = %v, want the restore", remoteNote)
	}
	if pending, _ := dev.store.PendingCount(ctx); pending != 0 {
		t.Errorf("pending after sync = %d, want 0", pending)
	}
}

func TestReconcileOne_OwnEchoKeepsPendingEdit(t *testing.T) {
	gw := remote.NewMemoryGateway()
	dev := newTestDevice(t, gw, nil)
	ctx := context.Background()

	note := dev.createNote(t, "echoed", "v0")
	dev.sync(t)
	if _, err := dev.store.DeleteNote(ctx, note.ID); err != nil {
		t.Fatalf("DeleteNote() failed: %v", err)
	}
	dev.sync(t)

	// The tombstone is acknowledged remotely; the user now restores the
	// note, leaving a pending edit built on that acknowledged version.
	dev.restoreNote(t, note.ID)

	// A pull hands reconciliation the device's own acknowledged tombstone
	// echoed back. It must not beat the pending restore.
	err := dev.engine.reconcileOne(ctx, remote.Change{
		NoteID:        note.ID,
		Payload:       gw.Note("alice", note.ID),
		RemoteVersion: gw.NoteVersion("alice", note.ID),
	})
	if err != nil {
		t.Fatalf("reconcileOne() failed: %v", err)
	}

	got, err := dev.store.GetNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNote() failed: %v", err)
	}
	if got.Deleted {
		t.Fatal("own echoed tombstone re-deleted the restored note")
	}
	if pending, _ := dev.store.HasPending(ctx, note.ID); !pending {
		t.Error("pending restore discarded")
	}

	dev.sync(t)
	if remoteNote := gw.Note("alice", note.ID); remoteNote == nil || remoteNote.Deleted {
		t.Errorf("remote note = %v, want the restore after the next cycle", remoteNote)
	}
}

func TestSyncCycle_EditDuringPullSurvives(t *testing.T) {
	gw := remote.NewMemoryGateway()
	devA := newTestDevice(t, gw, nil)
	devB := newTestDevice(t, gw, nil)
	ctx := context.Background()

	note := devA.createNote(t, "contended", "v0")
	devA.sync(t)
	devB.sync(t)

	onB, _ := devB.store.GetNote(ctx, note.ID)
	onB.Body = "from B"
	devB.editNote(t, onB)
	devB.sync(t)

	// Hold A's per-note lock so the pull blocks mid-flight, then commit a
	// newer local edit before releasing. The edit must either route the
	// pulled change through reconciliation or land after the apply; its
	// note row must never be transiently overwritten.
	unlock := devA.engine.locks.Lock(note.ID)
	done := make(chan error, 1)
	go func() { done <- devA.engine.SyncCycle(ctx) }()
	time.Sleep(150 * time.Millisecond)

	onA, _ := devA.store.GetNote(ctx, note.ID)
	onA.Body = "from A, newer"
	onA.UpdatedAt = model.NowMillis() + 100000
	if _, err := devA.store.PutNote(ctx, onA, model.OpUpdate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}
	unlock()

	if err := <-done; err != nil {
		t.Fatalf("SyncCycle() failed: %v", err)
	}

	gotA, _ := devA.store.GetNote(ctx, note.ID)
	if gotA.Body != "from A, newer" {
		t.Errorf("body = %q, the pull overwrote a committed local edit", gotA.Body)
	}

	devA.sync(t)
	if remoteNote := gw.Note("alice", note.ID); remoteNote.Body != "from A, newer" {
		t.Errorf("remote body = %q, want A's newer edit", remoteNote.Body)
	}
}

func TestSyncWithRetry_TransientFailuresRecover(t *testing.T) {
	gw := remote.NewMemoryGateway()
	dev := newTestDevice(t, gw, nil)
	ctx := context.Background()

	var statuses []Status
	eng, err := New(dev.store, gw, nil, Config{
		OwnerID:  "alice",
		Backoff:  BackoffConfig{Base: time.Millisecond, Cap: 8 * time.Millisecond},
		OnStatus: func(s Status) { statuses = append(statuses, s) },
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	note := dev.createNote(t, "flaky network", "")
	gw.FailNext(remote.ErrTransient, 3)

	eng.syncWithRetry(ctx)

	var errored []Status
	for _, s := range statuses {
		if s.State == StateError {
			errored = append(errored, s)
		}
	}
	if len(errored) != 3 {
		t.Fatalf("error statuses = %d, want 3", len(errored))
	}
	for i, s := range errored {
		if s.ErrorKind != ErrorTransient {
			t.Errorf("error %d kind = %q, want transient", i, s.ErrorKind)
		}
		if s.Attempt != i+1 {
			t.Errorf("error %d attempt = %d, want %d", i, s.Attempt, i+1)
		}
	}

	if last := statuses[len(statuses)-1]; last.State != StateIdle {
		t.Errorf("final state = %q, want idle after recovery", last.State)
	}
	if pending, _ := dev.store.PendingCount(ctx); pending != 0 {
		t.Errorf("pending after recovery = %d, want 0", pending)
	}
	if v := gw.NoteVersion("alice", note.ID); v == 0 {
		t.Error("note never delivered despite recovery")
	}
}

func TestSyncCycle_OfflineEditsCatchUpInOrder(t *testing.T) {
	gw := remote.NewMemoryGateway()
	dev := newTestDevice(t, gw, nil)
	ctx := context.Background()

	// A burst of offline edits to several notes.
	n1 := dev.createNote(t, "first", "a")
	n2 := dev.createNote(t, "second", "b")
	n1.Body = "a2"
	dev.editNote(t, n1)
	if _, err := dev.store.DeleteNote(ctx, n2.ID); err != nil {
		t.Fatalf("DeleteNote() failed: %v", err)
	}

	dev.sync(t)

	if got := gw.Note("alice", n1.ID); got == nil || got.Body != "a2" {
		t.Errorf("remote n1 = %v, want the coalesced final edit", got)
	}
	if got := gw.Note("alice", n2.ID); got == nil || !got.Deleted {
		t.Errorf("remote n2 = %v, want a tombstone", got)
	}
	if pending, _ := dev.store.PendingCount(ctx); pending != 0 {
		t.Errorf("pending after catch-up = %d", pending)
	}
}
