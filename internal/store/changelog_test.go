package store

import (
	"context"
	"testing"

	"github.com/notevault/notesync/internal/model"
)

func TestDrainBatch_CoalescesPerNote(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	note := testNote("edited twice")
	if _, err := s.PutNote(ctx, note, model.OpCreate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}
	note.Body = "second version"
	note.Touch()
	seq2, err := s.PutNote(ctx, note, model.OpUpdate)
	if err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}

	batch, err := s.DrainBatch(ctx, 0)
	if err != nil {
		t.Fatalf("DrainBatch() failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch has %d entries, want 1 coalesced", len(batch))
	}
	if batch[0].Seq != seq2 {
		t.Errorf("coalesced seq = %d, want the latest %d", batch[0].Seq, seq2)
	}
	if batch[0].Payload.Body != "second version" {
		t.Errorf("coalesced payload body = %q", batch[0].Payload.Body)
	}
}

func TestDrainBatch_DeleteSupersedes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	note := testNote("created then deleted")
	if _, err := s.PutNote(ctx, note, model.OpCreate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}
	if _, err := s.DeleteNote(ctx, note.ID); err != nil {
		t.Fatalf("DeleteNote() failed: %v", err)
	}

	batch, err := s.DrainBatch(ctx, 0)
	if err != nil {
		t.Fatalf("DrainBatch() failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch has %d entries, want 1", len(batch))
	}
	if batch[0].Op != model.OpDelete {
		t.Errorf("op = %q, want delete", batch[0].Op)
	}
	if !batch[0].Payload.Deleted {
		t.Error("payload is not a tombstone")
	}
}

func TestDrainBatch_RestoreSupersedesDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	note := testNote("deleted then restored")
	if _, err := s.PutNote(ctx, note, model.OpCreate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}
	if _, err := s.DeleteNote(ctx, note.ID); err != nil {
		t.Fatalf("DeleteNote() failed: %v", err)
	}

	// The user restores the note before the tombstone ever left the
	// device; the batch must carry the restore, not the delete.
	restored, err := s.GetNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNote() failed: %v", err)
	}
	restored.Deleted = false
	restored.DeletedAt = 0
	restored.Touch()
	if _, err := s.PutNote(ctx, restored, model.OpUpdate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}

	batch, err := s.DrainBatch(ctx, 0)
	if err != nil {
		t.Fatalf("DrainBatch() failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch has %d entries, want 1", len(batch))
	}
	if batch[0].Op != model.OpUpdate {
		t.Errorf("op = %q, want the restore to supersede the delete", batch[0].Op)
	}
	if batch[0].Payload.Deleted {
		t.Error("batch still carries the superseded tombstone")
	}
}

func TestDrainBatch_DoesNotRemove(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.PutNote(ctx, testNote("a"), model.OpCreate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}

	if _, err := s.DrainBatch(ctx, 0); err != nil {
		t.Fatalf("DrainBatch() failed: %v", err)
	}

	count, _ := s.PendingCount(ctx)
	if count != 1 {
		t.Errorf("pending count after drain = %d, want 1 (drain must not remove)", count)
	}
}

func TestAcknowledge_RemovesSupersededEntries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	note := testNote("multi edit")
	if _, err := s.PutNote(ctx, note, model.OpCreate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}
	note.Touch()
	seq2, err := s.PutNote(ctx, note, model.OpUpdate)
	if err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}

	// Acking the coalesced (latest) seq removes the earlier entry too.
	if err := s.Acknowledge(ctx, []int64{seq2}); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}

	count, _ := s.PendingCount(ctx)
	if count != 0 {
		t.Errorf("pending count = %d, want 0", count)
	}
}

func TestAcknowledge_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seq, err := s.PutNote(ctx, testNote("once"), model.OpCreate)
	if err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}

	if err := s.Acknowledge(ctx, []int64{seq}); err != nil {
		t.Fatalf("First Acknowledge() failed: %v", err)
	}
	if err := s.Acknowledge(ctx, []int64{seq}); err != nil {
		t.Errorf("Second Acknowledge() failed: %v", err)
	}
}

func TestAcknowledge_LeavesNewerEntries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	note := testNote("edited after push")
	seq1, err := s.PutNote(ctx, note, model.OpCreate)
	if err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}

	// The user edits again while the push of seq1 is in flight.
	note.Body = "newer edit"
	note.Touch()
	if _, err := s.PutNote(ctx, note, model.OpUpdate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}

	if err := s.Acknowledge(ctx, []int64{seq1}); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}

	pending, err := s.HasPending(ctx, note.ID)
	if err != nil {
		t.Fatalf("HasPending() failed: %v", err)
	}
	if !pending {
		t.Error("edit made after the pushed snapshot was lost by Acknowledge")
	}
}

func TestDiscardPending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	note := testNote("discard me")
	if _, err := s.PutNote(ctx, note, model.OpCreate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}
	other := testNote("keep me")
	if _, err := s.PutNote(ctx, other, model.OpCreate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}

	if err := s.DiscardPending(ctx, note.ID); err != nil {
		t.Fatalf("DiscardPending() failed: %v", err)
	}

	if pending, _ := s.HasPending(ctx, note.ID); pending {
		t.Error("discarded note still pending")
	}
	if pending, _ := s.HasPending(ctx, other.ID); !pending {
		t.Error("unrelated note's pending entry was discarded")
	}
}

func TestRebasePending_UpdatesLatestPayload(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	note := testNote("rebase me")
	if _, err := s.PutNote(ctx, note, model.OpCreate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}

	rebased := note.Clone()
	rebased.RemoteVersion = 42
	if err := s.RebasePending(ctx, note.ID, rebased); err != nil {
		t.Fatalf("RebasePending() failed: %v", err)
	}

	batch, err := s.DrainBatch(ctx, 0)
	if err != nil {
		t.Fatalf("DrainBatch() failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch has %d entries", len(batch))
	}
	if batch[0].Payload.RemoteVersion != 42 {
		t.Errorf("rebased payload remote_version = %d, want 42", batch[0].Payload.RemoteVersion)
	}
}
