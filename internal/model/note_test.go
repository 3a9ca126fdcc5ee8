package model

import (
	"testing"
)

func TestTouch_StrictlyIncreasing(t *testing.T) {
	n := &Note{OwnerID: "alice", Title: "t"}
	n.SetDefaults()

	prev := n.UpdatedAt
	for i := 0; i < 100; i++ {
		n.Touch()
		if n.UpdatedAt <= prev {
			t.Fatalf("UpdatedAt did not increase: %d then %d", prev, n.UpdatedAt)
		}
		prev = n.UpdatedAt
	}
}

func TestMarkDeleted(t *testing.T) {
	n := &Note{OwnerID: "alice", Title: "t"}
	n.SetDefaults()
	before := n.UpdatedAt

	n.MarkDeleted()

	if !n.Deleted {
		t.Error("Deleted not set")
	}
	if n.DeletedAt == 0 {
		t.Error("DeletedAt not set")
	}
	if n.UpdatedAt <= before {
		t.Error("tombstone did not advance the logical timestamp")
	}
}

func TestClone_DeepCopiesRefs(t *testing.T) {
	n := &Note{OwnerID: "alice", Title: "t", AttachmentRefs: []string{"a"}}
	n.SetDefaults()

	c := n.Clone()
	c.AttachmentRefs[0] = "changed"
	c.Title = "other"

	if n.AttachmentRefs[0] != "a" {
		t.Error("clone shares the attachment refs slice")
	}
	if n.Title != "t" {
		t.Error("clone shares scalar fields")
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	n := &Note{}
	if err := n.Validate(); err == nil {
		t.Error("empty note validated")
	}

	n = &Note{OwnerID: "alice"}
	n.SetDefaults()
	if err := n.Validate(); err != nil {
		t.Errorf("defaulted note failed validation: %v", err)
	}
}

func TestCoalesceEntries_LatestPerNote(t *testing.T) {
	payload := func(id string) *Note { return &Note{ID: id, OwnerID: "alice"} }
	entries := []ChangeLogEntry{
		{Seq: 1, NoteID: "a", Op: OpCreate, Payload: payload("a")},
		{Seq: 2, NoteID: "b", Op: OpCreate, Payload: payload("b")},
		{Seq: 3, NoteID: "a", Op: OpUpdate, Payload: payload("a")},
	}

	out := CoalesceEntries(entries)
	if len(out) != 2 {
		t.Fatalf("coalesced to %d entries, want 2", len(out))
	}
	if out[0].NoteID != "b" || out[1].Seq != 3 {
		t.Errorf("out = %+v", out)
	}
}

func TestCoalesceEntries_LastOpWins(t *testing.T) {
	payload := func(id string, deleted bool) *Note {
		return &Note{ID: id, OwnerID: "alice", Deleted: deleted}
	}

	// A delete supersedes the edits before it.
	out := CoalesceEntries([]ChangeLogEntry{
		{Seq: 1, NoteID: "a", Op: OpUpdate, Payload: payload("a", false)},
		{Seq: 2, NoteID: "a", Op: OpDelete, Payload: payload("a", true)},
	})
	if len(out) != 1 || out[0].Op != OpDelete {
		t.Fatalf("out = %+v, want the trailing delete", out)
	}

	// A restore recorded after a delete supersedes the tombstone in
	// turn; the batch must transmit the restore, not the delete.
	out = CoalesceEntries([]ChangeLogEntry{
		{Seq: 1, NoteID: "a", Op: OpDelete, Payload: payload("a", true)},
		{Seq: 2, NoteID: "a", Op: OpUpdate, Payload: payload("a", false)},
	})
	if len(out) != 1 {
		t.Fatalf("coalesced to %d entries, want 1", len(out))
	}
	if out[0].Seq != 2 || out[0].Op != OpUpdate || out[0].Payload.Deleted {
		t.Errorf("out = %+v, want the restore to supersede the earlier delete", out[0])
	}
}

func TestLockPassword_RoundTrip(t *testing.T) {
	hash := HashLockPassword("hunter2")
	if hash == "" || hash == "hunter2" {
		t.Fatalf("hash = %q", hash)
	}

	if !CheckLockPassword("hunter2", hash) {
		t.Error("correct password rejected")
	}
	if CheckLockPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
}

func TestHashLockPassword_Deterministic(t *testing.T) {
	if HashLockPassword("a") != HashLockPassword("a") {
		t.Error("hash is not deterministic")
	}
	if HashLockPassword("a") == HashLockPassword("b") {
		t.Error("different passwords share a hash")
	}
}
