package store

import (
	"context"
	"testing"
	"time"

	"github.com/notevault/notesync/internal/model"
)

func TestHub_PublishToSubscriber(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.Subscribe("alice")
	defer cancel()

	hub.Publish("alice", []*model.Note{{ID: "n1"}})

	select {
	case snapshot := <-ch:
		if len(snapshot) != 1 || snapshot[0].ID != "n1" {
			t.Errorf("snapshot = %v", snapshot)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot received")
	}
}

func TestHub_OwnerIsolation(t *testing.T) {
	hub := NewHub()

	aliceCh, cancelA := hub.Subscribe("alice")
	defer cancelA()
	_, cancelB := hub.Subscribe("bob")
	defer cancelB()

	hub.Publish("bob", []*model.Note{{ID: "bobs"}})

	select {
	case snapshot := <-aliceCh:
		t.Errorf("alice received bob's snapshot: %v", snapshot)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SlowSubscriberSeesLatest(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.Subscribe("alice")
	defer cancel()

	// Nobody reads between publishes; the stale snapshot must be replaced.
	hub.Publish("alice", []*model.Note{{ID: "stale"}})
	hub.Publish("alice", []*model.Note{{ID: "fresh"}})

	select {
	case snapshot := <-ch:
		if len(snapshot) != 1 || snapshot[0].ID != "fresh" {
			t.Errorf("got %v, want the freshest snapshot", snapshot)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot received")
	}
}

func TestHub_CancelClosesChannel(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.Subscribe("alice")
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	if hub.HasSubscribers("alice") {
		t.Error("subscriber still registered after cancel")
	}

	// Cancel twice is safe.
	cancel()
}

func TestStore_PublishesOnMutation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ch, cancel := s.Hub().Subscribe("alice")
	defer cancel()

	note := testNote("observed")
	if _, err := s.PutNote(ctx, note, model.OpCreate); err != nil {
		t.Fatalf("PutNote() failed: %v", err)
	}

	select {
	case snapshot := <-ch:
		if len(snapshot) != 1 || snapshot[0].ID != note.ID {
			t.Errorf("snapshot = %v", snapshot)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after PutNote")
	}

	// A tombstone leaves the active snapshot.
	if _, err := s.DeleteNote(ctx, note.ID); err != nil {
		t.Fatalf("DeleteNote() failed: %v", err)
	}
	select {
	case snapshot := <-ch:
		if len(snapshot) != 0 {
			t.Errorf("snapshot after delete = %v, want empty", snapshot)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after DeleteNote")
	}
}
