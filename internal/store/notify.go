package store

import (
	"sync"

	"github.com/notevault/notesync/internal/model"
)

// Hub fans out live note snapshots to subscribers.
//
// Each subscriber gets a buffered channel carrying the owner's full active
// note list after every mutation. The hub never blocks the writer: if a
// subscriber lags, the stale snapshot is replaced by the newest one.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ownerID string
	ch      chan []*model.Note
}

// NewHub creates an empty notification hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Subscribe registers for live snapshots of an owner's active notes.
//
// The returned channel is infinite and not restartable: it reflects ongoing
// mutations from the moment of subscription. The cancel function must be
// called when the subscriber is done; it closes the channel.
func (h *Hub) Subscribe(ownerID string) (<-chan []*model.Note, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	sub := &subscriber{
		ownerID: ownerID,
		ch:      make(chan []*model.Note, 1),
	}
	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers a snapshot to every subscriber of the owner.
// Slow subscribers only ever see the most recent snapshot.
func (h *Hub) Publish(ownerID string, snapshot []*model.Note) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if sub.ownerID != ownerID {
			continue
		}
		select {
		case sub.ch <- snapshot:
		default:
			// Drop the stale snapshot and replace it with the newest.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snapshot:
			default:
			}
		}
	}
}

// HasSubscribers reports whether anyone is observing the owner's notes.
// Lets the store skip building snapshots nobody will read.
func (h *Hub) HasSubscribers(ownerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.ownerID == ownerID {
			return true
		}
	}
	return false
}

// CloseAll closes every subscriber channel. Called when the store shuts down.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
