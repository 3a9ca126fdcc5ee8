package engine

import "sync"

// KeyedMutex provides per-note mutual exclusion.
//
// UI-driven mutations and the engine's reconciling step serialize access to
// the same note through one of these, without serializing unrelated notes
// behind a global lock. Entries are reference counted and removed when the
// last holder releases, so the map does not grow with note count.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns the release function.
// The release function must be called on all exit paths:
//
//	unlock := locks.Lock(noteID)
//	defer unlock()
func (km *KeyedMutex) Lock(key string) func() {
	km.mu.Lock()
	entry, ok := km.locks[key]
	if !ok {
		entry = &lockEntry{}
		km.locks[key] = entry
	}
	entry.refs++
	km.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()

			km.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(km.locks, key)
			}
			km.mu.Unlock()
		})
	}
}
