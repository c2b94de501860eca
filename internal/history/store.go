// Package history keeps the ordered backlog of relayed notices that is
// replayed to connections joining after the notices were published.
package history

import "sync"

// Store is an append-only, in-memory log of raw notice payloads. Payloads are
// kept exactly as received so that replay is byte-identical to the original
// broadcast. It is goroutine-safe.
//
// There is no size cap: the log grows until the next Clear or process exit.
type Store struct {
	mu    sync.RWMutex
	items [][]byte
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Append adds a copy of payload to the end of the log.
func (s *Store) Append(payload []byte) {
	item := make([]byte, len(payload))
	copy(item, payload)

	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
}

// Snapshot returns the stored payloads in append order. The returned slice is
// private to the caller; a concurrent Clear or Append does not change it.
// Returns an empty, non-nil slice when the log is empty.
func (s *Store) Snapshot() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]byte, len(s.items))
	copy(out, s.items)
	return out
}

// Clear empties the log and returns the number of payloads dropped.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.items)
	s.items = nil
	return n
}

// Len returns the number of stored payloads.
func (s *Store) Len() int {
	s.mu.RLock()
	n := len(s.items)
	s.mu.RUnlock()
	return n
}
