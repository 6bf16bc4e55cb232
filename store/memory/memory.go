// Package memory keeps the connections a mock hub has negotiated.
package memory

import (
	"sync"

	"github.com/risa-org/hubfeed/session"
)

type entry struct {
	sess   session.Session
	cursor *session.Sequencer // stamps the C field on outbound frames
	open   bool
	opens  int
}

// Store is a thread-safe registry of negotiated connections, keyed by
// connection id. A connection is created by negotiate and lives until
// its channel closes or it is deleted.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Create registers sess and returns the cursor sequencer for its
// channel. Registering an id twice replaces the old entry.
func (s *Store) Create(sess session.Session) *session.Sequencer {
	seq := session.NewSequencer()
	s.mu.Lock()
	s.entries[sess.ID] = &entry{sess: sess, cursor: seq}
	s.mu.Unlock()
	return seq
}

// Get retrieves a connection and its cursor by id.
func (s *Store) Get(id string) (session.Session, *session.Sequencer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return session.Session{}, nil, false
	}
	return e.sess, e.cursor, true
}

// Open marks the channel for id as open. It returns false if the id is
// unknown or already has an open channel; a token opens one channel at
// a time.
func (s *Store) Open(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.open {
		return false
	}
	e.open = true
	e.opens++
	return true
}

// Release marks the channel for id as closed.
func (s *Store) Release(id string) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		e.open = false
	}
	s.mu.Unlock()
}

// Delete forgets a connection.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Count returns how many connections are registered.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// OpenCount returns how many connections currently have an open channel.
func (s *Store) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.open {
			n++
		}
	}
	return n
}

// OpenIDs returns the ids with an open channel, in no particular order.
func (s *Store) OpenIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, e := range s.entries {
		if e.open {
			ids = append(ids, id)
		}
	}
	return ids
}
