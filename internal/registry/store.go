// Package registry holds the in-memory connection store for one process.
package registry

import (
	"sync"

	"github.com/pscheid92/relay/internal/domain"
)

// MemoryStore maps connection ids to handles. All returns a copy, so callers
// can iterate while connects and disconnects keep mutating the map.
type MemoryStore struct {
	mu    sync.RWMutex
	conns map[string]domain.Handle
}

var _ domain.ConnectionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conns: make(map[string]domain.Handle)}
}

func (s *MemoryStore) Add(id string, h domain.Handle) {
	s.mu.Lock()
	s.conns[id] = h
	s.mu.Unlock()
}

func (s *MemoryStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[id]; !ok {
		return false
	}
	delete(s.conns, id)
	return true
}

func (s *MemoryStore) Get(id string) (domain.Handle, bool) {
	s.mu.RLock()
	h, ok := s.conns[id]
	s.mu.RUnlock()
	return h, ok
}

func (s *MemoryStore) All() []domain.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Connection, 0, len(s.conns))
	for id, h := range s.conns {
		out = append(out, domain.Connection{ID: id, Handle: h})
	}
	return out
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
