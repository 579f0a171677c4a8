package state

import (
	"context"
	"sync"

	"github.com/groundplan/groundplan/pkg/engine"
)

// MemoryStore is an in-memory engine.StateStore for tests and one-shot
// evaluations that do not need persistence.
type MemoryStore struct {
	mu    sync.Mutex
	nodes engine.State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(engine.State)}
}

// Load reads the full node state mapping.
func (s *MemoryStore) Load(_ context.Context) (engine.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes.Clone(), nil
}

// SaveNode upserts one node record.
func (s *MemoryStore) SaveNode(_ context.Context, ns engine.NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[ns.Kind] = ns
	return nil
}

// DeleteNode removes one node record.
func (s *MemoryStore) DeleteNode(_ context.Context, kind engine.NodeKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, kind)
	return nil
}
