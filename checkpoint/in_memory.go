package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentloop/core"
)

// InMemoryStore is a volatile CheckpointStore keeping checkpoints in a process
// local map. It is safe for concurrent access and best suited for tests or
// ephemeral demo servers. Checkpoints are cloned on the way in and out so
// callers never share message slices with the store.
type InMemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]core.Checkpoint
}

var (
	_ core.CheckpointStore = (*InMemoryStore)(nil)
	_ core.Pruner          = (*InMemoryStore)(nil)
)

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{checkpoints: make(map[string]core.Checkpoint)}
}

// Get returns a clone of the stored checkpoint.
func (s *InMemoryStore) Get(_ context.Context, threadID string) (core.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[threadID]
	if !ok {
		return core.Checkpoint{}, false, nil
	}

	return cp.Clone(), true, nil
}

// Put stores a clone of cp, replacing any previous checkpoint of the thread.
func (s *InMemoryStore) Put(_ context.Context, cp core.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[cp.ThreadID] = cp.Clone()

	return nil
}

// Prune implements core.Pruner.
func (s *InMemoryStore) Prune(_ context.Context, before time.Time, keep func(string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, cp := range s.checkpoints {
		if cp.UpdatedAt.Before(before) && (keep == nil || !keep(id)) {
			delete(s.checkpoints, id)
			n++
		}
	}

	return n, nil
}

// Threads returns the ids of all stored threads in no particular order.
func (s *InMemoryStore) Threads() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.checkpoints))
	for id := range s.checkpoints {
		ids = append(ids, id)
	}

	return ids
}
