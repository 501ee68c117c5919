package budget

import (
	"context"
	"sync"
)

// MemoryStore is the in-process counter backend. The mutex makes the
// read-check-increment a single atomic step, matching the conditional
// UPDATE the durable backends perform.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int64)}
}

func (s *MemoryStore) Reserve(_ context.Context, key Key, limit int64) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	if s.counts[k] >= limit {
		return false, nil
	}
	s.counts[k]++
	return true, nil
}

func (s *MemoryStore) Count(_ context.Context, key Key) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key.String()], nil
}
