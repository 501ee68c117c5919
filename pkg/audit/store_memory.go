package audit

import (
	"context"
	"sync"

	"github.com/agentgate/agentgate/pkg/contracts"
)

// MemoryStore keeps the log in process memory. Intended for tests and
// single-node development; the chain semantics are identical to the
// durable backends.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*contracts.AuditEvent
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, ev *contracts.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) Events(_ context.Context, f Filter) ([]*contracts.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*contracts.AuditEvent, 0)
	for i, ev := range s.events {
		if i < f.FromIndex {
			continue
		}
		if f.ToIndex > 0 && i >= f.ToIndex {
			break
		}
		if !f.Matches(ev) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Last(_ context.Context) (*contracts.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return nil, nil
	}
	cp := *s.events[len(s.events)-1]
	return &cp, nil
}

// Tamper overwrites a stored event in place. Only tests use this, to
// exercise chain-verification failures.
func (s *MemoryStore) Tamper(index int, mutate func(*contracts.AuditEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.events) {
		mutate(s.events[index])
	}
}
