package approval

import (
	"context"
	"sync"

	"github.com/agentgate/agentgate/pkg/contracts"
)

// MemoryStore keeps approvals in process memory. The mutex spans the
// status check and the write in Transition, which is the CAS guarantee
// the manager relies on.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*contracts.Approval
}

// NewMemoryStore creates an empty in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*contracts.Approval)}
}

func (s *MemoryStore) Create(_ context.Context, a *contracts.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.records[a.ApprovalID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from, to contracts.ApprovalStatus,
	mutate func(*contracts.Approval)) (*contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != from {
		return nil, ErrConflict
	}
	a.Status = to
	if mutate != nil {
		mutate(a)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Pending(_ context.Context) ([]*contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*contracts.Approval, 0)
	for _, a := range s.records {
		if a.Status == contracts.ApprovalPending || a.Status == contracts.ApprovalApproved {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}
