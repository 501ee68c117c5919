// Package manifest supplies and validates the externally-registered
// manifests the policy engine evaluates. The gateway never writes
// manifests; the Store is the read-only seam to the registration system.
package manifest

import (
	"context"
	"errors"
	"sync"

	"github.com/agentgate/agentgate/pkg/contracts"
)

var (
	// ErrNotFound is returned when no manifest exists for (org, uapk).
	ErrNotFound = errors.New("manifest: not found")
)

// Store supplies the manifest for an (org, uapk) pair. Implementations
// live outside the core; MemoryStore serves tests and development.
type Store interface {
	// Get returns the manifest regardless of status; the policy engine
	// distinguishes missing from inactive.
	Get(ctx context.Context, orgID, uapkID string) (*contracts.Manifest, error)
}

// MemoryStore is a map-backed Store for tests and development.
type MemoryStore struct {
	mu        sync.RWMutex
	manifests map[string]*contracts.Manifest
}

// NewMemoryStore creates an empty manifest store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{manifests: make(map[string]*contracts.Manifest)}
}

// Put registers or replaces a manifest after validating it.
func (s *MemoryStore) Put(m *contracts.Manifest) error {
	if err := Validate(m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[m.OrgID+"/"+m.UAPKID] = m
	return nil
}

func (s *MemoryStore) Get(_ context.Context, orgID, uapkID string) (*contracts.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[orgID+"/"+uapkID]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}
