package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/collabd/pkg/auth"
)

// MemoryStore is an in-process PrincipalStore for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	byEmail map[string]auth.Principal
}

// NewMemoryStore returns a store seeded with principals.
func NewMemoryStore(principals ...auth.Principal) *MemoryStore {
	s := &MemoryStore{byEmail: make(map[string]auth.Principal, len(principals))}
	for _, p := range principals {
		s.Add(p)
	}
	return s
}

// Add inserts or replaces p.
func (s *MemoryStore) Add(p auth.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEmail[strings.ToLower(p.Email)] = p
}

// FindByEmail implements auth.PrincipalStore.
func (s *MemoryStore) FindByEmail(_ context.Context, email string) (*auth.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, auth.ErrUnknownPrincipal
	}
	return &p, nil
}
