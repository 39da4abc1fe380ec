// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/storage"
)

var _ storage.RuleChainStore = (*Store)(nil)

// Store is an in-memory rule chain store.
type Store struct {
	mu     sync.RWMutex
	chains map[core.EntityID]map[core.EntityID]storage.RuleChain
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		chains: make(map[core.EntityID]map[core.EntityID]storage.RuleChain),
	}
}

// Save creates or replaces a rule chain.
func (s *Store) Save(_ context.Context, rc storage.RuleChain) error {
	if err := rc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.chains[rc.TenantID]
	if !ok {
		tenant = make(map[core.EntityID]storage.RuleChain)
		s.chains[rc.TenantID] = tenant
	}
	if rc.Root {
		for id, other := range tenant {
			if other.Root && id != rc.ID {
				other.Root = false
				tenant[id] = other
			}
		}
	}
	tenant[rc.ID] = rc.Clone()
	return nil
}

// Get retrieves a rule chain.
func (s *Store) Get(_ context.Context, tenant, id core.EntityID) (storage.RuleChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rc, ok := s.chains[tenant][id]
	if !ok {
		return storage.RuleChain{}, storage.ErrNotFound
	}
	return rc.Clone(), nil
}

// List returns the rule chains of a tenant.
func (s *Store) List(_ context.Context, tenant core.EntityID) ([]storage.RuleChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]storage.RuleChain, 0, len(s.chains[tenant]))
	for _, rc := range s.chains[tenant] {
		result = append(result, rc.Clone())
	}
	storage.SortRuleChains(result)
	return result, nil
}

// Root returns the root rule chain of a tenant.
func (s *Store) Root(_ context.Context, tenant core.EntityID) (storage.RuleChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rc := range s.chains[tenant] {
		if rc.Root {
			return rc.Clone(), nil
		}
	}
	return storage.RuleChain{}, storage.ErrNotFound
}

// Delete removes a rule chain.
func (s *Store) Delete(_ context.Context, tenant, id core.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chains, ok := s.chains[tenant]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := chains[id]; !ok {
		return storage.ErrNotFound
	}
	delete(chains, id)
	if len(chains) == 0 {
		delete(s.chains, tenant)
	}
	return nil
}

// Tenants returns the tenants with rule chains.
func (s *Store) Tenants(_ context.Context) ([]core.EntityID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]core.EntityID, 0, len(s.chains))
	for t := range s.chains {
		result = append(result, t)
	}
	storage.SortEntityIDs(result)
	return result, nil
}

// Close is a no-op for memory.
func (s *Store) Close() error {
	return nil
}
