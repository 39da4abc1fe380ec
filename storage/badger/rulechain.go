// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const ruleChainPrefix = "rulechain:"

func tenantPrefix(tenant core.EntityID) []byte {
	return []byte(ruleChainPrefix + tenant.ID.String() + ":")
}

func ruleChainKey(tenant, id core.EntityID) []byte {
	return []byte(ruleChainPrefix + tenant.ID.String() + ":" + id.ID.String())
}

// Save creates or replaces a rule chain.
func (s *Store) Save(_ context.Context, rc storage.RuleChain) error {
	if err := rc.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rc)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if rc.Root {
			if err := clearRoot(txn, rc.TenantID, rc.ID); err != nil {
				return err
			}
		}
		return txn.Set(ruleChainKey(rc.TenantID, rc.ID), data)
	})
}

func clearRoot(txn *badger.Txn, tenant, keep core.EntityID) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = tenantPrefix(tenant)
	it := txn.NewIterator(opts)
	defer it.Close()

	var updates []storage.RuleChain
	for it.Rewind(); it.Valid(); it.Next() {
		var rc storage.RuleChain
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rc)
		}); err != nil {
			return err
		}
		if rc.Root && rc.ID != keep {
			rc.Root = false
			updates = append(updates, rc)
		}
	}
	for _, rc := range updates {
		data, err := json.Marshal(rc)
		if err != nil {
			return err
		}
		if err := txn.Set(ruleChainKey(rc.TenantID, rc.ID), data); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a rule chain.
func (s *Store) Get(_ context.Context, tenant, id core.EntityID) (storage.RuleChain, error) {
	var rc storage.RuleChain
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ruleChainKey(tenant, id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rc)
		})
	})
	if err != nil {
		return storage.RuleChain{}, err
	}
	return rc, nil
}

// List returns the rule chains of a tenant ordered by id.
func (s *Store) List(_ context.Context, tenant core.EntityID) ([]storage.RuleChain, error) {
	var chains []storage.RuleChain
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = tenantPrefix(tenant)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rc storage.RuleChain
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rc)
			}); err != nil {
				return err
			}
			chains = append(chains, rc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chains, nil
}

// Root returns the root rule chain of a tenant.
func (s *Store) Root(ctx context.Context, tenant core.EntityID) (storage.RuleChain, error) {
	chains, err := s.List(ctx, tenant)
	if err != nil {
		return storage.RuleChain{}, err
	}
	for _, rc := range chains {
		if rc.Root {
			return rc, nil
		}
	}
	return storage.RuleChain{}, storage.ErrNotFound
}

// Delete removes a rule chain.
func (s *Store) Delete(_ context.Context, tenant, id core.EntityID) error {
	key := ruleChainKey(tenant, id)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

// Tenants returns the tenants with rule chains, ordered by id.
func (s *Store) Tenants(_ context.Context) ([]core.EntityID, error) {
	var tenants []core.EntityID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(ruleChainPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var last string
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), ruleChainPrefix)
			t, _, ok := strings.Cut(rest, ":")
			if !ok || t == last {
				continue
			}
			last = t
			id, err := uuid.Parse(t)
			if err != nil {
				return err
			}
			tenants = append(tenants, core.EntityIDFrom(core.EntityTenant, id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tenants, nil
}
