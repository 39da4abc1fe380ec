// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NodeSpec describes one node of a chain built by Chain.
type NodeSpec struct {
	Type   string
	Config any
}

// Chain builds a valid rule chain whose nodes are linked in order with
// Success connections.
func Chain(t testing.TB, tenant core.EntityID, root bool, nodes ...NodeSpec) storage.RuleChain {
	t.Helper()

	rc := storage.RuleChain{
		ID:       core.NewEntityID(core.EntityRuleChain),
		TenantID: tenant,
		Name:     "chain",
		Root:     root,
	}
	for i, spec := range nodes {
		n := storage.RuleNode{
			ID:          core.NewEntityID(core.EntityRuleNode),
			RuleChainID: rc.ID,
			Type:        spec.Type,
			Name:        spec.Type,
		}
		if spec.Config != nil {
			b, err := json.Marshal(spec.Config)
			require.NoError(t, err)
			n.Config = b
		}
		rc.Nodes = append(rc.Nodes, n)
		if i == 0 {
			rc.FirstNodeID = n.ID
			continue
		}
		rc.Connections = append(rc.Connections, storage.Connection{
			From: rc.Nodes[i-1].ID,
			To:   n.ID,
			Type: storage.RelationSuccess,
		})
	}
	return rc
}

// RunStoreTests exercises a RuleChainStore implementation.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) storage.RuleChainStore) {
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		s := newStore(t)
		tenant := core.NewEntityID(core.EntityTenant)
		rc := Chain(t, tenant, true, NodeSpec{Type: "log"}, NodeSpec{Type: "metadata_set", Config: map[string]any{"key": "k", "value": "v"}})
		require.NoError(t, s.Save(ctx, rc))

		got, err := s.Get(ctx, tenant, rc.ID)
		require.NoError(t, err)
		assert.Equal(t, rc.ID, got.ID)
		assert.Equal(t, rc.FirstNodeID, got.FirstNodeID)
		require.Len(t, got.Nodes, 2)
		assert.JSONEq(t, `{"key":"k","value":"v"}`, string(got.Nodes[1].Config))
		assert.Equal(t, rc.Connections, got.Connections)
	})

	t.Run("get not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, core.NewEntityID(core.EntityTenant), core.NewEntityID(core.EntityRuleChain))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("invalid chain rejected", func(t *testing.T) {
		s := newStore(t)
		rc := Chain(t, core.NewEntityID(core.EntityTenant), false, NodeSpec{Type: "log"})
		rc.FirstNodeID = core.NewEntityID(core.EntityRuleNode)
		err := s.Save(ctx, rc)
		assert.True(t, errors.Is(err, storage.ErrInvalidRuleChain))
	})

	t.Run("single root per tenant", func(t *testing.T) {
		s := newStore(t)
		tenant := core.NewEntityID(core.EntityTenant)
		first := Chain(t, tenant, true, NodeSpec{Type: "log"})
		second := Chain(t, tenant, true, NodeSpec{Type: "log"})
		require.NoError(t, s.Save(ctx, first))
		require.NoError(t, s.Save(ctx, second))

		root, err := s.Root(ctx, tenant)
		require.NoError(t, err)
		assert.Equal(t, second.ID, root.ID)

		got, err := s.Get(ctx, tenant, first.ID)
		require.NoError(t, err)
		assert.False(t, got.Root)
	})

	t.Run("root not found", func(t *testing.T) {
		s := newStore(t)
		tenant := core.NewEntityID(core.EntityTenant)
		require.NoError(t, s.Save(ctx, Chain(t, tenant, false, NodeSpec{Type: "log"})))
		_, err := s.Root(ctx, tenant)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("list is scoped and ordered", func(t *testing.T) {
		s := newStore(t)
		t1 := core.NewEntityID(core.EntityTenant)
		t2 := core.NewEntityID(core.EntityTenant)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Save(ctx, Chain(t, t1, false, NodeSpec{Type: "log"})))
		}
		require.NoError(t, s.Save(ctx, Chain(t, t2, false, NodeSpec{Type: "log"})))

		list, err := s.List(ctx, t1)
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i := 1; i < len(list); i++ {
			assert.Less(t, list[i-1].ID.ID.String(), list[i].ID.ID.String())
		}

		tenants, err := s.Tenants(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []core.EntityID{t1, t2}, tenants)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		tenant := core.NewEntityID(core.EntityTenant)
		rc := Chain(t, tenant, false, NodeSpec{Type: "log"})
		require.NoError(t, s.Save(ctx, rc))
		require.NoError(t, s.Delete(ctx, tenant, rc.ID))

		_, err := s.Get(ctx, tenant, rc.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, tenant, rc.ID), storage.ErrNotFound)

		tenants, err := s.Tenants(ctx)
		require.NoError(t, err)
		assert.Empty(t, tenants)
	})

	t.Run("returned values are copies", func(t *testing.T) {
		s := newStore(t)
		tenant := core.NewEntityID(core.EntityTenant)
		rc := Chain(t, tenant, false, NodeSpec{Type: "log"})
		require.NoError(t, s.Save(ctx, rc))

		got, err := s.Get(ctx, tenant, rc.ID)
		require.NoError(t, err)
		got.Nodes[0].Type = "changed"

		again, err := s.Get(ctx, tenant, rc.ID)
		require.NoError(t, err)
		assert.Equal(t, "log", again.Nodes[0].Type)
	})
}
