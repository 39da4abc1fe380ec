// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/storage"
	"github.com/absmach/fluxrule/storage/memory"
	"github.com/absmach/fluxrule/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tenantID = uuid.MustParse("6f1c2a9e-0000-4000-8000-000000000001")
	chainA   = uuid.MustParse("6f1c2a9e-0000-4000-8000-0000000000a1")
	chainB   = uuid.MustParse("6f1c2a9e-0000-4000-8000-0000000000b1")
	nodeA1   = uuid.MustParse("6f1c2a9e-0000-4000-8000-0000000000a2")
	nodeA2   = uuid.MustParse("6f1c2a9e-0000-4000-8000-0000000000a3")
	nodeB1   = uuid.MustParse("6f1c2a9e-0000-4000-8000-0000000000b2")
)

func document(level string, withB bool) string {
	doc := fmt.Sprintf(`
tenants:
  - id: %s
    rule_chains:
      - id: %s
        name: Root
        root: true
        nodes:
          - id: %s
            type: log
            name: Log
            config:
              level: %s
          - id: %s
            type: fail
            name: Fail
        connections:
          - from: %s
            to: %s
            type: Failure
`, tenantID, chainA, nodeA1, level, nodeA2, nodeA1, nodeA2)
	if withB {
		doc += fmt.Sprintf(`      - id: %s
        name: Other
        nodes:
          - id: %s
            type: log
`, chainB, nodeB1)
	}
	return doc
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParse(t *testing.T) {
	chains, err := Parse([]byte(document("info", true)))
	require.NoError(t, err)
	require.Len(t, chains, 2)

	root := chains[0]
	assert.Equal(t, core.EntityIDFrom(core.EntityRuleChain, chainA), root.ID)
	assert.Equal(t, core.EntityIDFrom(core.EntityTenant, tenantID), root.TenantID)
	assert.True(t, root.Root)
	assert.Equal(t, core.EntityIDFrom(core.EntityRuleNode, nodeA1), root.FirstNodeID)
	assert.JSONEq(t, `{"level":"info"}`, string(root.Nodes[0].Config))
	assert.Nil(t, root.Nodes[1].Config)
	assert.Equal(t, []core.EntityID{core.EntityIDFrom(core.EntityRuleNode, nodeA2)},
		root.Next(root.FirstNodeID, storage.RelationFailure))
	assert.Empty(t, chains[1].Connections)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "tenants: ["},
		{"bad tenant id", "tenants:\n  - id: nope\n"},
		{"dangling connection", fmt.Sprintf(`
tenants:
  - id: %s
    rule_chains:
      - id: %s
        nodes:
          - id: %s
            type: log
        connections:
          - from: %s
            to: %s
`, tenantID, chainA, nodeA1, nodeA1, nodeA2)},
		{"node without type", fmt.Sprintf(`
tenants:
  - id: %s
    rule_chains:
      - id: %s
        nodes:
          - id: %s
`, tenantID, chainA, nodeA1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rule_chains.yaml")
	store := memory.New()
	w := NewWatcher(path, store, testutil.Logger(), nil)

	writeFile(t, path, document("info", true))
	events, err := w.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, core.LifecycleCreated, ev.Event)
	}

	events, err = w.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	writeFile(t, path, document("debug", false))
	events, err = w.Sync(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []core.ComponentLifecycleEvent{
		{Tenant: core.EntityIDFrom(core.EntityTenant, tenantID), Entity: core.EntityIDFrom(core.EntityRuleChain, chainA), Event: core.LifecycleUpdated},
		{Tenant: core.EntityIDFrom(core.EntityTenant, tenantID), Entity: core.EntityIDFrom(core.EntityRuleChain, chainB), Event: core.LifecycleDeleted},
	}, events)

	list, err := store.List(ctx, core.EntityIDFrom(core.EntityTenant, tenantID))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.JSONEq(t, `{"level":"debug"}`, string(list[0].Nodes[0].Config))

	writeFile(t, path, "tenants: [")
	_, err = w.Sync(ctx)
	assert.Error(t, err)
	list, err = store.List(ctx, core.EntityIDFrom(core.EntityTenant, tenantID))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "rule_chains.yaml")
	writeFile(t, path, document("info", false))

	var mu sync.Mutex
	var got []core.ComponentLifecycleEvent
	w := NewWatcher(path, memory.New(), testutil.Logger(), func(ev core.ComponentLifecycleEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	w.debounce = 20 * time.Millisecond

	_, err := w.Sync(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Watch(ctx))

	writeFile(t, path, document("info", true))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range got {
			if ev.Entity.ID == chainB && ev.Event == core.LifecycleCreated {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}
