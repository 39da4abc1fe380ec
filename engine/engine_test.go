// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxrule/actor"
	"github.com/absmach/fluxrule/cluster"
	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/ratelimit"
	"github.com/absmach/fluxrule/storage"
	"github.com/absmach/fluxrule/storage/memory"
	"github.com/absmach/fluxrule/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

var (
	localAddr  = core.ServerAddress{Host: "10.0.0.1", Port: 7100}
	remoteAddr = core.ServerAddress{Host: "10.0.0.2", Port: 7100}
)

// counterNode counts the messages it sees under its configured name.
type counterNode struct {
	name   string
	counts *sync.Map
}

func counterFactory(counts *sync.Map) NodeFactory {
	return func(config json.RawMessage) (Node, error) {
		var cfg struct {
			Name string `json:"name"`
		}
		if err := decodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		return &counterNode{name: cfg.Name, counts: counts}, nil
	}
}

func (n *counterNode) OnMsg(NodeContext, *core.Msg) (Outcome, error) {
	v, _ := n.counts.LoadOrStore(n.name, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
	return Outcome{}, nil
}

func count(counts *sync.Map, name string) int64 {
	v, ok := counts.Load(name)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func newTestEngine(t *testing.T, store storage.RuleChainStore, opts ...Option) *Engine {
	t.Helper()
	e, err := New(Config{}, store, testutil.Logger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func telemetry(tenant, device core.EntityID, md core.Metadata) *core.Msg {
	return core.NewMsg(core.MsgParams{
		Queue:      "main",
		Type:       core.MsgTypePostTelemetry,
		Tenant:     tenant,
		Originator: device,
		Metadata:   md,
		Data:       []byte(`{"temperature":21}`),
	})
}

// withResult binds msg to a buffered result channel.
func withResult(msg *core.Msg) (*core.Msg, chan core.Result) {
	ch := make(chan core.Result, 1)
	return msg.WithCallback(core.ChanCallback(msg.ID(), ch)), ch
}

func await(t *testing.T, ch <-chan core.Result) error {
	t.Helper()
	select {
	case res := <-ch:
		return res.Err
	case <-time.After(waitFor):
		t.Fatal("message was never completed")
		return nil
	}
}

func submit(t *testing.T, e *Engine, msg *core.Msg) error {
	t.Helper()
	msg, ch := withResult(msg)
	_ = e.Submit(context.Background(), msg)
	return await(t, ch)
}

func saveChain(t *testing.T, store storage.RuleChainStore, rc storage.RuleChain) {
	t.Helper()
	require.NoError(t, store.Save(context.Background(), rc))
}

func connect(rc *storage.RuleChain, from, to int, rel string) {
	rc.Connections = append(rc.Connections, storage.Connection{
		From: rc.Nodes[from].ID,
		To:   rc.Nodes[to].ID,
		Type: rel,
	})
}

func TestEngineConcurrentMessagesForOneDevice(t *testing.T) {
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	saveChain(t, store, testutil.Chain(t, tenant, true, testutil.NodeSpec{Type: NodeDevice}))
	e := newTestEngine(t, store)

	device := core.NewEntityID(core.EntityDevice)
	const n = 200
	results := make(chan core.Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := telemetry(tenant, device, core.NewMetadata())
			_ = e.Submit(context.Background(), msg.WithCallback(core.ChanCallback(msg.ID(), results)))
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, await(t, results))
	}
	st, err := e.DeviceState(context.Background(), tenant, device)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), st.Messages)
	assert.Equal(t, device, st.Device)
}

func TestEngineRoutesByRelation(t *testing.T) {
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	rc := testutil.Chain(t, tenant, true,
		testutil.NodeSpec{Type: NodeMsgTypeFilter, Config: map[string]any{"types": []string{core.MsgTypePostTelemetry}}},
		testutil.NodeSpec{Type: NodeMetadataSet, Config: map[string]any{"values": map[string]string{"zone": "north"}}},
		testutil.NodeSpec{Type: NodeDevice},
	)
	// Filter results use True/False, not Success.
	rc.Connections = nil
	connect(&rc, 0, 1, storage.RelationTrue)
	connect(&rc, 1, 2, storage.RelationSuccess)
	saveChain(t, store, rc)
	e := newTestEngine(t, store)

	device := core.NewEntityID(core.EntityDevice)
	require.NoError(t, submit(t, e, telemetry(tenant, device, core.NewMetadata("deviceName", "d1"))))

	st, err := e.DeviceState(context.Background(), tenant, device)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Messages)
	assert.Equal(t, map[string]string{"deviceName": "d1", "zone": "north"}, st.Attributes)

	attrs := core.NewMsg(core.MsgParams{
		Type:       core.MsgTypePostAttributes,
		Tenant:     tenant,
		Originator: device,
	})
	// False has no connection: the message is complete.
	require.NoError(t, submit(t, e, attrs))
	st, err = e.DeviceState(context.Background(), tenant, device)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Messages)
}

func TestEngineFanOut(t *testing.T) {
	counts := &sync.Map{}
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	rc := testutil.Chain(t, tenant, true,
		testutil.NodeSpec{Type: NodeLog},
		testutil.NodeSpec{Type: "counter", Config: map[string]string{"name": "a"}},
		testutil.NodeSpec{Type: "counter", Config: map[string]string{"name": "b"}},
	)
	rc.Connections = nil
	connect(&rc, 0, 1, storage.RelationSuccess)
	connect(&rc, 0, 2, storage.RelationSuccess)
	saveChain(t, store, rc)
	e := newTestEngine(t, store, WithNode("counter", counterFactory(counts)))

	device := core.NewEntityID(core.EntityDevice)
	require.NoError(t, submit(t, e, telemetry(tenant, device, core.NewMetadata())))
	assert.Equal(t, int64(1), count(counts, "a"))
	assert.Equal(t, int64(1), count(counts, "b"))
}

func TestEngineFanOutFailureWins(t *testing.T) {
	counts := &sync.Map{}
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	rc := testutil.Chain(t, tenant, true,
		testutil.NodeSpec{Type: NodeLog},
		testutil.NodeSpec{Type: "counter", Config: map[string]string{"name": "ok"}},
		testutil.NodeSpec{Type: NodeFail, Config: map[string]string{"message": "bad reading"}},
	)
	rc.Connections = nil
	connect(&rc, 0, 1, storage.RelationSuccess)
	connect(&rc, 0, 2, storage.RelationSuccess)
	saveChain(t, store, rc)
	e := newTestEngine(t, store, WithNode("counter", counterFactory(counts)))

	err := submit(t, e, telemetry(tenant, core.NewEntityID(core.EntityDevice), core.NewMetadata()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad reading")
	assert.Equal(t, int64(1), count(counts, "ok"))
}

func TestEngineFailureRelation(t *testing.T) {
	counts := &sync.Map{}
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	rc := testutil.Chain(t, tenant, true,
		testutil.NodeSpec{Type: NodeFail},
		testutil.NodeSpec{Type: "counter", Config: map[string]string{"name": "errors"}},
	)
	rc.Connections = nil
	connect(&rc, 0, 1, storage.RelationFailure)
	saveChain(t, store, rc)
	e := newTestEngine(t, store, WithNode("counter", counterFactory(counts)))

	require.NoError(t, submit(t, e, telemetry(tenant, core.NewEntityID(core.EntityDevice), core.NewMetadata())))
	assert.Equal(t, int64(1), count(counts, "errors"))
}

func TestEngineUnroutedFailure(t *testing.T) {
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	saveChain(t, store, testutil.Chain(t, tenant, true,
		testutil.NodeSpec{Type: NodeFail, Config: map[string]string{"message": "rejected"}}))
	e := newTestEngine(t, store)

	err := submit(t, e, telemetry(tenant, core.NewEntityID(core.EntityDevice), core.NewMetadata()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestEngineNoRootRuleChain(t *testing.T) {
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	saveChain(t, store, testutil.Chain(t, tenant, false, testutil.NodeSpec{Type: NodeLog}))
	e := newTestEngine(t, store)

	err := submit(t, e, telemetry(tenant, core.NewEntityID(core.EntityDevice), core.NewMetadata()))
	assert.ErrorIs(t, err, ErrNoRootRuleChain)
}

func TestEngineUnknownNodeTypeFailsMessages(t *testing.T) {
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	saveChain(t, store, testutil.Chain(t, tenant, true, testutil.NodeSpec{Type: "no_such_node"}))
	e := newTestEngine(t, store)

	err := submit(t, e, telemetry(tenant, core.NewEntityID(core.EntityDevice), core.NewMetadata()))
	assert.ErrorIs(t, err, ErrUnknownNodeType)
}

func TestEngineRuleChainErrorActor(t *testing.T) {
	counts := &sync.Map{}
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	saveChain(t, store, testutil.Chain(t, tenant, true, testutil.NodeSpec{Type: NodeLog}))
	e := newTestEngine(t, store, WithNode("counter", counterFactory(counts)))

	missing := testutil.Chain(t, tenant, false, testutil.NodeSpec{Type: "counter", Config: map[string]string{"name": "late"}})
	toMissing := func() *core.Msg {
		return telemetry(tenant, core.NewEntityID(core.EntityDevice), core.NewMetadata()).
			WithLineage(missing.ID, core.EntityID{})
	}

	err := submit(t, e, toMissing())
	assert.ErrorIs(t, err, ErrRuleChainNotFound)
	err = submit(t, e, toMissing())
	assert.ErrorIs(t, err, ErrRuleChainNotFound)

	saveChain(t, store, missing)
	require.NoError(t, e.OnComponentLifecycle(context.Background(), core.ComponentLifecycleEvent{
		Tenant: tenant,
		Entity: missing.ID,
		Event:  core.LifecycleCreated,
	}))

	require.Eventually(t, func() bool {
		msg, ch := withResult(toMissing())
		_ = e.Submit(context.Background(), msg)
		return await(t, ch) == nil
	}, waitFor, 10*time.Millisecond)
	assert.GreaterOrEqual(t, count(counts, "late"), int64(1))
}

func TestEngineRuleChainUpdateAndDelete(t *testing.T) {
	counts := &sync.Map{}
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	rc := testutil.Chain(t, tenant, true, testutil.NodeSpec{Type: "counter", Config: map[string]string{"name": "v1"}})
	saveChain(t, store, rc)
	e := newTestEngine(t, store, WithNode("counter", counterFactory(counts)))

	device := core.NewEntityID(core.EntityDevice)
	require.NoError(t, submit(t, e, telemetry(tenant, device, core.NewMetadata())))
	assert.Equal(t, int64(1), count(counts, "v1"))

	updated := rc.Clone()
	updated.Nodes[0].Config = json.RawMessage(`{"name":"v2"}`)
	saveChain(t, store, updated)
	require.NoError(t, e.OnComponentLifecycle(context.Background(), core.ComponentLifecycleEvent{
		Tenant: tenant,
		Entity: rc.ID,
		Event:  core.LifecycleUpdated,
	}))
	require.Eventually(t, func() bool {
		_ = submit(t, e, telemetry(tenant, device, core.NewMetadata()))
		return count(counts, "v2") > 0
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, store.Delete(context.Background(), tenant, rc.ID))
	require.NoError(t, e.OnComponentLifecycle(context.Background(), core.ComponentLifecycleEvent{
		Tenant: tenant,
		Entity: rc.ID,
		Event:  core.LifecycleDeleted,
	}))
	require.Eventually(t, func() bool {
		err := submit(t, e, telemetry(tenant, device, core.NewMetadata()))
		return errors.Is(err, ErrNoRootRuleChain)
	}, waitFor, 10*time.Millisecond)
}

func TestEngineTenantDeleted(t *testing.T) {
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	saveChain(t, store, testutil.Chain(t, tenant, true, testutil.NodeSpec{Type: NodeLog}))
	e := newTestEngine(t, store)

	require.NoError(t, submit(t, e, telemetry(tenant, core.NewEntityID(core.EntityDevice), core.NewMetadata())))
	_, ok := e.System().Get(core.TenantActorID(tenant))
	require.True(t, ok)

	require.NoError(t, e.OnComponentLifecycle(context.Background(), core.ComponentLifecycleEvent{
		Tenant: tenant,
		Entity: tenant,
		Event:  core.LifecycleDeleted,
	}))
	require.Eventually(t, func() bool {
		_, ok := e.System().Get(core.TenantActorID(tenant))
		return !ok
	}, waitFor, 10*time.Millisecond)
}

func TestEngineRateLimited(t *testing.T) {
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	saveChain(t, store, testutil.Chain(t, tenant, true, testutil.NodeSpec{Type: NodeLog}))

	cfg := ratelimit.DefaultConfig()
	cfg.Enabled = true
	cfg.Tenant.Limit = ratelimit.Limit{Rate: 0.001, Burst: 2}
	limiter := ratelimit.NewManager(cfg)
	t.Cleanup(limiter.Stop)
	e := newTestEngine(t, store, WithRateLimiter(limiter))

	device := core.NewEntityID(core.EntityDevice)
	require.NoError(t, submit(t, e, telemetry(tenant, device, core.NewMetadata())))
	require.NoError(t, submit(t, e, telemetry(tenant, device, core.NewMetadata())))

	msg, ch := withResult(telemetry(tenant, device, core.NewMetadata()))
	err := e.Submit(context.Background(), msg)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.ErrorIs(t, await(t, ch), ErrRateLimited)
}

type fakeProducer struct {
	mu   sync.Mutex
	sent map[string][]*core.Msg
}

func (p *fakeProducer) Send(_ context.Context, queue string, msg *core.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent == nil {
		p.sent = make(map[string][]*core.Msg)
	}
	p.sent[queue] = append(p.sent[queue], msg)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) messages(queue string) []*core.Msg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*core.Msg(nil), p.sent[queue]...)
}

func TestEngineCheckpointResumesAfterNode(t *testing.T) {
	counts := &sync.Map{}
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	rc := testutil.Chain(t, tenant, true,
		testutil.NodeSpec{Type: NodeCheckpoint, Config: map[string]string{"queue": "high"}},
		testutil.NodeSpec{Type: "counter", Config: map[string]string{"name": "after"}},
	)
	saveChain(t, store, rc)
	producer := &fakeProducer{}
	e := newTestEngine(t, store,
		WithProducer(producer),
		WithNode("counter", counterFactory(counts)))

	orig := telemetry(tenant, core.NewEntityID(core.EntityDevice), core.NewMetadata())
	require.NoError(t, submit(t, e, orig))
	assert.Equal(t, int64(0), count(counts, "after"))

	sent := producer.messages("high")
	require.Len(t, sent, 1)
	cp := sent[0]
	assert.NotEqual(t, orig.ID(), cp.ID())
	assert.Equal(t, "high", cp.Queue())
	assert.Equal(t, rc.ID, cp.RuleChainID())
	assert.Equal(t, rc.Nodes[0].ID, cp.RuleNodeID())

	require.NoError(t, submit(t, e, cp))
	assert.Equal(t, int64(1), count(counts, "after"))
}

type forwardCall struct {
	to  core.ServerAddress
	req *cluster.ForwardRequest
}

type fakeForwarder struct {
	mu      sync.Mutex
	calls   []forwardCall
	dropped []core.ServerAddress
	err     error
}

func (f *fakeForwarder) Forward(_ context.Context, to core.ServerAddress, req *cluster.ForwardRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, forwardCall{to: to, req: req})
	return f.err
}

func (f *fakeForwarder) DropPeer(addr core.ServerAddress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, addr)
}

func (f *fakeForwarder) snapshot() []forwardCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forwardCall(nil), f.calls...)
}

func twoMemberRing(t *testing.T) *cluster.Ring {
	t.Helper()
	h, err := cluster.NewHasher(cluster.HashMurmur3)
	require.NoError(t, err)
	r, err := cluster.NewRing(localAddr, h, 16)
	require.NoError(t, err)
	r.Join(localAddr)
	r.Join(remoteAddr)
	return r
}

// entityOwnedBy returns a new entity of type t owned by the local member when
// local is true, by the remote one otherwise.
func entityOwnedBy(t *testing.T, r *cluster.Ring, typ core.EntityType, local bool) core.EntityID {
	t.Helper()
	for i := 0; i < 1000; i++ {
		id := core.NewEntityID(typ)
		o, err := r.Resolve(id)
		require.NoError(t, err)
		if o.Local == local {
			return id
		}
	}
	t.Fatal("no entity with the requested owner")
	return core.EntityID{}
}

func TestEngineForwardsToOwner(t *testing.T) {
	ring := twoMemberRing(t)
	fwd := &fakeForwarder{}
	store := memory.New()
	e := newTestEngine(t, store, WithRing(ring), WithForwarder(fwd))

	tenant := entityOwnedBy(t, ring, core.EntityTenant, false)
	require.NoError(t, submit(t, e, telemetry(tenant, core.NewEntityID(core.EntityDevice), core.NewMetadata())))

	calls := fwd.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, remoteAddr, calls[0].to)
	assert.Equal(t, cluster.ClassRuleEngine, calls[0].req.Class)
	assert.Equal(t, tenant, calls[0].req.Key)
	assert.Equal(t, localAddr.String(), calls[0].req.Origin)

	fwd.err = cluster.ErrPeerUnavailable
	err := submit(t, e, telemetry(tenant, core.NewEntityID(core.EntityDevice), core.NewMetadata()))
	assert.ErrorIs(t, err, cluster.ErrPeerUnavailable)
}

func TestEngineForwardKeepsSubmissionOrder(t *testing.T) {
	ring := twoMemberRing(t)
	fwd := &fakeForwarder{}
	e := newTestEngine(t, memory.New(), WithRing(ring), WithForwarder(fwd))

	tenant := entityOwnedBy(t, ring, core.EntityTenant, false)
	device := core.NewEntityID(core.EntityDevice)
	const n = 500
	ids := make([]uuid.UUID, 0, n)
	results := make([]chan core.Result, 0, n)
	for i := 0; i < n; i++ {
		msg, ch := withResult(telemetry(tenant, device, core.NewMetadata()))
		ids = append(ids, msg.ID())
		results = append(results, ch)
		require.NoError(t, e.Submit(context.Background(), msg))
	}
	for _, ch := range results {
		require.NoError(t, await(t, ch))
	}

	calls := fwd.snapshot()
	require.Len(t, calls, n)
	for i, c := range calls {
		assert.Equal(t, ids[i], c.req.Msg.ID(), "forward %d out of order", i)
	}
}

func TestEngineShutdownFailsLateForwards(t *testing.T) {
	ring := twoMemberRing(t)
	fwd := &fakeForwarder{}
	e := newTestEngine(t, memory.New(), WithRing(ring), WithForwarder(fwd))
	require.NoError(t, e.Shutdown(context.Background()))

	tenant := entityOwnedBy(t, ring, core.EntityTenant, false)
	msg, ch := withResult(telemetry(tenant, core.NewEntityID(core.EntityDevice), core.NewMetadata()))
	assert.ErrorIs(t, e.Submit(context.Background(), msg), ErrStopped)
	assert.ErrorIs(t, await(t, ch), ErrStopped)
	assert.Empty(t, fwd.snapshot())
}

func TestEngineDeviceMessagesRouteByDevice(t *testing.T) {
	ring := twoMemberRing(t)
	fwd := &fakeForwarder{}
	store := memory.New()
	tenant := entityOwnedBy(t, ring, core.EntityTenant, true)
	saveChain(t, store, testutil.Chain(t, tenant, true, testutil.NodeSpec{Type: NodeDevice}))
	e := newTestEngine(t, store, WithRing(ring), WithForwarder(fwd))

	remoteDevice := entityOwnedBy(t, ring, core.EntityDevice, false)
	require.NoError(t, submit(t, e, telemetry(tenant, remoteDevice, core.NewMetadata())))

	calls := fwd.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, cluster.ClassDevice, calls[0].req.Class)
	assert.Equal(t, remoteDevice, calls[0].req.Key)
}

func TestEngineNoOwner(t *testing.T) {
	h, err := cluster.NewHasher(cluster.HashXXHash)
	require.NoError(t, err)
	ring, err := cluster.NewRing(localAddr, h, 4)
	require.NoError(t, err)
	e := newTestEngine(t, memory.New(), WithRing(ring))

	err = submit(t, e, telemetry(core.NewEntityID(core.EntityTenant), core.NewEntityID(core.EntityDevice), core.NewMetadata()))
	assert.ErrorIs(t, err, cluster.ErrNoOwner)
}

func TestEngineHandleForward(t *testing.T) {
	ring := twoMemberRing(t)
	store := memory.New()
	local := entityOwnedBy(t, ring, core.EntityTenant, true)
	saveChain(t, store, testutil.Chain(t, local, true, testutil.NodeSpec{Type: NodeLog}))
	e := newTestEngine(t, store, WithRing(ring), WithForwarder(&fakeForwarder{}))
	ctx := context.Background()

	remote := entityOwnedBy(t, ring, core.EntityTenant, false)
	err := e.HandleForward(ctx, &cluster.ForwardRequest{
		Class: cluster.ClassRuleEngine,
		Key:   remote,
		Msg:   telemetry(remote, core.NewEntityID(core.EntityDevice), core.NewMetadata()),
	})
	assert.ErrorIs(t, err, ErrNotOwner)

	err = e.HandleForward(ctx, &cluster.ForwardRequest{
		Class: cluster.ClassRuleEngine,
		Key:   local,
		Msg:   telemetry(local, core.NewEntityID(core.EntityDevice), core.NewMetadata()),
	})
	assert.NoError(t, err)

	other := entityOwnedBy(t, ring, core.EntityTenant, true)
	err = e.HandleForward(ctx, &cluster.ForwardRequest{
		Class: cluster.ClassRuleEngine,
		Key:   other,
		Msg:   telemetry(other, core.NewEntityID(core.EntityDevice), core.NewMetadata()),
	})
	assert.ErrorIs(t, err, ErrNoRootRuleChain)

	err = e.HandleForward(ctx, &cluster.ForwardRequest{Class: "bogus", Key: local})
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestEngineLifecycleRouting(t *testing.T) {
	ring := twoMemberRing(t)
	fwd := &fakeForwarder{}
	e := newTestEngine(t, memory.New(), WithRing(ring), WithForwarder(fwd))
	ctx := context.Background()

	remote := entityOwnedBy(t, ring, core.EntityTenant, false)
	require.NoError(t, e.OnComponentLifecycle(ctx, core.ComponentLifecycleEvent{
		Tenant: remote,
		Entity: core.NewEntityID(core.EntityRuleChain),
		Event:  core.LifecycleUpdated,
	}))
	calls := fwd.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, cluster.ClassLifecycle, calls[0].req.Class)
	assert.True(t, calls[0].req.HighPriority)

	var ev core.ComponentLifecycleEvent
	require.NoError(t, json.Unmarshal(calls[0].req.Payload, &ev))
	assert.Equal(t, core.LifecycleUpdated, ev.Event)

	// A deleted tenant is announced to every other member, whoever owns it.
	local := entityOwnedBy(t, ring, core.EntityTenant, true)
	require.NoError(t, e.OnComponentLifecycle(ctx, core.ComponentLifecycleEvent{
		Tenant: local,
		Entity: local,
		Event:  core.LifecycleDeleted,
	}))
	calls = fwd.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, remoteAddr, calls[1].to)
}

func TestEnginePartitionChangeStopsMovedDevices(t *testing.T) {
	h, err := cluster.NewHasher(cluster.HashMurmur3)
	require.NoError(t, err)
	ring, err := cluster.NewRing(localAddr, h, 16)
	require.NoError(t, err)
	ring.Join(localAddr)

	// Pick a device the remote member will own once it joins.
	future := twoMemberRing(t)
	device := entityOwnedBy(t, future, core.EntityDevice, false)

	fwd := &fakeForwarder{}
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	saveChain(t, store, testutil.Chain(t, tenant, true, testutil.NodeSpec{Type: NodeDevice}))
	e := newTestEngine(t, store, WithRing(ring), WithForwarder(fwd))

	require.NoError(t, submit(t, e, telemetry(tenant, device, core.NewMetadata())))
	_, err = e.DeviceState(context.Background(), tenant, device)
	require.NoError(t, err)

	ring.Join(remoteAddr)
	e.OnRingChange(cluster.RingChange{Version: ring.Version(), Joined: []core.ServerAddress{remoteAddr}})

	require.Eventually(t, func() bool {
		_, err := e.DeviceState(context.Background(), tenant, device)
		return errors.Is(err, actor.ErrActorNotRegistered) || errors.Is(err, actor.ErrActorStopped)
	}, waitFor, 10*time.Millisecond)

	ring.Leave(remoteAddr)
	e.OnRingChange(cluster.RingChange{Version: ring.Version(), Left: []core.ServerAddress{remoteAddr}})
	fwd.mu.Lock()
	assert.Equal(t, []core.ServerAddress{remoteAddr}, fwd.dropped)
	fwd.mu.Unlock()
}

func TestEngineEvictsIdleDevices(t *testing.T) {
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	saveChain(t, store, testutil.Chain(t, tenant, true, testutil.NodeSpec{Type: NodeDevice}))

	e, err := New(Config{
		IdleEvictionTimeout: 30 * time.Millisecond,
		EvictionInterval:    10 * time.Millisecond,
	}, store, testutil.Logger())
	require.NoError(t, err)
	defer e.Shutdown(context.Background())

	device := core.NewEntityID(core.EntityDevice)
	require.NoError(t, submit(t, e, telemetry(tenant, device, core.NewMetadata())))

	require.Eventually(t, func() bool {
		_, ok := e.System().Get(core.DeviceActorID(tenant, device))
		return !ok
	}, waitFor, 10*time.Millisecond)

	// The next message recreates the actor with fresh state.
	require.NoError(t, submit(t, e, telemetry(tenant, device, core.NewMetadata())))
}

func TestEngineGetOrCreate(t *testing.T) {
	store := memory.New()
	tenant := core.NewEntityID(core.EntityTenant)
	e := newTestEngine(t, store)
	ctx := context.Background()

	device := core.DeviceActorID(tenant, core.NewEntityID(core.EntityDevice))
	ref, err := e.GetOrCreate(ctx, device)
	require.NoError(t, err)
	assert.Equal(t, device, ref.ID())

	again, err := e.GetOrCreate(ctx, device)
	require.NoError(t, err)
	assert.Equal(t, ref.ID(), again.ID())

	_, ok := e.System().Get(core.TenantActorID(tenant))
	assert.True(t, ok)

	_, err = e.GetOrCreate(ctx, core.RuleNodeActorID(tenant, core.NewEntityID(core.EntityRuleNode)))
	assert.ErrorIs(t, err, actor.ErrActorNotRegistered)

	require.NoError(t, e.Stop(device))
	require.Eventually(t, func() bool {
		_, ok := e.System().Get(device)
		return !ok
	}, waitFor, 10*time.Millisecond)
}
