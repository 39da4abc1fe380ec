// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine hosts the actor hierarchy of the rule engine and routes
// messages to the cluster member owning them.
//
// The hierarchy is Root -> Tenant -> {RuleChain -> RuleNode, Device}.
// Rule engine messages are owned by the member owning their tenant, device
// messages by the member owning the device.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxrule/actor"
	"github.com/absmach/fluxrule/cluster"
	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/queue"
	"github.com/absmach/fluxrule/ratelimit"
	"github.com/absmach/fluxrule/storage"
)

// Dispatcher names.
const (
	DispatcherTenant     = "tenant"
	DispatcherRuleEngine = "rule-engine"
	DispatcherDevice     = "device"
)

var (
	ErrRuleChainNotFound = errors.New("rule chain not found")
	ErrNoRootRuleChain   = errors.New("tenant has no root rule chain")
	ErrNotOwner          = errors.New("entity is not owned by this member")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrUnknownClass      = errors.New("unknown forward class")
	ErrStopped           = errors.New("engine stopped")
)

var (
	_ queue.Submitter        = (*Engine)(nil)
	_ cluster.ForwardHandler = (*Engine)(nil)
)

func errUnexpected(id core.ActorID, msg actor.Message) error {
	return fmt.Errorf("%w: %s cannot handle %s", ErrUnexpectedMessage, id, msg.MsgType())
}

// Forwarder sends a message to the cluster member owning it.
type Forwarder interface {
	Forward(ctx context.Context, to core.ServerAddress, req *cluster.ForwardRequest) error
	DropPeer(addr core.ServerAddress)
}

// RouteObserver is notified of routing decisions.
type RouteObserver interface {
	RoutedLocal(class string)
	RoutedRemote(class string)
	RouteFailed(class string)
}

type nopRouteObserver struct{}

func (nopRouteObserver) RoutedLocal(string)  {}
func (nopRouteObserver) RoutedRemote(string) {}
func (nopRouteObserver) RouteFailed(string)  {}

// Config holds the engine settings.
type Config struct {
	TenantDispatcherSize     int
	RuleEngineDispatcherSize int
	DeviceDispatcherSize     int

	// IdleEvictionTimeout stops device actors without traffic for that long.
	// Zero disables eviction.
	IdleEvictionTimeout time.Duration
	EvictionInterval    time.Duration

	Actor actor.Config
}

func (c *Config) setDefaults() {
	if c.TenantDispatcherSize <= 0 {
		c.TenantDispatcherSize = 2
	}
	if c.RuleEngineDispatcherSize <= 0 {
		c.RuleEngineDispatcherSize = 8
	}
	if c.DeviceDispatcherSize <= 0 {
		c.DeviceDispatcherSize = 4
	}
	if c.IdleEvictionTimeout > 0 && c.EvictionInterval <= 0 {
		c.EvictionInterval = c.IdleEvictionTimeout / 2
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithRing routes by ownership on r. Without a ring every entity is local.
func WithRing(r *cluster.Ring) Option {
	return func(e *Engine) { e.ring = r }
}

// WithForwarder sends messages owned by other members through f.
func WithForwarder(f Forwarder) Option {
	return func(e *Engine) { e.forwarder = f }
}

// WithProducer lets nodes publish to broker queues.
func WithProducer(p queue.Producer) Option {
	return func(e *Engine) { e.producer = p }
}

// WithRateLimiter applies tenant and device limits on submission.
func WithRateLimiter(m *ratelimit.Manager) Option {
	return func(e *Engine) { e.limiter = m }
}

// WithRouteObserver reports routing decisions to o.
func WithRouteObserver(o RouteObserver) Option {
	return func(e *Engine) {
		if o != nil {
			e.routes = o
		}
	}
}

// WithActorObserver reports actor runtime events to o.
func WithActorObserver(o actor.Observer) Option {
	return func(e *Engine) { e.actorObserver = o }
}

// WithNode registers a node type, replacing a built-in one of the same name.
func WithNode(typ string, f NodeFactory) Option {
	return func(e *Engine) { e.nodes[typ] = f }
}

// Engine is the entry point of the rule engine.
type Engine struct {
	cfg       Config
	system    *actor.System
	store     storage.RuleChainStore
	ring      *cluster.Ring
	forwarder Forwarder
	producer  queue.Producer
	limiter   *ratelimit.Manager
	routes    RouteObserver
	nodes     map[string]NodeFactory
	logger    *slog.Logger

	actorObserver actor.Observer

	ctx      context.Context
	cancel   context.CancelFunc
	forwards *forwardQueues
}

// New creates the actor system, its dispatchers and the root actor.
func New(cfg Config, store storage.RuleChainStore, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("rule chain store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()

	e := &Engine{
		cfg:    cfg,
		store:  store,
		routes: nopRouteObserver{},
		nodes:  DefaultNodes(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.forwards = newForwardQueues(e.ctx, e.forward)

	var sysOpts []actor.Option
	if e.actorObserver != nil {
		sysOpts = append(sysOpts, actor.WithObserver(e.actorObserver))
	}
	e.system = actor.NewSystem(cfg.Actor, logger, sysOpts...)

	dispatchers := []struct {
		name string
		size int
	}{
		{DispatcherTenant, cfg.TenantDispatcherSize},
		{DispatcherRuleEngine, cfg.RuleEngineDispatcherSize},
		{DispatcherDevice, cfg.DeviceDispatcherSize},
	}
	for _, d := range dispatchers {
		if _, err := e.system.CreateDispatcher(d.name, d.size); err != nil {
			e.cancel()
			return nil, err
		}
	}
	if _, err := e.system.CreateRootActor(DispatcherTenant, actor.Props{
		ID:  core.RootActorID(),
		New: func() actor.Actor { return &rootActor{e: e} },
	}); err != nil {
		e.cancel()
		return nil, err
	}
	return e, nil
}

// System returns the underlying actor system.
func (e *Engine) System() *actor.System {
	return e.system
}

func (e *Engine) tenantProps(tenant core.EntityID) actor.Props {
	return actor.Props{
		ID:  core.TenantActorID(tenant),
		New: func() actor.Actor { return newTenantActor(e, tenant) },
	}
}

func (e *Engine) ruleChainProps(tenant, chain core.EntityID) actor.Props {
	return actor.Props{
		ID: core.RuleChainActorID(tenant, chain),
		New: func() actor.Actor {
			return &ruleChainActor{e: e, tenant: tenant, id: chain}
		},
		Fallback: func(err error) actor.Actor {
			return newRuleChainErrorActor(chain, err)
		},
	}
}

func (e *Engine) ruleNodeProps(tenant core.EntityID, n storage.RuleNode) actor.Props {
	return actor.Props{
		ID: core.RuleNodeActorID(tenant, n.ID),
		New: func() actor.Actor {
			return &ruleNodeActor{e: e, tenant: tenant, node: n}
		},
		Fallback: func(err error) actor.Actor {
			return &ruleNodeActor{e: e, tenant: tenant, node: n, impl: brokenNode{err: err}}
		},
	}
}

func (e *Engine) deviceProps(tenant, device core.EntityID) actor.Props {
	return actor.Props{
		ID:  core.DeviceActorID(tenant, device),
		New: func() actor.Actor { return newDeviceActor(device) },
	}
}

// GetOrCreate returns the actor id, creating it and its ancestors when
// missing. Rule node actors are owned by their chain and are only returned.
func (e *Engine) GetOrCreate(_ context.Context, id core.ActorID) (actor.Ref, error) {
	root := core.RootActorID()
	switch id.Kind {
	case core.ActorRoot:
		ref, ok := e.system.Get(root)
		if !ok {
			return actor.Ref{}, ErrStopped
		}
		return ref, nil
	case core.ActorTenant:
		return e.system.GetOrCreateChild(DispatcherTenant, e.tenantProps(id.Tenant), root)
	case core.ActorRuleChain, core.ActorDevice:
		if _, err := e.system.GetOrCreateChild(DispatcherTenant, e.tenantProps(id.Tenant), root); err != nil {
			return actor.Ref{}, err
		}
		parent := core.TenantActorID(id.Tenant)
		if id.Kind == core.ActorDevice {
			return e.system.GetOrCreateChild(DispatcherDevice, e.deviceProps(id.Tenant, id.Entity), parent)
		}
		return e.system.GetOrCreateChild(DispatcherRuleEngine, e.ruleChainProps(id.Tenant, id.Entity), parent)
	case core.ActorRuleNode:
		ref, ok := e.system.Get(id)
		if !ok {
			return actor.Ref{}, fmt.Errorf("%w: %s", actor.ErrActorNotRegistered, id)
		}
		return ref, nil
	default:
		return actor.Ref{}, fmt.Errorf("unknown actor kind %q", id.Kind)
	}
}

// Stop asks actor id and its subtree to stop.
func (e *Engine) Stop(id core.ActorID) error {
	return e.system.Stop(id)
}

// Tell enqueues msg on the normal lane of actor id.
func (e *Engine) Tell(id core.ActorID, msg actor.Message) error {
	return e.system.Tell(id, msg)
}

// TellHighPriority enqueues msg on the high-priority lane of actor id.
func (e *Engine) TellHighPriority(id core.ActorID, msg actor.Message) error {
	return e.system.TellHighPriority(id, msg)
}

// Submit routes an inbound rule engine message to the member owning its
// tenant. The outcome is reported through the message callback; a returned
// error means the callback was already failed.
func (e *Engine) Submit(ctx context.Context, msg *core.Msg) error {
	tenant := msg.Tenant()
	if !e.limiter.AllowTenant(tenant) {
		err := fmt.Errorf("%w: tenant %s", ErrRateLimited, tenant)
		msg.Callback().OnFailure(err)
		return err
	}
	return e.route(ctx, cluster.ClassRuleEngine, tenant, msg, func() error {
		return e.system.Tell(core.RootActorID(), QueueToRuleEngineMsg{Msg: msg})
	})
}

// SubmitToDevice routes msg to the actor of device on the member owning the
// device.
func (e *Engine) SubmitToDevice(ctx context.Context, device core.EntityID, msg *core.Msg) error {
	if !e.limiter.AllowDevice(device) {
		err := fmt.Errorf("%w: device %s", ErrRateLimited, device)
		msg.Callback().OnFailure(err)
		return err
	}
	return e.route(ctx, cluster.ClassDevice, device, msg, func() error {
		return e.system.Tell(core.RootActorID(), DeviceMsg{Device: device, Msg: msg})
	})
}

func (e *Engine) route(_ context.Context, class string, key core.EntityID, msg *core.Msg, local func() error) error {
	owner, err := e.owner(key)
	if err != nil {
		e.routes.RouteFailed(class)
		msg.Callback().OnFailure(err)
		return err
	}
	if owner.Local {
		e.routes.RoutedLocal(class)
		return local()
	}
	if e.forwarder == nil {
		err := fmt.Errorf("%w: %s is owned by %s and forwarding is disabled", ErrNotOwner, key, owner.Address)
		e.routes.RouteFailed(class)
		msg.Callback().OnFailure(err)
		return err
	}

	e.routes.RoutedRemote(class)
	req := &cluster.ForwardRequest{
		Class:  class,
		Key:    key,
		Msg:    msg,
		Origin: e.ring.Local().String(),
	}
	if err := e.forwards.enqueue(owner.Address, forwardJob{class: class, req: req}); err != nil {
		e.routes.RouteFailed(class)
		msg.Callback().OnFailure(err)
		return err
	}
	return nil
}

func (e *Engine) forward(ctx context.Context, to core.ServerAddress, job forwardJob) {
	msg := job.req.Msg
	if err := e.forwarder.Forward(ctx, to, job.req); err != nil {
		e.routes.RouteFailed(job.class)
		msg.Callback().OnFailure(fmt.Errorf("forward to %s: %w", to, err))
		return
	}
	msg.Callback().OnSuccess()
}

func (e *Engine) owner(key core.EntityID) (cluster.Owner, error) {
	if e.ring == nil {
		return cluster.Owner{Local: true}, nil
	}
	return e.ring.Resolve(key)
}

func (e *Engine) ownsDevice(device core.EntityID) bool {
	owner, err := e.owner(device)
	return err == nil && owner.Local
}

func lifecycleKey(ev core.ComponentLifecycleEvent) core.EntityID {
	if ev.Entity.Type == core.EntityDevice {
		return ev.Entity
	}
	return ev.Tenant
}

// OnComponentLifecycle delivers a structural change to the member owning
// it. A deleted tenant is announced to every member.
func (e *Engine) OnComponentLifecycle(ctx context.Context, ev core.ComponentLifecycleEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req := &cluster.ForwardRequest{
		Class:        cluster.ClassLifecycle,
		Key:          lifecycleKey(ev),
		Payload:      payload,
		HighPriority: true,
	}

	if ev.Entity.Type == core.EntityTenant && ev.Event == core.LifecycleDeleted {
		errs := []error{e.deliverLifecycle(ev)}
		if e.ring != nil && e.forwarder != nil {
			req.Origin = e.ring.Local().String()
			for _, m := range e.ring.Members() {
				if m == e.ring.Local() {
					continue
				}
				if err := e.forwarder.Forward(ctx, m, req); err != nil {
					errs = append(errs, fmt.Errorf("announce to %s: %w", m, err))
				}
			}
		}
		return errors.Join(errs...)
	}

	owner, err := e.owner(req.Key)
	if err != nil {
		e.routes.RouteFailed(cluster.ClassLifecycle)
		return err
	}
	if owner.Local {
		e.routes.RoutedLocal(cluster.ClassLifecycle)
		return e.deliverLifecycle(ev)
	}
	if e.forwarder == nil {
		return fmt.Errorf("%w: %s is owned by %s", ErrNotOwner, req.Key, owner.Address)
	}
	e.routes.RoutedRemote(cluster.ClassLifecycle)
	req.Origin = e.ring.Local().String()
	if err := e.forwarder.Forward(ctx, owner.Address, req); err != nil {
		e.routes.RouteFailed(cluster.ClassLifecycle)
		return err
	}
	return nil
}

func (e *Engine) deliverLifecycle(ev core.ComponentLifecycleEvent) error {
	return e.system.TellHighPriority(core.RootActorID(), ComponentLifecycleMsg{Event: ev})
}

// HandleForward processes a message forwarded by another member. Rule
// engine and device messages are processed before it returns so the sender
// learns their outcome.
func (e *Engine) HandleForward(ctx context.Context, req *cluster.ForwardRequest) error {
	switch req.Class {
	case cluster.ClassLifecycle:
		var ev core.ComponentLifecycleEvent
		if err := json.Unmarshal(req.Payload, &ev); err != nil {
			return fmt.Errorf("invalid lifecycle payload: %w", err)
		}
		broadcast := ev.Entity.Type == core.EntityTenant && ev.Event == core.LifecycleDeleted
		if !broadcast {
			if err := e.checkOwner(lifecycleKey(ev)); err != nil {
				return err
			}
		}
		return e.deliverLifecycle(ev)
	case cluster.ClassRuleEngine, cluster.ClassDevice:
		if req.Msg == nil {
			return fmt.Errorf("%s forward without message", req.Class)
		}
		if err := e.checkOwner(req.Key); err != nil {
			return err
		}
		return e.deliverAndWait(ctx, req)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownClass, req.Class)
	}
}

func (e *Engine) checkOwner(key core.EntityID) error {
	owner, err := e.owner(key)
	if err != nil {
		return err
	}
	if !owner.Local {
		return fmt.Errorf("%w: %s belongs to %s", ErrNotOwner, key, owner.Address)
	}
	return nil
}

func (e *Engine) deliverAndWait(ctx context.Context, req *cluster.ForwardRequest) error {
	results := make(chan core.Result, 1)
	msg := req.Msg.WithCallback(core.ChanCallback(req.Msg.ID(), results))

	var am actor.Message = QueueToRuleEngineMsg{Msg: msg}
	if req.Class == cluster.ClassDevice {
		am = DeviceMsg{Device: req.Key, Msg: msg}
	}
	e.routes.RoutedLocal(req.Class)
	if req.HighPriority {
		_ = e.system.TellHighPriority(core.RootActorID(), am)
	} else {
		_ = e.system.Tell(core.RootActorID(), am)
	}

	select {
	case res := <-results:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrStopped
	}
}

// OnRingChange releases peers that left and lets tenants drop device actors
// owned elsewhere now.
func (e *Engine) OnRingChange(change cluster.RingChange) {
	if e.forwarder != nil {
		for _, addr := range change.Left {
			e.forwards.drop(addr)
			e.forwarder.DropPeer(addr)
		}
	}
	_ = e.system.TellHighPriority(core.RootActorID(), PartitionChangeMsg{Version: change.Version})
}

// DeviceState returns a snapshot of the actor of device.
func (e *Engine) DeviceState(ctx context.Context, tenant, device core.EntityID) (DeviceState, error) {
	reply := make(chan deviceStateReply, 1)
	if err := e.system.TellHighPriority(core.DeviceActorID(tenant, device), deviceStateQuery{reply: reply}); err != nil {
		return DeviceState{}, err
	}
	select {
	case r := <-reply:
		return r.state, r.err
	case <-ctx.Done():
		return DeviceState{}, ctx.Err()
	}
}

// Shutdown cancels pending forwards, waits for their callbacks and stops the
// actor system.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	e.forwards.stop()
	return e.system.Shutdown(ctx)
}
