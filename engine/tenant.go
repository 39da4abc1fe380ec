// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxrule/actor"
	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/storage"
)

// tenantActor owns the rule chain and device actors of one tenant.
type tenantActor struct {
	e      *Engine
	tenant core.EntityID

	root        core.EntityID
	errorChains map[core.EntityID]bool
}

func newTenantActor(e *Engine, tenant core.EntityID) *tenantActor {
	return &tenantActor{
		e:           e,
		tenant:      tenant,
		errorChains: make(map[core.EntityID]bool),
	}
}

func (t *tenantActor) Init(ctx *actor.Context) error {
	chains, err := t.e.store.List(t.e.ctx, t.tenant)
	if err != nil {
		return fmt.Errorf("failed to load rule chains of %s: %w", t.tenant, err)
	}
	for _, rc := range chains {
		if rc.Root {
			t.root = rc.ID
		}
		if _, err := ctx.GetOrCreateChildOn(DispatcherRuleEngine, t.e.ruleChainProps(t.tenant, rc.ID)); err != nil {
			return err
		}
	}
	if t.e.cfg.IdleEvictionTimeout > 0 {
		ctx.ScheduleSelf(evictIdleTick{}, t.e.cfg.EvictionInterval)
	}
	ctx.Logger().Debug("tenant started",
		slog.Int("rule_chains", len(chains)),
		slog.String("root", t.root.String()))
	return nil
}

func (t *tenantActor) OnMessage(ctx *actor.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case QueueToRuleEngineMsg:
		t.onQueueMsg(ctx, m)
	case DeviceMsg:
		ref, err := ctx.GetOrCreateChildOn(DispatcherDevice, t.e.deviceProps(t.tenant, m.Device))
		if err != nil {
			m.Fail(err)
			return nil
		}
		_ = ref.Tell(m)
	case ComponentLifecycleMsg:
		t.onLifecycle(ctx, m)
	case PartitionChangeMsg:
		t.onPartitionChange(ctx)
	case evictIdleTick:
		evicted := ctx.EvictIdleChildren(t.e.cfg.IdleEvictionTimeout, isDevice)
		if len(evicted) > 0 {
			ctx.Logger().Debug("evicted idle device actors", slog.Int("count", len(evicted)))
		}
		ctx.ScheduleSelf(evictIdleTick{}, t.e.cfg.EvictionInterval)
	case actor.ChildFailure:
		if errors.Is(m.Err, ErrRuleChainNotFound) {
			t.errorChains[m.Child.Entity] = true
		}
		ctx.Logger().Debug("child failure",
			slog.String("child", m.Child.String()),
			slog.String("msg_type", m.FailedType),
			slog.String("error", m.Err.Error()))
	default:
		actor.Fail(msg, errUnexpected(ctx.Self(), msg))
	}
	return nil
}

func (t *tenantActor) onQueueMsg(ctx *actor.Context, m QueueToRuleEngineMsg) {
	target := m.Msg.RuleChainID()
	if target.IsZero() {
		if t.root.IsZero() {
			m.Fail(fmt.Errorf("%w: %s", ErrNoRootRuleChain, t.tenant))
			return
		}
		target = t.root
	}
	ref, err := t.ruleChain(ctx, target)
	if err != nil {
		m.Fail(err)
		return
	}
	_ = ref.Tell(m)
}

// ruleChain returns the actor of chain id, registering the error actor when
// the chain does not exist.
func (t *tenantActor) ruleChain(ctx *actor.Context, id core.EntityID) (actor.Ref, error) {
	aid := core.RuleChainActorID(t.tenant, id)
	if ref, ok := ctx.Child(aid); ok {
		return ref, nil
	}
	_, err := t.e.store.Get(t.e.ctx, t.tenant, id)
	switch {
	case err == nil:
		delete(t.errorChains, id)
		return ctx.GetOrCreateChildOn(DispatcherRuleEngine, t.e.ruleChainProps(t.tenant, id))
	case errors.Is(err, storage.ErrNotFound):
		ctx.Logger().Warn("message for unknown rule chain", slog.String("rule_chain", id.String()))
		t.errorChains[id] = true
		return ctx.GetOrCreateChildOn(DispatcherRuleEngine, actor.Props{
			ID:  aid,
			New: func() actor.Actor { return newRuleChainErrorActor(id, err) },
		})
	default:
		return actor.Ref{}, fmt.Errorf("failed to load rule chain %s: %w", id, err)
	}
}

func (t *tenantActor) onLifecycle(ctx *actor.Context, m ComponentLifecycleMsg) {
	ev := m.Event
	switch ev.Entity.Type {
	case core.EntityRuleChain:
		t.onRuleChainLifecycle(ctx, m)
	case core.EntityDevice:
		if ev.Event == core.LifecycleDeleted {
			id := core.DeviceActorID(t.tenant, ev.Entity)
			if _, ok := ctx.Child(id); ok {
				_ = ctx.Stop(id)
			}
		}
	default:
		ctx.Logger().Debug("ignoring lifecycle event",
			slog.String("entity", ev.Entity.String()),
			slog.String("event", string(ev.Event)))
	}
}

func (t *tenantActor) onRuleChainLifecycle(ctx *actor.Context, m ComponentLifecycleMsg) {
	ev := m.Event
	id := core.RuleChainActorID(t.tenant, ev.Entity)
	logger := ctx.Logger().With(
		slog.String("rule_chain", ev.Entity.String()),
		slog.String("event", string(ev.Event)))

	defer t.refreshRoot(ctx)

	if ev.Event == core.LifecycleDeleted {
		delete(t.errorChains, ev.Entity)
		if _, ok := ctx.Child(id); ok {
			logger.Info("stopping deleted rule chain")
			_ = ctx.Stop(id)
		}
		return
	}

	_, err := t.e.store.Get(t.e.ctx, t.tenant, ev.Entity)
	if err != nil {
		logger.Warn("rule chain lifecycle event without metadata", slog.String("error", err.Error()))
		return
	}

	props := t.e.ruleChainProps(t.tenant, ev.Entity)
	ref, running := ctx.Child(id)
	switch {
	case t.errorChains[ev.Entity]:
		delete(t.errorChains, ev.Entity)
		logger.Info("replacing rule chain error actor")
		if err := ctx.RestartChild(props); err != nil {
			logger.Warn("failed to restart rule chain", slog.String("error", err.Error()))
		}
	case running:
		_ = ref.TellHighPriority(m)
	default:
		if _, err := ctx.GetOrCreateChildOn(DispatcherRuleEngine, props); err != nil {
			logger.Warn("failed to start rule chain", slog.String("error", err.Error()))
		}
	}
}

func (t *tenantActor) refreshRoot(ctx *actor.Context) {
	rc, err := t.e.store.Root(t.e.ctx, t.tenant)
	switch {
	case err == nil:
		t.root = rc.ID
	case errors.Is(err, storage.ErrNotFound):
		t.root = core.EntityID{}
	default:
		ctx.Logger().Warn("failed to refresh root rule chain", slog.String("error", err.Error()))
	}
}

func (t *tenantActor) onPartitionChange(ctx *actor.Context) {
	moved := ctx.FilterChildren(func(id core.ActorID) bool {
		return id.Kind == core.ActorDevice && !t.e.ownsDevice(id.Entity)
	})
	for _, id := range moved {
		_ = ctx.Stop(id)
	}
	if len(moved) > 0 {
		ctx.Logger().Info("stopped device actors owned by other members", slog.Int("count", len(moved)))
	}
}

func (t *tenantActor) Destroy(*actor.Context, error) {}

func isDevice(id core.ActorID) bool {
	return id.Kind == core.ActorDevice
}
