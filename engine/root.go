// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"

	"github.com/absmach/fluxrule/actor"
	"github.com/absmach/fluxrule/core"
)

// rootActor supervises the tenant actors and routes every inbound message to
// the tenant it belongs to.
type rootActor struct {
	e *Engine
}

func (r *rootActor) Init(*actor.Context) error {
	return nil
}

func (r *rootActor) OnMessage(ctx *actor.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case QueueToRuleEngineMsg:
		return r.toTenant(ctx, m.Msg.Tenant(), m)
	case DeviceMsg:
		return r.toTenant(ctx, m.Msg.Tenant(), m)
	case ComponentLifecycleMsg:
		r.onLifecycle(ctx, m)
	case PartitionChangeMsg:
		ctx.BroadcastToChildren(m, true)
	case actor.ChildFailure:
		ctx.Logger().Warn("tenant actor failure",
			slog.String("tenant", m.Child.String()),
			slog.String("msg_type", m.FailedType),
			slog.String("error", m.Err.Error()))
	default:
		ctx.Logger().Debug("unexpected root message", slog.String("msg_type", msg.MsgType()))
	}
	return nil
}

func (r *rootActor) toTenant(ctx *actor.Context, tenant core.EntityID, msg actor.Message) error {
	ref, err := ctx.GetOrCreateChildOn(DispatcherTenant, r.e.tenantProps(tenant))
	if err != nil {
		actor.Fail(msg, err)
		return nil
	}
	_ = ref.Tell(msg)
	return nil
}

func (r *rootActor) onLifecycle(ctx *actor.Context, m ComponentLifecycleMsg) {
	ev := m.Event
	id := core.TenantActorID(ev.Tenant)
	if ev.Entity.Type == core.EntityTenant && ev.Event == core.LifecycleDeleted {
		if _, ok := ctx.Child(id); ok {
			ctx.Logger().Info("stopping deleted tenant", slog.String("tenant", ev.Tenant.String()))
			_ = ctx.Stop(id)
		}
		return
	}
	// A tenant that is not running loads its current state on creation.
	if ref, ok := ctx.Child(id); ok {
		_ = ref.TellHighPriority(m)
	}
}

func (r *rootActor) Destroy(*actor.Context, error) {}
