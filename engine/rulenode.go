// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxrule/actor"
	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/storage"
)

// ruleNodeActor runs one node and reports its outcome to the chain.
type ruleNodeActor struct {
	e      *Engine
	tenant core.EntityID
	node   storage.RuleNode
	impl   Node
	nctx   *nodeContext
}

func (n *ruleNodeActor) Init(ctx *actor.Context) error {
	n.nctx = &nodeContext{e: n.e, tenant: n.tenant, node: n.node, logger: ctx.Logger()}
	if n.impl != nil {
		return nil
	}
	factory, ok := n.e.nodes[n.node.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNodeType, n.node.Type)
	}
	impl, err := factory(n.node.Config)
	if err != nil {
		return fmt.Errorf("rule node %s (%s): %w", n.node.ID, n.node.Type, err)
	}
	n.impl = impl
	return nil
}

func (n *ruleNodeActor) OnMessage(ctx *actor.Context, msg actor.Message) error {
	m, ok := msg.(RuleChainToRuleNodeMsg)
	if !ok {
		actor.Fail(msg, errUnexpected(ctx.Self(), msg))
		return nil
	}

	out, err := n.impl.OnMsg(n.nctx, m.Msg)
	next := RuleNodeToRuleChainTellNextMsg{From: n.node.ID, Msg: m.Msg}
	switch {
	case err != nil:
		next.Relations = []string{storage.RelationFailure}
		next.Err = fmt.Errorf("rule node %s (%s): %w", n.node.Name, n.node.Type, err)
	case out.Forwarded:
		return nil
	default:
		next.Relations = out.Relations
		if len(next.Relations) == 0 {
			next.Relations = []string{storage.RelationSuccess}
		}
		if out.Msg != nil {
			next.Msg = out.Msg
		}
	}
	chain := core.RuleChainActorID(n.tenant, n.node.RuleChainID)
	return ctx.Tell(chain, next)
}

func (n *ruleNodeActor) Destroy(*actor.Context, error) {}

// brokenNode replaces a node whose init kept failing. Every message leaves it
// through the Failure relation.
type brokenNode struct {
	err error
}

func (b brokenNode) OnMsg(NodeContext, *core.Msg) (Outcome, error) {
	return Outcome{}, b.err
}

type nodeContext struct {
	e      *Engine
	tenant core.EntityID
	node   storage.RuleNode
	logger *slog.Logger
}

var _ NodeContext = (*nodeContext)(nil)

func (c *nodeContext) Context() context.Context { return c.e.ctx }

func (c *nodeContext) Tenant() core.EntityID { return c.tenant }

func (c *nodeContext) Node() storage.RuleNode { return c.node }

func (c *nodeContext) Logger() *slog.Logger { return c.logger }

func (c *nodeContext) SubmitToDevice(device core.EntityID, msg *core.Msg) error {
	return c.e.SubmitToDevice(c.e.ctx, device, msg)
}

func (c *nodeContext) TransferToRuleChain(chain core.EntityID, msg *core.Msg) error {
	return c.e.system.Tell(core.TenantActorID(c.tenant), QueueToRuleEngineMsg{
		Msg: msg.WithLineage(chain, core.EntityID{}),
	})
}

func (c *nodeContext) Produce(queue string, msg *core.Msg) error {
	if c.e.producer == nil {
		return ErrNoProducer
	}
	return c.e.producer.Send(c.e.ctx, queue, msg)
}
