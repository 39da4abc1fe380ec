// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxrule/actor"
	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/storage"
)

// ruleChainActor routes messages between the node actors of one chain.
type ruleChainActor struct {
	e      *Engine
	tenant core.EntityID
	id     core.EntityID
	chain  storage.RuleChain
}

func (c *ruleChainActor) Init(ctx *actor.Context) error {
	rc, err := c.load()
	if err != nil {
		return err
	}
	c.chain = rc
	for _, n := range rc.Nodes {
		if _, err := ctx.GetOrCreateChild(c.e.ruleNodeProps(c.tenant, n)); err != nil {
			return err
		}
	}
	ctx.Logger().Debug("rule chain started",
		slog.String("name", rc.Name),
		slog.Int("nodes", len(rc.Nodes)))
	return nil
}

func (c *ruleChainActor) load() (storage.RuleChain, error) {
	rc, err := c.e.store.Get(c.e.ctx, c.tenant, c.id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.RuleChain{}, fmt.Errorf("%w: %s", ErrRuleChainNotFound, c.id)
	}
	return rc, err
}

func (c *ruleChainActor) OnMessage(ctx *actor.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case QueueToRuleEngineMsg:
		c.onQueueMsg(ctx, m)
	case RuleNodeToRuleChainTellNextMsg:
		c.tellNext(ctx, m.From, m.Relations, m.Msg, m.Err)
	case ComponentLifecycleMsg:
		if m.Event.Event == core.LifecycleUpdated {
			return c.reload(ctx)
		}
	case actor.ChildFailure:
		ctx.Logger().Warn("rule node failure",
			slog.String("node", m.Child.String()),
			slog.String("error", m.Err.Error()))
	default:
		actor.Fail(msg, errUnexpected(ctx.Self(), msg))
	}
	return nil
}

func (c *ruleChainActor) onQueueMsg(ctx *actor.Context, m QueueToRuleEngineMsg) {
	msg := m.Msg
	if from := msg.RuleNodeID(); !from.IsZero() && msg.RuleChainID() == c.id {
		if _, ok := c.chain.Node(from); ok {
			c.tellNext(ctx, from, []string{storage.RelationSuccess}, msg, nil)
			return
		}
	}
	if c.chain.FirstNodeID.IsZero() {
		msg.Callback().OnSuccess()
		return
	}
	c.toNode(ctx, c.chain.FirstNodeID, msg)
}

func (c *ruleChainActor) toNode(ctx *actor.Context, node core.EntityID, msg *core.Msg) {
	_ = ctx.Tell(core.RuleNodeActorID(c.tenant, node), RuleChainToRuleNodeMsg{
		Msg: msg.WithLineage(c.id, node),
	})
}

// tellNext routes msg along the connections of from matching relations. A
// message with nowhere to go is complete: it succeeds, unless it left its
// node through a Failure relation.
func (c *ruleChainActor) tellNext(ctx *actor.Context, from core.EntityID, relations []string, msg *core.Msg, cause error) {
	var targets []core.EntityID
	seen := make(map[core.EntityID]bool)
	failed := false
	for _, rel := range relations {
		if rel == storage.RelationFailure {
			failed = true
		}
		for _, to := range c.chain.Next(from, rel) {
			if !seen[to] {
				seen[to] = true
				targets = append(targets, to)
			}
		}
	}

	switch len(targets) {
	case 0:
		if !failed {
			msg.Callback().OnSuccess()
			return
		}
		if cause == nil {
			cause = fmt.Errorf("rule node %s reported failure", from)
		}
		msg.Callback().OnFailure(cause)
	case 1:
		c.toNode(ctx, targets[0], msg)
	default:
		cb := core.MultiCallback(len(targets), msg.Callback())
		for _, to := range targets {
			c.toNode(ctx, to, msg.CopyWithCallback(cb))
		}
	}
}

// reload applies new metadata: removed nodes stop, changed nodes restart and
// added nodes start.
func (c *ruleChainActor) reload(ctx *actor.Context) error {
	rc, err := c.load()
	if err != nil {
		return err
	}
	old := c.chain
	c.chain = rc

	for _, n := range old.Nodes {
		if _, ok := rc.Node(n.ID); !ok {
			_ = ctx.Stop(core.RuleNodeActorID(c.tenant, n.ID))
		}
	}
	for _, n := range rc.Nodes {
		prev, ok := old.Node(n.ID)
		switch {
		case !ok:
			if _, err := ctx.GetOrCreateChild(c.e.ruleNodeProps(c.tenant, n)); err != nil {
				return err
			}
		case prev.Type != n.Type || !bytes.Equal(prev.Config, n.Config):
			if err := ctx.RestartChild(c.e.ruleNodeProps(c.tenant, n)); err != nil {
				return err
			}
		}
	}
	ctx.Logger().Info("rule chain reloaded", slog.Int("nodes", len(rc.Nodes)))
	return nil
}

func (c *ruleChainActor) Destroy(*actor.Context, error) {}
