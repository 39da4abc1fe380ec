// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/absmach/fluxrule/actor"
	"github.com/absmach/fluxrule/core"
)

// ruleChainErrorActor stands in for a rule chain whose metadata is missing.
// Every message it receives fails.
type ruleChainErrorActor struct {
	chain core.EntityID
	err   error
}

func newRuleChainErrorActor(chain core.EntityID, cause error) *ruleChainErrorActor {
	return &ruleChainErrorActor{
		chain: chain,
		err:   fmt.Errorf("%w: %s: %v", ErrRuleChainNotFound, chain, cause),
	}
}

func (a *ruleChainErrorActor) Init(ctx *actor.Context) error {
	// The tenant restarts the chain once its metadata shows up.
	_ = ctx.TellParent(actor.ChildFailure{Child: ctx.Self(), FailedType: "INIT", Err: a.err})
	return nil
}

func (a *ruleChainErrorActor) OnMessage(_ *actor.Context, msg actor.Message) error {
	actor.Fail(msg, a.err)
	return nil
}

func (a *ruleChainErrorActor) Destroy(*actor.Context, error) {}
