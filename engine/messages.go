// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/absmach/fluxrule/actor"
	"github.com/absmach/fluxrule/core"
)

// Actor message types.
const (
	TypeQueueToRuleEngine = "QUEUE_TO_RULE_ENGINE_MSG"
	TypeDevice            = "DEVICE_MSG"
	TypeLifecycle         = "COMPONENT_LIFE_CYCLE_MSG"
	TypeChainToNode       = "RULE_CHAIN_TO_RULE_NODE_MSG"
	TypeNodeToChainNext   = "RULE_NODE_TO_RULE_CHAIN_TELL_NEXT_MSG"
	TypePartitionChange   = "PARTITION_CHANGE_MSG"
)

var (
	_ actor.Failable = QueueToRuleEngineMsg{}
	_ actor.Failable = DeviceMsg{}
	_ actor.Failable = RuleChainToRuleNodeMsg{}
	_ actor.Failable = RuleNodeToRuleChainTellNextMsg{}
)

// QueueToRuleEngineMsg carries an inbound message to its tenant. A message
// without rule chain lineage enters the root chain of the tenant; a message
// with rule node lineage resumes after that node on the Success relation.
type QueueToRuleEngineMsg struct {
	Msg *core.Msg
}

func (QueueToRuleEngineMsg) MsgType() string { return TypeQueueToRuleEngine }

func (m QueueToRuleEngineMsg) Fail(err error) { m.Msg.Callback().OnFailure(err) }

// DeviceMsg is delivered to the actor of Device.
type DeviceMsg struct {
	Device core.EntityID
	Msg    *core.Msg
}

func (DeviceMsg) MsgType() string { return TypeDevice }

func (m DeviceMsg) Fail(err error) { m.Msg.Callback().OnFailure(err) }

// ComponentLifecycleMsg announces a structural change. It is always
// delivered at high priority.
type ComponentLifecycleMsg struct {
	Event core.ComponentLifecycleEvent
}

func (ComponentLifecycleMsg) MsgType() string { return TypeLifecycle }

// RuleChainToRuleNodeMsg hands a message to a rule node.
type RuleChainToRuleNodeMsg struct {
	Msg *core.Msg
}

func (RuleChainToRuleNodeMsg) MsgType() string { return TypeChainToNode }

func (m RuleChainToRuleNodeMsg) Fail(err error) { m.Msg.Callback().OnFailure(err) }

// RuleNodeToRuleChainTellNextMsg reports the outcome of node From. The chain
// routes Msg along the connections matching Relations.
type RuleNodeToRuleChainTellNextMsg struct {
	From      core.EntityID
	Relations []string
	Msg       *core.Msg
	Err       error
}

func (RuleNodeToRuleChainTellNextMsg) MsgType() string { return TypeNodeToChainNext }

func (m RuleNodeToRuleChainTellNextMsg) Fail(err error) { m.Msg.Callback().OnFailure(err) }

// PartitionChangeMsg tells tenants that ring ownership moved.
type PartitionChangeMsg struct {
	Version uint64
}

func (PartitionChangeMsg) MsgType() string { return TypePartitionChange }

type evictIdleTick struct{}

func (evictIdleTick) MsgType() string { return "EVICT_IDLE_TICK" }

// DeviceState is a snapshot of a device actor.
type DeviceState struct {
	Device       core.EntityID
	Messages     uint64
	LastActivity time.Time
	Attributes   map[string]string
}

type deviceStateReply struct {
	state DeviceState
	err   error
}

// deviceStateQuery asks a device actor for its state. reply must be buffered.
type deviceStateQuery struct {
	reply chan deviceStateReply
}

func (deviceStateQuery) MsgType() string { return "DEVICE_STATE_QUERY" }

func (q deviceStateQuery) Fail(err error) {
	select {
	case q.reply <- deviceStateReply{err: err}:
	default:
	}
}
