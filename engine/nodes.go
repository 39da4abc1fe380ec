// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/storage"
	"github.com/google/uuid"
)

// Built-in rule node types.
const (
	NodeLog           = "log"
	NodeMsgTypeFilter = "msg_type_filter"
	NodeMetadataSet   = "metadata_set"
	NodeDevice        = "device"
	NodeRuleChain     = "rule_chain"
	NodeCheckpoint    = "checkpoint"
	NodeFail          = "fail"
)

var (
	ErrUnknownNodeType = errors.New("unknown rule node type")
	ErrInvalidConfig   = errors.New("invalid rule node config")
	ErrNotADevice      = errors.New("originator is not a device")
	ErrNoProducer      = errors.New("no queue producer configured")
)

// Outcome is the result of a node. Relations default to Success and Msg to
// the input message. A Forwarded outcome means the node handed the message
// on and owns its callback; the chain does not route it further.
type Outcome struct {
	Msg       *core.Msg
	Relations []string
	Forwarded bool
}

// NodeContext exposes the engine to a node.
type NodeContext interface {
	Context() context.Context
	Tenant() core.EntityID
	Node() storage.RuleNode
	Logger() *slog.Logger

	// SubmitToDevice hands msg to the actor of device, wherever it lives.
	SubmitToDevice(device core.EntityID, msg *core.Msg) error

	// TransferToRuleChain restarts msg at the first node of chain.
	TransferToRuleChain(chain core.EntityID, msg *core.Msg) error

	// Produce publishes msg to a broker queue.
	Produce(queue string, msg *core.Msg) error
}

// Node is the behaviour of one rule node.
type Node interface {
	OnMsg(ctx NodeContext, msg *core.Msg) (Outcome, error)
}

// NodeFactory builds a node from its JSON configuration.
type NodeFactory func(config json.RawMessage) (Node, error)

// DefaultNodes returns the factories of the built-in node types.
func DefaultNodes() map[string]NodeFactory {
	return map[string]NodeFactory{
		NodeLog:           newLogNode,
		NodeMsgTypeFilter: newMsgTypeFilterNode,
		NodeMetadataSet:   newMetadataSetNode,
		NodeDevice:        newDeviceNode,
		NodeRuleChain:     newRuleChainNode,
		NodeCheckpoint:    newCheckpointNode,
		NodeFail:          newFailNode,
	}
}

func decodeConfig(config json.RawMessage, v any) error {
	if len(config) == 0 || string(config) == "null" {
		return nil
	}
	if err := json.Unmarshal(config, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

type logNode struct {
	Level string `json:"level"`
	level slog.Level
}

func newLogNode(config json.RawMessage) (Node, error) {
	n := &logNode{}
	if err := decodeConfig(config, n); err != nil {
		return nil, err
	}
	if n.Level != "" {
		if err := n.level.UnmarshalText([]byte(n.Level)); err != nil {
			return nil, fmt.Errorf("%w: level %q", ErrInvalidConfig, n.Level)
		}
	}
	return n, nil
}

func (n *logNode) OnMsg(ctx NodeContext, msg *core.Msg) (Outcome, error) {
	ctx.Logger().Log(ctx.Context(), n.level, "rule node message",
		slog.String("node", ctx.Node().Name),
		slog.String("msg_id", msg.ID().String()),
		slog.String("msg_type", msg.Type()),
		slog.String("originator", msg.Originator().String()),
		slog.Any("metadata", msg.Metadata().Map()),
		slog.String("data", string(msg.Data())))
	return Outcome{}, nil
}

type msgTypeFilterNode struct {
	Types []string `json:"types"`
}

func newMsgTypeFilterNode(config json.RawMessage) (Node, error) {
	n := &msgTypeFilterNode{}
	if err := decodeConfig(config, n); err != nil {
		return nil, err
	}
	if len(n.Types) == 0 {
		return nil, fmt.Errorf("%w: types is required", ErrInvalidConfig)
	}
	return n, nil
}

func (n *msgTypeFilterNode) OnMsg(_ NodeContext, msg *core.Msg) (Outcome, error) {
	if slices.Contains(n.Types, msg.Type()) {
		return Outcome{Relations: []string{storage.RelationTrue}}, nil
	}
	return Outcome{Relations: []string{storage.RelationFalse}}, nil
}

type metadataSetNode struct {
	Values map[string]string `json:"values"`
	keys   []string
}

func newMetadataSetNode(config json.RawMessage) (Node, error) {
	n := &metadataSetNode{}
	if err := decodeConfig(config, n); err != nil {
		return nil, err
	}
	for k := range n.Values {
		n.keys = append(n.keys, k)
	}
	slices.Sort(n.keys)
	return n, nil
}

func (n *metadataSetNode) OnMsg(_ NodeContext, msg *core.Msg) (Outcome, error) {
	md := msg.Metadata()
	for _, k := range n.keys {
		md = md.With(k, n.Values[k])
	}
	return Outcome{Msg: msg.WithMetadata(md)}, nil
}

type deviceNode struct{}

func newDeviceNode(json.RawMessage) (Node, error) {
	return deviceNode{}, nil
}

func (deviceNode) OnMsg(ctx NodeContext, msg *core.Msg) (Outcome, error) {
	orig := msg.Originator()
	if orig.Type != core.EntityDevice {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotADevice, orig)
	}
	if err := ctx.SubmitToDevice(orig, msg); err != nil {
		return Outcome{}, err
	}
	return Outcome{Forwarded: true}, nil
}

type ruleChainNode struct {
	RuleChainID string `json:"rule_chain_id"`
	target      core.EntityID
}

func newRuleChainNode(config json.RawMessage) (Node, error) {
	n := &ruleChainNode{}
	if err := decodeConfig(config, n); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(n.RuleChainID)
	if err != nil {
		return nil, fmt.Errorf("%w: rule_chain_id %q", ErrInvalidConfig, n.RuleChainID)
	}
	n.target = core.EntityIDFrom(core.EntityRuleChain, id)
	return n, nil
}

func (n *ruleChainNode) OnMsg(ctx NodeContext, msg *core.Msg) (Outcome, error) {
	if err := ctx.TransferToRuleChain(n.target, msg); err != nil {
		return Outcome{}, err
	}
	return Outcome{Forwarded: true}, nil
}

// checkpointNode moves the message to another queue. The copy resumes after
// this node once consumed from there; the original is acknowledged.
type checkpointNode struct {
	Queue string `json:"queue"`
}

func newCheckpointNode(config json.RawMessage) (Node, error) {
	n := &checkpointNode{}
	if err := decodeConfig(config, n); err != nil {
		return nil, err
	}
	if n.Queue == "" {
		return nil, fmt.Errorf("%w: queue is required", ErrInvalidConfig)
	}
	return n, nil
}

func (n *checkpointNode) OnMsg(ctx NodeContext, msg *core.Msg) (Outcome, error) {
	node := ctx.Node()
	cp := msg.CopyWithCallback(core.NoopCallback).
		WithQueue(n.Queue).
		WithLineage(node.RuleChainID, node.ID)
	if err := ctx.Produce(n.Queue, cp); err != nil {
		return Outcome{}, err
	}
	msg.Callback().OnSuccess()
	return Outcome{Forwarded: true}, nil
}

type failNode struct {
	Message string `json:"message"`
}

func newFailNode(config json.RawMessage) (Node, error) {
	n := &failNode{Message: "message rejected by rule node"}
	if err := decodeConfig(config, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *failNode) OnMsg(NodeContext, *core.Msg) (Outcome, error) {
	return Outcome{}, errors.New(n.Message)
}
