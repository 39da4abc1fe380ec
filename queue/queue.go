// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue consumes broker batches as packs: a pack is acknowledged to
// the broker only after every message of it reached a terminal state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/internal/bufpool"
)

var (
	ErrGroupBusy      = errors.New("group has a pack in flight")
	ErrPackNotFound   = errors.New("pack not found")
	ErrUnknownMessage = errors.New("message is not part of the pack")
	ErrPackTimeout    = errors.New("pack processing timeout")
	ErrClosed         = errors.New("queue closed")
)

// GroupKeyAttribute is the broker attribute or header carrying the group key.
const GroupKeyAttribute = "tenantId"

// Delivery is one message pulled from a broker.
type Delivery struct {
	Msg      *core.Msg
	GroupKey string

	// Receipt is the broker handle used to acknowledge the delivery.
	Receipt string
}

// Consumer is the pull side of a broker connection.
type Consumer interface {
	// Poll returns at most max deliveries. It may return fewer, or none, when
	// the queue is empty.
	Poll(ctx context.Context, max int) ([]Delivery, error)

	// Ack acknowledges deliveries so the broker does not redeliver them.
	Ack(ctx context.Context, deliveries []Delivery) error

	Close() error
}

// Producer publishes messages to a named queue.
type Producer interface {
	Send(ctx context.Context, queue string, msg *core.Msg) error
	Close() error
}

// GroupKey returns the group key of msg: its tenant id.
func GroupKey(msg *core.Msg) string {
	return msg.Tenant().ID.String()
}

// Encode returns the broker payload of msg.
func Encode(msg *core.Msg) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return bufpool.Bytes(buf), nil
}

// Decode parses a broker payload written by Encode.
func Decode(b []byte) (*core.Msg, error) {
	var msg core.Msg
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}
