// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common message types.
const (
	MsgTypePostTelemetry  = "POST_TELEMETRY_REQUEST"
	MsgTypePostAttributes = "POST_ATTRIBUTES_REQUEST"
	MsgTypeConnect        = "CONNECT_EVENT"
	MsgTypeDisconnect     = "DISCONNECT_EVENT"
	MsgTypeEntityDeleted  = "ENTITY_DELETED"
)

// Msg is the unit of work flowing through the engine. It is immutable once built:
// every modification returns a new value and the originating message is left
// untouched, so a Msg can be shared between goroutines without locking.
type Msg struct {
	id          uuid.UUID
	ts          time.Time
	queue       string
	typ         string
	originator  EntityID
	tenant      EntityID
	metadata    Metadata
	data        []byte
	ruleChainID EntityID
	ruleNodeID  EntityID
	partition   int
	callback    MsgCallback
}

// MsgParams holds the fields of a new message.
type MsgParams struct {
	Queue      string
	Type       string
	Originator EntityID
	Tenant     EntityID
	Metadata   Metadata
	Data       []byte
	Callback   MsgCallback
}

// NewMsg creates a message with a fresh id and the current timestamp.
func NewMsg(p MsgParams) *Msg {
	return &Msg{
		id:         uuid.New(),
		ts:         time.Now(),
		queue:      p.Queue,
		typ:        p.Type,
		originator: p.Originator,
		tenant:     p.Tenant,
		metadata:   p.Metadata,
		data:       p.Data,
		callback:   p.Callback,
	}
}

func (m *Msg) ID() uuid.UUID { return m.id }

func (m *Msg) Ts() time.Time { return m.ts }

func (m *Msg) Queue() string { return m.queue }

func (m *Msg) Type() string { return m.typ }

func (m *Msg) Originator() EntityID { return m.originator }

func (m *Msg) Tenant() EntityID { return m.tenant }

func (m *Msg) Metadata() Metadata { return m.metadata }

// RuleChainID is the rule chain currently processing the message.
func (m *Msg) RuleChainID() EntityID { return m.ruleChainID }

// RuleNodeID is the rule node currently processing the message.
func (m *Msg) RuleNodeID() EntityID { return m.ruleNodeID }

func (m *Msg) Partition() int { return m.partition }

// Data returns the payload. The returned slice is shared and must not be modified.
func (m *Msg) Data() []byte { return m.data }

// Callback returns the message callback, never nil.
func (m *Msg) Callback() MsgCallback {
	if m.callback == nil {
		return NoopCallback
	}
	return m.callback
}

// Copy returns a new message with a fresh id. Lineage, payload, metadata and
// callback are preserved.
func (m *Msg) Copy() *Msg {
	c := *m
	c.id = uuid.New()
	return &c
}

// CopyWithCallback is Copy with cb replacing the callback.
func (m *Msg) CopyWithCallback(cb MsgCallback) *Msg {
	c := m.Copy()
	c.callback = cb
	return c
}

// WithCallback returns the same message, same id, bound to cb.
func (m *Msg) WithCallback(cb MsgCallback) *Msg {
	c := *m
	c.callback = cb
	return &c
}

// WithLineage records the rule chain and rule node currently handling the message.
func (m *Msg) WithLineage(ruleChainID, ruleNodeID EntityID) *Msg {
	c := *m
	c.ruleChainID = ruleChainID
	c.ruleNodeID = ruleNodeID
	return &c
}

// WithQueue moves the message to another queue.
func (m *Msg) WithQueue(name string) *Msg {
	c := *m
	c.queue = name
	return &c
}

// WithPartition records the broker partition the message was read from.
func (m *Msg) WithPartition(p int) *Msg {
	c := *m
	c.partition = p
	return &c
}

// WithMetadata replaces the metadata.
func (m *Msg) WithMetadata(md Metadata) *Msg {
	c := *m
	c.metadata = md
	return &c
}

// WithType replaces the message type.
func (m *Msg) WithType(t string) *Msg {
	c := *m
	c.typ = t
	return &c
}

// WithData replaces the payload.
func (m *Msg) WithData(data []byte) *Msg {
	c := *m
	c.data = data
	return &c
}

type wireMsg struct {
	ID          uuid.UUID `json:"id"`
	Ts          int64     `json:"ts"`
	Queue       string    `json:"queue,omitempty"`
	Type        string    `json:"type"`
	Originator  EntityID  `json:"originator"`
	Tenant      EntityID  `json:"tenant"`
	Metadata    Metadata  `json:"metadata"`
	Data        []byte    `json:"data,omitempty"`
	RuleChainID EntityID  `json:"rule_chain_id"`
	RuleNodeID  EntityID  `json:"rule_node_id"`
	Partition   int       `json:"partition,omitempty"`
}

// MarshalJSON encodes the message wire form. The callback is local state and is
// never serialized.
func (m *Msg) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMsg{
		ID:          m.id,
		Ts:          m.ts.UnixMilli(),
		Queue:       m.queue,
		Type:        m.typ,
		Originator:  m.originator,
		Tenant:      m.tenant,
		Metadata:    m.metadata,
		Data:        m.data,
		RuleChainID: m.ruleChainID,
		RuleNodeID:  m.ruleNodeID,
		Partition:   m.partition,
	})
}

// UnmarshalJSON decodes the wire form written by MarshalJSON.
func (m *Msg) UnmarshalJSON(b []byte) error {
	var w wireMsg
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.ID == uuid.Nil {
		return fmt.Errorf("%w: message without id", ErrInvalidEntityID)
	}
	*m = Msg{
		id:          w.ID,
		ts:          time.UnixMilli(w.Ts),
		queue:       w.Queue,
		typ:         w.Type,
		originator:  w.Originator,
		tenant:      w.Tenant,
		metadata:    w.Metadata,
		data:        w.Data,
		ruleChainID: w.RuleChainID,
		ruleNodeID:  w.RuleNodeID,
		partition:   w.Partition,
	}
	return nil
}

func (m *Msg) String() string {
	return fmt.Sprintf("msg %s type=%s originator=%s", m.id, m.typ, m.originator)
}
