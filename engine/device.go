// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"maps"
	"time"

	"github.com/absmach/fluxrule/actor"
	"github.com/absmach/fluxrule/core"
)

// deviceActor keeps the live state of one device: a message counter, the
// last activity and the latest attributes merged from message metadata.
type deviceActor struct {
	device     core.EntityID
	messages   uint64
	lastActive time.Time
	attributes map[string]string
}

func newDeviceActor(device core.EntityID) *deviceActor {
	return &deviceActor{device: device, attributes: make(map[string]string)}
}

func (d *deviceActor) Init(*actor.Context) error {
	return nil
}

func (d *deviceActor) OnMessage(ctx *actor.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case DeviceMsg:
		d.messages++
		d.lastActive = time.Now()
		md := m.Msg.Metadata()
		for _, k := range md.Keys() {
			d.attributes[k] = md.Value(k)
		}
		m.Msg.Callback().OnSuccess()
	case deviceStateQuery:
		m.reply <- deviceStateReply{state: DeviceState{
			Device:       d.device,
			Messages:     d.messages,
			LastActivity: d.lastActive,
			Attributes:   maps.Clone(d.attributes),
		}}
	default:
		actor.Fail(msg, errUnexpected(ctx.Self(), msg))
	}
	return nil
}

func (d *deviceActor) Destroy(*actor.Context, error) {}
