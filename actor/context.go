// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"log/slog"
	"time"

	"github.com/absmach/fluxrule/core"
)

// Context is handed to an actor on every call. It is only valid inside the
// actor's own processing pass.
type Context struct {
	system *System
	mb     *Mailbox
}

// Self returns the id of the running actor.
func (c *Context) Self() core.ActorID {
	return c.mb.id
}

// Parent returns the id of the supervising actor and false for a root actor.
func (c *Context) Parent() (core.ActorID, bool) {
	if c.mb.parent == nil {
		return core.ActorID{}, false
	}
	return c.mb.parent.id, true
}

// Logger returns a logger tagged with the actor id.
func (c *Context) Logger() *slog.Logger {
	return c.mb.logger
}

// System returns the actor system.
func (c *Context) System() *System {
	return c.system
}

func (c *Context) Tell(id core.ActorID, msg Message) error {
	return c.system.Tell(id, msg)
}

func (c *Context) TellHighPriority(id core.ActorID, msg Message) error {
	return c.system.TellHighPriority(id, msg)
}

// TellParent escalates msg to the parent at high priority.
func (c *Context) TellParent(msg Message) error {
	if c.mb.parent == nil {
		return ErrActorNotRegistered
	}
	return c.mb.parent.Enqueue(msg, true)
}

// GetOrCreateChild returns the child registered under props.ID, creating it on
// the dispatcher of the running actor.
func (c *Context) GetOrCreateChild(props Props) (Ref, error) {
	return c.system.GetOrCreateChild(c.mb.dispatcher.name, props, c.mb.id)
}

// GetOrCreateChildOn is GetOrCreateChild on a named dispatcher.
func (c *Context) GetOrCreateChildOn(dispatcher string, props Props) (Ref, error) {
	return c.system.GetOrCreateChild(dispatcher, props, c.mb.id)
}

// RestartChild stops the child registered under props.ID and creates a new
// actor from props once the old one finished. Without a child the actor is
// created right away.
func (c *Context) RestartChild(props Props) error {
	c.mb.childMu.Lock()
	cur, ok := c.mb.children[props.ID]
	c.mb.childMu.Unlock()
	if !ok {
		_, err := c.system.create(c.mb.dispatcher.name, props, c.mb)
		return err
	}

	parent := c.mb
	cur.whenFinished(func() {
		if _, err := c.system.create(cur.dispatcher.name, props, parent); err != nil {
			parent.logger.Warn("failed to restart child",
				slog.String("child", props.ID.String()),
				slog.String("error", err.Error()))
		}
	})
	cur.requestStop(nil)
	return nil
}

// Child returns the child registered under id.
func (c *Context) Child(id core.ActorID) (Ref, bool) {
	c.mb.childMu.Lock()
	defer c.mb.childMu.Unlock()
	mb, ok := c.mb.children[id]
	if !ok || mb.Stopped() {
		return Ref{}, false
	}
	return Ref{mb: mb}, true
}

// Stop asks actor id to stop.
func (c *Context) Stop(id core.ActorID) error {
	return c.system.Stop(id)
}

// Children returns the ids of the children.
func (c *Context) Children() []core.ActorID {
	return filterChildren(c.mb, nil)
}

func (c *Context) FilterChildren(pred func(core.ActorID) bool) []core.ActorID {
	return filterChildren(c.mb, pred)
}

func (c *Context) BroadcastToChildren(msg Message, highPriority bool) {
	for _, ch := range c.mb.childList() {
		_ = ch.Enqueue(msg, highPriority)
	}
}

// ScheduleSelf delivers msg to the running actor at high priority after delay.
func (c *Context) ScheduleSelf(msg Message, delay time.Duration) {
	c.system.ScheduleHighPriority(c.mb.id, msg, delay)
}

// EvictIdleChildren stops children matching pred idle for longer than timeout.
func (c *Context) EvictIdleChildren(timeout time.Duration, pred func(core.ActorID) bool) []core.ActorID {
	return evictIdle(c.mb, timeout, pred)
}
