// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package actor runs single-threaded actors on shared dispatcher pools.
//
// Every actor owns a mailbox with a high-priority and a normal lane. Messages
// of one actor are processed one at a time in lane-priority-then-insertion
// order; actors share a fixed number of dispatcher goroutines.
package actor

import (
	"errors"

	"github.com/absmach/fluxrule/core"
)

var (
	ErrActorStopped       = errors.New("actor stopped")
	ErrActorNotRegistered = errors.New("actor not registered")
	ErrActorExists        = errors.New("actor already exists")
	ErrInitFailed         = errors.New("actor init failed")
	ErrDispatcherExists   = errors.New("dispatcher already exists")
	ErrUnknownDispatcher  = errors.New("unknown dispatcher")
	ErrSystemStopped      = errors.New("actor system stopped")
)

// Message is anything delivered to an actor.
type Message interface {
	MsgType() string
}

// Failable is implemented by messages that carry a completion callback. Fail is
// called when the message could not be processed.
type Failable interface {
	Fail(err error)
}

// Actor is the behaviour bound to a mailbox. All methods are called from the
// mailbox's processing pass, never concurrently.
type Actor interface {
	Init(ctx *Context) error
	OnMessage(ctx *Context, msg Message) error
	Destroy(ctx *Context, cause error)
}

// Props describes how to create an actor.
type Props struct {
	ID core.ActorID

	// New builds the actor. It is called once, on the first processing pass.
	New func() Actor

	// Fallback replaces the actor when Init keeps failing. Without a fallback
	// the mailbox stops.
	Fallback func(initErr error) Actor
}

// ChildFailure is delivered at high priority to the parent of an actor whose
// handler failed.
type ChildFailure struct {
	Child      core.ActorID
	FailedType string
	Err        error
}

func (ChildFailure) MsgType() string { return "CHILD_FAILURE" }

type stopSignal struct {
	cause error
}

func (stopSignal) MsgType() string { return "STOP" }

// Fail notifies msg of err if it carries a callback.
func Fail(msg Message, err error) {
	if f, ok := msg.(Failable); ok {
		f.Fail(err)
	}
}
