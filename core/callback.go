// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// MsgCallback receives the terminal outcome of processing a message.
type MsgCallback interface {
	OnSuccess()
	OnFailure(err error)
}

type noopCallback struct{}

func (noopCallback) OnSuccess()        {}
func (noopCallback) OnFailure(_ error) {}

// NoopCallback ignores every outcome.
var NoopCallback MsgCallback = noopCallback{}

// CallbackFuncs adapts a pair of functions to MsgCallback. Nil fields are skipped.
type CallbackFuncs struct {
	Success func()
	Failure func(err error)
}

func (c CallbackFuncs) OnSuccess() {
	if c.Success != nil {
		c.Success()
	}
}

func (c CallbackFuncs) OnFailure(err error) {
	if c.Failure != nil {
		c.Failure(err)
	}
}

type onceCallback struct {
	done atomic.Bool
	next MsgCallback
}

// OnceCallback wraps cb so that only the first terminal outcome is delivered.
func OnceCallback(cb MsgCallback) MsgCallback {
	if cb == nil {
		return NoopCallback
	}
	if _, ok := cb.(*onceCallback); ok {
		return cb
	}
	return &onceCallback{next: cb}
}

func (c *onceCallback) OnSuccess() {
	if c.done.CompareAndSwap(false, true) {
		c.next.OnSuccess()
	}
}

func (c *onceCallback) OnFailure(err error) {
	if c.done.CompareAndSwap(false, true) {
		c.next.OnFailure(err)
	}
}

type multiCallback struct {
	remaining atomic.Int32
	parent    MsgCallback
}

// MultiCallback completes parent after n branches succeeded. The first failing
// branch fails the parent immediately; later outcomes are ignored.
func MultiCallback(n int, parent MsgCallback) MsgCallback {
	m := &multiCallback{parent: OnceCallback(parent)}
	m.remaining.Store(int32(n))
	return m
}

func (m *multiCallback) OnSuccess() {
	if m.remaining.Add(-1) == 0 {
		m.parent.OnSuccess()
	}
}

func (m *multiCallback) OnFailure(err error) {
	m.parent.OnFailure(err)
}

// Result is the terminal outcome of one message. Err is nil on success.
type Result struct {
	MsgID uuid.UUID
	Err   error
}

// ChanCallback publishes the outcome of message id to ch. The channel must have
// room for the result: the callback never blocks the processing goroutine and
// drops the result when ch is full.
func ChanCallback(id uuid.UUID, ch chan<- Result) MsgCallback {
	send := func(err error) {
		select {
		case ch <- Result{MsgID: id, Err: err}:
		default:
		}
	}
	return OnceCallback(CallbackFuncs{
		Success: func() { send(nil) },
		Failure: send,
	})
}
