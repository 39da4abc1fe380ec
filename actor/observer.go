// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package actor

import "github.com/absmach/fluxrule/core"

// Observer receives actor runtime events, typically to record metrics.
type Observer interface {
	TaskExecuted(dispatcher string)
	MessageProcessed(kind core.ActorKind, msgType string)
	MessageFailed(kind core.ActorKind, msgType string)
	ActorStarted(kind core.ActorKind)
	ActorStopped(kind core.ActorKind)
}

type nopObserver struct{}

func (nopObserver) TaskExecuted(string)                     {}
func (nopObserver) MessageProcessed(core.ActorKind, string) {}
func (nopObserver) MessageFailed(core.ActorKind, string)    {}
func (nopObserver) ActorStarted(core.ActorKind)             {}
func (nopObserver) ActorStopped(core.ActorKind)             {}
