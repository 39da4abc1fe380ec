// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

// LifecycleEvent is a structural change to a component.
type LifecycleEvent string

const (
	LifecycleCreated LifecycleEvent = "CREATED"
	LifecycleUpdated LifecycleEvent = "UPDATED"
	LifecycleDeleted LifecycleEvent = "DELETED"
)

// ComponentLifecycleEvent reports that entity of tenant was created, updated
// or deleted.
type ComponentLifecycleEvent struct {
	Tenant EntityID       `json:"tenant"`
	Entity EntityID       `json:"entity"`
	Event  LifecycleEvent `json:"event"`
}
