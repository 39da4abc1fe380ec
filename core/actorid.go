// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

// ActorKind is the level of an actor in the supervision hierarchy.
type ActorKind string

const (
	ActorRoot      ActorKind = "root"
	ActorTenant    ActorKind = "tenant"
	ActorRuleChain ActorKind = "rule_chain"
	ActorRuleNode  ActorKind = "rule_node"
	ActorDevice    ActorKind = "device"
)

// ActorID is the unique key of an actor and its mailbox. It carries the tenant
// scope together with the entity the actor is bound to, so two tenants can never
// collide on the same entity id.
type ActorID struct {
	Kind   ActorKind
	Tenant EntityID
	Entity EntityID
}

// RootActorID returns the id of the single root actor.
func RootActorID() ActorID {
	return ActorID{Kind: ActorRoot}
}

// TenantActorID returns the id of the actor for tenant t.
func TenantActorID(t EntityID) ActorID {
	return ActorID{Kind: ActorTenant, Tenant: t, Entity: t}
}

// RuleChainActorID returns the id of the actor for rule chain rc of tenant t.
func RuleChainActorID(t, rc EntityID) ActorID {
	return ActorID{Kind: ActorRuleChain, Tenant: t, Entity: rc}
}

// RuleNodeActorID returns the id of the actor for rule node rn of tenant t.
func RuleNodeActorID(t, rn EntityID) ActorID {
	return ActorID{Kind: ActorRuleNode, Tenant: t, Entity: rn}
}

// DeviceActorID returns the id of the actor for device d of tenant t.
func DeviceActorID(t, d EntityID) ActorID {
	return ActorID{Kind: ActorDevice, Tenant: t, Entity: d}
}

func (id ActorID) String() string {
	switch id.Kind {
	case ActorRoot:
		return "root"
	case ActorTenant:
		return "tenant/" + id.Tenant.ID.String()
	default:
		return string(id.Kind) + "/" + id.Tenant.ID.String() + "/" + id.Entity.ID.String()
	}
}
