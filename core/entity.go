// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// EntityType tags the kind of domain object an EntityID refers to.
type EntityType string

const (
	EntityTenant    EntityType = "TENANT"
	EntityDevice    EntityType = "DEVICE"
	EntityRuleChain EntityType = "RULE_CHAIN"
	EntityRuleNode  EntityType = "RULE_NODE"
	EntityEdge      EntityType = "EDGE"
	EntityAsset     EntityType = "ASSET"
	EntityCustomer  EntityType = "CUSTOMER"
)

var (
	ErrInvalidEntityID   = errors.New("invalid entity id")
	ErrInvalidAddress    = errors.New("invalid server address")
	ErrUnknownEntityType = errors.New("unknown entity type")
)

var knownTypes = map[EntityType]bool{
	EntityTenant:    true,
	EntityDevice:    true,
	EntityRuleChain: true,
	EntityRuleNode:  true,
	EntityEdge:      true,
	EntityAsset:     true,
	EntityCustomer:  true,
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	return knownTypes[t]
}

// EntityID is a typed 128-bit identifier. It is a comparable value and can be
// used directly as a map key.
type EntityID struct {
	Type EntityType
	ID   uuid.UUID
}

// SysTenantID is the tenant that owns system level entities.
var SysTenantID = EntityID{Type: EntityTenant, ID: uuid.Nil}

// NewEntityID creates an EntityID of the given type with a random id.
func NewEntityID(t EntityType) EntityID {
	return EntityID{Type: t, ID: uuid.New()}
}

// EntityIDFrom wraps an existing uuid.
func EntityIDFrom(t EntityType, id uuid.UUID) EntityID {
	return EntityID{Type: t, ID: id}
}

// ParseEntityID parses the string form of a uuid into an EntityID of type t.
func ParseEntityID(t EntityType, s string) (EntityID, error) {
	if !t.Valid() {
		return EntityID{}, fmt.Errorf("%w: %q", ErrUnknownEntityType, t)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return EntityID{}, fmt.Errorf("%w: %v", ErrInvalidEntityID, err)
	}
	return EntityID{Type: t, ID: id}, nil
}

// ParseEntityString parses the "TYPE:uuid" form produced by String.
func ParseEntityString(s string) (EntityID, error) {
	t, id, ok := strings.Cut(s, ":")
	if !ok {
		return EntityID{}, fmt.Errorf("%w: %q", ErrInvalidEntityID, s)
	}
	return ParseEntityID(EntityType(t), id)
}

// IsZero reports whether the id has not been set.
func (e EntityID) IsZero() bool {
	return e.Type == "" && e.ID == uuid.Nil
}

func (e EntityID) String() string {
	return string(e.Type) + ":" + e.ID.String()
}

// MarshalText encodes the id as "TYPE:uuid".
func (e EntityID) MarshalText() ([]byte, error) {
	if e.IsZero() {
		return []byte{}, nil
	}
	return []byte(e.String()), nil
}

// UnmarshalText decodes the "TYPE:uuid" form.
func (e *EntityID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*e = EntityID{}
		return nil
	}
	id, err := ParseEntityString(string(b))
	if err != nil {
		return err
	}
	*e = id
	return nil
}

// ServerAddress identifies a cluster member by host and port.
type ServerAddress struct {
	Host string
	Port int
}

// ParseServerAddress parses "host:port".
func ParseServerAddress(s string) (ServerAddress, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return ServerAddress{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return ServerAddress{}, fmt.Errorf("%w: bad port %q", ErrInvalidAddress, port)
	}
	return ServerAddress{Host: host, Port: p}, nil
}

func (a ServerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset.
func (a ServerAddress) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// MarshalText encodes the address as "host:port".
func (a ServerAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes "host:port".
func (a *ServerAddress) UnmarshalText(b []byte) error {
	addr, err := ParseServerAddress(string(b))
	if err != nil {
		return err
	}
	*a = addr
	return nil
}
