// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/absmach/fluxrule/core"
)

// Common errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidRuleChain = errors.New("invalid rule chain")
)

// Relation types used on connections between rule nodes.
const (
	RelationSuccess = "Success"
	RelationFailure = "Failure"
	RelationTrue    = "True"
	RelationFalse   = "False"
)

// RuleChain is the metadata of one rule chain of a tenant.
type RuleChain struct {
	ID          core.EntityID `json:"id"`
	TenantID    core.EntityID `json:"tenant_id"`
	Name        string        `json:"name"`
	Root        bool          `json:"root"`
	FirstNodeID core.EntityID `json:"first_node_id"`
	Nodes       []RuleNode    `json:"nodes"`
	Connections []Connection  `json:"connections"`
}

// RuleNode is one processing step of a rule chain.
type RuleNode struct {
	ID          core.EntityID   `json:"id"`
	RuleChainID core.EntityID   `json:"rule_chain_id"`
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// Connection routes the outcome of From to To when the relation matches.
type Connection struct {
	From core.EntityID `json:"from"`
	To   core.EntityID `json:"to"`
	Type string        `json:"type"`
}

// Node returns the node with the given id.
func (rc RuleChain) Node(id core.EntityID) (RuleNode, bool) {
	for _, n := range rc.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return RuleNode{}, false
}

// Next returns the targets of the connections leaving from with relation rel.
func (rc RuleChain) Next(from core.EntityID, rel string) []core.EntityID {
	var out []core.EntityID
	for _, c := range rc.Connections {
		if c.From == from && c.Type == rel {
			out = append(out, c.To)
		}
	}
	return out
}

// Clone returns a deep copy of rc.
func (rc RuleChain) Clone() RuleChain {
	out := rc
	if rc.Nodes != nil {
		out.Nodes = make([]RuleNode, len(rc.Nodes))
		for i, n := range rc.Nodes {
			if n.Config != nil {
				n.Config = append(json.RawMessage(nil), n.Config...)
			}
			out.Nodes[i] = n
		}
	}
	if rc.Connections != nil {
		out.Connections = append([]Connection(nil), rc.Connections...)
	}
	return out
}

// Validate checks that ids are set and every reference points to a node of
// the chain.
func (rc RuleChain) Validate() error {
	if rc.ID.IsZero() {
		return fmt.Errorf("%w: missing id", ErrInvalidRuleChain)
	}
	if rc.TenantID.IsZero() {
		return fmt.Errorf("%w: %s: missing tenant", ErrInvalidRuleChain, rc.ID)
	}
	seen := make(map[core.EntityID]bool, len(rc.Nodes))
	for _, n := range rc.Nodes {
		if n.ID.IsZero() {
			return fmt.Errorf("%w: %s: node without id", ErrInvalidRuleChain, rc.ID)
		}
		if n.Type == "" {
			return fmt.Errorf("%w: %s: node %s without type", ErrInvalidRuleChain, rc.ID, n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: %s: duplicate node %s", ErrInvalidRuleChain, rc.ID, n.ID)
		}
		seen[n.ID] = true
	}
	if !rc.FirstNodeID.IsZero() && !seen[rc.FirstNodeID] {
		return fmt.Errorf("%w: %s: first node %s not in chain", ErrInvalidRuleChain, rc.ID, rc.FirstNodeID)
	}
	for _, c := range rc.Connections {
		if !seen[c.From] || !seen[c.To] {
			return fmt.Errorf("%w: %s: connection %s -> %s references unknown node", ErrInvalidRuleChain, rc.ID, c.From, c.To)
		}
		if c.Type == "" {
			return fmt.Errorf("%w: %s: connection %s -> %s without type", ErrInvalidRuleChain, rc.ID, c.From, c.To)
		}
	}
	return nil
}

// SortRuleChains orders rcs by id.
func SortRuleChains(rcs []RuleChain) {
	sort.Slice(rcs, func(i, j int) bool {
		return bytes.Compare(rcs[i].ID.ID[:], rcs[j].ID.ID[:]) < 0
	})
}

// SortEntityIDs orders ids by their uuid.
func SortEntityIDs(ids []core.EntityID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i].ID[:], ids[j].ID[:]) < 0
	})
}

// RuleChainStore persists rule chain metadata.
type RuleChainStore interface {
	// Save creates or replaces a rule chain. Saving a root chain clears the
	// root flag of the other chains of the tenant.
	Save(ctx context.Context, rc RuleChain) error

	// Get returns the rule chain id of tenant.
	Get(ctx context.Context, tenant, id core.EntityID) (RuleChain, error)

	// List returns all rule chains of tenant ordered by id.
	List(ctx context.Context, tenant core.EntityID) ([]RuleChain, error)

	// Root returns the root rule chain of tenant.
	Root(ctx context.Context, tenant core.EntityID) (RuleChain, error)

	// Delete removes a rule chain.
	Delete(ctx context.Context, tenant, id core.EntityID) error

	// Tenants returns the tenants owning at least one rule chain.
	Tenants(ctx context.Context) ([]core.EntityID, error)

	// Close releases the store.
	Close() error
}
