// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package file

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/storage"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Document is the YAML layout of a rule chain definitions file. Ids are plain
// uuids; their entity type follows from where they appear.
type Document struct {
	Tenants []TenantDoc `yaml:"tenants"`
}

// TenantDoc lists the rule chains of one tenant.
type TenantDoc struct {
	ID         string         `yaml:"id"`
	RuleChains []RuleChainDoc `yaml:"rule_chains"`
}

// RuleChainDoc is one rule chain.
type RuleChainDoc struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Root        bool            `yaml:"root"`
	FirstNode   string          `yaml:"first_node"`
	Nodes       []RuleNodeDoc   `yaml:"nodes"`
	Connections []ConnectionDoc `yaml:"connections"`
}

// RuleNodeDoc is one rule node. Config is re-encoded as JSON.
type RuleNodeDoc struct {
	ID     string         `yaml:"id"`
	Type   string         `yaml:"type"`
	Name   string         `yaml:"name"`
	Config map[string]any `yaml:"config,omitempty"`
}

// ConnectionDoc links two nodes of the same chain.
type ConnectionDoc struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Type string `yaml:"type"`
}

// Load reads and converts the definitions file at path.
func Load(path string) ([]storage.RuleChain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule chains file: %w", err)
	}
	return Parse(data)
}

// Parse converts a YAML definitions document into validated rule chains.
func Parse(data []byte) ([]storage.RuleChain, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rule chains file: %w", err)
	}
	return doc.RuleChains()
}

// RuleChains converts the document.
func (d Document) RuleChains() ([]storage.RuleChain, error) {
	var out []storage.RuleChain
	seen := make(map[core.EntityID]bool)
	for _, td := range d.Tenants {
		tenant, err := parseID(core.EntityTenant, td.ID, "tenant")
		if err != nil {
			return nil, err
		}
		for _, cd := range td.RuleChains {
			rc, err := cd.convert(tenant)
			if err != nil {
				return nil, err
			}
			if seen[rc.ID] {
				return nil, fmt.Errorf("%w: duplicate rule chain %s", storage.ErrInvalidRuleChain, rc.ID)
			}
			seen[rc.ID] = true
			out = append(out, rc)
		}
	}
	return out, nil
}

func (cd RuleChainDoc) convert(tenant core.EntityID) (storage.RuleChain, error) {
	id, err := parseID(core.EntityRuleChain, cd.ID, "rule chain")
	if err != nil {
		return storage.RuleChain{}, err
	}
	rc := storage.RuleChain{
		ID:       id,
		TenantID: tenant,
		Name:     cd.Name,
		Root:     cd.Root,
	}
	if cd.FirstNode != "" {
		if rc.FirstNodeID, err = parseID(core.EntityRuleNode, cd.FirstNode, "first node"); err != nil {
			return storage.RuleChain{}, err
		}
	}
	for _, nd := range cd.Nodes {
		nid, err := parseID(core.EntityRuleNode, nd.ID, "rule node")
		if err != nil {
			return storage.RuleChain{}, err
		}
		n := storage.RuleNode{ID: nid, RuleChainID: id, Type: nd.Type, Name: nd.Name}
		if len(nd.Config) > 0 {
			if n.Config, err = json.Marshal(nd.Config); err != nil {
				return storage.RuleChain{}, fmt.Errorf("rule node %s config: %w", nid, err)
			}
		}
		rc.Nodes = append(rc.Nodes, n)
	}
	if rc.FirstNodeID.IsZero() && len(rc.Nodes) > 0 {
		rc.FirstNodeID = rc.Nodes[0].ID
	}
	for _, c := range cd.Connections {
		from, err := parseID(core.EntityRuleNode, c.From, "connection source")
		if err != nil {
			return storage.RuleChain{}, err
		}
		to, err := parseID(core.EntityRuleNode, c.To, "connection target")
		if err != nil {
			return storage.RuleChain{}, err
		}
		rel := c.Type
		if rel == "" {
			rel = storage.RelationSuccess
		}
		rc.Connections = append(rc.Connections, storage.Connection{From: from, To: to, Type: rel})
	}
	if err := rc.Validate(); err != nil {
		return storage.RuleChain{}, err
	}
	return rc, nil
}

func parseID(t core.EntityType, s, what string) (core.EntityID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return core.EntityID{}, fmt.Errorf("%w: %s id %q: %v", storage.ErrInvalidRuleChain, what, s, err)
	}
	return core.EntityIDFrom(t, id), nil
}
