// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/json"
	"fmt"
)

// Metadata is an insertion-ordered set of string key/value pairs. A Metadata
// value is never modified in place: With and Without return new values, so it is
// safe to share between copies of a message.
type Metadata struct {
	pairs []kv
}

type kv struct {
	K string `json:"k"`
	V string `json:"v"`
}

// NewMetadata builds metadata from alternating key, value arguments.
func NewMetadata(keyvals ...string) Metadata {
	var md Metadata
	for i := 0; i+1 < len(keyvals); i += 2 {
		md = md.With(keyvals[i], keyvals[i+1])
	}
	return md
}

// MetadataFromMap builds metadata from m. Keys are ordered by the given order
// slice when provided; keys missing from order are dropped.
func MetadataFromMap(m map[string]string, order []string) Metadata {
	md := Metadata{pairs: make([]kv, 0, len(order))}
	for _, k := range order {
		if v, ok := m[k]; ok {
			md.pairs = append(md.pairs, kv{K: k, V: v})
		}
	}
	return md
}

// Get returns the value stored under key.
func (m Metadata) Get(key string) (string, bool) {
	for _, p := range m.pairs {
		if p.K == key {
			return p.V, true
		}
	}
	return "", false
}

// Value returns the value stored under key or an empty string.
func (m Metadata) Value(key string) string {
	v, _ := m.Get(key)
	return v
}

// With returns a copy with key set to value. An existing key keeps its position.
func (m Metadata) With(key, value string) Metadata {
	out := make([]kv, len(m.pairs), len(m.pairs)+1)
	copy(out, m.pairs)
	for i := range out {
		if out[i].K == key {
			out[i].V = value
			return Metadata{pairs: out}
		}
	}
	return Metadata{pairs: append(out, kv{K: key, V: value})}
}

// Without returns a copy with key removed.
func (m Metadata) Without(key string) Metadata {
	out := make([]kv, 0, len(m.pairs))
	for _, p := range m.pairs {
		if p.K != key {
			out = append(out, p)
		}
	}
	return Metadata{pairs: out}
}

// Keys returns keys in insertion order.
func (m Metadata) Keys() []string {
	keys := make([]string, len(m.pairs))
	for i, p := range m.pairs {
		keys[i] = p.K
	}
	return keys
}

// Len returns the number of pairs.
func (m Metadata) Len() int {
	return len(m.pairs)
}

// Map returns the pairs as a plain map.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string, len(m.pairs))
	for _, p := range m.pairs {
		out[p.K] = p.V
	}
	return out
}

// MarshalJSON encodes metadata as an ordered list of {"k","v"} objects.
func (m Metadata) MarshalJSON() ([]byte, error) {
	if m.pairs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.pairs)
}

// UnmarshalJSON decodes the list form written by MarshalJSON.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	var pairs []kv
	if err := json.Unmarshal(b, &pairs); err != nil {
		return fmt.Errorf("invalid metadata: %w", err)
	}
	var md Metadata
	for _, p := range pairs {
		md = md.With(p.K, p.V)
	}
	*m = md
	return nil
}
