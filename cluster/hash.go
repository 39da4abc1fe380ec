// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// Supported ring hash functions.
const (
	HashMurmur3 = "murmur3"
	HashXXHash  = "xxhash"
	HashSHA256  = "sha256"
)

// ErrUnknownHashFunction is returned for a hash function name that is not supported.
var ErrUnknownHashFunction = errors.New("unknown hash function")

// Hasher maps a byte string to a 64-bit position on the ring.
type Hasher interface {
	Name() string
	Sum64(b []byte) uint64
}

type hasherFunc struct {
	name string
	sum  func([]byte) uint64
}

func (h hasherFunc) Name() string          { return h.name }
func (h hasherFunc) Sum64(b []byte) uint64 { return h.sum(b) }

// NewHasher returns the hasher registered under name.
func NewHasher(name string) (Hasher, error) {
	switch name {
	case HashMurmur3:
		return hasherFunc{name: name, sum: murmur3.Sum64}, nil
	case HashXXHash:
		return hasherFunc{name: name, sum: xxhash.Sum64}, nil
	case HashSHA256:
		return hasherFunc{name: name, sum: sha256Sum64}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHashFunction, name)
	}
}

func sha256Sum64(b []byte) uint64 {
	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[:8])
}
