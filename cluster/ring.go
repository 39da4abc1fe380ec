// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxrule/core"
)

// ErrNoOwner is returned when the ring has no members.
var ErrNoOwner = errors.New("no owner: ring is empty")

// RingEntry is one virtual node on the ring.
type RingEntry struct {
	Hash  uint64
	Owner core.ServerAddress
}

// Owner is the result of resolving an entity on the ring.
type Owner struct {
	Local   bool
	Address core.ServerAddress
}

// ringState is an immutable snapshot; it is replaced as a whole on every change.
type ringState struct {
	version uint64
	entries []RingEntry
	members map[core.ServerAddress]struct{}
}

// Ring is a consistent hash ring of cluster members. Reads are lock free and
// see a consistent snapshot; writes are serialized and publish a new snapshot.
type Ring struct {
	local        core.ServerAddress
	hasher       Hasher
	virtualNodes int

	mu    sync.Mutex // serializes writers
	state atomic.Pointer[ringState]
}

// NewRing creates an empty ring for the node at local.
func NewRing(local core.ServerAddress, hasher Hasher, virtualNodes int) (*Ring, error) {
	if hasher == nil {
		return nil, fmt.Errorf("%w: nil hasher", ErrUnknownHashFunction)
	}
	if virtualNodes < 1 {
		return nil, fmt.Errorf("virtual nodes per member must be at least 1, got %d", virtualNodes)
	}
	r := &Ring{
		local:        local,
		hasher:       hasher,
		virtualNodes: virtualNodes,
	}
	r.state.Store(&ringState{members: map[core.ServerAddress]struct{}{}})
	return r, nil
}

// Local returns the address of this node.
func (r *Ring) Local() core.ServerAddress {
	return r.local
}

// Resolve returns the member owning id: the first entry whose hash is greater
// than or equal to the entity hash, wrapping around to the smallest entry.
func (r *Ring) Resolve(id core.EntityID) (Owner, error) {
	st := r.state.Load()
	if len(st.entries) == 0 {
		return Owner{}, ErrNoOwner
	}
	h := r.hasher.Sum64(id.ID[:])
	i := sort.Search(len(st.entries), func(i int) bool {
		return st.entries[i].Hash >= h
	})
	if i == len(st.entries) {
		i = 0
	}
	addr := st.entries[i].Owner
	return Owner{Local: addr == r.local, Address: addr}, nil
}

// Lookup answers a routing query: ok is false when the local node owns id.
func (r *Ring) Lookup(id core.EntityID) (core.ServerAddress, bool, error) {
	o, err := r.Resolve(id)
	if err != nil {
		return core.ServerAddress{}, false, err
	}
	if o.Local {
		return o.Address, false, nil
	}
	return o.Address, true, nil
}

// Join adds addr with its virtual nodes. Joining a present member is a no-op.
func (r *Ring) Join(addr core.ServerAddress) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	if _, ok := cur.members[addr]; ok {
		return false
	}
	members := cloneMembers(cur.members)
	members[addr] = struct{}{}
	r.state.Store(r.build(cur.version+1, members))
	return true
}

// Leave removes every entry of addr. Leaving an unknown member is a no-op.
func (r *Ring) Leave(addr core.ServerAddress) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	if _, ok := cur.members[addr]; !ok {
		return false
	}
	members := cloneMembers(cur.members)
	delete(members, addr)
	r.state.Store(r.build(cur.version+1, members))
	return true
}

// SetMembers replaces the member set and returns the joined and left members.
func (r *Ring) SetMembers(addrs []core.ServerAddress) (joined, left []core.ServerAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	members := make(map[core.ServerAddress]struct{}, len(addrs))
	for _, a := range addrs {
		members[a] = struct{}{}
		if _, ok := cur.members[a]; !ok {
			joined = append(joined, a)
		}
	}
	for a := range cur.members {
		if _, ok := members[a]; !ok {
			left = append(left, a)
		}
	}
	if len(joined) == 0 && len(left) == 0 {
		return nil, nil
	}
	sortAddrs(joined)
	sortAddrs(left)
	r.state.Store(r.build(cur.version+1, members))
	return joined, left
}

// Members returns the current members sorted by address.
func (r *Ring) Members() []core.ServerAddress {
	st := r.state.Load()
	out := make([]core.ServerAddress, 0, len(st.members))
	for a := range st.members {
		out = append(out, a)
	}
	sortAddrs(out)
	return out
}

// Entries returns a copy of the ring entries in hash order.
func (r *Ring) Entries() []RingEntry {
	return slices.Clone(r.state.Load().entries)
}

// Version is incremented on every applied change.
func (r *Ring) Version() uint64 {
	return r.state.Load().version
}

// Size returns the number of members.
func (r *Ring) Size() int {
	return len(r.state.Load().members)
}

func (r *Ring) build(version uint64, members map[core.ServerAddress]struct{}) *ringState {
	entries := make([]RingEntry, 0, len(members)*r.virtualNodes)
	for addr := range members {
		base := addr.String() + "#"
		for i := 0; i < r.virtualNodes; i++ {
			entries = append(entries, RingEntry{
				Hash:  r.hasher.Sum64([]byte(base + strconv.Itoa(i))),
				Owner: addr,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Hash != entries[j].Hash {
			return entries[i].Hash < entries[j].Hash
		}
		return entries[i].Owner.String() < entries[j].Owner.String()
	})
	return &ringState{version: version, entries: entries, members: members}
}

func cloneMembers(m map[core.ServerAddress]struct{}) map[core.ServerAddress]struct{} {
	out := make(map[core.ServerAddress]struct{}, len(m)+1)
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func sortAddrs(addrs []core.ServerAddress) {
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].String() < addrs[j].String()
	})
}
