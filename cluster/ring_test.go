// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/absmach/fluxrule/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tableHasher places virtual nodes at fixed positions and hashes 16 byte entity
// ids to the big endian value of their last 8 bytes.
type tableHasher map[string]uint64

func (h tableHasher) Name() string { return "table" }

func (h tableHasher) Sum64(b []byte) uint64 {
	if len(b) == 16 {
		return binary.BigEndian.Uint64(b[8:])
	}
	return h[string(b)]
}

func entityAt(pos uint64) core.EntityID {
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[8:], pos)
	return core.EntityIDFrom(core.EntityDevice, id)
}

func addr(host string) core.ServerAddress {
	return core.ServerAddress{Host: host, Port: 7000}
}

func TestRingThreeMembersScenario(t *testing.T) {
	a, b, c := addr("a"), addr("b"), addr("c")
	h := tableHasher{
		"a:7000#0": 100, "a:7000#1": 400, "a:7000#2": 700,
		"b:7000#0": 200, "b:7000#1": 500, "b:7000#2": 800,
		"c:7000#0": 300, "c:7000#1": 600, "c:7000#2": 900,
	}
	r, err := NewRing(a, h, 3)
	require.NoError(t, err)
	r.SetMembers([]core.ServerAddress{a, b, c})
	require.Len(t, r.Entries(), 9)

	between := entityAt(150)
	ownedByA := entityAt(50)
	ownedByC := entityAt(250)
	wraps := entityAt(950)

	resolve := func(id core.EntityID) core.ServerAddress {
		o, err := r.Resolve(id)
		require.NoError(t, err)
		return o.Address
	}

	assert.Equal(t, b, resolve(between))
	assert.Equal(t, a, resolve(ownedByA))
	assert.Equal(t, c, resolve(ownedByC))
	assert.Equal(t, a, resolve(wraps))
	assert.Equal(t, a, resolve(entityAt(100)), "hash equal to an entry belongs to that entry")

	require.True(t, r.Leave(b))
	assert.Equal(t, c, resolve(between))
	assert.Equal(t, a, resolve(ownedByA))
	assert.Equal(t, c, resolve(ownedByC))
	assert.Equal(t, a, resolve(wraps))
	assert.Len(t, r.Entries(), 6)
}

func TestRingEmpty(t *testing.T) {
	h, err := NewHasher(HashMurmur3)
	require.NoError(t, err)
	r, err := NewRing(addr("a"), h, 16)
	require.NoError(t, err)

	_, err = r.Resolve(core.NewEntityID(core.EntityTenant))
	assert.ErrorIs(t, err, ErrNoOwner)
	_, _, err = r.Lookup(core.NewEntityID(core.EntityTenant))
	assert.ErrorIs(t, err, ErrNoOwner)
}

func TestNewRingValidation(t *testing.T) {
	_, err := NewRing(addr("a"), nil, 8)
	assert.ErrorIs(t, err, ErrUnknownHashFunction)

	h, err := NewHasher(HashXXHash)
	require.NoError(t, err)
	_, err = NewRing(addr("a"), h, 0)
	assert.Error(t, err)
}

func TestNewHasher(t *testing.T) {
	for _, name := range []string{HashMurmur3, HashXXHash, HashSHA256} {
		h, err := NewHasher(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, h.Name())
		assert.Equal(t, h.Sum64([]byte("x")), h.Sum64([]byte("x")))
	}
	for _, name := range []string{"", "md5"} {
		_, err := NewHasher(name)
		assert.ErrorIs(t, err, ErrUnknownHashFunction)
	}
}

func TestRingDeterministicAcrossNodes(t *testing.T) {
	h, err := NewHasher(HashMurmur3)
	require.NoError(t, err)
	members := []core.ServerAddress{addr("n1"), addr("n2"), addr("n3"), addr("n4")}

	r1, err := NewRing(members[0], h, 32)
	require.NoError(t, err)
	for _, m := range members {
		r1.Join(m)
	}

	r2, err := NewRing(members[3], h, 32)
	require.NoError(t, err)
	for i := len(members) - 1; i >= 0; i-- {
		r2.Join(members[i])
	}

	assert.Equal(t, r1.Entries(), r2.Entries())
	for i := 0; i < 500; i++ {
		id := core.NewEntityID(core.EntityDevice)
		o1, err := r1.Resolve(id)
		require.NoError(t, err)
		o2, err := r2.Resolve(id)
		require.NoError(t, err)
		assert.Equal(t, o1.Address, o2.Address)
		assert.Equal(t, o1.Address == members[0], o1.Local)
	}
}

func TestRingMovementOnJoin(t *testing.T) {
	h, err := NewHasher(HashMurmur3)
	require.NoError(t, err)
	r, err := NewRing(addr("n1"), h, 128)
	require.NoError(t, err)
	r.SetMembers([]core.ServerAddress{addr("n1"), addr("n2"), addr("n3")})

	const keys = 20000
	ids := make([]core.EntityID, keys)
	before := make([]core.ServerAddress, keys)
	for i := range ids {
		ids[i] = core.NewEntityID(core.EntityDevice)
		o, err := r.Resolve(ids[i])
		require.NoError(t, err)
		before[i] = o.Address
	}

	newcomer := addr("n4")
	require.True(t, r.Join(newcomer))

	moved := 0
	for i, id := range ids {
		o, err := r.Resolve(id)
		require.NoError(t, err)
		if o.Address != before[i] {
			moved++
			assert.Equal(t, newcomer, o.Address, "keys only move to the joining member")
		}
	}
	frac := float64(moved) / keys
	assert.InDelta(t, 0.25, frac, 0.08)

	require.True(t, r.Leave(newcomer))
	for i, id := range ids {
		o, err := r.Resolve(id)
		require.NoError(t, err)
		assert.Equal(t, before[i], o.Address)
	}
}

func TestRingMembershipChanges(t *testing.T) {
	h, err := NewHasher(HashSHA256)
	require.NoError(t, err)
	r, err := NewRing(addr("a"), h, 4)
	require.NoError(t, err)

	assert.True(t, r.Join(addr("a")))
	assert.False(t, r.Join(addr("a")))
	assert.False(t, r.Leave(addr("zz")))
	v := r.Version()

	joined, left := r.SetMembers([]core.ServerAddress{addr("a"), addr("b"), addr("c")})
	assert.Equal(t, []core.ServerAddress{addr("b"), addr("c")}, joined)
	assert.Empty(t, left)
	assert.Equal(t, v+1, r.Version())

	joined, left = r.SetMembers([]core.ServerAddress{addr("a"), addr("c")})
	assert.Empty(t, joined)
	assert.Equal(t, []core.ServerAddress{addr("b")}, left)
	assert.Equal(t, []core.ServerAddress{addr("a"), addr("c")}, r.Members())
	assert.Equal(t, 2, r.Size())

	joined, left = r.SetMembers([]core.ServerAddress{addr("c"), addr("a")})
	assert.Nil(t, joined)
	assert.Nil(t, left)
	assert.Equal(t, v+2, r.Version())
}

func TestRingConcurrentReadsDuringRebuild(t *testing.T) {
	h, err := NewHasher(HashXXHash)
	require.NoError(t, err)
	r, err := NewRing(addr("a"), h, 64)
	require.NoError(t, err)
	r.Join(addr("a"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, err := r.Resolve(core.NewEntityID(core.EntityTenant))
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		r.Join(addr("b"))
		r.Leave(addr("b"))
	}
	close(stop)
	wg.Wait()
}
