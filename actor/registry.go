// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"hash/fnv"
	"sync"

	"github.com/absmach/fluxrule/core"
)

const registryShards = 64

type registryShard struct {
	mu     sync.RWMutex
	actors map[core.ActorID]*Mailbox
}

// registry maps actor ids to mailboxes. Lookups on different shards never
// contend.
type registry struct {
	shards [registryShards]registryShard
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].actors = make(map[core.ActorID]*Mailbox)
	}
	return r
}

func (r *registry) shard(id core.ActorID) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(id.Kind))
	h.Write(id.Tenant.ID[:])
	h.Write(id.Entity.ID[:])
	return &r.shards[h.Sum32()%registryShards]
}

func (r *registry) get(id core.ActorID) (*Mailbox, bool) {
	s := r.shard(id)
	s.mu.RLock()
	mb, ok := s.actors[id]
	s.mu.RUnlock()
	return mb, ok
}

// putIfAbsent stores mb unless id is taken by a live mailbox. A stopped mailbox
// still draining is replaced; its own removal is a no-op afterwards.
func (r *registry) putIfAbsent(id core.ActorID, mb *Mailbox) (*Mailbox, bool) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.actors[id]; ok && !cur.Stopped() {
		return cur, false
	}
	s.actors[id] = mb
	return mb, true
}

// remove deletes id only while it still maps to mb.
func (r *registry) remove(id core.ActorID, mb *Mailbox) {
	s := r.shard(id)
	s.mu.Lock()
	if cur, ok := s.actors[id]; ok && cur == mb {
		delete(s.actors, id)
	}
	s.mu.Unlock()
}

func (r *registry) len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.actors)
		s.mu.RUnlock()
	}
	return n
}

func (r *registry) all() []*Mailbox {
	var out []*Mailbox
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, mb := range s.actors {
			out = append(out, mb)
		}
		s.mu.RUnlock()
	}
	return out
}
