// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"sync"

	"github.com/absmach/fluxrule/core"
)

var _ MembershipSource = (*StaticMembership)(nil)

// StaticMembership is a fixed member list. Add and Remove let operators and
// tests change it at runtime.
type StaticMembership struct {
	mu       sync.Mutex
	members  []core.ServerAddress
	watchers []chan MembershipEvent
	closed   bool
}

// NewStaticMembership creates a source holding peers.
func NewStaticMembership(peers ...core.ServerAddress) *StaticMembership {
	return &StaticMembership{members: append([]core.ServerAddress(nil), peers...)}
}

func (s *StaticMembership) Register(_ context.Context, self core.ServerAddress) error {
	s.Add(self)
	return nil
}

func (s *StaticMembership) Members(_ context.Context) ([]core.ServerAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.ServerAddress(nil), s.members...), nil
}

func (s *StaticMembership) Watch(ctx context.Context) <-chan MembershipEvent {
	ch := make(chan MembershipEvent, 64)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.removeWatcher(ch)
	}()
	return ch
}

// Add inserts addr and notifies watchers.
func (s *StaticMembership) Add(addr core.ServerAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if containsAddr(s.members, addr) {
		return
	}
	s.members = append(s.members, addr)
	s.emit(MembershipEvent{Type: MemberJoined, Address: addr})
}

// Remove deletes addr and notifies watchers.
func (s *StaticMembership) Remove(addr core.ServerAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.members {
		if m == addr {
			s.members = append(s.members[:i], s.members[i+1:]...)
			s.emit(MembershipEvent{Type: MemberLeft, Address: addr})
			return
		}
	}
}

func (s *StaticMembership) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
	return nil
}

// emit must be called with mu held. It never blocks: a watcher whose buffer
// is full is closed and dropped, and has to watch again and resync.
func (s *StaticMembership) emit(ev MembershipEvent) {
	kept := s.watchers[:0]
	for _, ch := range s.watchers {
		select {
		case ch <- ev:
			kept = append(kept, ch)
		default:
			close(ch)
		}
	}
	clear(s.watchers[len(kept):])
	s.watchers = kept
}

func (s *StaticMembership) removeWatcher(ch chan MembershipEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.watchers {
		if w == ch {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			close(ch)
			return
		}
	}
}
