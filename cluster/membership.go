// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxrule/core"
)

// MembershipEventType tells whether a member appeared or disappeared.
type MembershipEventType int

const (
	MemberJoined MembershipEventType = iota
	MemberLeft
)

func (t MembershipEventType) String() string {
	if t == MemberJoined {
		return "joined"
	}
	return "left"
}

// MembershipEvent is a single change reported by a MembershipSource.
type MembershipEvent struct {
	Type    MembershipEventType
	Address core.ServerAddress
}

// MembershipSource is the service discovery backend.
type MembershipSource interface {
	// Register announces self as a live member.
	Register(ctx context.Context, self core.ServerAddress) error

	// Members returns the current snapshot of live members.
	Members(ctx context.Context) ([]core.ServerAddress, error)

	// Watch streams changes until ctx is done. The channel is closed on
	// return, or earlier when the source lost track of changes.
	Watch(ctx context.Context) <-chan MembershipEvent

	Close() error
}

const (
	resyncBase = 100 * time.Millisecond
	resyncMax  = 5 * time.Second
)

// RingChange describes an applied membership change.
type RingChange struct {
	Version uint64
	Joined  []core.ServerAddress
	Left    []core.ServerAddress
}

// MembershipTracker keeps the ring in sync with a MembershipSource. It is the
// only writer of the ring.
type MembershipTracker struct {
	source MembershipSource
	ring   *Ring
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []func(RingChange)

	ready  atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMembershipTracker creates a tracker applying source events to ring.
func NewMembershipTracker(source MembershipSource, ring *Ring, logger *slog.Logger) *MembershipTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MembershipTracker{
		source: source,
		ring:   ring,
		logger: logger,
	}
}

// OnChange registers fn to be called after every applied change.
func (t *MembershipTracker) OnChange(fn func(RingChange)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Start registers this node, loads the initial member snapshot and starts
// watching for changes. Any error here means the node cannot route and must not
// start.
func (t *MembershipTracker) Start(ctx context.Context) error {
	local := t.ring.Local()
	if err := t.source.Register(ctx, local); err != nil {
		return fmt.Errorf("failed to register %s: %w", local, err)
	}

	// Watch before the snapshot so no change between the two is lost.
	wctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	first, stopFirst := context.WithCancel(wctx)
	events := t.source.Watch(first)

	members, err := t.source.Members(ctx)
	if err != nil {
		stopFirst()
		cancel()
		return fmt.Errorf("failed to load cluster members: %w", err)
	}
	if !containsAddr(members, local) {
		members = append(members, local)
	}
	joined, left := t.ring.SetMembers(members)
	t.notify(RingChange{Version: t.ring.Version(), Joined: joined, Left: left})

	t.wg.Add(1)
	go t.watch(wctx, events, stopFirst)

	t.ready.Store(true)
	t.logger.Info("cluster membership started",
		slog.String("local", local.String()),
		slog.Int("members", len(members)),
		slog.Uint64("ring_version", t.ring.Version()))
	return nil
}

func (t *MembershipTracker) watch(ctx context.Context, events <-chan MembershipEvent, stopWatch context.CancelFunc) {
	defer t.wg.Done()
	delay := resyncBase
	for {
		seen := false
		for ev := range events {
			seen = true
			t.apply(ev)
		}
		stopWatch()
		if ctx.Err() != nil {
			return
		}
		if seen {
			delay = resyncBase
		}

		// The ring may have missed changes until the snapshot is reloaded.
		t.ready.Store(false)
		t.logger.Warn("cluster membership watch closed, resyncing", slog.Duration("delay", delay))
		var ok bool
		if events, stopWatch, ok = t.resync(ctx, &delay); !ok {
			return
		}
		t.ready.Store(true)
	}
}

// resync watches again and replaces the ring members with a fresh snapshot,
// backing off between attempts until it succeeds or ctx is done.
func (t *MembershipTracker) resync(ctx context.Context, delay *time.Duration) (<-chan MembershipEvent, context.CancelFunc, bool) {
	for {
		timer := time.NewTimer(*delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, false
		case <-timer.C:
		}
		*delay = min(*delay*2, resyncMax)

		wctx, cancel := context.WithCancel(ctx)
		events := t.source.Watch(wctx)
		members, err := t.source.Members(ctx)
		if err != nil {
			cancel()
			t.logger.Warn("failed to reload cluster members", slog.String("error", err.Error()))
			continue
		}
		if !containsAddr(members, t.ring.Local()) {
			members = append(members, t.ring.Local())
		}
		joined, left := t.ring.SetMembers(members)
		change := RingChange{Version: t.ring.Version(), Joined: joined, Left: left}
		t.logger.Info("cluster membership resynced",
			slog.Int("members", len(members)),
			slog.Int("joined", len(joined)),
			slog.Int("left", len(left)),
			slog.Uint64("ring_version", change.Version))
		t.notify(change)
		return events, cancel, true
	}
}

func (t *MembershipTracker) apply(ev MembershipEvent) {
	var change RingChange
	switch ev.Type {
	case MemberJoined:
		if !t.ring.Join(ev.Address) {
			return
		}
		change.Joined = []core.ServerAddress{ev.Address}
	case MemberLeft:
		if ev.Address == t.ring.Local() {
			t.logger.Warn("ignoring leave event for local node", slog.String("address", ev.Address.String()))
			return
		}
		if !t.ring.Leave(ev.Address) {
			return
		}
		change.Left = []core.ServerAddress{ev.Address}
	}
	change.Version = t.ring.Version()
	t.logger.Info("cluster membership changed",
		slog.String("member", ev.Address.String()),
		slog.String("event", ev.Type.String()),
		slog.Uint64("ring_version", change.Version))
	t.notify(change)
}

func (t *MembershipTracker) notify(change RingChange) {
	if len(change.Joined) == 0 && len(change.Left) == 0 {
		return
	}
	t.mu.RLock()
	listeners := t.listeners
	t.mu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
}

// Ready reports whether the initial snapshot has been applied.
func (t *MembershipTracker) Ready() bool {
	return t.ready.Load()
}

// Ring returns the ring maintained by the tracker.
func (t *MembershipTracker) Ring() *Ring {
	return t.ring
}

// Stop ends the watch loop and closes the source.
func (t *MembershipTracker) Stop() error {
	t.ready.Store(false)
	if t.cancel != nil {
		t.cancel()
	}
	err := t.source.Close()
	t.wg.Wait()
	t.ready.Store(false)
	return err
}

func containsAddr(addrs []core.ServerAddress, a core.ServerAddress) bool {
	for _, x := range addrs {
		if x == a {
			return true
		}
	}
	return false
}
