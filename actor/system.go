// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxrule/core"
)

// Config holds the mailbox settings shared by all actors of a system.
type Config struct {
	// Throughput bounds the number of messages one pass may process.
	Throughput int

	MaxInitAttempts int
	InitRetryDelay  time.Duration
}

// DefaultConfig returns the settings used when a field is left at zero.
func DefaultConfig() Config {
	return Config{
		Throughput:      10,
		MaxInitAttempts: 3,
		InitRetryDelay:  100 * time.Millisecond,
	}
}

// Option configures a System.
type Option func(*System)

// WithObserver reports runtime events to o.
func WithObserver(o Observer) Option {
	return func(s *System) {
		if o != nil {
			s.observer = o
		}
	}
}

// System owns the actor registry and the dispatchers.
type System struct {
	cfg      Config
	logger   *slog.Logger
	observer Observer
	registry *registry

	mu          sync.RWMutex
	dispatchers map[string]*Dispatcher
	timers      map[*time.Timer]struct{}
	stopped     atomic.Bool
}

// NewSystem creates an empty actor system.
func NewSystem(cfg Config, logger *slog.Logger, opts ...Option) *System {
	def := DefaultConfig()
	if cfg.Throughput < 1 {
		cfg.Throughput = def.Throughput
	}
	if cfg.MaxInitAttempts < 1 {
		cfg.MaxInitAttempts = def.MaxInitAttempts
	}
	if cfg.InitRetryDelay <= 0 {
		cfg.InitRetryDelay = def.InitRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &System{
		cfg:         cfg,
		logger:      logger,
		observer:    nopObserver{},
		registry:    newRegistry(),
		dispatchers: make(map[string]*Dispatcher),
		timers:      make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDispatcher starts a named dispatcher with size workers.
func (s *System) CreateDispatcher(name string, size int) (*Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return nil, ErrSystemStopped
	}
	if _, ok := s.dispatchers[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDispatcherExists, name)
	}
	d := newDispatcher(name, size, s.logger, s.observer)
	s.dispatchers[name] = d
	return d, nil
}

func (s *System) dispatcher(name string) (*Dispatcher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dispatchers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDispatcher, name)
	}
	return d, nil
}

// CreateRootActor registers an actor without a parent.
func (s *System) CreateRootActor(dispatcher string, props Props) (Ref, error) {
	return s.create(dispatcher, props, nil)
}

// CreateChildActor registers an actor supervised by parent.
func (s *System) CreateChildActor(dispatcher string, props Props, parent core.ActorID) (Ref, error) {
	p, ok := s.registry.get(parent)
	if !ok {
		return Ref{}, fmt.Errorf("%w: parent %s", ErrActorNotRegistered, parent)
	}
	return s.create(dispatcher, props, p)
}

// GetOrCreateChild returns the actor registered under props.ID or creates it
// as a child of parent.
func (s *System) GetOrCreateChild(dispatcher string, props Props, parent core.ActorID) (Ref, error) {
	if mb, ok := s.registry.get(props.ID); ok && !mb.Stopped() {
		return Ref{mb: mb}, nil
	}
	ref, err := s.CreateChildActor(dispatcher, props, parent)
	if errors.Is(err, ErrActorExists) {
		if mb, ok := s.registry.get(props.ID); ok {
			return Ref{mb: mb}, nil
		}
	}
	return ref, err
}

func (s *System) create(dispatcher string, props Props, parent *Mailbox) (Ref, error) {
	if s.stopped.Load() {
		return Ref{}, ErrSystemStopped
	}
	if props.New == nil {
		return Ref{}, fmt.Errorf("actor %s: nil constructor", props.ID)
	}
	d, err := s.dispatcher(dispatcher)
	if err != nil {
		return Ref{}, err
	}

	mb := newMailbox(s, props, parent, d)
	if _, ok := s.registry.putIfAbsent(props.ID, mb); !ok {
		return Ref{}, fmt.Errorf("%w: %s", ErrActorExists, props.ID)
	}
	if parent != nil && !parent.addChild(mb) {
		s.registry.remove(props.ID, mb)
		return Ref{}, fmt.Errorf("%w: parent %s", ErrActorStopped, parent.id)
	}
	// Run Init right away instead of on the first message.
	mb.schedule()
	return Ref{mb: mb}, nil
}

// Get returns the actor registered under id.
func (s *System) Get(id core.ActorID) (Ref, bool) {
	mb, ok := s.registry.get(id)
	if !ok {
		return Ref{}, false
	}
	return Ref{mb: mb}, true
}

// Tell enqueues msg on the normal lane of id. An unknown actor fails msg.
func (s *System) Tell(id core.ActorID, msg Message) error {
	return s.tell(id, msg, false)
}

// TellHighPriority enqueues msg on the high-priority lane of id.
func (s *System) TellHighPriority(id core.ActorID, msg Message) error {
	return s.tell(id, msg, true)
}

func (s *System) tell(id core.ActorID, msg Message, high bool) error {
	mb, ok := s.registry.get(id)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrActorNotRegistered, id)
		Fail(msg, err)
		return err
	}
	return mb.Enqueue(msg, high)
}

// Stop asks the actor to stop. The stop request overtakes queued normal
// messages; the actor and its subtree leave the registry once drained.
func (s *System) Stop(id core.ActorID) error {
	mb, ok := s.registry.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrActorNotRegistered, id)
	}
	mb.requestStop(nil)
	return nil
}

// BroadcastToChildren enqueues msg on every child of parent.
func (s *System) BroadcastToChildren(parent core.ActorID, msg Message, highPriority bool) {
	p, ok := s.registry.get(parent)
	if !ok {
		return
	}
	for _, c := range p.childList() {
		_ = c.Enqueue(msg, highPriority)
	}
}

// FilterChildren returns the ids of the children of parent matching pred.
func (s *System) FilterChildren(parent core.ActorID, pred func(core.ActorID) bool) []core.ActorID {
	p, ok := s.registry.get(parent)
	if !ok {
		return nil
	}
	return filterChildren(p, pred)
}

func filterChildren(p *Mailbox, pred func(core.ActorID) bool) []core.ActorID {
	var out []core.ActorID
	for _, c := range p.childList() {
		if c.Stopped() {
			continue
		}
		if pred == nil || pred(c.id) {
			out = append(out, c.id)
		}
	}
	return out
}

// ScheduleHighPriority delivers msg to id at high priority after delay.
func (s *System) ScheduleHighPriority(id core.ActorID, msg Message, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()
		if s.stopped.Load() {
			return
		}
		_ = s.TellHighPriority(id, msg)
	})
	s.timers[t] = struct{}{}
}

// EvictIdle stops the children of parent matching pred that received no
// message for longer than timeout, and returns their ids.
func (s *System) EvictIdle(parent core.ActorID, timeout time.Duration, pred func(core.ActorID) bool) []core.ActorID {
	p, ok := s.registry.get(parent)
	if !ok {
		return nil
	}
	return evictIdle(p, timeout, pred)
}

func evictIdle(p *Mailbox, timeout time.Duration, pred func(core.ActorID) bool) []core.ActorID {
	deadline := time.Now().Add(-timeout)
	var evicted []core.ActorID
	for _, c := range p.childList() {
		if c.Stopped() || (pred != nil && !pred(c.id)) {
			continue
		}
		if c.LastActivity().Before(deadline) {
			c.requestStop(nil)
			evicted = append(evicted, c.id)
		}
	}
	return evicted
}

// Len returns the number of registered actors.
func (s *System) Len() int {
	return s.registry.len()
}

// Shutdown stops every actor, waits for them to drain and stops the
// dispatchers.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return nil
	}
	for t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
	s.mu.Unlock()

	var roots []*Mailbox
	for _, mb := range s.registry.all() {
		if mb.parent == nil {
			roots = append(roots, mb)
		}
	}
	for _, mb := range roots {
		mb.requestStop(ErrSystemStopped)
	}

	var err error
	for _, mb := range roots {
		select {
		case <-mb.Done():
		case <-ctx.Done():
			err = fmt.Errorf("actor system shutdown: %w", ctx.Err())
		}
		if err != nil {
			break
		}
	}

	s.stopped.Store(true)
	s.mu.Lock()
	dispatchers := s.dispatchers
	s.dispatchers = map[string]*Dispatcher{}
	s.mu.Unlock()
	for _, d := range dispatchers {
		d.Stop()
	}
	return err
}

// Ref is a handle to a registered actor.
type Ref struct {
	mb *Mailbox
}

// ID returns the actor id.
func (r Ref) ID() core.ActorID {
	if r.mb == nil {
		return core.ActorID{}
	}
	return r.mb.id
}

// Valid reports whether the ref points to an actor.
func (r Ref) Valid() bool {
	return r.mb != nil
}

// Tell enqueues msg on the normal lane.
func (r Ref) Tell(msg Message) error {
	if r.mb == nil {
		Fail(msg, ErrActorNotRegistered)
		return ErrActorNotRegistered
	}
	return r.mb.Enqueue(msg, false)
}

// TellHighPriority enqueues msg on the high-priority lane.
func (r Ref) TellHighPriority(msg Message) error {
	if r.mb == nil {
		Fail(msg, ErrActorNotRegistered)
		return ErrActorNotRegistered
	}
	return r.mb.Enqueue(msg, true)
}

// Done is closed when the actor has stopped.
func (r Ref) Done() <-chan struct{} {
	if r.mb == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.mb.Done()
}
