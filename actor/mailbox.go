// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxrule/core"
)

const (
	stateCreated int32 = iota
	stateStarted
	stateStopped
)

// Mailbox holds the pending messages of one actor and runs its processing
// passes on a dispatcher. At most one pass is active at any time.
type Mailbox struct {
	system     *System
	id         core.ActorID
	parent     *Mailbox
	props      Props
	dispatcher *Dispatcher
	logger     *slog.Logger
	ctx        *Context

	mu     sync.Mutex
	high   []Message
	normal []Message

	busy         atomic.Bool
	state        atomic.Int32
	lastActivity atomic.Int64

	actor        Actor
	initAttempts int

	childMu       sync.Mutex
	children      map[core.ActorID]*Mailbox
	pendingChilds atomic.Int32
	onFinish      []func()
	done          chan struct{}
}

func newMailbox(s *System, props Props, parent *Mailbox, d *Dispatcher) *Mailbox {
	m := &Mailbox{
		system:     s,
		id:         props.ID,
		parent:     parent,
		props:      props,
		dispatcher: d,
		logger:     s.logger.With(slog.String("actor", props.ID.String())),
		children:   make(map[core.ActorID]*Mailbox),
		done:       make(chan struct{}),
	}
	m.ctx = &Context{system: s, mb: m}
	m.lastActivity.Store(time.Now().UnixNano())
	return m
}

// ID returns the actor id.
func (m *Mailbox) ID() core.ActorID {
	return m.id
}

// Done is closed once the actor stopped and left the registry.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Stopped reports whether the mailbox reached its terminal state.
func (m *Mailbox) Stopped() bool {
	return m.state.Load() == stateStopped
}

// LastActivity returns the time of the last enqueue.
func (m *Mailbox) LastActivity() time.Time {
	return time.Unix(0, m.lastActivity.Load())
}

// Enqueue appends msg to a lane and schedules a processing pass when none is
// active. A stopped mailbox fails msg with ErrActorStopped.
func (m *Mailbox) Enqueue(msg Message, highPriority bool) error {
	m.mu.Lock()
	if m.state.Load() == stateStopped {
		m.mu.Unlock()
		Fail(msg, ErrActorStopped)
		return fmt.Errorf("%w: %s", ErrActorStopped, m.id)
	}
	if highPriority {
		m.high = append(m.high, msg)
	} else {
		m.normal = append(m.normal, msg)
	}
	m.mu.Unlock()

	if _, ok := msg.(stopSignal); !ok {
		m.lastActivity.Store(time.Now().UnixNano())
	}
	m.schedule()
	return nil
}

func (m *Mailbox) schedule() {
	if m.busy.CompareAndSwap(false, true) {
		m.submit()
	}
}

func (m *Mailbox) submit() {
	if !m.dispatcher.Submit(m.process) {
		// The dispatcher is gone: no pass will ever run again.
		m.stop(ErrSystemStopped)
	}
}

func (m *Mailbox) requestStop(cause error) {
	_ = m.Enqueue(stopSignal{cause: cause}, true)
}

// next pops the head of the high lane, or of the normal lane when the high one
// is empty.
func (m *Mailbox) next() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.high) > 0 {
		msg := m.high[0]
		m.high[0] = nil
		m.high = m.high[1:]
		return msg, true
	}
	if len(m.normal) > 0 {
		msg := m.normal[0]
		m.normal[0] = nil
		m.normal = m.normal[1:]
		return msg, true
	}
	return nil, false
}

// pendingStop reports a stop request queued before the actor was created.
func (m *Mailbox) pendingStop() (stopSignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.high {
		if sig, ok := msg.(stopSignal); ok {
			return sig, true
		}
	}
	return stopSignal{}, false
}

func (m *Mailbox) hasWork() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.high) > 0 || len(m.normal) > 0
}

// process is one processing pass. It runs at most throughput messages and then
// yields the dispatcher goroutine.
func (m *Mailbox) process() {
	if m.state.Load() == stateStopped {
		return
	}
	if m.state.Load() == stateCreated {
		if sig, ok := m.pendingStop(); ok {
			m.stop(sig.cause)
			return
		}
		if !m.init() {
			return
		}
	}

	for i := 0; i < m.system.cfg.Throughput; i++ {
		msg, ok := m.next()
		if !ok {
			break
		}
		if sig, ok := msg.(stopSignal); ok {
			m.stop(sig.cause)
			return
		}
		m.invoke(msg)
	}

	if m.hasWork() {
		m.submit()
		return
	}
	m.busy.Store(false)
	// An enqueue between the last pop and clearing the flag saw busy set and
	// did not schedule; pick its message up here.
	if m.hasWork() {
		m.schedule()
	}
}

// init creates and initializes the actor. It returns false when the pass must
// end because init is retried later or the mailbox stopped.
func (m *Mailbox) init() bool {
	m.actor = m.props.New()
	err := m.safeInit(m.actor)
	if err == nil {
		m.started()
		return true
	}

	m.initAttempts++
	if m.initAttempts < m.system.cfg.MaxInitAttempts {
		m.logger.Warn("actor init failed, retrying",
			slog.Int("attempt", m.initAttempts),
			slog.String("error", err.Error()))
		time.AfterFunc(m.system.cfg.InitRetryDelay, m.submit)
		return false
	}

	if m.props.Fallback != nil {
		m.logger.Error("actor init failed, using fallback",
			slog.Int("attempts", m.initAttempts),
			slog.String("error", err.Error()))
		m.actor = m.props.Fallback(err)
		ferr := m.safeInit(m.actor)
		if ferr == nil {
			m.started()
			return true
		}
		err = ferr
	}

	m.logger.Error("actor init failed, stopping",
		slog.Int("attempts", m.initAttempts),
		slog.String("error", err.Error()))
	m.actor = nil
	m.stop(fmt.Errorf("%w: %s: %v", ErrInitFailed, m.id, err))
	return false
}

func (m *Mailbox) started() {
	m.state.Store(stateStarted)
	m.system.observer.ActorStarted(m.id.Kind)
}

func (m *Mailbox) safeInit(a Actor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("init panicked: %v", r)
		}
	}()
	return a.Init(m.ctx)
}

func (m *Mailbox) invoke(msg Message) {
	err := m.safeOnMessage(msg)
	if err == nil {
		m.system.observer.MessageProcessed(m.id.Kind, msg.MsgType())
		return
	}

	m.system.observer.MessageFailed(m.id.Kind, msg.MsgType())
	m.logger.Warn("actor failed to process message",
		slog.String("msg_type", msg.MsgType()),
		slog.String("error", err.Error()))
	Fail(msg, err)
	if m.parent != nil {
		_ = m.parent.Enqueue(ChildFailure{Child: m.id, FailedType: msg.MsgType(), Err: err}, true)
	}
}

func (m *Mailbox) safeOnMessage(msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("actor panicked",
				slog.String("msg_type", msg.MsgType()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("actor %s panicked: %v", m.id, r)
		}
	}()
	return m.actor.OnMessage(m.ctx, msg)
}

// stop moves the mailbox to its terminal state. Pending high-priority
// messages are failed first, then normal ones. Children are asked to stop and
// the registry entry is removed once all of them finished.
func (m *Mailbox) stop(cause error) {
	m.mu.Lock()
	if m.state.Load() == stateStopped {
		m.mu.Unlock()
		return
	}
	wasStarted := m.state.Load() == stateStarted
	m.state.Store(stateStopped)
	high, normal := m.high, m.normal
	m.high, m.normal = nil, nil
	m.mu.Unlock()

	if wasStarted && m.actor != nil {
		m.safeDestroy(cause)
	}

	for _, msg := range high {
		if _, ok := msg.(stopSignal); ok {
			continue
		}
		Fail(msg, ErrActorStopped)
	}
	for _, msg := range normal {
		Fail(msg, ErrActorStopped)
	}
	if wasStarted {
		m.system.observer.ActorStopped(m.id.Kind)
	}

	m.childMu.Lock()
	children := make([]*Mailbox, 0, len(m.children))
	for _, c := range m.children {
		children = append(children, c)
	}
	m.childMu.Unlock()

	if len(children) == 0 {
		m.finish()
		return
	}
	m.pendingChilds.Store(int32(len(children)))
	for _, c := range children {
		c.whenFinished(func() {
			if m.pendingChilds.Add(-1) == 0 {
				m.finish()
			}
		})
		c.requestStop(cause)
	}
}

func (m *Mailbox) safeDestroy(cause error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("actor panicked in destroy", slog.Any("panic", r))
		}
	}()
	m.actor.Destroy(m.ctx, cause)
}

// whenFinished runs fn after the mailbox left the registry, immediately if it
// already did.
func (m *Mailbox) whenFinished(fn func()) {
	m.childMu.Lock()
	select {
	case <-m.done:
		m.childMu.Unlock()
		fn()
		return
	default:
	}
	m.onFinish = append(m.onFinish, fn)
	m.childMu.Unlock()
}

func (m *Mailbox) finish() {
	m.system.registry.remove(m.id, m)
	if m.parent != nil {
		m.parent.removeChild(m.id, m)
	}

	m.childMu.Lock()
	hooks := m.onFinish
	m.onFinish = nil
	close(m.done)
	m.childMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	m.logger.Debug("actor stopped")
}

func (m *Mailbox) addChild(c *Mailbox) bool {
	m.childMu.Lock()
	defer m.childMu.Unlock()
	if m.Stopped() {
		return false
	}
	m.children[c.id] = c
	return true
}

func (m *Mailbox) removeChild(id core.ActorID, c *Mailbox) {
	m.childMu.Lock()
	if cur, ok := m.children[id]; ok && cur == c {
		delete(m.children, id)
	}
	m.childMu.Unlock()
}

func (m *Mailbox) childList() []*Mailbox {
	m.childMu.Lock()
	defer m.childMu.Unlock()
	out := make([]*Mailbox, 0, len(m.children))
	for _, c := range m.children {
		out = append(out, c)
	}
	return out
}
