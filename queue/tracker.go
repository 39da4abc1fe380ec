// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxrule/core"
	"github.com/google/uuid"
)

// PackID identifies a pack.
type PackID string

// EntryState is the processing state of one pack entry.
type EntryState int

const (
	Pending EntryState = iota
	Acked
	Failed
)

func (s EntryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Acked:
		return "acked"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Entry is one message of a pack.
type Entry struct {
	Msg   *core.Msg
	State EntryState
	Err   error
}

// Pack is a snapshot of a pack.
type Pack struct {
	ID       PackID
	GroupKey string
	Started  time.Time
	Entries  []Entry
}

// Complete reports whether every entry is terminal.
func (p Pack) Complete() bool {
	for _, e := range p.Entries {
		if e.State == Pending {
			return false
		}
	}
	return true
}

// Count returns the number of entries in state s.
func (p Pack) Count(s EntryState) int {
	n := 0
	for _, e := range p.Entries {
		if e.State == s {
			n++
		}
	}
	return n
}

// PackObserver is notified of pack lifecycle events.
type PackObserver interface {
	PackStarted(group string, size int)
	PackCompleted(group string, acked, failed int, elapsed time.Duration)
	AckRetried(consumer string)
}

type nopPackObserver struct{}

func (nopPackObserver) PackStarted(string, int)                       {}
func (nopPackObserver) PackCompleted(string, int, int, time.Duration) {}
func (nopPackObserver) AckRetried(string)                             {}

type pack struct {
	id       PackID
	group    string
	started  time.Time
	entries  []Entry
	index    map[uuid.UUID][]int
	pending  int
	done     chan struct{}
	released chan struct{}
}

func (p *pack) settle(msgID uuid.UUID, state EntryState, err error) error {
	idx, ok := p.index[msgID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, msgID)
	}
	for _, i := range idx {
		if p.entries[i].State != Pending {
			continue
		}
		p.entries[i].State = state
		p.entries[i].Err = err
		p.pending--
	}
	if p.pending == 0 {
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	}
	return nil
}

// Tracker keeps the per-message state of in-flight packs. At most one pack per
// group key is in flight at any time.
type Tracker struct {
	mu       sync.Mutex
	packs    map[PackID]*pack
	groups   map[string]PackID
	observer PackObserver
}

// NewTracker creates an empty tracker. observer may be nil.
func NewTracker(observer PackObserver) *Tracker {
	if observer == nil {
		observer = nopPackObserver{}
	}
	return &Tracker{
		packs:    make(map[PackID]*pack),
		groups:   make(map[string]PackID),
		observer: observer,
	}
}

// BeginPack registers msgs as a new pending pack of groupKey. It fails with
// ErrGroupBusy while another pack of groupKey is in flight.
func (t *Tracker) BeginPack(groupKey string, msgs []*core.Msg) (PackID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.groups[groupKey]; ok {
		return "", fmt.Errorf("%w: %s (pack %s)", ErrGroupBusy, groupKey, cur)
	}
	return t.begin(groupKey, msgs), nil
}

// AcquirePack is BeginPack waiting for the pack in flight for groupKey to be
// released. It returns the ctx error when ctx ends first.
func (t *Tracker) AcquirePack(ctx context.Context, groupKey string, msgs []*core.Msg) (PackID, error) {
	for {
		t.mu.Lock()
		cur, busy := t.groups[groupKey]
		if !busy {
			id := t.begin(groupKey, msgs)
			t.mu.Unlock()
			return id, nil
		}
		released := t.packs[cur].released
		t.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (t *Tracker) begin(groupKey string, msgs []*core.Msg) PackID {
	p := &pack{
		id:       PackID(uuid.NewString()),
		group:    groupKey,
		started:  time.Now(),
		entries:  make([]Entry, len(msgs)),
		index:    make(map[uuid.UUID][]int, len(msgs)),
		pending:  len(msgs),
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
	for i, m := range msgs {
		p.entries[i] = Entry{Msg: m, State: Pending}
		p.index[m.ID()] = append(p.index[m.ID()], i)
	}
	if p.pending == 0 {
		close(p.done)
	}
	t.packs[p.id] = p
	t.groups[groupKey] = p.id
	t.observer.PackStarted(groupKey, len(msgs))
	return p.id
}

func (t *Tracker) get(id PackID) (*pack, error) {
	p, ok := t.packs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPackNotFound, id)
	}
	return p, nil
}

// Ack marks msgID of pack id as processed. Entries already terminal keep their
// first state.
func (t *Tracker) Ack(id PackID, msgID uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.get(id)
	if err != nil {
		return err
	}
	return p.settle(msgID, Acked, nil)
}

// Fail marks msgID of pack id as failed with err.
func (t *Tracker) Fail(id PackID, msgID uuid.UUID, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, perr := t.get(id)
	if perr != nil {
		return perr
	}
	return p.settle(msgID, Failed, err)
}

// IsComplete reports whether every entry of pack id is terminal.
func (t *Tracker) IsComplete(id PackID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.get(id)
	if err != nil {
		return false, err
	}
	return p.pending == 0, nil
}

// Await blocks until pack id is complete or ctx is done.
func (t *Tracker) Await(ctx context.Context, id PackID) error {
	t.mu.Lock()
	p, err := t.get(id)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Expire fails every pending entry of pack id with err and returns how many
// entries it failed.
func (t *Tracker) Expire(id PackID, err error) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, perr := t.get(id)
	if perr != nil {
		return 0, perr
	}
	n := 0
	for i := range p.entries {
		if p.entries[i].State == Pending {
			if serr := p.settle(p.entries[i].Msg.ID(), Failed, err); serr == nil {
				n++
			}
		}
	}
	return n, nil
}

// Snapshot returns a copy of pack id.
func (t *Tracker) Snapshot(id PackID) (Pack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.get(id)
	if err != nil {
		return Pack{}, err
	}
	return Pack{
		ID:       p.id,
		GroupKey: p.group,
		Started:  p.started,
		Entries:  append([]Entry(nil), p.entries...),
	}, nil
}

// Release forgets pack id and opens its group for the next pack. It is called
// once the broker acknowledged the pack.
func (t *Tracker) Release(id PackID) error {
	t.mu.Lock()
	p, err := t.get(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	delete(t.packs, id)
	if t.groups[p.group] == id {
		delete(t.groups, p.group)
	}
	close(p.released)
	acked, failed := 0, 0
	for _, e := range p.entries {
		switch e.State {
		case Acked:
			acked++
		case Failed:
			failed++
		}
	}
	t.mu.Unlock()

	t.observer.PackCompleted(p.group, acked, failed, time.Since(p.started))
	return nil
}

// Callback returns the callback settling msgID in pack id.
func (t *Tracker) Callback(id PackID, msgID uuid.UUID) core.MsgCallback {
	return core.OnceCallback(core.CallbackFuncs{
		Success: func() { _ = t.Ack(id, msgID) },
		Failure: func(err error) { _ = t.Fail(id, msgID, err) },
	})
}

// Len returns the number of packs in flight.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.packs)
}

// Busy reports whether group has a pack in flight.
func (t *Tracker) Busy(group string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.groups[group]
	return ok
}
