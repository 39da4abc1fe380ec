// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory is an in-process broker with visibility timeout semantics.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/queue"
	"github.com/google/uuid"
)

var (
	_ queue.Producer = (*Broker)(nil)
	_ queue.Consumer = (*Consumer)(nil)
)

const defaultVisibility = 30 * time.Second

type item struct {
	payload      []byte
	group        string
	receipt      string
	invisibleTil time.Time
}

type queueState struct {
	items []*item
}

// Broker holds named queues in memory. Polled messages stay invisible for the
// visibility timeout and reappear unless acknowledged.
type Broker struct {
	mu         sync.Mutex
	queues     map[string]*queueState
	visibility time.Duration
	closed     bool
	now        func() time.Time
}

// New creates a broker. A non-positive visibility selects 30 seconds.
func New(visibility time.Duration) *Broker {
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	return &Broker{
		queues:     make(map[string]*queueState),
		visibility: visibility,
		now:        time.Now,
	}
}

func (b *Broker) queue(name string) *queueState {
	q, ok := b.queues[name]
	if !ok {
		q = &queueState{}
		b.queues[name] = q
	}
	return q
}

// Send appends msg to queue name. Messages are stored encoded, as a real
// broker would hold them.
func (b *Broker) Send(_ context.Context, name string, msg *core.Msg) error {
	payload, err := queue.Encode(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	q := b.queue(name)
	q.items = append(q.items, &item{payload: payload, group: queue.GroupKey(msg)})
	return nil
}

// Len returns the number of messages in queue name, visible or not.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(name).items)
}

// Consumer returns a consumer reading queue name.
func (b *Broker) Consumer(name string) *Consumer {
	return &Consumer{broker: b, queue: name}
}

// Close rejects further sends.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Broker) poll(name string, max int) ([]queue.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	q := b.queue(name)
	var out []queue.Delivery
	for _, it := range q.items {
		if len(out) >= max {
			break
		}
		if it.invisibleTil.After(now) {
			continue
		}
		msg, err := queue.Decode(it.payload)
		if err != nil {
			return nil, err
		}
		it.receipt = uuid.NewString()
		it.invisibleTil = now.Add(b.visibility)
		out = append(out, queue.Delivery{Msg: msg, GroupKey: it.group, Receipt: it.receipt})
	}
	return out, nil
}

func (b *Broker) ack(name string, ds []queue.Delivery) {
	receipts := make(map[string]struct{}, len(ds))
	for _, d := range ds {
		receipts[d.Receipt] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(name)
	kept := q.items[:0]
	for _, it := range q.items {
		if _, ok := receipts[it.receipt]; ok && it.receipt != "" {
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
}

// Consumer reads one queue of a Broker.
type Consumer struct {
	broker *Broker
	queue  string
}

// Poll returns up to max visible messages.
func (c *Consumer) Poll(ctx context.Context, max int) ([]queue.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.broker.poll(c.queue, max)
}

// Ack removes deliveries. A receipt from an earlier delivery of a message that
// was redelivered since is ignored.
func (c *Consumer) Ack(_ context.Context, ds []queue.Delivery) error {
	c.broker.ack(c.queue, ds)
	return nil
}

// Close is a no-op; the broker outlives its consumers.
func (c *Consumer) Close() error {
	return nil
}
