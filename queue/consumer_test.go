// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxrule/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeConsumer struct {
	mu       sync.Mutex
	batches  [][]Delivery
	polls    int
	acked    [][]Delivery
	ackErrs  int
	ackCalls int
	closed   bool
}

func (c *fakeConsumer) Poll(_ context.Context, max int) ([]Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if len(c.batches) == 0 {
		return nil, nil
	}
	b := c.batches[0]
	c.batches = c.batches[1:]
	if len(b) > max {
		b = b[:max]
	}
	return b, nil
}

func (c *fakeConsumer) Ack(_ context.Context, ds []Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackCalls++
	if c.ackErrs > 0 {
		c.ackErrs--
		return errors.New("broker unavailable")
	}
	c.acked = append(c.acked, ds)
	return nil
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConsumer) ackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.acked {
		n += len(b)
	}
	return n
}

func (c *fakeConsumer) pollCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

// fakeSubmitter completes each message asynchronously with the outcome chosen
// by decide. A nil outcome from hold keeps the message pending until release.
type fakeSubmitter struct {
	decide func(*core.Msg) error
	hold   func(*core.Msg) bool

	mu       sync.Mutex
	held     []*core.Msg
	order    []uuid.UUID
	inflight map[core.EntityID]int
	overlap  atomic.Bool
	maxAll   atomic.Int32
	running  atomic.Int32
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{inflight: map[core.EntityID]int{}}
}

func (s *fakeSubmitter) Submit(_ context.Context, msg *core.Msg) error {
	s.mu.Lock()
	s.order = append(s.order, msg.ID())
	s.inflight[msg.Originator()]++
	if s.inflight[msg.Originator()] > 1 {
		s.overlap.Store(true)
	}
	s.mu.Unlock()

	n := s.running.Add(1)
	for {
		m := s.maxAll.Load()
		if n <= m || s.maxAll.CompareAndSwap(m, n) {
			break
		}
	}

	if s.hold != nil && s.hold(msg) {
		s.mu.Lock()
		s.held = append(s.held, msg)
		s.mu.Unlock()
		return nil
	}
	go func() {
		time.Sleep(time.Millisecond)
		s.finish(msg)
	}()
	return nil
}

func (s *fakeSubmitter) finish(msg *core.Msg) {
	s.mu.Lock()
	s.inflight[msg.Originator()]--
	s.mu.Unlock()
	s.running.Add(-1)

	var err error
	if s.decide != nil {
		err = s.decide(msg)
	}
	if err != nil {
		msg.Callback().OnFailure(err)
		return
	}
	msg.Callback().OnSuccess()
}

func (s *fakeSubmitter) release() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, m := range held {
		s.finish(m)
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	started   int
	acked     int
	failed    int
	completed int
	retries   int
}

func (o *recordingObserver) PackStarted(string, int) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) PackCompleted(_ string, acked, failed int, _ time.Duration) {
	o.mu.Lock()
	o.completed++
	o.acked += acked
	o.failed += failed
	o.mu.Unlock()
}

func (o *recordingObserver) AckRetried(string) {
	o.mu.Lock()
	o.retries++
	o.mu.Unlock()
}

func (o *recordingObserver) snapshot() (completed, acked, failed, retries int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completed, o.acked, o.failed, o.retries
}

func deliveries(msgs ...*core.Msg) []Delivery {
	out := make([]Delivery, len(msgs))
	for i, m := range msgs {
		out[i] = Delivery{Msg: m, GroupKey: GroupKey(m), Receipt: m.ID().String()}
	}
	return out
}

func startConsumer(t *testing.T, cfg ConsumerConfig, c *fakeConsumer, s Submitter, obs PackObserver) *PackConsumer {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.AckRetryBase == 0 {
		cfg.AckRetryBase = time.Millisecond
	}
	pc := NewPackConsumer(cfg, c, s, NewTracker(obs), obs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pc.Start(context.Background())
	t.Cleanup(func() { _ = pc.Stop() })
	return pc
}

func TestPackConsumerFailureOnSecondMessage(t *testing.T) {
	msgs := threeMsgs()
	c := &fakeConsumer{batches: [][]Delivery{deliveries(msgs...)}}
	sub := newFakeSubmitter()
	sub.decide = func(m *core.Msg) error {
		if m.ID() == msgs[1].ID() {
			return errors.New("handler failed")
		}
		return nil
	}
	obs := &recordingObserver{}
	startConsumer(t, ConsumerConfig{Name: "main"}, c, sub, obs)

	require.Eventually(t, func() bool { return c.ackedCount() == 3 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		completed, _, _, _ := obs.snapshot()
		return completed == 1
	}, time.Second, time.Millisecond)
	_, acked, failed, _ := obs.snapshot()
	assert.Equal(t, 2, acked)
	assert.Equal(t, 1, failed)
}

func TestPackConsumerNoAckBeforeComplete(t *testing.T) {
	msgs := threeMsgs()
	c := &fakeConsumer{batches: [][]Delivery{deliveries(msgs...), deliveries(threeMsgs()...)}}
	sub := newFakeSubmitter()
	sub.hold = func(m *core.Msg) bool { return m.ID() == msgs[2].ID() }
	startConsumer(t, ConsumerConfig{Name: "main", PackTimeout: time.Minute}, c, sub, nil)

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.held) == 1
	}, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, c.ackedCount(), "pack acknowledged while an entry was pending")
	assert.Equal(t, 1, c.pollCount(), "polled again before the pack completed")

	sub.release()
	require.Eventually(t, func() bool { return c.ackedCount() == 6 }, 2*time.Second, time.Millisecond)
}

func TestPackConsumersSharingTrackerWaitForGroup(t *testing.T) {
	tenant := core.NewEntityID(core.EntityTenant)
	dev := core.NewEntityID(core.EntityDevice)
	first, second := newMsg(tenant, dev), newMsg(tenant, dev)

	sub := newFakeSubmitter()
	sub.hold = func(m *core.Msg) bool { return m.ID() == first.ID() }
	tracker := NewTracker(nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := ConsumerConfig{PollInterval: time.Millisecond, PackTimeout: time.Minute}

	ca := &fakeConsumer{batches: [][]Delivery{deliveries(first)}}
	a := NewPackConsumer(cfg, ca, sub, tracker, nil, logger)
	a.Start(context.Background())
	t.Cleanup(func() { _ = a.Stop() })
	require.Eventually(t, func() bool { return tracker.Busy(GroupKey(first)) }, time.Second, time.Millisecond)

	cb := &fakeConsumer{batches: [][]Delivery{deliveries(second)}}
	b := NewPackConsumer(cfg, cb, sub, tracker, nil, logger)
	b.Start(context.Background())
	t.Cleanup(func() { _ = b.Stop() })

	time.Sleep(50 * time.Millisecond)
	sub.mu.Lock()
	assert.Equal(t, []uuid.UUID{first.ID()}, sub.order, "second pack submitted while the group was busy")
	sub.mu.Unlock()
	assert.Equal(t, 1, cb.pollCount(), "consumer kept polling while its pack waited")

	sub.release()
	require.Eventually(t, func() bool { return ca.ackedCount() == 1 && cb.ackedCount() == 1 }, 2*time.Second, time.Millisecond)
	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, []uuid.UUID{first.ID(), second.ID()}, sub.order)
}

func TestPackConsumerSpanPerPack(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")

	msgs := threeMsgs()
	other := newMsg(core.NewEntityID(core.EntityTenant), core.NewEntityID(core.EntityDevice))
	c := &fakeConsumer{batches: [][]Delivery{deliveries(append(msgs, other)...)}}
	sub := newFakeSubmitter()
	sub.decide = func(m *core.Msg) error {
		if m.ID() == msgs[0].ID() {
			return errors.New("handler failed")
		}
		return nil
	}
	pc := NewPackConsumer(ConsumerConfig{Name: "main", PollInterval: time.Millisecond}, c, sub, NewTracker(nil), nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)), WithTracer(tracer))
	pc.Start(context.Background())
	t.Cleanup(func() { _ = pc.Stop() })

	require.Eventually(t, func() bool { return len(rec.Ended()) == 2 }, 2*time.Second, time.Millisecond)
	sizes := map[string]int64{}
	failed := map[string]int64{}
	for _, span := range rec.Ended() {
		assert.Equal(t, "queue.pack", span.Name())
		attrs := map[attribute.Key]attribute.Value{}
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}
		group := attrs["fluxrule.pack.group"].AsString()
		sizes[group] = attrs["fluxrule.pack.size"].AsInt64()
		failed[group] = attrs["fluxrule.pack.failed"].AsInt64()
	}
	assert.Equal(t, map[string]int64{GroupKey(msgs[0]): 3, GroupKey(other): 1}, sizes)
	assert.Equal(t, int64(1), failed[GroupKey(msgs[0])])
	assert.Equal(t, int64(0), failed[GroupKey(other)])
}

func TestPackConsumerAckRetry(t *testing.T) {
	c := &fakeConsumer{batches: [][]Delivery{deliveries(threeMsgs()...)}, ackErrs: 2}
	obs := &recordingObserver{}
	startConsumer(t, ConsumerConfig{Name: "main"}, c, newFakeSubmitter(), obs)

	require.Eventually(t, func() bool { return c.ackedCount() == 3 }, 2*time.Second, time.Millisecond)
	_, _, _, retries := obs.snapshot()
	assert.Equal(t, 2, retries)
	c.mu.Lock()
	assert.Equal(t, 3, c.ackCalls)
	c.mu.Unlock()
}

func TestPackConsumerTimeoutExpiresPending(t *testing.T) {
	msgs := threeMsgs()
	c := &fakeConsumer{batches: [][]Delivery{deliveries(msgs...)}}
	sub := newFakeSubmitter()
	sub.hold = func(m *core.Msg) bool { return m.ID() == msgs[0].ID() }
	obs := &recordingObserver{}
	startConsumer(t, ConsumerConfig{Name: "main", PackTimeout: 30 * time.Millisecond}, c, sub, obs)

	require.Eventually(t, func() bool { return c.ackedCount() == 3 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		completed, _, _, _ := obs.snapshot()
		return completed == 1
	}, time.Second, time.Millisecond)
	_, acked, failed, _ := obs.snapshot()
	assert.Equal(t, 2, acked)
	assert.Equal(t, 1, failed)
	sub.release()
}

func TestPackConsumerGroupsSplitByTenant(t *testing.T) {
	a, b := threeMsgs(), threeMsgs()
	batch := deliveries(a[0], b[0], a[1], b[1], a[2], b[2])
	groups := splitByGroup(batch)
	require.Len(t, groups, 2)
	assert.Equal(t, GroupKey(a[0]), groups[0].key)
	for i, d := range groups[0].deliveries {
		assert.Equal(t, a[i].ID(), d.Msg.ID())
	}
	for i, d := range groups[1].deliveries {
		assert.Equal(t, b[i].ID(), d.Msg.ID())
	}

	c := &fakeConsumer{batches: [][]Delivery{batch}}
	obs := &recordingObserver{}
	startConsumer(t, ConsumerConfig{Name: "main"}, c, newFakeSubmitter(), obs)
	require.Eventually(t, func() bool {
		completed, _, _, _ := obs.snapshot()
		return completed == 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 6, c.ackedCount())
}

func TestPackConsumerSequential(t *testing.T) {
	tenant := core.NewEntityID(core.EntityTenant)
	var msgs []*core.Msg
	for i := 0; i < 6; i++ {
		msgs = append(msgs, newMsg(tenant, core.NewEntityID(core.EntityDevice)))
	}
	c := &fakeConsumer{batches: [][]Delivery{deliveries(msgs...)}}
	sub := newFakeSubmitter()
	startConsumer(t, ConsumerConfig{Name: "main", Strategy: StrategySequential}, c, sub, nil)

	require.Eventually(t, func() bool { return c.ackedCount() == 6 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), sub.maxAll.Load())
	sub.mu.Lock()
	for i, id := range sub.order {
		assert.Equal(t, msgs[i].ID(), id)
	}
	sub.mu.Unlock()
}

func TestPackConsumerSequentialByOriginator(t *testing.T) {
	tenant := core.NewEntityID(core.EntityTenant)
	d1, d2 := core.NewEntityID(core.EntityDevice), core.NewEntityID(core.EntityDevice)
	var msgs []*core.Msg
	for i := 0; i < 5; i++ {
		msgs = append(msgs, newMsg(tenant, d1), newMsg(tenant, d2))
	}
	c := &fakeConsumer{batches: [][]Delivery{deliveries(msgs...)}}
	sub := newFakeSubmitter()
	startConsumer(t, ConsumerConfig{Name: "main", Strategy: StrategySequentialByOriginator}, c, sub, nil)

	require.Eventually(t, func() bool { return c.ackedCount() == 10 }, 2*time.Second, time.Millisecond)
	assert.False(t, sub.overlap.Load(), "two messages of one originator were in flight together")

	sub.mu.Lock()
	defer sub.mu.Unlock()
	var got1 []uuid.UUID
	for _, id := range sub.order {
		for _, m := range msgs {
			if m.ID() == id && m.Originator() == d1 {
				got1 = append(got1, id)
			}
		}
	}
	require.Len(t, got1, 5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, msgs[2*i].ID(), got1[i])
	}
}

type rejectingSubmitter struct{}

func (rejectingSubmitter) Submit(context.Context, *core.Msg) error {
	return errors.New("rejected")
}

func TestPackConsumerSubmitErrorFailsEntry(t *testing.T) {
	c := &fakeConsumer{batches: [][]Delivery{deliveries(threeMsgs()...)}}
	obs := &recordingObserver{}
	startConsumer(t, ConsumerConfig{Name: "main"}, c, rejectingSubmitter{}, obs)

	require.Eventually(t, func() bool {
		completed, _, _, _ := obs.snapshot()
		return completed == 1
	}, 2*time.Second, time.Millisecond)
	_, acked, failed, _ := obs.snapshot()
	assert.Equal(t, 0, acked)
	assert.Equal(t, 3, failed)
}

func TestPackConsumerStopClosesConsumer(t *testing.T) {
	c := &fakeConsumer{}
	pc := NewPackConsumer(ConsumerConfig{PollInterval: time.Millisecond}, c, newFakeSubmitter(), NewTracker(nil), nil, nil)
	pc.Start(context.Background())
	require.Eventually(t, func() bool { return c.pollCount() > 2 }, time.Second, time.Millisecond)
	require.NoError(t, pc.Stop())
	c.mu.Lock()
	assert.True(t, c.closed)
	c.mu.Unlock()
}

func TestParseStrategy(t *testing.T) {
	cases := []struct {
		in   string
		want SubmitStrategy
		err  error
	}{
		{"", StrategyBurst, nil},
		{"burst", StrategyBurst, nil},
		{"sequential", StrategySequential, nil},
		{"sequential_by_originator", StrategySequentialByOriginator, nil},
		{"random", "", ErrUnknownStrategy},
	}
	for _, tc := range cases {
		got, err := ParseStrategy(tc.in)
		if tc.err != nil {
			assert.ErrorIs(t, err, tc.err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	m := threeMsgs()[0]
	b, err := Encode(m)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, m.ID(), got.ID())
	assert.Equal(t, m.Tenant(), got.Tenant())
	assert.Equal(t, GroupKey(m), GroupKey(got))

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}
