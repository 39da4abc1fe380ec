// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxrule/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// SubmitStrategy decides how the messages of a pack are handed to the engine.
type SubmitStrategy string

const (
	// StrategyBurst submits every message at once.
	StrategyBurst SubmitStrategy = "burst"
	// StrategySequentialByOriginator submits the next message of an
	// originator once the previous one completed.
	StrategySequentialByOriginator SubmitStrategy = "sequential_by_originator"
	// StrategySequential submits one message at a time.
	StrategySequential SubmitStrategy = "sequential"
)

// ErrUnknownStrategy is returned for an unsupported submit strategy.
var ErrUnknownStrategy = errors.New("unknown submit strategy")

// ParseStrategy validates s. An empty value selects StrategyBurst.
func ParseStrategy(s string) (SubmitStrategy, error) {
	switch SubmitStrategy(s) {
	case "", StrategyBurst:
		return StrategyBurst, nil
	case StrategySequentialByOriginator, StrategySequential:
		return SubmitStrategy(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Submitter hands a message to the processing pipeline. The outcome is
// reported through the message callback; a returned error means the callback
// was already failed.
type Submitter interface {
	Submit(ctx context.Context, msg *core.Msg) error
}

// ConsumerConfig holds the settings of one pack consumer.
type ConsumerConfig struct {
	Name         string
	MaxPackSize  int
	PollInterval time.Duration
	PackTimeout  time.Duration
	Strategy     SubmitStrategy
	AckRetryBase time.Duration
	AckRetryMax  time.Duration
}

func (c *ConsumerConfig) setDefaults() {
	if c.MaxPackSize <= 0 {
		c.MaxPackSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 25 * time.Millisecond
	}
	if c.PackTimeout <= 0 {
		c.PackTimeout = 10 * time.Second
	}
	if c.Strategy == "" {
		c.Strategy = StrategyBurst
	}
	if c.AckRetryBase <= 0 {
		c.AckRetryBase = 100 * time.Millisecond
	}
	if c.AckRetryMax <= 0 {
		c.AckRetryMax = 5 * time.Second
	}
}

// ConsumerOption configures a PackConsumer.
type ConsumerOption func(*PackConsumer)

// WithTracer records one span per pack.
func WithTracer(tr trace.Tracer) ConsumerOption {
	return func(c *PackConsumer) {
		if tr != nil {
			c.tracer = tr
		}
	}
}

// PackConsumer is the poll loop of one broker connection. It polls a batch,
// splits it into packs by group key, submits them, waits for every pack to
// complete and acknowledges the batch before polling again.
type PackConsumer struct {
	cfg       ConsumerConfig
	consumer  Consumer
	submitter Submitter
	tracker   *Tracker
	observer  PackObserver
	tracer    trace.Tracer
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewPackConsumer creates a pack consumer. observer may be nil.
func NewPackConsumer(cfg ConsumerConfig, consumer Consumer, submitter Submitter, tracker *Tracker, observer PackObserver, logger *slog.Logger, opts ...ConsumerOption) *PackConsumer {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopPackObserver{}
	}
	c := &PackConsumer{
		cfg:       cfg,
		consumer:  consumer,
		submitter: submitter,
		tracker:   tracker,
		observer:  observer,
		tracer:    noop.NewTracerProvider().Tracer(""),
		logger:    logger.With(slog.String("consumer", cfg.Name)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the poll loop until ctx is done or Stop is called.
func (c *PackConsumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop ends the poll loop, waits for it and closes the broker consumer.
func (c *PackConsumer) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return c.consumer.Close()
}

func (c *PackConsumer) run(ctx context.Context) {
	c.logger.Info("pack consumer started",
		slog.Int("max_pack_size", c.cfg.MaxPackSize),
		slog.String("strategy", string(c.cfg.Strategy)))
	defer c.logger.Info("pack consumer stopped")

	for ctx.Err() == nil {
		deliveries, err := c.consumer.Poll(ctx, c.cfg.MaxPackSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("poll failed", slog.String("error", err.Error()))
			sleep(ctx, c.cfg.PollInterval)
			continue
		}
		if len(deliveries) == 0 {
			sleep(ctx, c.cfg.PollInterval)
			continue
		}
		c.processBatch(ctx, deliveries)
	}
}

type group struct {
	key        string
	deliveries []Delivery
}

// splitByGroup groups deliveries by group key, keeping the order of first
// appearance and the order within each group.
func splitByGroup(deliveries []Delivery) []group {
	var groups []group
	pos := make(map[string]int)
	for _, d := range deliveries {
		i, ok := pos[d.GroupKey]
		if !ok {
			i = len(groups)
			pos[d.GroupKey] = i
			groups = append(groups, group{key: d.GroupKey})
		}
		groups[i].deliveries = append(groups[i].deliveries, d)
	}
	return groups
}

func (c *PackConsumer) processBatch(ctx context.Context, deliveries []Delivery) {
	groups := splitByGroup(deliveries)

	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(g group) {
			defer wg.Done()
			c.processPack(ctx, g)
		}(g)
	}
	wg.Wait()
}

func (c *PackConsumer) processPack(ctx context.Context, g group) {
	msgs := make([]*core.Msg, len(g.deliveries))
	for i, d := range g.deliveries {
		msgs[i] = d.Msg
	}

	// Another consumer sharing the tracker may hold the group.
	id, err := c.tracker.AcquirePack(ctx, g.key, msgs)
	if err != nil {
		// Left unacknowledged; the broker redelivers the batch.
		c.logger.Debug("pack not started",
			slog.String("group", g.key),
			slog.String("error", err.Error()))
		return
	}

	ctx, span := c.tracer.Start(ctx, "queue.pack",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("fluxrule.consumer", c.cfg.Name),
			attribute.String("fluxrule.pack.id", string(id)),
			attribute.String("fluxrule.pack.group", g.key),
			attribute.Int("fluxrule.pack.size", len(msgs)),
		))
	defer span.End()

	packCtx, cancel := context.WithTimeout(ctx, c.cfg.PackTimeout)
	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		c.submit(packCtx, id, msgs)
	}()

	err = c.tracker.Await(packCtx, id)
	cancel()
	<-submitted
	if err != nil {
		n, _ := c.tracker.Expire(id, ErrPackTimeout)
		if n > 0 {
			span.AddEvent("pack timed out", trace.WithAttributes(attribute.Int("fluxrule.pack.expired", n)))
			c.logger.Warn("pack timed out",
				slog.String("pack", string(id)),
				slog.String("group", g.key),
				slog.Int("expired", n),
				slog.Int("size", len(msgs)))
		}
	}

	if snap, err := c.tracker.Snapshot(id); err == nil {
		failed := snap.Count(Failed)
		span.SetAttributes(
			attribute.Int("fluxrule.pack.acked", snap.Count(Acked)),
			attribute.Int("fluxrule.pack.failed", failed))
		if failed > 0 {
			c.logger.Debug("pack completed with failures",
				slog.String("pack", string(id)),
				slog.Int("failed", failed),
				slog.Int("size", len(msgs)))
		}
	}

	if err := c.ackWithRetry(ctx, g.deliveries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pack left unacknowledged")
		c.logger.Warn("pack left unacknowledged",
			slog.String("pack", string(id)),
			slog.String("error", err.Error()))
	}
	_ = c.tracker.Release(id)
}

// ackWithRetry acknowledges deliveries, backing off between attempts, until
// it succeeds or ctx is done.
func (c *PackConsumer) ackWithRetry(ctx context.Context, deliveries []Delivery) error {
	delay := c.cfg.AckRetryBase
	for attempt := 0; ; attempt++ {
		err := c.consumer.Ack(ctx, deliveries)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("ack aborted after %d attempts: %w", attempt+1, err)
		}
		c.observer.AckRetried(c.cfg.Name)
		c.logger.Warn("broker ack failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if !sleep(ctx, delay) {
			return fmt.Errorf("ack aborted after %d attempts: %w", attempt+1, err)
		}
		delay *= 2
		if delay > c.cfg.AckRetryMax {
			delay = c.cfg.AckRetryMax
		}
	}
}

func (c *PackConsumer) submit(ctx context.Context, id PackID, msgs []*core.Msg) {
	switch c.cfg.Strategy {
	case StrategySequential:
		c.submitSequence(ctx, id, msgs)
	case StrategySequentialByOriginator:
		var wg sync.WaitGroup
		for _, seq := range splitByOriginator(msgs) {
			wg.Add(1)
			go func(seq []*core.Msg) {
				defer wg.Done()
				c.submitSequence(ctx, id, seq)
			}(seq)
		}
		wg.Wait()
	default:
		for _, m := range msgs {
			c.submitOne(ctx, m.WithCallback(c.tracker.Callback(id, m.ID())))
		}
	}
}

// submitSequence submits msgs one after the other, each once the previous one
// completed. It stops early when ctx is done.
func (c *PackConsumer) submitSequence(ctx context.Context, id PackID, msgs []*core.Msg) {
	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}
		done := make(chan struct{})
		base := c.tracker.Callback(id, m.ID())
		cb := core.OnceCallback(core.CallbackFuncs{
			Success: func() {
				base.OnSuccess()
				close(done)
			},
			Failure: func(err error) {
				base.OnFailure(err)
				close(done)
			},
		})
		c.submitOne(ctx, m.WithCallback(cb))
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

func (c *PackConsumer) submitOne(ctx context.Context, msg *core.Msg) {
	if err := c.submitter.Submit(ctx, msg); err != nil {
		msg.Callback().OnFailure(err)
	}
}

func splitByOriginator(msgs []*core.Msg) [][]*core.Msg {
	var out [][]*core.Msg
	pos := make(map[core.EntityID]int)
	for _, m := range msgs {
		i, ok := pos[m.Originator()]
		if !ok {
			i = len(out)
			pos[m.Originator()] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], m)
	}
	return out
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
