// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis pulls rule engine packs from Redis streams through a
// consumer group.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/queue"
	goredis "github.com/redis/go-redis/v9"
)

const (
	payloadField = "payload"

	defaultGroup = "fluxrule"
	defaultBlock = 100 * time.Millisecond
)

var (
	_ queue.Consumer = (*Consumer)(nil)
	_ queue.Producer = (*Producer)(nil)
)

// Config selects the consumer group and the name of this consumer in it.
type Config struct {
	Group    string
	Consumer string

	// Block is how long a poll waits for new entries. A negative value
	// never waits.
	Block time.Duration
}

// Consumer reads one stream. The first polls re-read entries this consumer
// received before but never acknowledged, then new entries are read.
type Consumer struct {
	rdb    goredis.Cmdable
	stream string
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	backlog bool
	closer  func() error
}

// NewConsumer creates the consumer group when missing and returns a consumer
// of stream. closer, when set, runs on Close.
func NewConsumer(ctx context.Context, rdb goredis.Cmdable, stream string, cfg Config, closer func() error, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Group == "" {
		cfg.Group = defaultGroup
	}
	if cfg.Consumer == "" {
		return nil, errors.New("redis consumer name is required")
	}
	if cfg.Block == 0 {
		cfg.Block = defaultBlock
	}

	err := rdb.XGroupCreateMkStream(ctx, stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group %s on %s: %w", cfg.Group, stream, err)
	}

	return &Consumer{
		rdb:     rdb,
		stream:  stream,
		cfg:     cfg,
		logger:  logger.With(slog.String("stream", stream), slog.String("group", cfg.Group)),
		backlog: true,
		closer:  closer,
	}, nil
}

// Poll reads at most max entries.
func (c *Consumer) Poll(ctx context.Context, max int) ([]queue.Delivery, error) {
	c.mu.Lock()
	backlog := c.backlog
	c.mu.Unlock()

	id, block := ">", c.cfg.Block
	if backlog {
		id, block = "0", -1
	}

	res, err := c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.stream, id},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to read from %s: %w", c.stream, err)
	}

	var entries []goredis.XMessage
	for _, s := range res {
		entries = append(entries, s.Messages...)
	}
	if backlog && len(entries) == 0 {
		c.mu.Lock()
		c.backlog = false
		c.mu.Unlock()
	}

	out := make([]queue.Delivery, 0, len(entries))
	var poison []string
	for _, e := range entries {
		msg, err := decode(e)
		if err != nil {
			c.logger.Warn("dropping undecodable entry",
				slog.String("entry", e.ID),
				slog.String("error", err.Error()))
			poison = append(poison, e.ID)
			continue
		}
		group, _ := e.Values[queue.GroupKeyAttribute].(string)
		if group == "" {
			group = queue.GroupKey(msg)
		}
		out = append(out, queue.Delivery{Msg: msg, GroupKey: group, Receipt: e.ID})
	}
	if len(poison) > 0 {
		if err := c.remove(ctx, poison); err != nil {
			c.logger.Warn("failed to remove undecodable entries", slog.String("error", err.Error()))
		}
	}
	return out, nil
}

func decode(e goredis.XMessage) (*core.Msg, error) {
	// Entries of a trimmed stream come back without values.
	raw, ok := e.Values[payloadField].(string)
	if !ok {
		return nil, fmt.Errorf("entry %s has no %s field", e.ID, payloadField)
	}
	return queue.Decode([]byte(raw))
}

// Ack acknowledges deliveries and deletes them from the stream.
func (c *Consumer) Ack(ctx context.Context, ds []queue.Delivery) error {
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.Receipt
	}
	return c.remove(ctx, ids)
}

func (c *Consumer) remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.XAck(ctx, c.stream, c.cfg.Group, ids...)
		p.XDel(ctx, c.stream, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack %d entries on %s: %w", len(ids), c.stream, err)
	}
	return nil
}

func (c *Consumer) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

// Producer appends messages to streams.
type Producer struct {
	rdb    goredis.Cmdable
	maxLen int64
	closer func() error
}

// NewProducer returns a producer. A positive maxLen caps each stream
// approximately.
func NewProducer(rdb goredis.Cmdable, maxLen int64, closer func() error) *Producer {
	return &Producer{rdb: rdb, maxLen: maxLen, closer: closer}
}

// Send appends msg to stream name.
func (p *Producer) Send(ctx context.Context, name string, msg *core.Msg) error {
	body, err := queue.Encode(msg)
	if err != nil {
		return err
	}
	args := &goredis.XAddArgs{
		Stream: name,
		Values: map[string]any{
			queue.GroupKeyAttribute: queue.GroupKey(msg),
			payloadField:            string(body),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.closer != nil {
		return p.closer()
	}
	return nil
}
