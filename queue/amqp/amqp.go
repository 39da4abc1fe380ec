// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp pulls rule engine packs from RabbitMQ queues.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/queue"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

var (
	_ queue.Consumer = (*Consumer)(nil)
	_ queue.Producer = (*Producer)(nil)
	_ Channel        = (*amqp091.Channel)(nil)
)

// Channel is the subset of *amqp091.Channel used by the adapter.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Get(queue string, autoAck bool) (amqp091.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Reject(tag uint64, requeue bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Config holds the connection settings.
type Config struct {
	URL     string
	Queue   string
	Durable bool
}

// Conn is an AMQP connection with one channel.
type Conn struct {
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// Dial connects to the broker and opens a channel.
func Dial(url string) (*Conn, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	return &Conn{conn: conn, ch: ch}, nil
}

// Channel returns the channel of the connection.
func (c *Conn) Channel() Channel {
	return c.ch
}

// Close closes the channel and the connection.
func (c *Conn) Close() error {
	return errors.Join(c.ch.Close(), c.conn.Close())
}

// Consumer pulls deliveries from one queue with basic.get.
type Consumer struct {
	mu      sync.Mutex
	ch      Channel
	queue   string
	durable bool
	closer  func() error
	logger  *slog.Logger
}

// NewConsumer declares the queue and returns a consumer reading it. closer,
// when set, runs on Close.
func NewConsumer(ch Channel, cfg Config, closer func() error, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := ch.QueueDeclare(cfg.Queue, cfg.Durable, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}
	return &Consumer{
		ch:      ch,
		queue:   cfg.Queue,
		durable: cfg.Durable,
		closer:  closer,
		logger:  logger.With(slog.String("queue", cfg.Queue)),
	}, nil
}

// Poll takes at most max messages, bounded by the current queue depth so the
// call never blocks on an empty queue.
func (c *Consumer) Poll(ctx context.Context, max int) ([]queue.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.ch.QueueDeclarePassive(c.queue, c.durable, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect queue %s: %w", c.queue, err)
	}
	n := min(q.Messages, max)
	if n <= 0 {
		return nil, nil
	}
	if err := c.ch.Qos(n, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	out := make([]queue.Delivery, 0, n)
	for len(out) < n {
		d, ok, err := c.ch.Get(c.queue, false)
		if err != nil {
			if len(out) > 0 {
				break
			}
			return nil, fmt.Errorf("failed to get from queue %s: %w", c.queue, err)
		}
		if !ok {
			break
		}
		msg, err := queue.Decode(d.Body)
		if err != nil {
			c.logger.Warn("dropping undecodable message",
				slog.Uint64("delivery_tag", d.DeliveryTag),
				slog.String("error", err.Error()))
			if rerr := c.ch.Reject(d.DeliveryTag, false); rerr != nil {
				c.logger.Warn("failed to reject message", slog.String("error", rerr.Error()))
			}
			continue
		}
		out = append(out, queue.Delivery{
			Msg:      msg,
			GroupKey: groupKey(d.Headers, msg),
			Receipt:  strconv.FormatUint(d.DeliveryTag, 10),
		})
	}
	return out, nil
}

func groupKey(h amqp091.Table, msg *core.Msg) string {
	if v, ok := h[queue.GroupKeyAttribute].(string); ok && v != "" {
		return v
	}
	return queue.GroupKey(msg)
}

// Ack acknowledges each delivery by its tag.
func (c *Consumer) Ack(_ context.Context, ds []queue.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range ds {
		tag, err := strconv.ParseUint(d.Receipt, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid delivery tag %q: %w", d.Receipt, err)
		}
		if err := c.ch.Ack(tag, false); err != nil {
			return fmt.Errorf("failed to ack delivery %d: %w", tag, err)
		}
	}
	return nil
}

func (c *Consumer) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

// Producer publishes persistent messages to queues through the default
// exchange.
type Producer struct {
	mu       sync.Mutex
	ch       Channel
	durable  bool
	declared map[string]bool
	closer   func() error
}

// NewProducer returns a producer publishing on ch.
func NewProducer(ch Channel, durable bool, closer func() error) *Producer {
	return &Producer{
		ch:       ch,
		durable:  durable,
		declared: make(map[string]bool),
		closer:   closer,
	}
}

// Send publishes msg to queue name, declaring the queue on first use.
func (p *Producer) Send(ctx context.Context, name string, msg *core.Msg) error {
	body, err := queue.Encode(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[name] {
		if _, err := p.ch.QueueDeclare(name, p.durable, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
		p.declared[name] = true
	}

	pub := amqp091.Publishing{
		Headers:      amqp091.Table{queue.GroupKeyAttribute: queue.GroupKey(msg)},
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.ID().String(),
		Timestamp:    time.Now(),
		Type:         msg.Type(),
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, "", name, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", name, err)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.closer != nil {
		return p.closer()
	}
	return nil
}
