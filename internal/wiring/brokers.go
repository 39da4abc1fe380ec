// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring builds the broker consumers and producer named by the
// configuration.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxrule/config"
	"github.com/absmach/fluxrule/queue"
	amqpq "github.com/absmach/fluxrule/queue/amqp"
	memq "github.com/absmach/fluxrule/queue/memory"
	redisq "github.com/absmach/fluxrule/queue/redis"
	sqsq "github.com/absmach/fluxrule/queue/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	goredis "github.com/redis/go-redis/v9"
)

// ErrUnknownBroker is returned for a broker name without an implementation.
var ErrUnknownBroker = errors.New("unknown broker")

// Brokers lazily opens one shared connection per broker kind, except AMQP
// where every consumer owns its connection and channel.
type Brokers struct {
	cfg    config.QueueConfig
	node   string
	logger *slog.Logger

	mu     sync.Mutex
	memory *memq.Broker
	redis  *goredis.Client
	sqs    *sqs.Client
}

// NewBrokers creates the factory. node names this process in consumer groups.
func NewBrokers(cfg config.QueueConfig, node string, logger *slog.Logger) *Brokers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Brokers{cfg: cfg, node: node, logger: logger}
}

// Memory returns the in-process broker, creating it on first use.
func (b *Brokers) Memory() *memq.Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.memory == nil {
		b.memory = memq.New(b.cfg.Memory.VisibilityTimeout)
	}
	return b.memory
}

func (b *Brokers) redisClient() *goredis.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.redis == nil {
		b.redis = goredis.NewClient(&goredis.Options{
			Addr:     b.cfg.Redis.Addr,
			Password: b.cfg.Redis.Password,
			DB:       b.cfg.Redis.DB,
		})
	}
	return b.redis
}

func (b *Brokers) sqsClient(ctx context.Context) (*sqs.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sqs == nil {
		c, err := sqsq.NewClient(ctx, b.sqsConfig())
		if err != nil {
			return nil, err
		}
		b.sqs = c
	}
	return b.sqs, nil
}

func (b *Brokers) sqsConfig() sqsq.Config {
	return sqsq.Config{
		Region:            b.cfg.SQS.Region,
		Endpoint:          b.cfg.SQS.Endpoint,
		WaitTime:          b.cfg.SQS.WaitTime,
		VisibilityTimeout: b.cfg.SQS.VisibilityTimeout,
	}
}

// Consumer opens the broker consumer of c.
func (b *Brokers) Consumer(ctx context.Context, c config.ConsumerConfig) (queue.Consumer, error) {
	logger := b.logger.With(slog.String("consumer", c.Name), slog.String("broker", c.Broker))

	switch c.Broker {
	case config.BrokerMemory:
		return b.Memory().Consumer(c.Queue), nil

	case config.BrokerAMQP:
		conn, err := amqpq.Dial(b.cfg.AMQP.URL)
		if err != nil {
			return nil, err
		}
		cons, err := amqpq.NewConsumer(conn.Channel(), amqpq.Config{
			URL:     b.cfg.AMQP.URL,
			Queue:   c.Queue,
			Durable: b.cfg.AMQP.Durable,
		}, conn.Close, logger)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return cons, nil

	case config.BrokerSQS:
		client, err := b.sqsClient(ctx)
		if err != nil {
			return nil, err
		}
		return sqsq.NewConsumer(ctx, client, c.Queue, b.sqsConfig(), logger)

	case config.BrokerRedis:
		return redisq.NewConsumer(ctx, b.redisClient(), c.Queue, redisq.Config{
			Group:    b.cfg.Redis.Group,
			Consumer: b.node + "-" + c.Name,
			Block:    b.cfg.Redis.Block,
		}, nil, logger)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBroker, c.Broker)
	}
}

// Producer opens the producer checkpoint nodes publish to. It returns nil when
// no producer is configured.
func (b *Brokers) Producer(ctx context.Context) (queue.Producer, error) {
	switch b.cfg.Producer {
	case "":
		return nil, nil

	case config.BrokerMemory:
		return b.Memory(), nil

	case config.BrokerAMQP:
		conn, err := amqpq.Dial(b.cfg.AMQP.URL)
		if err != nil {
			return nil, err
		}
		return amqpq.NewProducer(conn.Channel(), b.cfg.AMQP.Durable, conn.Close), nil

	case config.BrokerSQS:
		client, err := b.sqsClient(ctx)
		if err != nil {
			return nil, err
		}
		return sqsq.NewProducer(client), nil

	case config.BrokerRedis:
		return redisq.NewProducer(b.redisClient(), b.cfg.Redis.MaxLen, nil), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBroker, b.cfg.Producer)
	}
}

// PackConsumers opens every configured consumer and wraps it in a pack
// consumer sharing tracker. On error the consumers opened so far are closed.
func (b *Brokers) PackConsumers(ctx context.Context, submitter queue.Submitter, tracker *queue.Tracker, observer queue.PackObserver, opts ...queue.ConsumerOption) ([]*queue.PackConsumer, error) {
	var out []*queue.PackConsumer
	for _, c := range b.cfg.Consumers {
		pc, err := b.packConsumer(ctx, c, submitter, tracker, observer, opts)
		if err != nil {
			for _, prev := range out {
				_ = prev.Stop()
			}
			return nil, fmt.Errorf("consumer %s: %w", c.Name, err)
		}
		out = append(out, pc)
	}
	return out, nil
}

func (b *Brokers) packConsumer(ctx context.Context, c config.ConsumerConfig, submitter queue.Submitter, tracker *queue.Tracker, observer queue.PackObserver, opts []queue.ConsumerOption) (*queue.PackConsumer, error) {
	strategy := c.SubmitStrategy
	if strategy == "" {
		strategy = b.cfg.SubmitStrategy
	}
	s, err := queue.ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	cons, err := b.Consumer(ctx, c)
	if err != nil {
		return nil, err
	}
	return queue.NewPackConsumer(queue.ConsumerConfig{
		Name:         c.Name,
		MaxPackSize:  b.cfg.MaxPackSize,
		PollInterval: b.cfg.PollInterval,
		PackTimeout:  b.cfg.PackProcessingTimeout,
		Strategy:     s,
		AckRetryBase: b.cfg.AckRetryBase,
		AckRetryMax:  b.cfg.AckRetryMax,
	}, cons, submitter, tracker, observer, b.logger, opts...), nil
}

// Close releases the shared connections.
func (b *Brokers) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if b.memory != nil {
		errs = append(errs, b.memory.Close())
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	return errors.Join(errs...)
}
