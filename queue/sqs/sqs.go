// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sqs pulls rule engine packs from Amazon SQS queues.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/queue"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// maxBatch is the SQS limit for receive and delete batches.
const maxBatch = 10

var (
	_ queue.Consumer = (*Consumer)(nil)
	_ queue.Producer = (*Producer)(nil)
	_ API            = (*sqs.Client)(nil)
)

// ErrBatchDelete is returned when SQS rejected entries of a delete batch.
var ErrBatchDelete = errors.New("sqs rejected delete entries")

// API is the subset of *sqs.Client used by the adapter.
type API interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config holds the client and receive settings.
type Config struct {
	Region            string
	Endpoint          string
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// NewClient builds an SQS client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func queueURL(ctx context.Context, api API, name string) (string, error) {
	out, err := api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("failed to resolve queue %s: %w", name, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

// Consumer receives from one queue and deletes messages once their pack
// completed.
type Consumer struct {
	api    API
	url    string
	cfg    Config
	logger *slog.Logger
}

// NewConsumer resolves the url of queue name and returns a consumer for it.
func NewConsumer(ctx context.Context, api API, name string, cfg Config, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	url, err := queueURL(ctx, api, name)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		api:    api,
		url:    url,
		cfg:    cfg,
		logger: logger.With(slog.String("queue", name)),
	}, nil
}

// Poll receives in calls of at most ten messages until max messages were
// collected or the queue returned nothing. Only the first call waits.
func (c *Consumer) Poll(ctx context.Context, max int) ([]queue.Delivery, error) {
	var (
		out    []queue.Delivery
		poison []queue.Delivery
	)
	wait := int32(c.cfg.WaitTime / time.Second)
	for len(out) < max {
		in := &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(c.url),
			MaxNumberOfMessages:   int32(min(maxBatch, max-len(out))),
			MessageAttributeNames: []string{queue.GroupKeyAttribute},
			WaitTimeSeconds:       wait,
		}
		if c.cfg.VisibilityTimeout > 0 {
			in.VisibilityTimeout = int32(c.cfg.VisibilityTimeout / time.Second)
		}
		res, err := c.api.ReceiveMessage(ctx, in)
		if err != nil {
			if len(out) > 0 {
				break
			}
			return nil, fmt.Errorf("failed to receive from %s: %w", c.url, err)
		}
		if len(res.Messages) == 0 {
			break
		}
		wait = 0

		for _, m := range res.Messages {
			msg, err := queue.Decode([]byte(aws.ToString(m.Body)))
			if err != nil {
				c.logger.Warn("dropping undecodable message",
					slog.String("message_id", aws.ToString(m.MessageId)),
					slog.String("error", err.Error()))
				poison = append(poison, queue.Delivery{Receipt: aws.ToString(m.ReceiptHandle)})
				continue
			}
			out = append(out, queue.Delivery{
				Msg:      msg,
				GroupKey: groupKey(m, msg),
				Receipt:  aws.ToString(m.ReceiptHandle),
			})
		}
	}

	if len(poison) > 0 {
		if err := c.Ack(ctx, poison); err != nil {
			c.logger.Warn("failed to delete undecodable messages", slog.String("error", err.Error()))
		}
	}
	return out, nil
}

func groupKey(m types.Message, msg *core.Msg) string {
	if v, ok := m.MessageAttributes[queue.GroupKeyAttribute]; ok && aws.ToString(v.StringValue) != "" {
		return aws.ToString(v.StringValue)
	}
	return queue.GroupKey(msg)
}

// Ack deletes deliveries in batches of ten.
func (c *Consumer) Ack(ctx context.Context, ds []queue.Delivery) error {
	for start := 0; start < len(ds); start += maxBatch {
		end := min(start+maxBatch, len(ds))
		entries := make([]types.DeleteMessageBatchRequestEntry, 0, end-start)
		for i, d := range ds[start:end] {
			entries = append(entries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: aws.String(d.Receipt),
			})
		}
		res, err := c.api.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(c.url),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("failed to delete from %s: %w", c.url, err)
		}
		if len(res.Failed) > 0 {
			codes := make([]string, 0, len(res.Failed))
			for _, f := range res.Failed {
				codes = append(codes, aws.ToString(f.Id)+":"+aws.ToString(f.Code))
			}
			return fmt.Errorf("%w: %s", ErrBatchDelete, strings.Join(codes, ","))
		}
	}
	return nil
}

// Close is a no-op; the SQS client holds no connection state.
func (c *Consumer) Close() error {
	return nil
}

// Producer sends messages to queues by name.
type Producer struct {
	api API

	mu   sync.Mutex
	urls map[string]string
}

// NewProducer returns a producer sending through api.
func NewProducer(api API) *Producer {
	return &Producer{api: api, urls: make(map[string]string)}
}

func (p *Producer) url(ctx context.Context, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.urls[name]; ok {
		return u, nil
	}
	u, err := queueURL(ctx, p.api, name)
	if err != nil {
		return "", err
	}
	p.urls[name] = u
	return u, nil
}

// Send publishes msg to queue name. FIFO queues get the message id as the
// deduplication id and the originator as the message group.
func (p *Producer) Send(ctx context.Context, name string, msg *core.Msg) error {
	body, err := queue.Encode(msg)
	if err != nil {
		return err
	}
	url, err := p.url(ctx, name)
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			queue.GroupKeyAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(queue.GroupKey(msg)),
			},
		},
	}
	if strings.HasSuffix(url, ".fifo") {
		in.MessageDeduplicationId = aws.String(msg.ID().String())
		in.MessageGroupId = aws.String(msg.Originator().ID.String())
	}
	if _, err := p.api.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("failed to send to %s: %w", name, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return nil
}
