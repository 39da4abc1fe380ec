// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxrule/core"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const membersDir = "/members/"

var _ MembershipSource = (*EtcdMembership)(nil)

// EtcdConfig holds the etcd membership settings.
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	LeaseTTL    time.Duration
	DialTimeout time.Duration
}

// EtcdMembership registers this node under a lease-backed key and watches the
// member prefix. A node that dies stops renewing its lease and its key expires,
// which peers observe as a leave.
type EtcdMembership struct {
	client     *clientv3.Client
	ownsClient bool
	prefix     string
	ttl        time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
}

// NewEtcdMembership dials the configured endpoints.
func NewEtcdMembership(cfg EtcdConfig, logger *slog.Logger) (*EtcdMembership, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints are required")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dial,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	m := NewEtcdMembershipFromClient(client, cfg, logger)
	m.ownsClient = true
	return m, nil
}

// NewEtcdMembershipFromClient uses an existing client. The client is not closed
// by Close.
func NewEtcdMembershipFromClient(client *clientv3.Client, cfg EtcdConfig, logger *slog.Logger) *EtcdMembership {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "/fluxrule"
	}
	ttl := cfg.LeaseTTL
	if ttl < time.Second {
		ttl = 10 * time.Second
	}
	return &EtcdMembership{
		client: client,
		prefix: prefix + membersDir,
		ttl:    ttl,
		logger: logger,
	}
}

func (m *EtcdMembership) key(addr core.ServerAddress) string {
	return m.prefix + addr.String()
}

// Register puts the member key with a lease and keeps the lease alive until Close.
func (m *EtcdMembership) Register(ctx context.Context, self core.ServerAddress) error {
	lease, err := m.client.Grant(ctx, int64(m.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}
	if _, err := m.client.Put(ctx, m.key(self), self.String(), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register member: %w", err)
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := m.client.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}

	m.mu.Lock()
	m.leaseID = lease.ID
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		for range ch {
		}
		if kctx.Err() == nil {
			m.logger.Error("etcd membership lease keepalive stopped", slog.String("member", self.String()))
		}
	}()
	return nil
}

func (m *EtcdMembership) Members(ctx context.Context) ([]core.ServerAddress, error) {
	resp, err := m.client.Get(ctx, m.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	out := make([]core.ServerAddress, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		addr, err := m.parseKey(string(kv.Key))
		if err != nil {
			m.logger.Warn("skipping malformed member key", slog.String("key", string(kv.Key)))
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

func (m *EtcdMembership) Watch(ctx context.Context) <-chan MembershipEvent {
	out := make(chan MembershipEvent, 16)
	wch := m.client.Watch(ctx, m.prefix, clientv3.WithPrefix())

	go func() {
		defer close(out)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				// Events may be lost; closing out makes the watcher resync.
				m.logger.Warn("etcd membership watch failed",
					slog.Int64("compact_revision", resp.CompactRevision),
					slog.String("error", err.Error()))
				return
			}
			for _, ev := range resp.Events {
				addr, err := m.parseKey(string(ev.Kv.Key))
				if err != nil {
					continue
				}
				e := MembershipEvent{Address: addr}
				switch ev.Type {
				case mvccpb.PUT:
					e.Type = MemberJoined
				case mvccpb.DELETE:
					e.Type = MemberLeft
				default:
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Close revokes the lease, removing this member immediately.
func (m *EtcdMembership) Close() error {
	m.mu.Lock()
	cancel, lease := m.cancel, m.leaseID
	m.cancel = nil
	m.leaseID = 0
	m.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if lease != 0 {
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := m.client.Revoke(ctx, lease); err != nil {
			errs = append(errs, fmt.Errorf("failed to revoke lease: %w", err))
		}
		done()
	}
	if m.ownsClient {
		if err := m.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *EtcdMembership) parseKey(key string) (core.ServerAddress, error) {
	return core.ParseServerAddress(strings.TrimPrefix(key, m.prefix))
}
