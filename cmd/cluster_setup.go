// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxrule/cluster"
	"github.com/absmach/fluxrule/config"
	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/engine"
	"go.opentelemetry.io/otel/trace"
)

// clusterRuntime is the cluster side of a node: its ring, the membership
// tracker keeping the ring current and the peer transport.
type clusterRuntime struct {
	ring      *cluster.Ring
	tracker   *cluster.MembershipTracker
	transport *cluster.Transport
	handler   *lateHandler
}

// lateHandler lets the transport bind before the engine exists. Forwards are
// served only after the engine was set and the transport started.
type lateHandler struct {
	engine *engine.Engine
}

func (h *lateHandler) HandleForward(ctx context.Context, req *cluster.ForwardRequest) error {
	if h.engine == nil {
		return engine.ErrStopped
	}
	return h.engine.HandleForward(ctx, req)
}

func newRing(local core.ServerAddress, cfg config.ClusterConfig) (*cluster.Ring, error) {
	hasher, err := cluster.NewHasher(cfg.HashFunction)
	if err != nil {
		return nil, err
	}
	return cluster.NewRing(local, hasher, cfg.VirtualNodesPerMember)
}

func parsePeers(peers []string) ([]core.ServerAddress, error) {
	out := make([]core.ServerAddress, 0, len(peers))
	for _, p := range peers {
		addr, err := core.ParseServerAddress(p)
		if err != nil {
			return nil, fmt.Errorf("invalid peer %q: %w", p, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func newMembership(cfg config.ClusterConfig, logger *slog.Logger) (cluster.MembershipSource, error) {
	switch cfg.Membership {
	case "static":
		peers, err := parsePeers(cfg.Peers)
		if err != nil {
			return nil, err
		}
		return cluster.NewStaticMembership(peers...), nil
	case "etcd", "":
		return cluster.NewEtcdMembership(cluster.EtcdConfig{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			LeaseTTL:    cfg.Etcd.LeaseTTL,
			DialTimeout: cfg.Etcd.DialTimeout,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown membership backend %q", cfg.Membership)
	}
}

// setupCluster builds the ring, the membership source and binds the
// transport. Nothing is started yet.
func setupCluster(local core.ServerAddress, cfg config.ClusterConfig, logger *slog.Logger, tracer trace.Tracer) (*clusterRuntime, error) {
	ring, err := newRing(local, cfg)
	if err != nil {
		return nil, err
	}
	source, err := newMembership(cfg, logger)
	if err != nil {
		return nil, err
	}

	handler := &lateHandler{}
	tc := cfg.Transport
	transport, err := cluster.NewTransport(cluster.TransportConfig{
		BindAddr:                tc.BindAddr,
		RequestTimeout:          tc.RequestTimeout,
		MaxRetries:              tc.MaxRetries,
		RetryBaseDelay:          tc.RetryBaseDelay,
		BreakerFailureThreshold: tc.BreakerFailureThreshold,
		BreakerResetTimeout:     tc.BreakerResetTimeout,
		CompressMinBytes:        tc.CompressMinBytes,
	}, handler, logger, cluster.WithTransportTracer(tracer))
	if err != nil {
		return nil, errors.Join(err, source.Close())
	}

	return &clusterRuntime{
		ring:      ring,
		tracker:   cluster.NewMembershipTracker(source, ring, logger),
		transport: transport,
		handler:   handler,
	}, nil
}

// start attaches eng, serves peer forwards and joins the cluster.
func (c *clusterRuntime) start(ctx context.Context, eng *engine.Engine) error {
	c.handler.engine = eng
	c.tracker.OnChange(eng.OnRingChange)
	if err := c.transport.Start(); err != nil {
		return err
	}
	return c.tracker.Start(ctx)
}

func (c *clusterRuntime) stop(ctx context.Context) error {
	return errors.Join(c.tracker.Stop(), c.transport.Stop(ctx))
}
