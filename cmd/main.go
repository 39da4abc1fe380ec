// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxrule/actor"
	"github.com/absmach/fluxrule/config"
	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/engine"
	"github.com/absmach/fluxrule/internal/wiring"
	"github.com/absmach/fluxrule/queue"
	"github.com/absmach/fluxrule/ratelimit"
	"github.com/absmach/fluxrule/server/health"
	"github.com/absmach/fluxrule/server/otel"
	"github.com/absmach/fluxrule/storage"
	"github.com/absmach/fluxrule/storage/badger"
	"github.com/absmach/fluxrule/storage/file"
	"github.com/absmach/fluxrule/storage/memory"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting rule engine", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"node", cfg.Node.Address,
		"storage", cfg.Storage.Type,
		"consumers", len(cfg.Queue.Consumers),
		"producer", cfg.Queue.Producer,
		"health_enabled", cfg.Server.HealthEnabled,
		"cluster_enabled", cfg.Cluster.Enabled,
		"log_level", cfg.Log.Level)

	local, err := core.ParseServerAddress(cfg.Node.Address)
	if err != nil {
		slog.Error("Invalid node address", "address", cfg.Node.Address, "error", err)
		os.Exit(1)
	}

	var store storage.RuleChainStore
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir:        cfg.Storage.BadgerDir,
			GCInterval: cfg.Storage.BadgerGCInterval,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	var telemetry *otel.Provider
	var metrics *otel.Metrics
	var tracer trace.Tracer
	if cfg.Server.MetricsEnabled {
		telemetry, err = otel.Setup(context.Background(), cfg.Server, local.String())
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
		}

		if tracer = telemetry.Tracer(); tracer != nil {
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brokers := wiring.NewBrokers(cfg.Queue, local.String(), logger)
	defer brokers.Close()

	producer, err := brokers.Producer(ctx)
	if err != nil {
		slog.Error("Failed to create queue producer", "broker", cfg.Queue.Producer, "error", err)
		os.Exit(1)
	}
	if producer != nil {
		defer producer.Close()
	}

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()

	opts := []engine.Option{
		engine.WithRateLimiter(limiter),
		engine.WithProducer(producer),
	}
	if metrics != nil {
		opts = append(opts, engine.WithActorObserver(metrics), engine.WithRouteObserver(metrics))
	}

	var cl *clusterRuntime
	if cfg.Cluster.Enabled {
		cl, err = setupCluster(local, cfg.Cluster, logger, tracer)
		if err != nil {
			slog.Error("Failed to initialize cluster", "error", err)
			os.Exit(1)
		}
		opts = append(opts, engine.WithRing(cl.ring), engine.WithForwarder(cl.transport))
	}

	eng, err := engine.New(engine.Config{
		TenantDispatcherSize:     cfg.Actors.TenantDispatcherSize,
		RuleEngineDispatcherSize: cfg.Actors.DispatcherPoolSize,
		DeviceDispatcherSize:     cfg.Actors.DeviceDispatcherSize,
		IdleEvictionTimeout:      cfg.Actors.IdleEvictionTimeout,
		EvictionInterval:         cfg.Actors.IdleEvictionScanInterval,
		Actor: actor.Config{
			Throughput:      cfg.Actors.Throughput,
			MaxInitAttempts: cfg.Actors.MaxInitAttempts,
			InitRetryDelay:  cfg.Actors.InitRetryDelay,
		},
	}, store, logger, opts...)
	if err != nil {
		slog.Error("Failed to create rule engine", "error", err)
		os.Exit(1)
	}

	if cl != nil {
		if err := cl.start(ctx, eng); err != nil {
			slog.Error("Failed to join cluster", "error", err)
			os.Exit(1)
		}
		slog.Info("Running in cluster mode",
			"node", local.String(),
			"membership", cfg.Cluster.Membership,
			"transport", cl.transport.Addr())
	} else {
		slog.Info("Running in single-node mode", "node", local.String())
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	if cfg.Storage.RuleChainsFile != "" {
		watcher := file.NewWatcher(cfg.Storage.RuleChainsFile, store, logger, func(ev core.ComponentLifecycleEvent) {
			if err := eng.OnComponentLifecycle(ctx, ev); err != nil {
				slog.Warn("Failed to deliver lifecycle event",
					"entity", ev.Entity.String(),
					"event", string(ev.Event),
					"error", err)
			}
		})
		if _, err := watcher.Sync(ctx); err != nil {
			slog.Error("Failed to load rule chains", "file", cfg.Storage.RuleChainsFile, "error", err)
			os.Exit(1)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
				serverErr <- err
			}
		}()
	}

	packConsumers, err := brokers.PackConsumers(ctx, eng, queue.NewTracker(metrics), metrics, queue.WithTracer(tracer))
	if err != nil {
		slog.Error("Failed to create queue consumers", "error", err)
		os.Exit(1)
	}
	for _, pc := range packConsumers {
		pc.Start(ctx)
	}

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Node.ShutdownTimeout,
		}
		var membership health.Membership
		if cl != nil {
			membership = cl.tracker
		}
		healthServer := health.New(healthCfg, eng, membership, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Rule engine started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
	defer shutdownCancel()

	// Stop intake first so in-flight packs drain into a running engine.
	for _, pc := range packConsumers {
		if err := pc.Stop(); err != nil {
			slog.Error("Failed to stop queue consumer", "error", err)
		}
	}

	if cl != nil {
		if err := cl.stop(shutdownCtx); err != nil {
			slog.Error("Failed to leave cluster", "error", err)
		}
	}

	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if telemetry != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := telemetry.Shutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	cancel()

	wg.Wait()
	slog.Info("Rule engine stopped")
}
