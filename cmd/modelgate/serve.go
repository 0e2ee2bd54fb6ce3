package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pario-ai/modelgate/pkg/backend"
	"github.com/pario-ai/modelgate/pkg/breaker"
	"github.com/pario-ai/modelgate/pkg/cache"
	"github.com/pario-ai/modelgate/pkg/cache/memory"
	rediscache "github.com/pario-ai/modelgate/pkg/cache/redis"
	sqlitecache "github.com/pario-ai/modelgate/pkg/cache/sqlite"
	"github.com/pario-ai/modelgate/pkg/config"
	"github.com/pario-ai/modelgate/pkg/gateway"
	"github.com/pario-ai/modelgate/pkg/logging"
	"github.com/pario-ai/modelgate/pkg/router"
	"github.com/pario-ai/modelgate/pkg/server"
	"github.com/pario-ai/modelgate/pkg/telemetry"
	"github.com/pario-ai/modelgate/pkg/tracker"
)

const retentionInterval = time.Hour

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.New(cfg.Log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info().Str("config", *configPath).Int("models", len(cfg.Models)).Msg("starting modelgate")
			return serve(ctx, cfg, logger)
		},
	}
}

// serve wires the full stack from cfg and blocks until ctx is done.
func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)
	metrics.TrackModels(cfg.ModelIDs())

	sinks := []telemetry.Sink{
		telemetry.NewPrometheusSink(metrics),
		telemetry.NewLogSink(logging.WithComponent(logger, "outcome")),
	}
	if cfg.Telemetry.StoreOutcomes {
		tr, err := tracker.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("init tracker: %w", err)
		}
		defer func() { _ = tr.Close() }()

		ts := telemetry.NewTrackerSink(tr, cfg.Telemetry.Retention, logging.WithComponent(logger, "tracker"))
		sinks = append(sinks, ts)
		go ts.RunRetention(ctx, retentionInterval)
	}

	emitter := telemetry.NewAsync(sinks,
		telemetry.WithBufferSize(cfg.Telemetry.BufferSize),
		telemetry.WithLogger(logging.WithComponent(logger, "telemetry")),
		telemetry.WithDropHook(metrics.Dropped.Inc),
	)
	defer func() { _ = emitter.Close() }()

	breakers := breaker.NewRegistry(cfg.Breaker, cfg.ModelIDs(),
		breaker.WithTransitionHook(emitter.BreakerTransition),
	)
	invoker := backend.NewHTTPInvoker(&http.Client{Transport: http.DefaultTransport})
	r := router.New(cfg, breakers, invoker, router.WithLogger(logging.WithComponent(logger, "router")))

	gwOpts := []gateway.Option{
		gateway.WithEmitter(emitter),
		gateway.WithLogger(logging.WithComponent(logger, "gateway")),
	}
	srvOpts := []server.Option{
		server.WithLogger(logging.WithComponent(logger, "http")),
		server.WithGatherer(reg),
	}

	if cfg.Cache.Enabled {
		layerOpts := []cache.Option{cache.WithLogger(logging.WithComponent(logger, "cache"))}
		switch cfg.Cache.Backend {
		case "sqlite":
			store, err := sqlitecache.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init sqlite cache: %w", err)
			}
			defer func() { _ = store.Close() }()
			layerOpts = append(layerOpts, cache.WithStore(store, cfg.Cache.L2Timeout))
		case "redis":
			store, err := rediscache.New(ctx, cfg.Cache.Redis)
			if err != nil {
				return fmt.Errorf("init redis cache: %w", err)
			}
			defer func() { _ = store.Close() }()
			layerOpts = append(layerOpts, cache.WithStore(store, cfg.Cache.L2Timeout))
			srvOpts = append(srvOpts, server.WithHealthCheck("redis", store.Health))
		}

		l1 := memory.New(memory.Options{
			Capacity: cfg.Cache.Capacity,
			Shards:   cfg.Cache.Shards,
			TTL:      cfg.Cache.TTL,
		})
		gwOpts = append(gwOpts, gateway.WithCache(cache.New(l1, cfg.Cache.TTL, layerOpts...)))
	}

	gw := gateway.New(cfg, r, gwOpts...)
	return server.New(cfg, gw, breakers, srvOpts...).ListenAndServe(ctx)
}
