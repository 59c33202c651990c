package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cartridge/policyrt/internal/config"
	"github.com/cartridge/policyrt/internal/events"
	"github.com/cartridge/policyrt/internal/health"
	httpapi "github.com/cartridge/policyrt/internal/http"
	"github.com/cartridge/policyrt/internal/metrics"
	"github.com/cartridge/policyrt/internal/replay"
	"github.com/cartridge/policyrt/internal/service"
	"github.com/cartridge/policyrt/internal/storage"
	"github.com/cartridge/policyrt/internal/watch"
)

// healthProbeEnv is never created; looking it up exercises the store.
const healthProbeEnv = "policyrt-health-probe"

func newServeCmd(a *app) *cobra.Command {
	d := config.Default()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health service and weight watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a)
		},
	}

	flags := cmd.Flags()
	flags.String("http-addr", d.Server.HTTPAddr, "HTTP listen address")
	flags.String("grpc-addr", d.Server.GRPCAddr, "gRPC health listen address (empty disables)")
	flags.Int("rate-limit", d.Server.RateLimit, "API requests per second (0 for unlimited)")
	flags.Int("rate-burst", d.Server.RateBurst, "API burst size (defaults to rate-limit)")
	flags.Bool("enforce-invariant", d.Runtime.EnforceInvariant, "Check every produced action against the safety invariant")
	flags.String("storage-driver", d.Storage.Driver, "Checkpoint store (memory, sqlite, postgres)")
	flags.String("storage-dsn", d.Storage.DSN, "Checkpoint store path or connection string")
	flags.Int("storage-retention", d.Storage.Retention, "Checkpoints kept per environment by the memory store (0 keeps all)")
	flags.String("nats-url", d.NATS.URL, "NATS server URL (empty disables events)")
	flags.String("nats-subject", d.NATS.Subject, "NATS subject for runtime events")
	flags.Uint64("replay-max-size", d.Replay.MaxSize, "Maximum transitions kept in memory (0 for unbounded)")
	flags.String("watch-file", d.Watch.File, "Weight file to load at startup and hot-swap on change")
	flags.String("watch-label", d.Watch.Label, "Label of the environment created from watch-file")

	bind(a.v, flags, map[string]string{
		"server.http_addr":          "http-addr",
		"server.grpc_addr":          "grpc-addr",
		"server.rate_limit":         "rate-limit",
		"server.rate_burst":         "rate-burst",
		"runtime.enforce_invariant": "enforce-invariant",
		"storage.driver":            "storage-driver",
		"storage.dsn":               "storage-dsn",
		"storage.retention":         "storage-retention",
		"nats.url":                  "nats-url",
		"nats.subject":              "nats-subject",
		"replay.max_size":           "replay-max-size",
		"watch.file":                "watch-file",
		"watch.label":               "watch-label",
	})
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := a.logger

	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, storage.WithRetention(cfg.Storage.Retention))
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close checkpoint store")
		}
	}()

	checks := []health.Check{{Name: "storage", Fn: func(ctx context.Context) error {
		_, err := store.LatestCheckpoint(ctx, healthProbeEnv)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}}}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATS.URL != "" {
		np, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer np.Close()
		publisher = np
		checks = append(checks, health.Check{Name: "nats", Fn: np.Ping})
	}

	svcCfg, err := cfg.Runtime.ServiceConfig()
	if err != nil {
		return err
	}
	collector := metrics.NewCollector(logger)
	rt := service.NewRuntime(svcCfg, store, publisher, replay.NewBuffer(cfg.Replay.MaxSize), collector, &logger)

	var watcher *watch.Watcher
	if cfg.Watch.File != "" {
		watcher, err = watchWeights(ctx, a, rt)
		if err != nil {
			return err
		}
	}

	api := httpapi.NewServer(rt, collector, &logger, httpapi.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	hs := health.NewServer(health.Config{CheckInterval: cfg.Health.CheckInterval}, logger, checks...)

	var grpcLis net.Listener
	if cfg.Server.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr); err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.Server.HTTPAddr).
			Str("backend", svcCfg.Backend.Name()).
			Int("obs", svcCfg.Shape.Obs).
			Int("actions", svcCfg.Shape.Action).
			Msg("policyrt HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcLis != nil {
		g.Go(func() error { return hs.Serve(grpcLis) })
		g.Go(func() error {
			hs.Run(gctx)
			return nil
		})
	}
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")
		hs.SetServing(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
		hs.Stop(shutdownCtx)
		return nil
	})

	err = g.Wait()
	logger.Info().Int("environments", rt.Len()).Msg("policyrt stopped")
	return err
}

// watchWeights creates the environment backing the watched file and returns
// a watcher that hot-swaps it.
func watchWeights(ctx context.Context, a *app, rt *service.Runtime) (*watch.Watcher, error) {
	path := a.cfg.Watch.File
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights %s: %w", path, err)
	}
	label := a.cfg.Watch.Label
	if label == "" {
		label = path
	}
	info, err := rt.CreateEnvironment(ctx, data, label)
	if err != nil {
		return nil, fmt.Errorf("load weights %s: %w", path, err)
	}
	a.logger.Info().Str("env_id", info.ID).Str("path", path).Msg("environment created from watched file")

	apply := func(ctx context.Context, weights []byte) error {
		_, err := rt.UpdateWeights(ctx, info.ID, weights, service.SourceWatch)
		return err
	}
	return watch.New(path, apply, a.logger, watch.WithDebounce(a.cfg.Watch.Debounce))
}
