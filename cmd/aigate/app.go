package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"aigate/internal/cache"
	"aigate/internal/chat"
	"aigate/internal/config"
	"aigate/internal/provider"
	"aigate/internal/storage"
	"aigate/internal/storage/postgres"
	"aigate/internal/telemetry"
	"aigate/internal/usage"
)

// app holds the wired components shared by every subcommand
type app struct {
	cfg        *config.Config
	logger     telemetry.Logger
	metrics    *telemetry.Metrics
	db         *postgres.DB
	kv         storage.Store
	sink       usage.Sink
	embeddings chat.EmbeddingIndex
	providers  *provider.Manager
	chat       *chat.Service
	closers    []func()
}

func newApp(ctx context.Context, configPath string, envFiles []string) (*app, error) {
	cfg, err := config.Load(configPath, envFiles...)
	if err != nil {
		return nil, err
	}

	logger, syncLogger, err := telemetry.NewLogger(cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger.With("service", cfg.Telemetry.ServiceName), closers: []func(){syncLogger}}

	if cfg.Telemetry.MetricsEnabled {
		registry := prometheus.NewRegistry()
		a.metrics = telemetry.NewMetrics(registry)
		a.serveMetrics(registry)
	}

	// =========================================================================
	// Storage
	// =========================================================================
	memory := storage.NewMemoryStore()
	a.kv, a.sink = memory, memory

	if cfg.Store.Driver == "postgres" || cfg.Tracking.Sink == "postgres" {
		db, err := postgres.Open(ctx, &cfg.Database, a.logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db = db
		a.closers = append(a.closers, func() { db.Close() })
		a.embeddings = postgres.NewEmbeddingStore(db.DB)

		if cfg.Store.Driver == "postgres" {
			a.kv = postgres.NewKVStore(db.DB)
		}
		if cfg.Tracking.Sink == "postgres" {
			a.sink = postgres.NewUsageStore(db.DB)
		}
	}

	// =========================================================================
	// Orchestrator
	// =========================================================================
	a.providers = provider.NewManager(cfg.Providers)
	for _, p := range a.providers.AvailableProviders() {
		a.logger.Debug("registered provider", "provider", p)
	}

	responses := cache.NewService(a.kv,
		cache.WithEnabled(cfg.Cache.Enabled),
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithLogger(a.logger),
		cache.WithMetrics(a.metrics),
	)
	tracker := usage.NewTracker(a.sink, usage.NewCostCalculatorFromConfig(cfg.Pricing), cfg.Tracking.Enabled,
		usage.WithTrackerLogger(a.logger),
		usage.WithTrackerMetrics(a.metrics),
	)

	opts := chat.OptionsFromConfig(cfg)
	opts.Logger = a.logger
	opts.Metrics = a.metrics
	a.chat = chat.NewService(a.providers, a.kv, responses, tracker, opts)

	return a, nil
}

func (a *app) serveMetrics(registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.HandlerFor(registry))
	srv := &http.Server{
		Addr:              a.cfg.Telemetry.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", srv.Addr, "error", err)
		}
	}()
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	a.logger.Info("serving metrics", "addr", srv.Addr)
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) purgeExpired(ctx context.Context) (int64, error) {
	kv, ok := a.kv.(*postgres.KVStore)
	if !ok {
		return 0, nil
	}
	n, err := kv.PurgeExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("purging expired entries: %w", err)
	}
	return n, nil
}
