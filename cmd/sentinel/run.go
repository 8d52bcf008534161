package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/eugener/sentinel/internal/app"
	"github.com/eugener/sentinel/internal/auth"
	"github.com/eugener/sentinel/internal/cache"
	"github.com/eugener/sentinel/internal/circuitbreaker"
	"github.com/eugener/sentinel/internal/config"
	"github.com/eugener/sentinel/internal/governance"
	"github.com/eugener/sentinel/internal/health"
	"github.com/eugener/sentinel/internal/provider"
	"github.com/eugener/sentinel/internal/provider/anthropic"
	"github.com/eugener/sentinel/internal/provider/openai"
	"github.com/eugener/sentinel/internal/server"
	"github.com/eugener/sentinel/internal/session"
	"github.com/eugener/sentinel/internal/subscription"
	"github.com/eugener/sentinel/internal/telemetry"
	"github.com/eugener/sentinel/internal/tiers"
	"github.com/eugener/sentinel/internal/tokencount"
	"github.com/eugener/sentinel/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting sentinel", "version", version, "addr", cfg.Server.Addr)

	// KV store: Redis when configured, in-process otherwise.
	var kv cache.Cache
	if cfg.Cache.URL != "" {
		kv, err = cache.NewRedis(cfg.Cache.URL)
	} else {
		kv, err = cache.NewMemory(cfg.Cache.MaxSize, time.Hour)
	}
	if err != nil {
		return err
	}

	gov := governance.New(cfg.Governance.BaseURL, cfg.Governance.APIKey, cfg.Governance.Timeout)
	sub := subscription.New(gov, kv, cfg.Cache.LimitsTTL, cfg.Cache.JWTTTL)

	tracker := health.NewTracker(health.Config{
		InitialBackoff: cfg.Routing.BackoffInitial,
		Multiplier:     cfg.Routing.BackoffMultiplier,
		MaxBackoff:     cfg.Routing.BackoffMax,
	})
	tierConfig := tiers.NewConfigCache(gov, kv, cfg.Cache.TierConfigTTL)
	router := tiers.NewRouter(tierConfig, tracker)
	sessions := session.NewStore(kv, cfg.Cache.SessionTTL)

	batcher := worker.NewUsageBatcher(worker.Config{
		ChannelSize:     cfg.Usage.ChannelSize,
		FlushInterval:   cfg.Usage.FlushInterval,
		RetryInterval:   cfg.Usage.RetryInterval,
		MaxBatchUsers:   cfg.Usage.MaxBatchSize,
		MaxRetryBatch:   cfg.Usage.MaxRetryBatch,
		FlushRatePerSec: cfg.Usage.FlushRatePerSec,
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Usage.BreakerThreshold,
			OpenTimeout:      cfg.Usage.BreakerReset,
		},
	}, gov, kv)

	// Telemetry.
	var (
		metrics  *telemetry.Metrics
		metricsH http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		metricsH = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

		sub.SetStatsHook(
			metrics.CacheHits.WithLabelValues("subscription").Inc,
			metrics.CacheMisses.WithLabelValues("subscription").Inc,
		)
		tierConfig.SetStatsHook(
			metrics.CacheHits.WithLabelValues("tier_config").Inc,
			metrics.CacheMisses.WithLabelValues("tier_config").Inc,
		)
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(context.Background(),
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Providers share one pooled transport with a caching DNS resolver.
	transport := provider.NewTransport(&dnscache.Resolver{})
	reg := provider.NewRegistry()
	defaultProvider := cfg.Routing.DefaultProvider
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			continue
		}
		timeout := p.Timeout
		if timeout == 0 {
			timeout = 300 * time.Second
		}
		client := &http.Client{Transport: transport, Timeout: timeout}
		switch p.ResolvedType() {
		case "openai":
			c := openai.New(p.Name, p.BaseURL, p.APIKey, client)
			if metrics != nil {
				name := p.Name
				c.SetParseErrorHook(func(model string) {
					metrics.SSEParseErrors.WithLabelValues(name, model).Inc()
				})
			}
			reg.Register(p.Name, c)
		case "anthropic":
			c := anthropic.New(p.Name, p.BaseURL, p.APIKey, client)
			if metrics != nil {
				name := p.Name
				c.SetParseErrorHook(func(model string) {
					metrics.SSEParseErrors.WithLabelValues(name, model).Inc()
				})
			}
			reg.Register(p.Name, c)
		}
		if defaultProvider == "" {
			defaultProvider = p.Name
		}
	}

	pipeline := app.NewPipeline(
		app.NewSelector(router, sessions),
		router, reg, tokencount.NewCounter(), batcher, defaultProvider,
	)
	if metrics != nil {
		pipeline.SetMetrics(metrics)
	}

	handler := server.New(server.Deps{
		Auth:            auth.NewBearerAuth(sub),
		Pipeline:        pipeline,
		Providers:       reg,
		ReadyCheck:      kv.Ping,
		Metrics:         metrics,
		MetricsH:        metricsH,
		Health:          tracker,
		Batcher:         batcher,
		Sessions:        sessions,
		Debug:           cfg.Debug,
		DefaultProvider: defaultProvider,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.NewRunner(batcher).Run(workerCtx)
	}()
	if metrics != nil {
		go exportBatcherMetrics(workerCtx, metrics, batcher)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("sentinel ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	// Stop accepting requests, then drain the accounting pipeline: closing
	// the batcher flushes whatever is buffered before the worker exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	batcher.Close()
	select {
	case err := <-workerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("worker exited with error", "error", err)
		}
	case <-shutdownCtx.Done():
		slog.Warn("worker drain timed out")
	}

	slog.Info("sentinel stopped")
	return nil
}

// exportBatcherMetrics mirrors the batcher's internal counters into gauges.
func exportBatcherMetrics(ctx context.Context, m *telemetry.Metrics, b *worker.UsageBatcher) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	var lastDrops int64
	for {
		select {
		case <-ticker.C:
			m.UsageQueueLength.Set(float64(b.QueueLen()))
			m.CircuitState.Set(float64(b.BreakerState()))
			drops := b.Drops() + b.BreakerDrops()
			if d := drops - lastDrops; d > 0 {
				m.UsageDropped.Add(float64(d))
			}
			lastDrops = drops
		case <-ctx.Done():
			return
		}
	}
}
