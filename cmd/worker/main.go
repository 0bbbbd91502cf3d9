package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dunamismax/pixelstudio/internal/collab"
	"github.com/dunamismax/pixelstudio/internal/config"
	"github.com/dunamismax/pixelstudio/internal/logging"
	"github.com/dunamismax/pixelstudio/internal/pipeline"
	"github.com/dunamismax/pixelstudio/internal/storage"
	"github.com/dunamismax/pixelstudio/internal/store"
	"github.com/dunamismax/pixelstudio/internal/telemetry"
	"github.com/dunamismax/pixelstudio/internal/webhook"
	"github.com/dunamismax/pixelstudio/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.App.Env, cfg.App.LogLevel, "worker")
	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName + "-worker",
		Environment:  cfg.App.Env,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	if err := pipeline.Startup(); err != nil {
		logger.Fatal().Err(err).Msg("image runtime startup failed")
	}
	defer pipeline.Shutdown()

	bridge := pipeline.DefaultBridge()
	if bridge == nil && cfg.Services.BaseURL != "" {
		bridge = collab.NewHTTPClient(collab.Options{
			BaseURL: cfg.Services.BaseURL,
			APIKey:  cfg.Services.APIKey,
			Timeout: cfg.Services.Timeout,
			Logger:  logger,
		})
	}
	processor := pipeline.NewProcessor(bridge)

	var storageClient *storage.Client
	if cfg.Storage.Enabled() {
		storageClient, err = storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			Region:   cfg.Storage.Region,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("object storage client failed")
		}
	}

	memoryStore := store.NewMemoryJobStore()
	var jobStore store.JobStore = memoryStore
	var usageStore store.UsageStore = memoryStore
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres job store unavailable")
		}
		defer pg.Close()
		jobStore, usageStore = pg, pg
	} else {
		logger.Warn().Msg("POSTGRES_DSN unset; job status is local to this process")
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Webhook.Secret,
		Timeout:       cfg.Webhook.Timeout,
		MaxAttempts:   cfg.Webhook.MaxRetries,
		Logger:        logger,
	})

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Int("batch_concurrency", cfg.Worker.BatchConcurrency).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Msg("starting worker")

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, processor, storageClient, webhookClient, jobStore, usageStore)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker setup failed")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	// Run blocks until SIGINT or SIGTERM and drains in-flight tasks.
	if err := srv.Run(); err != nil {
		logger.Fatal().Err(err).Msg("worker failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
