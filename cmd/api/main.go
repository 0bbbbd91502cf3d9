package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/pixelstudio/internal/api"
	"github.com/dunamismax/pixelstudio/internal/collab"
	"github.com/dunamismax/pixelstudio/internal/config"
	"github.com/dunamismax/pixelstudio/internal/logging"
	"github.com/dunamismax/pixelstudio/internal/pipeline"
	"github.com/dunamismax/pixelstudio/internal/queue"
	"github.com/dunamismax/pixelstudio/internal/ratelimit"
	"github.com/dunamismax/pixelstudio/internal/scheduler"
	"github.com/dunamismax/pixelstudio/internal/session"
	"github.com/dunamismax/pixelstudio/internal/storage"
	"github.com/dunamismax/pixelstudio/internal/store"
	"github.com/dunamismax/pixelstudio/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.App.Env, cfg.App.LogLevel, "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName + "-api",
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

	tools, bridge, closeTools := buildTools(cfg, logger)
	defer closeTools()
	processor := pipeline.NewProcessor(bridge)

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("queue client close failed")
		}
	}()

	var jobStore store.JobStore = store.NewMemoryJobStore()
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres job store unavailable")
		}
		defer pg.Close()
		jobStore = pg
	}

	var objectStore *storage.Client
	if cfg.Storage.Enabled() {
		objectStore, err = storage.NewClient(storage.Config{
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
		if err := objectStore.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Msg("object storage bucket check failed")
		}
	}

	var rateLimiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = buildRateLimiter(ctx, cfg, logger)
	}

	opts := api.Options{
		Logger:         logger,
		Queue:          queueClient,
		JobStore:       jobStore,
		RateLimiter:    rateLimiter,
		Tracer:         otel.Tracer("pixelstudio/api"),
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		ToolTimeout:    cfg.API.ToolTimeout,
	}
	if objectStore != nil {
		opts.Storage = objectStore
	}

	// The session manager needs the API registry for scheduler metrics, and
	// the API needs the manager; the registry is created first.
	app := api.NewServer(opts)
	sessions := session.NewManager(processor, tools, session.Config{
		TTL:            cfg.Preview.SessionTTL,
		MaxSessions:    cfg.Preview.MaxSessions,
		FullDebounce:   cfg.Preview.FullDebounce,
		FilterDebounce: cfg.Preview.FilterDebounce,
	}, scheduler.NewMetrics(app.Registerer()), logger)
	defer sessions.Close()
	app.SetSessions(sessions)
	go sessions.Run(ctx)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// buildTools wires the collaborators from configuration. The services
// gateway covers every tool; a local ONNX model replaces its upscaler when
// configured, and Lanczos resampling is the last resort.
func buildTools(cfg config.Config, logger zerolog.Logger) (session.Tools, pipeline.Bridge, func()) {
	tools := session.Tools{Upscaler: collab.LanczosUpscaler{}}
	bridge := pipeline.DefaultBridge()
	closers := []func(){}

	if cfg.Services.BaseURL != "" {
		gateway := collab.NewHTTPClient(collab.Options{
			BaseURL: cfg.Services.BaseURL,
			APIKey:  cfg.Services.APIKey,
			Timeout: cfg.Services.Timeout,
			Logger:  logger,
		})
		tools.BackgroundRemover = gateway
		tools.Upscaler = gateway
		tools.TextRecognizer = gateway
		tools.Inpainter = gateway
		tools.Rasterizer = gateway
		if bridge == nil {
			bridge = gateway
		}
	} else {
		tools.Inpainter = collab.NewOpenCVInpainter()
	}

	if cfg.Models.UpscaleModelPath != "" {
		runtime := collab.NewRuntime(cfg.Models.ONNXLibraryPath)
		upscaler, err := collab.NewONNXUpscaler(runtime, collab.ONNXUpscalerConfig{
			ModelPath:  cfg.Models.UpscaleModelPath,
			ModelScale: cfg.Models.UpscaleScale,
			Threads:    cfg.Models.Threads,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("onnx upscaler unavailable")
		} else {
			tools.Upscaler = upscaler
			closers = append(closers, func() {
				if err := upscaler.Close(); err != nil {
					logger.Warn().Err(err).Msg("onnx upscaler close failed")
				}
			})
		}
	}

	return tools, bridge, func() {
		for _, c := range closers {
			c()
		}
	}
}

// buildRateLimiter prefers the shared Redis bucket and falls back to a
// per-process one when Redis does not answer at startup.
func buildRateLimiter(ctx context.Context, cfg config.Config, logger zerolog.Logger) api.RateLimiter {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err == nil {
		limiter, err := ratelimit.NewRedisTokenBucket(client, cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.Prefix)
		if err == nil {
			return limiter
		}
		logger.Warn().Err(err).Msg("redis rate limiter misconfigured")
	} else {
		logger.Warn().Err(err).Msg("redis unreachable, rate limiting per process")
	}
	_ = client.Close()

	limiter, err := ratelimit.NewMemoryTokenBucket(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	if err != nil {
		logger.Warn().Err(err).Msg("rate limiting disabled")
		return nil
	}
	return limiter
}
