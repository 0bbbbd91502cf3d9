package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/pixelstudio/internal/config"
	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/dunamismax/pixelstudio/internal/pipeline"
	"github.com/dunamismax/pixelstudio/internal/queue"
	"github.com/dunamismax/pixelstudio/internal/storage"
	"github.com/dunamismax/pixelstudio/internal/store"
	"github.com/dunamismax/pixelstudio/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errUnsupportedSource = errors.New("unsupported source type")

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// source pairs where batch assets are read from with where their artifacts
// are written.
type source struct {
	fetcher pipeline.Fetcher
	emitter pipeline.Emitter
}

type Server struct {
	logger           zerolog.Logger
	server           *asynq.Server
	sem              chan struct{}
	processor        *pipeline.Processor
	batchConcurrency int
	sources          map[string]source
	webhookClient    webhookSender
	jobStore         store.JobStore
	usageStore       store.UsageStore
	metrics          *metrics
	tracer           trace.Tracer
	now              func() time.Time
}

// CompletedEvent is the body of the job.completed webhook.
type CompletedEvent struct {
	JobID       string                   `json:"job_id"`
	Status      string                   `json:"status"`
	SourceType  string                   `json:"source_type"`
	RequestedAt time.Time                `json:"requested_at"`
	CompletedAt time.Time                `json:"completed_at"`
	Results     []domain.BatchItemResult `json:"results"`
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	processor *pipeline.Processor,
	storageClient *storage.Client,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if processor == nil {
		return nil, errors.New("processor is required")
	}

	sources := map[string]source{
		domain.SourceTypeLocalFile: {
			fetcher: pipeline.LocalFileFetcher{},
			emitter: pipeline.LocalFileEmitter{OutputDir: workerCfg.LocalOutputDir},
		},
	}
	if storageClient != nil {
		sources[domain.SourceTypeS3Presigned] = source{
			fetcher: pipeline.ObjectStoreFetcher{Storage: storageClient},
			emitter: pipeline.ObjectStoreEmitter{Storage: storageClient, OutputPrefix: "outputs"},
		}
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Error().
						Err(err).
						Str("task_type", task.Type()).
						Int("retry", retried).
						Int("max_retry", maxRetry).
						Msg("task failed")
				}),
			},
		),
		sem:              make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		processor:        processor,
		batchConcurrency: workerCfg.BatchConcurrency,
		sources:          sources,
		jobStore:         jobStore,
		usageStore:       usageStore,
		metrics:          newMetrics(),
		tracer:           otel.Tracer("pixelstudio/worker"),
		now:              time.Now,
	}
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeTransformBatch, s.handleBatch)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleBatch(ctx context.Context, task *asynq.Task) error {
	startedAt := s.now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseBatchPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	logger := s.logger.With().Str("job_id", payload.JobID).Logger()

	ctx, span := s.tracer.Start(ctx, "worker.transform_batch", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Int("job.assets", len(payload.ObjectKeys)),
		attribute.String("job.format", string(payload.Settings.Normalized().Format)),
	)
	defer span.End()
	defer func() {
		s.metrics.batchFinished(payload.SourceType, outcome, time.Since(startedAt))
	}()

	src, ok := s.sources[payload.SourceType]
	if !ok {
		s.updateJobStatus(ctx, logger, payload.JobID, domain.JobStatusFailed)
		span.SetStatus(codes.Error, "unsupported source")
		return fmt.Errorf("%w %q: %w", errUnsupportedSource, payload.SourceType, asynq.SkipRetry)
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	release := s.metrics.batchStarted()
	defer func() {
		<-s.sem
		release()
	}()

	logger.Info().
		Str("source_type", payload.SourceType).
		Int("assets", len(payload.ObjectKeys)).
		Msg("batch started")
	s.updateJobStatus(ctx, logger, payload.JobID, domain.JobStatusProcessing)

	results := s.transform(ctx, logger, src, payload)
	if err := ctx.Err(); err != nil {
		// Interrupted batches are retried from scratch.
		s.updateJobStatus(ctx, logger, payload.JobID, domain.JobStatusQueued)
		span.RecordError(err)
		span.SetStatus(codes.Error, "interrupted")
		return fmt.Errorf("batch interrupted: %w", err)
	}

	status := domain.BatchStatus(results)
	if s.jobStore != nil {
		if _, err := s.jobStore.Complete(ctx, payload.JobID, results); err != nil {
			logger.Error().Err(err).Msg("job completion write failed")
		}
	}
	s.recordUsage(ctx, logger, payload.JobID, results, time.Since(startedAt))

	logger.Info().
		Str("status", status).
		Int("assets", len(results)).
		Dur("elapsed", time.Since(startedAt)).
		Msg("batch finished")

	if err := s.dispatchWebhook(ctx, logger, payload, CompletedEvent{
		JobID:       payload.JobID,
		Status:      status,
		SourceType:  payload.SourceType,
		RequestedAt: payload.RequestedAt,
		CompletedAt: s.now().UTC(),
		Results:     results,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = status
	if status == domain.JobStatusFailed {
		span.SetStatus(codes.Error, "every asset failed")
	} else {
		span.SetStatus(codes.Ok, status)
	}
	return nil
}

// transform fetches, processes and emits every asset. Failures are recorded
// on the asset's own result and never stop the others.
func (s *Server) transform(ctx context.Context, logger zerolog.Logger, src source, payload queue.BatchPayload) []domain.BatchItemResult {
	results := make([]domain.BatchItemResult, len(payload.ObjectKeys))
	assets := make([]domain.SourceAsset, 0, len(payload.ObjectKeys))
	positions := make([]int, 0, len(payload.ObjectKeys))

	settings := payload.Settings.Normalized()
	for i, key := range payload.ObjectKeys {
		results[i].ObjectKey = key
		data, err := src.fetcher.Fetch(ctx, key)
		if err != nil {
			s.failItem(&results[i], settings.Format, fmt.Errorf("fetch: %w", err))
			continue
		}
		assets = append(assets, domain.NewSourceAsset(path.Base(key), data))
		positions = append(positions, i)
	}

	for _, item := range s.processor.Batch(ctx, assets, settings, s.batchConcurrency) {
		result := &results[positions[item.Index]]
		if item.Err != nil {
			s.failItem(result, settings.Format, item.Err)
			logger.Warn().
				Err(item.Err).
				Str("object_key", result.ObjectKey).
				Str("error_kind", string(domain.Classify(item.Err))).
				Msg("asset failed")
			continue
		}

		artifact := item.Artifact
		outputKey, err := src.emitter.Emit(ctx, payload.JobID, result.ObjectKey, artifact)
		if err != nil {
			artifact.Release()
			s.failItem(result, settings.Format, fmt.Errorf("emit: %w", err))
			continue
		}

		result.OutputKey = outputKey
		result.Format = artifact.Format
		result.Width = artifact.Width
		result.Height = artifact.Height
		result.SizeDelta = domain.ComputeSizeDelta(item.Asset.Size, artifact.Size)
		artifact.Release()
		s.metrics.assetSucceeded(*result)
	}

	return results
}

func (s *Server) failItem(result *domain.BatchItemResult, format domain.Format, err error) {
	kind := domain.Classify(err)
	result.Error = err.Error()
	result.ErrorKind = kind
	s.metrics.assetFailed(format, kind)
}

func (s *Server) updateJobStatus(ctx context.Context, logger zerolog.Logger, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		logger.Error().Err(err).Str("status", status).Msg("job status update failed")
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, logger zerolog.Logger, payload queue.BatchPayload, event CompletedEvent) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, webhook.EventJobCompleted, event); err != nil {
		logger.Error().Err(err).Msg("webhook delivery failed")
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}

func (s *Server) recordUsage(ctx context.Context, logger zerolog.Logger, jobID string, results []domain.BatchItemResult, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			logger.Warn().Err(err).Msg("usage lookup failed")
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	usage := domain.UsageLog{
		UserID:        userID,
		JobID:         jobID,
		ComputeTimeMS: max(1, computeDuration.Milliseconds()),
		CreatedAt:     s.now().UTC(),
	}
	for _, r := range results {
		if !r.Succeeded() {
			usage.AssetsFailed++
			continue
		}
		usage.AssetsProcessed++
		usage.PixelsProcessed += int64(r.Width) * int64(r.Height)
		usage.BytesSaved += int64(max(0, r.SizeDelta.OriginalBytes-r.SizeDelta.OutputBytes))
	}

	if err := s.usageStore.RecordUsage(ctx, usage); err != nil {
		logger.Error().Err(err).Msg("usage log write failed")
		return
	}

	s.metrics.usageRecorded(usage)
}
