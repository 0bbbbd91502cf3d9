package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/dunamismax/pixelstudio/internal/id"
	"github.com/dunamismax/pixelstudio/internal/queue"
	"github.com/dunamismax/pixelstudio/internal/storage"
	"github.com/dunamismax/pixelstudio/internal/store"
	"github.com/go-chi/chi/v5"
)

type uploadSlot struct {
	ObjectKey       string `json:"object_key"`
	PresignedPutURL string `json:"presigned_put_url,omitempty"`
}

type jobResponse struct {
	JobID      string                   `json:"job_id"`
	Status     string                   `json:"status"`
	SourceType string                   `json:"source_type"`
	ObjectKeys []string                 `json:"object_keys"`
	Settings   domain.TransformSettings `json:"settings"`
	Results    []domain.BatchItemResult `json:"results,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

func newJobResponse(job domain.Job) jobResponse {
	return jobResponse{
		JobID:      job.ID,
		Status:     job.Status,
		SourceType: job.SourceType,
		ObjectKeys: job.ObjectKeys,
		Settings:   job.Settings,
		Results:    job.Results,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

// handleCreateJob registers a batch. For s3_presigned batches without object
// keys the response carries one presigned upload URL per asset.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidSettings, err))
		return
	}

	now := s.now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	keys := make([]string, 0, max(len(req.ObjectKeys), req.AssetCount))
	for _, key := range req.ObjectKeys {
		keys = append(keys, strings.TrimSpace(key))
	}

	var uploads []uploadSlot
	if sourceType == domain.SourceTypeS3Presigned && len(keys) == 0 {
		for i := range req.AssetCount {
			key := storage.UploadKey(jobID, i)
			url, err := s.storage.PresignedPutURL(r.Context(), key, s.presignTTL)
			if err != nil {
				s.logger.Error().Err(err).Str("job_id", jobID).Msg("generate presigned url failed")
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to generate upload URL", Kind: string(domain.ErrorKindInternal)})
				return
			}
			keys = append(keys, key)
			uploads = append(uploads, uploadSlot{ObjectKey: key, PresignedPutURL: url})
		}
	}

	job := domain.Job{
		ID:         jobID,
		UserID:     strings.TrimSpace(r.Header.Get(s.userIDHeader)),
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: req.WebhookURL,
		ObjectKeys: keys,
		Settings:   req.Settings.Normalized(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.writeError(w, r, fmt.Errorf("create job: %w", err))
		return
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("source_type", job.SourceType).
		Int("assets", len(keys)).
		Msg("job created")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":    job.ID,
		"status":    job.Status,
		"uploads":   uploads,
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.loadJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.loadJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: fmt.Sprintf("job is already %s", job.Status),
			Kind:  "conflict",
		})
		return
	}

	if err := s.verifySourcesExist(r.Context(), job); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Kind: "conflict"})
		return
	}

	taskInfo, err := s.queueClient.EnqueueBatch(r.Context(), queue.BatchPayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		ObjectKeys:  job.ObjectKeys,
		Settings:    job.Settings,
		WebhookURL:  job.WebhookURL,
		RequestedAt: s.now().UTC(),
	})
	if err != nil {
		s.writeError(w, r, fmt.Errorf("enqueue job %s: %w", job.ID, err))
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("update status failed")
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) loadJob(ctx context.Context, jobID string) (domain.Job, error) {
	job, ok, err := s.jobStore.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return domain.Job{}, store.ErrJobNotFound
	}
	return job, nil
}

func (s *Server) verifySourcesExist(ctx context.Context, job domain.Job) error {
	for _, key := range job.ObjectKeys {
		switch job.SourceType {
		case domain.SourceTypeLocalFile:
			if _, err := os.Stat(key); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("source object is missing: %s", key)
				}
				return fmt.Errorf("source object check failed: %w", err)
			}
		default:
			exists, err := s.storage.ObjectExists(ctx, key)
			if err != nil {
				return fmt.Errorf("source object check failed: %w", err)
			}
			if !exists {
				return fmt.Errorf("source object is missing: %s", key)
			}
		}
	}
	return nil
}
