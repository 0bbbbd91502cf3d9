package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusPartial    = "partial"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
)

const MaxBatchAssets = 200

// CreateJobRequest submits a batch: one TransformSettings applied to every
// asset independently.
type CreateJobRequest struct {
	SourceType string            `json:"source_type"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	ObjectKeys []string          `json:"object_keys,omitempty"`
	AssetCount int               `json:"asset_count,omitempty"`
	Settings   TransformSettings `json:"settings"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	ObjectKeys []string
	Settings   TransformSettings
	Results    []BatchItemResult
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BatchItemResult is the per-asset outcome of a batch job.
type BatchItemResult struct {
	ObjectKey string    `json:"object_key"`
	OutputKey string    `json:"output_key,omitempty"`
	Format    Format    `json:"format,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	SizeDelta SizeDelta `json:"size_delta"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

func (r BatchItemResult) Succeeded() bool {
	return r.Error == ""
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && len(r.ObjectKeys) == 0 {
		return errors.New("object_keys is required for source_type=local_file")
	}
	if sourceType == SourceTypeS3Presigned && len(r.ObjectKeys) == 0 && r.AssetCount <= 0 {
		return errors.New("asset_count must be positive for source_type=s3_presigned")
	}
	if len(r.ObjectKeys) > MaxBatchAssets || r.AssetCount > MaxBatchAssets {
		return fmt.Errorf("batch exceeds %d assets", MaxBatchAssets)
	}
	for i, key := range r.ObjectKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("object_keys[%d] is required", i)
		}
	}
	return r.Settings.Normalized().Validate()
}

// BatchStatus derives the final job status from per-item outcomes.
func BatchStatus(items []BatchItemResult) string {
	if len(items) == 0 {
		return JobStatusFailed
	}
	failed := 0
	for _, item := range items {
		if !item.Succeeded() {
			failed++
		}
	}
	switch {
	case failed == 0:
		return JobStatusSucceeded
	case failed == len(items):
		return JobStatusFailed
	default:
		return JobStatusPartial
	}
}
