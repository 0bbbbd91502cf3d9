package store

import (
	"context"
	"errors"

	"github.com/dunamismax/pixelstudio/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

// JobStore persists batch jobs and their per-asset outcomes.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	Complete(ctx context.Context, id string, results []domain.BatchItemResult) (domain.Job, error)
}

type UsageStore interface {
	RecordUsage(ctx context.Context, usage domain.UsageLog) error
}
