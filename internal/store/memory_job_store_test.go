package store

import (
	"context"
	"testing"
	"time"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ JobStore   = (*MemoryJobStore)(nil)
	_ UsageStore = (*MemoryJobStore)(nil)
	_ JobStore   = (*PostgresJobStore)(nil)
	_ UsageStore = (*PostgresJobStore)(nil)
)

func TestMemoryJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	fixed := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	keys := []string{"a.png", "b.png"}
	require.NoError(t, s.Create(ctx, domain.Job{ID: "job-1", Status: domain.JobStatusCreated, ObjectKeys: keys}))
	keys[0] = "mutated"

	job, ok, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a.png", "b.png"}, job.ObjectKeys)

	job, err = s.UpdateStatus(ctx, "job-1", domain.JobStatusQueued)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, fixed, job.UpdatedAt)

	job, err = s.Complete(ctx, "job-1", []domain.BatchItemResult{
		{ObjectKey: "a.png", OutputKey: "out/a.jpeg"},
		{ObjectKey: "b.png", Error: "decode failed", ErrorKind: domain.ErrorKindDecode},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPartial, job.Status)
	assert.Len(t, job.Results, 2)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.UpdateStatus(ctx, "missing", domain.JobStatusQueued)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.Complete(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryUsage(t *testing.T) {
	s := NewMemoryJobStore()
	require.NoError(t, s.RecordUsage(context.Background(), domain.UsageLog{JobID: "job-1", AssetsProcessed: 2, BytesSaved: 1024}))

	usage := s.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, int64(1024), usage[0].BytesSaved)
	assert.False(t, usage[0].CreatedAt.IsZero())
}
