package queue

import (
	"testing"
	"time"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchTask(t *testing.T) {
	payload := BatchPayload{
		JobID:      "job-123",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKeys: []string{"uploads/job-123/000", "uploads/job-123/001"},
		Settings: domain.TransformSettings{
			Width:        320,
			AspectLocked: true,
			Quality:      70,
			Format:       domain.FormatWebP,
			Adjustments:  &domain.Adjustments{Contrast: 15},
		},
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewBatchTask(payload)
	require.NoError(t, err)
	assert.Equal(t, TypeTransformBatch, task.Type())

	parsed, err := ParseBatchPayload(task)
	require.NoError(t, err)
	assert.Equal(t, payload.ObjectKeys, parsed.ObjectKeys)
	assert.Equal(t, domain.FormatWebP, parsed.Settings.Format)
	require.NotNil(t, parsed.Settings.Adjustments)
	assert.Equal(t, 15, parsed.Settings.Adjustments.Contrast)
}

func TestBatchTaskRejectsIncompletePayload(t *testing.T) {
	_, err := NewBatchTask(BatchPayload{ObjectKeys: []string{"a"}})
	assert.Error(t, err)
	_, err = NewBatchTask(BatchPayload{JobID: "job-1"})
	assert.Error(t, err)

	_, err = ParseBatchPayload(asynq.NewTask(TypeTransformBatch, []byte("{")))
	assert.Error(t, err)
	_, err = ParseBatchPayload(asynq.NewTask(TypeTransformBatch, []byte(`{"object_keys":["a"]}`)))
	assert.Error(t, err)
}

func TestBatchTimeoutGrowsWithAssets(t *testing.T) {
	assert.Equal(t, 80*time.Second, BatchTimeout(0))
	assert.Greater(t, BatchTimeout(50), BatchTimeout(5))
}
