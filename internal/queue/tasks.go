package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeTransformBatch = "image:batch"

// BatchPayload carries one batch job: every object key is transformed
// independently under the same settings.
type BatchPayload struct {
	JobID       string                   `json:"job_id"`
	SourceType  string                   `json:"source_type"`
	ObjectKeys  []string                 `json:"object_keys"`
	Settings    domain.TransformSettings `json:"settings"`
	WebhookURL  string                   `json:"webhook_url,omitempty"`
	RequestedAt time.Time                `json:"requested_at"`
}

func NewBatchTask(payload BatchPayload) (*asynq.Task, error) {
	if payload.JobID == "" {
		return nil, errors.New("job_id is required")
	}
	if len(payload.ObjectKeys) == 0 {
		return nil, errors.New("object_keys is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal batch payload: %w", err)
	}
	return asynq.NewTask(TypeTransformBatch, body), nil
}

func ParseBatchPayload(task *asynq.Task) (BatchPayload, error) {
	var payload BatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return BatchPayload{}, fmt.Errorf("unmarshal batch payload: %w", err)
	}
	if payload.JobID == "" {
		return BatchPayload{}, errors.New("batch payload has no job_id")
	}
	return payload, nil
}

// BatchTimeout scales the task deadline with the number of assets.
func BatchTimeout(assets int) time.Duration {
	return time.Minute + time.Duration(max(1, assets))*20*time.Second
}
