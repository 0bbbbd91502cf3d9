package queue

import (
	"context"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueBatch schedules a batch job. The job id doubles as the task id so a
// job can only be queued once.
func (c *Client) EnqueueBatch(ctx context.Context, payload BatchPayload) (*asynq.TaskInfo, error) {
	task, err := NewBatchTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(3),
		asynq.Timeout(BatchTimeout(len(payload.ObjectKeys))),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
