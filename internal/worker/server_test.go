package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/dunamismax/pixelstudio/internal/pipeline"
	"github.com/dunamismax/pixelstudio/internal/queue"
	"github.com/dunamismax/pixelstudio/internal/store"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

type captureSender struct {
	endpoint string
	event    string
	body     CompletedEvent
	calls    int
}

func (c *captureSender) Send(_ context.Context, endpoint, event string, payload any) error {
	c.calls++
	c.endpoint = endpoint
	c.event = event
	c.body = payload.(CompletedEvent)
	return nil
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 5), G: uint8(y * 9), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func newTestServer(outDir string, jobs *store.MemoryJobStore, sender webhookSender) *Server {
	return &Server{
		logger:           zerolog.Nop(),
		sem:              make(chan struct{}, 1),
		processor:        pipeline.NewProcessor(nil),
		batchConcurrency: 2,
		sources: map[string]source{
			domain.SourceTypeLocalFile: {
				fetcher: pipeline.LocalFileFetcher{},
				emitter: pipeline.LocalFileEmitter{OutputDir: outDir},
			},
		},
		webhookClient: sender,
		jobStore:      jobs,
		usageStore:    jobs,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("test"),
		now:           time.Now,
	}
}

func batchTask(t *testing.T, payload queue.BatchPayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewBatchTask(payload)
	require.NoError(t, err)
	return task
}

func TestHandleBatchReportsEveryAsset(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()
	writePNG(t, filepath.Join(inDir, "a.png"), 40, 20)
	writePNG(t, filepath.Join(inDir, "b.png"), 30, 30)
	require.NoError(t, os.WriteFile(filepath.Join(inDir, "junk.png"), []byte("not an image at all"), 0o644))

	keys := []string{
		filepath.Join(inDir, "a.png"),
		filepath.Join(inDir, "junk.png"),
		filepath.Join(inDir, "b.png"),
		filepath.Join(inDir, "missing.png"),
	}
	jobs := store.NewMemoryJobStore()
	require.NoError(t, jobs.Create(context.Background(), domain.Job{
		ID:         "job-1",
		UserID:     "user-1",
		Status:     domain.JobStatusQueued,
		SourceType: domain.SourceTypeLocalFile,
		ObjectKeys: keys,
	}))
	sender := &captureSender{}
	s := newTestServer(outDir, jobs, sender)

	err := s.handleBatch(context.Background(), batchTask(t, queue.BatchPayload{
		JobID:      "job-1",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKeys: keys,
		Settings:   domain.TransformSettings{Width: 20, AspectLocked: true, Quality: 80, Format: domain.FormatPNG},
		WebhookURL: "http://hooks.local/done",
	}))
	require.NoError(t, err)

	job, ok, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusPartial, job.Status)
	require.Len(t, job.Results, 4)

	first := job.Results[0]
	assert.True(t, first.Succeeded())
	assert.Equal(t, 20, first.Width)
	assert.Equal(t, 10, first.Height)
	assert.Equal(t, domain.FormatPNG, first.Format)
	assert.FileExists(t, first.OutputKey)
	assert.Equal(t, filepath.Join(outDir, "job-1", "a.png"), first.OutputKey)

	assert.Equal(t, domain.ErrorKindDecode, job.Results[1].ErrorKind)
	assert.True(t, job.Results[2].Succeeded())
	assert.Equal(t, 20, job.Results[2].Height)
	assert.Equal(t, domain.ErrorKindInternal, job.Results[3].ErrorKind)
	assert.Contains(t, job.Results[3].Error, "fetch")

	usage := jobs.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, "user-1", usage[0].UserID)
	assert.Equal(t, 2, usage[0].AssetsProcessed)
	assert.Equal(t, 2, usage[0].AssetsFailed)
	assert.Equal(t, int64(20*10+20*20), usage[0].PixelsProcessed)
	assert.Positive(t, usage[0].ComputeTimeMS)

	require.Equal(t, 1, sender.calls)
	assert.Equal(t, "job.completed", sender.event)
	assert.Equal(t, domain.JobStatusPartial, sender.body.Status)
	assert.Len(t, sender.body.Results, 4)

	body, err := json.Marshal(sender.body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"size_delta"`)
}

func TestHandleBatchRejectsUnknownSource(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	require.NoError(t, jobs.Create(context.Background(), domain.Job{ID: "job-2", Status: domain.JobStatusQueued}))
	s := newTestServer(t.TempDir(), jobs, nil)

	err := s.handleBatch(context.Background(), batchTask(t, queue.BatchPayload{
		JobID:      "job-2",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKeys: []string{"uploads/job-2/000"},
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, errUnsupportedSource)

	job, _, err := jobs.Get(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
}

func TestHandleBatchSkipsRetryOnBadPayload(t *testing.T) {
	s := newTestServer(t.TempDir(), store.NewMemoryJobStore(), nil)
	err := s.handleBatch(context.Background(), asynq.NewTask(queue.TypeTransformBatch, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleBatchCancelledRequeues(t *testing.T) {
	inDir := t.TempDir()
	writePNG(t, filepath.Join(inDir, "a.png"), 8, 8)
	jobs := store.NewMemoryJobStore()
	require.NoError(t, jobs.Create(context.Background(), domain.Job{ID: "job-3", Status: domain.JobStatusQueued}))
	s := newTestServer(t.TempDir(), jobs, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.handleBatch(ctx, batchTask(t, queue.BatchPayload{
		JobID:      "job-3",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKeys: []string{filepath.Join(inDir, "a.png")},
	}))
	assert.ErrorIs(t, err, context.Canceled)
}
