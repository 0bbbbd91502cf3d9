package session

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/dunamismax/pixelstudio/internal/collab"
	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/dunamismax/pixelstudio/internal/pipeline"
	"github.com/dunamismax/pixelstudio/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemover struct{}

func (fakeRemover) RemoveBackground(_ context.Context, raster *image.NRGBA) (*image.NRGBA, error) {
	out := image.NewNRGBA(raster.Rect)
	copy(out.Pix, raster.Pix)
	for i := 3; i < len(out.Pix); i += 16 {
		out.Pix[i] = 0
	}
	return out, nil
}

type fakeRecognizer struct{}

func (fakeRecognizer) Recognize(context.Context, *image.NRGBA) (collab.TextRecognition, error) {
	return collab.TextRecognition{Text: "hello", Confidence: 0.8}, nil
}

type paintRed struct{}

func (paintRed) Inpaint(_ context.Context, raster *image.NRGBA, mask *image.Gray) (*image.NRGBA, error) {
	out := image.NewNRGBA(raster.Rect)
	copy(out.Pix, raster.Pix)
	for i, v := range mask.Pix {
		if v != 0 {
			out.Pix[i*4], out.Pix[i*4+1], out.Pix[i*4+2] = 255, 0, 0
		}
	}
	return out, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newManager(tools Tools) *Manager {
	return NewManager(pipeline.NewProcessor(nil), tools, Config{TTL: time.Minute}, nil, zerolog.Nop())
}

func settle(s *Session) {
	s.Scheduler().Flush()
	s.Scheduler().Wait()
}

func TestCreateSession(t *testing.T) {
	m := newManager(Tools{})
	defer m.Close()

	s, err := m.Create(context.Background(), "photo.png", pngBytes(t, 40, 30))
	require.NoError(t, err)
	w, h := s.Dimensions()
	assert.Equal(t, 40, w)
	assert.Equal(t, 30, h)
	assert.Equal(t, domain.AssetKindPNG, s.Asset().Kind)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = m.Create(context.Background(), "junk.bin", []byte("definitely not an image"))
	var decodeErr *domain.DecodeError
	assert.ErrorAs(t, err, &decodeErr)

	_, err = m.Create(context.Background(), "empty.png", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)

	require.NoError(t, m.Delete(s.ID))
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.Delete(s.ID), ErrSessionNotFound)
}

func TestSubmitProducesPreview(t *testing.T) {
	m := newManager(Tools{})
	defer m.Close()
	s, err := m.Create(context.Background(), "photo.png", pngBytes(t, 64, 32))
	require.NoError(t, err)

	filtersOnly, err := s.Submit(domain.TransformSettings{Width: 32, AspectLocked: true, Quality: 80, Format: domain.FormatJPEG}, true)
	require.NoError(t, err)
	assert.False(t, filtersOnly, "first submission has no base to reuse")
	settle(s)

	current := s.Scheduler().Current()
	require.NotNil(t, current)
	assert.Equal(t, 32, current.Width)
	assert.Equal(t, 16, current.Height)
	delta, ok := s.SizeDelta()
	require.True(t, ok)
	assert.Equal(t, s.Original.Size, delta.OriginalBytes)

	filtersOnly, err = s.Submit(domain.TransformSettings{Width: 32, AspectLocked: true, Quality: 80, Format: domain.FormatJPEG, Adjustments: &domain.Adjustments{Brightness: 10}}, true)
	require.NoError(t, err)
	assert.True(t, filtersOnly)

	filtersOnly, err = s.Submit(domain.TransformSettings{Width: 20, AspectLocked: true, Quality: 80, Format: domain.FormatJPEG}, true)
	require.NoError(t, err)
	assert.False(t, filtersOnly, "geometry change forces a full run")
	settle(s)
	assert.Equal(t, 20, s.Scheduler().Current().Width)
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	m := newManager(Tools{})
	defer m.Close()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	idle, err := m.Create(context.Background(), "a.png", pngBytes(t, 8, 8))
	require.NoError(t, err)
	now = base.Add(50 * time.Second)
	active, err := m.Create(context.Background(), "b.png", pngBytes(t, 8, 8))
	require.NoError(t, err)

	now = base.Add(90 * time.Second)
	assert.Equal(t, 1, m.Sweep())
	_, err = m.Get(idle.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Get(active.ID)
	assert.NoError(t, err)
	assert.ErrorIs(t, idle.Scheduler().Submit(domain.DefaultSettings()), scheduler.ErrClosed)
}

func TestCollaboratorToolsReplaceWorkingAsset(t *testing.T) {
	m := newManager(Tools{BackgroundRemover: fakeRemover{}, Upscaler: collab.LanczosUpscaler{}, TextRecognizer: fakeRecognizer{}})
	defer m.Close()
	s, err := m.Create(context.Background(), "photo.jpg.png", pngBytes(t, 16, 10))
	require.NoError(t, err)

	res, err := s.RunTool(context.Background(), domain.ToolRemoveBackground, ToolRequest{})
	require.NoError(t, err)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, domain.FormatPNG, res.Artifact.Format)

	res, err = s.RunTool(context.Background(), domain.ToolUpscale, ToolRequest{Scale: 2})
	require.NoError(t, err)
	assert.Equal(t, 32, res.Artifact.Width)
	w, h := s.Dimensions()
	assert.Equal(t, 32, w)
	assert.Equal(t, 20, h)

	_, err = s.RunTool(context.Background(), domain.ToolUpscale, ToolRequest{Scale: 3})
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)

	res, err = s.RunTool(context.Background(), domain.ToolOCR, ToolRequest{})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text.Text)

	_, err = s.RunTool(context.Background(), domain.ToolSVGConvert, ToolRequest{})
	assert.Equal(t, domain.ErrorKindExternalService, domain.Classify(err), "no rasterizer configured")

	_, err = s.RunTool(context.Background(), domain.ToolUnknown, ToolRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)
}

func TestUpscaleRefusesOversizedResult(t *testing.T) {
	m := newManager(Tools{Upscaler: collab.LanczosUpscaler{}})
	defer m.Close()
	s, err := m.Create(context.Background(), "strip.png", pngBytes(t, 4200, 2))
	require.NoError(t, err)

	_, err = s.RunTool(context.Background(), domain.ToolUpscale, ToolRequest{Scale: 4})
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)
	w, _ := s.Dimensions()
	assert.Equal(t, 4200, w, "working asset is untouched")
}

func TestPipelineToolsQueueRuns(t *testing.T) {
	m := newManager(Tools{})
	defer m.Close()
	s, err := m.Create(context.Background(), "photo.png", pngBytes(t, 16, 10))
	require.NoError(t, err)

	_, err = s.RunTool(context.Background(), domain.ToolResize, ToolRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)

	settings := domain.TransformSettings{Width: 8, AspectLocked: true, Quality: 70, Format: domain.FormatPNG}
	res, err := s.RunTool(context.Background(), domain.ToolResize, ToolRequest{Settings: &settings})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	settle(s)
	assert.Equal(t, 8, s.Scheduler().Current().Width)

	_, err = s.RunTool(context.Background(), domain.ToolUpscale, ToolRequest{Scale: 2})
	var serviceErr *domain.ExternalServiceError
	assert.ErrorAs(t, err, &serviceErr)
}

func TestInpaintCommitAndUndo(t *testing.T) {
	m := newManager(Tools{Inpainter: paintRed{}})
	defer m.Close()
	s, err := m.Create(context.Background(), "photo.png", pngBytes(t, 30, 20))
	require.NoError(t, err)

	surface, err := s.Surface(context.Background())
	require.NoError(t, err)
	require.NoError(t, surface.PointerDown(10, 10, 3))
	require.NoError(t, surface.PointerUp())

	res, err := s.RunTool(context.Background(), domain.ToolInpaint, ToolRequest{})
	require.NoError(t, err)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, 1, surface.HistoryDepth(), "committing through the session keeps history")

	painted, err := png.Decode(bytes.NewReader(s.Asset().Data))
	require.NoError(t, err)
	r, _, _, _ := painted.At(10, 10).RGBA()
	assert.Equal(t, uint32(0xffff), r)

	_, err = s.UndoMask(context.Background())
	require.NoError(t, err)
	restored, err := png.Decode(bytes.NewReader(s.Asset().Data))
	require.NoError(t, err)
	r, _, _, _ = restored.At(10, 10).RGBA()
	assert.Equal(t, uint32(10*0x101), r)
}
