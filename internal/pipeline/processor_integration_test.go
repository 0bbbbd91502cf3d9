package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessorAspectLockedResizeScenario(t *testing.T) {
	src := buildTestJPEG(t, 1000, 800, 90)
	processor := NewProcessor(nil)

	var milestones []Milestone
	out, err := processor.Run(context.Background(), domain.NewSourceAsset("photo.jpg", src), domain.TransformSettings{
		Width:        500,
		AspectLocked: true,
		Quality:      80,
		Format:       domain.FormatJPEG,
	}, func(m Milestone) { milestones = append(milestones, m) })
	require.NoError(t, err)

	assert.Equal(t, 500, out.Width)
	assert.Equal(t, 400, out.Height)
	assert.Equal(t, len(out.Bytes()), out.Size)
	assert.Equal(t, []Milestone{MilestoneDecoded, MilestoneTransformed, MilestoneEncoded}, milestones)

	decoded, _, err := image.Decode(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 500, 400), decoded.Bounds())
}

func TestProcessorQualityOrdering(t *testing.T) {
	src := buildNoisyJPEG(t, 640, 480)
	processor := NewProcessor(nil)
	asset := domain.NewSourceAsset("noise.jpg", src)

	low, err := processor.Run(context.Background(), asset, domain.TransformSettings{Quality: 10, Format: domain.FormatJPEG}, nil)
	require.NoError(t, err)
	high, err := processor.Run(context.Background(), asset, domain.TransformSettings{Quality: 90, Format: domain.FormatJPEG}, nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, high.Size, low.Size)
	assert.Less(t, low.Size*2, high.Size, "quality 10 should be materially smaller than quality 90")
}

func TestProcessorPNGIgnoresQuality(t *testing.T) {
	src := buildTestPNG(t, 120, 80)
	processor := NewProcessor(nil)
	asset := domain.NewSourceAsset("in.png", src)

	a, err := processor.Run(context.Background(), asset, domain.TransformSettings{Quality: 5, Format: domain.FormatPNG}, nil)
	require.NoError(t, err)
	b, err := processor.Run(context.Background(), asset, domain.TransformSettings{Quality: 95, Format: domain.FormatPNG}, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestProcessorTypedFailures(t *testing.T) {
	processor := NewProcessor(nil)

	_, err := processor.Run(context.Background(), domain.NewSourceAsset("bad.png", []byte("not an image")), domain.DefaultSettings(), nil)
	var decodeErr *domain.DecodeError
	require.ErrorAs(t, err, &decodeErr)

	_, err = processor.Run(context.Background(), domain.NewSourceAsset("in.png", buildTestPNG(t, 10, 10)), domain.TransformSettings{Quality: 50, Format: "gif"}, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidSettings))

	_, err = stdlibEncoder{}.Encode(image.NewNRGBA(image.Rect(0, 0, 1, 1)), "gif", 50)
	var encodeErr *domain.EncodeUnsupportedError
	require.ErrorAs(t, err, &encodeErr)
}

func TestNormalizerBridge(t *testing.T) {
	heic := []byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00")
	asset := domain.NewSourceAsset("IMG_0001.HEIC", heic)
	require.Equal(t, domain.AssetKindHEIC, asset.Kind)

	_, err := NewNormalizer(nil).Normalize(context.Background(), asset)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBridgeUnavailable))
	assert.Equal(t, domain.ErrorKindBridge, domain.Classify(err))

	failing := bridgeFunc(func(context.Context, []byte) ([]byte, error) { return nil, errors.New("service down") })
	_, err = NewNormalizer(failing).Normalize(context.Background(), asset)
	assert.True(t, errors.Is(err, domain.ErrBridgeUnavailable))
	var decodeErr *domain.DecodeError
	assert.ErrorAs(t, err, &decodeErr)

	converted := buildTestPNG(t, 30, 20)
	working := bridgeFunc(func(context.Context, []byte) ([]byte, error) { return converted, nil })
	raster, err := NewNormalizer(working).Normalize(context.Background(), asset)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 30, 20), raster.Bounds())
}

// pngHeader returns a PNG signature and IHDR chunk declaring an RGBA raster
// of the given size, with no pixel data behind it.
func pngHeader(width, height uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], width)
	binary.BigEndian.PutUint32(ihdr[4:], height)
	ihdr[8], ihdr[9] = 8, 6

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestNormalizerRejectsOversizedHeader(t *testing.T) {
	asset := domain.NewSourceAsset("bomb.png", pngHeader(100000, 100000))
	require.Equal(t, domain.AssetKindPNG, asset.Kind)

	_, err := NewNormalizer(nil).Normalize(context.Background(), asset)
	var decodeErr *domain.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)
}

func TestProcessorRejectsHugeTarget(t *testing.T) {
	processor := NewProcessor(nil)
	asset := domain.NewSourceAsset("in.png", buildTestPNG(t, 10, 10))

	_, err := processor.Run(context.Background(), asset, domain.TransformSettings{Width: 1 << 31, Height: 1 << 31, Quality: 80, Format: domain.FormatPNG}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)

	_, err = processor.Prepare(context.Background(), asset, domain.TransformSettings{Width: domain.MaxDimension, Height: domain.MaxDimension, Quality: 80, Format: domain.FormatPNG}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidSettings, "the resolved size is checked even without Validate")
}

func TestNormalizerRejectsSVG(t *testing.T) {
	asset := domain.NewSourceAsset("logo.svg", []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="4" height="4"/>`))
	_, err := NewNormalizer(nil).Normalize(context.Background(), asset)
	var decodeErr *domain.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestBatchContinuesPastFailures(t *testing.T) {
	processor := NewProcessor(nil)
	assets := []domain.SourceAsset{
		domain.NewSourceAsset("a.png", buildTestPNG(t, 64, 32)),
		domain.NewSourceAsset("broken.jpg", []byte{0xFF, 0xD8, 0xFF, 0x00, 0x01}),
		domain.NewSourceAsset("c.png", buildTestPNG(t, 32, 64)),
	}

	items := processor.Batch(context.Background(), assets, domain.TransformSettings{Width: 16, AspectLocked: true, Quality: 70, Format: domain.FormatJPEG}, 2)
	require.Len(t, items, 3)

	require.NoError(t, items[0].Err)
	assert.Equal(t, 16, items[0].Artifact.Width)
	assert.Equal(t, 8, items[0].Artifact.Height)

	var decodeErr *domain.DecodeError
	assert.ErrorAs(t, items[1].Err, &decodeErr)
	assert.Nil(t, items[1].Artifact)

	require.NoError(t, items[2].Err)
	assert.Equal(t, 32, items[2].Artifact.Height)
}

func TestPreviewReusesBaseForFilterOnlyRenders(t *testing.T) {
	converted := buildTestPNG(t, 80, 40)
	var conversions atomic.Int32
	bridge := bridgeFunc(func(context.Context, []byte) ([]byte, error) {
		conversions.Add(1)
		return converted, nil
	})
	asset := domain.NewSourceAsset("shot.heic", []byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00"))
	preview := NewPreview(NewProcessor(bridge), asset)

	settings := domain.TransformSettings{Width: 40, AspectLocked: true, Quality: 80, Format: domain.FormatPNG}
	_, err := preview.Render(context.Background(), settings, false, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, conversions.Load())

	out, err := preview.Render(context.Background(), settings.WithAdjustments(domain.Adjustments{Brightness: 20}), true, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, conversions.Load(), "filter-only render must reuse the cached base")
	assert.Equal(t, 40, out.Width)
	assert.Equal(t, 20, out.Height)

	_, err = preview.Render(context.Background(), settings.WithWidth(20, 2), true, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, conversions.Load(), "geometry change invalidates the cached base")
}

func TestLocalStagesRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "input.png")
	require.NoError(t, os.WriteFile(inputPath, buildTestPNG(t, 24, 12), 0o644))

	data, err := LocalFileFetcher{}.Fetch(context.Background(), inputPath)
	require.NoError(t, err)

	processor := NewProcessor(nil)
	artifact, err := processor.Run(context.Background(), domain.NewSourceAsset(inputPath, data), domain.TransformSettings{Quality: 60, Format: domain.FormatJPEG}, nil)
	require.NoError(t, err)

	written, err := LocalFileEmitter{OutputDir: filepath.Join(tmp, "out")}.Emit(context.Background(), "job/1", inputPath, artifact)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, "out", "job_1", "input.jpeg"), written)

	_, err = LocalFileFetcher{}.Fetch(context.Background(), filepath.Join(tmp, "missing.png"))
	assert.Error(t, err)
}

type bridgeFunc func(ctx context.Context, data []byte) ([]byte, error)

func (f bridgeFunc) Convert(ctx context.Context, data []byte) ([]byte, error) {
	return f(ctx, data)
}

func buildGradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}
	return img
}

func buildTestPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, buildGradient(w, h)); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

func buildTestJPEG(t testing.TB, w, h, quality int) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, buildGradient(w, h), &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("encode source jpeg: %v", err)
	}
	return buf.Bytes()
}

func buildNoisyJPEG(t testing.TB, w, h int) []byte {
	t.Helper()

	rng := rand.New(rand.NewSource(7))
	img := buildGradient(w, h)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(rng.Intn(256))
		img.Pix[i+1] = uint8((int(img.Pix[i+1]) + rng.Intn(64)) % 256)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("encode noisy jpeg: %v", err)
	}
	return buf.Bytes()
}
