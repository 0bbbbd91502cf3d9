package pipeline

import (
	"image"
	"image/color"
	"testing"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResizePassThrough(t *testing.T) {
	src := noise(40, 30, 9)

	out := Resize(src, 0, 0)
	assert.Equal(t, src.Bounds(), out.Bounds())
	assert.Equal(t, src.Pix, out.Pix)

	out.Pix[0] ^= 0xFF
	assert.NotEqual(t, src.Pix[0], out.Pix[0], "pass-through must copy")
}

func TestResizeDimensions(t *testing.T) {
	src := noise(40, 30, 9)
	out := Resize(src, 20, 10)
	assert.Equal(t, image.Rect(0, 0, 20, 10), out.Bounds())

	up, err := ResizeTo(src, domain.TransformSettings{Width: 80, AspectLocked: true})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 80, 60), up.Bounds())
}

func TestResizeToRejectsOversizedAspectSide(t *testing.T) {
	tall := noise(10, 1000, 3)

	_, err := ResizeTo(tall, domain.TransformSettings{Width: 1000, AspectLocked: true})
	assert.ErrorIs(t, err, domain.ErrInvalidSettings, "height resolves to 100000")

	out, err := ResizeTo(tall, domain.TransformSettings{Width: 20, AspectLocked: true})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 2000), out.Bounds())
}

func TestResizeIsNotNearestNeighbour(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	out := Resize(src, 8, 1)
	mid := out.NRGBAAt(4, 0).R
	assert.Greater(t, mid, uint8(0))
	assert.Less(t, mid, uint8(255))
}

func TestCropClamping(t *testing.T) {
	src := noise(100, 80, 4)

	tests := []struct {
		name string
		rect domain.CropRect
		want image.Rectangle
	}{
		{name: "inside", rect: domain.CropRect{X: 10, Y: 10, Width: 20, Height: 30}, want: image.Rect(0, 0, 20, 30)},
		{name: "negative origin", rect: domain.CropRect{X: -10, Y: -10, Width: 50, Height: 50}, want: image.Rect(0, 0, 40, 40)},
		{name: "past bounds", rect: domain.CropRect{X: 80, Y: 60, Width: 50, Height: 50}, want: image.Rect(0, 0, 20, 20)},
		{name: "covers everything", rect: domain.CropRect{X: -5, Y: -5, Width: 500, Height: 500}, want: image.Rect(0, 0, 100, 80)},
		{name: "no overlap", rect: domain.CropRect{X: 500, Y: 500, Width: 10, Height: 10}, want: image.Rect(0, 0, 100, 80)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Crop(src, tt.rect)
			assert.Equal(t, tt.want, out.Bounds())
		})
	}

	out := Crop(src, domain.CropRect{X: 10, Y: 5, Width: 3, Height: 3})
	assert.Equal(t, src.NRGBAAt(10, 5), out.NRGBAAt(0, 0))
	assert.Equal(t, src.NRGBAAt(12, 7), out.NRGBAAt(2, 2))
}
