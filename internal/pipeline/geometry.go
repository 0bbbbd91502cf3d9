package pipeline

import (
	"image"
	"image/draw"

	"github.com/dunamismax/pixelstudio/internal/domain"
	xdraw "golang.org/x/image/draw"
)

// Resize resamples with Catmull-Rom. Zero on both sides, or the native size,
// passes the raster through as a copy.
func Resize(src *image.NRGBA, width, height int) *image.NRGBA {
	b := src.Bounds()
	if (width == 0 && height == 0) || (width == b.Dx() && height == b.Dy()) {
		return cloneNRGBA(src)
	}
	if width <= 0 {
		width = b.Dx()
	}
	if height <= 0 {
		height = b.Dy()
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

// ResizeTo applies the settings' dimensions and aspect lock. The resolved
// size is checked against the raster limits, since an aspect-locked side can
// grow past them even when the requested one is in range.
func ResizeTo(src *image.NRGBA, settings domain.TransformSettings) (*image.NRGBA, error) {
	w, h := settings.ResolveDimensions(src.Bounds().Dx(), src.Bounds().Dy())
	if err := domain.CheckDimensions(w, h); err != nil {
		return nil, err
	}
	return Resize(src, w, h), nil
}

// Crop clamps rect to the source bounds. A rect with no overlap leaves the
// raster uncropped.
func Crop(src *image.NRGBA, rect domain.CropRect) *image.NRGBA {
	bounds := src.Bounds()
	r := image.Rect(rect.X, rect.Y, rect.X+rect.Width, rect.Y+rect.Height).
		Add(bounds.Min).
		Intersect(bounds)
	if r.Empty() {
		return cloneNRGBA(src)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}
