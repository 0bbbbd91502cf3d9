// Package collab holds the contracts for services the engine delegates to
// (background removal, upscaling, OCR, inpainting, format bridging and SVG
// rasterization) and the implementations the binaries wire in.
package collab

import (
	"context"
	"fmt"
	"image"
	"image/draw"

	"github.com/dunamismax/pixelstudio/internal/domain"
)

type BackgroundRemover interface {
	RemoveBackground(ctx context.Context, raster *image.NRGBA) (*image.NRGBA, error)
}

// Upscaler enlarges a raster by scale, which is 2 or 4.
type Upscaler interface {
	Upscale(ctx context.Context, raster *image.NRGBA, scale int) (*image.NRGBA, error)
}

type TextRecognition struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type TextRecognizer interface {
	Recognize(ctx context.Context, raster *image.NRGBA) (TextRecognition, error)
}

// Inpainter synthesizes the pixels selected by mask (non-zero) and returns a
// raster with the same dimensions.
type Inpainter interface {
	Inpaint(ctx context.Context, raster *image.NRGBA, mask *image.Gray) (*image.NRGBA, error)
}

// Rasterizer renders vector input at the requested size. Zero dimensions
// keep the document's intrinsic size.
type Rasterizer interface {
	Rasterize(ctx context.Context, svg []byte, width, height int) (*image.NRGBA, error)
}

func ValidateScale(scale int) error {
	if scale != 2 && scale != 4 {
		return fmt.Errorf("%w: upscale factor must be 2 or 4, got %d", domain.ErrInvalidSettings, scale)
	}
	return nil
}

func ValidateMask(raster *image.NRGBA, mask *image.Gray) error {
	if raster == nil || mask == nil {
		return fmt.Errorf("%w: raster and mask are required", domain.ErrInvalidSettings)
	}
	if raster.Rect.Dx() != mask.Rect.Dx() || raster.Rect.Dy() != mask.Rect.Dy() {
		return fmt.Errorf("%w: mask is %dx%d, raster is %dx%d", domain.ErrInvalidSettings,
			mask.Rect.Dx(), mask.Rect.Dy(), raster.Rect.Dx(), raster.Rect.Dy())
	}
	return nil
}

// ValidateOutput checks a collaborator result against the expected
// dimensions. A violation is the service's fault.
func ValidateOutput(service string, out *image.NRGBA, wantW, wantH int) error {
	if out == nil {
		return &domain.ExternalServiceError{Service: service, Err: fmt.Errorf("empty result")}
	}
	if out.Rect.Dx() != wantW || out.Rect.Dy() != wantH {
		return &domain.ExternalServiceError{
			Service: service,
			Err:     fmt.Errorf("result is %dx%d, want %dx%d", out.Rect.Dx(), out.Rect.Dy(), wantW, wantH),
		}
	}
	return nil
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
