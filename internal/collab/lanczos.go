package collab

import (
	"context"
	"image"

	"github.com/nfnt/resize"
)

// LanczosUpscaler is the offline fallback when no model or remote service is
// configured.
type LanczosUpscaler struct{}

func (LanczosUpscaler) Upscale(ctx context.Context, raster *image.NRGBA, scale int) (*image.NRGBA, error) {
	if err := ValidateScale(scale); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h := raster.Rect.Dx()*scale, raster.Rect.Dy()*scale
	return toNRGBA(resize.Resize(uint(w), uint(h), raster, resize.Lanczos3)), nil
}
