//go:build !gocv

package collab

import (
	"context"
	"errors"
	"image"

	"github.com/dunamismax/pixelstudio/internal/domain"
)

type OpenCVInpainter struct {
	Radius float32
}

func NewOpenCVInpainter() *OpenCVInpainter {
	return &OpenCVInpainter{Radius: 5}
}

func (p *OpenCVInpainter) Inpaint(_ context.Context, raster *image.NRGBA, mask *image.Gray) (*image.NRGBA, error) {
	if err := ValidateMask(raster, mask); err != nil {
		return nil, err
	}
	return nil, &domain.ExternalServiceError{Service: "inpaint", Err: errors.New("built without OpenCV support (use -tags gocv)")}
}
