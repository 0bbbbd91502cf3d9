//go:build gocv

package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"gocv.io/x/gocv"
)

// OpenCVInpainter fills masked regions locally with the Telea method. The
// source alpha channel is carried over unchanged.
type OpenCVInpainter struct {
	Radius float32
}

func NewOpenCVInpainter() *OpenCVInpainter {
	return &OpenCVInpainter{Radius: 5}
}

func (p *OpenCVInpainter) Inpaint(ctx context.Context, raster *image.NRGBA, mask *image.Gray) (*image.NRGBA, error) {
	if err := ValidateMask(raster, mask); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := p.inpaint(raster, mask)
	if err != nil {
		return nil, &domain.ExternalServiceError{Service: "inpaint", Err: err}
	}
	if err := ValidateOutput("inpaint", out, raster.Rect.Dx(), raster.Rect.Dy()); err != nil {
		return nil, err
	}
	for i := 3; i < len(out.Pix); i += 4 {
		y := (i / 4) / out.Rect.Dx()
		x := (i / 4) % out.Rect.Dx()
		out.Pix[i] = raster.Pix[y*raster.Stride+x*4+3]
	}
	return out, nil
}

func (p *OpenCVInpainter) inpaint(raster *image.NRGBA, mask *image.Gray) (*image.NRGBA, error) {
	srcPNG, err := encodePNG(raster)
	if err != nil {
		return nil, err
	}
	maskPNG, err := encodePNG(mask)
	if err != nil {
		return nil, err
	}

	src, err := gocv.IMDecode(srcPNG, gocv.IMReadColor)
	if err != nil || src.Empty() {
		return nil, fmt.Errorf("load raster into opencv: %v", err)
	}
	defer src.Close()

	m, err := gocv.IMDecode(maskPNG, gocv.IMReadGrayScale)
	if err != nil || m.Empty() {
		return nil, fmt.Errorf("load mask into opencv: %v", err)
	}
	defer m.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	radius := p.Radius
	if radius <= 0 {
		radius = 5
	}
	gocv.Inpaint(src, m, &dst, radius, gocv.Telea)
	if dst.Empty() {
		return nil, errors.New("opencv inpaint produced no output")
	}

	encoded, err := gocv.IMEncode(gocv.PNGFileExt, dst)
	if err != nil {
		return nil, fmt.Errorf("encode opencv result: %w", err)
	}
	defer encoded.Close()

	img, err := png.Decode(bytes.NewReader(encoded.GetBytes()))
	if err != nil {
		return nil, fmt.Errorf("decode opencv result: %w", err)
	}
	return toNRGBA(img), nil
}
