//go:build govips && cgo

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/pixelstudio/internal/domain"
)

type govipsEncoder struct{}

func (govipsEncoder) Encode(img image.Image, format domain.Format, quality int) (*domain.OutputArtifact, error) {
	var raw bytes.Buffer
	if err := (&png.Encoder{CompressionLevel: png.NoCompression}).Encode(&raw, img); err != nil {
		return nil, fmt.Errorf("stage raster for libvips: %w", err)
	}

	ref, err := vips.NewImageFromBuffer(raw.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load raster into libvips: %w", err)
	}
	defer ref.Close()

	data, err := exportGovipsImage(ref, format, normalizeQuality(quality))
	if err != nil {
		return nil, err
	}
	return domain.NewOutputArtifact(data, ref.Width(), ref.Height(), format), nil
}

func exportGovipsImage(img *vips.ImageRef, format domain.Format, quality int) ([]byte, error) {
	switch format {
	case domain.FormatJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = quality
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case domain.FormatPNG:
		data, _, err := img.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case domain.FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = quality
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	default:
		return nil, &domain.EncodeUnsupportedError{Format: format}
	}
}

// VipsBridge converts HEIC/HEIF containers through libheif-enabled libvips.
type VipsBridge struct{}

func (VipsBridge) Convert(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if vips.DetermineImageType(data) != vips.ImageTypeHEIF {
		return nil, fmt.Errorf("input is not a heif container")
	}

	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("load heif: %w", err)
	}
	defer ref.Close()

	out, _, err := ref.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("export png: %w", err)
	}
	return out, nil
}
