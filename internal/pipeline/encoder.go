package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/dunamismax/pixelstudio/internal/domain"
)

// Encoder turns a raster into an OutputArtifact. Quality is ignored for
// formats without a lossy mode.
type Encoder interface {
	Encode(img image.Image, format domain.Format, quality int) (*domain.OutputArtifact, error)
}

type stdlibEncoder struct{}

func (stdlibEncoder) Encode(img image.Image, format domain.Format, quality int) (*domain.OutputArtifact, error) {
	var buf bytes.Buffer
	quality = normalizeQuality(quality)

	switch format {
	case domain.FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case domain.FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case domain.FormatWebP:
		if err := encodeWebP(&buf, img, quality); err != nil {
			return nil, err
		}
	default:
		return nil, &domain.EncodeUnsupportedError{Format: format}
	}

	b := img.Bounds()
	return domain.NewOutputArtifact(buf.Bytes(), b.Dx(), b.Dy(), format), nil
}

func normalizeQuality(quality int) int {
	if quality < domain.MinQuality || quality > domain.MaxQuality {
		return domain.DefaultQuality
	}
	return quality
}
