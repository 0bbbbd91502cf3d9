//go:build !cgo

package pipeline

import (
	"image"
	"io"

	"github.com/dunamismax/pixelstudio/internal/domain"
)

func encodeWebP(_ io.Writer, _ image.Image, _ int) error {
	return &domain.EncodeUnsupportedError{Format: domain.FormatWebP, Reason: "webp export requires cgo"}
}
