package pipeline

import (
	"context"
	"testing"

	"github.com/dunamismax/pixelstudio/internal/domain"
)

func BenchmarkProcessorResize(b *testing.B) {
	asset := domain.NewSourceAsset("bench.png", buildTestPNG(b, 1920, 1080))
	processor := NewProcessor(nil)
	settings := domain.TransformSettings{Width: 640, AspectLocked: true, Quality: 82, Format: domain.FormatJPEG}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := processor.Run(context.Background(), asset, settings, nil); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

func BenchmarkFilterStages(b *testing.B) {
	base := noise(1920, 1080, 11)
	adj := domain.Adjustments{Brightness: 10, Contrast: 15, Saturation: -20, Temperature: 30, Sharpness: 40, Vignette: 50}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		img := cloneNRGBA(base)
		ApplyAdjustments(img, adj)
	}
}

func BenchmarkProcessorWatermark(b *testing.B) {
	asset := domain.NewSourceAsset("bench.png", buildTestPNG(b, 1920, 1080))
	processor := NewProcessor(nil)
	settings := domain.TransformSettings{
		Quality: 90,
		Format:  domain.FormatPNG,
		Watermark: &domain.Watermark{
			Text:     "PixelStudio",
			Opacity:  0.75,
			FontSize: 32,
			Anchor:   domain.AnchorBottomRight,
		},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := processor.Run(context.Background(), asset, settings, nil); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}
