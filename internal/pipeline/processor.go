package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Milestone string

const (
	MilestoneDecoded     Milestone = "decoded"
	MilestoneTransformed Milestone = "transformed"
	MilestoneEncoded     Milestone = "encoded"
)

type ProgressFunc func(Milestone)

func (f ProgressFunc) emit(m Milestone) {
	if f != nil {
		f(m)
	}
}

// Processor runs normalize -> crop -> resize -> filters -> watermark ->
// encode. Each run owns its rasters; nothing is shared across runs.
type Processor struct {
	normalizer *Normalizer
	encoder    Encoder
	tracer     trace.Tracer
}

func NewProcessor(bridge Bridge) *Processor {
	if bridge == nil {
		bridge = DefaultBridge()
	}
	return &Processor{
		normalizer: NewNormalizer(bridge),
		encoder:    newEncoder(),
		tracer:     otel.Tracer("pixelstudio/pipeline"),
	}
}

func (p *Processor) Run(ctx context.Context, asset domain.SourceAsset, settings domain.TransformSettings, progress ProgressFunc) (*domain.OutputArtifact, error) {
	settings = settings.Normalized()
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.run")
	span.SetAttributes(
		attribute.String("asset.kind", string(asset.Kind)),
		attribute.Int("asset.bytes", asset.Size),
		attribute.String("output.format", string(settings.Format)),
	)
	defer span.End()

	base, err := p.Prepare(ctx, asset, settings, progress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		return nil, err
	}

	out, err := p.Finish(base, settings, progress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "finish failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("output.bytes", out.Size))
	return out, nil
}

// Prepare decodes and applies geometry. The returned raster is not modified
// by Finish and may be reused for filter-only previews.
func (p *Processor) Prepare(ctx context.Context, asset domain.SourceAsset, settings domain.TransformSettings, progress ProgressFunc) (*image.NRGBA, error) {
	raster, err := p.normalizer.Normalize(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("decode stage: %w", err)
	}
	progress.emit(MilestoneDecoded)

	if settings.Crop != nil {
		raster = Crop(raster, *settings.Crop)
	}
	resized, err := ResizeTo(raster, settings)
	if err != nil {
		return nil, fmt.Errorf("resize stage: %w", err)
	}
	return resized, nil
}

// Finish applies filters and the watermark to a copy of base and encodes it.
func (p *Processor) Finish(base *image.NRGBA, settings domain.TransformSettings, progress ProgressFunc) (*domain.OutputArtifact, error) {
	raster := cloneNRGBA(base)
	if settings.Adjustments != nil {
		ApplyAdjustments(raster, *settings.Adjustments)
	}
	ApplyWatermark(raster, settings.Watermark)
	progress.emit(MilestoneTransformed)

	out, err := p.encoder.Encode(raster, settings.Format, settings.Quality)
	if err != nil {
		return nil, fmt.Errorf("encode stage format=%s: %w", settings.Format, err)
	}
	progress.emit(MilestoneEncoded)
	return out, nil
}

// Decode exposes the normalizer for callers that need the raw raster, such as
// the mask edit surface.
func (p *Processor) Decode(ctx context.Context, asset domain.SourceAsset) (*image.NRGBA, error) {
	return p.normalizer.Normalize(ctx, asset)
}

// Encode exposes the configured encoder.
func (p *Processor) Encode(img image.Image, format domain.Format, quality int) (*domain.OutputArtifact, error) {
	return p.encoder.Encode(img, format, quality)
}
