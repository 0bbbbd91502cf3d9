package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/dunamismax/pixelstudio/internal/collab"
	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/dunamismax/pixelstudio/internal/maskedit"
	"github.com/dunamismax/pixelstudio/internal/pipeline"
	"github.com/dunamismax/pixelstudio/internal/scheduler"
	"github.com/rs/zerolog"
)

// Tools are the collaborators available to editing sessions. Nil members
// make the matching tool fail with an ExternalServiceError.
type Tools struct {
	BackgroundRemover collab.BackgroundRemover
	Upscaler          collab.Upscaler
	TextRecognizer    collab.TextRecognizer
	Inpainter         collab.Inpainter
	Rasterizer        collab.Rasterizer
}

type ToolRequest struct {
	Settings    *domain.TransformSettings
	FiltersOnly bool
	Scale       int
	Width       int
	Height      int
}

type ToolResult struct {
	Tool     domain.ToolKind
	Queued   bool
	Artifact *domain.OutputArtifact
	Text     *collab.TextRecognition
}

// Session is one user's editing workspace over a single source asset.
// Collaborator tools that produce a new raster replace the working asset,
// so later pipeline runs build on their output.
type Session struct {
	ID        string
	Original  domain.SourceAsset
	CreatedAt time.Time

	processor *pipeline.Processor
	tools     Tools
	logger    zerolog.Logger
	scheduler *scheduler.Scheduler

	mu           sync.Mutex
	preview      *pipeline.Preview
	width        int
	height       int
	lastSettings *domain.TransformSettings
	surface      *maskedit.Surface
	lastUsed     time.Time
	closed       bool
	now          func() time.Time
}

// Render serves the scheduler against the current working asset.
func (s *Session) Render(ctx context.Context, settings domain.TransformSettings, filtersOnly bool, progress pipeline.ProgressFunc) (*domain.OutputArtifact, error) {
	s.mu.Lock()
	preview := s.preview
	s.mu.Unlock()
	return preview.Render(ctx, settings, filtersOnly, progress)
}

func (s *Session) Asset() domain.SourceAsset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preview.Asset()
}

func (s *Session) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func (s *Session) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Submit queues settings for the debounced preview. A filter-only request
// is downgraded to a full run when geometry, quality or format changed.
func (s *Session) Submit(settings domain.TransformSettings, filtersOnly bool) (bool, error) {
	s.mu.Lock()
	if filtersOnly && (s.lastSettings == nil || !s.lastSettings.FiltersOnlyChange(settings.Normalized())) {
		filtersOnly = false
	}
	s.mu.Unlock()

	var err error
	if filtersOnly {
		err = s.scheduler.SubmitFilters(settings)
	} else {
		err = s.scheduler.Submit(settings)
	}
	if err != nil {
		return false, err
	}

	normalized := settings.Normalized()
	s.mu.Lock()
	s.lastSettings = &normalized
	s.mu.Unlock()
	return filtersOnly, nil
}

// SizeDelta compares the visible preview with the original upload.
func (s *Session) SizeDelta() (domain.SizeDelta, bool) {
	current := s.scheduler.Current()
	if current == nil || current.Released() {
		return domain.SizeDelta{}, false
	}
	return domain.ComputeSizeDelta(s.Original.Size, current.Size), true
}

// Surface returns the mask edit surface, creating it over the decoded
// working asset on first use.
func (s *Session) Surface(ctx context.Context) (*maskedit.Surface, error) {
	s.mu.Lock()
	if s.surface != nil {
		defer s.mu.Unlock()
		return s.surface, nil
	}
	asset := s.preview.Asset()
	s.mu.Unlock()

	if s.tools.Inpainter == nil {
		return nil, &domain.ExternalServiceError{Service: "inpaint", Err: errors.New("no inpainter configured")}
	}
	base, err := s.processor.Decode(ctx, asset)
	if err != nil {
		return nil, err
	}
	surface, err := maskedit.NewSurface(base, s.tools.Inpainter, s.logger)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.surface != nil {
		surface.Close()
		return s.surface, nil
	}
	s.surface = surface
	return surface, nil
}

// RunTool dispatches a tool invocation. Pipeline tools queue a preview run;
// collaborator tools run synchronously and return their artifact.
func (s *Session) RunTool(ctx context.Context, tool domain.ToolKind, req ToolRequest) (ToolResult, error) {
	s.touch()
	result := ToolResult{Tool: tool}

	switch tool {
	case domain.ToolCompress, domain.ToolResize, domain.ToolCrop, domain.ToolConvert, domain.ToolAdjust, domain.ToolWatermark:
		if req.Settings == nil {
			return result, fmt.Errorf("%w: %s requires settings", domain.ErrInvalidSettings, tool)
		}
		filtersOnly := req.FiltersOnly || tool == domain.ToolAdjust || tool == domain.ToolWatermark
		if _, err := s.Submit(*req.Settings, filtersOnly); err != nil {
			return result, err
		}
		result.Queued = true
		return result, nil

	case domain.ToolRemoveBackground:
		if s.tools.BackgroundRemover == nil {
			return result, unavailable(tool)
		}
		base, err := s.decodeWorking(ctx)
		if err != nil {
			return result, err
		}
		out, err := s.tools.BackgroundRemover.RemoveBackground(ctx, base)
		if err != nil {
			return result, err
		}
		result.Artifact, err = s.adopt(out, true)
		return result, err

	case domain.ToolUpscale:
		if s.tools.Upscaler == nil {
			return result, unavailable(tool)
		}
		if err := collab.ValidateScale(req.Scale); err != nil {
			return result, err
		}
		base, err := s.decodeWorking(ctx)
		if err != nil {
			return result, err
		}
		if err := domain.CheckDimensions(base.Rect.Dx()*req.Scale, base.Rect.Dy()*req.Scale); err != nil {
			return result, err
		}
		out, err := s.tools.Upscaler.Upscale(ctx, base, req.Scale)
		if err != nil {
			return result, err
		}
		result.Artifact, err = s.adopt(out, true)
		return result, err

	case domain.ToolOCR:
		if s.tools.TextRecognizer == nil {
			return result, unavailable(tool)
		}
		base, err := s.decodeWorking(ctx)
		if err != nil {
			return result, err
		}
		text, err := s.tools.TextRecognizer.Recognize(ctx, base)
		if err != nil {
			return result, err
		}
		result.Text = &text
		return result, nil

	case domain.ToolInpaint:
		surface, err := s.Surface(ctx)
		if err != nil {
			return result, err
		}
		if err := surface.Commit(ctx); err != nil {
			return result, err
		}
		result.Artifact, err = s.adopt(surface.Visible(), false)
		return result, err

	case domain.ToolSVGConvert:
		if s.tools.Rasterizer == nil {
			return result, unavailable(tool)
		}
		asset := s.Asset()
		if asset.Kind != domain.AssetKindSVG {
			return result, fmt.Errorf("%w: svg_convert needs an svg source, got %s", domain.ErrInvalidSettings, asset.Kind)
		}
		if req.Width < 0 || req.Height < 0 || req.Width > domain.MaxDimension || req.Height > domain.MaxDimension {
			return result, fmt.Errorf("%w: svg_convert size must be within [0,%d]", domain.ErrInvalidSettings, domain.MaxDimension)
		}
		out, err := s.tools.Rasterizer.Rasterize(ctx, asset.Data, req.Width, req.Height)
		if err != nil {
			return result, err
		}
		result.Artifact, err = s.adopt(out, true)
		return result, err

	case domain.ToolUnknown:
		return result, fmt.Errorf("%w: unknown tool", domain.ErrInvalidSettings)
	default:
		return result, fmt.Errorf("%w: unsupported tool %d", domain.ErrInvalidSettings, int(tool))
	}
}

func unavailable(tool domain.ToolKind) error {
	return &domain.ExternalServiceError{Service: tool.String(), Err: errors.New("collaborator not configured")}
}

func (s *Session) decodeWorking(ctx context.Context) (*image.NRGBA, error) {
	return s.processor.Decode(ctx, s.Asset())
}

// adopt makes a collaborator result the new working asset. The returned
// artifact is lossless PNG and owned by the caller. resetSurface rebases an
// existing mask surface; results that came from the surface keep its history.
func (s *Session) adopt(raster *image.NRGBA, resetSurface bool) (*domain.OutputArtifact, error) {
	artifact, err := s.processor.Encode(raster, domain.FormatPNG, domain.MaxQuality)
	if err != nil {
		return nil, err
	}
	asset := domain.NewSourceAsset(s.Original.Name+".png", artifact.Bytes())

	s.mu.Lock()
	s.preview.Drop()
	s.preview = pipeline.NewPreview(s.processor, asset)
	s.width, s.height = raster.Rect.Dx(), raster.Rect.Dy()
	surface := s.surface
	last := s.lastSettings
	s.mu.Unlock()

	if resetSurface && surface != nil {
		if err := surface.Replace(raster); err != nil && !errors.Is(err, maskedit.ErrLocked) {
			return nil, err
		}
	}
	if last != nil {
		if err := s.scheduler.Submit(*last); err != nil && !errors.Is(err, scheduler.ErrClosed) {
			return nil, err
		}
	}
	s.logger.Info().Str("asset_kind", string(asset.Kind)).Int("bytes", asset.Size).Int("width", raster.Rect.Dx()).Int("height", raster.Rect.Dy()).Msg("working asset replaced")
	return artifact, nil
}

// UndoMask reverts the last inpaint commit and makes the restored layer the
// working asset.
func (s *Session) UndoMask(ctx context.Context) (*domain.OutputArtifact, error) {
	s.touch()
	surface, err := s.Surface(ctx)
	if err != nil {
		return nil, err
	}
	if err := surface.Undo(); err != nil {
		return nil, err
	}
	return s.adopt(surface.Visible(), false)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = s.now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) close() {
	s.scheduler.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.preview.Drop()
	if s.surface != nil {
		s.surface.Close()
	}
}
