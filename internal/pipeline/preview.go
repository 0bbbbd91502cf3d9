package pipeline

import (
	"context"
	"image"
	"sync"

	"github.com/dunamismax/pixelstudio/internal/domain"
)

type geometryKey struct {
	width, height int
	aspectLocked  bool
	crop          domain.CropRect
	cropped       bool
}

func geometryKeyFor(s domain.TransformSettings) geometryKey {
	k := geometryKey{width: s.Width, height: s.Height, aspectLocked: s.AspectLocked}
	if s.Crop != nil {
		k.crop = *s.Crop
		k.cropped = true
	}
	return k
}

// Preview renders one source asset repeatedly, caching the decoded and
// resized base so filter-only updates skip decode and geometry. The cached
// base is never written to.
type Preview struct {
	processor *Processor
	asset     domain.SourceAsset

	mu      sync.Mutex
	base    *image.NRGBA
	baseKey geometryKey
}

func NewPreview(processor *Processor, asset domain.SourceAsset) *Preview {
	return &Preview{processor: processor, asset: asset}
}

func (pv *Preview) Asset() domain.SourceAsset {
	return pv.asset
}

// Render produces an artifact for settings. With filtersOnly set and a cached
// base for the same geometry, only filters, watermark and encode run.
func (pv *Preview) Render(ctx context.Context, settings domain.TransformSettings, filtersOnly bool, progress ProgressFunc) (*domain.OutputArtifact, error) {
	settings = settings.Normalized()
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	key := geometryKeyFor(settings)
	base := pv.cachedBase(key)
	if !filtersOnly || base == nil {
		prepared, err := pv.processor.Prepare(ctx, pv.asset, settings, progress)
		if err != nil {
			return nil, err
		}
		pv.storeBase(key, prepared)
		base = prepared
	} else {
		progress.emit(MilestoneDecoded)
	}

	return pv.processor.Finish(base, settings, progress)
}

func (pv *Preview) cachedBase(key geometryKey) *image.NRGBA {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	if pv.base == nil || pv.baseKey != key {
		return nil
	}
	return pv.base
}

func (pv *Preview) storeBase(key geometryKey, base *image.NRGBA) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	pv.base = base
	pv.baseKey = key
}

// Drop forgets the cached base.
func (pv *Preview) Drop() {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	pv.base = nil
}
