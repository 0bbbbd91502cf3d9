package pipeline

import (
	"context"
	"runtime"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"golang.org/x/sync/errgroup"
)

type BatchItem struct {
	Index    int
	Asset    domain.SourceAsset
	Artifact *domain.OutputArtifact
	Err      error
}

// Batch runs every asset independently under one settings value. A failing
// asset is reported on its item and never stops the rest.
func (p *Processor) Batch(ctx context.Context, assets []domain.SourceAsset, settings domain.TransformSettings, concurrency int) []BatchItem {
	if concurrency <= 0 {
		concurrency = max(1, runtime.NumCPU()/2)
	}

	items := make([]BatchItem, len(assets))
	var g errgroup.Group
	g.SetLimit(concurrency)

	for i, asset := range assets {
		items[i] = BatchItem{Index: i, Asset: asset}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				items[i].Err = err
				return nil
			}
			artifact, err := p.Run(ctx, asset, settings, nil)
			items[i].Artifact = artifact
			items[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	return items
}
