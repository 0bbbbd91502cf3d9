package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"

	"github.com/dunamismax/pixelstudio/internal/domain"
	_ "golang.org/x/image/webp"
)

// Bridge re-encodes a foreign container (HEIC) into a baseline format the
// normalizer can decode.
type Bridge interface {
	Convert(ctx context.Context, data []byte) ([]byte, error)
}

type Normalizer struct {
	bridge Bridge
}

func NewNormalizer(bridge Bridge) *Normalizer {
	return &Normalizer{bridge: bridge}
}

// Normalize decodes an asset into a fresh NRGBA raster owned by the caller.
func (n *Normalizer) Normalize(ctx context.Context, asset domain.SourceAsset) (*image.NRGBA, error) {
	if len(asset.Data) == 0 {
		return nil, &domain.DecodeError{Asset: asset.Name, Kind: asset.Kind, Err: errors.New("empty input")}
	}

	data := asset.Data
	switch asset.Kind {
	case domain.AssetKindJPEG, domain.AssetKindPNG, domain.AssetKindWebP, domain.AssetKindUnknown:
	case domain.AssetKindHEIC:
		converted, err := n.bridgeConvert(ctx, data)
		if err != nil {
			return nil, &domain.DecodeError{Asset: asset.Name, Kind: asset.Kind, Err: err}
		}
		data = converted
	case domain.AssetKindSVG:
		return nil, &domain.DecodeError{Asset: asset.Name, Kind: asset.Kind, Err: errors.New("vector input requires the svg_convert tool")}
	default:
		return nil, &domain.DecodeError{Asset: asset.Name, Kind: asset.Kind, Err: fmt.Errorf("unsupported kind %q", asset.Kind)}
	}

	// Headers are checked before the full decode so a small file declaring a
	// huge raster is refused without allocating it.
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		if err := domain.CheckDimensions(cfg.Width, cfg.Height); err != nil {
			return nil, &domain.DecodeError{Asset: asset.Name, Kind: asset.Kind, Err: err}
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &domain.DecodeError{Asset: asset.Name, Kind: asset.Kind, Err: err}
	}
	raster := toNRGBA(img)
	if raster.Rect.Dx() == 0 || raster.Rect.Dy() == 0 {
		return nil, &domain.DecodeError{Asset: asset.Name, Kind: asset.Kind, Err: errors.New("image has no pixels")}
	}
	return raster, nil
}

func (n *Normalizer) bridgeConvert(ctx context.Context, data []byte) ([]byte, error) {
	if n.bridge == nil {
		return nil, fmt.Errorf("%w: no bridge configured", domain.ErrBridgeUnavailable)
	}
	out, err := n.bridge.Convert(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBridgeUnavailable, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty bridge output", domain.ErrBridgeUnavailable)
	}
	return out, nil
}

// toNRGBA copies src into a zero-origin NRGBA buffer.
func toNRGBA(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func cloneNRGBA(src *image.NRGBA) *image.NRGBA {
	dst := &image.NRGBA{
		Pix:    make([]uint8, len(src.Pix)),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
	copy(dst.Pix, src.Pix)
	return dst
}
