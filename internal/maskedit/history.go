package maskedit

import (
	"fmt"
	"image"

	"github.com/klauspost/compress/zstd"
)

type snapshot struct {
	width, height int
	data          []byte
}

// History is a push/pop stack of committed Visible layers. Snapshots are
// stored zstd-compressed; entries are never modified after push.
type History struct {
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	snapshots []snapshot
	rawBytes  int
	packed    int
}

func NewHistory() (*History, error) {
	enc, err := zstd.NewWriter(
		nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithLowerEncoderMem(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create history encoder: %w", err)
	}
	dec, err := zstd.NewReader(
		nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
	)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create history decoder: %w", err)
	}
	return &History{enc: enc, dec: dec}, nil
}

func (h *History) Push(img *image.NRGBA) {
	flat := cloneNRGBA(img)
	h.snapshots = append(h.snapshots, snapshot{
		width:  flat.Rect.Dx(),
		height: flat.Rect.Dy(),
		data:   h.enc.EncodeAll(flat.Pix, nil),
	})
	h.rawBytes += len(flat.Pix)
	h.packed += len(h.snapshots[len(h.snapshots)-1].data)
}

func (h *History) Pop() (*image.NRGBA, error) {
	if len(h.snapshots) == 0 {
		return nil, ErrNothingToUndo
	}
	last := h.snapshots[len(h.snapshots)-1]

	pix, err := h.dec.DecodeAll(last.data, make([]byte, 0, last.width*last.height*4))
	if err != nil {
		return nil, fmt.Errorf("decode history snapshot: %w", err)
	}
	if len(pix) != last.width*last.height*4 {
		return nil, fmt.Errorf("history snapshot size mismatch: got %d bytes for %dx%d", len(pix), last.width, last.height)
	}

	h.snapshots = h.snapshots[:len(h.snapshots)-1]
	h.rawBytes -= len(pix)
	h.packed -= len(last.data)
	return &image.NRGBA{
		Pix:    pix,
		Stride: last.width * 4,
		Rect:   image.Rect(0, 0, last.width, last.height),
	}, nil
}

func (h *History) Len() int { return len(h.snapshots) }

// Footprint reports raw and compressed bytes held.
func (h *History) Footprint() (raw, compressed int) {
	return h.rawBytes, h.packed
}

func (h *History) Reset() {
	h.snapshots = nil
	h.rawBytes = 0
	h.packed = 0
}

func (h *History) Close() {
	h.Reset()
	h.enc.Close()
	h.dec.Close()
}
