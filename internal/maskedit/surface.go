package maskedit

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/rs/zerolog"
)

var (
	ErrLocked        = errors.New("mask surface is locked while a commit is in flight")
	ErrEmptyMask     = errors.New("mask is empty")
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrStroking      = errors.New("stroke in progress")
)

type State int

const (
	StateIdle State = iota
	StateStroking
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStroking:
		return "stroking"
	case StateLocked:
		return "locked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Inpainter fills the selected region of raster. mask has the same bounds
// as raster, 255 where pixels are to be synthesized.
type Inpainter interface {
	Inpaint(ctx context.Context, raster *image.NRGBA, mask *image.Gray) (*image.NRGBA, error)
}

const DefaultBrushRadius = 12

// Surface owns the Visible layer, the Accumulation mask and the edit history
// of one editing session. All methods are safe for concurrent use, but the
// surface has a single logical writer.
type Surface struct {
	inpainter Inpainter
	logger    zerolog.Logger

	mu      sync.Mutex
	state   State
	visible *image.NRGBA
	mask    *Mask
	history *History

	radius       int
	lastX, lastY int
}

func NewSurface(base *image.NRGBA, inpainter Inpainter, logger zerolog.Logger) (*Surface, error) {
	if base == nil {
		return nil, errors.New("base raster is required")
	}
	if inpainter == nil {
		return nil, errors.New("inpainter is required")
	}
	history, err := NewHistory()
	if err != nil {
		return nil, err
	}

	visible := cloneNRGBA(base)
	return &Surface{
		inpainter: inpainter,
		logger:    logger.With().Str("component", "maskedit").Logger(),
		visible:   visible,
		mask:      NewMask(visible.Rect.Dx(), visible.Rect.Dy()),
		history:   history,
		radius:    DefaultBrushRadius,
	}, nil
}

func (s *Surface) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Surface) PointerDown(x, y, radius int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLocked {
		return ErrLocked
	}
	if radius <= 0 {
		radius = DefaultBrushRadius
	}
	s.state = StateStroking
	s.radius = radius
	s.lastX, s.lastY = x, y
	s.mask.StampDisc(x, y, radius)
	return nil
}

// PointerMove extends the current stroke. Moves outside a stroke are hover
// and change nothing.
func (s *Surface) PointerMove(x, y int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateLocked:
		return ErrLocked
	case StateIdle:
		return nil
	}
	s.mask.StampSegment(s.lastX, s.lastY, x, y, s.radius)
	s.lastX, s.lastY = x, y
	return nil
}

// PointerUp ends the stroke. The mask keeps what was painted.
func (s *Surface) PointerUp() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLocked {
		return ErrLocked
	}
	s.state = StateIdle
	return nil
}

// ClearMask empties the mask without touching Visible or history.
func (s *Surface) ClearMask() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLocked {
		return ErrLocked
	}
	s.mask.Clear()
	return nil
}

// Commit sends Visible and the accumulated mask to the inpainter. On success
// the previous Visible is pushed to history, the result becomes Visible and
// the mask is cleared. On failure nothing changes. Drawing is rejected with
// ErrLocked until the call returns.
func (s *Surface) Commit(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateLocked:
		s.mu.Unlock()
		return ErrLocked
	case StateStroking:
		s.mu.Unlock()
		return ErrStroking
	}
	if s.mask.Empty() {
		s.mu.Unlock()
		return ErrEmptyMask
	}
	s.state = StateLocked
	before := s.visible
	input := cloneNRGBA(before)
	mask := s.mask.Gray()
	s.mu.Unlock()

	result, err := s.inpainter.Inpaint(ctx, input, mask)
	if err == nil {
		err = checkResult(result, before.Rect)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	if err != nil {
		s.logger.Warn().Err(err).Msg("inpaint commit failed, visible layer kept")
		return asServiceError(err)
	}

	s.history.Push(before)
	s.visible = cloneNRGBA(result)
	s.mask.Clear()
	raw, packed := s.history.Footprint()
	s.logger.Debug().Int("history_depth", s.history.Len()).Int("history_raw_bytes", raw).Int("history_bytes", packed).Msg("inpaint committed")
	return nil
}

func checkResult(result *image.NRGBA, want image.Rectangle) error {
	if result == nil {
		return errors.New("inpainter returned no image")
	}
	if result.Rect.Dx() != want.Dx() || result.Rect.Dy() != want.Dy() {
		return fmt.Errorf("inpainter returned %dx%d, want %dx%d", result.Rect.Dx(), result.Rect.Dy(), want.Dx(), want.Dy())
	}
	return nil
}

func asServiceError(err error) error {
	var serviceErr *domain.ExternalServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	return &domain.ExternalServiceError{Service: "inpaint", Err: err}
}

// Undo restores the most recent history entry as Visible and drops the
// current mask. There is no redo.
func (s *Surface) Undo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLocked {
		return ErrLocked
	}
	prev, err := s.history.Pop()
	if err != nil {
		return err
	}
	s.visible = prev
	s.mask.Clear()
	s.state = StateIdle
	return nil
}

// Replace resets the surface onto a new base raster, dropping mask and
// history.
func (s *Surface) Replace(base *image.NRGBA) error {
	if base == nil {
		return errors.New("base raster is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLocked {
		return ErrLocked
	}
	s.visible = cloneNRGBA(base)
	s.mask = NewMask(s.visible.Rect.Dx(), s.visible.Rect.Dy())
	s.history.Reset()
	s.state = StateIdle
	return nil
}

// Visible returns a copy of the committed layer.
func (s *Surface) Visible() *image.NRGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneNRGBA(s.visible)
}

// MaskImage returns a copy of the Accumulation layer.
func (s *Surface) MaskImage() *image.Gray {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask.Gray()
}

// MaskCount is the number of selected pixels.
func (s *Surface) MaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask.Count()
}

func (s *Surface) HistoryDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Len()
}

func (s *Surface) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Close()
}
