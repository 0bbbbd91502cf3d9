package api

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strconv"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/dunamismax/pixelstudio/internal/maskedit"
	"github.com/dunamismax/pixelstudio/internal/session"
)

type strokePoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type stroke struct {
	Radius int           `json:"radius,omitempty"`
	Points []strokePoint `json:"points"`
}

type strokesRequest struct {
	Strokes []stroke `json:"strokes"`
}

const (
	maxStrokePoints = 10_000
	maxBrushRadius  = 1024
)

func (s *Server) surface(w http.ResponseWriter, r *http.Request) (*maskedit.Surface, bool) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	surface, err := sess.Surface(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return surface, true
}

// handleMaskStrokes replays pointer strokes onto the mask. Each stroke is a
// press at its first point, moves through the rest and a release.
func (s *Server) handleMaskStrokes(w http.ResponseWriter, r *http.Request) {
	var req strokesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	total := 0
	for i, st := range req.Strokes {
		if len(st.Points) == 0 {
			s.writeError(w, r, fmt.Errorf("%w: strokes[%d] has no points", domain.ErrInvalidSettings, i))
			return
		}
		if st.Radius < 0 || st.Radius > maxBrushRadius {
			s.writeError(w, r, fmt.Errorf("%w: strokes[%d] radius must be within [0,%d]", domain.ErrInvalidSettings, i, maxBrushRadius))
			return
		}
		total += len(st.Points)
	}
	if total > maxStrokePoints {
		s.writeError(w, r, fmt.Errorf("%w: more than %d stroke points", domain.ErrInvalidSettings, maxStrokePoints))
		return
	}

	surface, ok := s.surface(w, r)
	if !ok {
		return
	}
	for _, st := range req.Strokes {
		if err := applyStroke(surface, st); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"mask_pixels": surface.MaskCount()})
}

func applyStroke(surface *maskedit.Surface, st stroke) error {
	first := st.Points[0]
	if err := surface.PointerDown(first.X, first.Y, st.Radius); err != nil {
		return err
	}
	for _, p := range st.Points[1:] {
		if err := surface.PointerMove(p.X, p.Y); err != nil {
			return err
		}
	}
	return surface.PointerUp()
}

func (s *Server) handleMaskClear(w http.ResponseWriter, r *http.Request) {
	surface, ok := s.surface(w, r)
	if !ok {
		return
	}
	if err := surface.ClearMask(); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"mask_pixels": 0})
}

func (s *Server) handleMaskCommit(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.toolTimeout)
	defer cancel()

	result, err := sess.RunTool(ctx, domain.ToolInpaint, session.ToolRequest{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer result.Artifact.Release()
	s.metrics.toolRuns.WithLabelValues(domain.ToolInpaint.String()).Inc()
	writeArtifact(w, http.StatusOK, result.Artifact, result.Artifact.Bytes())
}

func (s *Server) handleMaskUndo(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	artifact, err := sess.UndoMask(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer artifact.Release()
	writeArtifact(w, http.StatusOK, artifact, artifact.Bytes())
}

func (s *Server) handleMaskVisible(w http.ResponseWriter, r *http.Request) {
	surface, ok := s.surface(w, r)
	if !ok {
		return
	}
	w.Header().Set("X-History-Depth", strconv.Itoa(surface.HistoryDepth()))
	s.writePNG(w, r, surface.Visible())
}

func (s *Server) handleMaskImage(w http.ResponseWriter, r *http.Request) {
	surface, ok := s.surface(w, r)
	if !ok {
		return
	}
	w.Header().Set("X-Mask-Pixels", strconv.Itoa(surface.MaskCount()))
	s.writePNG(w, r, surface.MaskImage())
}

func (s *Server) writePNG(w http.ResponseWriter, r *http.Request, img image.Image) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		s.writeError(w, r, fmt.Errorf("encode png: %w", err))
		return
	}
	b := img.Bounds()
	w.Header().Set("Content-Type", domain.FormatPNG.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set(headerImageWidth, strconv.Itoa(b.Dx()))
	w.Header().Set(headerImageHeight, strconv.Itoa(b.Dy()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
