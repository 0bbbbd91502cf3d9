package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/dunamismax/pixelstudio/internal/session"
	"github.com/go-chi/chi/v5"
)

const (
	headerFilename      = "X-Filename"
	headerOriginalBytes = "X-Original-Bytes"
	headerOutputBytes   = "X-Output-Bytes"
	headerSizeChange    = "X-Size-Change"
	headerPreviewSeq    = "X-Preview-Seq"
	headerImageWidth    = "X-Image-Width"
	headerImageHeight   = "X-Image-Height"
)

type sessionResponse struct {
	SessionID string           `json:"session_id"`
	Kind      domain.AssetKind `json:"kind"`
	Width     int              `json:"width"`
	Height    int              `json:"height"`
	Bytes     int              `json:"bytes"`
}

func newSessionResponse(sess *session.Session) sessionResponse {
	w, h := sess.Dimensions()
	return sessionResponse{
		SessionID: sess.ID,
		Kind:      sess.Original.Kind,
		Width:     w,
		Height:    h,
		Bytes:     sess.Original.Size,
	}
}

func (s *Server) session(r *http.Request) (*session.Session, error) {
	return s.sessions.Get(chi.URLParam(r, "sessionID"))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error: fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit),
				Kind:  string(domain.ErrorKindInvalid),
			})
			return
		}
		s.writeError(w, r, fmt.Errorf("%w: read upload: %v", domain.ErrInvalidSettings, err))
		return
	}

	name := strings.TrimSpace(r.Header.Get(headerFilename))
	if name == "" {
		name = "upload"
	}

	sess, err := s.sessions.Create(r.Context(), name, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(chi.URLParam(r, "sessionID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubmitSettings queues a preview run. ?mode=filters asks for a
// filters-only rerun; it is downgraded to a full run when geometry, crop or
// format changed since the last submission.
func (s *Server) handleSubmitSettings(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var settings domain.TransformSettings
	if err := decodeJSON(r, &settings); err != nil {
		s.writeError(w, r, err)
		return
	}

	filtersOnly, err := sess.Submit(settings, r.URL.Query().Get("mode") == "filters")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	mode := "full"
	if filtersOnly {
		mode = "filters"
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"mode":   mode,
		"issued": sess.Scheduler().Status().Issued,
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := sess.Scheduler().Status()
	current := sess.Scheduler().Current()
	data := current.Bytes()
	if current == nil || data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if delta, ok := sess.SizeDelta(); ok {
		w.Header().Set(headerOriginalBytes, strconv.Itoa(delta.OriginalBytes))
		w.Header().Set(headerOutputBytes, strconv.Itoa(delta.OutputBytes))
		w.Header().Set(headerSizeChange, strconv.FormatFloat(delta.PercentChange, 'f', 1, 64))
	}
	w.Header().Set(headerPreviewSeq, strconv.FormatUint(status.Applied, 10))
	writeArtifact(w, http.StatusOK, current, data)
}

type statusResponse struct {
	Progress  string            `json:"progress,omitempty"`
	Issued    uint64            `json:"issued"`
	Applied   uint64            `json:"applied"`
	Pending   bool              `json:"pending"`
	Error     string            `json:"error,omitempty"`
	ErrorKind domain.ErrorKind  `json:"error_kind,omitempty"`
	SizeDelta *domain.SizeDelta `json:"size_delta,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := sess.Scheduler().Status()
	resp := statusResponse{
		Progress: string(status.Progress),
		Issued:   status.Issued,
		Applied:  status.Applied,
		Pending:  status.Pending,
	}
	if status.LastError != nil {
		resp.Error = status.LastError.Error()
		resp.ErrorKind = domain.Classify(status.LastError)
	}
	if delta, ok := sess.SizeDelta(); ok {
		resp.SizeDelta = &delta
	}
	writeJSON(w, http.StatusOK, resp)
}

type eventMessage struct {
	Seq       uint64           `json:"seq"`
	Milestone string           `json:"milestone,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind domain.ErrorKind `json:"error_kind,omitempty"`
}

// handleEvents streams scheduler events as server-sent events until the
// client disconnects or the session closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.New("streaming unsupported"))
		return
	}

	events, unsubscribe := sess.Scheduler().Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := eventMessage{Seq: ev.Seq, Milestone: string(ev.Milestone)}
			if ev.Err != nil {
				msg.Error = ev.Err.Error()
				msg.ErrorKind = domain.Classify(ev.Err)
			}
			body, _ := json.Marshal(msg)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, body)
			flusher.Flush()
		}
	}
}

func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tool, err := domain.ParseToolKind(chi.URLParam(r, "tool"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	req, err := toolRequest(r, tool)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.toolTimeout)
	defer cancel()
	result, err := sess.RunTool(ctx, tool, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.toolRuns.WithLabelValues(tool.String()).Inc()

	switch {
	case result.Queued:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"tool":   tool.String(),
			"queued": true,
			"issued": sess.Scheduler().Status().Issued,
		})
	case result.Text != nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"tool":       tool.String(),
			"text":       result.Text.Text,
			"confidence": result.Text.Confidence,
		})
	case result.Artifact != nil:
		defer result.Artifact.Release()
		writeArtifact(w, http.StatusOK, result.Artifact, result.Artifact.Bytes())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// toolRequest reads tool parameters: pipeline tools take TransformSettings
// as the JSON body; collaborator tools take query parameters.
func toolRequest(r *http.Request, tool domain.ToolKind) (session.ToolRequest, error) {
	req := session.ToolRequest{FiltersOnly: r.URL.Query().Get("mode") == "filters"}
	if tool.UsesPipeline() {
		var settings domain.TransformSettings
		if err := decodeJSON(r, &settings); err != nil {
			return req, err
		}
		req.Settings = &settings
		return req, nil
	}

	for name, dst := range map[string]*int{"scale": &req.Scale, "width": &req.Width, "height": &req.Height} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return req, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidSettings, name)
		}
		*dst = v
	}
	return req, nil
}

func writeArtifact(w http.ResponseWriter, status int, artifact *domain.OutputArtifact, data []byte) {
	w.Header().Set("Content-Type", artifact.Format.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(headerImageWidth, strconv.Itoa(artifact.Width))
	w.Header().Set(headerImageHeight, strconv.Itoa(artifact.Height))
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
