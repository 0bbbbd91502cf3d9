package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/dunamismax/pixelstudio/internal/maskedit"
	"github.com/dunamismax/pixelstudio/internal/queue"
	"github.com/dunamismax/pixelstudio/internal/session"
	"github.com/dunamismax/pixelstudio/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPresignTTL     = 15 * time.Minute
	defaultMaxUploadBytes = 50 << 20
	defaultToolTimeout    = 90 * time.Second
)

type queueEnqueuer interface {
	EnqueueBatch(ctx context.Context, payload queue.BatchPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type Options struct {
	Logger         zerolog.Logger
	Sessions       *session.Manager
	Queue          queueEnqueuer
	JobStore       store.JobStore
	Storage        objectStorage
	RateLimiter    RateLimiter
	Tracer         trace.Tracer
	PresignTTL     time.Duration
	MaxUploadBytes int64
	ToolTimeout    time.Duration
	UserIDHeader   string
}

type Server struct {
	logger         zerolog.Logger
	sessions       *session.Manager
	queueClient    queueEnqueuer
	jobStore       store.JobStore
	storage        objectStorage
	rateLimiter    RateLimiter
	tracer         trace.Tracer
	metrics        *metrics
	presignTTL     time.Duration
	maxUploadBytes int64
	toolTimeout    time.Duration
	userIDHeader   string
	router         chi.Router
	now            func() time.Time
}

func NewServer(opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = defaultPresignTTL
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = defaultToolTimeout
	}
	if opts.UserIDHeader == "" {
		opts.UserIDHeader = "X-User-ID"
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}

	s := &Server{
		logger:         opts.Logger,
		sessions:       opts.Sessions,
		queueClient:    opts.Queue,
		jobStore:       opts.JobStore,
		storage:        opts.Storage,
		rateLimiter:    opts.RateLimiter,
		tracer:         opts.Tracer,
		metrics:        newMetrics(),
		presignTTL:     opts.PresignTTL,
		maxUploadBytes: opts.MaxUploadBytes,
		toolTimeout:    opts.ToolTimeout,
		userIDHeader:   opts.UserIDHeader,
		now:            time.Now,
	}
	s.router = s.routes()
	return s
}

// SetSessions attaches the session manager after construction, for callers
// whose manager publishes on this server's registry. It must be called before
// the handler serves traffic.
func (s *Server) SetSessions(m *session.Manager) {
	s.sessions = m
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		s.withRequestLogging,
		middleware.Recoverer,
		s.metrics.withHTTPMetrics,
		s.withTracing,
		s.withRateLimit,
	)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metrics.metricsHandler())

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Put("/settings", s.handleSubmitSettings)
			r.Get("/preview", s.handlePreview)
			r.Get("/status", s.handleStatus)
			r.Get("/events", s.handleEvents)
			r.Post("/tools/{tool}", s.handleRunTool)
			r.Route("/mask", func(r chi.Router) {
				r.Get("/", s.handleMaskImage)
				r.Post("/strokes", s.handleMaskStrokes)
				r.Post("/clear", s.handleMaskClear)
				r.Post("/commit", s.handleMaskCommit)
				r.Post("/undo", s.handleMaskUndo)
				r.Get("/visible", s.handleMaskVisible)
			})
		})
	})

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/{jobID}", s.handleGetJob)
		r.Post("/{jobID}/start", s.handleStartJob)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrInvalidSettings, err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: invalid JSON body: multiple JSON values are not allowed", domain.ErrInvalidSettings)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps err onto a status code and the error taxonomy. Internal
// failures are logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classifyError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, store.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, maskedit.ErrLocked), errors.Is(err, maskedit.ErrStroking), errors.Is(err, maskedit.ErrNothingToUndo):
		return http.StatusConflict, "conflict"
	case errors.Is(err, maskedit.ErrEmptyMask):
		return http.StatusBadRequest, string(domain.ErrorKindInvalid)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}

	kind := domain.Classify(err)
	switch kind {
	case domain.ErrorKindDecode, domain.ErrorKindBridge:
		return http.StatusUnprocessableEntity, string(kind)
	case domain.ErrorKindEncodeUnsupported:
		return http.StatusUnsupportedMediaType, string(kind)
	case domain.ErrorKindExternalService:
		return http.StatusBadGateway, string(kind)
	case domain.ErrorKindInvalid:
		return http.StatusBadRequest, string(kind)
	default:
		return http.StatusInternalServerError, string(domain.ErrorKindInternal)
	}
}
