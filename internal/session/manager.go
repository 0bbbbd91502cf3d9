package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/dunamismax/pixelstudio/internal/id"
	"github.com/dunamismax/pixelstudio/internal/pipeline"
	"github.com/dunamismax/pixelstudio/internal/scheduler"
	"github.com/rs/zerolog"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many active sessions")
)

const DefaultTTL = 30 * time.Minute

type Config struct {
	TTL            time.Duration
	MaxSessions    int
	FullDebounce   time.Duration
	FilterDebounce time.Duration
	Clock          scheduler.Clock
}

// Manager is the registry of live editing sessions. Idle sessions expire
// after the TTL and are closed, releasing their preview artifacts.
type Manager struct {
	processor *pipeline.Processor
	tools     Tools
	cfg       Config
	logger    zerolog.Logger
	metrics   *scheduler.Metrics
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(processor *pipeline.Processor, tools Tools, cfg Config, metrics *scheduler.Metrics, logger zerolog.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Manager{
		processor: processor,
		tools:     tools,
		cfg:       cfg,
		logger:    logger.With().Str("component", "session").Logger(),
		metrics:   metrics,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
}

// Create opens a session over an uploaded asset. Raster kinds are decoded
// once up front so unreadable uploads fail here with a DecodeError.
func (m *Manager) Create(ctx context.Context, name string, data []byte) (*Session, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", domain.ErrInvalidSettings)
	}
	asset := domain.NewSourceAsset(name, data)

	var width, height int
	switch asset.Kind {
	case domain.AssetKindSVG:
	case domain.AssetKindUnknown:
		return nil, &domain.DecodeError{Asset: name, Kind: asset.Kind, Err: errors.New("unrecognized image format")}
	default:
		raster, err := m.processor.Decode(ctx, asset)
		if err != nil {
			return nil, err
		}
		width, height = raster.Rect.Dx(), raster.Rect.Dy()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}

	sid := id.NewSession()
	logger := m.logger.With().Str("session_id", sid).Logger()
	now := m.now()
	s := &Session{
		ID:        sid,
		Original:  asset,
		CreatedAt: now,
		processor: m.processor,
		tools:     m.tools,
		logger:    logger,
		preview:   pipeline.NewPreview(m.processor, asset),
		width:     width,
		height:    height,
		lastUsed:  now,
		now:       m.now,
	}
	s.scheduler = scheduler.New(s, scheduler.Options{
		FullDebounce:   m.cfg.FullDebounce,
		FilterDebounce: m.cfg.FilterDebounce,
		Clock:          m.cfg.Clock,
		Logger:         logger,
		Metrics:        m.metrics,
	})
	m.sessions[sid] = s

	logger.Info().Str("asset_kind", string(asset.Kind)).Int("bytes", asset.Size).Int("width", width).Int("height", height).Msg("session created")
	return s, nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.touch()
	return s, nil
}

func (m *Manager) Delete(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.close()
	s.logger.Info().Msg("session closed")
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep closes sessions idle for longer than the TTL and reports how many
// were removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.cfg.TTL)

	m.mu.Lock()
	var expired []*Session
	for sid, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, sid)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.close()
		s.logger.Info().Msg("session expired")
	}
	return len(expired)
}

// Run sweeps expired sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := max(time.Second, m.cfg.TTL/4)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug().Int("expired", n).Msg("session sweep")
			}
		}
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
