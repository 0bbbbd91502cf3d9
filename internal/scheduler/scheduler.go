package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/dunamismax/pixelstudio/internal/pipeline"
	"github.com/rs/zerolog"
)

const (
	DefaultFullDebounce   = 500 * time.Millisecond
	DefaultFilterDebounce = 150 * time.Millisecond

	subscriberBuffer = 32
)

var (
	ErrClosed      = errors.New("scheduler closed")
	ErrRunPanicked = errors.New("preview run panicked")
)

// Runner renders one settings snapshot. pipeline.Preview satisfies it.
type Runner interface {
	Render(ctx context.Context, settings domain.TransformSettings, filtersOnly bool, progress pipeline.ProgressFunc) (*domain.OutputArtifact, error)
}

// EventKind tags an Event; every issued run ends in exactly one of applied,
// discarded or failed.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventApplied   EventKind = "applied"
	EventDiscarded EventKind = "discarded"
	EventFailed    EventKind = "failed"
)

// Event is delivered to subscribers. Milestone is set for progress events and
// Err for failed or discarded runs that errored.
type Event struct {
	Kind      EventKind
	Seq       uint64
	Milestone pipeline.Milestone
	Err       error
}

// Options configures a Scheduler. Zero debounce windows fall back to the
// defaults; a nil Clock uses the wall clock.
type Options struct {
	FullDebounce   time.Duration
	FilterDebounce time.Duration
	Clock          Clock
	Logger         zerolog.Logger
	Metrics        *Metrics
}

// Status is a point-in-time snapshot for status endpoints.
type Status struct {
	Issued    uint64
	Applied   uint64
	Pending   bool
	Progress  pipeline.Milestone
	LastError error
}

type pendingRun struct {
	settings    domain.TransformSettings
	filtersOnly bool
}

// Scheduler turns a stream of settings changes into at most one visible
// result per settings snapshot. Submissions inside the debounce window
// coalesce to the latest settings. Every fired run gets the next sequence
// number and its result is applied only while that number is still the
// newest issued; anything older is released and dropped.
type Scheduler struct {
	runner  Runner
	opts    Options
	logger  zerolog.Logger
	metrics *Metrics

	mu          sync.Mutex
	timer       Timer
	armed       uint64
	pending     *pendingRun
	issued      uint64
	appliedSeq  uint64
	cancelRun   context.CancelFunc
	visible     *domain.OutputArtifact
	lastErr     error
	progress    pipeline.Milestone
	subscribers map[chan Event]struct{}
	closed      bool

	inflight sync.WaitGroup
}

func New(runner Runner, opts Options) *Scheduler {
	if opts.FullDebounce <= 0 {
		opts.FullDebounce = DefaultFullDebounce
	}
	if opts.FilterDebounce <= 0 {
		opts.FilterDebounce = DefaultFilterDebounce
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	return &Scheduler{
		runner:      runner,
		opts:        opts,
		logger:      opts.Logger.With().Str("component", "scheduler").Logger(),
		metrics:     opts.Metrics,
		subscribers: make(map[chan Event]struct{}),
	}
}

// Submit schedules a full pipeline run after the full debounce window.
func (s *Scheduler) Submit(settings domain.TransformSettings) error {
	return s.submit(settings, false)
}

// SubmitFilters schedules a filter-only run after the shorter filter window.
// A pending full run absorbs it and stays a full run.
func (s *Scheduler) SubmitFilters(settings domain.TransformSettings) error {
	return s.submit(settings, true)
}

func (s *Scheduler) submit(settings domain.TransformSettings, filtersOnly bool) error {
	settings = settings.Normalized()
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if s.pending != nil {
		filtersOnly = filtersOnly && s.pending.filtersOnly
		s.metrics.coalesce()
	}
	s.pending = &pendingRun{settings: settings, filtersOnly: filtersOnly}

	window := s.opts.FullDebounce
	if filtersOnly {
		window = s.opts.FilterDebounce
	}
	s.armLocked(window)
	return nil
}

func (s *Scheduler) armLocked(window time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed++
	token := s.armed
	s.timer = s.opts.Clock.AfterFunc(window, func() {
		s.fire(token)
	})
}

// Flush fires the pending run immediately, skipping the rest of the window.
// It returns the issued sequence number, or zero when nothing was pending.
func (s *Scheduler) Flush() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armed++
	return s.issueLocked()
}

func (s *Scheduler) fire(token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.armed {
		return
	}
	s.timer = nil
	s.issueLocked()
}

func (s *Scheduler) issueLocked() uint64 {
	if s.closed || s.pending == nil {
		return 0
	}
	run := *s.pending
	s.pending = nil

	if s.cancelRun != nil {
		s.cancelRun()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel

	s.issued++
	seq := s.issued
	s.progress = ""
	s.metrics.started()
	s.publishLocked(Event{Kind: EventStarted, Seq: seq})
	s.logger.Debug().Uint64("seq", seq).Bool("filters_only", run.filtersOnly).Msg("preview run issued")

	s.inflight.Add(1)
	go s.execute(ctx, cancel, seq, run)
	return seq
}

func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, seq uint64, run pendingRun) {
	defer s.inflight.Done()
	defer cancel()

	progress := func(m pipeline.Milestone) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if seq != s.issued || s.closed {
			return
		}
		s.progress = m
		s.publishLocked(Event{Kind: EventProgress, Seq: seq, Milestone: m})
	}

	artifact, err := s.render(ctx, seq, run, progress)
	s.complete(seq, artifact, err)
}

// render runs the runner on this goroutine, so a panic in it would take the
// process down; it becomes a failed run instead and the visible artifact stays.
func (s *Scheduler) render(ctx context.Context, seq uint64, run pendingRun, progress pipeline.ProgressFunc) (artifact *domain.OutputArtifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			artifact = nil
			err = fmt.Errorf("%w: %v", ErrRunPanicked, r)
			s.logger.Error().Uint64("seq", seq).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("preview run panicked")
		}
	}()
	return s.runner.Render(ctx, run.settings, run.filtersOnly, progress)
}

func (s *Scheduler) complete(seq uint64, artifact *domain.OutputArtifact, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != s.issued || s.closed {
		if artifact != nil {
			artifact.Release()
		}
		s.metrics.discarded()
		s.publishLocked(Event{Kind: EventDiscarded, Seq: seq, Err: err})
		s.logger.Debug().Uint64("seq", seq).Uint64("issued", s.issued).Msg("stale preview result discarded")
		return
	}

	if err != nil {
		if artifact != nil {
			artifact.Release()
		}
		s.lastErr = err
		s.metrics.failed()
		s.publishLocked(Event{Kind: EventFailed, Seq: seq, Err: err})
		s.logger.Warn().Err(err).Uint64("seq", seq).Str("kind", string(domain.Classify(err))).Msg("preview run failed")
		return
	}

	previous := s.visible
	s.visible = artifact
	s.appliedSeq = seq
	s.lastErr = nil
	if previous != nil && previous != artifact {
		previous.Release()
	}
	s.metrics.applied()
	s.publishLocked(Event{Kind: EventApplied, Seq: seq})
}

// Current returns the visible artifact. The scheduler owns it; it is released
// once superseded, so callers copy what they need before submitting again.
func (s *Scheduler) Current() *domain.OutputArtifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Progress is the last milestone reported by the newest issued run.
func (s *Scheduler) Progress() pipeline.Milestone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// LastError is the failure of the newest run, cleared when a run applies.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Status snapshots issued and applied sequence numbers, the pending flag,
// progress and the last error under one lock.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Issued:    s.issued,
		Applied:   s.appliedSeq,
		Pending:   s.pending != nil,
		Progress:  s.progress,
		LastError: s.lastErr,
	}
}

// Subscribe returns a channel of scheduler events and a function that
// unsubscribes. Slow subscribers miss events rather than block runs.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subscribers[ch]; ok {
				delete(s.subscribers, ch)
				close(ch)
			}
		})
	}
}

func (s *Scheduler) publishLocked(ev Event) {
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Wait blocks until every issued run has returned.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Close stops the debounce timer, cancels the in-flight run and releases the
// visible artifact. Runs that finish afterwards are discarded.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	if s.visible != nil {
		s.visible.Release()
		s.visible = nil
	}
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
}
