package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/dunamismax/pixelstudio/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Duration
	fn       func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now + d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.deadline <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

type call struct {
	settings    domain.TransformSettings
	filtersOnly bool
}

// fakeRunner identifies runs by quality. A gate registered for a quality holds
// that run until the gate is closed.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []call
	gates     map[int]chan struct{}
	failures  map[int]error
	panics    map[int]bool
	artifacts map[int]*domain.OutputArtifact
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		gates:     make(map[int]chan struct{}),
		failures:  make(map[int]error),
		panics:    make(map[int]bool),
		artifacts: make(map[int]*domain.OutputArtifact),
	}
}

func (r *fakeRunner) hold(quality int) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate := make(chan struct{})
	r.gates[quality] = gate
	return gate
}

func (r *fakeRunner) fail(quality int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[quality] = err
}

func (r *fakeRunner) artifact(quality int) *domain.OutputArtifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifacts[quality]
}

func (r *fakeRunner) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *fakeRunner) Render(ctx context.Context, settings domain.TransformSettings, filtersOnly bool, progress pipeline.ProgressFunc) (*domain.OutputArtifact, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call{settings: settings, filtersOnly: filtersOnly})
	gate := r.gates[settings.Quality]
	failure := r.failures[settings.Quality]
	panics := r.panics[settings.Quality]
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if panics {
		panic("image: NewNRGBA Rectangle has huge or negative dimensions")
	}
	progress(pipeline.MilestoneDecoded)
	progress(pipeline.MilestoneTransformed)
	if failure != nil {
		return nil, failure
	}
	progress(pipeline.MilestoneEncoded)

	out := domain.NewOutputArtifact([]byte{byte(settings.Quality)}, settings.Quality, settings.Quality, settings.Format)
	r.mu.Lock()
	r.artifacts[settings.Quality] = out
	r.mu.Unlock()
	return out, nil
}

func settingsQ(q int) domain.TransformSettings {
	return domain.TransformSettings{Quality: q, Format: domain.FormatJPEG}
}

func TestSubmissionsCoalesceWithinWindow(t *testing.T) {
	clock := &fakeClock{}
	runner := newFakeRunner()
	s := New(runner, Options{Clock: clock})
	defer s.Close()

	require.NoError(t, s.Submit(settingsQ(10)))
	clock.Advance(200 * time.Millisecond)
	require.NoError(t, s.Submit(settingsQ(20)))
	clock.Advance(400 * time.Millisecond)
	assert.Empty(t, runner.Calls(), "window restarts on each submission")

	clock.Advance(100 * time.Millisecond)
	s.Wait()

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 20, calls[0].settings.Quality)
	assert.False(t, calls[0].filtersOnly)
	require.NotNil(t, s.Current())
	assert.Equal(t, 20, s.Current().Width)
}

func TestFilterWindowAndFullRunAbsorption(t *testing.T) {
	clock := &fakeClock{}
	runner := newFakeRunner()
	s := New(runner, Options{Clock: clock})
	defer s.Close()

	require.NoError(t, s.SubmitFilters(settingsQ(30)))
	clock.Advance(150 * time.Millisecond)
	s.Wait()
	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].filtersOnly)

	require.NoError(t, s.Submit(settingsQ(40)))
	require.NoError(t, s.SubmitFilters(settingsQ(41)))
	clock.Advance(150 * time.Millisecond)
	s.Wait()

	calls = runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 41, calls[1].settings.Quality)
	assert.False(t, calls[1].filtersOnly, "a pending full run stays full")
}

func TestStaleResultIsDiscarded(t *testing.T) {
	runner := newFakeRunner()
	gateOld := runner.hold(10)
	s := New(runner, Options{Clock: &fakeClock{}})
	defer s.Close()

	require.NoError(t, s.Submit(settingsQ(10)))
	first := s.Flush()
	require.NoError(t, s.Submit(settingsQ(20)))
	second := s.Flush()
	require.Equal(t, first+1, second)

	require.Eventually(t, func() bool { return s.Current() != nil }, time.Second, time.Millisecond)
	assert.Equal(t, 20, s.Current().Width)

	close(gateOld)
	s.Wait()

	assert.Equal(t, 20, s.Current().Width, "older run must never overwrite a newer result")
	stale := runner.artifact(10)
	require.NotNil(t, stale)
	assert.True(t, stale.Released())
	assert.Equal(t, second, s.Status().Applied)
}

func TestFailurePreservesVisibleArtifact(t *testing.T) {
	runner := newFakeRunner()
	s := New(runner, Options{Clock: &fakeClock{}})
	defer s.Close()

	require.NoError(t, s.Submit(settingsQ(10)))
	s.Flush()
	s.Wait()
	good := s.Current()
	require.NotNil(t, good)

	upstream := &domain.ExternalServiceError{Service: "bridge", Err: errors.New("timeout")}
	runner.fail(20, upstream)
	require.NoError(t, s.Submit(settingsQ(20)))
	s.Flush()
	s.Wait()

	assert.Same(t, good, s.Current())
	assert.False(t, good.Released())
	assert.ErrorIs(t, s.LastError(), upstream)
	assert.Equal(t, pipeline.MilestoneTransformed, s.Progress())

	require.NoError(t, s.Submit(settingsQ(30)))
	s.Flush()
	s.Wait()
	assert.NoError(t, s.LastError())
}

func TestRunnerPanicBecomesFailedRun(t *testing.T) {
	runner := newFakeRunner()
	s := New(runner, Options{Clock: &fakeClock{}})
	defer s.Close()
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	require.NoError(t, s.Submit(settingsQ(10)))
	s.Flush()
	s.Wait()
	good := s.Current()
	require.NotNil(t, good)

	runner.mu.Lock()
	runner.panics[20] = true
	runner.mu.Unlock()
	require.NoError(t, s.Submit(settingsQ(20)))
	seq := s.Flush()
	s.Wait()

	assert.Same(t, good, s.Current())
	assert.False(t, good.Released())
	assert.ErrorIs(t, s.LastError(), ErrRunPanicked)

	var failed bool
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == EventFailed && ev.Seq == seq {
			failed = true
		}
	}
	assert.True(t, failed, "subscribers see the panic as a failed run")

	require.NoError(t, s.Submit(settingsQ(30)))
	s.Flush()
	s.Wait()
	assert.NoError(t, s.LastError())
	assert.Equal(t, 30, s.Current().Width)
}

func TestSupersededArtifactIsReleased(t *testing.T) {
	runner := newFakeRunner()
	s := New(runner, Options{Clock: &fakeClock{}})

	for _, q := range []int{10, 20, 30} {
		require.NoError(t, s.Submit(settingsQ(q)))
		s.Flush()
		s.Wait()
	}

	assert.True(t, runner.artifact(10).Released())
	assert.True(t, runner.artifact(20).Released())
	last := runner.artifact(30)
	assert.False(t, last.Released())

	s.Close()
	assert.True(t, last.Released())
	assert.Nil(t, s.Current())
	assert.ErrorIs(t, s.Submit(settingsQ(40)), ErrClosed)
}

func TestSubscribeDeliversMilestonesInOrder(t *testing.T) {
	runner := newFakeRunner()
	s := New(runner, Options{Clock: &fakeClock{}, Metrics: NewMetrics(prometheus.NewRegistry())})
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()
	defer s.Close()

	require.NoError(t, s.Submit(settingsQ(50)))
	seq := s.Flush()
	s.Wait()

	var kinds []EventKind
	var milestones []pipeline.Milestone
	for len(kinds) < 5 {
		select {
		case ev := <-events:
			assert.Equal(t, seq, ev.Seq)
			kinds = append(kinds, ev.Kind)
			if ev.Kind == EventProgress {
				milestones = append(milestones, ev.Milestone)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}

	assert.Equal(t, []EventKind{EventStarted, EventProgress, EventProgress, EventProgress, EventApplied}, kinds)
	assert.Equal(t, []pipeline.Milestone{pipeline.MilestoneDecoded, pipeline.MilestoneTransformed, pipeline.MilestoneEncoded}, milestones)
}

func TestSubmitRejectsInvalidSettings(t *testing.T) {
	s := New(newFakeRunner(), Options{Clock: &fakeClock{}})
	defer s.Close()

	err := s.Submit(domain.TransformSettings{Quality: 150, Format: domain.FormatJPEG})
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)
	assert.False(t, s.Status().Pending)
	assert.Zero(t, s.Flush())
}

func TestSubmitRejectsOversizedRaster(t *testing.T) {
	s := New(newFakeRunner(), Options{Clock: &fakeClock{}})
	defer s.Close()

	err := s.Submit(domain.TransformSettings{Width: 1 << 31, Height: 1 << 31, Quality: 80, Format: domain.FormatPNG})
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)
	err = s.SubmitFilters(domain.TransformSettings{Quality: 80, Format: domain.FormatPNG, Watermark: &domain.Watermark{Text: "x", Opacity: 1, FontSize: 1 << 20}})
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)
	assert.False(t, s.Status().Pending)
}

func TestNewerRunCancelsOlderContext(t *testing.T) {
	cancelled := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, settings domain.TransformSettings, _ bool, _ pipeline.ProgressFunc) (*domain.OutputArtifact, error) {
		if settings.Quality == 10 {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}
		return domain.NewOutputArtifact([]byte{1}, 1, 1, settings.Format), nil
	})
	s := New(runner, Options{Clock: &fakeClock{}})
	defer s.Close()

	require.NoError(t, s.Submit(settingsQ(10)))
	s.Flush()
	require.NoError(t, s.Submit(settingsQ(20)))
	s.Flush()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("superseded run context was not cancelled")
	}
	s.Wait()
	assert.NoError(t, s.LastError(), "cancelled stale run must not surface as an error")
	require.NotNil(t, s.Current())
}

type runnerFunc func(ctx context.Context, settings domain.TransformSettings, filtersOnly bool, progress pipeline.ProgressFunc) (*domain.OutputArtifact, error)

func (f runnerFunc) Render(ctx context.Context, settings domain.TransformSettings, filtersOnly bool, progress pipeline.ProgressFunc) (*domain.OutputArtifact, error) {
	return f(ctx, settings, filtersOnly, progress)
}
