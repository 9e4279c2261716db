package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/runner"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/scheduler"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/settings"
)

// scriptedGate returns the scripted answers in order, then the last one forever.
type scriptedGate struct {
	mu      sync.Mutex
	answers []bool
	err     error
	calls   int
	periods []time.Duration
}

func (g *scriptedGate) HasRecentActivity(_ context.Context, quiet time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.periods = append(g.periods, quiet)
	if g.err != nil {
		return false, g.err
	}
	i := min(g.calls-1, len(g.answers)-1)
	return g.answers[i], nil
}

type fakeRunner struct {
	calls   atomic.Int32
	total   int
	err     error
	panics  bool
	sources []domain.Source
	block   chan struct{}
	started chan struct{}
}

func (r *fakeRunner) Run(_ context.Context, sources []domain.Source) (runner.Result, error) {
	r.calls.Add(1)
	r.sources = sources
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	if r.panics {
		panic("ingest blew up")
	}
	report := &domain.IngestReport{Results: []domain.SourceResult{{Source: domain.Source{ID: "c1"}, NewItems: r.total}}}
	return runner.Result{Report: report}, r.err
}

type staticSettings struct {
	mu  sync.Mutex
	s   settings.Settings
	err error
}

func (s *staticSettings) Load(context.Context) (settings.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s, s.err
}

func (s *staticSettings) Defaults() settings.Settings { return s.s }

func (s *staticSettings) setCron(expr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.Cron = expr
}

type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
	err   error
}

func (w *waitRecorder) wait(_ context.Context, d time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waits = append(w.waits, d)
	return w.err
}

type observerSpy struct {
	mu       sync.Mutex
	outcomes []string
	backoffs int
}

func (o *observerSpy) CycleFinished(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *observerSpy) BackoffStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backoffs++
}

func baseSettings() *staticSettings {
	return &staticSettings{s: settings.Settings{
		Sources:     []domain.Source{{ID: "c1", GroupID: "g1"}},
		Cron:        "0 3 * * *",
		QuietPeriod: 15 * time.Minute,
		Backoff:     10 * time.Minute,
		MaxRetries:  6,
		AutoIngest:  true,
	}}
}

func TestRunCycle_BackoffBound(t *testing.T) {
	t.Parallel()

	gate := &scriptedGate{answers: []bool{true}}
	run := &fakeRunner{total: 5}
	waits := &waitRecorder{}
	obs := &observerSpy{}

	ctrl := scheduler.New(gate, run, baseSettings(), logger.NewNop(),
		scheduler.WithWait(waits.wait), scheduler.WithObserver(obs))
	outcome := ctrl.RunCycle(context.Background())

	assert.Equal(t, scheduler.OutcomeSkippedMaxRetries, outcome)
	assert.Len(t, waits.waits, 6, "exactly max retries backoffs")
	for _, d := range waits.waits {
		assert.Equal(t, 10*time.Minute, d)
	}
	assert.Equal(t, 7, gate.calls)
	assert.Zero(t, run.calls.Load(), "ingestion never runs")
	assert.Equal(t, 6, obs.backoffs)
	assert.Equal(t, []string{"skipped_max_retries"}, obs.outcomes)
	assert.Equal(t, domain.PhaseIdle, ctrl.Phase())
}

func TestRunCycle_QuietAfterBackoffIngests(t *testing.T) {
	t.Parallel()

	gate := &scriptedGate{answers: []bool{true, true, false}}
	run := &fakeRunner{total: 3}
	waits := &waitRecorder{}

	ctrl := scheduler.New(gate, run, baseSettings(), logger.NewNop(), scheduler.WithWait(waits.wait))
	outcome := ctrl.RunCycle(context.Background())

	assert.Equal(t, scheduler.OutcomeIndexed, outcome)
	assert.Len(t, waits.waits, 2)
	assert.EqualValues(t, 1, run.calls.Load())
	assert.Equal(t, []domain.Source{{ID: "c1", GroupID: "g1"}}, run.sources)
	assert.Equal(t, 15*time.Minute, gate.periods[0])
}

func TestRunCycle_ZeroRetriesSkipsOnFirstActivity(t *testing.T) {
	t.Parallel()

	src := baseSettings()
	src.s.MaxRetries = 0
	waits := &waitRecorder{}

	ctrl := scheduler.New(&scriptedGate{answers: []bool{true}}, &fakeRunner{}, src, logger.NewNop(),
		scheduler.WithWait(waits.wait))

	assert.Equal(t, scheduler.OutcomeSkippedMaxRetries, ctrl.RunCycle(context.Background()))
	assert.Empty(t, waits.waits)
}

func TestRunCycle_NoNewItems(t *testing.T) {
	t.Parallel()

	ctrl := scheduler.New(&scriptedGate{answers: []bool{false}}, &fakeRunner{}, baseSettings(), logger.NewNop())
	assert.Equal(t, scheduler.OutcomeNoNewItems, ctrl.RunCycle(context.Background()))
}

func TestRunCycle_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		gate *scriptedGate
		run  *fakeRunner
		want scheduler.Outcome
	}{
		{"gate error", &scriptedGate{err: errors.New("db down")}, &fakeRunner{}, scheduler.OutcomeFailed},
		{"all sources failed", &scriptedGate{answers: []bool{false}}, &fakeRunner{err: domain.ErrAllSourcesFailed}, scheduler.OutcomeFailed},
		{"runner panics", &scriptedGate{answers: []bool{false}}, &fakeRunner{panics: true}, scheduler.OutcomeFailed},
		{"cancelled run", &scriptedGate{answers: []bool{false}}, &fakeRunner{err: context.Canceled}, scheduler.OutcomeCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := scheduler.New(tt.gate, tt.run, baseSettings(), logger.NewNop())
			assert.NotPanics(t, func() {
				assert.Equal(t, tt.want, ctrl.RunCycle(context.Background()))
			})
			assert.Equal(t, domain.PhaseIdle, ctrl.Phase())
		})
	}
}

func TestRunCycle_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	waits := &waitRecorder{err: context.Canceled}
	run := &fakeRunner{}

	ctrl := scheduler.New(&scriptedGate{answers: []bool{true}}, run, baseSettings(), logger.NewNop(),
		scheduler.WithWait(waits.wait))

	assert.Equal(t, scheduler.OutcomeCancelled, ctrl.RunCycle(context.Background()))
	assert.Len(t, waits.waits, 1)
	assert.Zero(t, run.calls.Load())
}

func TestRunCycle_RealWaitHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ctrl := scheduler.New(&scriptedGate{answers: []bool{true}}, &fakeRunner{}, baseSettings(), logger.NewNop())

	start := time.Now()
	assert.Equal(t, scheduler.OutcomeCancelled, ctrl.RunCycle(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCycle_Disabled(t *testing.T) {
	t.Parallel()

	src := baseSettings()
	src.s.AutoIngest = false
	gate := &scriptedGate{answers: []bool{false}}

	ctrl := scheduler.New(gate, &fakeRunner{}, src, logger.NewNop())

	assert.Equal(t, scheduler.OutcomeDisabled, ctrl.RunCycle(context.Background()))
	assert.Zero(t, gate.calls)
}

func TestRunCycle_SettingsErrorUsesReturnedDefaults(t *testing.T) {
	t.Parallel()

	src := baseSettings()
	src.err = errors.New("redis down")
	run := &fakeRunner{total: 1}

	ctrl := scheduler.New(&scriptedGate{answers: []bool{false}}, run, src, logger.NewNop())

	assert.Equal(t, scheduler.OutcomeIndexed, ctrl.RunCycle(context.Background()))
}

func TestController_StartRunOnStartAndStop(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{total: 1, started: make(chan struct{}, 1)}
	ctrl := scheduler.New(&scriptedGate{answers: []bool{false}}, run, baseSettings(), logger.NewNop(),
		scheduler.WithRunOnStart(true))

	require.NoError(t, ctrl.Start(context.Background()))

	select {
	case <-run.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run on start did not fire")
	}

	assert.Equal(t, "0 3 * * *", ctrl.Schedule())
	assert.False(t, ctrl.NextRun().IsZero())
	ctrl.Stop()
}

func TestController_StartRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	src := baseSettings()
	src.s.Cron = "not a schedule"

	ctrl := scheduler.New(&scriptedGate{answers: []bool{false}}, &fakeRunner{}, src, logger.NewNop())
	require.Error(t, ctrl.Start(context.Background()))
}

func TestController_ReschedulesOnSettingsChange(t *testing.T) {
	t.Parallel()

	src := baseSettings()
	ctrl := scheduler.New(&scriptedGate{answers: []bool{false}}, &fakeRunner{}, src, logger.NewNop(),
		scheduler.WithWatchInterval(5*time.Millisecond))

	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Stop()

	src.setCron("*/5 * * * *")

	assert.Eventually(t, func() bool {
		return ctrl.Schedule() == "*/5 * * * *"
	}, 2*time.Second, 5*time.Millisecond)
}
