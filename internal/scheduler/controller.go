// Package scheduler runs ingestion on a cron schedule, but only once the store
// has been quiet for a while. While activity continues it backs off and checks
// again, up to a bounded number of times.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/runner"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/settings"
)

const defaultWatchInterval = time.Minute

// Outcome is how one scheduled cycle ended.
type Outcome string

const (
	OutcomeIndexed           Outcome = "indexed"
	OutcomeNoNewItems        Outcome = "no_new_items"
	OutcomeSkippedMaxRetries Outcome = "skipped_max_retries"
	OutcomeDisabled          Outcome = "disabled"
	OutcomeFailed            Outcome = "failed"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomeSkippedOverlap    Outcome = "skipped_overlap"
)

// Gate reports recent store activity.
type Gate interface {
	HasRecentActivity(ctx context.Context, quietPeriod time.Duration) (bool, error)
}

// Runner ingests and indexes a set of sources.
type Runner interface {
	Run(ctx context.Context, sources []domain.Source) (runner.Result, error)
}

// SettingsSource provides the settings of each cycle.
type SettingsSource interface {
	Load(ctx context.Context) (settings.Settings, error)
	Defaults() settings.Settings
}

// Observer receives cycle metrics.
type Observer interface {
	CycleFinished(outcome string, duration time.Duration)
	BackoffStarted()
}

// WaitFunc blocks for d or until ctx ends.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Controller is the scheduled run state machine.
type Controller struct {
	gate     Gate
	runner   Runner
	settings SettingsSource
	log      logger.Logger
	observer Observer
	wait     WaitFunc

	runOnStart    bool
	watchInterval time.Duration

	cron    *cron.Cron
	parser  cron.Parser
	mu      sync.Mutex
	entryID cron.EntryID
	expr    string

	phase   atomic.Value // domain.RunPhase
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver reports cycle metrics to o.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithWait replaces the backoff wait.
func WithWait(w WaitFunc) Option {
	return func(c *Controller) { c.wait = w }
}

// WithRunOnStart runs one cycle as soon as the controller starts.
func WithRunOnStart(enabled bool) Option {
	return func(c *Controller) { c.runOnStart = enabled }
}

// WithWatchInterval sets how often settings are polled for a new schedule.
func WithWatchInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.watchInterval = d
		}
	}
}

// New creates a controller.
func New(gate Gate, run Runner, src SettingsSource, log logger.Logger, opts ...Option) *Controller {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{log: log}

	c := &Controller{
		gate:          gate,
		runner:        run,
		settings:      src,
		log:           log,
		wait:          sleep,
		watchInterval: defaultWatchInterval,
		parser:        parser,
		cron:          cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.phase.Store(domain.PhaseIdle)
	return c
}

// Phase returns the phase of the cycle in progress, or idle.
func (c *Controller) Phase() domain.RunPhase {
	p, _ := c.phase.Load().(domain.RunPhase)
	return p
}

// Schedule returns the active cron expression.
func (c *Controller) Schedule() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expr
}

// NextRun returns the next scheduled fire time, or zero before Start.
func (c *Controller) NextRun() time.Time {
	c.mu.Lock()
	id := c.entryID
	c.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return c.cron.Entry(id).Next
}

// Start registers the schedule and begins firing cycles. It returns once the
// cron loop is running.
func (c *Controller) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	s, err := c.settings.Load(c.ctx)
	if err != nil {
		c.log.Warn("Using static settings for schedule", logger.Error(err))
	}
	if schedErr := c.reschedule(s.Cron); schedErr != nil {
		c.cancel()
		return schedErr
	}

	c.cron.Start()
	c.log.Info("Scheduler started",
		logger.String("cron", c.Schedule()),
		logger.Time("next_run", c.NextRun()),
	)

	if c.runOnStart {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.fire()
		}()
	}

	c.wg.Add(1)
	go c.watchSettings()

	return nil
}

// Stop cancels any backoff wait, stops the cron loop and waits for the cycle
// in progress to return.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.cron.Stop().Done()
	c.wg.Wait()
	c.log.Info("Scheduler stopped")
}

func (c *Controller) reschedule(expr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expr == c.expr && c.entryID != 0 {
		return nil
	}
	if _, err := c.parser.Parse(expr); err != nil {
		return fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	id, err := c.cron.AddFunc(expr, c.fire)
	if err != nil {
		return fmt.Errorf("add schedule %q: %w", expr, err)
	}
	if c.entryID != 0 {
		c.cron.Remove(c.entryID)
	}
	c.entryID = id
	c.expr = expr
	return nil
}

func (c *Controller) watchSettings() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			s, err := c.settings.Load(c.ctx)
			if err != nil {
				c.log.Warn("Failed to refresh settings", logger.Error(err))
				continue
			}
			previous := c.Schedule()
			if s.Cron == previous {
				continue
			}
			if schedErr := c.reschedule(s.Cron); schedErr != nil {
				c.log.Error("Failed to apply new schedule", logger.String("cron", s.Cron), logger.Error(schedErr))
				continue
			}
			c.log.Info("Schedule changed",
				logger.String("previous", previous),
				logger.String("cron", s.Cron),
				logger.Time("next_run", c.NextRun()),
			)
		}
	}
}

// fire runs a cycle unless one is already in progress.
func (c *Controller) fire() {
	if !c.running.CompareAndSwap(false, true) {
		c.log.Warn("Previous scheduled cycle still running, skipping")
		c.observe(OutcomeSkippedOverlap, 0)
		return
	}
	defer c.running.Store(false)

	c.RunCycle(c.ctx)
}

// RunCycle executes one gate, ingest, index cycle and reports how it ended.
// It never panics and never returns an error; failures end the cycle.
func (c *Controller) RunCycle(ctx context.Context) (outcome Outcome) {
	log := c.log.With(logger.RunID(uuid.NewString()))
	ctx = logger.WithContext(ctx, log)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Scheduled cycle panicked", logger.Any("panic", r))
			outcome = OutcomeFailed
		}
		c.phase.Store(domain.PhaseIdle)
		duration := time.Since(start)
		c.observe(outcome, duration)
		log.Info("Scheduled cycle finished",
			logger.String("outcome", string(outcome)),
			logger.Duration("duration", duration),
		)
	}()

	s, err := c.settings.Load(ctx)
	if err != nil {
		log.Warn("Using static settings for this cycle", logger.Error(err))
	}
	if !s.AutoIngest {
		log.Info("Automatic ingestion disabled, skipping cycle")
		return OutcomeDisabled
	}

	state := domain.RunState{RetriesRemaining: s.MaxRetries, Phase: domain.PhaseGating}
	if gateOutcome, quiet := c.awaitQuiet(ctx, log, s, &state); !quiet {
		return gateOutcome
	}

	c.setPhase(&state, domain.PhaseIngesting)
	runCtx := runner.WithPhaseHook(ctx, func(p domain.RunPhase) { c.setPhase(&state, p) })
	res, err := c.runner.Run(runCtx, s.Sources)
	state.MessagesIngested = res.Total()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return OutcomeCancelled
		}
		log.Error("Scheduled ingestion failed", logger.Error(err))
		return OutcomeFailed
	}

	c.setPhase(&state, domain.PhaseDone)
	if state.MessagesIngested == 0 {
		return OutcomeNoNewItems
	}

	log.Info("Scheduled ingestion complete",
		logger.Int("messages_ingested", state.MessagesIngested),
		logger.Int("guilds_indexed", len(res.Groups)),
		logger.Strings("failed_sources", res.Report.FailedSourceIDs()),
	)
	return OutcomeIndexed
}

// awaitQuiet checks the gate and backs off while activity continues. It
// returns ok once the store is quiet, otherwise the terminal outcome.
func (c *Controller) awaitQuiet(ctx context.Context, log logger.Logger, s settings.Settings, state *domain.RunState) (Outcome, bool) {
	for {
		c.setPhase(state, domain.PhaseGating)

		active, err := c.gate.HasRecentActivity(ctx, s.QuietPeriod)
		if err != nil {
			log.Error("Activity check failed", logger.Error(err))
			return OutcomeFailed, false
		}
		if !active {
			return "", true
		}

		if state.RetriesRemaining <= 0 {
			c.setPhase(state, domain.PhaseSkippedMaxRetries)
			log.Warn("Channels still active after max retries, skipping ingestion",
				logger.Int("max_retries", s.MaxRetries))
			return OutcomeSkippedMaxRetries, false
		}

		state.RetriesRemaining--
		c.setPhase(state, domain.PhaseBackoff)
		if c.observer != nil {
			c.observer.BackoffStarted()
		}
		log.Info("Recent activity detected, backing off",
			logger.Duration("backoff", s.Backoff),
			logger.Int("retries_remaining", state.RetriesRemaining),
		)

		if waitErr := c.wait(ctx, s.Backoff); waitErr != nil {
			return OutcomeCancelled, false
		}
	}
}

func (c *Controller) setPhase(state *domain.RunState, phase domain.RunPhase) {
	state.Phase = phase
	c.phase.Store(phase)
}

func (c *Controller) observe(outcome Outcome, d time.Duration) {
	if c.observer != nil {
		c.observer.CycleFinished(string(outcome), d)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
