package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/runner"
)

const popErrorDelay = time.Second

// Runner ingests and indexes a set of sources.
type Runner interface {
	Run(ctx context.Context, sources []domain.Source) (runner.Result, error)
}

// TargetsFunc returns the sources a job without a source id covers.
type TargetsFunc func(ctx context.Context) ([]domain.Source, error)

// Observer receives job metrics.
type Observer interface {
	JobFinished(status string)
}

// Consumer drains the manual job queue and runs each job.
type Consumer struct {
	queue       *Queue
	status      *StatusStore
	runner      Runner
	targets     TargetsFunc
	log         logger.Logger
	observer    Observer
	pollTimeout time.Duration
	errorDelay  time.Duration
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithObserver reports job metrics to o.
func WithObserver(o Observer) ConsumerOption {
	return func(c *Consumer) { c.observer = o }
}

// WithPollTimeout sets how long each queue pop blocks.
func WithPollTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// WithErrorDelay sets the pause after a failed pop.
func WithErrorDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.errorDelay = d }
}

// NewConsumer creates a consumer. targets resolves the full source list for
// jobs that do not name a source.
func NewConsumer(
	queue *Queue,
	status *StatusStore,
	run Runner,
	targets TargetsFunc,
	log logger.Logger,
	opts ...ConsumerOption,
) *Consumer {
	c := &Consumer{
		queue:       queue,
		status:      status,
		runner:      run,
		targets:     targets,
		log:         log,
		pollTimeout: defaultPollTimeout,
		errorDelay:  popErrorDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit records a job as queued and pushes it. The status record is written
// first so a consumer never sees a job without one.
func Submit(ctx context.Context, q *Queue, st *StatusStore, req domain.JobRequest) (domain.JobRequest, error) {
	if req.JobID == "" {
		req.JobID = NewJobID(q.now())
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = defaultTriggeredBy
	}
	if err := st.MarkQueued(ctx, req); err != nil {
		return req, err
	}
	return q.Enqueue(ctx, req)
}

// Run consumes jobs until ctx is cancelled. Queue errors are logged and
// retried after a short pause. Jobs run one at a time.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("Job consumer started", logger.Duration("poll_timeout", c.pollTimeout))
	defer c.log.Info("Job consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		data, err := c.queue.Pop(ctx, c.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("Failed to pop job", logger.Error(err))
			if !sleep(ctx, c.errorDelay) {
				return nil
			}
			continue
		}
		if data == nil {
			continue
		}

		if procErr := c.Process(ctx, data); procErr != nil {
			c.log.Warn("Job did not complete", logger.Error(procErr))
		}
	}
}

// Process runs one queue entry to a terminal status. A malformed entry is
// discarded with an error.
func (c *Consumer) Process(ctx context.Context, data []byte) (err error) {
	req, err := ParseJobRequest(data)
	if err != nil {
		c.log.Warn("Discarding malformed job", logger.Error(err), logger.String("payload", truncate(string(data))))
		c.observe("malformed")
		return err
	}

	log := c.log.With(logger.JobID(req.JobID), logger.String("triggered_by", req.TriggeredBy))
	if req.SourceID != "" {
		log = log.With(logger.SourceID(req.SourceID))
	}

	if err = c.status.MarkQueued(ctx, req); err != nil {
		log.Warn("Skipping job", logger.Error(err))
		return err
	}
	if err = c.status.MarkRunning(ctx, req.JobID); err != nil {
		log.Warn("Skipping job", logger.Error(err))
		return err
	}
	log.Info("Job started")

	start := time.Now()
	result, runErr := c.execute(ctx, req)
	final := context.WithoutCancel(ctx)

	if runErr != nil {
		if markErr := c.status.MarkFailed(final, req.JobID, runErr.Error(), result.Report.FailedSourceIDs()); markErr != nil {
			log.Error("Failed to record job failure", logger.Error(markErr))
		}
		log.Error("Job failed", logger.Error(runErr), logger.Duration("duration", time.Since(start)))
		c.observe(string(domain.JobFailed))
		return runErr
	}

	failed := result.Report.FailedSourceIDs()
	if markErr := c.status.MarkCompleted(final, req.JobID, result.Total(), failed); markErr != nil {
		log.Error("Failed to record job completion", logger.Error(markErr))
	}
	log.Info("Job completed",
		logger.Int("messages_ingested", result.Total()),
		logger.Strings("failed_sources", failed),
		logger.Bool("indexed", result.Indexed()),
		logger.Duration("duration", time.Since(start)),
	)
	c.observe(string(domain.JobCompleted))
	return nil
}

func (c *Consumer) execute(ctx context.Context, req domain.JobRequest) (result runner.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	sources, err := c.resolve(ctx, req)
	if err != nil {
		return runner.Result{}, err
	}
	return c.runner.Run(ctx, sources)
}

func (c *Consumer) resolve(ctx context.Context, req domain.JobRequest) ([]domain.Source, error) {
	all, err := c.targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve targets: %w", err)
	}
	if req.SourceID == "" {
		if len(all) == 0 {
			return nil, domain.ErrNoSources
		}
		return all, nil
	}
	for _, src := range all {
		if src.ID == req.SourceID {
			return []domain.Source{src}, nil
		}
	}
	// Unconfigured channels are still ingested; the group comes from the platform.
	return []domain.Source{{ID: req.SourceID}}, nil
}

func (c *Consumer) observe(status string) {
	if c.observer != nil {
		c.observer.JobFinished(status)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

const maxLoggedPayload = 256

func truncate(s string) string {
	if len(s) <= maxLoggedPayload {
		return s
	}
	return s[:maxLoggedPayload]
}

