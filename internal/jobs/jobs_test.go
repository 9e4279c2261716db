package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/jobs"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/redis"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/runner"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]domain.Source
	run   func(sources []domain.Source) (runner.Result, error)
}

func (f *fakeRunner) Run(_ context.Context, sources []domain.Source) (runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sources)
	f.mu.Unlock()
	return f.run(sources)
}

func (f *fakeRunner) Calls() [][]domain.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]domain.Source(nil), f.calls...)
}

type countingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (o *countingObserver) JobFinished(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func ingested(sources []domain.Source, n int) runner.Result {
	report := &domain.IngestReport{}
	for _, src := range sources {
		report.Results = append(report.Results, domain.SourceResult{Source: src, NewItems: n})
	}
	return runner.Result{Report: report}
}

var configured = []domain.Source{{ID: "c1", GroupID: "g1"}, {ID: "c2", GroupID: "g1"}}

func staticTargets(_ context.Context) ([]domain.Source, error) { return configured, nil }

type harness struct {
	mr       *miniredis.Miniredis
	queue    *jobs.Queue
	status   *jobs.StatusStore
	runner   *fakeRunner
	observer *countingObserver
	consumer *jobs.Consumer
}

func newHarness(t *testing.T, run func([]domain.Source) (runner.Result, error)) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keys := redis.NewKeys("test")
	h := &harness{
		mr:       mr,
		queue:    jobs.NewQueue(rdb, keys),
		status:   jobs.NewStatusStore(rdb, keys),
		runner:   &fakeRunner{run: run},
		observer: &countingObserver{},
	}
	h.consumer = jobs.NewConsumer(h.queue, h.status, h.runner, staticTargets, logger.NewNop(),
		jobs.WithObserver(h.observer),
		jobs.WithPollTimeout(time.Second),
		jobs.WithErrorDelay(10*time.Millisecond),
	)
	return h
}

func TestParseJobRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    domain.JobRequest
		wantErr bool
	}{
		{
			name:    "source id",
			payload: `{"job_id":"j1","triggered_by":"admin","source_id":"c1"}`,
			want:    domain.JobRequest{JobID: "j1", TriggeredBy: "admin", SourceID: "c1"},
		},
		{
			name:    "channel id alias",
			payload: `{"job_id":"j2","type":"ingest","triggered_by":"admin","channel_id":"c2"}`,
			want:    domain.JobRequest{JobID: "j2", TriggeredBy: "admin", SourceID: "c2"},
		},
		{
			name:    "all sources with default trigger",
			payload: `{"job_id":"j3"}`,
			want:    domain.JobRequest{JobID: "j3", TriggeredBy: "unknown"},
		},
		{name: "missing job id", payload: `{"triggered_by":"admin"}`, wantErr: true},
		{name: "not json", payload: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := jobs.ParseJobRequest([]byte(tt.payload))
			if tt.wantErr {
				require.ErrorIs(t, err, jobs.ErrMalformedPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewJobID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	id := jobs.NewJobID(now)

	assert.Regexp(t, `^manual_20260304_050607_[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, jobs.NewJobID(now))
}

func TestQueue_EnqueuePopOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.queue.Enqueue(ctx, domain.JobRequest{JobID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "unknown", first.TriggeredBy)
	_, err = h.queue.Enqueue(ctx, domain.JobRequest{JobID: "b", SourceID: "c1"})
	require.NoError(t, err)

	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	data, err := h.queue.Pop(ctx, time.Second)
	require.NoError(t, err)
	req, err := jobs.ParseJobRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "a", req.JobID)

	data, err = h.queue.Pop(ctx, time.Second)
	require.NoError(t, err)
	req, err = jobs.ParseJobRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "b", req.JobID)
	assert.Equal(t, "c1", req.SourceID)
}

func TestQueue_PopEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	data, err := h.queue.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestStatusStore_Lifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	req := domain.JobRequest{JobID: "j1", TriggeredBy: "admin", SourceID: "c1"}

	require.NoError(t, h.status.MarkQueued(ctx, req))
	require.NoError(t, h.status.MarkQueued(ctx, req), "re-marking a queued job is accepted")
	require.NoError(t, h.status.MarkRunning(ctx, "j1"))
	require.ErrorIs(t, h.status.MarkQueued(ctx, req), domain.ErrInvalidTransition)
	require.NoError(t, h.status.MarkCompleted(ctx, "j1", 3, nil))
	require.ErrorIs(t, h.status.MarkFailed(ctx, "j1", "late", nil), domain.ErrInvalidTransition)

	job, err := h.status.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, "admin", job.TriggeredBy)
	assert.Equal(t, "c1", job.SourceID)
	require.NotNil(t, job.MessagesIngested)
	assert.Equal(t, 3, *job.MessagesIngested)
	assert.False(t, job.QueuedAt.IsZero())
	assert.False(t, job.StartedAt.IsZero())
	assert.False(t, job.CompletedAt.IsZero())
	assert.Equal(t, "c1", h.mr.HGet("test:job:j1", "channel_id"))
}

func TestStatusStore_RunningRequiresQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	err := h.status.MarkRunning(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.status.Get(context.Background(), "nope")
	require.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestConsumer_Process_SingleSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(sources []domain.Source) (runner.Result, error) {
		return ingested(sources, 3), nil
	})
	ctx := context.Background()

	req, err := jobs.Submit(ctx, h.queue, h.status, domain.JobRequest{JobID: "j1", TriggeredBy: "admin", SourceID: "c1"})
	require.NoError(t, err)
	data, err := h.queue.Pop(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, h.consumer.Process(ctx, data))

	calls := h.runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []domain.Source{{ID: "c1", GroupID: "g1"}}, calls[0])

	job, err := h.status.Get(ctx, req.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	require.NotNil(t, job.MessagesIngested)
	assert.Equal(t, 3, *job.MessagesIngested)
	assert.Empty(t, job.Error)
	assert.Equal(t, []string{"completed"}, h.observer.statuses)
}

func TestConsumer_Process_AllSourcesAndUnknownSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(sources []domain.Source) (runner.Result, error) {
		return ingested(sources, 0), nil
	})
	ctx := context.Background()

	require.NoError(t, h.consumer.Process(ctx, []byte(`{"job_id":"all"}`)))
	require.NoError(t, h.consumer.Process(ctx, []byte(`{"job_id":"other","channel_id":"c9"}`)))

	calls := h.runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, configured, calls[0])
	assert.Equal(t, []domain.Source{{ID: "c9"}}, calls[1])

	job, err := h.status.Get(ctx, "all")
	require.NoError(t, err)
	require.NotNil(t, job.MessagesIngested)
	assert.Equal(t, 0, *job.MessagesIngested)
}

func TestConsumer_Process_Failure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(sources []domain.Source) (runner.Result, error) {
		res := runner.Result{Report: &domain.IngestReport{}}
		for _, src := range sources {
			res.Report.Results = append(res.Report.Results, domain.SourceResult{Source: src, Err: errors.New("forbidden")})
		}
		return res, domain.ErrAllSourcesFailed
	})
	ctx := context.Background()

	err := h.consumer.Process(ctx, []byte(`{"job_id":"j2","triggered_by":"admin"}`))
	require.ErrorIs(t, err, domain.ErrAllSourcesFailed)

	job, err := h.status.Get(ctx, "j2")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Nil(t, job.MessagesIngested)
	assert.Contains(t, job.Error, "all sources failed")
	assert.Equal(t, []string{"c1", "c2"}, job.FailedSources)
	assert.Empty(t, h.mr.HGet("test:job:j2", "messages_ingested"))
	assert.Equal(t, []string{"failed"}, h.observer.statuses)
}

func TestConsumer_Process_PartialFailureCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(sources []domain.Source) (runner.Result, error) {
		return runner.Result{Report: &domain.IngestReport{Results: []domain.SourceResult{
			{Source: sources[0], NewItems: 4},
			{Source: sources[1], Err: errors.New("timeout")},
		}}}, nil
	})
	ctx := context.Background()

	require.NoError(t, h.consumer.Process(ctx, []byte(`{"job_id":"j3"}`)))

	job, err := h.status.Get(ctx, "j3")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	require.NotNil(t, job.MessagesIngested)
	assert.Equal(t, 4, *job.MessagesIngested)
	assert.Equal(t, []string{"c2"}, job.FailedSources)
}

func TestConsumer_Process_Panic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func([]domain.Source) (runner.Result, error) {
		panic("boom")
	})
	ctx := context.Background()

	err := h.consumer.Process(ctx, []byte(`{"job_id":"j4"}`))
	require.Error(t, err)

	job, getErr := h.status.Get(ctx, "j4")
	require.NoError(t, getErr)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Contains(t, job.Error, "boom")
}

func TestConsumer_Process_Malformed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func([]domain.Source) (runner.Result, error) {
		t.Fatal("runner must not be called")
		return runner.Result{}, nil
	})

	err := h.consumer.Process(context.Background(), []byte(`{"triggered_by":"admin"}`))
	require.ErrorIs(t, err, jobs.ErrMalformedPayload)
	assert.Empty(t, h.runner.Calls())
}

func TestConsumer_Process_DuplicateJobSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(sources []domain.Source) (runner.Result, error) {
		return ingested(sources, 1), nil
	})
	ctx := context.Background()

	require.NoError(t, h.consumer.Process(ctx, []byte(`{"job_id":"dup"}`)))
	err := h.consumer.Process(ctx, []byte(`{"job_id":"dup"}`))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Len(t, h.runner.Calls(), 1)
}

func TestConsumer_Run_SurvivesQueueErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(sources []domain.Source) (runner.Result, error) {
		return ingested(sources, 2), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.mr.SetError("LOADING dataset")
	done := make(chan error, 1)
	go func() { done <- h.consumer.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	h.mr.SetError("")

	_, err := jobs.Submit(ctx, h.queue, h.status, domain.JobRequest{JobID: "after-error", SourceID: "c2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, getErr := h.status.Get(context.Background(), "after-error")
		return getErr == nil && job.Status == domain.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case runErr := <-done:
		require.NoError(t, runErr)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
