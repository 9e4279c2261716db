package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/redis"
)

// ErrJobNotFound is returned by Get for an unknown job id.
var ErrJobNotFound = errors.New("job not found")

const (
	fieldJobID            = "job_id"
	fieldStatus           = "status"
	fieldTriggeredBy      = "triggered_by"
	fieldSourceID         = "source_id"
	fieldChannelID        = "channel_id"
	fieldQueuedAt         = "queued_at"
	fieldStartedAt        = "started_at"
	fieldCompletedAt      = "completed_at"
	fieldMessagesIngested = "messages_ingested"
	fieldFailedSources    = "failed_sources"
	fieldError            = "error"
)

// StatusStore keeps one hash per job. Records are not expired so the dashboard
// can show job history.
type StatusStore struct {
	rdb  goredis.Cmdable
	keys redis.Keys
	now  func() time.Time
}

// NewStatusStore creates a status store in the given key space.
func NewStatusStore(rdb goredis.Cmdable, keys redis.Keys) *StatusStore {
	return &StatusStore{rdb: rdb, keys: keys, now: time.Now}
}

func (s *StatusStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *StatusStore) current(ctx context.Context, jobID string) (domain.JobStatus, error) {
	status, err := s.rdb.HGet(ctx, s.keys.Job(jobID), fieldStatus).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read status of job %s: %w", jobID, err)
	}
	return domain.JobStatus(status), nil
}

func (s *StatusStore) transition(ctx context.Context, jobID string, to domain.JobStatus) error {
	from, err := s.current(ctx, jobID)
	if err != nil {
		return err
	}
	return domain.ValidateJobTransition(from, to)
}

// MarkQueued records a new job. A job the producer already recorded as queued
// is accepted as is; any other existing record is a duplicate.
func (s *StatusStore) MarkQueued(ctx context.Context, req domain.JobRequest) error {
	from, err := s.current(ctx, req.JobID)
	if err != nil {
		return err
	}
	if from == domain.JobQueued {
		return nil
	}
	if validateErr := domain.ValidateJobTransition(from, domain.JobQueued); validateErr != nil {
		return fmt.Errorf("job %s: %w", req.JobID, validateErr)
	}

	fields := map[string]any{
		fieldJobID:       req.JobID,
		fieldStatus:      string(domain.JobQueued),
		fieldTriggeredBy: req.TriggeredBy,
		fieldQueuedAt:    s.timestamp(),
	}
	if req.SourceID != "" {
		fields[fieldSourceID] = req.SourceID
		fields[fieldChannelID] = req.SourceID
	}
	if setErr := s.rdb.HSet(ctx, s.keys.Job(req.JobID), fields).Err(); setErr != nil {
		return fmt.Errorf("record job %s: %w", req.JobID, setErr)
	}
	return nil
}

// MarkRunning moves a queued job to running.
func (s *StatusStore) MarkRunning(ctx context.Context, jobID string) error {
	if err := s.transition(ctx, jobID, domain.JobRunning); err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	err := s.rdb.HSet(ctx, s.keys.Job(jobID),
		fieldStatus, string(domain.JobRunning),
		fieldStartedAt, s.timestamp(),
	).Err()
	if err != nil {
		return fmt.Errorf("mark job %s running: %w", jobID, err)
	}
	return nil
}

// MarkCompleted records a finished job with its new item count. Sources that
// failed while others succeeded are listed alongside.
func (s *StatusStore) MarkCompleted(ctx context.Context, jobID string, total int, failedSources []string) error {
	if err := s.transition(ctx, jobID, domain.JobCompleted); err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	key := s.keys.Job(jobID)
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key,
			fieldStatus, string(domain.JobCompleted),
			fieldCompletedAt, s.timestamp(),
			fieldMessagesIngested, total,
		)
		if len(failedSources) > 0 {
			p.HSet(ctx, key, fieldFailedSources, strings.Join(failedSources, ","))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark job %s completed: %w", jobID, err)
	}
	return nil
}

// MarkFailed records a failed job. A failed job carries no item count.
func (s *StatusStore) MarkFailed(ctx context.Context, jobID, errMsg string, failedSources []string) error {
	if err := s.transition(ctx, jobID, domain.JobFailed); err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	key := s.keys.Job(jobID)
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key,
			fieldStatus, string(domain.JobFailed),
			fieldCompletedAt, s.timestamp(),
			fieldError, errMsg,
		)
		p.HDel(ctx, key, fieldMessagesIngested)
		if len(failedSources) > 0 {
			p.HSet(ctx, key, fieldFailedSources, strings.Join(failedSources, ","))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", jobID, err)
	}
	return nil
}

// Get reads a job record.
func (s *StatusStore) Get(ctx context.Context, jobID string) (domain.Job, error) {
	fields, err := s.rdb.HGetAll(ctx, s.keys.Job(jobID)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("read job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	job := domain.Job{
		ID:          fields[fieldJobID],
		Status:      domain.JobStatus(fields[fieldStatus]),
		TriggeredBy: fields[fieldTriggeredBy],
		SourceID:    fields[fieldSourceID],
		QueuedAt:    parseTime(fields[fieldQueuedAt]),
		StartedAt:   parseTime(fields[fieldStartedAt]),
		CompletedAt: parseTime(fields[fieldCompletedAt]),
		Error:       fields[fieldError],
	}
	if job.ID == "" {
		job.ID = jobID
	}
	if raw, ok := fields[fieldMessagesIngested]; ok {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			job.MessagesIngested = &n
		}
	}
	if raw := fields[fieldFailedSources]; raw != "" {
		job.FailedSources = strings.Split(raw, ",")
	}
	return job, nil
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
