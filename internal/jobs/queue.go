// Package jobs implements manual ingestion triggers: a Redis list of JSON job
// requests, a status hash per job, and the consumer loop that runs them.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/redis"
)

// ErrMalformedPayload is returned for a queue entry that cannot be decoded.
var ErrMalformedPayload = errors.New("malformed job payload")

const (
	jobTypeIngest       = "ingest"
	defaultTriggeredBy  = "unknown"
	jobIDTimeLayout     = "20060102_150405"
	jobIDSuffixLength   = 8
	defaultPollTimeout  = 5 * time.Second
	queuePayloadVersion = 1
)

// payload is the queue wire format. channel_id is the field name the admin
// dashboard writes and is accepted as an alias of source_id.
type payload struct {
	JobID       string `json:"job_id"`
	Type        string `json:"type,omitempty"`
	TriggeredBy string `json:"triggered_by"`
	SourceID    string `json:"source_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	TriggeredAt string `json:"triggered_at,omitempty"`
	Version     int    `json:"version,omitempty"`
}

// ParseJobRequest decodes a queue entry. A payload without a job id is
// malformed since no status record could be kept for it.
func ParseJobRequest(data []byte) (domain.JobRequest, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.JobRequest{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	req := domain.JobRequest{
		JobID:       strings.TrimSpace(p.JobID),
		TriggeredBy: strings.TrimSpace(p.TriggeredBy),
		SourceID:    strings.TrimSpace(p.SourceID),
	}
	if req.JobID == "" {
		return domain.JobRequest{}, fmt.Errorf("%w: missing job_id", ErrMalformedPayload)
	}
	if req.SourceID == "" {
		req.SourceID = strings.TrimSpace(p.ChannelID)
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = defaultTriggeredBy
	}
	return req, nil
}

// NewJobID returns an id of the form manual_<utc timestamp>_<random>.
func NewJobID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:jobIDSuffixLength]
	return fmt.Sprintf("manual_%s_%s", now.UTC().Format(jobIDTimeLayout), suffix)
}

// Queue is the Redis list of pending manual jobs. Producers LPUSH and the
// consumer BRPOPs, so jobs run in arrival order.
type Queue struct {
	rdb goredis.Cmdable
	key string
	now func() time.Time
}

// NewQueue creates a queue in the given key space.
func NewQueue(rdb goredis.Cmdable, keys redis.Keys) *Queue {
	return &Queue{rdb: rdb, key: keys.IngestQueue(), now: time.Now}
}

// Pop blocks up to timeout for the next payload. It returns nil, nil when the
// wait times out with nothing queued.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}

	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop %s: %w", q.key, err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Enqueue pushes a job request, generating a job id when none is set, and
// returns the request as queued.
func (q *Queue) Enqueue(ctx context.Context, req domain.JobRequest) (domain.JobRequest, error) {
	now := q.now()
	if req.JobID == "" {
		req.JobID = NewJobID(now)
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = defaultTriggeredBy
	}

	data, err := json.Marshal(payload{
		JobID:       req.JobID,
		Type:        jobTypeIngest,
		TriggeredBy: req.TriggeredBy,
		SourceID:    req.SourceID,
		ChannelID:   req.SourceID,
		TriggeredAt: now.UTC().Format(time.RFC3339),
		Version:     queuePayloadVersion,
	})
	if err != nil {
		return req, fmt.Errorf("marshal job request: %w", err)
	}

	if pushErr := q.rdb.LPush(ctx, q.key, data).Err(); pushErr != nil {
		return req, fmt.Errorf("push %s: %w", q.key, pushErr)
	}
	return req, nil
}

// Len returns the number of pending jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("length of %s: %w", q.key, err)
	}
	return n, nil
}
