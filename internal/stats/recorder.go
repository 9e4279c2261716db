// Package stats keeps the per-guild counters the dashboard reads. Updates are
// applied by a background worker so ingestion never waits on them.
package stats

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/redis"
)

const (
	FieldTotalMessages   = "total_messages"
	FieldNewestMessage   = "newest_message"
	FieldLastIndexed     = "last_indexed"
	FieldIndexedChannels = "indexed_channels"

	defaultBufferSize = 256
	writeTimeout      = 5 * time.Second
)

// newestScript keeps the larger of the stored and given newest_message.
var newestScript = goredis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local val = tonumber(ARGV[2])
if val > cur then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
return 0
`)

// Recorder applies stats deltas asynchronously.
type Recorder struct {
	rdb  goredis.Cmdable
	keys redis.Keys
	log  logger.Logger

	deltas chan domain.StatsDelta
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithBufferSize sets how many deltas may be pending before new ones are dropped.
func WithBufferSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.deltas = make(chan domain.StatsDelta, n)
		}
	}
}

// NewRecorder creates a recorder and starts its worker. Call Close to drain
// pending deltas and stop it.
func NewRecorder(rdb goredis.Cmdable, keys redis.Keys, log logger.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		rdb:    rdb,
		keys:   keys,
		log:    log,
		deltas: make(chan domain.StatsDelta, defaultBufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.work()
	return r
}

// Record queues a delta. It never blocks; a delta that does not fit in the
// buffer is dropped and logged.
func (r *Recorder) Record(delta domain.StatsDelta) {
	if delta.GroupID == "" || delta.NewItems <= 0 {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.deltas <- delta:
	default:
		r.log.Warn("Stats buffer full, dropping delta",
			logger.GroupID(delta.GroupID),
			logger.SourceID(delta.SourceID),
			logger.Int("new_items", delta.NewItems),
		)
	}
}

// Close stops accepting deltas and waits for the pending ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.deltas)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) work() {
	defer close(r.done)
	for delta := range r.deltas {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.Apply(ctx, delta); err != nil {
			r.log.Warn("Failed to update stats", logger.GroupID(delta.GroupID), logger.Error(err))
		}
		cancel()
	}
}

// Apply writes one delta synchronously.
func (r *Recorder) Apply(ctx context.Context, delta domain.StatsDelta) error {
	statsKey := r.keys.GuildStats(delta.GroupID)

	_, err := r.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HIncrBy(ctx, statsKey, FieldTotalMessages, int64(delta.NewItems))
		if delta.SourceID != "" {
			p.HIncrBy(ctx, r.keys.GuildChannelCounts(delta.GroupID), delta.SourceID, int64(delta.NewItems))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment stats of guild %s: %w", delta.GroupID, err)
	}

	if delta.NewestMessage > 0 {
		err = newestScript.Run(ctx, r.rdb, []string{statsKey},
			FieldNewestMessage, strconv.FormatInt(delta.NewestMessage, 10)).Err()
		if err != nil {
			return fmt.Errorf("update newest message of guild %s: %w", delta.GroupID, err)
		}
	}
	return nil
}

// MarkIndexed stamps the time a guild's index was last rebuilt.
func (r *Recorder) MarkIndexed(ctx context.Context, groupID string, at time.Time) error {
	err := r.rdb.HSet(ctx, r.keys.GuildStats(groupID), FieldLastIndexed, at.UTC().Format(time.RFC3339)).Err()
	if err != nil {
		return fmt.Errorf("mark guild %s indexed: %w", groupID, err)
	}
	return nil
}

// SetIndexedChannels records how many channels of a guild hold messages.
func (r *Recorder) SetIndexedChannels(ctx context.Context, groupID string, n int) error {
	err := r.rdb.HSet(ctx, r.keys.GuildStats(groupID), FieldIndexedChannels, n).Err()
	if err != nil {
		return fmt.Errorf("set indexed channels of guild %s: %w", groupID, err)
	}
	return nil
}
