// Package presence publishes the bot heartbeat and the guild metadata cache
// the dashboard renders.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/discord"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/redis"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMetadataInterval  = 5 * time.Minute

	statusOnline  = "online"
	statusOffline = "offline"

	heartbeatTTLFactor = 3
	offlineTimeout     = 5 * time.Second
)

// Platform provides identity and guild metadata.
type Platform interface {
	Self(ctx context.Context) (discord.Identity, error)
	GroupOf(ctx context.Context, sourceID string) (string, error)
	Guild(ctx context.Context, groupID string) (discord.GuildInfo, error)
	Channels(ctx context.Context, groupID string) ([]discord.ChannelInfo, error)
}

// MessageCounter counts stored messages per channel of a guild.
type MessageCounter interface {
	ChannelCounts(ctx context.Context, groupID string) (map[string]int64, error)
}

// StatsWriter records derived guild stats.
type StatsWriter interface {
	SetIndexedChannels(ctx context.Context, groupID string, n int) error
}

// SourcesFunc returns the currently configured sources.
type SourcesFunc func(ctx context.Context) ([]domain.Source, error)

type channelEntry struct {
	Name         string `json:"name"`
	MessageCount int64  `json:"message_count"`
}

// Reporter runs the heartbeat and metadata loops.
type Reporter struct {
	rdb      goredis.Cmdable
	keys     redis.Keys
	platform Platform
	counter  MessageCounter
	stats    StatsWriter
	sources  SourcesFunc
	log      logger.Logger

	heartbeatInterval time.Duration
	metadataInterval  time.Duration

	now     func() time.Time
	started time.Time
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithIntervals overrides the heartbeat and metadata intervals.
func WithIntervals(heartbeat, metadata time.Duration) Option {
	return func(r *Reporter) {
		if heartbeat > 0 {
			r.heartbeatInterval = heartbeat
		}
		if metadata > 0 {
			r.metadataInterval = metadata
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// NewReporter creates a reporter.
func NewReporter(
	rdb goredis.Cmdable,
	keys redis.Keys,
	platform Platform,
	counter MessageCounter,
	stats StatsWriter,
	sources SourcesFunc,
	log logger.Logger,
	opts ...Option,
) *Reporter {
	r := &Reporter{
		rdb:               rdb,
		keys:              keys,
		platform:          platform,
		counter:           counter,
		stats:             stats,
		sources:           sources,
		log:               log,
		heartbeatInterval: DefaultHeartbeatInterval,
		metadataInterval:  DefaultMetadataInterval,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.now()
	return r
}

// Run publishes a heartbeat and refreshes metadata right away, then on their
// intervals until ctx is cancelled. The bot is marked offline on the way out.
func (r *Reporter) Run(ctx context.Context) error {
	r.log.Info("Presence reporter started",
		logger.Duration("heartbeat_interval", r.heartbeatInterval),
		logger.Duration("metadata_interval", r.metadataInterval),
	)

	r.heartbeat(ctx)
	r.refresh(ctx)

	heartbeat := time.NewTicker(r.heartbeatInterval)
	defer heartbeat.Stop()
	metadata := time.NewTicker(r.metadataInterval)
	defer metadata.Stop()

	for {
		select {
		case <-ctx.Done():
			r.offline(ctx)
			r.log.Info("Presence reporter stopped")
			return nil
		case <-heartbeat.C:
			r.heartbeat(ctx)
		case <-metadata.C:
			r.refresh(ctx)
		}
	}
}

func (r *Reporter) offline(ctx context.Context) {
	offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), offlineTimeout)
	defer cancel()
	if err := r.MarkOffline(offCtx); err != nil {
		r.log.Warn("Failed to mark bot offline", logger.Error(err))
	}
}

func (r *Reporter) heartbeat(ctx context.Context) {
	if err := r.Heartbeat(ctx); err != nil {
		r.log.Warn("Heartbeat failed", logger.Error(err))
	}
}

func (r *Reporter) refresh(ctx context.Context) {
	if err := r.RefreshMetadata(ctx); err != nil {
		r.log.Warn("Metadata refresh failed", logger.Error(err))
	}
}

// Heartbeat writes the online status hash with a TTL of three intervals, so a
// crashed process goes stale on its own.
func (r *Reporter) Heartbeat(ctx context.Context) error {
	now := r.now()
	fields := map[string]any{
		"status":         statusOnline,
		"started_at":     r.started.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(now.Sub(r.started).Seconds()),
		"updated_at":     now.UTC().Format(time.RFC3339),
	}

	if self, err := r.platform.Self(ctx); err != nil {
		r.log.Debug("Bot identity unavailable", logger.Error(err))
	} else {
		fields["user_id"] = self.ID
		fields["username"] = self.Username
	}

	if sources, err := r.sources(ctx); err == nil {
		fields["source_count"] = len(sources)
		fields["group_count"] = len(r.groups(ctx, sources))
	}

	key := r.keys.BotStatus()
	_, err := r.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		p.Expire(ctx, key, heartbeatTTLFactor*r.heartbeatInterval)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// MarkOffline records that the bot stopped.
func (r *Reporter) MarkOffline(ctx context.Context) error {
	err := r.rdb.HSet(ctx, r.keys.BotStatus(),
		"status", statusOffline,
		"updated_at", r.now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return fmt.Errorf("write offline status: %w", err)
	}
	return nil
}

// RefreshMetadata caches guild info and the channel listing of every guild
// the configured sources belong to. Guilds fail independently.
func (r *Reporter) RefreshMetadata(ctx context.Context) error {
	sources, err := r.sources(ctx)
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}

	var errs []error
	for _, groupID := range r.groups(ctx, sources) {
		if refreshErr := r.refreshGroup(ctx, groupID); refreshErr != nil {
			errs = append(errs, refreshErr)
		}
	}
	return errors.Join(errs...)
}

func (r *Reporter) refreshGroup(ctx context.Context, groupID string) error {
	now := r.now().UTC().Format(time.RFC3339)

	guild, err := r.platform.Guild(ctx, groupID)
	if err != nil {
		return fmt.Errorf("guild %s: %w", groupID, err)
	}
	err = r.rdb.HSet(ctx, r.keys.GuildInfo(groupID),
		"name", guild.Name,
		"member_count", guild.MemberCount,
		"updated_at", now,
	).Err()
	if err != nil {
		return fmt.Errorf("write info of guild %s: %w", groupID, err)
	}

	channels, err := r.platform.Channels(ctx, groupID)
	if err != nil {
		return fmt.Errorf("channels of guild %s: %w", groupID, err)
	}
	counts, err := r.counter.ChannelCounts(ctx, groupID)
	if err != nil {
		r.log.Warn("Message counts unavailable", logger.GroupID(groupID), logger.Error(err))
		counts = map[string]int64{}
	}

	entries := make(map[string]any, len(channels))
	indexed := 0
	for _, ch := range channels {
		n := counts[ch.ID]
		if n > 0 {
			indexed++
		}
		data, marshalErr := json.Marshal(channelEntry{Name: ch.Name, MessageCount: n})
		if marshalErr != nil {
			return fmt.Errorf("encode channel %s: %w", ch.ID, marshalErr)
		}
		entries[ch.ID] = string(data)
	}

	channelsKey := r.keys.GuildChannels(groupID)
	_, err = r.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, channelsKey)
		if len(entries) > 0 {
			p.HSet(ctx, channelsKey, entries)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write channels of guild %s: %w", groupID, err)
	}

	if r.stats != nil {
		if statsErr := r.stats.SetIndexedChannels(ctx, groupID, indexed); statsErr != nil {
			return statsErr
		}
	}
	return nil
}

// groups returns the distinct guilds of sources in order. Sources with no
// configured guild are resolved through the platform.
func (r *Reporter) groups(ctx context.Context, sources []domain.Source) []string {
	seen := make(map[string]struct{}, len(sources))
	var out []string
	for _, src := range sources {
		groupID := src.GroupID
		if groupID == "" {
			resolved, err := r.platform.GroupOf(ctx, src.ID)
			if err != nil {
				r.log.Debug("Guild of source unknown", logger.SourceID(src.ID), logger.Error(err))
				continue
			}
			groupID = resolved
		}
		if _, ok := seen[groupID]; ok {
			continue
		}
		seen[groupID] = struct{}{}
		out = append(out, groupID)
	}
	return out
}
