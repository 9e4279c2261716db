// Package settings overlays runtime overrides stored in Redis by the admin
// dashboard on top of the static configuration.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/config"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/redis"
)

// Override names as written by the dashboard.
const (
	KeyChannelIDs   = "channel_ids"
	KeyScheduleCron = "schedule_cron"
	KeyQuietPeriod  = "quiet_period_minutes"
	KeyBackoff      = "backoff_minutes"
	KeyAutoIngest   = "auto_ingest_enabled"
)

var overrideNames = []string{KeyChannelIDs, KeyScheduleCron, KeyQuietPeriod, KeyBackoff, KeyAutoIngest}

// Settings are the values a scheduled cycle runs with.
type Settings struct {
	Sources     []domain.Source
	Cron        string
	QuietPeriod time.Duration
	Backoff     time.Duration
	MaxRetries  int
	AutoIngest  bool
}

// FromConfig builds the static settings.
func FromConfig(cfg *config.Config) Settings {
	return Settings{
		Sources:     cfg.AllSources(),
		Cron:        cfg.Scheduler.Cron,
		QuietPeriod: cfg.Scheduler.QuietPeriod(),
		Backoff:     cfg.Scheduler.Backoff(),
		MaxRetries:  cfg.Scheduler.Retries(),
		AutoIngest:  !cfg.Scheduler.Disabled,
	}
}

// Store reads overrides from Redis.
type Store struct {
	rdb      goredis.Cmdable
	keys     redis.Keys
	defaults Settings
	log      logger.Logger
}

// NewStore creates a store falling back to defaults.
func NewStore(rdb goredis.Cmdable, keys redis.Keys, defaults Settings, log logger.Logger) *Store {
	return &Store{rdb: rdb, keys: keys, defaults: defaults, log: log}
}

// Defaults returns the static settings.
func (s *Store) Defaults() Settings {
	return s.defaults
}

// Load returns the defaults with every valid override applied. Invalid
// overrides are ignored with a warning. On a Redis error the defaults are
// returned together with the error.
func (s *Store) Load(ctx context.Context) (Settings, error) {
	keys := make([]string, len(overrideNames))
	for i, name := range overrideNames {
		keys[i] = s.keys.Setting(name)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return s.defaults, fmt.Errorf("read settings overrides: %w", err)
	}

	out := s.defaults
	for i, name := range overrideNames {
		raw, ok := values[i].(string)
		if !ok {
			continue
		}
		if applyErr := apply(&out, name, strings.TrimSpace(raw)); applyErr != nil {
			s.log.Warn("Ignoring invalid settings override",
				logger.String("setting", name),
				logger.String("value", raw),
				logger.Error(applyErr),
			)
		}
	}
	return out, nil
}

func apply(s *Settings, name, raw string) error {
	switch name {
	case KeyChannelIDs:
		ids := config.SplitList(raw)
		if len(ids) == 0 {
			return fmt.Errorf("empty channel list")
		}
		s.Sources = overrideSources(s.Sources, ids)
	case KeyScheduleCron:
		if err := config.ValidateCron(raw); err != nil {
			return err
		}
		s.Cron = raw
	case KeyQuietPeriod:
		minutes, err := parseMinutes(name, raw)
		if err != nil {
			return err
		}
		s.QuietPeriod = minutes
	case KeyBackoff:
		minutes, err := parseMinutes(name, raw)
		if err != nil {
			return err
		}
		s.Backoff = minutes
	case KeyAutoIngest:
		s.AutoIngest = !strings.EqualFold(raw, "false")
	}
	return nil
}

func parseMinutes(name, raw string) (time.Duration, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if err := config.ValidateWindowMinutes(name, n); err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Minute, nil
}

// overrideSources keeps configured guild ids for channels that remain listed.
func overrideSources(current []domain.Source, ids []string) []domain.Source {
	groups := make(map[string]string, len(current))
	for _, s := range current {
		groups[s.ID] = s.GroupID
	}

	seen := make(map[string]bool, len(ids))
	out := make([]domain.Source, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, domain.Source{ID: id, GroupID: groups[id]})
	}
	return out
}
