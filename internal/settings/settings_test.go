package settings_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/config"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/redis"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/settings"
)

func defaults() settings.Settings {
	return settings.Settings{
		Sources:     []domain.Source{{ID: "c1", GroupID: "g1"}, {ID: "c2"}},
		Cron:        config.DefaultCron,
		QuietPeriod: 15 * time.Minute,
		Backoff:     10 * time.Minute,
		MaxRetries:  6,
		AutoIngest:  true,
	}
}

func newStore(t *testing.T) (*settings.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return settings.NewStore(rdb, redis.NewKeys("test"), defaults(), logger.NewNop()), mr
}

func TestStore_Load_NoOverrides(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, defaults(), got)
}

func TestStore_Load_AppliesOverrides(t *testing.T) {
	t.Parallel()

	store, mr := newStore(t)
	mr.Set("test:settings:channel_ids", "c1, c3,c1")
	mr.Set("test:settings:schedule_cron", "30 4 * * *")
	mr.Set("test:settings:quiet_period_minutes", "0")
	mr.Set("test:settings:backoff_minutes", "5")
	mr.Set("test:settings:auto_ingest_enabled", "FALSE")

	got, err := store.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []domain.Source{{ID: "c1", GroupID: "g1"}, {ID: "c3"}}, got.Sources)
	assert.Equal(t, "30 4 * * *", got.Cron)
	assert.Zero(t, got.QuietPeriod)
	assert.Equal(t, 5*time.Minute, got.Backoff)
	assert.False(t, got.AutoIngest)
	assert.Equal(t, 6, got.MaxRetries)
}

func TestStore_Load_IgnoresInvalidOverrides(t *testing.T) {
	t.Parallel()

	store, mr := newStore(t)
	mr.Set("test:settings:channel_ids", " , ")
	mr.Set("test:settings:schedule_cron", "whenever")
	mr.Set("test:settings:quiet_period_minutes", "abc")
	mr.Set("test:settings:backoff_minutes", "5000")
	mr.Set("test:settings:auto_ingest_enabled", "yes")

	got, err := store.Load(context.Background())
	require.NoError(t, err)

	want := defaults()
	assert.Equal(t, want, got)
}

func TestStore_Load_RedisDown(t *testing.T) {
	t.Parallel()

	store, mr := newStore(t)
	mr.Close()

	got, err := store.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, defaults(), got)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	retries := 0
	cfg := &config.Config{
		Discord: config.DiscordConfig{ChannelIDs: []string{"c1"}},
		Scheduler: config.SchedulerConfig{
			Disabled:           true,
			Cron:               "0 1 * * *",
			QuietPeriodMinutes: 2,
			BackoffMinutes:     3,
			MaxRetries:         &retries,
		},
	}

	got := settings.FromConfig(cfg)
	assert.Equal(t, []domain.Source{{ID: "c1"}}, got.Sources)
	assert.Equal(t, 2*time.Minute, got.QuietPeriod)
	assert.Equal(t, 3*time.Minute, got.Backoff)
	assert.Equal(t, 0, got.MaxRetries)
	assert.False(t, got.AutoIngest)
}
