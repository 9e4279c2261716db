package bootstrap

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/activity"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/database"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/discord"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/indexing"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/ingest"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/jobs"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/metrics"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/redis"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/runner"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/settings"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/stats"
)

// Components holds the connections and services shared by the control loops.
type Components struct {
	DB       *sqlx.DB
	Redis    *goredis.Client
	Keys     redis.Keys
	Messages *database.MessageRepository
	Discord  *discord.Client
	Metrics  *metrics.Metrics
	Stats    *stats.Recorder
	Settings *settings.Store
	Gate     *activity.Gate
	Engine   *ingest.Engine
	Trigger  *indexing.Trigger
	Runner   *runner.Runner
	Queue    *jobs.Queue
	Jobs     *jobs.StatusStore
}

// SetupComponents connects to the stores, migrates the schema and builds the
// services.
func SetupComponents(ctx context.Context, deps *CommandDeps) (*Components, error) {
	cfg := deps.Config
	log := deps.Logger

	db, err := SetupDatabase(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if migrateErr := database.RunMigrations(db, log); migrateErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", migrateErr)
	}

	rdb, err := SetupRedis(ctx, cfg.Redis, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	dc, err := discord.New(cfg.Discord.BotToken, log)
	if err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return nil, err
	}
	dc.WithRateLimit(cfg.Ingestion.RequestsPerSecond)

	c := &Components{
		DB:       db,
		Redis:    rdb,
		Keys:     redis.NewKeys(cfg.Redis.KeyPrefix),
		Messages: database.NewMessageRepository(db),
		Discord:  dc,
		Metrics:  metrics.New(),
	}
	c.Stats = stats.NewRecorder(rdb, c.Keys, log)
	c.Settings = settings.NewStore(rdb, c.Keys, settings.FromConfig(cfg), log)
	c.Gate = activity.NewGate(c.Messages).WithTimeout(cfg.Ingestion.StoreTimeout)
	c.Engine = ingest.NewEngine(c.Messages, dc, log,
		ingest.WithPageSize(cfg.Ingestion.PageSize),
		ingest.WithStoreTimeout(cfg.Ingestion.StoreTimeout),
		ingest.WithStats(c.Stats),
		ingest.WithObserver(c.Metrics),
	)

	indexClient := indexing.NewClient(cfg.Indexing.APIURL, cfg.Indexing.APIKey)
	if !indexClient.IsEnabled() {
		log.Warn("Indexing API URL not set, index rebuilds are disabled")
	}
	c.Trigger = indexing.NewTrigger(indexClient, dc, log, cfg.Indexing.Timeout).WithObserver(c.Metrics)
	c.Runner = runner.New(c.Engine, c.Trigger, c.Stats, log)
	c.Queue = jobs.NewQueue(rdb, c.Keys)
	c.Jobs = jobs.NewStatusStore(rdb, c.Keys)

	return c, nil
}

// Sources returns the sources to ingest: the runtime override when one is
// set, otherwise the configured list.
func (c *Components) Sources(log logger.Logger) func(ctx context.Context) ([]domain.Source, error) {
	return func(ctx context.Context) ([]domain.Source, error) {
		s, err := c.Settings.Load(ctx)
		if err != nil {
			log.Warn("Settings unavailable, using configured sources", logger.Error(err))
		}
		return s.Sources, nil
	}
}

// Close flushes pending stats and closes the connections.
func (c *Components) Close(log logger.Logger) {
	c.Stats.Close()
	if err := c.Redis.Close(); err != nil {
		log.Warn("Failed to close Redis", logger.Error(err))
	}
	if err := c.DB.Close(); err != nil {
		log.Warn("Failed to close database", logger.Error(err))
	}
}
