package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/database"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/jobs"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/redis"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/runner"
)

// RunOnce ingests and indexes immediately, skipping the activity gate. With a
// source id only that channel is ingested.
func RunOnce(ctx context.Context, deps *CommandDeps, sourceID string) (runner.Result, error) {
	log := deps.Logger
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := SetupComponents(ctx, deps)
	if err != nil {
		return runner.Result{}, err
	}
	defer c.Close(log)

	sources, err := c.Sources(log)(ctx)
	if err != nil {
		return runner.Result{}, err
	}
	if sourceID != "" {
		sources = selectSource(sources, sourceID)
	}

	return c.Runner.Run(ctx, sources)
}

func selectSource(sources []domain.Source, sourceID string) []domain.Source {
	for _, src := range sources {
		if src.ID == sourceID {
			return []domain.Source{src}
		}
	}
	return []domain.Source{{ID: sourceID}}
}

// Enqueue submits a manual job for the running service to pick up. Only
// Redis is needed.
func Enqueue(ctx context.Context, deps *CommandDeps, req domain.JobRequest) (domain.JobRequest, error) {
	rdb, err := SetupRedis(ctx, deps.Config.Redis, deps.Logger)
	if err != nil {
		return req, err
	}
	defer func() { _ = rdb.Close() }()

	keys := redis.NewKeys(deps.Config.Redis.KeyPrefix)
	queued, err := jobs.Submit(ctx, jobs.NewQueue(rdb, keys), jobs.NewStatusStore(rdb, keys), req)
	if err != nil {
		return req, fmt.Errorf("submit job: %w", err)
	}

	deps.Logger.Info("Job queued", logger.JobID(queued.JobID), logger.SourceID(queued.SourceID))
	return queued, nil
}

// Migrate applies all migrations, or rolls back steps when steps > 0.
func Migrate(ctx context.Context, deps *CommandDeps, steps int) error {
	db, err := SetupDatabase(ctx, deps.Config.Database, deps.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if steps > 0 {
		return database.MigrateDown(db, steps, deps.Logger)
	}
	return database.RunMigrations(db, deps.Logger)
}

// JobStatus reads the record of a manual job.
func JobStatus(ctx context.Context, deps *CommandDeps, jobID string) (domain.Job, error) {
	rdb, err := SetupRedis(ctx, deps.Config.Redis, deps.Logger)
	if err != nil {
		return domain.Job{}, err
	}
	defer func() { _ = rdb.Close() }()

	return jobs.NewStatusStore(rdb, redis.NewKeys(deps.Config.Redis.KeyPrefix)).Get(ctx, jobID)
}
