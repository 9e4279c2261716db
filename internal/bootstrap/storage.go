package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/config"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/database"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/redis"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/retry"
)

const (
	connectAttempts     = 5
	connectInitialDelay = time.Second
	connectMaxDelay     = 15 * time.Second
)

// connectRetry retries everything but missing configuration: on startup a
// dependency that is still coming up looks like any other failure.
func connectRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  connectAttempts,
		InitialDelay: connectInitialDelay,
		MaxDelay:     connectMaxDelay,
		IsRetryable: func(err error) bool {
			return !errors.Is(err, redis.ErrEmptyAddress)
		},
	}
}

// SetupDatabase connects to PostgreSQL, retrying while it comes up.
func SetupDatabase(ctx context.Context, cfg config.DatabaseConfig, log logger.Logger) (*sqlx.DB, error) {
	var db *sqlx.DB
	err := retry.Do(ctx, connectRetry(), func() error {
		conn, connErr := database.NewPostgresConnection(ctx, cfg)
		if connErr != nil {
			log.Warn("Database not ready", logger.String("host", cfg.Host), logger.Error(connErr))
			return connErr
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	log.Info("Connected to database", logger.String("host", cfg.Host), logger.String("dbname", cfg.DBName))
	return db, nil
}

// SetupRedis connects to Redis, retrying while it comes up.
func SetupRedis(ctx context.Context, cfg config.RedisConfig, log logger.Logger) (*goredis.Client, error) {
	var client *goredis.Client
	err := retry.Do(ctx, connectRetry(), func() error {
		c, connErr := redis.NewClient(ctx, cfg)
		if connErr != nil {
			log.Warn("Redis not ready", logger.String("address", cfg.Address), logger.Error(connErr))
			return connErr
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	log.Info("Connected to Redis", logger.String("address", cfg.Address))
	return client, nil
}
