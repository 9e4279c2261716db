package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/api"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/jobs"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/presence"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

// Serve runs the scheduler, the job consumer, the presence reporter and the
// HTTP server until SIGINT or SIGTERM.
func Serve(ctx context.Context, deps *CommandDeps) error {
	cfg := deps.Config
	log := deps.Logger
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := SetupComponents(ctx, deps)
	if err != nil {
		return err
	}
	defer c.Close(log)

	controller := scheduler.New(c.Gate, c.Runner, c.Settings, log,
		scheduler.WithObserver(c.Metrics),
		scheduler.WithRunOnStart(cfg.Scheduler.RunOnStart),
	)
	if startErr := controller.Start(ctx); startErr != nil {
		return fmt.Errorf("start scheduler: %w", startErr)
	}

	consumer := jobs.NewConsumer(c.Queue, c.Jobs, c.Runner, c.Sources(log), log,
		jobs.WithObserver(c.Metrics),
		jobs.WithPollTimeout(cfg.Queue.PollTimeout),
	)

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		_ = consumer.Run(ctx)
	}()

	if !cfg.Presence.Disabled {
		reporter := presence.NewReporter(c.Redis, c.Keys, c.Discord, c.Messages, c.Stats, c.Sources(log), log,
			presence.WithIntervals(cfg.Presence.HeartbeatInterval, cfg.Presence.MetadataInterval),
		)
		loops.Add(1)
		go func() {
			defer loops.Done()
			_ = reporter.Run(ctx)
		}()
	}

	server := api.NewServer(cfg.Server, cfg.Debug, log, func(router *gin.Engine) {
		api.RegisterRoutes(router, api.HealthOptions{
			ServiceName:    ServiceName,
			ServiceVersion: Version,
			StartTime:      time.Now(),
			Checks: []api.Check{
				{Name: "postgres", Ping: c.Messages.Ping, Critical: true},
				{Name: "redis", Ping: func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() }, Critical: true},
			},
		}, c.Metrics.Registry())
	})
	serverErr := server.StartAsync()

	log.Info("Chat ingestor started",
		logger.Int("sources", len(c.Settings.Defaults().Sources)),
		logger.String("schedule", controller.Schedule()),
		logger.Time("next_run", controller.NextRun()),
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err, ok := <-serverErr:
		if ok && err != nil {
			log.Error("HTTP server failed", logger.Error(err))
			runErr = err
		}
		stop()
	}

	return errors.Join(runErr, shutdown(log, server, controller, &loops))
}

// shutdown stops intake first, then waits for in-flight work.
func shutdown(log logger.Logger, server *api.Server, controller *scheduler.Controller, loops *sync.WaitGroup) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info("Stopping HTTP server")
	serverErr := server.Shutdown(shutdownCtx)

	log.Info("Stopping scheduler")
	controller.Stop()

	log.Info("Waiting for job consumer and presence reporter")
	done := make(chan struct{})
	go func() {
		loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("Timed out waiting for background loops")
	}

	log.Info("Chat ingestor stopped")
	return serverErr
}
