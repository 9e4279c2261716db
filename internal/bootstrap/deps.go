// Package bootstrap wires the ingestor together and runs it.
//
// Serve goes through these phases:
//   - Config & Logger: load configuration and create the logger
//   - Storage: connect to PostgreSQL (migrating the schema) and Redis
//   - Services: Discord client, engine, indexing trigger, runner, stats
//   - Loops: scheduler, job consumer, presence reporter
//   - Server: health and metrics endpoints
//   - Run: wait for a signal or a fatal error, then shut down in order
package bootstrap

import (
	"fmt"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/config"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
)

// ServiceName is the name reported in logs and the health endpoint.
const ServiceName = "chat-ingestor"

// Version is set at build time with -ldflags "-X ...bootstrap.Version=...".
var Version = "dev"

// CommandDeps holds what every command needs.
type CommandDeps struct {
	Config *config.Config
	Logger logger.Logger
}

// NewCommandDeps loads and validates the config and creates the logger.
func NewCommandDeps(configPath string, debug bool) (*CommandDeps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newDeps(cfg, debug)
}

// NewUncheckedCommandDeps is NewCommandDeps without config validation.
func NewUncheckedCommandDeps(configPath string, debug bool) (*CommandDeps, error) {
	cfg, err := config.LoadUnchecked(configPath)
	if err != nil {
		return nil, err
	}
	return newDeps(cfg, debug)
}

func newDeps(cfg *config.Config, debug bool) (*CommandDeps, error) {
	if debug {
		cfg.Debug = true
		cfg.Logging.Level = "debug"
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	log = log.With(
		logger.String("service", ServiceName),
		logger.String("version", Version),
	)

	return &CommandDeps{Config: cfg, Logger: log}, nil
}
