// Package config loads the chat-ingestor configuration from a YAML file,
// optional .env files and environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
)

const (
	defaultConfigPath = "config.yml"

	defaultServerHost      = "0.0.0.0"
	defaultServerPort      = 8075
	defaultServerTimeout   = 30 * time.Second
	defaultDatabasePort    = 5432
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 5 * time.Minute
	defaultRedisAddress    = "localhost:6379"
	defaultKeyPrefix       = "discord_rag"

	DefaultCron               = "0 3 * * *"
	DefaultQuietPeriodMinutes = 15
	DefaultBackoffMinutes     = 10
	DefaultMaxRetries         = 6

	DefaultPageSize          = 100
	MaxPageSize              = 100
	DefaultRequestsPerSecond = 5

	defaultStoreTimeout      = 30 * time.Second
	defaultIndexingTimeout   = 5 * time.Minute
	defaultPollTimeout       = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultMetadataInterval  = 5 * time.Minute

	// MaxWindowMinutes bounds quiet period and backoff settings to one day.
	MaxWindowMinutes = 1440
)

// Config is the full service configuration.
type Config struct {
	Debug     bool            `env:"APP_DEBUG" yaml:"debug"`
	Logging   logger.Config   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Discord   DiscordConfig   `yaml:"discord"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Indexing  IndexingConfig  `yaml:"indexing"`
	Queue     QueueConfig     `yaml:"queue"`
	Presence  PresenceConfig  `yaml:"presence"`
}

type ServerConfig struct {
	Host         string        `env:"SERVER_HOST" yaml:"host"`
	Port         int           `env:"SERVER_PORT" yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Address returns host:port for the HTTP listener.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host            string        `env:"DB_HOST"     yaml:"host"`
	Port            int           `env:"DB_PORT"     yaml:"port"`
	User            string        `env:"DB_USER"     yaml:"user"`
	Password        string        `env:"DB_PASSWORD" yaml:"password"`
	DBName          string        `env:"DB_NAME"     yaml:"dbname"`
	SSLMode         string        `env:"DB_SSLMODE"  yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Address   string `env:"REDIS_ADDRESS"    yaml:"address"`
	Password  string `env:"REDIS_PASSWORD"   yaml:"password"`
	DB        int    `env:"REDIS_DB"         yaml:"db"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX" yaml:"key_prefix"`
}

// DiscordConfig lists the channels to ingest. Sources may carry a guild id;
// ChannelIDs is the flat form used from the environment.
type DiscordConfig struct {
	BotToken   string          `env:"DISCORD_BOT_TOKEN"   yaml:"bot_token"`
	Sources    []domain.Source `yaml:"sources"`
	ChannelIDs []string        `env:"DISCORD_CHANNEL_IDS" yaml:"channel_ids"`
}

type SchedulerConfig struct {
	Disabled           bool   `env:"SCHEDULER_DISABLED"    yaml:"disabled"`
	Cron               string `env:"SCHEDULE_CRON"         yaml:"cron"`
	QuietPeriodMinutes int    `env:"QUIET_PERIOD_MINUTES"  yaml:"quiet_period_minutes"`
	BackoffMinutes     int    `env:"BACKOFF_MINUTES"       yaml:"backoff_minutes"`
	MaxRetries         *int   `env:"MAX_RETRIES"           yaml:"max_retries"`
	RunOnStart         bool   `env:"SCHEDULER_RUN_ON_START" yaml:"run_on_start"`
}

// QuietPeriod returns the quiet window as a duration.
func (s SchedulerConfig) QuietPeriod() time.Duration {
	return time.Duration(s.QuietPeriodMinutes) * time.Minute
}

// Retries returns the configured backoff retry bound. An explicit zero is kept;
// only an unset value falls back to the default.
func (s SchedulerConfig) Retries() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *s.MaxRetries
}

// Backoff returns the delay between gate checks.
func (s SchedulerConfig) Backoff() time.Duration {
	return time.Duration(s.BackoffMinutes) * time.Minute
}

type IngestionConfig struct {
	PageSize          int     `env:"INGEST_PAGE_SIZE"           yaml:"page_size"`
	RequestsPerSecond float64       `env:"INGEST_REQUESTS_PER_SECOND" yaml:"requests_per_second"`
	StoreTimeout      time.Duration `env:"INGEST_STORE_TIMEOUT"       yaml:"store_timeout"`
}

type IndexingConfig struct {
	APIURL  string        `env:"INDEXING_API_URL" yaml:"api_url"`
	APIKey  string        `env:"INDEXING_API_KEY" yaml:"api_key"`
	Timeout time.Duration `env:"INDEXING_TIMEOUT" yaml:"timeout"`
}

type QueueConfig struct {
	PollTimeout time.Duration `env:"QUEUE_POLL_TIMEOUT" yaml:"poll_timeout"`
}

type PresenceConfig struct {
	Disabled          bool          `env:"PRESENCE_DISABLED" yaml:"disabled"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MetadataInterval  time.Duration `yaml:"metadata_interval"`
}

// Load reads the config at path. A missing file is tolerated so the service
// can be configured from the environment alone.
func Load(path string) (*Config, error) {
	cfg, err := LoadUnchecked(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadUnchecked reads the config without validating it, for commands such as
// migrate that only use part of it.
func LoadUnchecked(path string) (*Config, error) {
	if path == "" {
		path = GetConfigPath(defaultConfigPath)
	}

	cfg, err := loadYAML(path, true, setDefaults)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// AllSources merges the configured sources with the flat channel id list.
// Order is preserved and duplicates are dropped.
func (c *Config) AllSources() []domain.Source {
	seen := make(map[string]bool, len(c.Discord.Sources)+len(c.Discord.ChannelIDs))
	out := make([]domain.Source, 0, len(c.Discord.Sources)+len(c.Discord.ChannelIDs))

	for _, s := range c.Discord.Sources {
		if s.ID == "" || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	for _, id := range c.Discord.ChannelIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, domain.Source{ID: id})
	}

	return out
}

// Validate checks the fields the service cannot start without.
func (c *Config) Validate() error {
	if c.Discord.BotToken == "" {
		return &ValidationError{Field: "discord.bot_token", Message: "is required"}
	}
	if len(c.AllSources()) == 0 {
		return &ValidationError{Field: "discord.sources", Message: "at least one channel is required"}
	}
	if c.Database.Host == "" {
		return &ValidationError{Field: "database.host", Message: "is required"}
	}
	if c.Database.DBName == "" {
		return &ValidationError{Field: "database.dbname", Message: "is required"}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Ingestion.PageSize < 1 || c.Ingestion.PageSize > MaxPageSize {
		return &ValidationError{Field: "ingestion.page_size", Message: fmt.Sprintf("must be between 1 and %d", MaxPageSize)}
	}
	if c.Scheduler.Retries() < 0 {
		return &ValidationError{Field: "scheduler.max_retries", Message: "must not be negative"}
	}
	if err := ValidateWindowMinutes("scheduler.quiet_period_minutes", c.Scheduler.QuietPeriodMinutes); err != nil {
		return err
	}
	if err := ValidateWindowMinutes("scheduler.backoff_minutes", c.Scheduler.BackoffMinutes); err != nil {
		return err
	}
	if err := ValidateCron(c.Scheduler.Cron); err != nil {
		return &ValidationError{Field: "scheduler.cron", Message: err.Error()}
	}
	return nil
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ErrEmptyCron is returned for a blank schedule expression.
var ErrEmptyCron = errors.New("cron expression is empty")

// ValidateCron checks a standard five field cron expression.
func ValidateCron(expr string) error {
	if expr == "" {
		return ErrEmptyCron
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return nil
}

// ValidateWindowMinutes checks a minutes setting is within 0..1440.
func ValidateWindowMinutes(field string, minutes int) error {
	if minutes < 0 || minutes > MaxWindowMinutes {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be between 0 and %d", MaxWindowMinutes)}
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultServerPort
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultServerTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultServerTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
		if cfg.Debug {
			cfg.Logging.Level = "debug"
		}
	}

	setDatabaseDefaults(&cfg.Database)

	if cfg.Redis.Address == "" {
		cfg.Redis.Address = defaultRedisAddress
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = defaultKeyPrefix
	}

	if cfg.Scheduler.Cron == "" {
		cfg.Scheduler.Cron = DefaultCron
	}
	if cfg.Scheduler.QuietPeriodMinutes == 0 {
		cfg.Scheduler.QuietPeriodMinutes = DefaultQuietPeriodMinutes
	}
	if cfg.Scheduler.BackoffMinutes == 0 {
		cfg.Scheduler.BackoffMinutes = DefaultBackoffMinutes
	}
	if cfg.Scheduler.MaxRetries == nil {
		retries := DefaultMaxRetries
		cfg.Scheduler.MaxRetries = &retries
	}

	if cfg.Ingestion.PageSize == 0 {
		cfg.Ingestion.PageSize = DefaultPageSize
	}
	if cfg.Ingestion.RequestsPerSecond == 0 {
		cfg.Ingestion.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Ingestion.StoreTimeout == 0 {
		cfg.Ingestion.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Indexing.Timeout == 0 {
		cfg.Indexing.Timeout = defaultIndexingTimeout
	}
	if cfg.Queue.PollTimeout == 0 {
		cfg.Queue.PollTimeout = defaultPollTimeout
	}
	if cfg.Presence.HeartbeatInterval == 0 {
		cfg.Presence.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Presence.MetadataInterval == 0 {
		cfg.Presence.MetadataInterval = defaultMetadataInterval
	}
}

func setDatabaseDefaults(db *DatabaseConfig) {
	if db.Port == 0 {
		db.Port = defaultDatabasePort
	}
	if db.SSLMode == "" {
		db.SSLMode = "disable"
	}
	if db.MaxOpenConns == 0 {
		db.MaxOpenConns = defaultMaxOpenConns
	}
	if db.MaxIdleConns == 0 {
		db.MaxIdleConns = defaultMaxIdleConns
	}
	if db.ConnMaxLifetime == 0 {
		db.ConnMaxLifetime = defaultConnMaxLifetime
	}
}
