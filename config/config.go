// Package config loads docsync settings from a YAML file and DOCSYNC_ environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/c0deZ3R0/go-docsync/conflict"
	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/queue"
	"github.com/c0deZ3R0/go-docsync/retry"
	"github.com/c0deZ3R0/go-docsync/storage"
	"github.com/c0deZ3R0/go-docsync/storage/file"
	"github.com/c0deZ3R0/go-docsync/storage/memory"
	"github.com/c0deZ3R0/go-docsync/storage/postgres"
	"github.com/c0deZ3R0/go-docsync/storage/sqlite"
)

// EnvPrefix prefixes every environment override, e.g. DOCSYNC_STORAGE_DRIVER.
const EnvPrefix = "DOCSYNC"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full docsync configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Server    ServerConfig    `mapstructure:"server"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Conflicts ConflictsConfig `mapstructure:"conflicts"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// StorageConfig selects where the offline queue is persisted.
type StorageConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	DSN       string `mapstructure:"dsn"`
	Table     string `mapstructure:"table"`
	EnableWAL bool   `mapstructure:"enable_wal"`
}

// RemoteConfig points at the document server.
type RemoteConfig struct {
	URL          string        `mapstructure:"url"`
	WebSocketURL string        `mapstructure:"websocket_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures `docsync serve`.
type ServerConfig struct {
	Addr            string `mapstructure:"addr"`
	MaxRequestBytes int64  `mapstructure:"max_request_bytes"`
}

// QueueConfig mirrors queue.Config and queue.ProcessorConfig.
type QueueConfig struct {
	MaxSize        int           `mapstructure:"max_size"`
	MaxRetryCount  int           `mapstructure:"max_retry_count"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchDelay     time.Duration `mapstructure:"batch_delay"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	RespectBackoff bool          `mapstructure:"respect_backoff"`
}

// RetryConfig mirrors retry.Config.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     float64       `mapstructure:"jitter"`
}

// ConflictsConfig configures path-scoped resolution strategies.
type ConflictsConfig struct {
	RulesFile       string `mapstructure:"rules_file"`
	DefaultStrategy string `mapstructure:"default_strategy"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", DriverFile)
	v.SetDefault("storage.path", ".docsync")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.table", "")
	v.SetDefault("storage.enable_wal", true)

	v.SetDefault("remote.url", "http://localhost:8080")
	v.SetDefault("remote.websocket_url", "")
	v.SetDefault("remote.timeout", 30*time.Second)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.max_request_bytes", 10<<20)

	v.SetDefault("queue.max_size", 1000)
	v.SetDefault("queue.max_retry_count", 5)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.batch_delay", 100*time.Millisecond)
	v.SetDefault("queue.base_delay", time.Second)
	v.SetDefault("queue.max_delay", 5*time.Minute)
	v.SetDefault("queue.respect_backoff", false)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.jitter", 0.0)

	v.SetDefault("conflicts.rules_file", "")
	v.SetDefault("conflicts.default_strategy", string(conflict.ClientWins))

	v.SetDefault("logging.level", logging.DefaultConfig.Level)
	v.SetDefault("logging.format", logging.DefaultConfig.Format)
	v.SetDefault("logging.environment", logging.DefaultConfig.Environment)
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", logging.DefaultConfig.MaxSizeMB)
	v.SetDefault("logging.max_backups", logging.DefaultConfig.MaxBackups)
	v.SetDefault("logging.max_age_days", logging.DefaultConfig.MaxAgeDays)
}

// Load reads path (optional) and applies environment overrides on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, syncErrors.NewValidationError(syncErrors.OpInit, fmt.Errorf("read config %s: %w", path, err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpInit, fmt.Errorf("decode config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverFile, DriverSQLite, DriverPostgres:
	default:
		return syncErrors.NewValidationError(syncErrors.OpInit, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver == DriverPostgres && c.Storage.DSN == "" {
		return syncErrors.NewValidationError(syncErrors.OpInit, fmt.Errorf("storage.dsn is required for postgres"))
	}
	if _, err := conflict.ParseStrategy(c.Conflicts.DefaultStrategy); err != nil {
		return syncErrors.NewValidationError(syncErrors.OpInit, err)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return syncErrors.NewValidationError(syncErrors.OpInit, fmt.Errorf("retry.jitter must be within [0,1]"))
	}
	return nil
}

// OpenStore opens the configured key-value backend.
func (c *Config) OpenStore(logger *slog.Logger) (storage.KeyValueStore, error) {
	switch c.Storage.Driver {
	case DriverMemory:
		return memory.New(), nil
	case DriverFile:
		return file.New(c.Storage.Path)
	case DriverSQLite:
		dsn := c.Storage.DSN
		if dsn == "" {
			dsn = "file:" + strings.TrimSuffix(c.Storage.Path, "/") + ".db"
		}
		return sqlite.New(&sqlite.Config{
			DataSourceName: dsn,
			EnableWAL:      c.Storage.EnableWAL,
			TableName:      c.Storage.Table,
			Logger:         logger,
		})
	case DriverPostgres:
		return postgres.New(&postgres.Config{
			ConnectionString: c.Storage.DSN,
			TableName:        c.Storage.Table,
			Logger:           logger,
		})
	}
	return nil, syncErrors.NewValidationError(syncErrors.OpInit, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
}

// RetryConfig converts the retry section.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
		Jitter:     c.Retry.Jitter,
	}
}

// QueueConfig converts the queue section.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{MaxQueueSize: c.Queue.MaxSize}
}

// ProcessorConfig converts the queue section; replays use the retry section.
func (c *Config) ProcessorConfig() queue.ProcessorConfig {
	return queue.ProcessorConfig{
		BatchSize:      c.Queue.BatchSize,
		BatchDelay:     c.Queue.BatchDelay,
		MaxRetryCount:  c.Queue.MaxRetryCount,
		BaseDelay:      c.Queue.BaseDelay,
		MaxDelay:       c.Queue.MaxDelay,
		RespectBackoff: c.Queue.RespectBackoff,
		Retry:          c.RetryConfig(),
	}
}

// WebSocketURL returns remote.websocket_url, or the /ws endpoint derived from remote.url.
func (c *Config) WebSocketURL() string {
	if c.Remote.WebSocketURL != "" {
		return c.Remote.WebSocketURL
	}
	u := strings.TrimSuffix(c.Remote.URL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Rules builds the conflict rule set, loading conflicts.rules_file when set.
// The returned loader can reload the file later.
func (c *Config) Rules(logger *slog.Logger) (*conflict.RuleSet, *conflict.Loader, error) {
	fallback, err := conflict.ParseStrategy(c.Conflicts.DefaultStrategy)
	if err != nil {
		return nil, nil, syncErrors.NewValidationError(syncErrors.OpInit, err)
	}
	rules, err := conflict.NewRuleSet(fallback)
	if err != nil {
		return nil, nil, err
	}

	loader := conflict.NewLoader(rules, conflict.WithLogger(logger))
	if c.Conflicts.RulesFile != "" {
		if err := loader.LoadFromFile(c.Conflicts.RulesFile); err != nil {
			return nil, nil, err
		}
	}
	return rules, loader, nil
}
