// Package config loads configuration for the KTRDR core services.
//
// Configuration is read from multiple sources with the following precedence
// (later sources override earlier ones):
//  1. Default values (per process role)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.ktrdr/config.yaml, /etc/ktrdr/config.yaml)
//  3. .env files
//  4. Environment variables
//
// Environment variables map to dotted keys with underscores, e.g.
// SERVER_PORT -> server.port, HEARTBEAT_INTERVAL_SECONDS ->
// heartbeat.interval_seconds.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (coordinator: 8080, worker: 8091)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging
	Debug bool `mapstructure:"debug"`
}

// DatabaseConfig contains Postgres connection settings.
type DatabaseConfig struct {
	// URL is the Postgres connection string
	URL string `mapstructure:"url"`

	// MaxConnections is the pool size
	MaxConnections int `mapstructure:"max_connections"`
}

// RedisConfig selects the progress cache backend.
type RedisConfig struct {
	// URL is the Redis connection string; empty selects the in-memory cache
	URL string `mapstructure:"url"`
}

// AMQPConfig contains the optional lifecycle event publisher settings.
type AMQPConfig struct {
	// URL is the AMQP broker address; empty disables event publishing
	URL string `mapstructure:"url"`

	// Queue is the durable queue operation events are published to
	Queue string `mapstructure:"queue"`
}

// CheckpointConfig contains checkpoint store and policy settings.
type CheckpointConfig struct {
	// Dir is the base directory for checkpoint artifacts
	Dir string `mapstructure:"dir"`

	// UnitInterval is the default periodic checkpoint cadence in units
	// of work (training epochs, backtest bar batches)
	UnitInterval int `mapstructure:"unit_interval"`

	// TimeIntervalSeconds is the wall-clock checkpoint cadence
	TimeIntervalSeconds int `mapstructure:"time_interval_seconds"`
}

// TimeInterval returns the wall-clock checkpoint cadence.
func (c CheckpointConfig) TimeInterval() time.Duration {
	return time.Duration(c.TimeIntervalSeconds) * time.Second
}

// HeartbeatConfig contains worker heartbeat settings.
type HeartbeatConfig struct {
	// IntervalSeconds is how often workers send heartbeats
	IntervalSeconds int `mapstructure:"interval_seconds"`

	// TimeoutSeconds is the silence threshold before a worker is
	// marked UNRESPONSIVE
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Interval returns the heartbeat send cadence.
func (c HeartbeatConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Timeout returns the heartbeat silence threshold.
func (c HeartbeatConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OrphanConfig contains orphan detection settings.
type OrphanConfig struct {
	// TimeoutSeconds is the heartbeat silence threshold before a
	// RUNNING operation is failed as orphaned
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Timeout returns the orphan detection threshold.
func (c OrphanConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ReconciliationConfig contains reconciler settings.
type ReconciliationConfig struct {
	// GraceSeconds is how long operations stay in
	// PENDING_RECONCILIATION after a coordinator restart before they
	// are failed as orphaned
	GraceSeconds int `mapstructure:"grace_seconds"`

	// SweepSeconds is the reconciler background sweep cadence
	SweepSeconds int `mapstructure:"sweep_seconds"`
}

// Grace returns the post-restart reconciliation window.
func (c ReconciliationConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// Sweep returns the reconciler sweep cadence.
func (c ReconciliationConfig) Sweep() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// RegistryConfig contains worker registry settings.
type RegistryConfig struct {
	// SweepSeconds is the liveness sweep cadence
	SweepSeconds int `mapstructure:"sweep_seconds"`
}

// Sweep returns the registry liveness sweep cadence.
func (c RegistryConfig) Sweep() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// RetentionConfig contains record retention settings.
type RetentionConfig struct {
	// TerminalDays is how long terminal operation records are kept
	TerminalDays int `mapstructure:"terminal_days"`

	// CompletedWindowSeconds is how long workers retain terminal
	// results locally for re-registration after a coordinator blackout
	CompletedWindowSeconds int `mapstructure:"completed_window_seconds"`
}

// TerminalAge returns the terminal record retention period.
func (c RetentionConfig) TerminalAge() time.Duration {
	return time.Duration(c.TerminalDays) * 24 * time.Hour
}

// CompletedWindow returns the worker-local result retention window.
func (c RetentionConfig) CompletedWindow() time.Duration {
	return time.Duration(c.CompletedWindowSeconds) * time.Second
}

// WorkerConfig contains worker process settings.
type WorkerConfig struct {
	// ID is the stable worker identity; minted as wrk_<uuid> when empty
	ID string `mapstructure:"id"`

	// Type is the capability tag (training, backtesting)
	Type string `mapstructure:"type"`

	// EndpointPublicURL is the URL the coordinator dispatches to
	EndpointPublicURL string `mapstructure:"endpoint_public_url"`

	// CoordinatorURL is the coordinator base URL
	CoordinatorURL string `mapstructure:"coordinator_url"`

	// DrainSeconds bounds the shutdown drain for the SHUTDOWN
	// checkpoint and terminal transition
	DrainSeconds int `mapstructure:"drain_seconds"`

	// RetentionPath is the worker-local result store path
	RetentionPath string `mapstructure:"retention_path"`

	// Preferences are advertised capability details (gpu, region, ...)
	Preferences map[string]string `mapstructure:"preferences"`
}

// Drain returns the shutdown drain grace window.
func (c WorkerConfig) Drain() time.Duration {
	return time.Duration(c.DrainSeconds) * time.Second
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (text, json)
	Format string `mapstructure:"format"`
}

// Config is the configuration for KTRDR core processes. The coordinator
// and the worker read the same structure; worker.* is ignored by the
// coordinator and the coordination windows are ignored by the worker.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	AMQP           AMQPConfig           `mapstructure:"amqp"`
	Checkpoint     CheckpointConfig     `mapstructure:"checkpoint"`
	Heartbeat      HeartbeatConfig      `mapstructure:"heartbeat"`
	Orphan         OrphanConfig         `mapstructure:"orphan"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Registry       RegistryConfig       `mapstructure:"registry"`
	Retention      RetentionConfig      `mapstructure:"retention"`
	Worker         WorkerConfig         `mapstructure:"worker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment
// prefix. An empty prefix binds environment variables directly
// (SERVER_PORT -> server.port).
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets default configuration values.
// This should be called before Load().
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetCoordinatorDefaults sets the defaults for the coordinator process.
func (l *Loader) SetCoordinatorDefaults() {
	l.setCommonDefaults()
	l.v.SetDefault("server.port", 8080)
}

// SetWorkerDefaults sets the defaults for the worker process.
func (l *Loader) SetWorkerDefaults() {
	l.setCommonDefaults()
	l.v.SetDefault("server.port", 8091)
}

func (l *Loader) setCommonDefaults() {
	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.debug", false)

	l.v.SetDefault("database.url", "postgres://localhost:5432/ktrdr")
	l.v.SetDefault("database.max_connections", 10)

	l.v.SetDefault("redis.url", "")

	l.v.SetDefault("amqp.url", "")
	l.v.SetDefault("amqp.queue", "ktrdr.operation.events")

	l.v.SetDefault("checkpoint.dir", "/var/lib/ktrdr/checkpoints")
	l.v.SetDefault("checkpoint.unit_interval", 5)
	l.v.SetDefault("checkpoint.time_interval_seconds", 300)

	l.v.SetDefault("heartbeat.interval_seconds", 15)
	l.v.SetDefault("heartbeat.timeout_seconds", 60)

	l.v.SetDefault("orphan.timeout_seconds", 60)

	l.v.SetDefault("reconciliation.grace_seconds", 60)
	l.v.SetDefault("reconciliation.sweep_seconds", 30)

	l.v.SetDefault("registry.sweep_seconds", 10)

	l.v.SetDefault("retention.terminal_days", 30)
	l.v.SetDefault("retention.completed_window_seconds", 3600)

	l.v.SetDefault("worker.id", "")
	l.v.SetDefault("worker.type", "training")
	l.v.SetDefault("worker.endpoint_public_url", "")
	l.v.SetDefault("worker.coordinator_url", "")
	l.v.SetDefault("worker.drain_seconds", 30)
	l.v.SetDefault("worker.retention_path", "/var/lib/ktrdr/worker.db")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (with prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.ktrdr")
		l.v.AddConfigPath("/etc/ktrdr")
	}

	if err := l.v.ReadInConfig(); err != nil {
		// Only fail on non-NotFound errors for explicit file paths
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadCoordinator loads and validates the coordinator configuration.
func LoadCoordinator(cfgFile string) (*Config, error) {
	loader := NewLoader("")
	loader.SetCoordinatorDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadWorker loads and validates the worker configuration. A missing
// worker id is minted as wrk_<uuid>; the identity is then stable for the
// life of the process only.
func LoadWorker(cfgFile string) (*Config, error) {
	loader := NewLoader("")
	loader.SetWorkerDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = "wrk_" + uuid.NewString()
	}

	if err := cfg.ValidateWorker(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the fields shared by both process roles. The grace
// windows must be at least twice the heartbeat interval or a single
// missed heartbeat would orphan healthy operations.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.Heartbeat.IntervalSeconds < 1 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Checkpoint.UnitInterval < 1 {
		return fmt.Errorf("checkpoint unit interval must be positive")
	}
	if c.Checkpoint.TimeIntervalSeconds < 1 {
		return fmt.Errorf("checkpoint time interval must be positive")
	}
	if c.Orphan.TimeoutSeconds < 2*c.Heartbeat.IntervalSeconds {
		return fmt.Errorf("orphan timeout %ds must be at least twice the heartbeat interval %ds",
			c.Orphan.TimeoutSeconds, c.Heartbeat.IntervalSeconds)
	}
	if c.Reconciliation.GraceSeconds < 2*c.Heartbeat.IntervalSeconds {
		return fmt.Errorf("reconciliation grace %ds must be at least twice the heartbeat interval %ds",
			c.Reconciliation.GraceSeconds, c.Heartbeat.IntervalSeconds)
	}
	return nil
}

// ValidateWorker checks the shared fields plus the worker-only ones.
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Worker.Type != "training" && c.Worker.Type != "backtesting" {
		return fmt.Errorf("unknown worker type: %s", c.Worker.Type)
	}
	if c.Worker.EndpointPublicURL == "" {
		return fmt.Errorf("worker endpoint_public_url is required")
	}
	if c.Worker.CoordinatorURL == "" {
		return fmt.Errorf("worker coordinator_url is required")
	}
	if c.Worker.DrainSeconds < 1 {
		return fmt.Errorf("worker drain must be positive")
	}
	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
