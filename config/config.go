// Package config enables config file parsing.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/ethsync/stagesync/log"
)

const (
	defaultPollInterval     = 5 * time.Second
	defaultHeadersBatchSize = 1000
)

// Config contains the CLI configuration.
type Config struct {
	Sync    *SyncConfig    `koanf:"sync"`
	Server  *ServerConfig  `koanf:"server"`
	Log     *LogConfig     `koanf:"log"`
	Metrics *MetricsConfig `koanf:"metrics"`
	Events  *EventsConfig  `koanf:"events"`
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	if cfg.Sync != nil {
		if err := cfg.Sync.Validate(); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}
	if cfg.Server != nil {
		if err := cfg.Server.Validate(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	if cfg.Log != nil {
		if err := cfg.Log.Validate(); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	if cfg.Metrics != nil {
		if err := cfg.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	if cfg.Events != nil {
		if err := cfg.Events.Validate(); err != nil {
			return fmt.Errorf("events: %w", err)
		}
	}

	return nil
}

// SyncConfig is the configuration of the sync pipeline.
type SyncConfig struct {
	// Source is the node the pipeline syncs from.
	Source SourceConfig `koanf:"source"`

	Storage *StorageConfig `koanf:"storage"`

	// StartWithRollbackToBlock rolls all stages back to this height once,
	// before syncing.
	StartWithRollbackToBlock *uint64 `koanf:"start_with_rollback_to_block"`

	// StopSyncAfterReachingBlock caps the height the stages sync to.
	StopSyncAfterReachingBlock *uint64 `koanf:"stop_sync_after_reaching_block"`

	// ExitAfterSync makes the process exit once all stages are synced.
	ExitAfterSync bool `koanf:"exit_after_sync"`

	// HeadersBatchSize is the number of headers downloaded per transaction.
	HeadersBatchSize uint64 `koanf:"headers_batch_size"`
}

// Validate validates the sync configuration.
func (cfg *SyncConfig) Validate() error {
	if err := cfg.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if cfg.Storage == nil {
		return fmt.Errorf("no storage config provided")
	}
	if start, stop := cfg.StartWithRollbackToBlock, cfg.StopSyncAfterReachingBlock; start != nil && stop != nil && *start > *stop {
		return fmt.Errorf("start_with_rollback_to_block %d is above stop_sync_after_reaching_block %d", *start, *stop)
	}
	if cfg.HeadersBatchSize == 0 {
		cfg.HeadersBatchSize = defaultHeadersBatchSize
	}
	return cfg.Storage.Validate()
}

// SourceConfig describes how to reach the Ethereum node.
type SourceConfig struct {
	// RPC is the JSON-RPC endpoint of the node.
	RPC string `koanf:"rpc"`

	// PollInterval is how often the chain tip is polled.
	PollInterval time.Duration `koanf:"poll_interval"`
}

// Validate validates the source configuration.
func (cfg *SourceConfig) Validate() error {
	if cfg.RPC == "" {
		return fmt.Errorf("no rpc endpoint provided")
	}
	if cfg.PollInterval < 0 {
		return fmt.Errorf("negative poll interval %s", cfg.PollInterval)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return nil
}

// ServerConfig contains the status API server configuration.
type ServerConfig struct {
	// Endpoint is the service endpoint from which to serve the API.
	Endpoint string `koanf:"endpoint"`
}

// Validate validates the server configuration.
func (cfg *ServerConfig) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("malformed server endpoint '%s'", cfg.Endpoint)
	}
	return nil
}

// StorageBackend is a storage backend.
type StorageBackend uint

const (
	// BackendPostgres is the PostgreSQL storage backend.
	BackendPostgres StorageBackend = iota
	// BackendPogreb is the embedded pogreb storage backend.
	BackendPogreb
	// BackendInMemory is the in-memory storage backend.
	BackendInMemory
)

// String returns the string representation of a StorageBackend.
func (sb *StorageBackend) String() string {
	switch *sb {
	case BackendPostgres:
		return "postgres"
	case BackendPogreb:
		return "pogreb"
	case BackendInMemory:
		return "inmemory"
	default:
		panic("config: unsupported storage backend")
	}
}

// Set sets the StorageBackend to the value specified by the provided string.
func (sb *StorageBackend) Set(s string) error {
	switch strings.ToLower(s) {
	case "postgres":
		*sb = BackendPostgres
	case "pogreb":
		*sb = BackendPogreb
	case "inmemory":
		*sb = BackendInMemory
	default:
		return fmt.Errorf("config: invalid storage backend: '%s'", s)
	}

	return nil
}

// Type returns the list of supported StorageBackends.
func (sb *StorageBackend) Type() string {
	return "[postgres,pogreb,inmemory]"
}

// StorageConfig contains the storage layer configuration.
type StorageConfig struct {
	// Endpoint is the postgres connection string, or the directory of the
	// pogreb store. Unused for the in-memory backend.
	Endpoint string `koanf:"endpoint"`

	// Backend is the storage backend to select.
	Backend string `koanf:"backend"`

	// Migrations is the directory containing schema migrations. Postgres only.
	Migrations string `koanf:"migrations"`

	// If true, we'll first delete all stored data to force a full re-sync.
	WipeStorage bool `koanf:"DANGER__WIPE_STORAGE_ON_STARTUP"`
}

// Validate validates the storage configuration.
func (cfg *StorageConfig) Validate() error {
	var sb StorageBackend
	if err := sb.Set(cfg.Backend); err != nil {
		return err
	}
	if sb == BackendInMemory {
		return nil
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("malformed storage endpoint '%s'", cfg.Endpoint)
	}
	if sb == BackendPostgres && cfg.Migrations == "" {
		return fmt.Errorf("invalid path to migrations '%s'", cfg.Migrations)
	}
	return nil
}

// LogConfig contains the logging configuration.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
	File   string `koanf:"file"`
}

// Validate validates the logging configuration.
func (cfg *LogConfig) Validate() error {
	var format log.Format
	if err := format.Set(cfg.Format); err != nil {
		return err
	}
	var level log.Level
	return level.Set(cfg.Level)
}

// MetricsConfig contains the metrics configuration.
type MetricsConfig struct {
	PullEndpoint string `koanf:"pull_endpoint"`

	// PprofEndpoint, if set, serves the Go profiler.
	PprofEndpoint string `koanf:"pprof_endpoint"`
}

// Validate validates the metrics configuration.
func (cfg *MetricsConfig) Validate() error {
	if cfg.PullEndpoint == "" {
		return fmt.Errorf("malformed Prometheus pull endpoint '%s'", cfg.PullEndpoint)
	}
	return nil
}

// EventsConfig configures where pipeline events are published.
type EventsConfig struct {
	Redis *RedisConfig `koanf:"redis"`
}

// Validate validates the events configuration.
func (cfg *EventsConfig) Validate() error {
	if cfg.Redis != nil {
		if err := cfg.Redis.Validate(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// RedisConfig configures the Redis event publisher.
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	Channel   string `koanf:"channel"`
	KeyPrefix string `koanf:"key_prefix"`
}

// Validate validates the Redis configuration.
func (cfg *RedisConfig) Validate() error {
	if cfg.Addr == "" {
		return fmt.Errorf("no redis address provided")
	}
	if cfg.DB < 0 {
		return fmt.Errorf("invalid redis db %d", cfg.DB)
	}
	return nil
}

// InitConfig initializes configuration from file.
func InitConfig(f string) (*Config, error) {
	return initConfig(file.Provider(f))
}

func initConfig(p koanf.Provider) (*Config, error) {
	var config Config
	k := koanf.New(".")

	// Load configuration from the yaml config.
	if err := k.Load(p, yaml.Parser()); err != nil {
		return nil, err
	}

	// Load environment variables and merge into the loaded config.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		// `__` is used as a hierarchy delimiter.
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	// Unmarshal into config.
	if err := k.Unmarshal("", &config); err != nil {
		return nil, err
	}

	// Validate config.
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
