// Package config holds the yaml-backed daemon configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BucketConfig describes one bucket instance.
type BucketConfig struct {
	Name string `yaml:"name"`
	// Type is "persistent" or "ephemeral".
	Type        string `yaml:"type"`
	NumVBuckets int    `yaml:"num_vbuckets"`
	NumShards   int    `yaml:"num_shards"`
}

// CheckpointConfig tunes the per-vBucket checkpoint managers and the
// memory reclamation tasks.
type CheckpointConfig struct {
	MaxItemsPerCheckpoint int     `yaml:"max_items_per_checkpoint"`
	EagerRemoval          bool    `yaml:"eager_removal"`
	MemoryQuotaBytes      int64   `yaml:"memory_quota_bytes"`
	UpperMark             float64 `yaml:"upper_mark"`
	LowerMark             float64 `yaml:"lower_mark"`
	RemoverInterval       string  `yaml:"remover_interval"`
	ProcessRSSQuotaBytes  int64   `yaml:"process_rss_quota_bytes"`
}

// FlusherConfig tunes the per-shard flushers.
type FlusherConfig struct {
	BatchSize int    `yaml:"batch_size"`
	Interval  string `yaml:"interval"`
	// PersistenceHighWatermark rejects new writes with a temporary failure
	// once this many items queue behind the persistence cursor.
	PersistenceHighWatermark int `yaml:"persistence_high_watermark"`
}

// DurabilityConfig tunes SyncWrite handling.
type DurabilityConfig struct {
	DefaultTimeout  string `yaml:"default_timeout"`
	TimeoutInterval string `yaml:"timeout_task_interval"`
}

// StorageConfig locates and tunes the KVStore.
type StorageConfig struct {
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"`
	NoSync      bool   `yaml:"no_sync"`
}

// ExpiryConfig tunes the expiry pager.
type ExpiryConfig struct {
	PagerInterval string `yaml:"pager_interval"`
}

// LoggingConfig selects log level and destination.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// TracingConfig wires the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DebugConfig controls the statsviz debug listener.
type DebugConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Config is the top-level configuration.
type Config struct {
	Bucket     BucketConfig     `yaml:"bucket"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Flusher    FlusherConfig    `yaml:"flusher"`
	Durability DurabilityConfig `yaml:"durability"`
	Storage    StorageConfig    `yaml:"storage"`
	Expiry     ExpiryConfig     `yaml:"expiry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Debug      DebugConfig      `yaml:"debug"`
}

// Default returns a runnable configuration for a single-node bucket.
func Default() *Config {
	return &Config{
		Bucket: BucketConfig{
			Name:        "default",
			Type:        "persistent",
			NumVBuckets: 1024,
			NumShards:   4,
		},
		Checkpoint: CheckpointConfig{
			MaxItemsPerCheckpoint: 10000,
			MemoryQuotaBytes:      256 << 20,
			UpperMark:             0.9,
			LowerMark:             0.6,
			RemoverInterval:       "1s",
		},
		Flusher: FlusherConfig{
			BatchSize:                1000,
			Interval:                 "1s",
			PersistenceHighWatermark: 500000,
		},
		Durability: DurabilityConfig{
			DefaultTimeout:  "30s",
			TimeoutInterval: "25ms",
		},
		Storage: StorageConfig{
			Dir:         "data",
			Compression: "snappy",
		},
		Expiry: ExpiryConfig{
			PagerInterval: "10m",
		},
		Logging: LoggingConfig{Level: "info", Output: "stdout"},
	}
}

// Load reads and validates a yaml config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Bucket.Type {
	case "persistent", "ephemeral":
	default:
		return fmt.Errorf("bucket.type must be persistent or ephemeral, got %q", c.Bucket.Type)
	}
	if c.Bucket.NumVBuckets <= 0 {
		return fmt.Errorf("bucket.num_vbuckets must be positive")
	}
	if c.Bucket.NumShards <= 0 || c.Bucket.NumShards > c.Bucket.NumVBuckets {
		return fmt.Errorf("bucket.num_shards must be in [1, num_vbuckets]")
	}
	if c.Checkpoint.UpperMark != 0 && c.Checkpoint.LowerMark >= c.Checkpoint.UpperMark {
		return fmt.Errorf("checkpoint.lower_mark must be below upper_mark")
	}
	switch c.Storage.Compression {
	case "", "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("storage.compression %q not supported", c.Storage.Compression)
	}
	return nil
}

// ParseDuration parses a duration string, falling back to a default and
// logging when the value is present but invalid.
func ParseDuration(s string, fallback time.Duration, logger *slog.Logger) time.Duration {
	if s == "" || s == "0" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid duration in config; using default",
				"value", s, "default", fallback)
		}
		return fallback
	}
	return d
}

// LogLevel maps the configured level string to slog.
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
