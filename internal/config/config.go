// Package config holds all configuration types and loading logic for Courier.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a courierd instance.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Log      LogConfig      `yaml:"log"`
	API      APIConfig      `yaml:"api"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Queue    QueueConfig    `yaml:"queue"`
	Storage  StorageConfig  `yaml:"storage"`
	Network  NetworkConfig  `yaml:"network"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Events   EventsConfig   `yaml:"events"`
	DLQ      DLQConfig      `yaml:"dlq"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// NodeConfig holds identity settings for this instance.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// APIConfig controls the admin HTTP API.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	AuthEnabled bool   `yaml:"auth_enabled"`
	APIKey      string `yaml:"api_key"`

	// RateLimit is requests per second per client IP. 0 disables it.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	MaxBodyKB int `yaml:"max_body_kb"`
}

// RetryConfig is the backoff schedule.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Exponential  bool          `yaml:"exponential"`
	Jitter       bool          `yaml:"jitter"`
}

// DeliveryConfig controls how requests are dispatched.
type DeliveryConfig struct {
	// DefaultEndpoint is used by the API when a submission names none.
	DefaultEndpoint string `yaml:"default_endpoint"`

	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	Retry      RetryConfig   `yaml:"retry"`

	Concurrency  int  `yaml:"concurrency"`
	AutoFlush    bool `yaml:"auto_flush"`
	FlushOnStart bool `yaml:"flush_on_start"`

	// RateLimit caps outbound attempts per second. 0 disables it.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	SigningSecret string `yaml:"signing_secret"`
}

// QueueConfig bounds the offline queue.
type QueueConfig struct {
	MaxSize          int           `yaml:"max_size"`
	OverflowPolicy   string        `yaml:"overflow_policy"`
	MaxAgeHours      int           `yaml:"max_age_hours"`
	MaxFlushAttempts int           `yaml:"max_flush_attempts"`
	SyncWrites       bool          `yaml:"sync_writes"`
	PersistInterval  time.Duration `yaml:"persist_interval"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
	StorageKey       string        `yaml:"storage_key"`
}

// Storage drivers.
const (
	DriverBolt     = "bbolt"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// StorageConfig selects the BlobStore backing the queue and the DLQ.
type StorageConfig struct {
	Driver string `yaml:"driver"`

	// Path is the bbolt file. Empty means <data_dir>/courier.db.
	Path string `yaml:"path"`

	// URL is the redis:// or postgres:// connection string.
	URL string `yaml:"url"`

	// KeyPrefix namespaces keys in Redis.
	KeyPrefix string `yaml:"key_prefix"`

	// Table holds the blobs in Postgres.
	Table string `yaml:"table"`
}

// NetworkConfig controls the connectivity monitor.
type NetworkConfig struct {
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	Target            string        `yaml:"target"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	CompressThreshold int           `yaml:"compress_threshold"`
	ExcellentLatency  time.Duration `yaml:"excellent_latency"`
	GoodLatency       time.Duration `yaml:"good_latency"`
	PoorLatency       time.Duration `yaml:"poor_latency"`
	MobileConstrained bool          `yaml:"mobile_constrained"`
}

// BreakerConfig controls the per-host circuit breakers.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HalfOpenRequests    uint32        `yaml:"half_open_requests"`
}

// EventsConfig controls external fan-out of drop events.
type EventsConfig struct {
	// NATSURL enables publishing dropped entries to NATS. Empty disables it.
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DLQConfig controls the dead-letter recorder.
type DLQConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Capacity   int    `yaml:"capacity"`
	StorageKey string `yaml:"storage_key"`
}

// MetricsConfig controls the Prometheus endpoint on the admin API.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		API: APIConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			RateLimit: 200,
			Burst:     400,
			MaxBodyKB: 1024,
		},
		Delivery: DeliveryConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			Retry: RetryConfig{
				InitialDelay: time.Second,
				MaxDelay:     time.Minute,
				Multiplier:   2.0,
				Exponential:  true,
				Jitter:       true,
			},
			Concurrency:  4,
			AutoFlush:    true,
			FlushOnStart: true,
			RateBurst:    1,
		},
		Queue: QueueConfig{
			MaxSize:          1000,
			OverflowPolicy:   "drop_oldest",
			MaxAgeHours:      72,
			MaxFlushAttempts: 10,
			SyncWrites:       true,
			PersistInterval:  5 * time.Second,
			EvictionInterval: time.Minute,
			StorageKey:       "queue",
		},
		Storage: StorageConfig{
			Driver:    DriverBolt,
			KeyPrefix: "courier:",
			Table:     "courier_blobs",
		},
		Network: NetworkConfig{
			ProbeInterval:     30 * time.Second,
			ProbeTimeout:      5 * time.Second,
			FailureThreshold:  2,
			CompressThreshold: 1024,
			ExcellentLatency:  50 * time.Millisecond,
			GoodLatency:       150 * time.Millisecond,
			PoorLatency:       500 * time.Millisecond,
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
			HalfOpenRequests:    1,
		},
		Events: EventsConfig{
			SubjectPrefix: "courier.dropped",
		},
		DLQ: DLQConfig{
			Enabled:    true,
			Capacity:   1000,
			StorageKey: "dlq",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run courierd with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	COURIER_API_KEY          sets api.api_key and enables auth
//	COURIER_DATA_DIR         sets node.data_dir
//	COURIER_PORT             sets api.port
//	COURIER_LOG_LEVEL        sets log.level
//	COURIER_ENDPOINT         sets delivery.default_endpoint
//	COURIER_SIGNING_SECRET   sets delivery.signing_secret
//	COURIER_STORAGE_DRIVER   sets storage.driver
//	COURIER_STORAGE_URL      sets storage.url
//	COURIER_NATS_URL         sets events.nats_url
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("COURIER_API_KEY"); v != "" {
		cfg.API.APIKey = v
		cfg.API.AuthEnabled = true
	}
	if v := os.Getenv("COURIER_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("COURIER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.API.Port = p
		}
	}
	if v := os.Getenv("COURIER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("COURIER_ENDPOINT"); v != "" {
		cfg.Delivery.DefaultEndpoint = v
	}
	if v := os.Getenv("COURIER_SIGNING_SECRET"); v != "" {
		cfg.Delivery.SigningSecret = v
	}
	if v := os.Getenv("COURIER_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("COURIER_STORAGE_URL"); v != "" {
		cfg.Storage.URL = v
	}
	if v := os.Getenv("COURIER_NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return errors.New("api.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.API.AuthEnabled && c.API.APIKey == "" {
		return errors.New("api.api_key must be set when api.auth_enabled is true")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return errors.New(`log.format must be "json" or "console"`)
	}
	if c.Delivery.Timeout <= 0 {
		return errors.New("delivery.timeout must be positive")
	}
	if c.Delivery.MaxRetries < 0 {
		return errors.New("delivery.max_retries must be >= 0")
	}
	if c.Delivery.Concurrency < 1 {
		return errors.New("delivery.concurrency must be at least 1")
	}
	if c.Delivery.Retry.InitialDelay < 0 || c.Delivery.Retry.MaxDelay < 0 {
		return errors.New("delivery.retry delays must be >= 0")
	}
	if c.Delivery.RateLimit < 0 {
		return errors.New("delivery.rate_limit must be >= 0")
	}
	if c.Queue.MaxSize < 1 {
		return errors.New("queue.max_size must be at least 1")
	}
	switch strings.ReplaceAll(c.Queue.OverflowPolicy, "-", "_") {
	case "", "drop_oldest", "drop_newest", "drop_lowest_priority":
	default:
		return errors.New(`queue.overflow_policy must be one of "drop_oldest", "drop_newest", "drop_lowest_priority"`)
	}
	if c.Queue.MaxAgeHours < 0 {
		return errors.New("queue.max_age_hours must be >= 0")
	}
	if c.Queue.MaxFlushAttempts < 0 {
		return errors.New("queue.max_flush_attempts must be >= 0")
	}
	switch c.Storage.Driver {
	case DriverBolt, DriverMemory:
	case DriverRedis, DriverPostgres:
		if c.Storage.URL == "" {
			return fmt.Errorf("storage.url is required for the %s driver", c.Storage.Driver)
		}
	default:
		return errors.New(`storage.driver must be one of "bbolt", "redis", "postgres", "memory"`)
	}
	if c.Network.ProbeInterval < 0 {
		return errors.New("network.probe_interval must be >= 0")
	}
	if c.Network.CompressThreshold < 0 {
		return errors.New("network.compress_threshold must be >= 0")
	}
	if !(c.Network.ExcellentLatency <= c.Network.GoodLatency && c.Network.GoodLatency <= c.Network.PoorLatency) {
		return errors.New("network latency thresholds must be ascending")
	}
	if c.DLQ.Enabled && c.DLQ.Capacity < 1 {
		return errors.New("dlq.capacity must be at least 1")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New(`metrics.path must start with "/"`)
	}
	return nil
}

// MaxAge returns queue.max_age_hours as a duration.
func (q QueueConfig) MaxAge() time.Duration {
	return time.Duration(q.MaxAgeHours) * time.Hour
}

// Addr returns the listen address of the admin API.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
