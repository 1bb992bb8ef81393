package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/courier/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "0.0.0.0", cfg.API.Host)
	assert.Equal(t, "./data", cfg.Node.DataDir)
	assert.Equal(t, 1000, cfg.Queue.MaxSize)
	assert.Equal(t, "drop_oldest", cfg.Queue.OverflowPolicy)
	assert.Equal(t, 72*time.Hour, cfg.Queue.MaxAge())
	assert.Equal(t, config.DriverBolt, cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Delivery.Concurrency)
	assert.True(t, cfg.Delivery.AutoFlush)
	assert.Equal(t, 2.0, cfg.Delivery.Retry.Multiplier)
	assert.False(t, cfg.API.AuthEnabled, "auth must be disabled by default")
	assert.Empty(t, cfg.Events.NATSURL, "nats fan-out must be disabled by default")
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.API.Port)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
api:
  port: 9999
  host: "127.0.0.1"
node:
  data_dir: "/tmp/courier_test"
delivery:
  timeout: 10s
  retry:
    initial_delay: 250ms
queue:
  max_size: 500
  overflow_policy: drop_lowest_priority
storage:
  driver: redis
  url: redis://localhost:6379/0
network:
  target: hooks.example.com:443
`
	cfg, err := config.Load(writeTempYAML(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.API.Port)
	assert.Equal(t, "127.0.0.1", cfg.API.Host)
	assert.Equal(t, "/tmp/courier_test", cfg.Node.DataDir)
	assert.Equal(t, 10*time.Second, cfg.Delivery.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Delivery.Retry.InitialDelay)
	assert.Equal(t, 500, cfg.Queue.MaxSize)
	assert.Equal(t, "drop_lowest_priority", cfg.Queue.OverflowPolicy)
	assert.Equal(t, config.DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "hooks.example.com:443", cfg.Network.Target)

	// Unset fields keep their defaults.
	assert.Equal(t, time.Minute, cfg.Delivery.Retry.MaxDelay)
	assert.Equal(t, 10, cfg.Queue.MaxFlushAttempts)
	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	_, err := config.Load(writeTempYAML(t, "api: [invalid: yaml: {{{}}"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COURIER_API_KEY", "k")
	t.Setenv("COURIER_PORT", "7070")
	t.Setenv("COURIER_STORAGE_DRIVER", "Postgres")
	t.Setenv("COURIER_STORAGE_URL", "postgres://localhost/courier")
	t.Setenv("COURIER_NATS_URL", "nats://localhost:4222")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.API.AuthEnabled)
	assert.Equal(t, "k", cfg.API.APIKey)
	assert.Equal(t, 7070, cfg.API.Port)
	assert.Equal(t, config.DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.NATSURL)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	require.NoError(t, config.Default().Validate())

	cases := map[string]func(*config.Config){
		"port 0":           func(c *config.Config) { c.API.Port = 0 },
		"port too large":   func(c *config.Config) { c.API.Port = 99999 },
		"empty data dir":   func(c *config.Config) { c.Node.DataDir = "" },
		"auth without key": func(c *config.Config) { c.API.AuthEnabled = true },
		"bad log format":   func(c *config.Config) { c.Log.Format = "xml" },
		"negative retries": func(c *config.Config) { c.Delivery.MaxRetries = -1 },
		"zero concurrency": func(c *config.Config) { c.Delivery.Concurrency = 0 },
		"zero queue size":  func(c *config.Config) { c.Queue.MaxSize = 0 },
		"unknown policy":   func(c *config.Config) { c.Queue.OverflowPolicy = "drop_random" },
		"unknown driver":   func(c *config.Config) { c.Storage.Driver = "magic" },
		"redis without url": func(c *config.Config) {
			c.Storage.Driver = config.DriverRedis
		},
		"latency order": func(c *config.Config) { c.Network.GoodLatency = time.Hour },
		"metrics path":  func(c *config.Config) { c.Metrics.Path = "metrics" },
	}
	for name, mutate := range cases {
		cfg := config.Default()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
