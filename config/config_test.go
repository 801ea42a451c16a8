package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelpapin/conductor/scheduler"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "conductor:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "agents", cfg.Client.DefaultQueue)
	assert.Equal(t, 25, cfg.Stream.BatchSize)
	assert.Equal(t, 24*time.Hour, cfg.Sweeper.Retention)
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.CatchUpWindow)
	assert.Equal(t, 5, cfg.Breaker.Default.FailureThreshold)
	assert.Equal(t, 60, cfg.RateLimit.Default.PerMinute)
}

func TestLoader_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
redis:
  addr: redis.internal:6380
  key_prefix: "prod:"
log:
  level: debug
  format: console
worker:
  concurrency: 8
sweeper:
  retention: 48h
rate_limit:
  default:
    per_minute: 10
    strategy: wait
  services:
    gmail:
      per_minute: 2
      per_day: 100
jobs:
  - id: collect
    cron: "0 * * * *"
    enabled: true
    name: collect-mail
    priority: 10
  - id: report
    cron: "5 * * * *"
    enabled: true
    name: build-report
    after: collect
    priority: 20
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "prod:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 48*time.Hour, cfg.Sweeper.Retention)
	assert.Equal(t, 10, cfg.RateLimit.Default.PerMinute)
	assert.Equal(t, 2, cfg.RateLimit.Services["gmail"].PerMinute)
	assert.Equal(t, 100, cfg.RateLimit.Services["gmail"].PerDay)

	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, "collect", cfg.Jobs[0].ID)
	assert.Equal(t, "collect", cfg.Jobs[1].After)

	// Untouched sections keep their defaults.
	assert.Equal(t, 25, cfg.Stream.BatchSize)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
redis:
  addr: from-file:6379
log:
  level: warn
`)

	t.Setenv("CONDUCTOR_REDIS_ADDR", "from-env:6379")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "error")
	t.Setenv("CONDUCTOR_WORKER_CONCURRENCY", "16")
	t.Setenv("CONDUCTOR_SWEEPER_RETENTION", "72h")
	t.Setenv("CONDUCTOR_METRICS_ADDR", ":9102")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env:6379", cfg.Redis.Addr)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, 72*time.Hour, cfg.Sweeper.Retention)
	assert.Equal(t, ":9102", cfg.MetricsAddr)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_REDIS_ADDR", "custom:6379")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, "custom:6379", cfg.Redis.Addr)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/conductor.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoader_MalformedFile(t *testing.T) {
	path := writeConfigFile(t, "redis: [not, a, mapping")

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("empty redis addr", func(t *testing.T) {
		cfg := Default()
		cfg.Redis.Addr = ""
		assert.ErrorContains(t, cfg.Validate(), "redis addr")
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := Default()
		cfg.Log.Level = "verbose"
		assert.ErrorContains(t, cfg.Validate(), "log level")
	})

	t.Run("duplicate job ids", func(t *testing.T) {
		cfg := Default()
		cfg.Jobs = []scheduler.Item{{ID: "a"}, {ID: "a"}}
		assert.ErrorContains(t, cfg.Validate(), "duplicate job id")
	})

	t.Run("self dependency", func(t *testing.T) {
		cfg := Default()
		cfg.Jobs = []scheduler.Item{{ID: "a", After: "a"}}
		assert.ErrorContains(t, cfg.Validate(), "depends on itself")
	})

	t.Run("unknown dependency", func(t *testing.T) {
		cfg := Default()
		cfg.Jobs = []scheduler.Item{{ID: "a", After: "ghost"}}
		assert.ErrorContains(t, cfg.Validate(), "unknown job")
	})

	t.Run("valid chain", func(t *testing.T) {
		cfg := Default()
		cfg.Jobs = []scheduler.Item{{ID: "a"}, {ID: "b", After: "a"}}
		assert.NoError(t, cfg.Validate())
	})
}

func TestMustLoad(t *testing.T) {
	path := writeConfigFile(t, "log:\n  level: debug\n")
	cfg := MustLoad(path)
	assert.Equal(t, "debug", cfg.Log.Level)

	assert.Panics(t, func() {
		MustLoad(writeConfigFile(t, "log:\n  level: bogus\n"))
	})
}
