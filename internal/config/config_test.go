package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.API.ListenAddress)
	assert.True(t, cfg.API.EnableMetricsEndpoint)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "datamesh", cfg.Metrics.Namespace)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 3, cfg.Manager.MaxFusionSources)
	assert.Equal(t, 3, cfg.Manager.MaxFailoverAttempts)
	assert.Equal(t, 30*time.Second, cfg.Manager.ResponseCacheTTL)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.OpenTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Reliability.Window)
	assert.Equal(t, 2*time.Second, cfg.Reliability.Thresholds.MaxResponseTime)
	assert.Equal(t, 24*time.Hour, cfg.Robots.TTL)
	assert.Equal(t, time.Minute, cfg.Maintenance.Interval)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
api:
  listen_address: ":9090"
breaker:
  failure_threshold: 2
redis:
  enabled: true
  address: "redis.internal:6379"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.API.ListenAddress)
	assert.Equal(t, 2, cfg.Breaker.FailureThreshold)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Address)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.Breaker.SuccessThreshold)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DATAMESH_API_LISTEN_ADDRESS", ":7070")
	t.Setenv("DATAMESH_REDIS_ADDRESS", "cache:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.API.ListenAddress)
	assert.Equal(t, "cache:6379", cfg.Redis.Address)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
