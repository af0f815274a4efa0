package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig fills the required fields on top of the defaults.
func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Upstream.FrontendURL = "http://frontend:3000"
	cfg.Upstream.DatabaseDSN = "postgres://invidious:pw@db:5432/invidious"
	cfg.Companion.URL = "http://companion:8282"
	cfg.Companion.Secret = "s3cret"
	cfg.Storage.VideosDir = t.TempDir()
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 30*time.Second, cfg.Upstream.ProxyTimeout)
	assert.Equal(t, "best", cfg.Download.Quality)
	assert.Equal(t, 2, cfg.Download.MaxConcurrent)
	assert.Equal(t, 3, cfg.Download.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Download.RetryBaseDelay())
	assert.Equal(t, 3, cfg.Download.Throttle.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Watcher.CheckInterval())
	assert.Equal(t, 50, cfg.Watcher.MaxVideosPerCheck)
	assert.True(t, cfg.Watcher.ExcludeLive)
	assert.False(t, cfg.Cleanup.Enabled)
	assert.Equal(t, 30*24*time.Hour, cfg.Cleanup.CleanupAge())
	assert.Equal(t, 7*24*time.Hour, cfg.Storage.TmpMaxAge)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vidarr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
upstream:
  frontend_url: http://frontend:3000
download:
  quality: 720p
  max_concurrent: 4
`), 0o640))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "http://frontend:3000", cfg.Upstream.FrontendURL)
	assert.Equal(t, "720p", cfg.Download.Quality)
	assert.Equal(t, 4, cfg.Download.MaxConcurrent)
	// Untouched keys keep defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("VIDARR_SERVER_PORT", "4242")
	t.Setenv("VIDARR_WATCHER_USER_EMAIL", "alice@example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4242, cfg.Server.Port)
	assert.Equal(t, "alice@example.com", cfg.Watcher.UserEmail)
}

func TestLoadHumanReadableValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vidarr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  tmp_max_age: 3d
download:
  rate_limit_bytes: 5MB
  throttle:
    speed_threshold: 500KB
`), 0o640))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3*24*time.Hour, cfg.Storage.TmpMaxAge)
	assert.Equal(t, int64(5*1024*1024), cfg.Download.RateLimitBytes)
	assert.Equal(t, int64(500*1024), cfg.Download.Throttle.SpeedThreshold)
}

func TestLoadHumanReadableEnvOverride(t *testing.T) {
	t.Setenv("VIDARR_STORAGE_TMP_MAX_AGE", "2w")
	t.Setenv("VIDARR_DOWNLOAD_RATE_LIMIT_BYTES", "1.5MB")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, cfg.Storage.TmpMaxAge)
	assert.Equal(t, int64(1.5*1024*1024), cfg.Download.RateLimitBytes)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := validConfig(t)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiredFields(t *testing.T) {
	cfg := validConfig(t)
	cfg.Upstream.FrontendURL = ""
	cfg.Companion.Secret = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.frontend_url")
	assert.Contains(t, err.Error(), "companion.secret")
	// Fields that are set do not appear in the report.
	assert.NotContains(t, err.Error(), "storage.videos_dir")
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"negative rate limit", func(c *Config) { c.Download.RateLimitBytes = -1 }, "download.rate_limit_bytes"},
		{"zero concurrency", func(c *Config) { c.Download.MaxConcurrent = 0 }, "download.max_concurrent"},
		{"zero retries", func(c *Config) { c.Download.MaxRetries = 0 }, "download.max_retries"},
		{"zero backoff base", func(c *Config) { c.Download.RetryBaseDelayMinutes = 0 }, "download.retry_base_delay_minutes"},
		{"negative throttle floor", func(c *Config) { c.Download.Throttle.SpeedThreshold = -1 }, "download.throttle.speed_threshold"},
		{
			"throttle window without floor",
			func(c *Config) { c.Download.Throttle.SpeedThreshold = 1000; c.Download.Throttle.DetectionWindowSeconds = 0 },
			"download.throttle.detection_window_seconds",
		},
		{"zero watcher interval", func(c *Config) { c.Watcher.CheckIntervalMinutes = 0 }, "watcher.check_interval_minutes"},
		{"zero videos per check", func(c *Config) { c.Watcher.MaxVideosPerCheck = 0 }, "watcher.max_videos_per_check"},
		{
			"cleanup enabled with zero age",
			func(c *Config) { c.Cleanup.Enabled = true; c.Cleanup.AgeDays = 0 },
			"cleanup.age_days",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidateDisabledCleanupSkipsItsFields(t *testing.T) {
	cfg := validConfig(t)
	cfg.Cleanup.Enabled = false
	cfg.Cleanup.AgeDays = 0
	cfg.Cleanup.IntervalHours = 0
	assert.NoError(t, cfg.Validate())
}
