// Package config provides configuration management for vidarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/vidarr/vidarr/pkg/bytesize"
	"github.com/vidarr/vidarr/pkg/duration"
)

// Default configuration values.
const (
	defaultServerPort            = 3001
	defaultServerTimeout         = 30 * time.Second
	defaultShutdownTimeout       = 10 * time.Second
	defaultProxyTimeout          = 30 * time.Second
	defaultQuality               = "best"
	defaultMaxConcurrent         = 2
	defaultMaxRetries            = 3
	defaultRetryBaseDelayMinutes = 1
	defaultCheckIntervalMinutes  = 5
	defaultMaxVideosPerCheck     = 50
	defaultMinDurationSeconds    = 60
	defaultCleanupAgeDays        = 30
	defaultCleanupIntervalHours  = 24
	defaultThrottleWindowSeconds = 30
	defaultThrottleMaxRetries    = 3
	defaultTmpMaxAge             = 7 * 24 * time.Hour
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Companion CompanionConfig `mapstructure:"companion"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Download  DownloadConfig  `mapstructure:"download"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// UpstreamConfig holds the upstream frontend and user database configuration.
type UpstreamConfig struct {
	// FrontendURL is the base URL of the upstream video frontend that requests
	// are proxied to when the cache cannot answer them.
	FrontendURL string `mapstructure:"frontend_url"`
	// DatabaseDSN is the postgres DSN of the external user database
	// (subscriptions, watched sets, channel videos). Read-only.
	DatabaseDSN string `mapstructure:"database_dsn"`
	// ProxyTimeout bounds every proxied request.
	ProxyTimeout time.Duration `mapstructure:"proxy_timeout"`
}

// CompanionConfig holds the signed companion endpoint configuration.
type CompanionConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

// StorageConfig holds the cache directory configuration.
type StorageConfig struct {
	// VideosDir holds downloads.db, muxed containers, elementary streams,
	// thumbnails, sidecars, and in-progress tmp files.
	VideosDir string `mapstructure:"videos_dir"`
	// TmpMaxAge is the age past which abandoned tmp files are removed at startup.
	TmpMaxAge time.Duration `mapstructure:"tmp_max_age"`
}

// ThrottleConfig holds throttle detection configuration for stream fetches.
type ThrottleConfig struct {
	// SpeedThreshold is the rolling-average floor in bytes/s; 0 disables detection.
	SpeedThreshold int64 `mapstructure:"speed_threshold"`
	// DetectionWindowSeconds is the sliding window over which speed is averaged.
	DetectionWindowSeconds int `mapstructure:"detection_window_seconds"`
	// MaxRetries caps immediate throttle retries before normal failure handling.
	MaxRetries int `mapstructure:"max_retries"`
}

// DownloadConfig holds download pipeline configuration.
type DownloadConfig struct {
	// Quality preference: "best", "worst", or "<N>p" (e.g. "1080p").
	Quality string `mapstructure:"quality"`
	// RateLimitBytes is the per-stream byte/s cap; 0 means unlimited.
	RateLimitBytes int64 `mapstructure:"rate_limit_bytes"`
	// MaxConcurrent is the number of simultaneous downloads.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// MaxRetries is the automatic retry budget for transient failures.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryBaseDelayMinutes is the base for the 4^n backoff schedule.
	RetryBaseDelayMinutes int            `mapstructure:"retry_base_delay_minutes"`
	Throttle              ThrottleConfig `mapstructure:"throttle"`
}

// WatcherConfig holds subscription watcher configuration.
type WatcherConfig struct {
	// CheckIntervalMinutes is the scan period.
	CheckIntervalMinutes int `mapstructure:"check_interval_minutes"`
	// UserEmail restricts the watcher to a single user's subscriptions.
	// Empty means every user with any subscriptions.
	UserEmail string `mapstructure:"user_email"`
	// MaxVideosPerCheck caps getLatestVideos results per tick.
	MaxVideosPerCheck int `mapstructure:"max_videos_per_check"`
	// MinDurationSeconds drops shorts and stubs.
	MinDurationSeconds int `mapstructure:"min_duration_seconds"`
	ExcludeLive        bool `mapstructure:"exclude_live"`
	ExcludePremieres   bool `mapstructure:"exclude_premieres"`
}

// CleanupConfig holds eviction service configuration.
type CleanupConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	AgeDays       int  `mapstructure:"age_days"`
	IntervalHours int  `mapstructure:"interval_hours"`
}

// setDefaults registers all default values with viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")

	v.SetDefault("upstream.proxy_timeout", defaultProxyTimeout)

	v.SetDefault("storage.tmp_max_age", defaultTmpMaxAge)

	v.SetDefault("download.quality", defaultQuality)
	v.SetDefault("download.rate_limit_bytes", 0)
	v.SetDefault("download.max_concurrent", defaultMaxConcurrent)
	v.SetDefault("download.max_retries", defaultMaxRetries)
	v.SetDefault("download.retry_base_delay_minutes", defaultRetryBaseDelayMinutes)
	v.SetDefault("download.throttle.speed_threshold", 0)
	v.SetDefault("download.throttle.detection_window_seconds", defaultThrottleWindowSeconds)
	v.SetDefault("download.throttle.max_retries", defaultThrottleMaxRetries)

	v.SetDefault("watcher.check_interval_minutes", defaultCheckIntervalMinutes)
	v.SetDefault("watcher.user_email", "")
	v.SetDefault("watcher.max_videos_per_check", defaultMaxVideosPerCheck)
	v.SetDefault("watcher.min_duration_seconds", defaultMinDurationSeconds)
	v.SetDefault("watcher.exclude_live", true)
	v.SetDefault("watcher.exclude_premieres", true)

	v.SetDefault("cleanup.enabled", false)
	v.SetDefault("cleanup.age_days", defaultCleanupAgeDays)
	v.SetDefault("cleanup.interval_hours", defaultCleanupIntervalHours)
}

// Load reads configuration from an optional vidarr.yaml and VIDARR_*
// environment variables, applies defaults, and unmarshals into Config.
// Validation is the caller's responsibility (call Validate).
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VIDARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		v.SetConfigName("vidarr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vidarr")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// decodeHooks lets duration and size fields accept human-readable strings:
// tmp_max_age "7d", rate_limit_bytes "5MB". Bare numbers keep working.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		stringToDurationHook,
		stringToByteCountHook,
	)
}

var durationType = reflect.TypeOf(time.Duration(0))

func stringToDurationHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != durationType {
		return data, nil
	}
	return duration.Parse(data.(string))
}

// stringToByteCountHook covers the int64 fields, which are all byte counts.
func stringToByteCountHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Int64 || to == durationType {
		return data, nil
	}
	size, err := bytesize.Parse(data.(string))
	if err != nil {
		return nil, err
	}
	return size.Bytes(), nil
}

// fieldError tags a validation failure with its config field.
func fieldError(field, msg string) error {
	return fmt.Errorf("%s: %s", field, msg)
}

// Validate checks the configuration and returns every failing field in a
// single joined error so the operator sees the full report at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Upstream.FrontendURL == "" {
		errs = append(errs, fieldError("upstream.frontend_url", "is required"))
	}
	if c.Upstream.DatabaseDSN == "" {
		errs = append(errs, fieldError("upstream.database_dsn", "is required"))
	}
	if c.Companion.URL == "" {
		errs = append(errs, fieldError("companion.url", "is required"))
	}
	if c.Companion.Secret == "" {
		errs = append(errs, fieldError("companion.secret", "is required"))
	}
	if c.Storage.VideosDir == "" {
		errs = append(errs, fieldError("storage.videos_dir", "is required"))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fieldError("server.port", "must be 1..65535"))
	}
	if c.Download.RateLimitBytes < 0 {
		errs = append(errs, fieldError("download.rate_limit_bytes", "must be >= 0"))
	}
	if c.Download.MaxConcurrent < 1 {
		errs = append(errs, fieldError("download.max_concurrent", "must be a positive integer"))
	}
	if c.Download.MaxRetries < 1 {
		errs = append(errs, fieldError("download.max_retries", "must be a positive integer"))
	}
	if c.Download.RetryBaseDelayMinutes < 1 {
		errs = append(errs, fieldError("download.retry_base_delay_minutes", "must be a positive integer"))
	}
	if c.Download.Throttle.SpeedThreshold < 0 {
		errs = append(errs, fieldError("download.throttle.speed_threshold", "must be >= 0"))
	}
	if c.Download.Throttle.SpeedThreshold > 0 && c.Download.Throttle.DetectionWindowSeconds < 1 {
		errs = append(errs, fieldError("download.throttle.detection_window_seconds", "must be a positive integer"))
	}
	if c.Download.Throttle.MaxRetries < 0 {
		errs = append(errs, fieldError("download.throttle.max_retries", "must be >= 0"))
	}
	if c.Watcher.CheckIntervalMinutes < 1 {
		errs = append(errs, fieldError("watcher.check_interval_minutes", "must be a positive integer"))
	}
	if c.Watcher.MaxVideosPerCheck < 1 {
		errs = append(errs, fieldError("watcher.max_videos_per_check", "must be a positive integer"))
	}
	if c.Watcher.MinDurationSeconds < 0 {
		errs = append(errs, fieldError("watcher.min_duration_seconds", "must be >= 0"))
	}
	if c.Cleanup.Enabled {
		if c.Cleanup.AgeDays < 1 {
			errs = append(errs, fieldError("cleanup.age_days", "must be a positive integer"))
		}
		if c.Cleanup.IntervalHours < 1 {
			errs = append(errs, fieldError("cleanup.interval_hours", "must be a positive integer"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// CheckInterval returns the watcher scan period as a duration.
func (c *WatcherConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMinutes) * time.Minute
}

// RetryBaseDelay returns the backoff base as a duration.
func (c *DownloadConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMinutes) * time.Minute
}

// DetectionWindow returns the throttle sliding window as a duration.
func (c *ThrottleConfig) DetectionWindow() time.Duration {
	return time.Duration(c.DetectionWindowSeconds) * time.Second
}

// CleanupAge returns the eviction age threshold as a duration.
func (c *CleanupConfig) CleanupAge() time.Duration {
	return time.Duration(c.AgeDays) * 24 * time.Hour
}

// CleanupInterval returns the eviction sweep period as a duration.
func (c *CleanupConfig) CleanupInterval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}
