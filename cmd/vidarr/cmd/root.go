// Package cmd implements the CLI commands for vidarr.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vidarr/vidarr/internal/config"
	"github.com/vidarr/vidarr/internal/observability"
	"github.com/vidarr/vidarr/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "vidarr",
	Short:   "Transparent download cache for a self-hosted video frontend",
	Version: version.Short(),
	Long: `vidarr sits between a self-hosted video frontend and its users. It proxies
the frontend transparently, watches subscriptions in the frontend's database,
downloads new videos through a companion resolver, and serves cached files
with byte-range support so playback never touches the origin twice.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./vidarr.yaml or /etc/vidarr/vidarr.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig reads the configuration and applies CLI flag overrides.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (VIDARR_LOGGING_LEVEL, VIDARR_SERVER_PORT, ...)
//  3. Config file values
//  4. Built-in defaults
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	applyLoggingFlags(cfg, rootCmd.PersistentFlags())
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}
	return cfg, nil
}

// applyLoggingFlags copies explicitly-set logging flags into the config.
func applyLoggingFlags(cfg *config.Config, flags *pflag.FlagSet) {
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		cfg.Logging.Level = strings.ToLower(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		cfg.Logging.Format = strings.ToLower(format)
	}
}

// initLogging builds the slog logger from the logging config and installs it
// as the process default. Sensitive values are redacted by the observability
// handler.
func initLogging(cfg config.LoggingConfig) {
	logger := observability.NewLoggerWithWriter(cfg, os.Stderr)
	observability.SetDefault(logger)
}
