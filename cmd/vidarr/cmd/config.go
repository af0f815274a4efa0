package cmd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vidarr/vidarr/internal/config"
	"github.com/vidarr/vidarr/pkg/bytesize"
	"github.com/vidarr/vidarr/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing vidarr configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  vidarr config dump > vidarr.yaml

Configuration can be set via:
  - Config file (vidarr.yaml, /etc/vidarr/vidarr.yaml)
  - Environment variables (VIDARR_SERVER_PORT, VIDARR_UPSTREAM_FRONTEND_URL, ...)
  - Command-line flags (for some options)

Environment variables use the VIDARR_ prefix and underscores for nesting.
Example: server.port -> VIDARR_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map, formatting durations and byte
// sizes for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = strings.ToLower(fieldType.Name)
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(v)
		case int64:
			if strings.Contains(key, "bytes") || strings.Contains(key, "threshold") {
				result[key] = bytesize.Format(bytesize.Size(v))
			} else {
				result[key] = v
			}
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	// Defaults only, no config file.
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# vidarr Configuration File")
	fmt.Println("# ==========================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 30s, 5m, 1h, 7d")
	fmt.Println("# Size format: 500KB, 5MB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   VIDARR_SERVER_HOST, VIDARR_SERVER_PORT")
	fmt.Println("#   VIDARR_UPSTREAM_FRONTEND_URL, VIDARR_UPSTREAM_DATABASE_DSN")
	fmt.Println("#   VIDARR_COMPANION_URL, VIDARR_COMPANION_SECRET")
	fmt.Println("#   VIDARR_STORAGE_VIDEOS_DIR")
	fmt.Println("#   VIDARR_LOGGING_LEVEL, VIDARR_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
