// Package hcconfig holds the core's own host configuration: cache
// roots, backoff schedules, gRPC limits, and report-cache settings.
// It is parsed from YAML with environment-variable and default-tag
// overrides applied by reflection, the same two-pass strategy
// mantonx/viewra's internal/config/config.go uses for its Config tree.
package hcconfig

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete host configuration for one core invocation.
type Config struct {
	Cache    CacheConfig    `yaml:"cache" json:"cache"`
	Plugin   PluginConfig   `yaml:"plugin" json:"plugin"`
	Protocol ProtocolConfig `yaml:"protocol" json:"protocol"`
	Report   ReportConfig   `yaml:"report" json:"report"`
}

// CacheConfig controls the on-disk plugin artifact cache (§4.1, §6).
type CacheConfig struct {
	Root string `yaml:"root" json:"root" env:"HC_CACHE_ROOT" default:"~/.cache/hipcheck"`
}

// PluginConfig controls process supervision (§4.2).
type PluginConfig struct {
	StartupBackoffInitial time.Duration `yaml:"startup_backoff_initial" json:"startup_backoff_initial" env:"HC_PLUGIN_BACKOFF_INITIAL" default:"250ms"`
	StartupBackoffMax     time.Duration `yaml:"startup_backoff_max" json:"startup_backoff_max" env:"HC_PLUGIN_BACKOFF_MAX" default:"5s"`
	StartupBudget         time.Duration `yaml:"startup_budget" json:"startup_budget" env:"HC_PLUGIN_STARTUP_BUDGET" default:"30s"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"HC_PLUGIN_SHUTDOWN_TIMEOUT" default:"5s"`
	LogLevel              string        `yaml:"log_level" json:"log_level" env:"HC_PLUGIN_LOG_LEVEL" default:"info"`
}

// ProtocolConfig controls the query protocol codec (§4.3).
type ProtocolConfig struct {
	MaxMessageBytes int `yaml:"max_message_bytes" json:"max_message_bytes" env:"HC_PROTOCOL_MAX_MESSAGE_BYTES" default:"4194304"`
}

// ReportConfig controls the optional on-disk report cache (§4.4).
type ReportConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"HC_REPORT_CACHE_ENABLED" default:"false"`
	Driver   string `yaml:"driver" json:"driver" env:"HC_REPORT_CACHE_DRIVER" default:"sqlite"`
	DSN      string `yaml:"dsn" json:"dsn" env:"HC_REPORT_CACHE_DSN" default:"~/.cache/hipcheck/reports/index.db"`
	BlobPath string `yaml:"blob_path" json:"blob_path" env:"HC_REPORT_CACHE_BLOBS" default:"~/.cache/hipcheck/reports/blobs"`
}

// Default returns a Config with every env/default tag applied and no
// file loaded, the baseline used when no config file is given.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}
	expandHome(cfg)
	return cfg, nil
}

// Load reads a YAML config file, then overlays environment variables
// (or the struct's default tags, for anything left unset) on top of
// whatever the file specified, mirroring the two-pass approach in
// mantonx/viewra's ConfigManager.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}

	expandHome(cfg)
	return cfg, nil
}

func expandHome(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return
	}
	expand := func(s string) string {
		if strings.HasPrefix(s, "~/") {
			return home + s[1:]
		}
		return s
	}
	cfg.Cache.Root = expand(cfg.Cache.Root)
	cfg.Report.DSN = expand(cfg.Report.DSN)
	cfg.Report.BlobPath = expand(cfg.Report.BlobPath)
}

// loadStructFromEnv walks a struct tree, applying env/default tags to
// any field that is still zero-valued. Existing (e.g. file-loaded)
// values are only overridden when the environment variable is
// explicitly set.
func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := loadStructFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		defaultTag := fieldType.Tag.Get("default")

		envValue := ""
		if envTag != "" {
			envValue = os.Getenv(envTag)
		}

		fileWasEmpty := isZero(field)
		switch {
		case envValue != "":
			// explicit env override always wins
		case fileWasEmpty && defaultTag != "":
			envValue = defaultTag
		default:
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s: %w", fieldType.Name, err)
		}
	}

	return nil
}

func isZero(v reflect.Value) bool {
	return v.IsZero()
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind: %v", field.Kind())
	}
	return nil
}

// DefaultBackoffInitial returns a platform-tuned initial backoff, per
// §4.2's note that macOS defaults to a higher initial interval.
func DefaultBackoffInitial() time.Duration {
	if runtime.GOOS == "darwin" {
		return 500 * time.Millisecond
	}
	return 250 * time.Millisecond
}
