// Package config handles loading, validating, and writing the OxiQMS
// audit configuration.
//
// Values are layered, later layers winning:
//   - built-in defaults
//   - the YAML config file (optional)
//   - OXIQMS_* environment variables, e.g. OXIQMS_RETENTION_DAYS=3650
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "oxiqms.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OXIQMS_"

// Config is the audit subsystem configuration.
type Config struct {
	// ProjectPath is the QMS project root; the audit trail lives in
	// <project>/audit.
	ProjectPath string `koanf:"project_path" validate:"required"`

	// RetentionDays defaults to 2555 days (7 years), the usual minimum
	// for medical device records. The upper bound is 10,000 years.
	RetentionDays    int  `koanf:"retention_days" validate:"min=0,max=3650000"`
	DailyRotation    bool `koanf:"daily_rotation"`
	MaxFileSizeMB    int  `koanf:"max_file_size_mb" validate:"min=0"`
	RequireChecksums bool `koanf:"require_checksums"`

	Compression         string        `koanf:"compression" validate:"oneof=none brotli"`
	IndexEnabled        bool          `koanf:"index_enabled"`
	MaintenanceInterval time.Duration `koanf:"maintenance_interval" validate:"gt=0"`

	LogLevel  string `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `koanf:"log_format" validate:"oneof=text json"`
}

// Default returns a Config with every field set to its default value.
func Default() *Config {
	return &Config{
		ProjectPath:         ".",
		RetentionDays:       2555,
		DailyRotation:       true,
		MaxFileSizeMB:       100,
		RequireChecksums:    true,
		Compression:         "none",
		IndexEnabled:        false,
		MaintenanceInterval: time.Hour,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load reads the config file at path and applies environment overrides.
// If the file doesn't exist, defaults are used (not an error). Invalid
// YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps OXIQMS_RETENTION_DAYS to retention_days.
func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report fields by their config key, not the Go name.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("koanf"), ",", 2)[0]
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	err := getValidator().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s, got %v", fe.Field(), fe.Param(), fe.Value())
	case "max":
		return fmt.Sprintf("%s must be at most %s, got %v", fe.Field(), fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("%s must be positive, got %v", fe.Field(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// AuditDir returns <project>/audit.
func (c Config) AuditDir() string {
	return filepath.Join(c.ProjectPath, "audit")
}

// LivePath returns the live chain, <project>/audit/audit.log.
func (c Config) LivePath() string {
	return filepath.Join(c.AuditDir(), "audit.log")
}

// ArchiveDir returns the daily snapshot directory.
func (c Config) ArchiveDir() string {
	return filepath.Join(c.AuditDir(), "daily")
}

// IndexPath returns the sqlite search index.
func (c Config) IndexPath() string {
	return filepath.Join(c.AuditDir(), "index.db")
}

// MaxFileSizeBytes converts MaxFileSizeMB to bytes.
func (c Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// SlogLevel maps LogLevel to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fileView is the on-disk YAML layout. Durations are written as strings
// ("1h0m0s") so the file stays readable and round-trips through Load.
type fileView struct {
	ProjectPath         string `yaml:"project_path"`
	RetentionDays       int    `yaml:"retention_days"`
	DailyRotation       bool   `yaml:"daily_rotation"`
	MaxFileSizeMB       int    `yaml:"max_file_size_mb"`
	RequireChecksums    bool   `yaml:"require_checksums"`
	Compression         string `yaml:"compression"`
	IndexEnabled        bool   `yaml:"index_enabled"`
	MaintenanceInterval string `yaml:"maintenance_interval"`
	LogLevel            string `yaml:"log_level"`
	LogFormat           string `yaml:"log_format"`
}

// MarshalYAML implements yaml.Marshaler.
func (c Config) MarshalYAML() (any, error) {
	return fileView{
		ProjectPath:         c.ProjectPath,
		RetentionDays:       c.RetentionDays,
		DailyRotation:       c.DailyRotation,
		MaxFileSizeMB:       c.MaxFileSizeMB,
		RequireChecksums:    c.RequireChecksums,
		Compression:         c.Compression,
		IndexEnabled:        c.IndexEnabled,
		MaintenanceInterval: c.MaintenanceInterval.String(),
		LogLevel:            c.LogLevel,
		LogFormat:           c.LogFormat,
	}, nil
}

// WriteDefault writes a default config file with all fields populated
// and a comment header. Used by `oxiqms config init`.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# OxiQMS audit trail configuration
#
# project_path:         QMS project root; the audit trail lives in <project>/audit
# retention_days:       Days to keep daily archives (default 2555, about 7 years)
# daily_rotation:       Snapshot the live log into audit/daily/<date>.log once a day
# max_file_size_mb:     Warn when the live log grows past this size (0 = never)
# require_checksums:    Hide records whose checksum does not verify from searches
# compression:          none | brotli, applied to archives older than today
# index_enabled:        Keep a sqlite search index next to the log
# maintenance_interval: How often "oxiqms maintain" runs rotate, cleanup and verify
# log_level:            debug | info | warn | error
# log_format:           text | json
#
# Every key can be overridden with an OXIQMS_<KEY> environment variable.

`
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}
