package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	// Verify defaults.
	if cfg.RetentionDays != 2555 {
		t.Errorf("default retention: expected 2555, got %d", cfg.RetentionDays)
	}
	if !cfg.DailyRotation {
		t.Error("default daily rotation: expected true")
	}
	if cfg.MaxFileSizeMB != 100 {
		t.Errorf("default max file size: expected 100, got %d", cfg.MaxFileSizeMB)
	}
	if !cfg.RequireChecksums {
		t.Error("default require checksums: expected true")
	}
	if cfg.Compression != "none" {
		t.Errorf("default compression: expected none, got %q", cfg.Compression)
	}
	if cfg.MaintenanceInterval != time.Hour {
		t.Errorf("default maintenance interval: expected 1h, got %v", cfg.MaintenanceInterval)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oxiqms.yaml")
	yaml := `
project_path: /srv/qms
retention_days: 3650
daily_rotation: false
max_file_size_mb: 10
require_checksums: false
compression: brotli
index_enabled: true
maintenance_interval: 15m
log_level: debug
log_format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ProjectPath != "/srv/qms" {
		t.Errorf("project path: expected /srv/qms, got %q", cfg.ProjectPath)
	}
	if cfg.RetentionDays != 3650 {
		t.Errorf("retention: expected 3650, got %d", cfg.RetentionDays)
	}
	if cfg.DailyRotation || cfg.RequireChecksums {
		t.Error("boolean overrides not applied")
	}
	if cfg.Compression != "brotli" || !cfg.IndexEnabled {
		t.Error("compression/index overrides not applied")
	}
	if cfg.MaintenanceInterval != 15*time.Minute {
		t.Errorf("interval: expected 15m, got %v", cfg.MaintenanceInterval)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("log format: expected json, got %q", cfg.LogFormat)
	}
	if cfg.LivePath() != filepath.Join("/srv/qms", "audit", "audit.log") {
		t.Errorf("live path: got %q", cfg.LivePath())
	}
	if cfg.ArchiveDir() != filepath.Join("/srv/qms", "audit", "daily") {
		t.Errorf("archive dir: got %q", cfg.ArchiveDir())
	}
	if cfg.MaxFileSizeBytes() != 10*1024*1024 {
		t.Errorf("max bytes: got %d", cfg.MaxFileSizeBytes())
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oxiqms.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oxiqms.yaml")
	if err := os.WriteFile(path, []byte("retention_days: 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	// Retention overridden.
	if cfg.RetentionDays != 30 {
		t.Errorf("retention: expected 30, got %d", cfg.RetentionDays)
	}
	// Everything else keeps its default.
	if cfg.MaxFileSizeMB != 100 {
		t.Errorf("max file size should be default 100, got %d", cfg.MaxFileSizeMB)
	}
	if !cfg.DailyRotation {
		t.Error("daily rotation should default to true")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oxiqms.yaml")
	if err := os.WriteFile(path, []byte("retention_days: 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OXIQMS_RETENTION_DAYS", "90")
	t.Setenv("OXIQMS_COMPRESSION", "brotli")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RetentionDays != 90 {
		t.Errorf("env should win over file: expected 90, got %d", cfg.RetentionDays)
	}
	if cfg.Compression != "brotli" {
		t.Errorf("compression: expected brotli, got %q", cfg.Compression)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oxiqms.yaml")
	if err := os.WriteFile(path, []byte("retention_days: -5\ncompression: zip\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"retention_days", "compression"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should name %s: %v", want, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero retention", func(c *Config) { c.RetentionDays = 0 }, false},
		{"empty project path", func(c *Config) { c.ProjectPath = "" }, true},
		{"negative retention", func(c *Config) { c.RetentionDays = -1 }, true},
		{"retention at bound", func(c *Config) { c.RetentionDays = 3_650_000 }, false},
		{"retention beyond bound", func(c *Config) { c.RetentionDays = math.MaxInt }, true},
		{"negative max size", func(c *Config) { c.MaxFileSizeMB = -1 }, true},
		{"unknown compression", func(c *Config) { c.Compression = "gzip" }, true},
		{"zero interval", func(c *Config) { c.MaintenanceInterval = 0 }, true},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }, true},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.ProjectPath = filepath.Join("srv", "qms")
	current := func() Config { return *cfg }

	// Path helpers work on copies, as returned by a running service.
	if got, want := current().LivePath(), filepath.Join("srv", "qms", "audit", "audit.log"); got != want {
		t.Errorf("LivePath = %q, want %q", got, want)
	}
	if got, want := current().ArchiveDir(), filepath.Join("srv", "qms", "audit", "daily"); got != want {
		t.Errorf("ArchiveDir = %q, want %q", got, want)
	}
	if got, want := current().IndexPath(), filepath.Join("srv", "qms", "audit", "index.db"); got != want {
		t.Errorf("IndexPath = %q, want %q", got, want)
	}
	if got := current().MaxFileSizeBytes(); got != 100*1024*1024 {
		t.Errorf("MaxFileSizeBytes = %d", got)
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "oxiqms.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("file not created: %v", err)
	}
	if !strings.HasPrefix(string(data), "# OxiQMS") {
		t.Error("default config should start with the comment header")
	}
	if !strings.Contains(string(data), "maintenance_interval: 1h0m0s") {
		t.Errorf("interval should be written as a duration string:\n%s", data)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", *cfg, *Default())
	}
}

func TestWatcher_FiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oxiqms.yaml")

	changed := make(chan struct{}, 8)
	w, err := NewWatcher(path, WatchTargets{OnConfigChange: func() { changed <- struct{}{} }})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	// Unrelated files are ignored.
	os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644)
	os.WriteFile(path, []byte("retention_days: 10\n"), 0o644)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("expected OnConfigChange to fire")
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
}
