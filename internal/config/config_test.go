package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/earyx-lab/earyx/internal/archive"
	"github.com/earyx-lab/earyx/internal/session"
)

func TestDefault(t *testing.T) {
	config := Default()

	// Session defaults
	if config.Session.Order != "sequential" {
		t.Errorf("expected Order 'sequential', got '%s'", config.Session.Order)
	}
	if !config.Session.DiscardUnfinishedRuns {
		t.Error("expected DiscardUnfinishedRuns to be true by default")
	}
	if config.Session.Subject != "" {
		t.Errorf("expected empty Subject, got '%s'", config.Session.Subject)
	}

	// Storage defaults
	if config.Storage.DataDir != filepath.Join("~", ".earyx", "sessions") {
		t.Errorf("unexpected DataDir '%s'", config.Storage.DataDir)
	}
	if config.Storage.ArchiveDir != filepath.Join("~", ".earyx", "archives") {
		t.Errorf("unexpected ArchiveDir '%s'", config.Storage.ArchiveDir)
	}
	if config.Storage.Retention != (RetentionConfig{}) {
		t.Errorf("expected no retention limits, got %+v", config.Storage.Retention)
	}

	// Logging defaults
	if config.Logging.Level != "info" {
		t.Errorf("expected Logging.Level 'info', got '%s'", config.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
session:
  order: interleaved
  discard_unfinished_runs: false
  subject: listener 7

storage:
  data_dir: /data/earyx
  retention:
    max_count: 10
    max_age: 30d
    max_size: 1GB
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	config, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.Session.Order != "interleaved" {
		t.Errorf("expected Order 'interleaved', got '%s'", config.Session.Order)
	}
	if config.Session.DiscardUnfinishedRuns {
		t.Error("expected DiscardUnfinishedRuns to be false")
	}
	if config.Session.Subject != "listener 7" {
		t.Errorf("expected Subject 'listener 7', got '%s'", config.Session.Subject)
	}
	if config.Storage.DataDir != "/data/earyx" {
		t.Errorf("expected DataDir '/data/earyx', got '%s'", config.Storage.DataDir)
	}
	// Unset keys keep their defaults
	if config.Storage.ArchiveDir != Default().Storage.ArchiveDir {
		t.Errorf("expected default ArchiveDir, got '%s'", config.Storage.ArchiveDir)
	}
	want := RetentionConfig{MaxCount: 10, MaxAge: "30d", MaxSize: "1GB"}
	if config.Storage.Retention != want {
		t.Errorf("Retention = %+v, want %+v", config.Storage.Retention, want)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFromFile_EnvExpansion(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
storage:
  archive_dir: ${TEST_EARYX_ROOT}/archives
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	t.Setenv("TEST_EARYX_ROOT", "/srv/lab")

	config, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.Storage.ArchiveDir != "/srv/lab/archives" {
		t.Errorf("expected ArchiveDir '/srv/lab/archives', got '%s'", config.Storage.ArchiveDir)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EARYX_ORDER", "interleaved")
	t.Setenv("EARYX_DISCARD_UNFINISHED_RUNS", "0")
	t.Setenv("EARYX_SUBJECT", "sub-3")
	t.Setenv("EARYX_DATA_DIR", "/tmp/d")
	t.Setenv("EARYX_ARCHIVE_DIR", "/tmp/a")
	t.Setenv("EARYX_RETENTION_MAX_COUNT", "4")
	t.Setenv("EARYX_RETENTION_MAX_AGE", "2w")
	t.Setenv("EARYX_RETENTION_MAX_SIZE", "500MB")

	config := Default()
	applyEnvOverrides(config)

	if config.Session.Order != "interleaved" {
		t.Errorf("expected Order 'interleaved', got '%s'", config.Session.Order)
	}
	if config.Session.DiscardUnfinishedRuns {
		t.Error("expected DiscardUnfinishedRuns to be false")
	}
	if config.Session.Subject != "sub-3" {
		t.Errorf("expected Subject 'sub-3', got '%s'", config.Session.Subject)
	}
	if config.Storage.DataDir != "/tmp/d" || config.Storage.ArchiveDir != "/tmp/a" {
		t.Errorf("unexpected dirs %q %q", config.Storage.DataDir, config.Storage.ArchiveDir)
	}
	want := RetentionConfig{MaxCount: 4, MaxAge: "2w", MaxSize: "500MB"}
	if config.Storage.Retention != want {
		t.Errorf("Retention = %+v, want %+v", config.Storage.Retention, want)
	}
}

func TestEnvOverrides_InvalidCountIgnored(t *testing.T) {
	t.Setenv("EARYX_RETENTION_MAX_COUNT", "many")

	config := Default()
	applyEnvOverrides(config)

	if config.Storage.Retention.MaxCount != 0 {
		t.Errorf("expected MaxCount 0, got %d", config.Storage.Retention.MaxCount)
	}
}

func TestEnvOverrides_LogLevel(t *testing.T) {
	t.Setenv("EARYX_LOG_LEVEL", "debug")

	config := Default()
	applyEnvOverrides(config)

	if config.Logging.Level != "debug" {
		t.Errorf("expected Logging.Level 'debug', got '%s'", config.Logging.Level)
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("EARYX_DATA_DIR", "")
	t.Setenv("EARYX_ARCHIVE_DIR", "")

	config, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if config.Storage.DataDir != filepath.Join(home, ".earyx", "sessions") {
		t.Errorf("DataDir = %q", config.Storage.DataDir)
	}
}

func TestLoad_ReadsHomeConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("EARYX_SUBJECT", "")

	path, err := Path()
	if err != nil {
		t.Fatal(err)
	}
	config := Default()
	config.Session.Subject = "from-file"
	if err := config.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Session.Subject != "from-file" {
		t.Errorf("Subject = %q, want from-file", loaded.Session.Subject)
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/x/y", filepath.Join(home, "x", "y")},
		{"/abs/path", "/abs/path"},
		{"rel/~/path", "rel/~/path"},
		{"~user/path", "~user/path"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate_Valid(t *testing.T) {
	config := Default()
	if err := config.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EaryxConfig)
		want   string
	}{
		{"order", func(c *EaryxConfig) { c.Session.Order = "random" }, "invalid order"},
		{"data dir", func(c *EaryxConfig) { c.Storage.DataDir = "" }, "data_dir"},
		{"archive dir", func(c *EaryxConfig) { c.Storage.ArchiveDir = "" }, "archive_dir"},
		{"max count", func(c *EaryxConfig) { c.Storage.Retention.MaxCount = -1 }, "max_count"},
		{"max age", func(c *EaryxConfig) { c.Storage.Retention.MaxAge = "soon" }, "max_age"},
		{"max size", func(c *EaryxConfig) { c.Storage.Retention.MaxSize = "big" }, "max_size"},
		{"log level", func(c *EaryxConfig) { c.Logging.Level = "verbose" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)
			err := config.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ValidLogLevels(t *testing.T) {
	validLevels := []string{"", "info", "debug", "trace"}

	for _, level := range validLevels {
		t.Run(level, func(t *testing.T) {
			config := Default()
			config.Logging.Level = level
			if err := config.Validate(); err != nil {
				t.Errorf("expected log level '%s' to be valid, got error: %v", level, err)
			}
		})
	}
}

func TestRetention(t *testing.T) {
	config := Default()
	policy, err := config.Retention()
	if err != nil {
		t.Fatalf("Retention() error = %v", err)
	}
	if policy != nil {
		t.Errorf("expected nil policy without limits, got %+v", policy)
	}

	config.Storage.Retention = RetentionConfig{MaxCount: 3, MaxAge: "7d"}
	policy, err = config.Retention()
	if err != nil {
		t.Fatalf("Retention() error = %v", err)
	}
	want := archive.Retention{MaxCount: 3, MaxAge: 7 * 24 * time.Hour}
	if policy == nil || *policy != want {
		t.Errorf("Retention() = %+v, want %+v", policy, want)
	}
}

func TestOptions(t *testing.T) {
	config := Default()
	config.Session.Order = "Interleaved"
	config.Session.Subject = "s"

	opts := config.Options()
	if opts.Order != session.Interleaved {
		t.Errorf("Order = %q, want interleaved", opts.Order)
	}
	if !opts.DiscardUnfinishedRuns || opts.Subject != "s" {
		t.Errorf("unexpected options %+v", opts)
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidYAML := `
session:
  order: [invalid yaml
`
	if err := os.WriteFile(configPath, []byte(invalidYAML), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}
