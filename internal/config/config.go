// Package config provides unified configuration loading for earyx.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/earyx-lab/earyx/internal/archive"
	"github.com/earyx-lab/earyx/internal/logging"
	"github.com/earyx-lab/earyx/internal/session"
)

// DirName is the per-user earyx directory under the home directory.
const DirName = ".earyx"

// EaryxConfig contains all earyx configuration settings.
type EaryxConfig struct {
	// Session contains defaults applied to every new session.
	Session SessionConfig `json:"session" yaml:"session"`

	// Storage contains workspace, journal and archive locations.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Logging contains settings for operational and event logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// SessionConfig configures run ordering and durability.
type SessionConfig struct {
	// Order is "sequential" (default) or "interleaved".
	Order string `json:"order" yaml:"order"`

	// DiscardUnfinishedRuns resets runs that have not converged whenever the
	// session is checkpointed or archived.
	DiscardUnfinishedRuns bool `json:"discard_unfinished_runs" yaml:"discard_unfinished_runs"`

	// Subject is the default subject identifier.
	Subject string `json:"subject" yaml:"subject"`
}

// StorageConfig configures where sessions live on disk.
type StorageConfig struct {
	// DataDir holds one workspace directory per session plus the journal.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// ArchiveDir receives finalized session archives.
	ArchiveDir string `json:"archive_dir" yaml:"archive_dir"`

	// Retention prunes old archives of the same experiment and subject
	// after each new one is written.
	Retention RetentionConfig `json:"retention" yaml:"retention"`
}

// RetentionConfig limits the archives kept per experiment and subject in
// ArchiveDir. Zero values disable the corresponding limit.
type RetentionConfig struct {
	MaxCount int    `json:"max_count" yaml:"max_count"`
	MaxAge   string `json:"max_age" yaml:"max_age"`
	MaxSize  string `json:"max_size" yaml:"max_size"`
}

// LoggingConfig configures earyx's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables event logging to <workspace>/events.jsonl.
	Level string `json:"level" yaml:"level"`
}

// Default returns an EaryxConfig with sensible defaults.
func Default() *EaryxConfig {
	base := filepath.Join("~", DirName)
	return &EaryxConfig{
		Session: SessionConfig{
			Order:                 string(session.Sequential),
			DiscardUnfinishedRuns: true,
		},
		Storage: StorageConfig{
			DataDir:    filepath.Join(base, "sessions"),
			ArchiveDir: filepath.Join(base, "archives"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Path returns the default config file location, ~/.earyx/config.yaml.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DirName, "config.yaml"), nil
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.earyx/config.yaml -> environment variables
func Load() (*EaryxConfig, error) {
	config := Default()

	if configPath, err := Path(); err == nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			fileConfig, loadErr := LoadFromFile(configPath)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			config = fileConfig
		}
	}

	applyEnvOverrides(config)
	config.expandPaths()

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*EaryxConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.Storage.DataDir = expandEnvVars(config.Storage.DataDir)
	config.Storage.ArchiveDir = expandEnvVars(config.Storage.ArchiveDir)

	return config, nil
}

// Save writes the configuration as YAML to path, creating parent directories.
func (c *EaryxConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *EaryxConfig) Validate() error {
	if _, err := session.ParseOrder(c.Session.Order); err != nil {
		return fmt.Errorf("invalid order: %s (valid: sequential, interleaved)", c.Session.Order)
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Storage.ArchiveDir == "" {
		return fmt.Errorf("archive_dir must not be empty")
	}

	if c.Storage.Retention.MaxCount < 0 {
		return fmt.Errorf("max_count must be non-negative, got %d", c.Storage.Retention.MaxCount)
	}
	if c.Storage.Retention.MaxAge != "" {
		if _, err := archive.ParseDuration(c.Storage.Retention.MaxAge); err != nil {
			return fmt.Errorf("invalid max_age: %w", err)
		}
	}
	if c.Storage.Retention.MaxSize != "" {
		if _, err := archive.ParseSize(c.Storage.Retention.MaxSize); err != nil {
			return fmt.Errorf("invalid max_size: %w", err)
		}
	}

	if c.Logging.Level != "" && !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// Retention builds the archive retention limits, or nil when no limit is set.
func (c *EaryxConfig) Retention() (*archive.Retention, error) {
	r := c.Storage.Retention
	return archive.RetentionFromConfig(r.MaxCount, r.MaxAge, r.MaxSize)
}

// Options returns the session defaults as session options. An invalid
// order falls back to sequential; Validate reports it.
func (c *EaryxConfig) Options() session.Options {
	order, err := session.ParseOrder(c.Session.Order)
	if err != nil {
		order = session.Sequential
	}
	return session.Options{
		Order:                 order,
		DiscardUnfinishedRuns: c.Session.DiscardUnfinishedRuns,
		Subject:               c.Session.Subject,
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *EaryxConfig) {
	if v := os.Getenv("EARYX_ORDER"); v != "" {
		config.Session.Order = v
	}

	if v := os.Getenv("EARYX_DISCARD_UNFINISHED_RUNS"); v != "" {
		config.Session.DiscardUnfinishedRuns = v == "true" || v == "1"
	}

	if v := os.Getenv("EARYX_SUBJECT"); v != "" {
		config.Session.Subject = v
	}

	if v := os.Getenv("EARYX_DATA_DIR"); v != "" {
		config.Storage.DataDir = v
	}

	if v := os.Getenv("EARYX_ARCHIVE_DIR"); v != "" {
		config.Storage.ArchiveDir = v
	}

	if v := os.Getenv("EARYX_RETENTION_MAX_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Storage.Retention.MaxCount = n
		}
	}

	if v := os.Getenv("EARYX_RETENTION_MAX_AGE"); v != "" {
		config.Storage.Retention.MaxAge = v
	}

	if v := os.Getenv("EARYX_RETENTION_MAX_SIZE"); v != "" {
		config.Storage.Retention.MaxSize = v
	}

	if v := os.Getenv("EARYX_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

func (c *EaryxConfig) expandPaths() {
	c.Storage.DataDir = ExpandHome(c.Storage.DataDir)
	c.Storage.ArchiveDir = ExpandHome(c.Storage.ArchiveDir)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
