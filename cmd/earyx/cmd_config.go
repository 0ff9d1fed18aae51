package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/earyx-lab/earyx/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage earyx configuration",
		Long: `View and modify earyx configuration settings.

Configuration is stored in ~/.earyx/config.yaml. Environment variables
prefixed with EARYX_ override the file.

Examples:
  earyx config list                               # Show all settings
  earyx config get session.order                  # Get a specific setting
  earyx config set session.order interleaved      # Set a setting
  earyx config set storage.retention.max_age 90d`,
	}

	cmd.AddCommand(
		newConfigListCmd(),
		newConfigGetCmd(),
		newConfigSetCmd(),
	)

	return cmd
}

// configKeys lists every settable key in display order.
var configKeys = []string{
	"session.order",
	"session.discard_unfinished_runs",
	"session.subject",
	"storage.data_dir",
	"storage.archive_dir",
	"storage.retention.max_count",
	"storage.retention.max_age",
	"storage.retention.max_size",
	"logging.level",
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all configuration settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(cfg)
			}
			fmt.Fprintln(out, "Configuration (~/.earyx/config.yaml):")
			fmt.Fprintln(out)
			for _, key := range configKeys {
				value, _ := getConfigValue(cfg, key)
				s := fmt.Sprint(value)
				fmt.Fprintf(out, "  %-32s %s\n", key+":", valueOrDefault(s, "(not set)"))
			}
			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			key := args[0]

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			value, found := getConfigValue(cfg, key)
			if !found {
				return fmt.Errorf("unknown configuration key: %s", key)
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"key":   key,
					"value": value,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", key, value)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			key := args[0]
			value := args[1]

			// Start from the file alone so environment overrides are not
			// persisted.
			cfg, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := setConfigValue(cfg, key, value); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"status": "updated",
					"key":    key,
					"value":  value,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
			return nil
		},
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.EaryxConfig, key string) (interface{}, bool) {
	switch key {
	case "session.order":
		return cfg.Session.Order, true
	case "session.discard_unfinished_runs":
		return cfg.Session.DiscardUnfinishedRuns, true
	case "session.subject":
		return cfg.Session.Subject, true
	case "storage.data_dir":
		return cfg.Storage.DataDir, true
	case "storage.archive_dir":
		return cfg.Storage.ArchiveDir, true
	case "storage.retention.max_count":
		return cfg.Storage.Retention.MaxCount, true
	case "storage.retention.max_age":
		return cfg.Storage.Retention.MaxAge, true
	case "storage.retention.max_size":
		return cfg.Storage.Retention.MaxSize, true
	case "logging.level":
		return cfg.Logging.Level, true
	default:
		return nil, false
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.EaryxConfig, key, value string) error {
	switch key {
	case "session.order":
		cfg.Session.Order = value
	case "session.discard_unfinished_runs":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %s", value)
		}
		cfg.Session.DiscardUnfinishedRuns = b
	case "session.subject":
		cfg.Session.Subject = value
	case "storage.data_dir":
		cfg.Storage.DataDir = value
	case "storage.archive_dir":
		cfg.Storage.ArchiveDir = value
	case "storage.retention.max_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid count: %s", value)
		}
		cfg.Storage.Retention.MaxCount = n
	case "storage.retention.max_age":
		cfg.Storage.Retention.MaxAge = value
	case "storage.retention.max_size":
		cfg.Storage.Retention.MaxSize = value
	case "logging.level":
		cfg.Logging.Level = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

// loadConfigFile returns the defaults overlaid with ~/.earyx/config.yaml.
func loadConfigFile() (*config.EaryxConfig, error) {
	path, err := config.Path()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.LoadFromFile(path)
}

// saveConfig writes the configuration to ~/.earyx/config.yaml.
func saveConfig(cfg *config.EaryxConfig) error {
	path, err := config.Path()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", config.DirName, err)
	}
	return cfg.Save(path)
}

// valueOrDefault returns the value if non-empty, otherwise the default.
func valueOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}
