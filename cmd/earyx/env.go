package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/earyx-lab/earyx/internal/archive"
	"github.com/earyx-lab/earyx/internal/config"
	"github.com/earyx-lab/earyx/internal/journal"
	"github.com/earyx-lab/earyx/internal/logging"
	"github.com/earyx-lab/earyx/internal/session"
	"github.com/earyx-lab/earyx/internal/workspace"
)

// env bundles what every session command needs: the validated config, the
// operational logger and the checkpoint journal.
type env struct {
	cfg       *config.EaryxConfig
	logger    *slog.Logger
	journal   *journal.Journal
	retention *archive.Retention
}

// loadConfig loads the config and applies the directory flags.
func loadConfig(cmd *cobra.Command) (*config.EaryxConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Storage.DataDir = config.ExpandHome(dir)
	}
	if dir, _ := cmd.Flags().GetString("archive-dir"); dir != "" {
		cfg.Storage.ArchiveDir = config.ExpandHome(dir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openEnv loads the config and opens the journal. The caller must Close it.
func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	retention, err := cfg.Retention()
	if err != nil {
		return nil, err
	}
	j, err := journal.Open(filepath.Join(cfg.Storage.DataDir, journal.DBFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &env{
		cfg:       cfg,
		logger:    logging.NewLogger(cfg.Logging.Level, os.Stderr),
		journal:   j,
		retention: retention,
	}, nil
}

func (e *env) Close() {
	if e.journal != nil {
		e.journal.Close()
	}
}

// archiver returns the archiver for finalized sessions.
func (e *env) archiver() *archive.Archiver {
	return &archive.Archiver{
		Dir:       e.cfg.Storage.ArchiveDir,
		Retention: e.retention,
		Logger:    e.logger,
	}
}

// options completes base with the logger, archiver, workspace store and
// the journal as an extra checkpoint target.
func (e *env) options(ws *workspace.Workspace, base session.Options) session.Options {
	base.Logger = e.logger
	base.Archiver = e.archiver()
	return ws.Options(base, e.journal)
}
