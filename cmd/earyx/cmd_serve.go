package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/earyx-lab/earyx/internal/mcp"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long: `Run a Model Context Protocol server on stdin/stdout. An MCP client
drives one session at a time through the earyx_* tools: it starts or
resumes a session, asks for trials, plays the returned signal files and
submits the subject's answers.

Operational logs go to stderr; tool calls are audited to
<data_dir>/audit.jsonl.

Example client configuration:
  {"command": "earyx", "args": ["serve"]}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			server, err := mcp.NewServer(&mcp.Config{
				Name:       "earyx",
				Version:    version,
				DataDir:    e.cfg.Storage.DataDir,
				ArchiveDir: e.cfg.Storage.ArchiveDir,
				Retention:  e.retention,
				Journal:    e.journal,
				Defaults:   e.cfg.Options(),
				LogLevel:   e.cfg.Logging.Level,
				Logger:     e.logger,
			})
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}

			e.logger.Info("mcp server starting", "data_dir", e.cfg.Storage.DataDir)
			return server.Run(context.Background())
		},
	}
}
