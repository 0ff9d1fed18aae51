package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/earyx-lab/earyx/internal/archive"
	"github.com/earyx-lab/earyx/internal/run"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect, verify and export session archives",
		Long: `Work with finalized session archives.

An archive is a zip file holding the session snapshot, the psydat export,
every signal the session played and a manifest with a SHA-256 checksum of
each entry.

Examples:
  earyx archive list
  earyx archive verify <file>
  earyx archive inspect <file>
  earyx archive export <file> --output results.psydat
  earyx archive list --subject "jane doe"
  earyx archive prune --experiment tone-detection`,
	}

	cmd.AddCommand(
		newArchiveListCmd(),
		newArchiveVerifyCmd(),
		newArchiveInspectCmd(),
		newArchiveExportCmd(),
		newArchivePruneCmd(),
	)
	return cmd
}

func newArchiveListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archives with metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dir := cfg.Storage.ArchiveDir

			listed, err := archive.ListArchives(dir)
			if err != nil {
				return fmt.Errorf("failed to list archives: %w", err)
			}
			experiment, _ := cmd.Flags().GetString("experiment")
			subject, _ := cmd.Flags().GetString("subject")
			sel := archive.Selector{Experiment: experiment, Subject: subject}
			var archives []archive.ArchiveInfo
			for _, a := range listed {
				if sel.Matches(a) {
					archives = append(archives, a)
				}
			}

			type jsonEntry struct {
				Path       string `json:"path"`
				Size       int64  `json:"size_bytes"`
				CreatedAt  string `json:"created_at"`
				Session    string `json:"session,omitempty"`
				Experiment string `json:"experiment,omitempty"`
				Subject    string `json:"subject,omitempty"`
				Finished   int    `json:"finished"`
				Runs       int    `json:"runs"`
				Valid      bool   `json:"valid"`
			}
			entries := make([]jsonEntry, 0, len(archives))
			var totalSize int64
			for _, a := range archives {
				totalSize += a.Size
				entry := jsonEntry{
					Path:      a.Path,
					Size:      a.Size,
					CreatedAt: a.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
				}
				if m, err := archive.Verify(a.Path); err == nil {
					entry.Session = m.Session
					entry.Experiment = m.Experiment
					entry.Subject = m.Subject
					entry.Finished = m.Finished
					entry.Runs = m.Runs
					entry.Valid = true
				}
				entries = append(entries, entry)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"archives":    entries,
					"total_count": len(entries),
					"directory":   dir,
				})
			}

			if len(entries) == 0 {
				fmt.Fprintf(out, "No archives found in %s\n", dir)
				return nil
			}
			fmt.Fprintf(out, "Archives in %s:\n", dir)
			for i, e := range entries {
				status := fmt.Sprintf("%d/%d finished", e.Finished, e.Runs)
				if !e.Valid {
					status = "INVALID"
				}
				fmt.Fprintf(out, "  %s  %s  %-16s  %s  %s\n",
					archives[i].CreatedAt.Format("2006-01-02 15:04"),
					formatBytes(e.Size),
					valueOrDefault(e.Experiment, "?"),
					status,
					filepath.Base(e.Path),
				)
			}
			fmt.Fprintf(out, "Total: %d archives, %s\n", len(entries), formatBytes(totalSize))
			return nil
		},
	}

	cmd.Flags().String("experiment", "", "Only list archives of this experiment")
	cmd.Flags().String("subject", "", "Only list archives of this subject")

	return cmd
}

func newArchiveVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify archive checksums",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filePath := args[0]
			jsonOut, _ := cmd.Flags().GetBool("json")
			out := cmd.OutOrStdout()

			m, err := archive.Verify(filePath)
			if err != nil {
				if jsonOut {
					return json.NewEncoder(out).Encode(map[string]interface{}{
						"file":    filePath,
						"valid":   false,
						"error":   err.Error(),
						"message": "Checksum verification FAILED",
					})
				}
				fmt.Fprintf(out, "FAILED: %v\n", err)
				fmt.Fprintf(out, "  File: %s\n", filePath)
				return fmt.Errorf("checksum verification failed")
			}

			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"file":    filePath,
					"version": m.Version,
					"valid":   true,
					"entries": len(m.Checksums),
					"message": "Checksums OK",
				})
			}
			fmt.Fprintf(out, "OK: %d checksums verified\n", len(m.Checksums))
			fmt.Fprintf(out, "  File: %s\n", filePath)
			return nil
		},
	}
}

func newArchiveInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Show the session and per-run results stored in an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			c, err := archive.Open(context.Background(), args[0])
			if err != nil {
				return err
			}
			st := c.Document.Session

			type runEntry struct {
				Index       int          `json:"index"`
				Parameters  string       `json:"parameters"`
				Setting     string       `json:"setting"`
				Trials      int          `json:"trials"`
				Finished    bool         `json:"finished"`
				Skipped     bool         `json:"skipped"`
				Measurement *run.Summary `json:"measurement,omitempty"`
			}
			runs := make([]runEntry, 0, len(st.Runs))
			for _, rs := range st.Runs {
				entry := runEntry{
					Index:      rs.Index,
					Parameters: formatParams(rs.Parameters),
					Setting:    rs.Setting.String(),
					Trials:     len(rs.Trials),
					Finished:   rs.Finished,
					Skipped:    rs.Skipped,
				}
				if r, err := run.Restore(rs); err == nil {
					if s, ok := r.Summary(); ok {
						entry.Measurement = &s
					}
				}
				runs = append(runs, entry)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"manifest": c.Manifest,
					"saved_at": c.Document.SavedAt,
					"signals":  len(c.Signals),
					"runs":     runs,
				})
			}

			fmt.Fprintf(out, "Session %s\n", st.ID)
			fmt.Fprintf(out, "  Experiment: %s\n", st.Experiment)
			fmt.Fprintf(out, "  Subject:    %s\n", valueOrDefault(st.Subject, "(not set)"))
			fmt.Fprintf(out, "  Saved:      %s\n", c.Document.SavedAt.Local().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "  Signals:    %d\n", len(c.Signals))
			for _, r := range runs {
				status := "active"
				switch {
				case r.Finished:
					status = "finished"
				case r.Skipped:
					status = "skipped"
				}
				fmt.Fprintf(out, "  run %d%s %s: %s, %d trials", r.Index, r.Parameters, r.Setting, status, r.Trials)
				if r.Measurement != nil {
					fmt.Fprintf(out, ", median %g, std %.3g", r.Measurement.Median, r.Measurement.StdDev)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newArchiveExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Write the psydat export of an archive",
		Long: `Write the psydat text export stored in an archive, one block per
finished run. Without --output the export is written to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			c, err := archive.Open(context.Background(), args[0])
			if err != nil {
				return err
			}
			data := c.Psydat
			if data == nil {
				var buf bytes.Buffer
				if err := archive.WritePsydat(&buf, c.Document.Session); err != nil {
					return err
				}
				data = buf.Bytes()
			}

			if output == "" {
				_, err := io.Copy(cmd.OutOrStdout(), bytes.NewReader(data))
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %s\n", output)
			return nil
		},
	}

	cmd.Flags().String("output", "", "Output file (default: stdout)")

	return cmd
}

func newArchivePruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply the configured retention limits to each experiment and subject",
		Long: `Apply the configured retention limits now.

Limits count per experiment and subject: max_count 3 keeps the three newest
archives of every subject. The newest archive of a subject is never removed.
--experiment and --subject restrict pruning to matching archives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			experiment, _ := cmd.Flags().GetString("experiment")
			subject, _ := cmd.Flags().GetString("subject")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			retention, err := cfg.Retention()
			if err != nil {
				return err
			}
			if retention == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No retention limits configured")
				return nil
			}

			sel := archive.Selector{Experiment: experiment, Subject: subject}
			deleted, err := retention.Prune(cfg.Storage.ArchiveDir, sel, time.Now())
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"deleted": deleted,
					"count":   len(deleted),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d archives\n", len(deleted))
			return nil
		},
	}

	cmd.Flags().String("experiment", "", "Only prune archives of this experiment")
	cmd.Flags().String("subject", "", "Only prune archives of this subject")

	return cmd
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1fGB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1fMB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1fKB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%dB", b)
	}
}
