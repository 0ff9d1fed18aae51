package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/earyx-lab/earyx/internal/journal"
	"github.com/earyx-lab/earyx/internal/session"
	"github.com/earyx-lab/earyx/internal/workspace"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List resumable sessions",
		Long: `List every session with a checkpoint, either in its workspace state file
or in the journal.

Examples:
  earyx sessions
  earyx sessions history <session-id>
  earyx sessions prune <session-id> --keep 5
  earyx sessions rm <session-id>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			ctx := context.Background()

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			entries, err := listSessions(ctx, e.cfg.Storage.DataDir, e.journal)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"sessions":    entries,
					"total_count": len(entries),
					"directory":   e.cfg.Storage.DataDir,
				})
			}
			if len(entries) == 0 {
				fmt.Fprintf(out, "No sessions found in %s\n", e.cfg.Storage.DataDir)
				return nil
			}
			for _, s := range entries {
				fmt.Fprintf(out, "  %s  %-16s  %-12s  %d/%d finished  %s  %s\n",
					s.Saved.Local().Format("2006-01-02 15:04"),
					s.Experiment,
					valueOrDefault(s.Subject, "-"),
					s.Finished, s.Total,
					s.Source,
					s.ID,
				)
			}
			return nil
		},
	}

	cmd.AddCommand(
		newSessionsHistoryCmd(),
		newSessionsPruneCmd(),
		newSessionsRemoveCmd(),
	)
	return cmd
}

// sessionEntry is one resumable session.
type sessionEntry struct {
	ID         string    `json:"id"`
	Experiment string    `json:"experiment"`
	Subject    string    `json:"subject,omitempty"`
	Finished   int       `json:"finished"`
	Skipped    int       `json:"skipped"`
	Total      int       `json:"total"`
	Saved      time.Time `json:"saved"`
	// Source is "workspace" or "journal".
	Source string `json:"source"`
}

// listSessions merges the workspaces holding a state file with the journal,
// newest first. A workspace state file wins over the journal.
func listSessions(ctx context.Context, dataDir string, j *journal.Journal) ([]sessionEntry, error) {
	byID := map[string]sessionEntry{}

	if j != nil {
		journaled, err := j.Sessions(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range journaled {
			byID[s.ID] = sessionEntry{
				ID:         s.ID,
				Experiment: s.Experiment,
				Subject:    s.Subject,
				Finished:   s.Finished,
				Skipped:    s.Skipped,
				Total:      s.Total,
				Saved:      s.LastSaved,
				Source:     "journal",
			}
		}
	}

	ids, err := workspace.List(dataDir)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		dir := workspace.Path(dataDir, id)
		st, ok, err := session.LoadState(dir)
		if err != nil || !ok {
			continue
		}
		finished, skipped, total := st.Progress()
		saved := st.Created
		if info, err := os.Stat(session.StateFilePath(dir)); err == nil {
			saved = info.ModTime()
		}
		byID[id] = sessionEntry{
			ID:         id,
			Experiment: st.Experiment,
			Subject:    st.Subject,
			Finished:   finished,
			Skipped:    skipped,
			Total:      total,
			Saved:      saved,
			Source:     "workspace",
		}
	}

	out := make([]sessionEntry, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].Saved.Equal(out[k].Saved) {
			return out[i].Saved.After(out[k].Saved)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func newSessionsHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "List the journal checkpoints of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			history, err := e.journal.History(context.Background(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"session":     args[0],
					"checkpoints": history,
				})
			}
			if len(history) == 0 {
				fmt.Fprintf(out, "No checkpoints for session %s\n", args[0])
				return nil
			}
			for _, c := range history {
				fmt.Fprintf(out, "  #%-5d %s  %d/%d finished, %d skipped\n",
					c.ID, c.SavedAt.Local().Format("2006-01-02 15:04:05"), c.Finished, c.Total, c.Skipped)
			}
			return nil
		},
	}
}

func newSessionsPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune <session-id>",
		Short: "Drop all but the newest journal checkpoints of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			keep, _ := cmd.Flags().GetInt("keep")

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			removed, err := e.journal.Prune(context.Background(), args[0], keep)
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"session": args[0],
					"removed": removed,
					"kept":    keep,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d checkpoints of %s\n", removed, args[0])
			return nil
		},
	}

	cmd.Flags().Int("keep", 1, "Number of newest checkpoints to keep")

	return cmd
}

func newSessionsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <session-id>",
		Short: "Delete a session's workspace and journal entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			ctx := context.Background()

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ws, err := workspace.Open(ctx, e.cfg.Storage.DataDir, id, e.cfg.Logging.Level)
			switch {
			case err == nil:
				if err := ws.Remove(); err != nil {
					return fmt.Errorf("failed to remove workspace: %w", err)
				}
			case !errors.Is(err, workspace.ErrNotFound):
				return err
			}
			if err := e.journal.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed session %s\n", id)
			return nil
		},
	}
}
