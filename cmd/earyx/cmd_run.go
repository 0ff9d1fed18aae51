package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/earyx-lab/earyx/internal/archive"
	"github.com/earyx-lab/earyx/internal/experiment"
	"github.com/earyx-lab/earyx/internal/pathutil"
	"github.com/earyx-lab/earyx/internal/session"
	"github.com/earyx-lab/earyx/internal/workspace"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <experiment>",
		Short: "Start a new session and drive it on the terminal",
		Long: `Start a new session of a registered experiment and present its trials
on the terminal. Answers are read line by line; "s" skips the current run
and "q" stops the session so it can be resumed later.

Signal files are written to the session workspace. With --player each
trial's segment files are passed, in playback order, to the given command.

Examples:
  earyx run tone-detection --subject s01
  earyx run sine-in-noise --order interleaved --player "play -q"
  earyx run loudness-match --keep-unfinished`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			order, _ := cmd.Flags().GetString("order")
			keepAll, _ := cmd.Flags().GetBool("keep-unfinished")
			player, _ := cmd.Flags().GetString("player")

			exp, err := experiment.Lookup(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			opts := e.cfg.Options()
			if subject != "" {
				opts.Subject = subject
			}
			if order != "" {
				if opts.Order, err = session.ParseOrder(order); err != nil {
					return err
				}
			}
			if keepAll {
				opts.DiscardUnfinishedRuns = false
			}
			opts.ID = uuid.NewString()

			ws, err := workspace.Create(e.cfg.Storage.DataDir, opts.ID, e.cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer ws.Close()

			sess, err := session.New(exp, e.options(ws, opts))
			if err != nil {
				ws.Remove()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s: %s, %d runs\n", sess.ID(), exp.Name(), len(sess.Runs()))
			return drive(cmd, sess, ws, player)
		},
	}

	cmd.Flags().String("subject", "", "Subject identifier (default: session.subject)")
	cmd.Flags().String("order", "", "Run order: sequential or interleaved (default: session.order)")
	cmd.Flags().Bool("keep-unfinished", false, "Checkpoint unfinished runs instead of discarding them")
	cmd.Flags().String("player", "", "Command that plays WAV files, e.g. \"aplay -q\"")

	return cmd
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an interrupted session from its last checkpoint",
		Long: `Resume a session from the state file in its workspace. When the
workspace has no state file the latest journal checkpoint is used.

Examples:
  earyx resume 6f1c0a52-8a0e-4a61-b1a4-5d3c2f7e9b10
  earyx sessions                         # list resumable sessions`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			player, _ := cmd.Flags().GetString("player")
			id := args[0]
			ctx := context.Background()

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ws, err := workspace.Open(ctx, e.cfg.Storage.DataDir, id, e.cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer ws.Close()

			st, ok, err := ws.State()
			if err == nil && !ok {
				st, ok, err = e.journal.Latest(ctx, id)
			}
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no checkpoint for session %s", id)
			}

			exp, err := experiment.Lookup(st.Experiment)
			if err != nil {
				return err
			}
			sess, err := session.FromState(exp, st, e.options(ws, session.Options{}))
			if err != nil {
				return err
			}
			finished, _, total := st.Progress()
			fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s: %s, %d of %d runs finished\n", id, exp.Name(), finished, total)
			return drive(cmd, sess, ws, player)
		},
	}

	cmd.Flags().String("player", "", "Command that plays WAV files")

	return cmd
}

func newLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <archive>",
		Short: "Continue a session from an archive",
		Long: `Open a session archive, verify every checksum, restore its signals
into a fresh workspace and continue presenting any runs that are still
active.

Only archives inside the archive directory are accepted.

Examples:
  earyx load ~/.earyx/archives/tone-detection-s01-20260301-100000.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			player, _ := cmd.Flags().GetString("player")
			src := args[0]
			ctx := context.Background()

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := pathutil.ValidatePath(src, pathutil.AllowedDirs(e.cfg.Storage.ArchiveDir)); err != nil {
				return fmt.Errorf("archive path rejected: %w", err)
			}
			m, err := archive.Verify(src)
			if err != nil {
				return err
			}
			exp, err := experiment.Lookup(m.Experiment)
			if err != nil {
				return err
			}

			ws, err := workspace.Create(e.cfg.Storage.DataDir, m.Session, e.cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer ws.Close()

			sess, _, err := archive.Load(ctx, src, exp, e.options(ws, session.Options{}))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s: %s, %d of %d runs finished\n", m.Session, exp.Name(), m.Finished, m.Runs)
			return drive(cmd, sess, ws, player)
		},
	}

	cmd.Flags().String("player", "", "Command that plays WAV files")

	return cmd
}

// drive runs sess on the command's input and output until it is finished
// or interrupted, then reports the outcome.
func drive(cmd *cobra.Command, sess *session.Session, ws *workspace.Workspace, player string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := newDriver(sess, ws, cmd.InOrStdin(), cmd.OutOrStdout(), player).Run(ctx)
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
			"session":   sess.ID(),
			"archive":   res.Archive,
			"finished":  res.Finished,
			"skipped":   res.Skipped,
			"runs":      res.Total,
			"resumable": res.Quit,
		})
	}
	printResult(cmd.OutOrStdout(), sess.ID(), res)
	return nil
}
