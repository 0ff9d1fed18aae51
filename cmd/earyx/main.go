package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "earyx",
		Short: "Adaptive psychoacoustic measurements",
		Long: `earyx runs adaptive up-down psychoacoustic experiments.

A session expands an experiment's parameter axes into runs, presents
trials, adapts the test variable to the subject's answers and archives
the finished session with every signal it played.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for agent consumption)")
	rootCmd.PersistentFlags().String("data-dir", "", "Session workspace directory (default: storage.data_dir)")
	rootCmd.PersistentFlags().String("archive-dir", "", "Archive directory (default: storage.archive_dir)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newExperimentsCmd(),
		newRunCmd(),
		newResumeCmd(),
		newLoadCmd(),
		newSessionsCmd(),
		newArchiveCmd(),
		newServeCmd(),
		newConfigCmd(),
	)
	return rootCmd
}
