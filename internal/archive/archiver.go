package archive

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/earyx-lab/earyx/internal/sanitize"
	"github.com/earyx-lab/earyx/internal/session"
	"github.com/earyx-lab/earyx/internal/signal"
)

// nameTime is the timestamp layout used in archive file names.
const nameTime = "20060102-150405"

// Archiver packs finalized sessions into Dir and prunes old archives.
type Archiver struct {
	Dir string
	// Retention is applied to the session's experiment and subject after
	// every successful pack; nil keeps everything.
	Retention *Retention
	Logger    *slog.Logger
	Now       func() time.Time
}

// Name returns the archive file name for a session:
// <experiment>_<created>_<subject>.zip.
func Name(st session.State) string {
	return fmt.Sprintf("%s_%s_%s.zip", st.Experiment, st.Created.UTC().Format(nameTime), subjectComponent(st.Subject))
}

func subjectComponent(subject string) string {
	if c := sanitize.FileComponent(subject); c != "" {
		return c
	}
	return "anonymous"
}

// Archive implements session.Archiver.
func (a *Archiver) Archive(ctx context.Context, st session.State, store *signal.Store) (string, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	dst := filepath.Join(a.Dir, Name(st))
	m, err := Pack(ctx, dst, Snapshot(st, now()), store)
	if err != nil {
		return "", err
	}
	if a.Logger != nil {
		a.Logger.Info("archive written", "path", dst, "signals", m.Signals, "finished", m.Finished, "runs", m.Runs)
	}

	if a.Retention != nil {
		sel := Selector{Experiment: st.Experiment, Subject: st.Subject}
		deleted, err := a.Retention.Prune(a.Dir, sel, now())
		if err != nil {
			return dst, fmt.Errorf("applying retention: %w", err)
		}
		if a.Logger != nil && len(deleted) > 0 {
			a.Logger.Info("old archives removed", "count", len(deleted), "experiment", st.Experiment)
		}
	}
	return dst, nil
}
