// Package workspace manages the per-session directories under the data
// directory. A workspace holds the session's signal files, its latest
// checkpoint and its event log:
//
//	<data_dir>/<session-id>/
//	    signals/<digest>.wav
//	    session-state.json
//	    events.jsonl
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/earyx-lab/earyx/internal/logging"
	"github.com/earyx-lab/earyx/internal/session"
	"github.com/earyx-lab/earyx/internal/signal"
)

// SignalsDir is the signal subdirectory of a workspace.
const SignalsDir = "signals"

// ErrNotFound is returned when no workspace exists for a session ID.
var ErrNotFound = errors.New("workspace not found")

// Workspace is the on-disk home of one session.
type Workspace struct {
	dir     string
	signals *signal.DirBackend
	store   *signal.Store
	events  *logging.EventLogger
}

// Path returns the workspace directory for a session ID.
func Path(dataDir, id string) string {
	return filepath.Join(dataDir, id)
}

// Create makes (or reopens) the workspace for id. The event log is only
// opened at debug and trace level.
func Create(dataDir, id, level string) (*Workspace, error) {
	if id == "" || filepath.Base(id) != id || id == "." || id == ".." {
		return nil, fmt.Errorf("invalid session id %q", id)
	}
	dir := Path(dataDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	backend, err := signal.NewDirBackend(filepath.Join(dir, SignalsDir))
	if err != nil {
		return nil, err
	}
	return &Workspace{
		dir:     dir,
		signals: backend,
		store:   signal.NewStore(backend),
		events:  logging.NewEventLogger(dir, level),
	}, nil
}

// Open reopens an existing workspace and loads its signal files into the
// store.
func Open(ctx context.Context, dataDir, id, level string) (*Workspace, error) {
	if _, err := os.Stat(Path(dataDir, id)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	w, err := Create(dataDir, id, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.store.Load(ctx); err != nil {
		w.Close()
		return nil, fmt.Errorf("loading signals: %w", err)
	}
	return w, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// SignalDir returns the directory holding the workspace's WAV files.
func (w *Workspace) SignalDir() string { return w.signals.Dir() }

// SignalPath returns the WAV file path of a digest.
func (w *Workspace) SignalPath(d signal.Digest) string { return w.signals.Path(d) }

// Store returns the workspace's signal store.
func (w *Workspace) Store() *signal.Store { return w.store }

// Events returns the event logger, nil below debug level.
func (w *Workspace) Events() *logging.EventLogger { return w.events }

// State returns the last checkpoint written to the workspace.
func (w *Workspace) State() (session.State, bool, error) {
	return session.LoadState(w.dir)
}

// Options fills in the storage, event and checkpoint options of base. The
// workspace state file is always checkpointed first, followed by extra.
func (w *Workspace) Options(base session.Options, extra ...session.Checkpointer) session.Options {
	opts := base
	opts.Store = w.store
	opts.Events = w.events
	cps := session.Checkpointers{session.FileCheckpointer{Dir: w.dir}}
	if base.Checkpointer != nil {
		cps = append(cps, base.Checkpointer)
	}
	cps = append(cps, extra...)
	opts.Checkpointer = cps
	return opts
}

// Close releases the event log.
func (w *Workspace) Close() {
	w.events.Close()
}

// Remove deletes the workspace directory.
func (w *Workspace) Remove() error {
	w.Close()
	return os.RemoveAll(w.dir)
}

// List returns the IDs of every workspace in dataDir holding a checkpoint,
// sorted by name.
func List(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(session.StateFilePath(filepath.Join(dataDir, e.Name()))); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
