package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// stateFile is the session state filename inside a workspace.
const stateFile = "session-state.json"

// SaveState persists st to a JSON file in the given directory.
// The directory must already exist.
func SaveState(st State, dir string) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}

	path := filepath.Join(dir, stateFile)

	// Write atomically via temp file + rename.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing session state temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming session state file: %w", err)
	}

	return nil
}

// LoadState reads session state from a JSON file in the given directory.
// It reports false if there is no state file.
func LoadState(dir string) (State, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("reading session state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("unmarshaling session state: %w", err)
	}
	return st, true, nil
}

// StateFilePath returns the expected path for the session state file in the given directory.
func StateFilePath(dir string) string {
	return filepath.Join(dir, stateFile)
}

// RemoveState removes the session state file from the given directory.
// It is not an error if the file does not exist.
func RemoveState(dir string) error {
	path := filepath.Join(dir, stateFile)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session state: %w", err)
	}
	return nil
}

// FileCheckpointer writes every checkpoint to the workspace state file.
type FileCheckpointer struct {
	Dir string
}

func (f FileCheckpointer) Checkpoint(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return SaveState(st, f.Dir)
}

// Checkpointers fans one checkpoint out to several backends, stopping at the
// first failure.
type Checkpointers []Checkpointer

func (cs Checkpointers) Checkpoint(ctx context.Context, st State) error {
	for _, c := range cs {
		if c == nil {
			continue
		}
		if err := c.Checkpoint(ctx, st); err != nil {
			return err
		}
	}
	return nil
}
