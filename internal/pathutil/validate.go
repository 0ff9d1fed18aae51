// Package pathutil confines caller-supplied paths (archive imports over MCP or
// the CLI) to the directories earyx owns.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrOutside means the path resolves outside every allowed directory.
	ErrOutside = errors.New("outside allowed directories")

	// ErrMalformed covers empty paths and embedded NUL bytes.
	ErrMalformed = errors.New("malformed path")
)

// RedactPath shortens a path to .../<parent>/<base> so error messages and
// audit entries do not leak home directory layouts.
func RedactPath(path string) string {
	if path == "" {
		return ""
	}
	clean := filepath.Clean(path)
	parent := filepath.Base(filepath.Dir(clean))
	if parent == "." || parent == string(filepath.Separator) {
		return filepath.Base(clean)
	}
	return ".../" + parent + "/" + filepath.Base(clean)
}

// ValidatePath accepts path only if, after cleaning and symlink resolution,
// it is one of allowedDirs or lies beneath one. The path itself need not
// exist yet.
func ValidatePath(path string, allowedDirs []string) error {
	switch {
	case path == "":
		return fmt.Errorf("path validation failed: %w: path is empty", ErrMalformed)
	case strings.IndexByte(path, 0) >= 0:
		return fmt.Errorf("path validation failed: %w: path contains null byte", ErrMalformed)
	case len(allowedDirs) == 0:
		return errors.New("path validation failed: no allowed directories configured")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}
	parent, err := resolve(filepath.Dir(abs))
	if err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}
	target := filepath.Join(parent, filepath.Base(abs))

	for _, dir := range allowedDirs {
		root, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if root, err = resolve(root); err != nil {
			continue
		}
		if within(target, root) {
			return nil
		}
	}
	return fmt.Errorf("path validation failed: %q is %w", RedactPath(abs), ErrOutside)
}

// resolve evaluates symlinks on the longest existing prefix of dir and
// appends the missing remainder unchanged.
func resolve(dir string) (string, error) {
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		up := filepath.Dir(dir)
		if up == dir {
			return "", fmt.Errorf("cannot resolve %s", RedactPath(dir))
		}
		missing = append(missing, filepath.Base(dir))
		dir = up
	}
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(root, string(os.PathSeparator))+string(os.PathSeparator))
}

// AllowedDirs cleans and absolutizes the non-empty entries of dirs.
func AllowedDirs(dirs ...string) []string {
	var out []string
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if abs, err := filepath.Abs(d); err == nil {
			out = append(out, abs)
		}
	}
	return out
}
