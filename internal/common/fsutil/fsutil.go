// Package fsutil holds the small filesystem helpers shared across the
// daemon: home expansion for configured paths and existence probes for
// model artifacts.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome resolves a leading "~" or "~/" against the current user's home
// directory. Any other path, including "~user" forms, comes back unchanged.
func ExpandHome(path string) (string, error) {
	switch {
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		return home, nil
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	default:
		return path, nil
	}
}

// PathExists reports whether path is statable. Stat errors other than
// not-exist (permission, I/O) count as existing so callers do not clobber a
// file they merely cannot read.
func PathExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return !errors.Is(err, os.ErrNotExist)
	}
	return true
}

// EnsureDir creates dir and any missing parents.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
