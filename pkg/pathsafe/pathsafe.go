// Package pathsafe guards every destructive filesystem operation in the
// daemon. All removals funnel through here so the containment, symlink, and
// mount-point rules hold no matter which component asked for the delete.
package pathsafe

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrPathEscape is returned when a resolved path falls outside the owning
// project root. Operations fail before touching anything.
var ErrPathEscape = errors.New("path escapes project root")

// ResolveWithin resolves rel against root (expanding symlinks along every
// existing ancestor) and verifies the result is a descendant of root.
// Returns the resolved absolute path.
func ResolveWithin(root, rel string) (string, error) {
	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolving root %s: %w", root, err)
	}
	candidate := filepath.Join(rootResolved, rel)
	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", err
	}
	if !isDescendant(rootResolved, resolved) {
		return "", fmt.Errorf("%w: %s resolves to %s", ErrPathEscape, rel, resolved)
	}
	return resolved, nil
}

// resolveExisting expands symlinks over the deepest existing prefix of path
// and rejoins the non-existing tail. EvalSymlinks alone fails on paths that
// do not exist yet.
func resolveExisting(path string) (string, error) {
	existing := path
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolving %s: %w", existing, err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", fmt.Errorf("resolving %s: %w", path, err)
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}
}

// isDescendant reports whether path is root or lives underneath it.
// Both arguments must already be resolved and absolute.
func isDescendant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

// ClearDir empties the allowlisted directories under root. Directories
// outside the allowlist are never touched; the allowlisted directories
// themselves are kept (only their contents are removed). Missing directories
// are skipped silently.
func ClearDir(root string, relativeAllowlist ...string) error {
	for _, rel := range relativeAllowlist {
		dir, err := ResolveWithin(root, rel)
		if err != nil {
			return err
		}
		info, err := os.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("stat %s: %w", dir, err)
		}
		if !info.IsDir() {
			// An allowlisted entry that is a plain file is removed outright.
			removeOne(dir, info)
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("reading %s: %w", dir, err)
		}
		rootDev, err := deviceOf(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			removeTree(filepath.Join(dir, entry.Name()), rootDev)
		}
	}
	return nil
}

// DeleteTree removes the entire tree at root, bottom-up. Symlinks are removed
// as links and never followed. Mount points below root are refused and left
// in place. Permission failures are logged and skipped, never retried with
// altered modes.
func DeleteTree(root string) error {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("resolving %s: %w", root, err)
	}
	rootDev, err := deviceOf(resolved)
	if err != nil {
		return err
	}
	removeTree(resolved, rootDev)
	return nil
}

// removeTree deletes path recursively, files before directories. rootDev is
// the device of the owning root; any directory on a different device is a
// mount point and is skipped.
func removeTree(path string, rootDev uint64) {
	info, err := os.Lstat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Skipping unstattable entry during delete", "path", path, "error", err)
		}
		return
	}
	if info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
		removeOne(path, info)
		return
	}
	dev, err := deviceOf(path)
	if err != nil {
		slog.Warn("Skipping directory with unreadable device id", "path", path, "error", err)
		return
	}
	if dev != rootDev {
		slog.Error("Refusing to delete mount point", "path", path)
		return
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		slog.Warn("Skipping unreadable directory during delete", "path", path, "error", err)
		return
	}
	for _, entry := range entries {
		removeTree(filepath.Join(path, entry.Name()), rootDev)
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("Could not remove directory", "path", path, "error", err)
	}
}

// removeOne removes a single non-directory entry. Permission errors are
// logged and skipped; escalation (chmod + retry) is deliberately absent.
func removeOne(path string, _ os.FileInfo) {
	if err := os.Remove(path); err != nil {
		slog.Warn("Could not remove entry", "path", path, "error", err)
	}
}

// deviceOf returns the device id of the filesystem holding path.
func deviceOf(path string) (uint64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("no stat_t for %s", path)
	}
	return uint64(st.Dev), nil
}
