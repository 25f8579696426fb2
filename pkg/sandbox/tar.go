package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// BuildTar archives the workspace tree into an in-memory tar for upload into
// the container.
//
// Invariants:
//   - symlinks are skipped entirely, never archived or followed
//   - every archived file's resolved path must live under the workspace root
//   - violations skip the file with a logged warning, never abort the run
func BuildTar(workspace string) ([]byte, error) {
	root, err := filepath.EvalSymlinks(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace %s: %w", workspace, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("Skipping unreadable entry during archive", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		// WalkDir does not follow symlinks, so a symlinked directory shows
		// up here as the link itself and is skipped with everything below it.
		if d.Type()&fs.ModeSymlink != 0 {
			slog.Warn("Skipping symlink during archive", "path", path)
			return nil
		}
		if d.IsDir() {
			header := &tar.Header{
				Name:     rel + "/",
				Mode:     0o755,
				Typeflag: tar.TypeDir,
			}
			return tw.WriteHeader(header)
		}
		if !d.Type().IsRegular() {
			slog.Warn("Skipping irregular file during archive", "path", path)
			return nil
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			slog.Warn("Skipping unresolvable file during archive", "path", path, "error", err)
			return nil
		}
		if !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			slog.Warn("Skipping file resolving outside workspace", "path", path, "resolved", resolved)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("Skipping unstattable file during archive", "path", path, "error", err)
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Skipping unreadable file during archive", "path", path, "error", err)
			return nil
		}
		header := &tar.Header{
			Name:    rel,
			Mode:    int64(info.Mode().Perm()),
			Size:    int64(len(data)),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if walkErr != nil {
		return nil, fmt.Errorf("archiving %s: %w", workspace, walkErr)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}
	return buf.Bytes(), nil
}
