package pathsafe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWithin(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))

	resolved, err := ResolveWithin(root, "sub/file.txt")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(resolved))

	_, err = ResolveWithin(root, "../outside")
	assert.ErrorIs(t, err, ErrPathEscape)

	_, err = ResolveWithin(root, "sub/../../escape")
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestResolveWithinSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	// The symlink resolves outside the root; anything under it must fail.
	_, err := ResolveWithin(root, "link/secret.txt")
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestClearDirOnlyTouchesAllowlist(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"02_plan", "03_staging", "01_input"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "02_plan", "PLAN.md"), []byte("plan"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "03_staging", "main.py"), []byte("code"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "01_input", "requirements.txt"), []byte("req"), 0o644))

	require.NoError(t, ClearDir(root, "02_plan", "03_staging"))

	// Allowlisted directories are emptied but kept.
	entries, err := os.ReadDir(filepath.Join(root, "02_plan"))
	require.NoError(t, err)
	assert.Empty(t, entries)
	entries, err = os.ReadDir(filepath.Join(root, "03_staging"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Everything else survives.
	_, err = os.Stat(filepath.Join(root, "01_input", "requirements.txt"))
	assert.NoError(t, err)
}

func TestClearDirFileEntry(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".tumbler"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".tumbler", "usage.json"), []byte("{}"), 0o644))

	require.NoError(t, ClearDir(root, ".tumbler/usage.json"))
	_, err := os.Stat(filepath.Join(root, ".tumbler", "usage.json"))
	assert.True(t, os.IsNotExist(err))

	// Missing entries are fine.
	assert.NoError(t, ClearDir(root, ".tumbler/usage.json"))
}

func TestClearDirMissingIsNoop(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, ClearDir(root, "02_plan"))
}

func TestDeleteTreeRemovesSymlinkAsLink(t *testing.T) {
	root := t.TempDir()
	victim := t.TempDir()
	victimFile := filepath.Join(victim, "precious.txt")
	require.NoError(t, os.WriteFile(victimFile, []byte("keep me"), 0o644))

	project := filepath.Join(root, "proj")
	require.NoError(t, os.MkdirAll(filepath.Join(project, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, "nested", "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(victim, filepath.Join(project, "nested", "link")))

	require.NoError(t, DeleteTree(project))

	_, err := os.Stat(project)
	assert.True(t, os.IsNotExist(err), "project tree should be gone")

	// The symlink target was never followed.
	data, err := os.ReadFile(victimFile)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestDeleteTreeMissingIsNoop(t *testing.T) {
	assert.NoError(t, DeleteTree(filepath.Join(t.TempDir(), "never-existed")))
}
