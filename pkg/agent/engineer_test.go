package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lealvona/code-tumbler/pkg/models"
)

func TestParseFileList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
		err   bool
	}{
		{
			"bare array",
			`[{"path": "main.py", "content": "print(1)"}]`,
			1, false,
		},
		{
			"fenced json",
			"Here is the code:\n```json\n[{\"path\": \"a.py\", \"content\": \"x\"}, {\"path\": \"b.py\", \"content\": \"y\"}]\n```\nDone.",
			2, false,
		},
		{
			"prose around bare array",
			"Sure! [{\"path\": \"main.go\", \"content\": \"package main\"}] hope that helps",
			1, false,
		},
		{"empty array", `[]`, 0, false},
		{"no json at all", "I could not generate code.", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := ParseFileList(tt.input)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, files, tt.want)
		})
	}
}

func TestNormalizePathsStripsCommonRoot(t *testing.T) {
	files := []models.GeneratedFile{
		{Path: "myapp/main.py", Content: "a"},
		{Path: "myapp/tests/test_main.py", Content: "b"},
	}
	got := NormalizePaths(files)
	assert.Equal(t, "main.py", got[0].Path)
	assert.Equal(t, "tests/test_main.py", got[1].Path)
}

func TestNormalizePathsKeepsMixedRoots(t *testing.T) {
	files := []models.GeneratedFile{
		{Path: "src/main.py", Content: "a"},
		{Path: "tests/test_main.py", Content: "b"},
	}
	got := NormalizePaths(files)
	assert.Equal(t, files, got)
}

func TestNormalizePathsKeepsRootLevelFiles(t *testing.T) {
	files := []models.GeneratedFile{
		{Path: "main.py", Content: "a"},
	}
	got := NormalizePaths(files)
	assert.Equal(t, files, got)
}

func TestNormalizePathsKeepsWorkspaceMarkers(t *testing.T) {
	// package.json at the listing root means the tree is already rooted.
	files := []models.GeneratedFile{
		{Path: "package.json", Content: "{}"},
		{Path: "src/index.js", Content: "x"},
	}
	got := NormalizePaths(files)
	assert.Equal(t, files, got)
}

func TestWriteStagingDropsTraversal(t *testing.T) {
	root := t.TempDir()
	files := []models.GeneratedFile{
		{Path: "../../etc/passwd", Content: "x"},
		{Path: "/etc/shadow", Content: "x"},
		{Path: "ok/main.py", Content: "print(1)"},
		{Path: "nested/../../escape.py", Content: "x"},
	}
	staged, err := writeStaging(root, files)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, "ok/main.py", staged[0].Path)

	// Only the safe file landed.
	data, err := os.ReadFile(filepath.Join(root, models.StagingDir, "ok", "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(data))
	_, err = os.Stat(filepath.Join(root, "etc"))
	assert.True(t, os.IsNotExist(err))

	// Manifest lists exactly the staged files.
	manifestData, err := os.ReadFile(filepath.Join(root, models.ManifestFile))
	require.NoError(t, err)
	var manifest models.Manifest
	require.NoError(t, json.Unmarshal(manifestData, &manifest))
	assert.Equal(t, []string{"ok/main.py"}, manifest.Files)
	assert.False(t, manifest.CompletedAt.IsZero())
}

func TestWriteStagingEmptyListing(t *testing.T) {
	root := t.TempDir()
	staged, err := writeStaging(root, nil)
	require.NoError(t, err)
	assert.Empty(t, staged)

	// The manifest still appears so the watcher sees completion.
	_, err = os.Stat(filepath.Join(root, models.ManifestFile))
	assert.NoError(t, err)
}

func TestSafeRelPath(t *testing.T) {
	assert.True(t, safeRelPath("main.py"))
	assert.True(t, safeRelPath("src/deep/mod.py"))
	assert.False(t, safeRelPath(""))
	assert.False(t, safeRelPath("/abs/path"))
	assert.False(t, safeRelPath("../up"))
	assert.False(t, safeRelPath("a/../../b"))
	assert.False(t, safeRelPath(`win\style`))
}

func TestApplyCompressionStripsMarkers(t *testing.T) {
	text := "keep this " + compressible("squeeze this") + " and this"
	out := applyCompression(context.Background(), passthrough{}, text)
	assert.Equal(t, "keep this squeeze this and this", out)
	assert.NotContains(t, out, markerOpen)
	assert.NotContains(t, out, markerClose)
}

type upperCompressor struct{}

func (upperCompressor) Compress(_ context.Context, text string) (string, error) {
	return "[C]" + text, nil
}

func TestApplyCompressionOnlyTouchesMarkedSections(t *testing.T) {
	text := "sandbox output stays " + compressible("context section") + " task stays"
	out := applyCompression(context.Background(), upperCompressor{}, text)
	assert.Equal(t, "sandbox output stays [C]context section task stays", out)
}
