package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lealvona/code-tumbler/pkg/llm"
	"github.com/lealvona/code-tumbler/pkg/models"
	"github.com/lealvona/code-tumbler/pkg/sandbox"
)

const engineerSystemPrompt = `You are the Engineer of an autonomous code-generation system.
Implement the plan exactly. Respond with ONLY a JSON array of objects:
[{"path": "<relative file path>", "content": "<file content>"}, ...]
Use forward slashes in paths. Include every file the project needs,
tests included. No prose outside the JSON array.`

// RunEngineer generates the code tree for the current plan, writes it under
// 03_staging/, and drops the completion manifest. Returns the staged files.
//
// From the second iteration on, the previous staging listing (compressible)
// and the feedback report (uncompressed) are included so the Engineer fixes
// rather than regenerates from scratch.
func (r *Runner) RunEngineer(ctx context.Context, state *models.State, projectRoot, plan, prevListing, prevReport string) ([]models.GeneratedFile, error) {
	task := "Generate the complete code for the plan above as a JSON array of files."
	contextText := "Plan:\n" + compressible(plan)
	if prevListing != "" {
		contextText += "\n\nCurrent code:\n" + compressible(prevListing)
		task = "Revise the code to fix the issues in the feedback report. Return the complete corrected file set as a JSON array."
	}
	if prevReport != "" {
		contextText += "\n\nFeedback report:\n" + prevReport
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: engineerSystemPrompt},
		{Role: llm.RoleUser, Content: contextText},
		{Role: llm.RoleUser, Content: task},
	}

	r.recordInput(projectRoot, state, models.AgentEngineer, task)
	result, err := r.run(ctx, state, projectRoot, models.AgentEngineer, messages)
	if err != nil {
		return nil, err
	}

	files, err := ParseFileList(result.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentError, err)
	}
	files = NormalizePaths(files)

	staged, err := writeStaging(projectRoot, files)
	if err != nil {
		return nil, err
	}
	return staged, nil
}

// ParseFileList extracts the JSON file array from the Engineer's response.
// Tolerates a fenced code block or surrounding prose around the array.
func ParseFileList(text string) ([]models.GeneratedFile, error) {
	candidates := []string{strings.TrimSpace(text)}
	if fenced := extractFencedJSON(text); fenced != "" {
		candidates = append([]string{fenced}, candidates...)
	}
	if start, end := strings.Index(text, "["), strings.LastIndex(text, "]"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}
	var lastErr error
	for _, candidate := range candidates {
		var files []models.GeneratedFile
		if err := json.Unmarshal([]byte(candidate), &files); err != nil {
			lastErr = err
			continue
		}
		return files, nil
	}
	return nil, fmt.Errorf("no JSON file array in engineer output: %v", lastErr)
}

func extractFencedJSON(text string) string {
	for _, fence := range []string{"```json", "```"} {
		start := strings.Index(text, fence)
		if start < 0 {
			continue
		}
		rest := text[start+len(fence):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		return strings.TrimSpace(rest[:end])
	}
	return ""
}

// NormalizePaths strips a spurious single common root directory from the
// listing. Models often nest everything under "project/"; if every entry
// shares one root segment and the listing carries no workspace-root marker
// file at top level, the prefix is dropped so files land at the staging
// root.
func NormalizePaths(files []models.GeneratedFile) []models.GeneratedFile {
	if len(files) == 0 {
		return files
	}
	prefix := ""
	for _, f := range files {
		clean := strings.TrimPrefix(f.Path, "./")
		if sandbox.IsWorkspaceMarker(clean) {
			return files
		}
		seg, rest, found := strings.Cut(clean, "/")
		if !found || rest == "" {
			return files
		}
		if prefix == "" {
			prefix = seg
		} else if seg != prefix {
			return files
		}
	}
	normalized := make([]models.GeneratedFile, len(files))
	for i, f := range files {
		clean := strings.TrimPrefix(f.Path, "./")
		normalized[i] = models.GeneratedFile{
			Path:    strings.TrimPrefix(clean, prefix+"/"),
			Content: f.Content,
		}
	}
	return normalized
}

// writeStaging materializes the listing under 03_staging/ and writes the
// manifest. Entries with absolute paths or ".." segments are dropped with a
// logged warning; the rest of the listing proceeds.
func writeStaging(projectRoot string, files []models.GeneratedFile) ([]models.GeneratedFile, error) {
	stagingRoot := filepath.Join(projectRoot, models.StagingDir)
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging: %w", err)
	}

	var staged []models.GeneratedFile
	for _, f := range files {
		if !safeRelPath(f.Path) {
			slog.Warn("Dropping unsafe engineer path", "path", f.Path)
			continue
		}
		dest := filepath.Join(stagingRoot, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
		}
		if err := os.WriteFile(dest, []byte(f.Content), 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", f.Path, err)
		}
		staged = append(staged, f)
	}

	manifest := models.Manifest{Files: []string{}, CompletedAt: time.Now().UTC()}
	for _, f := range staged {
		manifest.Files = append(manifest.Files, f.Path)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(projectRoot, models.ManifestFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}
	return staged, nil
}

// safeRelPath accepts only clean, relative, forward-slashed paths with no
// parent traversal.
func safeRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}
