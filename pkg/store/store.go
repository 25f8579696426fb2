// Package store persists project state to the workspace filesystem. The JSON
// files under .tumbler/ are authoritative; an optional RDBMS mirror receives
// best-effort write-through copies and is never read back.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lealvona/code-tumbler/pkg/models"
	"github.com/lealvona/code-tumbler/pkg/pathsafe"
)

// ErrNotFound is returned when a project has no state file.
var ErrNotFound = errors.New("project not found")

// Mirror receives best-effort copies of every state and usage write.
// Implementations must tolerate being called concurrently for different
// projects. Errors are logged by the store and otherwise ignored.
type Mirror interface {
	SaveState(ctx context.Context, state *models.State) error
	AppendUsage(ctx context.Context, project string, rec models.UsageRecord) error
}

// Store reads and writes per-project files. The zero value works without a
// mirror; use New to attach one.
type Store struct {
	mirror Mirror

	// appendMu serializes read-modify-write appends (usage, conversation).
	// Test and lint report concurrently from one sandbox run, and atomic
	// rename alone cannot merge two interleaved appends.
	appendMu sync.Mutex
}

// New creates a store. mirror may be nil (no RDBMS configured).
func New(mirror Mirror) *Store {
	return &Store{mirror: mirror}
}

// LoadState reads .tumbler/state.json under projectRoot.
func (s *Store) LoadState(projectRoot string) (*models.State, error) {
	data, err := os.ReadFile(filepath.Join(projectRoot, models.StateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, projectRoot)
	}
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}
	var state models.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing state for %s: %w", projectRoot, err)
	}
	return &state, nil
}

// SaveState writes state atomically (write-temp-then-rename) and mirrors it.
// Publishing events is the caller's job.
func (s *Store) SaveState(ctx context.Context, projectRoot string, state *models.State) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(projectRoot, models.StateFile), data); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if s.mirror != nil {
		if err := s.mirror.SaveState(ctx, state); err != nil {
			slog.Warn("State mirror write failed", "project", state.Name, "error", err)
		}
	}
	return nil
}

// LoadUsage reads the aggregated usage file; a missing file yields an empty
// aggregate.
func (s *Store) LoadUsage(projectRoot string) (*models.Usage, error) {
	var usage models.Usage
	data, err := os.ReadFile(filepath.Join(projectRoot, models.UsageFile))
	if errors.Is(err, fs.ErrNotExist) {
		return &usage, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading usage: %w", err)
	}
	if err := json.Unmarshal(data, &usage); err != nil {
		return nil, fmt.Errorf("parsing usage for %s: %w", projectRoot, err)
	}
	return &usage, nil
}

// AppendUsage folds one record into the per-project aggregate and mirrors it.
func (s *Store) AppendUsage(ctx context.Context, projectRoot string, rec models.UsageRecord) (*models.Usage, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	usage, err := s.LoadUsage(projectRoot)
	if err != nil {
		return nil, err
	}
	usage.Add(rec)
	data, err := json.MarshalIndent(usage, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding usage: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(projectRoot, models.UsageFile), data); err != nil {
		return nil, fmt.Errorf("writing usage: %w", err)
	}
	if s.mirror != nil {
		if err := s.mirror.AppendUsage(ctx, filepath.Base(projectRoot), rec); err != nil {
			slog.Warn("Usage mirror write failed", "project", filepath.Base(projectRoot), "error", err)
		}
	}
	return usage, nil
}

// LoadConversation reads the append-only conversation log; a missing file
// yields an empty slice.
func (s *Store) LoadConversation(projectRoot string) ([]models.ConversationMessage, error) {
	data, err := os.ReadFile(filepath.Join(projectRoot, models.ConversationFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading conversation: %w", err)
	}
	var msgs []models.ConversationMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parsing conversation for %s: %w", projectRoot, err)
	}
	return msgs, nil
}

// AppendConversation appends one message to the conversation log. The log is
// an append-only contract: existing entries are never rewritten or reordered.
func (s *Store) AppendConversation(projectRoot string, msg models.ConversationMessage) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	msgs, err := s.LoadConversation(projectRoot)
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding conversation: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(projectRoot, models.ConversationFile), data); err != nil {
		return fmt.Errorf("writing conversation: %w", err)
	}
	return nil
}

// ListProjects scans workspaceRoot for directories carrying a state file and
// returns their summaries sorted by name. Unreadable projects are logged and
// skipped so one corrupt state file does not hide the rest.
func (s *Store) ListProjects(workspaceRoot string) ([]models.ProjectSummary, error) {
	entries, err := os.ReadDir(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("reading workspace %s: %w", workspaceRoot, err)
	}
	var summaries []models.ProjectSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		root := filepath.Join(workspaceRoot, entry.Name())
		state, err := s.LoadState(root)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("Skipping unreadable project", "project", entry.Name(), "error", err)
			continue
		}
		summaries = append(summaries, state.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries, nil
}

// ScaffoldProject creates the workspace skeleton for a new project and seeds
// its state. Fails if the project already has a state file.
func (s *Store) ScaffoldProject(ctx context.Context, projectRoot, name, requirements string, state *models.State) error {
	if _, err := s.LoadState(projectRoot); err == nil {
		return fmt.Errorf("project %s already exists", name)
	}
	for _, dir := range []string{
		models.InputDir, models.PlanDir, models.StagingDir,
		models.FeedbackDir, models.FinalDir, models.TumblerDir, models.LogsDir,
	} {
		if err := os.MkdirAll(filepath.Join(projectRoot, dir), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if requirements != "" {
		reqPath := filepath.Join(projectRoot, models.RequirementsFile)
		if err := writeFileAtomic(reqPath, []byte(requirements)); err != nil {
			return fmt.Errorf("writing requirements: %w", err)
		}
	}
	return s.SaveState(ctx, projectRoot, state)
}

// ResetProject clears plan, staging, feedback, usage, and conversation, then
// returns the state to idle at iteration zero. Requirements and final
// archives survive. Reset is idempotent.
func (s *Store) ResetProject(ctx context.Context, projectRoot string) (*models.State, error) {
	state, err := s.LoadState(projectRoot)
	if err != nil {
		return nil, err
	}
	if err := pathsafe.ClearDir(projectRoot,
		models.PlanDir, models.StagingDir, models.FeedbackDir,
		models.UsageFile, models.ConversationFile,
	); err != nil {
		return nil, fmt.Errorf("clearing project %s: %w", state.Name, err)
	}
	state.Phase = models.PhaseIdle
	state.Iteration = 0
	state.LastScore = nil
	state.Error = ""
	state.FailureReason = ""
	state.IsRunning = false
	if err := s.SaveState(ctx, projectRoot, state); err != nil {
		return nil, err
	}
	return state, nil
}

// DeleteProject removes the entire project tree under the path-safety rules.
func (s *Store) DeleteProject(projectRoot string) error {
	return pathsafe.DeleteTree(projectRoot)
}

// writeFileAtomic writes data to a sibling temp file and renames it over
// path, so readers never observe a torn write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
