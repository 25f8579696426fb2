package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lealvona/code-tumbler/pkg/models"
)

func newProject(t *testing.T, s *Store, workspace, name string) (string, *models.State) {
	t.Helper()
	root := filepath.Join(workspace, name)
	state := &models.State{
		Name:             name,
		Root:             root,
		Phase:            models.PhaseIdle,
		MaxIterations:    3,
		QualityThreshold: 8.0,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, s.ScaffoldProject(context.Background(), root, name, "build a CLI", state))
	return root, state
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(nil)
	root, state := newProject(t, s, t.TempDir(), "demo")

	state.Phase = models.PhaseEngineering
	state.Iteration = 2
	require.NoError(t, s.SaveState(context.Background(), root, state))

	loaded, err := s.LoadState(root)
	require.NoError(t, err)
	assert.Equal(t, state.Name, loaded.Name)
	assert.Equal(t, models.PhaseEngineering, loaded.Phase)
	assert.Equal(t, 2, loaded.Iteration)
	assert.Equal(t, 8.0, loaded.QualityThreshold)
}

func TestLoadStateNotFound(t *testing.T) {
	s := New(nil)
	_, err := s.LoadState(filepath.Join(t.TempDir(), "ghost"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScaffoldRejectsDuplicate(t *testing.T) {
	s := New(nil)
	workspace := t.TempDir()
	root, state := newProject(t, s, workspace, "demo")
	err := s.ScaffoldProject(context.Background(), root, "demo", "again", state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestScaffoldLayout(t *testing.T) {
	s := New(nil)
	root, _ := newProject(t, s, t.TempDir(), "demo")

	for _, dir := range []string{
		models.InputDir, models.PlanDir, models.StagingDir,
		models.FeedbackDir, models.FinalDir, models.LogsDir,
	} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
	data, err := os.ReadFile(filepath.Join(root, models.RequirementsFile))
	require.NoError(t, err)
	assert.Equal(t, "build a CLI", string(data))
}

func TestAppendUsageAggregates(t *testing.T) {
	s := New(nil)
	root, _ := newProject(t, s, t.TempDir(), "demo")
	ctx := context.Background()

	_, err := s.AppendUsage(ctx, root, models.UsageRecord{
		Agent: models.AgentArchitect, InputTokens: 10, OutputTokens: 20, Cost: 0.01,
	})
	require.NoError(t, err)
	usage, err := s.AppendUsage(ctx, root, models.UsageRecord{
		Agent: models.AgentEngineer, InputTokens: 30, OutputTokens: 40, Cost: 0.04,
	})
	require.NoError(t, err)

	assert.Equal(t, 40, usage.TotalInputTokens)
	assert.InDelta(t, 0.05, usage.TotalCost, 1e-9)

	reloaded, err := s.LoadUsage(root)
	require.NoError(t, err)
	assert.Len(t, reloaded.History, 2)
	assert.Equal(t, 1, reloaded.PerAgent[models.AgentArchitect].Calls)
}

func TestAppendConversationIsAppendOnly(t *testing.T) {
	s := New(nil)
	root, _ := newProject(t, s, t.TempDir(), "demo")

	first := models.ConversationMessage{Agent: models.AgentArchitect, Role: models.RoleOutput, Content: "plan text"}
	second := models.ConversationMessage{Agent: models.AgentSystem, Role: models.RoleStatus, Content: "phase change"}
	require.NoError(t, s.AppendConversation(root, first))
	require.NoError(t, s.AppendConversation(root, second))

	msgs, err := s.LoadConversation(root)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "plan text", msgs[0].Content)
	assert.Equal(t, "phase change", msgs[1].Content)
}

func TestResetProject(t *testing.T) {
	s := New(nil)
	root, state := newProject(t, s, t.TempDir(), "demo")
	ctx := context.Background()

	// Populate generated artifacts plus a final archive that must survive.
	require.NoError(t, os.WriteFile(filepath.Join(root, models.PlanFile), []byte("plan"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, models.StagingDir, "main.py"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, models.FeedbackDir, "REPORT_iter1.md"), []byte("r"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, models.FinalDir, "demo_x.zip"), []byte("zip"), 0o644))
	_, err := s.AppendUsage(ctx, root, models.UsageRecord{Agent: models.AgentEngineer, Cost: 0.1})
	require.NoError(t, err)

	state.Phase = models.PhaseFailed
	state.Iteration = 3
	state.Error = "iteration cap"
	require.NoError(t, s.SaveState(ctx, root, state))

	reset, err := s.ResetProject(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, reset.Phase)
	assert.Equal(t, 0, reset.Iteration)
	assert.Empty(t, reset.Error)
	assert.Nil(t, reset.LastScore)

	_, err = os.Stat(filepath.Join(root, models.PlanFile))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, models.StagingDir, "main.py"))
	assert.True(t, os.IsNotExist(err))

	// Requirements and archives survive.
	_, err = os.Stat(filepath.Join(root, models.RequirementsFile))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, models.FinalDir, "demo_x.zip"))
	assert.NoError(t, err)

	// Reset is idempotent.
	again, err := s.ResetProject(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, again.Phase)
	assert.Equal(t, 0, again.Iteration)
}

func TestDeleteProject(t *testing.T) {
	s := New(nil)
	root, _ := newProject(t, s, t.TempDir(), "demo")
	require.NoError(t, s.DeleteProject(root))
	_, err := os.Stat(root)
	assert.True(t, os.IsNotExist(err))
}

func TestListProjects(t *testing.T) {
	s := New(nil)
	workspace := t.TempDir()
	newProject(t, s, workspace, "beta")
	newProject(t, s, workspace, "alpha")
	// A directory without a state file is not a project.
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "stray"), 0o755))

	summaries, err := s.ListProjects(workspace)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "alpha", summaries[0].Name)
	assert.Equal(t, "beta", summaries[1].Name)
}
