package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lealvona/code-tumbler/pkg/models"
)

// recordingDispatcher counts trigger dispatches per project.
type recordingDispatcher struct {
	mu       sync.Mutex
	starts   map[string]int
	advances map[string]models.Phase
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		starts:   make(map[string]int),
		advances: make(map[string]models.Phase),
	}
}

func (d *recordingDispatcher) TriggerStart(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts[name]++
}

func (d *recordingDispatcher) TriggerAdvance(name string, phase models.Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advances[name] = phase
}

func (d *recordingDispatcher) startCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts[name]
}

func (d *recordingDispatcher) advance(name string) models.Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advances[name]
}

// eventually polls until the condition holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func scaffold(t *testing.T, workspace, name string) string {
	t.Helper()
	root := filepath.Join(workspace, name)
	for _, dir := range []string{models.InputDir, models.PlanDir, models.StagingDir} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	return root
}

func startWatcher(t *testing.T, workspace string, d Dispatcher) {
	t.Helper()
	w, err := New(workspace, d, 50*time.Millisecond)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
}

func TestRequirementsTriggerStarts(t *testing.T) {
	workspace := t.TempDir()
	root := scaffold(t, workspace, "demo")
	d := newRecordingDispatcher()
	startWatcher(t, workspace, d)

	require.NoError(t, os.WriteFile(filepath.Join(root, models.RequirementsFile), []byte("build it"), 0o644))

	eventually(t, 2*time.Second, func() bool { return d.startCount("demo") == 1 })
}

func TestDebounceCoalescesRapidWrites(t *testing.T) {
	workspace := t.TempDir()
	root := scaffold(t, workspace, "demo")
	d := newRecordingDispatcher()
	startWatcher(t, workspace, d)

	path := filepath.Join(root, models.RequirementsFile)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("edit"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	eventually(t, 2*time.Second, func() bool { return d.startCount("demo") >= 1 })
	// Give a would-be duplicate time to fire, then check it did not.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, d.startCount("demo"), "rapid writes within the window coalesce")
}

func TestPlanTriggerAdvancesToEngineering(t *testing.T) {
	workspace := t.TempDir()
	root := scaffold(t, workspace, "demo")
	d := newRecordingDispatcher()
	startWatcher(t, workspace, d)

	require.NoError(t, os.WriteFile(filepath.Join(root, models.PlanFile), []byte("# plan"), 0o644))

	eventually(t, 2*time.Second, func() bool { return d.advance("demo") == models.PhaseEngineering })
}

func TestManifestTriggerAdvancesToVerifying(t *testing.T) {
	workspace := t.TempDir()
	root := scaffold(t, workspace, "demo")
	d := newRecordingDispatcher()
	startWatcher(t, workspace, d)

	require.NoError(t, os.WriteFile(filepath.Join(root, models.ManifestFile), []byte("{}"), 0o644))

	eventually(t, 2*time.Second, func() bool { return d.advance("demo") == models.PhaseVerifying })
}

func TestNewProjectDirectoryPickedUp(t *testing.T) {
	workspace := t.TempDir()
	d := newRecordingDispatcher()
	startWatcher(t, workspace, d)

	// Project appears after the watcher started.
	root := scaffold(t, workspace, "late")
	// Brief pause so the new directory watch is registered before the file
	// lands.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, models.RequirementsFile), []byte("go"), 0o644))

	eventually(t, 3*time.Second, func() bool { return d.startCount("late") == 1 })
}

func TestIrrelevantFilesIgnored(t *testing.T) {
	workspace := t.TempDir()
	root := scaffold(t, workspace, "demo")
	d := newRecordingDispatcher()
	startWatcher(t, workspace, d)

	require.NoError(t, os.WriteFile(filepath.Join(root, models.InputDir, "notes.md"), []byte("x"), 0o644))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, d.startCount("demo"))
	assert.Empty(t, d.advance("demo"))
}
