// Package orchestrator is the top-level scheduler: it discovers projects,
// owns the registry of running loops, enforces the global concurrency
// ceiling, and serves control requests from the API and the file watcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/lealvona/code-tumbler/pkg/config"
	"github.com/lealvona/code-tumbler/pkg/events"
	"github.com/lealvona/code-tumbler/pkg/loop"
	"github.com/lealvona/code-tumbler/pkg/models"
	"github.com/lealvona/code-tumbler/pkg/store"
)

var (
	// ErrAtCapacity is returned synchronously when the running-project pool
	// is full. Start requests are rejected, never queued; callers retry.
	ErrAtCapacity = errors.New("orchestrator at capacity")
	// ErrAlreadyRunning rejects operations that require a stopped project.
	ErrAlreadyRunning = errors.New("project is running")
	// ErrNotRunning rejects Stop on an idle project.
	ErrNotRunning = errors.New("project is not running")
	// ErrInvalidName rejects project names that are not URL-safe.
	ErrInvalidName = errors.New("invalid project name")
	// ErrFailedNeedsReset rejects Start on a failed project. Failure is
	// sticky until Reset.
	ErrFailedNeedsReset = errors.New("failed project requires reset before start")
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// loopHandle tracks one running loop.
type loopHandle struct {
	loop *loop.Loop
	done chan struct{}
}

// Orchestrator holds the project registry and the bounded loop pool. It is
// the single instance passed explicitly to the API and the watcher; there is
// no ambient global.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	bus      *events.Bus
	runner   loop.AgentRunner
	executor loop.SandboxRunner

	mu    sync.Mutex
	loops map[string]*loopHandle
	// locks serializes non-loop mutations (reset, delete, update) per
	// project against concurrent starts.
	locks map[string]*sync.Mutex
	wg    sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New wires the orchestrator.
func New(cfg *config.Config, st *store.Store, bus *events.Bus, runner loop.AgentRunner, executor loop.SandboxRunner) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		runner:     runner,
		executor:   executor,
		loops:      make(map[string]*loopHandle),
		locks:      make(map[string]*sync.Mutex),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Startup discovers existing projects and reconciles stale transient state:
// a crashed daemon leaves is_running=true behind, and no loop actually
// resumes on restart.
func (o *Orchestrator) Startup(ctx context.Context) error {
	summaries, err := o.store.ListProjects(o.cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("discovering projects: %w", err)
	}
	for _, summary := range summaries {
		if !summary.IsRunning {
			continue
		}
		root := o.projectRoot(summary.Name)
		state, err := o.store.LoadState(root)
		if err != nil {
			slog.Warn("Skipping unreadable project during reconcile", "project", summary.Name, "error", err)
			continue
		}
		state.IsRunning = false
		if err := o.store.SaveState(ctx, root, state); err != nil {
			slog.Warn("Reconcile write failed", "project", summary.Name, "error", err)
			continue
		}
		slog.Info("Reconciled stale running flag", "project", summary.Name, "phase", state.Phase)
	}
	slog.Info("Orchestrator started", "projects", len(summaries),
		"max_concurrent", o.cfg.Orchestrator.MaxConcurrentProjects)
	return nil
}

// Create scaffolds a new project from a name and requirements text.
func (o *Orchestrator) Create(ctx context.Context, name, requirements string) (*models.State, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	now := time.Now().UTC()
	state := &models.State{
		Name:             name,
		Root:             o.projectRoot(name),
		Phase:            models.PhaseIdle,
		Iteration:        0,
		MaxIterations:    o.cfg.Defaults.MaxIterations,
		QualityThreshold: o.cfg.Defaults.QualityThreshold,
		MaxCost:          o.cfg.Defaults.MaxCost,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.store.ScaffoldProject(ctx, state.Root, name, requirements, state); err != nil {
		return nil, err
	}
	slog.Info("Project created", "project", name)
	return state, nil
}

// Start launches the loop for a project from planning.
func (o *Orchestrator) Start(name string) error {
	return o.startFrom(name, models.PhasePlanning)
}

// startFrom launches the loop at the given entry phase, enforcing the
// bounded pool and per-project exclusivity.
func (o *Orchestrator) startFrom(name string, phase models.Phase) error {
	lock := o.projectLock(name)
	lock.Lock()
	defer lock.Unlock()

	root := o.projectRoot(name)
	state, err := o.store.LoadState(root)
	if err != nil {
		return err
	}
	if state.Phase == models.PhaseFailed {
		return fmt.Errorf("%w: %s", ErrFailedNeedsReset, name)
	}

	o.mu.Lock()
	if _, running := o.loops[name]; running {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	if len(o.loops) >= o.cfg.Orchestrator.MaxConcurrentProjects {
		o.mu.Unlock()
		return fmt.Errorf("%w: %d projects running", ErrAtCapacity, o.cfg.Orchestrator.MaxConcurrentProjects)
	}

	l := loop.New(state, root, o.store, o.bus, o.runner, o.executor, loop.Options{
		AgentRetries:   o.cfg.Orchestrator.AgentRetries,
		ProjectTimeout: o.cfg.Orchestrator.ProjectTimeout.D(),
		StartPhase:     phase,
	})
	handle := &loopHandle{loop: l, done: make(chan struct{})}
	o.loops[name] = handle
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(handle.done)
		defer func() {
			o.mu.Lock()
			delete(o.loops, name)
			o.mu.Unlock()
		}()
		if err := l.Run(o.baseCtx); err != nil && !errors.Is(err, loop.ErrStopped) && !errors.Is(err, context.Canceled) {
			slog.Error("Loop exited with error", "project", name, "error", err)
		}
	}()

	slog.Info("Loop started", "project", name, "entry_phase", phase)
	return nil
}

// Stop gracefully stops a running project's loop and waits for cleanup.
func (o *Orchestrator) Stop(name string) error {
	o.mu.Lock()
	handle, ok := o.loops[name]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	handle.loop.Stop()
	<-handle.done
	slog.Info("Loop stopped", "project", name)
	return nil
}

// Reset clears generated artifacts and returns the project to idle.
// Idempotent; rejected while the loop is running.
func (o *Orchestrator) Reset(ctx context.Context, name string) (*models.State, error) {
	lock := o.projectLock(name)
	lock.Lock()
	defer lock.Unlock()
	if o.isRunning(name) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	return o.store.ResetProject(ctx, o.projectRoot(name))
}

// Delete removes the project tree entirely.
func (o *Orchestrator) Delete(name string) error {
	lock := o.projectLock(name)
	lock.Lock()
	defer lock.Unlock()
	if o.isRunning(name) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	if _, err := o.store.LoadState(o.projectRoot(name)); err != nil {
		return err
	}
	if err := o.store.DeleteProject(o.projectRoot(name)); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.locks, name)
	o.mu.Unlock()
	slog.Info("Project deleted", "project", name)
	return nil
}

// UpdateProviders replaces the per-agent provider overrides.
func (o *Orchestrator) UpdateProviders(ctx context.Context, name string, overrides map[models.AgentName]string) (*models.State, error) {
	return o.updateState(ctx, name, func(state *models.State) error {
		for agentName, providerID := range overrides {
			if !agentName.IsValid() {
				return fmt.Errorf("unknown agent %q", agentName)
			}
			if _, ok := o.cfg.Providers[providerID]; !ok && providerID != "" {
				return fmt.Errorf("unknown provider %q", providerID)
			}
		}
		state.ProviderOverrides = overrides
		return nil
	})
}

// UpdateCompression replaces the project's compression settings.
func (o *Orchestrator) UpdateCompression(ctx context.Context, name string, cfg models.CompressionConfig) (*models.State, error) {
	return o.updateState(ctx, name, func(state *models.State) error {
		state.Compression = &cfg
		return nil
	})
}

func (o *Orchestrator) updateState(ctx context.Context, name string, mutate func(*models.State) error) (*models.State, error) {
	lock := o.projectLock(name)
	lock.Lock()
	defer lock.Unlock()
	if o.isRunning(name) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	root := o.projectRoot(name)
	state, err := o.store.LoadState(root)
	if err != nil {
		return nil, err
	}
	if err := mutate(state); err != nil {
		return nil, err
	}
	if err := o.store.SaveState(ctx, root, state); err != nil {
		return nil, err
	}
	return state, nil
}

// List returns summaries of all projects, with live running flags overlaid
// from the registry.
func (o *Orchestrator) List() ([]models.ProjectSummary, error) {
	summaries, err := o.store.ListProjects(o.cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range summaries {
		_, running := o.loops[summaries[i].Name]
		summaries[i].IsRunning = running
	}
	return summaries, nil
}

// Get loads one project's state.
func (o *Orchestrator) Get(name string) (*models.State, error) {
	state, err := o.store.LoadState(o.projectRoot(name))
	if err != nil {
		return nil, err
	}
	state.IsRunning = o.isRunning(name)
	return state, nil
}

// TriggerStart implements watcher.Dispatcher: requirements.txt appeared.
// Duplicate triggers for a running project are dropped silently, which
// makes the trigger idempotent.
func (o *Orchestrator) TriggerStart(name string) {
	state, err := o.store.LoadState(o.projectRoot(name))
	if err != nil || state.Phase != models.PhaseIdle {
		return
	}
	if err := o.Start(name); err != nil {
		if !errors.Is(err, ErrAlreadyRunning) {
			slog.Warn("Trigger start rejected", "project", name, "error", err)
		}
	}
}

// TriggerAdvance implements watcher.Dispatcher: a plan or manifest appeared
// while idle.
func (o *Orchestrator) TriggerAdvance(name string, phase models.Phase) {
	state, err := o.store.LoadState(o.projectRoot(name))
	if err != nil || state.Phase != models.PhaseIdle {
		return
	}
	if err := o.startFrom(name, phase); err != nil {
		if !errors.Is(err, ErrAlreadyRunning) {
			slog.Warn("Trigger advance rejected", "project", name, "phase", phase, "error", err)
		}
	}
}

// RunningCount returns the number of active loops.
func (o *Orchestrator) RunningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.loops)
}

// Shutdown cancels all running loops and waits up to the configured drain
// interval before giving up. In-progress containers are torn down by their
// executors as the loop contexts cancel.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	active := len(o.loops)
	o.mu.Unlock()
	if active > 0 {
		slog.Info("Draining running loops", "count", active, "drain", o.cfg.Orchestrator.ShutdownDrain.D())
	}
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("All loops drained")
	case <-time.After(o.cfg.Orchestrator.ShutdownDrain.D()):
		slog.Warn("Drain interval elapsed; exiting with loops unfinished")
	}
}

func (o *Orchestrator) isRunning(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.loops[name]
	return ok
}

func (o *Orchestrator) projectLock(name string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[name] = lock
	}
	return lock
}

func (o *Orchestrator) projectRoot(name string) string {
	return filepath.Join(o.cfg.Workspace.Root, name)
}
