// Package loop drives the per-project Architect → Engineer → Verifier state
// machine until convergence, budget exhaustion, or cancellation. One Loop
// instance exclusively owns its project's state while running.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lealvona/code-tumbler/pkg/agent"
	"github.com/lealvona/code-tumbler/pkg/events"
	"github.com/lealvona/code-tumbler/pkg/models"
	"github.com/lealvona/code-tumbler/pkg/sandbox"
	"github.com/lealvona/code-tumbler/pkg/scoring"
	"github.com/lealvona/code-tumbler/pkg/store"
)

// ErrStopped reports a loop ended by an operator Stop rather than a
// terminal state.
var ErrStopped = errors.New("loop stopped")

// AgentRunner is the subset of the agent runner the loop drives.
// Implemented by *agent.Runner.
type AgentRunner interface {
	RunArchitect(ctx context.Context, state *models.State, projectRoot, requirements, prevPlan, prevReport string) (string, error)
	RunEngineer(ctx context.Context, state *models.State, projectRoot, plan, prevListing, prevReport string) ([]models.GeneratedFile, error)
	RunVerifier(ctx context.Context, state *models.State, projectRoot, plan string, result *sandbox.Result, codeListing string) (string, error)
}

// SandboxRunner is the executor contract the loop verifies with.
// Implemented by *sandbox.Executor.
type SandboxRunner interface {
	Run(ctx context.Context, project, workspace string, strategy sandbox.Strategy, onPhase sandbox.PhaseCallback) (*sandbox.Result, error)
}

// Options bound one loop run.
type Options struct {
	// AgentRetries is how many times an ErrAgentError is retried within
	// the same iteration before the project fails.
	AgentRetries int
	// ProjectTimeout is the wall-clock ceiling for one run.
	ProjectTimeout time.Duration
	// StartPhase lets trigger files resume a partially advanced project
	// (engineering when a plan exists, verifying when a manifest exists).
	// Zero value starts from planning.
	StartPhase models.Phase
}

// Loop is the cooperative state machine for one project.
type Loop struct {
	state       *models.State
	projectRoot string
	store       *store.Store
	bus         *events.Bus
	runner      AgentRunner
	executor    SandboxRunner
	opts        Options

	// stopCh is the per-project control channel, read at cancellation
	// checkpoints. Control never travels over the event bus.
	stopCh chan struct{}
}

// New builds a loop over an already loaded state.
func New(state *models.State, projectRoot string, st *store.Store, bus *events.Bus, runner AgentRunner, executor SandboxRunner, opts Options) *Loop {
	if opts.AgentRetries < 0 {
		opts.AgentRetries = 0
	}
	if opts.ProjectTimeout <= 0 {
		opts.ProjectTimeout = 3600 * time.Second
	}
	return &Loop{
		state:       state,
		projectRoot: projectRoot,
		store:       st,
		bus:         bus,
		runner:      runner,
		executor:    executor,
		opts:        opts,
		stopCh:      make(chan struct{}),
	}
}

// Stop requests a graceful stop. The in-flight operation is cancelled, the
// project returns to idle, and artifacts are kept. Safe to call once.
func (l *Loop) Stop() {
	close(l.stopCh)
}

// Run executes the loop until a terminal phase, a stop, or ctx cancellation
// (daemon shutdown). The returned error is nil on terminal states: terminal
// outcomes are states, not errors.
func (l *Loop) Run(ctx context.Context) error {
	log := slog.With("project", l.state.Name)

	runCtx, cancel := context.WithTimeout(ctx, l.opts.ProjectTimeout)
	defer cancel()
	// Stop folds into context cancellation so every suspension point
	// (agent stream, sandbox op, disk write) observes it.
	stopCtx, stopCancel := context.WithCancel(runCtx)
	defer stopCancel()
	go func() {
		select {
		case <-l.stopCh:
			stopCancel()
		case <-stopCtx.Done():
		}
	}()

	l.state.IsRunning = true
	if err := l.saveState(stopCtx); err != nil {
		return err
	}

	err := l.run(stopCtx, log)
	switch {
	case err == nil:
		return nil
	case l.stopped():
		log.Info("Loop stopped by operator")
		l.toIdle()
		return ErrStopped
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Warn("Project wall-clock timeout")
		l.fail(models.FailureTimeout, "project timeout exceeded")
		return nil
	case ctx.Err() != nil:
		// Daemon shutdown: keep the phase for forensics, clear the
		// transient running flag so startup reconciliation is a no-op.
		log.Info("Loop interrupted by shutdown")
		l.state.IsRunning = false
		l.persistState()
		return err
	default:
		log.Error("Loop failed", "error", err)
		reason := models.FailureInternal
		if errors.Is(err, agent.ErrAgentError) {
			reason = models.FailureAgentError
		}
		l.fail(reason, err.Error())
		return nil
	}
}

// run is the state machine body. Returns nil when a terminal phase was
// reached and persisted.
func (l *Loop) run(ctx context.Context, log *slog.Logger) error {
	requirements, err := os.ReadFile(filepath.Join(l.projectRoot, models.RequirementsFile))
	if err != nil {
		return fmt.Errorf("reading requirements: %w", err)
	}

	startPhase := l.opts.StartPhase
	if startPhase == "" || startPhase == models.PhaseIdle {
		startPhase = models.PhasePlanning
	}

	var plan string
	if startPhase == models.PhasePlanning {
		if err := l.setPhase(ctx, models.PhasePlanning); err != nil {
			return err
		}
		prevPlan := l.readOptional(models.PlanFile)
		prevReport := l.readOptional(models.ReportFile(l.state.Iteration))
		plan, err = l.callArchitect(ctx, string(requirements), prevPlan, prevReport)
		if err != nil {
			return err
		}
	} else {
		// An operator-provided plan (trigger file) skips planning.
		plan = l.readOptional(models.PlanFile)
		if plan == "" {
			return fmt.Errorf("cannot start from %s without a plan", startPhase)
		}
	}

	if l.state.Iteration == 0 {
		l.state.Iteration = 1
	}
	skipEngineering := startPhase == models.PhaseVerifying

	for {
		l.bus.Publish(events.IterationUpdate(l.state.Name, l.state.Iteration, l.state.MaxIterations))

		var files []models.GeneratedFile
		if skipEngineering {
			skipEngineering = false
			files = l.readStagedFiles()
		} else {
			if err := l.setPhase(ctx, models.PhaseEngineering); err != nil {
				return err
			}
			prevListing, prevReport := "", ""
			if l.state.Iteration >= 2 {
				prevListing = agent.FormatFileListing(l.readStagedFiles())
				prevReport = l.readOptional(models.ReportFile(l.state.Iteration - 1))
			}
			files, err = l.callEngineer(ctx, plan, prevListing, prevReport)
			if err != nil {
				return err
			}
			log.Info("Engineering complete", "iteration", l.state.Iteration, "files", len(files))
		}

		if err := l.setPhase(ctx, models.PhaseVerifying); err != nil {
			return err
		}
		score, err := l.verify(ctx, plan, files)
		if err != nil {
			return err
		}
		l.state.LastScore = &score
		l.bus.Publish(events.ScoreUpdate(l.state.Name, l.state.Iteration, score, string(models.PhaseVerifying)))
		if err := l.saveState(ctx); err != nil {
			return err
		}

		done, err := l.decide(ctx, score, log)
		if done || err != nil {
			return err
		}
	}
}

// decide applies the convergence rule after one Verifier pass. Returns
// done=true when a terminal phase was reached.
func (l *Loop) decide(ctx context.Context, score float64, log *slog.Logger) (bool, error) {
	if score >= l.state.QualityThreshold {
		archivePath, err := archiveStaging(
			filepath.Join(l.projectRoot, models.StagingDir),
			filepath.Join(l.projectRoot, models.FinalDir),
			l.state.Name, time.Now())
		if err != nil {
			log.Warn("Archiving failed; completing without archive", "error", err)
		}
		if err := l.setPhase(ctx, models.PhaseCompleted); err != nil {
			return true, err
		}
		l.bus.Publish(events.ProjectComplete(l.state.Name, l.state.Iteration, score, filepath.Base(archivePath)))
		log.Info("Project converged", "iteration", l.state.Iteration, "score", score)
		return true, nil
	}

	if l.state.Iteration >= l.state.MaxIterations {
		l.fail(models.FailureIterationCap,
			fmt.Sprintf("no convergence after %d iterations (last score %.1f)", l.state.Iteration, score))
		return true, nil
	}

	usage, err := l.store.LoadUsage(l.projectRoot)
	if err != nil {
		return true, err
	}
	if l.state.MaxCost > 0 && usage.TotalCost >= l.state.MaxCost {
		l.fail(models.FailureCostCap,
			fmt.Sprintf("cost %.4f reached cap %.4f", usage.TotalCost, l.state.MaxCost))
		return true, nil
	}

	l.state.Iteration++
	return false, l.saveState(ctx)
}

// verify runs the sandbox, invokes the Verifier, and resolves the score.
// Sandbox unavailability degrades to code-review-only mode; phase failures
// are the normal feedback signal, never loop errors.
func (l *Loop) verify(ctx context.Context, plan string, files []models.GeneratedFile) (float64, error) {
	strategy := sandbox.ParseStrategy(plan)
	stagingRoot := filepath.Join(l.projectRoot, models.StagingDir)

	runtimeName, image := "", ""
	if rt, err := sandbox.DetectRuntime(stagingRoot); err == nil {
		runtimeName, image = rt.Name, rt.Image
	}
	l.bus.Publish(events.SandboxStart(l.state.Name, l.state.Iteration, runtimeName, image))

	onPhase := func(phase string, pr sandbox.PhaseResult) {
		l.bus.Publish(events.SandboxPhase(l.state.Name, l.state.Iteration, phase,
			string(pr.Status), pr.Stdout, pr.Stderr, pr.ExitCode,
			pr.Duration.Seconds(), pr.Commands))
		l.recordSandboxMessage(phase, pr)
	}

	result, err := l.executor.Run(ctx, l.state.Name, stagingRoot, strategy, onPhase)
	switch {
	case errors.Is(err, sandbox.ErrSandboxUnavailable):
		slog.Warn("Sandbox unavailable; falling back to code review only",
			"project", l.state.Name, "error", err)
		result = sandbox.SkippedResult()
	case err != nil:
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("sandbox run: %w", err)
	}

	listing := agent.FormatFileListing(files)
	report, err := l.callVerifier(ctx, plan, result, listing)
	if err != nil {
		return 0, err
	}

	metrics := scoring.Compute(result)
	return scoring.Resolve(report, metrics), nil
}

// withRetry runs an agent call, retrying agent errors within the iteration.
// Cancellation is never retried.
func (l *Loop) withRetry(ctx context.Context, name models.AgentName, call func() error) error {
	var err error
	for attempt := 0; attempt <= l.opts.AgentRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = call(); err == nil {
			return nil
		}
		if !errors.Is(err, agent.ErrAgentError) {
			return err
		}
		if attempt < l.opts.AgentRetries {
			slog.Warn("Agent call failed; retrying",
				"project", l.state.Name, "agent", name, "attempt", attempt+1, "error", err)
		}
	}
	return err
}

func (l *Loop) callArchitect(ctx context.Context, requirements, prevPlan, prevReport string) (string, error) {
	var plan string
	err := l.withRetry(ctx, models.AgentArchitect, func() error {
		var err error
		plan, err = l.runner.RunArchitect(ctx, l.state, l.projectRoot, requirements, prevPlan, prevReport)
		return err
	})
	return plan, err
}

func (l *Loop) callEngineer(ctx context.Context, plan, prevListing, prevReport string) ([]models.GeneratedFile, error) {
	var files []models.GeneratedFile
	err := l.withRetry(ctx, models.AgentEngineer, func() error {
		var err error
		files, err = l.runner.RunEngineer(ctx, l.state, l.projectRoot, plan, prevListing, prevReport)
		return err
	})
	return files, err
}

func (l *Loop) callVerifier(ctx context.Context, plan string, result *sandbox.Result, listing string) (string, error) {
	var report string
	err := l.withRetry(ctx, models.AgentVerifier, func() error {
		var err error
		report, err = l.runner.RunVerifier(ctx, l.state, l.projectRoot, plan, result, listing)
		return err
	})
	return report, err
}

// setPhase transitions the state machine, persists, and publishes.
func (l *Loop) setPhase(ctx context.Context, phase models.Phase) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	from := l.state.Phase
	l.state.Phase = phase
	l.state.IsRunning = phase.IsActive()
	if err := l.saveState(ctx); err != nil {
		return err
	}
	l.bus.Publish(events.PhaseChange(l.state.Name, string(from), string(phase), l.state.Iteration))
	return nil
}

// fail marks the project failed with a sticky reason. All artifacts are kept
// for forensics; only a Reset clears the failure.
func (l *Loop) fail(reason models.FailureReason, message string) {
	from := l.state.Phase
	l.state.Phase = models.PhaseFailed
	l.state.FailureReason = reason
	l.state.Error = message
	l.state.IsRunning = false
	l.persistState()
	l.bus.Publish(events.PhaseChange(l.state.Name, string(from), string(models.PhaseFailed), l.state.Iteration))
	l.bus.Publish(events.ProjectFailed(l.state.Name, l.state.Iteration, string(reason), message))
}

// toIdle returns a stopped project to idle, keeping artifacts.
func (l *Loop) toIdle() {
	from := l.state.Phase
	l.state.Phase = models.PhaseIdle
	l.state.IsRunning = false
	l.persistState()
	l.bus.Publish(events.PhaseChange(l.state.Name, string(from), string(models.PhaseIdle), l.state.Iteration))
}

func (l *Loop) saveState(ctx context.Context) error {
	return l.store.SaveState(ctx, l.projectRoot, l.state)
}

// persistState saves on a fresh context for paths where the loop context is
// already cancelled.
func (l *Loop) persistState() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.store.SaveState(ctx, l.projectRoot, l.state); err != nil {
		slog.Error("Persisting terminal state failed", "project", l.state.Name, "error", err)
	}
}

func (l *Loop) stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// readOptional returns the file's content or empty when absent.
func (l *Loop) readOptional(rel string) string {
	data, err := os.ReadFile(filepath.Join(l.projectRoot, rel))
	if err != nil {
		return ""
	}
	return string(data)
}

// readStagedFiles loads the current staging tree via its manifest.
func (l *Loop) readStagedFiles() []models.GeneratedFile {
	manifestData, err := os.ReadFile(filepath.Join(l.projectRoot, models.ManifestFile))
	if err != nil {
		return nil
	}
	var manifest models.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil
	}
	var files []models.GeneratedFile
	for _, rel := range manifest.Files {
		if strings.Contains(rel, "..") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.projectRoot, models.StagingDir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		files = append(files, models.GeneratedFile{Path: rel, Content: string(data)})
	}
	return files
}

// recordSandboxMessage appends a conversation entry for one sandbox phase.
func (l *Loop) recordSandboxMessage(phase string, pr sandbox.PhaseResult) {
	exitCode := pr.ExitCode
	msg := models.ConversationMessage{
		Timestamp: time.Now().UTC(),
		Agent:     models.AgentSystem,
		Role:      models.RoleSandbox,
		Iteration: l.state.Iteration,
		Content:   strings.TrimSpace(pr.Stdout + "\n" + pr.Stderr),
		Meta: &models.MessageMeta{
			SandboxPhase:  phase,
			SandboxStatus: string(pr.Status),
			ExitCode:      &exitCode,
			DurationS:     pr.Duration.Seconds(),
			Commands:      pr.Commands,
		},
	}
	if err := l.store.AppendConversation(l.projectRoot, msg); err != nil {
		slog.Warn("Sandbox conversation append failed", "project", l.state.Name, "error", err)
	}
}
