package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lealvona/code-tumbler/pkg/config"
)

// PhaseCallback observes each completed phase as the run progresses.
type PhaseCallback func(phase string, result PhaseResult)

// Executor runs the four sandbox phases for a staged workspace. Safe for
// concurrent use across projects; image pulls are serialized because
// concurrent pulls of the same layer interact badly.
type Executor struct {
	proxy ContainerProxy
	cfg   config.SandboxConfig

	pullMu sync.Mutex
	pulled map[string]bool
}

// NewExecutor creates an executor over the given proxy.
func NewExecutor(proxy ContainerProxy, cfg config.SandboxConfig) *Executor {
	return &Executor{
		proxy:  proxy,
		cfg:    cfg,
		pulled: make(map[string]bool),
	}
}

// Run executes install → build → (test ∥ lint) for the workspace and returns
// the per-phase results. Strategy overrides replace the runtime's default
// install/build/test commands; lint always uses the runtime default.
//
// Returns ErrSandboxUnavailable (wrapped) when the container runtime itself
// cannot be reached or the image cannot be pulled; phase failures and
// timeouts are results, not errors.
func (e *Executor) Run(ctx context.Context, project, workspace string, strategy Strategy, onPhase PhaseCallback) (*Result, error) {
	log := slog.With("project", project)

	rt, err := DetectRuntime(workspace)
	if err != nil {
		// Nothing recognizable to build. Report a failed install so the
		// feedback loop scores it instead of crashing the iteration.
		log.Warn("No runtime detected in staging", "workspace", workspace)
		res := &Result{
			Install: PhaseResult{Status: StatusFailed, Stderr: err.Error(), ExitCode: -1},
			Build:   PhaseResult{Status: StatusSkipped},
			Test:    PhaseResult{Status: StatusSkipped},
			Lint:    PhaseResult{Status: StatusSkipped},
		}
		if onPhase != nil {
			onPhase(PhaseInstall, res.Install)
		}
		return res, nil
	}

	if err := e.proxy.Ping(ctx); err != nil {
		return nil, err
	}

	image := ImageFor(rt, e.cfg.Images)
	if err := e.ensureImage(ctx, image); err != nil {
		return nil, err
	}

	archive, err := BuildTar(workspace)
	if err != nil {
		return nil, fmt.Errorf("building workspace archive: %w", err)
	}
	// The initial tar is relative to the workspace root; exported archives
	// carry the "workspace/" prefix and re-extract at /.
	dest := workspaceMount

	result := &Result{Runtime: rt.Name, Image: image}
	report := func(phase string, pr PhaseResult) {
		if onPhase != nil {
			onPhase(phase, pr)
		}
	}

	installCmds := strategy.Install
	if len(installCmds) == 0 {
		installCmds = rt.Install
	}
	network := "none"
	if e.cfg.EgressNetwork != "" {
		network = e.cfg.EgressNetwork
	}
	var exported []byte
	result.Install, exported = e.runPhase(ctx, project, image, installCmds, network, e.cfg.InstallTimeout.D(), archive, dest, true)
	report(PhaseInstall, result.Install)
	if exported != nil {
		archive, dest = exported, "/"
	}

	if result.Install.Passed() {
		buildCmds := strategy.Build
		if len(buildCmds) == 0 {
			buildCmds = rt.Build
		}
		result.Build, exported = e.runPhase(ctx, project, image, buildCmds, "none", e.cfg.BuildTimeout.D(), archive, dest, true)
		report(PhaseBuild, result.Build)
		if exported != nil {
			archive, dest = exported, "/"
		}
	} else {
		result.Build = PhaseResult{Status: StatusSkipped}
		report(PhaseBuild, result.Build)
	}

	testCmds := strategy.Test
	if len(testCmds) == 0 {
		testCmds = rt.Test
	}

	// Test and lint run concurrently in separate containers over the same
	// archive; both must finish before the run reports out.
	var g errgroup.Group
	g.Go(func() error {
		if !result.Build.Passed() {
			result.Test = PhaseResult{Status: StatusSkipped}
		} else {
			result.Test, _ = e.runPhase(ctx, project, image, testCmds, "none", e.cfg.TestTimeout.D(), archive, dest, false)
		}
		report(PhaseTest, result.Test)
		return nil
	})
	g.Go(func() error {
		result.Lint, _ = e.runPhase(ctx, project, image, rt.Lint, "none", e.cfg.LintTimeout.D(), archive, dest, false)
		report(PhaseLint, result.Lint)
		return nil
	})
	_ = g.Wait()

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// ensureImage pulls the image once per executor lifetime. Serialized: the
// proxy is shared and concurrent pulls of one image waste bandwidth.
func (e *Executor) ensureImage(ctx context.Context, image string) error {
	e.pullMu.Lock()
	defer e.pullMu.Unlock()
	if e.pulled[image] {
		return nil
	}
	if err := e.proxy.PullImage(ctx, image); err != nil {
		return err
	}
	e.pulled[image] = true
	return nil
}

// runPhase executes one phase in a fresh container and tears it down on
// every exit path. When export is true and the phase passes, the mutated
// workspace is exported so the next phase sees its artifacts.
func (e *Executor) runPhase(ctx context.Context, project, image string, cmds []string, network string, timeout time.Duration, archive []byte, dest string, export bool) (PhaseResult, []byte) {
	if len(cmds) == 0 {
		return PhaseResult{Status: StatusSkipped}, nil
	}
	pr := PhaseResult{Commands: cmds, ExitCode: -1}
	start := time.Now()

	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spec := ContainerSpec{
		Name:        fmt.Sprintf("tumbler-%s-%s", project, uuid.New().String()[:8]),
		Image:       image,
		Command:     []string{"sh", "-c", shellLine(cmds)},
		WorkingDir:  workspaceMount,
		NetworkMode: network,
		CPUs:        e.cfg.Resources.CPUs,
		MemoryBytes: e.cfg.Resources.MemoryBytes,
		PidsLimit:   e.cfg.Resources.PidsLimit,
	}

	id, err := e.proxy.CreateContainer(phaseCtx, spec)
	if err != nil {
		pr.Status = StatusFailed
		pr.Stderr = err.Error()
		pr.Duration = time.Since(start)
		return pr, nil
	}
	// Teardown must survive phase timeouts, cancellation, and panics, so it
	// runs on a fresh context.
	defer func() {
		removeCtx, removeCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer removeCancel()
		if err := e.proxy.RemoveContainer(removeCtx, id); err != nil {
			slog.Warn("Container teardown failed", "project", project, "container_id", id, "error", err)
		}
	}()

	if err := e.proxy.CopyTo(phaseCtx, id, dest, archive); err != nil {
		pr.Status = StatusFailed
		pr.Stderr = err.Error()
		pr.Duration = time.Since(start)
		return pr, nil
	}
	if err := e.proxy.StartContainer(phaseCtx, id); err != nil {
		pr.Status = StatusFailed
		pr.Stderr = err.Error()
		pr.Duration = time.Since(start)
		return pr, nil
	}

	exitCode, waitErr := e.proxy.WaitContainer(phaseCtx, id)
	pr.Duration = time.Since(start)

	// Logs are read on the parent context: after a phase timeout the
	// container is dead but its output is still the best diagnostic.
	logCtx, logCancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer logCancel()
	stdout, stderr, logErr := e.proxy.ContainerOutput(logCtx, id)
	if logErr == nil {
		pr.Stdout = stdout
		pr.Stderr = stderr
	}

	switch {
	case waitErr != nil && errors.Is(phaseCtx.Err(), context.DeadlineExceeded):
		pr.Status = StatusTimeout
	case waitErr != nil:
		pr.Status = StatusFailed
		if pr.Stderr == "" {
			pr.Stderr = waitErr.Error()
		}
	case exitCode == 0:
		pr.Status = StatusPassed
		pr.ExitCode = 0
	default:
		pr.Status = StatusFailed
		pr.ExitCode = exitCode
	}

	var exportedArchive []byte
	if export && pr.Status == StatusPassed {
		data, err := e.proxy.CopyFrom(logCtx, id)
		if err != nil {
			slog.Warn("Workspace export failed; next phase reuses previous archive",
				"project", project, "error", err)
		} else {
			exportedArchive = data
		}
	}
	return pr, exportedArchive
}
