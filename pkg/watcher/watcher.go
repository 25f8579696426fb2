// Package watcher monitors the workspace for operator-created trigger files
// and dispatches loop advancement. It is one of two producers of the same
// advance signal (the HTTP API is the other); both must stay idempotent.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lealvona/code-tumbler/pkg/models"
)

// Dispatcher receives debounced trigger-file signals. Implemented by the
// orchestrator. Duplicate signals for a running project must be dropped
// there, not here.
type Dispatcher interface {
	// TriggerStart fires when requirements.txt appears for a project.
	TriggerStart(name string)
	// TriggerAdvance fires when a plan (→ engineering) or staging manifest
	// (→ verifying) appears while the project is idle.
	TriggerAdvance(name string, phase models.Phase)
}

// Watcher observes project directories through fsnotify with per-trigger
// debouncing.
type Watcher struct {
	workspaceRoot string
	dispatcher    Dispatcher
	debounce      time.Duration

	fsw *fsnotify.Watcher

	// Guards pending debounce timers so Close can cancel them. Timer
	// callbacks only dispatch; all path classification happens on the
	// event loop goroutine.
	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// New creates a watcher over the workspace root. debounce ≤ 0 selects 2 s.
func New(workspaceRoot string, dispatcher Dispatcher, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		workspaceRoot: workspaceRoot,
		dispatcher:    dispatcher,
		debounce:      debounce,
		fsw:           fsw,
		pending:       make(map[string]*time.Timer),
	}
	if err := fsw.Add(workspaceRoot); err != nil {
		fsw.Close()
		return nil, err
	}
	// Watch the trigger directories of projects that already exist.
	entries, err := os.ReadDir(workspaceRoot)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				w.watchProject(filepath.Join(workspaceRoot, entry.Name()))
			}
		}
	}
	return w, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	log := slog.With("component", "watcher")
	log.Info("File watcher started", "workspace", w.workspaceRoot, "debounce", w.debounce)
	for {
		select {
		case <-ctx.Done():
			w.Close()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("Watcher error", "error", err)
		}
	}
}

// Close cancels pending timers and shuts the underlying watcher down.
func (w *Watcher) Close() {
	w.mu.Lock()
	w.closed = true
	for key, timer := range w.pending {
		timer.Stop()
		delete(w.pending, key)
	}
	w.mu.Unlock()
	w.fsw.Close()
}

// handleEvent classifies one fsnotify event into a trigger.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	rel, err := filepath.Rel(w.workspaceRoot, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	// A new directory directly under the workspace is a new project: start
	// watching its trigger directories.
	if len(parts) == 1 && event.Op&fsnotify.Create != 0 {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			w.watchProject(event.Name)
		}
		return
	}
	// A trigger directory created after the project was registered.
	if len(parts) == 2 && event.Op&fsnotify.Create != 0 {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				slog.Warn("Could not watch project directory", "path", event.Name, "error", err)
			}
		}
		return
	}
	if len(parts) != 3 {
		return
	}

	project := parts[0]
	trigger := parts[1] + "/" + parts[2]
	switch trigger {
	case models.RequirementsFile:
		w.schedule(project+"/start", func() { w.dispatcher.TriggerStart(project) })
	case models.PlanFile:
		w.schedule(project+"/plan", func() {
			w.dispatcher.TriggerAdvance(project, models.PhaseEngineering)
		})
	case models.ManifestFile:
		w.schedule(project+"/manifest", func() {
			w.dispatcher.TriggerAdvance(project, models.PhaseVerifying)
		})
	}
}

// schedule arms (or re-arms) the debounce timer for one trigger key. Rapid
// saves within the window coalesce into a single dispatch.
func (w *Watcher) schedule(key string, fire func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.pending[key]; ok {
		timer.Stop()
	}
	w.pending[key] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, key)
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			fire()
		}
	})
}

// watchProject registers the trigger directories of one project. Missing
// directories are skipped; they are picked up when created.
func (w *Watcher) watchProject(projectRoot string) {
	for _, dir := range []string{models.InputDir, models.PlanDir, models.StagingDir} {
		path := filepath.Join(projectRoot, dir)
		if _, err := os.Lstat(path); err != nil {
			continue
		}
		if err := w.fsw.Add(path); err != nil {
			slog.Warn("Could not watch project directory", "path", path, "error", err)
		}
	}
	// Watch the project root itself so trigger directories created later
	// are noticed.
	if err := w.fsw.Add(projectRoot); err != nil {
		slog.Warn("Could not watch project root", "path", projectRoot, "error", err)
	}
}
