// Code Tumbler daemon — watches a workspace of projects and turns
// requirements documents into tested codebases through the
// Architect/Engineer/Verifier feedback loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lealvona/code-tumbler/pkg/agent"
	"github.com/lealvona/code-tumbler/pkg/api"
	"github.com/lealvona/code-tumbler/pkg/config"
	"github.com/lealvona/code-tumbler/pkg/database"
	"github.com/lealvona/code-tumbler/pkg/events"
	"github.com/lealvona/code-tumbler/pkg/llm"
	"github.com/lealvona/code-tumbler/pkg/orchestrator"
	"github.com/lealvona/code-tumbler/pkg/sandbox"
	"github.com/lealvona/code-tumbler/pkg/store"
	"github.com/lealvona/code-tumbler/pkg/watcher"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on clean shutdown, 1 on fatal
// startup error.
func run() int {
	configPath := flag.String("config",
		getEnv("TUMBLER_CONFIG", "./tumbler.yaml"),
		"Path to configuration file")
	envFile := flag.String("env-file", ".env", "Path to .env file (optional)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No .env file loaded", "path", *envFile)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Fatal: configuration", "error", err)
		return 1
	}

	if info, err := os.Stat(cfg.Workspace.Root); err != nil || !info.IsDir() {
		slog.Error("Fatal: workspace root missing or not a directory", "root", cfg.Workspace.Root)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional RDBMS mirror; JSON stays authoritative either way.
	var mirror store.Mirror
	if cfg.Database.DSN != "" {
		dbMirror, err := database.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			slog.Warn("Mirror database unavailable; continuing on JSON only", "error", err)
		} else {
			defer dbMirror.Close()
			mirror = dbMirror
		}
	}
	st := store.New(mirror)

	proxy, err := sandbox.NewDockerProxy(cfg.Sandbox.ProxyEndpoint)
	if err != nil {
		slog.Error("Fatal: container proxy client", "error", err)
		return 1
	}
	if cfg.Sandbox.RequiredAtStartup {
		if err := proxy.Ping(ctx); err != nil {
			slog.Error("Fatal: container proxy unreachable", "error", err)
			return 1
		}
	}
	executor := sandbox.NewExecutor(proxy, cfg.Sandbox)

	bus := events.NewBus(cfg.Events.QueueSize, cfg.Events.BlockTimeout.D())
	registry := llm.NewRegistry(cfg.Providers)
	runner := agent.NewRunner(registry, st, bus, cfg.Agents, agent.NewCompressor(cfg.Compression))

	orch := orchestrator.New(cfg, st, bus, runner, executor)
	if err := orch.Startup(ctx); err != nil {
		slog.Error("Fatal: orchestrator startup", "error", err)
		return 1
	}

	w, err := watcher.New(cfg.Workspace.Root, orch, cfg.Orchestrator.WatcherDebounce.D())
	if err != nil {
		slog.Error("Fatal: file watcher", "error", err)
		return 1
	}
	go w.Run(ctx)

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		server := api.NewServer(orch, bus)
		httpServer = &http.Server{Addr: cfg.HTTP.Addr, Handler: server.Router()}
		go func() {
			slog.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	orch.Shutdown()
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown incomplete", "error", err)
		}
	}

	fmt.Fprintln(os.Stderr, "tumbler: clean shutdown")
	return 0
}
