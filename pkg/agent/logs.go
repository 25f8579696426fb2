package agent

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lealvona/code-tumbler/pkg/models"
)

// agentLog appends one structured record to the agent's per-project log
// file under .tumbler/logs/. Failures are reported on the process logger
// and otherwise ignored: the conversation file remains the authoritative
// record.
func agentLog(projectRoot string, agentName models.AgentName, msg string, args ...any) {
	dir := filepath.Join(projectRoot, models.LogsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Agent log directory unavailable", "agent", agentName, "error", err)
		return
	}
	path := filepath.Join(dir, string(agentName)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fs.FileMode(0o644))
	if err != nil {
		slog.Warn("Agent log open failed", "agent", agentName, "error", err)
		return
	}
	defer f.Close()
	logger := slog.New(slog.NewJSONHandler(f, nil))
	logger.Info(msg, args...)
}
