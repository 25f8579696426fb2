package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lealvona/code-tumbler/pkg/config"
	"github.com/lealvona/code-tumbler/pkg/events"
	"github.com/lealvona/code-tumbler/pkg/models"
	"github.com/lealvona/code-tumbler/pkg/orchestrator"
	"github.com/lealvona/code-tumbler/pkg/sandbox"
	"github.com/lealvona/code-tumbler/pkg/store"
)

type noopAgents struct{}

func (noopAgents) RunArchitect(_ context.Context, _ *models.State, projectRoot, _, _, _ string) (string, error) {
	return "# plan", os.WriteFile(filepath.Join(projectRoot, models.PlanFile), []byte("# plan"), 0o644)
}

func (noopAgents) RunEngineer(context.Context, *models.State, string, string, string, string) ([]models.GeneratedFile, error) {
	return nil, nil
}

func (noopAgents) RunVerifier(_ context.Context, state *models.State, projectRoot, _ string, _ *sandbox.Result, _ string) (string, error) {
	path := filepath.Join(projectRoot, models.ReportFile(state.Iteration))
	return "Overall Score: 9/10", os.WriteFile(path, []byte("Overall Score: 9/10"), 0o644)
}

type noopSandbox struct{}

func (noopSandbox) Run(context.Context, string, string, sandbox.Strategy, sandbox.PhaseCallback) (*sandbox.Result, error) {
	return sandbox.SkippedResult(), nil
}

func newTestServer(t *testing.T) (*gin.Engine, *events.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{Root: t.TempDir()},
		Orchestrator: config.OrchestratorConfig{
			MaxConcurrentProjects: 2,
			ProjectTimeout:        config.Duration(10 * time.Second),
			ShutdownDrain:         config.Duration(time.Second),
		},
		Defaults: config.ProjectDefaults{MaxIterations: 2, QualityThreshold: 8},
	}
	bus := events.NewBus(64, time.Second)
	orch := orchestrator.New(cfg, store.New(nil), bus, noopAgents{}, noopSandbox{})
	t.Cleanup(orch.Shutdown)
	return NewServer(orch, bus).Router(), bus
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/projects",
		map[string]string{"name": "alpha", "requirements": "write hello"})
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, models.PhaseIdle, created.Phase)

	w = doJSON(t, router, http.MethodGet, "/api/projects", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alpha")

	w = doJSON(t, router, http.MethodGet, "/api/projects/alpha", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/projects/alpha", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/projects/alpha", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateRejectsBadPayloads(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/projects", map[string]string{"name": "alpha"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/projects",
		map[string]string{"name": "NOT OK", "requirements": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStopWithoutRunningLoopConflicts(t *testing.T) {
	router, _ := newTestServer(t)
	doJSON(t, router, http.MethodPost, "/api/projects",
		map[string]string{"name": "alpha", "requirements": "x"})

	w := doJSON(t, router, http.MethodPost, "/api/projects/alpha/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUnknownProjectActions(t *testing.T) {
	router, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodPost, "/api/projects/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = doJSON(t, router, http.MethodPost, "/api/projects/ghost/reset", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
