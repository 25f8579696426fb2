// Package api is the thin HTTP façade over the orchestrator plus the
// WebSocket projection of the event bus. All control flows through the
// orchestrator; handlers hold no state of their own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/lealvona/code-tumbler/pkg/events"
	"github.com/lealvona/code-tumbler/pkg/models"
	"github.com/lealvona/code-tumbler/pkg/orchestrator"
	"github.com/lealvona/code-tumbler/pkg/store"
)

// wsWriteTimeout bounds each WebSocket send so one dead client cannot pin a
// bus subscription.
const wsWriteTimeout = 5 * time.Second

// Server wires the gin router.
type Server struct {
	orch *orchestrator.Orchestrator
	bus  *events.Bus
}

// NewServer creates the API server.
func NewServer(orch *orchestrator.Orchestrator, bus *events.Bus) *Server {
	return &Server{orch: orch, bus: bus}
}

// Router builds the route table.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.GET("/ws", s.streamEvents)

	api := router.Group("/api")
	{
		api.GET("/projects", s.listProjects)
		api.POST("/projects", s.createProject)
		api.GET("/projects/:name", s.getProject)
		api.DELETE("/projects/:name", s.deleteProject)
		api.POST("/projects/:name/start", s.startProject)
		api.POST("/projects/:name/stop", s.stopProject)
		api.POST("/projects/:name/reset", s.resetProject)
		api.PUT("/projects/:name/providers", s.updateProviders)
		api.PUT("/projects/:name/compression", s.updateCompression)
	}
	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"running_projects": s.orch.RunningCount(),
	})
}

func (s *Server) listProjects(c *gin.Context) {
	summaries, err := s.orch.List()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": summaries})
}

type createRequest struct {
	Name         string `json:"name" binding:"required"`
	Requirements string `json:"requirements" binding:"required"`
}

func (s *Server) createProject(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, err := s.orch.Create(c.Request.Context(), req.Name, req.Requirements)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (s *Server) getProject(c *gin.Context) {
	state, err := s.orch.Get(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) deleteProject(c *gin.Context) {
	if err := s.orch.Delete(c.Param("name")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startProject(c *gin.Context) {
	if err := s.orch.Start(c.Param("name")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) stopProject(c *gin.Context) {
	if err := s.orch.Stop(c.Param("name")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) resetProject(c *gin.Context) {
	state, err := s.orch.Reset(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) updateProviders(c *gin.Context) {
	var overrides map[models.AgentName]string
	if err := c.ShouldBindJSON(&overrides); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, err := s.orch.UpdateProviders(c.Request.Context(), c.Param("name"), overrides)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) updateCompression(c *gin.Context) {
	var cfg models.CompressionConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, err := s.orch.UpdateCompression(c.Request.Context(), c.Param("name"), cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// streamEvents upgrades to WebSocket and forwards bus events matching the
// optional ?project= and ?types= filters until the client disconnects.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	filter := events.Filter{Project: c.Query("project")}
	if types := c.QueryArray("types"); len(types) > 0 {
		filter.Types = types
	}
	sub := s.bus.Subscribe(filter)
	defer s.bus.Unsubscribe(sub)

	ctx := c.Request.Context()
	// Reader goroutine: we send only, but reading drives close detection.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case event := <-sub.Events():
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// fail maps domain errors onto HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrAtCapacity):
		status = http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, orchestrator.ErrNotRunning),
		errors.Is(err, orchestrator.ErrFailedNeedsReset):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidName):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
