// Package httpapi contains the HTTP handlers for the orchestration engine.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/marketloop/marketloop/internal/orchestrator"
	"github.com/marketloop/marketloop/internal/store"
	"github.com/marketloop/marketloop/internal/version"
	"github.com/marketloop/marketloop/internal/workflow"
	"github.com/marketloop/marketloop/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Engine       *workflow.Engine
	Library      *workflow.Library
}

// NewServer creates a new Server.
func NewServer(orch *orchestrator.Orchestrator, engine *workflow.Engine, library *workflow.Library) *Server {
	return &Server{Orchestrator: orch, Engine: engine, Library: library}
}

// Echo builds the echo instance with all routes registered.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	e.GET("/healthz", s.Health)

	v1 := e.Group("/v1")
	v1.POST("/tasks", s.CreateTask)
	v1.GET("/tasks/:id", s.GetTask)
	v1.POST("/tasks/:id/approve", s.ApproveTask)
	v1.POST("/tasks/:id/cancel", s.CancelTask)

	v1.GET("/workflows", s.ListWorkflows)
	v1.POST("/workflows/:id/trigger", s.TriggerWorkflow)

	v1.GET("/runs/:id", s.GetRun)
	v1.POST("/runs/:id/pause", s.PauseRun)
	v1.POST("/runs/:id/resume", s.ResumeRun)
	v1.POST("/runs/:id/cancel", s.CancelRun)

	return e
}

// Health reports liveness and the build version.
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Get(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// createTaskRequest is the body for task creation.
type createTaskRequest struct {
	TenantID         string         `json:"tenant_id"`
	UserID           string         `json:"user_id"`
	AgentType        string         `json:"agent_type"`
	TaskType         string         `json:"task_type"`
	Payload          map[string]any `json:"payload"`
	Priority         int            `json:"priority"`
	ApprovalRequired bool           `json:"approval_required"`
	DelaySeconds     int            `json:"delay_seconds"`
}

// CreateTask accepts a task and returns it immediately; execution is
// asynchronous.
// (POST /v1/tasks)
func (s *Server) CreateTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	task, err := s.Orchestrator.CreateTask(c.Request().Context(), orchestrator.TaskSpec{
		TenantID:         req.TenantID,
		UserID:           req.UserID,
		AgentType:        models.AgentType(req.AgentType),
		TaskType:         req.TaskType,
		Payload:          req.Payload,
		Priority:         req.Priority,
		ApprovalRequired: req.ApprovalRequired,
		Delay:            time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusAccepted, task)
}

// GetTask returns the current task record.
// (GET /v1/tasks/:id)
func (s *Server) GetTask(c echo.Context) error {
	task, err := s.Orchestrator.GetTask(c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// approveRequest is the body for task approval.
type approveRequest struct {
	ApproverID string `json:"approver_id"`
}

// ApproveTask records an approval and dispatches the task.
// (POST /v1/tasks/:id/approve)
func (s *Server) ApproveTask(c echo.Context) error {
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.ApproverID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver_id is required")
	}

	task, err := s.Orchestrator.ApproveTask(c.Param("id"), req.ApproverID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// CancelTask cancels a pending or running task.
// (POST /v1/tasks/:id/cancel)
func (s *Server) CancelTask(c echo.Context) error {
	task, err := s.Orchestrator.CancelTask(c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// ListWorkflows returns all loaded workflow definitions.
// (GET /v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Library.List())
}

// triggerRequest is the body for triggering a workflow run.
type triggerRequest struct {
	TenantID    string         `json:"tenant_id"`
	UserID      string         `json:"user_id"`
	TriggerData map[string]any `json:"trigger_data"`
}

// TriggerWorkflow starts a run and returns it immediately; steps execute in
// the background.
// (POST /v1/workflows/:id/trigger)
func (s *Server) TriggerWorkflow(c echo.Context) error {
	var req triggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.TenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}

	run, err := s.Engine.Trigger(c.Param("id"), req.TenantID, req.UserID, req.TriggerData)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusAccepted, run)
}

// GetRun returns a run with its step outcome history.
// (GET /v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	run, err := s.Engine.GetRun(c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// PauseRun stops a run from advancing past its current step.
// (POST /v1/runs/:id/pause)
func (s *Server) PauseRun(c echo.Context) error {
	if err := s.Engine.Pause(c.Param("id")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ResumeRun restarts a paused run from its checkpoint.
// (POST /v1/runs/:id/resume)
func (s *Server) ResumeRun(c echo.Context) error {
	if err := s.Engine.Resume(c.Param("id")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// CancelRun cancels a run.
// (POST /v1/runs/:id/cancel)
func (s *Server) CancelRun(c echo.Context) error {
	if err := s.Engine.Cancel(c.Param("id")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// mapError translates engine errors to HTTP status codes.
func mapError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, workflow.ErrUnknownWorkflow):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrAlreadyApproved),
		errors.Is(err, store.ErrApprovalNotRequired),
		errors.Is(err, workflow.ErrRunTerminal),
		errors.Is(err, workflow.ErrRunNotPaused):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
