// Package api contains the HTTP handlers for the pipeline control surface
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"hitl-pipeline/backend/internal/auth"
	"hitl-pipeline/backend/internal/broadcast"
	"hitl-pipeline/backend/internal/hitl"
	"hitl-pipeline/backend/internal/logging"
	"hitl-pipeline/backend/internal/mapping"
	"hitl-pipeline/backend/internal/orchestrator"
	"hitl-pipeline/backend/internal/repository"
	"hitl-pipeline/backend/internal/services"
	"hitl-pipeline/backend/pkg/models"
)

// Pipeline is the service the handlers delegate to.
type Pipeline interface {
	StartRun(ctx context.Context, source models.SourceDescriptor, deferStart bool) (*models.Run, error)
	StartExisting(ctx context.Context, runID string) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListRuns(ctx context.Context) ([]*models.Run, error)
	ListMappings(ctx context.Context, runID string) ([]models.MappingCandidate, mapping.Counts, error)
	SubmitApprovals(ctx context.Context, runID string, decisions []hitl.Decision, reviewer string) (hitl.Resolution, error)
	ReportStep(ctx context.Context, runID, step string, status models.StepStatus, message string) (models.Envelope, error)
}

// StreamOptions tunes the WebSocket event stream.
type StreamOptions struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Server holds the dependencies for the API server.
type Server struct {
	svc      Pipeline
	hub      *broadcast.Hub
	logger   *logging.Logger
	stream   StreamOptions
	upgrader websocket.Upgrader
}

// NewServer creates a new Server.
func NewServer(svc Pipeline, hub *broadcast.Hub, stream StreamOptions, logger *logging.Logger) *Server {
	if stream.PingInterval <= 0 {
		stream.PingInterval = 15 * time.Second
	}
	if stream.WriteTimeout <= 0 {
		stream.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		svc:    svc,
		hub:    hub,
		logger: logger,
		stream: stream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the event stream sits behind the same auth middleware as the REST routes
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	Source     models.SourceDescriptor `json:"source"`
	DeferStart bool                    `json:"defer_start,omitempty"`
}

// RunAccepted is returned when a run is created or started.
type RunAccepted struct {
	RunID  string           `json:"run_id"`
	Status models.RunStatus `json:"status"`
}

// MappingList is the body of GET /runs/{runId}/mappings.
type MappingList struct {
	RunID    string                    `json:"run_id"`
	Mappings []models.MappingCandidate `json:"mappings"`
	Counts   mapping.Counts            `json:"counts"`
}

// ApprovalRequest is the body of POST /runs/{runId}/approvals.
type ApprovalRequest struct {
	Decisions []hitl.Decision `json:"decisions"`
}

// StepReport is the body of POST /runs/{runId}/steps/{step}.
type StepReport struct {
	Status  models.StepStatus `json:"status"`
	Message string            `json:"message,omitempty"`
}

// ListRuns returns all runs
// (GET /api/v1/runs)
func (s *Server) ListRuns(c echo.Context) error {
	runs, err := s.svc.ListRuns(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, runs)
}

// CreateRun creates a run and starts it unless defer_start is set
// (POST /api/v1/runs)
func (s *Server) CreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	run, err := s.svc.StartRun(c.Request().Context(), req.Source, req.DeferStart)
	if err != nil {
		return httpError(err)
	}
	status := models.RunStatusRunning
	if req.DeferStart {
		status = models.RunStatusPending
	}
	return c.JSON(http.StatusAccepted, RunAccepted{RunID: run.ID, Status: status})
}

// GetRun returns one run
// (GET /api/v1/runs/{runId})
func (s *Server) GetRun(c echo.Context, runId openapi_types.UUID) error {
	run, err := s.svc.GetRun(c.Request().Context(), runId.String())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// StartRun starts a run created with defer_start
// (POST /api/v1/runs/{runId}/start)
func (s *Server) StartRun(c echo.Context, runId openapi_types.UUID) error {
	if err := s.svc.StartExisting(c.Request().Context(), runId.String()); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, RunAccepted{RunID: runId.String(), Status: models.RunStatusRunning})
}

// ListMappings returns the run's candidates with a status breakdown
// (GET /api/v1/runs/{runId}/mappings)
func (s *Server) ListMappings(c echo.Context, runId openapi_types.UUID) error {
	list, counts, err := s.svc.ListMappings(c.Request().Context(), runId.String())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, MappingList{RunID: runId.String(), Mappings: list, Counts: counts})
}

// SubmitApprovals applies reviewer decisions
// (POST /api/v1/runs/{runId}/approvals)
func (s *Server) SubmitApprovals(c echo.Context, runId openapi_types.UUID) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	ctx := c.Request().Context()
	res, err := s.svc.SubmitApprovals(ctx, runId.String(), req.Decisions, auth.Reviewer(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// ReportStep records step telemetry from a collaborator
// (POST /api/v1/runs/{runId}/steps/{step})
func (s *Server) ReportStep(c echo.Context, runId openapi_types.UUID, step string) error {
	var req StepReport
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	switch req.Status {
	case models.StepStatusPending, models.StepStatusRunning, models.StepStatusCompleted, models.StepStatusError:
	default:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "unknown step status "+string(req.Status))
	}

	env, err := s.svc.ReportStep(c.Request().Context(), runId.String(), step, req.Status, req.Message)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, env)
}

// httpError maps domain errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, repository.ErrRunNotFound), errors.Is(err, repository.ErrMappingNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error()).SetInternal(err)
	case errors.Is(err, orchestrator.ErrAlreadyRunning), errors.Is(err, hitl.ErrRunNotWaiting),
		errors.Is(err, models.ErrTerminalRun):
		return echo.NewHTTPError(http.StatusConflict, err.Error()).SetInternal(err)
	case errors.Is(err, hitl.ErrInvalidApproval), errors.Is(err, orchestrator.ErrUnknownStep):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error()).SetInternal(err)
	case errors.Is(err, services.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error()).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
}
