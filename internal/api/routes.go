package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"
)

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// List runs
	// (GET /runs)
	ListRuns(ctx echo.Context) error
	// Create a run
	// (POST /runs)
	CreateRun(ctx echo.Context) error
	// Get a run
	// (GET /runs/{runId})
	GetRun(ctx echo.Context, runId openapi_types.UUID) error
	// Start a deferred run
	// (POST /runs/{runId}/start)
	StartRun(ctx echo.Context, runId openapi_types.UUID) error
	// List mapping candidates
	// (GET /runs/{runId}/mappings)
	ListMappings(ctx echo.Context, runId openapi_types.UUID) error
	// Submit reviewer decisions
	// (POST /runs/{runId}/approvals)
	SubmitApprovals(ctx echo.Context, runId openapi_types.UUID) error
	// Report step telemetry
	// (POST /runs/{runId}/steps/{step})
	ReportStep(ctx echo.Context, runId openapi_types.UUID, step string) error
	// Stream run events over WebSocket
	// (GET /runs/{runId}/events)
	StreamEvents(ctx echo.Context, runId openapi_types.UUID) error
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

// ListRuns converts echo context to params.
func (w *ServerInterfaceWrapper) ListRuns(ctx echo.Context) error {
	return w.Handler.ListRuns(ctx)
}

// CreateRun converts echo context to params.
func (w *ServerInterfaceWrapper) CreateRun(ctx echo.Context) error {
	return w.Handler.CreateRun(ctx)
}

// GetRun converts echo context to params.
func (w *ServerInterfaceWrapper) GetRun(ctx echo.Context) error {
	runId, err := bindRunID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.GetRun(ctx, runId)
}

// StartRun converts echo context to params.
func (w *ServerInterfaceWrapper) StartRun(ctx echo.Context) error {
	runId, err := bindRunID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.StartRun(ctx, runId)
}

// ListMappings converts echo context to params.
func (w *ServerInterfaceWrapper) ListMappings(ctx echo.Context) error {
	runId, err := bindRunID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.ListMappings(ctx, runId)
}

// SubmitApprovals converts echo context to params.
func (w *ServerInterfaceWrapper) SubmitApprovals(ctx echo.Context) error {
	runId, err := bindRunID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.SubmitApprovals(ctx, runId)
}

// ReportStep converts echo context to params.
func (w *ServerInterfaceWrapper) ReportStep(ctx echo.Context) error {
	runId, err := bindRunID(ctx)
	if err != nil {
		return err
	}

	var step string
	err = runtime.BindStyledParameterWithOptions("simple", "step", ctx.Param("step"), &step, runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter step: %s", err))
	}
	return w.Handler.ReportStep(ctx, runId, step)
}

// StreamEvents converts echo context to params.
func (w *ServerInterfaceWrapper) StreamEvents(ctx echo.Context) error {
	runId, err := bindRunID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.StreamEvents(ctx, runId)
}

func bindRunID(ctx echo.Context) (openapi_types.UUID, error) {
	var runId openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", "runId", ctx.Param("runId"), &runId, runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return runId, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter runId: %s", err))
	}
	return runId, nil
}

// EchoRouter is the subset of echo.Echo and echo.Group the routes need.
type EchoRouter interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the EchoRouter.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	RegisterHandlersWithBaseURL(router, si, "")
}

// RegisterHandlersWithBaseURL registers handlers, and prepends BaseURL to
// the paths, so that the paths can be served under a prefix.
func RegisterHandlersWithBaseURL(router EchoRouter, si ServerInterface, baseURL string) {
	wrapper := ServerInterfaceWrapper{
		Handler: si,
	}

	router.GET(baseURL+"/runs", wrapper.ListRuns)
	router.POST(baseURL+"/runs", wrapper.CreateRun)
	router.GET(baseURL+"/runs/:runId", wrapper.GetRun)
	router.POST(baseURL+"/runs/:runId/start", wrapper.StartRun)
	router.GET(baseURL+"/runs/:runId/mappings", wrapper.ListMappings)
	router.POST(baseURL+"/runs/:runId/approvals", wrapper.SubmitApprovals)
	router.POST(baseURL+"/runs/:runId/steps/:step", wrapper.ReportStep)
	router.GET(baseURL+"/runs/:runId/events", wrapper.StreamEvents)
}
