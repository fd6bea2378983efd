package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"hitl-pipeline/backend/internal/auth"
	"hitl-pipeline/backend/internal/hitl"
	"hitl-pipeline/backend/internal/mapping"
	"hitl-pipeline/backend/pkg/models"
)

// AgentReviewer is recorded on decisions submitted by an unauthenticated agent.
const AgentReviewer = "mcp-agent"

// Pipeline is the control surface exposed as MCP tools.
type Pipeline interface {
	StartRun(ctx context.Context, source models.SourceDescriptor, deferStart bool) (*models.Run, error)
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListMappings(ctx context.Context, runID string) ([]models.MappingCandidate, mapping.Counts, error)
	SubmitApprovals(ctx context.Context, runID string, decisions []hitl.Decision, reviewer string) (hitl.Resolution, error)
}

type Server struct {
	mcpServer *server.MCPServer
	pipeline  Pipeline
}

func NewServer(pipeline Pipeline) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"HITL Pipeline",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		pipeline: pipeline,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_run",
			mcp.WithDescription("Create a pipeline run for a source data set"),
			mcp.WithString("uri", mcp.Required(), mcp.Description("Location of the source data")),
			mcp.WithString("dataset", mcp.Description("Logical name of the data set")),
			mcp.WithString("format", mcp.Description("Source format, for example csv or parquet")),
			mcp.WithBoolean("defer_start", mcp.Description("Create the run without starting it")),
		),
		s.handleStartRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_run",
			mcp.WithDescription("Get the status and step history of a run"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_mappings",
			mcp.WithDescription("List the mapping candidates of a run with their review status"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleListMappings,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"review_mapping",
			mcp.WithDescription("Approve or reject one mapping candidate of a run waiting for review"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The ID of the run")),
			mcp.WithString("mapping_id", mcp.Required(), mcp.Description("The ID of the mapping candidate")),
			mcp.WithString("status", mcp.Required(), mcp.Enum("approved", "rejected"), mcp.Description("The decision")),
		),
		s.handleReviewMapping,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"approve_pending",
			mcp.WithDescription("Approve every pending mapping candidate of a run waiting for review"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleApprovePending,
	)
}

func (s *Server) handleStartRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := request.RequireString("uri")
	if err != nil || uri == "" {
		return mcp.NewToolResultError("Missing required parameter: uri"), nil
	}

	source := models.SourceDescriptor{
		URI:     uri,
		Dataset: request.GetString("dataset", ""),
		Format:  request.GetString("format", ""),
	}
	run, err := s.pipeline.StartRun(ctx, source, request.GetBool("defer_start", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start run: %v", err)), nil
	}

	return jsonResult(run)
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil || runID == "" {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}

	run, err := s.pipeline.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}

	return jsonResult(run)
}

func (s *Server) handleListMappings(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil || runID == "" {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}

	candidates, counts, err := s.pipeline.ListMappings(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list mappings: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"run_id":   runID,
		"mappings": candidates,
		"counts":   counts,
	})
}

func (s *Server) handleReviewMapping(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil || runID == "" {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}
	mappingID, err := request.RequireString("mapping_id")
	if err != nil || mappingID == "" {
		return mcp.NewToolResultError("Missing required parameter: mapping_id"), nil
	}
	status, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: status"), nil
	}

	decision := hitl.Decision{MappingID: mappingID, Status: models.MappingStatus(status)}
	return s.submit(ctx, runID, []hitl.Decision{decision})
}

func (s *Server) handleApprovePending(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil || runID == "" {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}

	candidates, _, err := s.pipeline.ListMappings(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list mappings: %v", err)), nil
	}
	var decisions []hitl.Decision
	for _, c := range candidates {
		if c.Status == models.MappingStatusPending {
			decisions = append(decisions, hitl.Decision{MappingID: c.ID, Status: models.MappingStatusApproved})
		}
	}
	if len(decisions) == 0 {
		return mcp.NewToolResultError("No pending mappings to approve"), nil
	}
	return s.submit(ctx, runID, decisions)
}

func (s *Server) submit(ctx context.Context, runID string, decisions []hitl.Decision) (*mcp.CallToolResult, error) {
	reviewer := auth.Reviewer(ctx)
	if reviewer == "" {
		reviewer = AgentReviewer
	}

	res, err := s.pipeline.SubmitApprovals(ctx, runID, decisions, reviewer)
	switch {
	case errors.Is(err, hitl.ErrRunNotWaiting):
		return mcp.NewToolResultError(fmt.Sprintf("Run %s is not waiting for review", runID)), nil
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit review: %v", err)), nil
	}

	return jsonResult(res)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// principalContext carries the authenticated caller into tool handlers.
func principalContext(ctx context.Context, r *http.Request) context.Context {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return auth.WithPrincipal(ctx, p)
	}
	return ctx
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(principalContext),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", func(w http.ResponseWriter, r *http.Request) {
		// streams outlive the server write timeout
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
		sseServer.ServeHTTP(w, r)
	})
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
