package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"hitl-pipeline/backend/internal/auth"
	"hitl-pipeline/backend/internal/hitl"
	"hitl-pipeline/backend/internal/mapping"
	"hitl-pipeline/backend/pkg/models"
)

type MockPipeline struct {
	mock.Mock
}

func (m *MockPipeline) StartRun(ctx context.Context, source models.SourceDescriptor, deferStart bool) (*models.Run, error) {
	args := m.Called(ctx, source, deferStart)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockPipeline) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockPipeline) ListMappings(ctx context.Context, runID string) ([]models.MappingCandidate, mapping.Counts, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).([]models.MappingCandidate), args.Get(1).(mapping.Counts), args.Error(2)
}

func (m *MockPipeline) SubmitApprovals(ctx context.Context, runID string, decisions []hitl.Decision, reviewer string) (hitl.Resolution, error) {
	args := m.Called(ctx, runID, decisions, reviewer)
	return args.Get(0).(hitl.Resolution), args.Error(1)
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestHandleStartRun(t *testing.T) {
	pipeline := new(MockPipeline)
	source := models.SourceDescriptor{URI: "s3://lending/loans.parquet", Format: "parquet"}
	pipeline.On("StartRun", mock.Anything, source, true).
		Return(&models.Run{ID: "run-1", Status: models.RunStatusPending, Source: source}, nil)

	s := NewServer(pipeline)
	res, err := s.handleStartRun(context.Background(), call("start_run", map[string]any{
		"uri":         "s3://lending/loans.parquet",
		"format":      "parquet",
		"defer_start": true,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var run models.Run
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &run))
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, models.RunStatusPending, run.Status)
	pipeline.AssertExpectations(t)
}

func TestHandleStartRun_MissingURI(t *testing.T) {
	pipeline := new(MockPipeline)
	s := NewServer(pipeline)

	res, err := s.handleStartRun(context.Background(), call("start_run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "uri")
	pipeline.AssertNotCalled(t, "StartRun", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleGetRun_NotFound(t *testing.T) {
	pipeline := new(MockPipeline)
	pipeline.On("GetRun", mock.Anything, "nope").Return(nil, fmt.Errorf("run not found"))

	s := NewServer(pipeline)
	res, err := s.handleGetRun(context.Background(), call("get_run", map[string]any{"run_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "run not found")
}

func TestHandleListMappings(t *testing.T) {
	pipeline := new(MockPipeline)
	candidates := []models.MappingCandidate{
		{ID: "m-1", RunID: "run-1", SourceColumn: "loan_amt", TargetColumn: "principal_amount", Confidence: 0.97, Status: models.MappingStatusApproved},
		{ID: "m-2", RunID: "run-1", SourceColumn: "brwr_nm", TargetColumn: "legal_name", Confidence: 0.41, Status: models.MappingStatusPending},
	}
	pipeline.On("ListMappings", mock.Anything, "run-1").Return(candidates, mapping.Counts{Approved: 1, Pending: 1}, nil)

	s := NewServer(pipeline)
	res, err := s.handleListMappings(context.Background(), call("list_mappings", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var out struct {
		Mappings []models.MappingCandidate `json:"mappings"`
		Counts   mapping.Counts            `json:"counts"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Len(t, out.Mappings, 2)
	assert.Equal(t, 1, out.Counts.Pending)
}

func TestHandleReviewMapping_UsesPrincipal(t *testing.T) {
	pipeline := new(MockPipeline)
	decisions := []hitl.Decision{{MappingID: "m-2", Status: models.MappingStatusRejected}}
	pipeline.On("SubmitApprovals", mock.Anything, "run-1", decisions, "ana@lending.example").
		Return(hitl.Resolution{Reviewed: 2, Pending: 0, Resumed: true}, nil)

	s := NewServer(pipeline)
	ctx := auth.WithPrincipal(context.Background(), auth.Principal{Subject: "u1", Email: "ana@lending.example"})
	res, err := s.handleReviewMapping(ctx, call("review_mapping", map[string]any{
		"run_id":     "run-1",
		"mapping_id": "m-2",
		"status":     "rejected",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var out hitl.Resolution
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.True(t, out.Resumed)
	pipeline.AssertExpectations(t)
}

func TestHandleReviewMapping_NotWaiting(t *testing.T) {
	pipeline := new(MockPipeline)
	pipeline.On("SubmitApprovals", mock.Anything, "run-1", mock.Anything, AgentReviewer).
		Return(hitl.Resolution{}, fmt.Errorf("%w: run-1", hitl.ErrRunNotWaiting))

	s := NewServer(pipeline)
	res, err := s.handleReviewMapping(context.Background(), call("review_mapping", map[string]any{
		"run_id":     "run-1",
		"mapping_id": "m-2",
		"status":     "approved",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not waiting for review")
}

func TestHandleApprovePending(t *testing.T) {
	pipeline := new(MockPipeline)
	candidates := []models.MappingCandidate{
		{ID: "m-1", Status: models.MappingStatusApproved},
		{ID: "m-2", Status: models.MappingStatusPending},
		{ID: "m-3", Status: models.MappingStatusPending},
	}
	pipeline.On("ListMappings", mock.Anything, "run-1").Return(candidates, mapping.Counts{Approved: 1, Pending: 2}, nil)
	pipeline.On("SubmitApprovals", mock.Anything, "run-1", []hitl.Decision{
		{MappingID: "m-2", Status: models.MappingStatusApproved},
		{MappingID: "m-3", Status: models.MappingStatusApproved},
	}, AgentReviewer).Return(hitl.Resolution{Reviewed: 3, Resumed: true}, nil)

	s := NewServer(pipeline)
	res, err := s.handleApprovePending(context.Background(), call("approve_pending", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	pipeline.AssertExpectations(t)
}

func TestNewServer_ListsTools(t *testing.T) {
	s := NewServer(new(MockPipeline))
	ctx := context.Background()

	s.GetMCPServer().HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`))
	resp := s.GetMCPServer().HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	var out struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))

	var names []string
	for _, tool := range out.Result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"start_run", "get_run", "list_mappings", "review_mapping", "approve_pending"}, names)
}
