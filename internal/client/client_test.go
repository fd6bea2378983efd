package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hitl-pipeline/backend/internal/api"
	"hitl-pipeline/backend/internal/broadcast"
	"hitl-pipeline/backend/internal/hitl"
	"hitl-pipeline/backend/internal/mapping"
	"hitl-pipeline/backend/internal/orchestrator"
	"hitl-pipeline/backend/internal/repository"
	"hitl-pipeline/backend/internal/services"
	"hitl-pipeline/backend/internal/steps"
	"hitl-pipeline/backend/pkg/models"
)

type staticSimilarity []mapping.RawMatch

func (s staticSimilarity) Match(context.Context, services.MatchRequest) ([]mapping.RawMatch, error) {
	return s, nil
}

func newTestServer(t *testing.T, matches ...mapping.RawMatch) (*Client, *broadcast.Hub) {
	t.Helper()
	store := repository.NewMemoryRunStore()
	hub := broadcast.NewHub(broadcast.Options{BufferSize: 256}, nil)
	gate := hitl.NewGate(store, hub, mapping.SubmitKeep, nil)
	orch, err := orchestrator.New(store, hub, gate, steps.Default(steps.Options{Similarity: staticSimilarity(matches)}),
		orchestrator.Config{Policy: mapping.Policy{ApprovalThreshold: 0.9}}, nil)
	require.NoError(t, err)

	e := echo.New()
	e.HTTPErrorHandler = api.ProblemErrorHandler(nil)
	svc := services.NewPipelineService(store, orch, gate)
	api.RegisterHandlers(e.Group("/api/v1"), api.NewServer(svc, hub, api.StreamOptions{}, nil))

	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
		srv.Close()
	})
	return New(srv.URL, WithToken("test-token")), hub
}

var source = models.SourceDescriptor{URI: "file:///data/loans.csv", Format: "csv"}

func TestWatch_FollowsRunToCompletion(t *testing.T) {
	c, hub := newTestServer(t, mapping.RawMatch{SourceColumn: "loan_amt", TargetColumn: "principal_amount", Score: 0.98})
	ctx := context.Background()

	accepted, err := c.CreateRun(ctx, source, true)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, accepted.Status)

	var types []models.EventType
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, accepted.RunID, func(env models.Envelope) error {
			types = append(types, env.Type)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return hub.SubscriberCount(accepted.RunID) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.StartRun(ctx, accepted.RunID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after completion")
	}
	require.NotEmpty(t, types)
	assert.Equal(t, models.EventWorkflowComplete, types[len(types)-1])

	run, err := c.GetRun(ctx, accepted.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}

func TestSubmitApprovals_ResumesRun(t *testing.T) {
	c, _ := newTestServer(t, mapping.RawMatch{SourceColumn: "brwr_nm", TargetColumn: "legal_name", Score: 0.4})
	ctx := context.Background()

	accepted, err := c.CreateRun(ctx, source, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := c.GetRun(ctx, accepted.RunID)
		return err == nil && run.Status == models.RunStatusWaitingForApproval
	}, 5*time.Second, 10*time.Millisecond)

	list, err := c.ListMappings(ctx, accepted.RunID)
	require.NoError(t, err)
	require.Len(t, list.Mappings, 1)
	assert.Equal(t, 1, list.Counts.Pending)

	res, err := c.SubmitApprovals(ctx, accepted.RunID, []hitl.Decision{{MappingID: list.Mappings[0].ID, Status: models.MappingStatusApproved}})
	require.NoError(t, err)
	assert.True(t, res.Resumed)

	require.Eventually(t, func() bool {
		run, err := c.GetRun(ctx, accepted.RunID)
		return err == nil && run.Status == models.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	runs, err := c.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestAPIError_DecodesProblem(t *testing.T) {
	c, _ := newTestServer(t)
	_, err := c.GetRun(context.Background(), "0b8e1d7e-7c55-4bd4-8f0e-51a5b1f7a0c2")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, http.StatusNotFound, apiErr.Problem.Status)
	assert.Contains(t, apiErr.Error(), "404")
}

func TestWatch_UnknownRun(t *testing.T) {
	c, _ := newTestServer(t)
	err := c.Watch(context.Background(), "0b8e1d7e-7c55-4bd4-8f0e-51a5b1f7a0c2", func(models.Envelope) error { return nil })

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestWatch_StopsOnHandlerSignal(t *testing.T) {
	c, hub := newTestServer(t)
	ctx := context.Background()
	accepted, err := c.CreateRun(ctx, source, true)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, accepted.RunID, func(models.Envelope) error { return ErrStopWatching })
	}()
	require.Eventually(t, func() bool { return hub.SubscriberCount(accepted.RunID) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.StartRun(ctx, accepted.RunID))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestStreamURL(t *testing.T) {
	u, err := New("https://pipeline.example/").streamURL("r1")
	require.NoError(t, err)
	assert.Equal(t, "wss://pipeline.example/api/v1/runs/r1/events", u)
}
