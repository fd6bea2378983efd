// Package steps provides the executors bound to the pipeline's step names.
package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"hitl-pipeline/backend/internal/orchestrator"
	"hitl-pipeline/backend/internal/services"
	"hitl-pipeline/backend/pkg/models"
)

// Noop completes immediately. The feedback step uses it.
var Noop = orchestrator.ExecutorFunc(func(context.Context, *orchestrator.RunContext) orchestrator.Result {
	return orchestrator.Success(nil)
})

// Review suspends the run while any candidate is still pending.
var Review = orchestrator.ExecutorFunc(func(_ context.Context, rc *orchestrator.RunContext) orchestrator.Result {
	for _, c := range rc.Candidates {
		if c.Status == models.MappingStatusPending {
			return orchestrator.Suspend()
		}
	}
	return orchestrator.Success(nil).WithMessage("No mappings need review")
})

// MapExecutor asks the similarity service for raw column matches.
type MapExecutor struct {
	client services.SimilarityClient
}

// NewMapExecutor creates a new MapExecutor. A nil client yields no matches.
func NewMapExecutor(client services.SimilarityClient) *MapExecutor {
	return &MapExecutor{client: client}
}

// Execute implements orchestrator.Executor.
func (e *MapExecutor) Execute(ctx context.Context, rc *orchestrator.RunContext) orchestrator.Result {
	if e.client == nil {
		return orchestrator.Success(nil).WithMessage("No similarity service configured")
	}
	profile, _ := rc.Output(orchestrator.StepProfile)
	matches, err := e.client.Match(ctx, services.MatchRequest{
		RunID:   rc.RunID,
		Source:  rc.Source,
		Profile: profile,
	})
	if err != nil {
		return orchestrator.Failure(fmt.Errorf("similarity lookup: %w", err))
	}
	return orchestrator.Success(matches)
}

// HTTPExecutor delegates one step to the collaborator service at
// {baseURL}/steps/{name}. With no base URL it completes without doing work.
type HTTPExecutor struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPExecutor creates a new HTTPExecutor.
func NewHTTPExecutor(name, baseURL string, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExecutor{name: name, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type stepRequest struct {
	RunID   string                  `json:"run_id"`
	Step    string                  `json:"step"`
	Source  models.SourceDescriptor `json:"source"`
	Outputs map[string]any          `json:"outputs,omitempty"`
}

type stepResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Execute implements orchestrator.Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, rc *orchestrator.RunContext) orchestrator.Result {
	if e.baseURL == "" {
		return orchestrator.Success(nil)
	}

	body, err := json.Marshal(stepRequest{RunID: rc.RunID, Step: e.name, Source: rc.Source, Outputs: rc.Outputs})
	if err != nil {
		return orchestrator.Failure(fmt.Errorf("failed to marshal request body: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/steps/"+e.name, bytes.NewReader(body))
	if err != nil {
		return orchestrator.Failure(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return orchestrator.Failure(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return orchestrator.Failure(fmt.Errorf("%s: status code %d: %s", e.name, resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var out stepResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return orchestrator.Failure(fmt.Errorf("failed to decode response body: %w", err))
	}
	if strings.EqualFold(out.Status, "failure") || strings.EqualFold(out.Status, "error") {
		msg := out.Error
		if msg == "" {
			msg = out.Message
		}
		return orchestrator.Failure(errors.New(msg))
	}

	var payload any
	if len(out.Payload) > 0 {
		if err := json.Unmarshal(out.Payload, &payload); err != nil {
			return orchestrator.Failure(fmt.Errorf("failed to decode payload: %w", err))
		}
	}
	return orchestrator.Success(payload).WithMessage(out.Message)
}

// Options selects the collaborators behind the default executors.
type Options struct {
	CollaboratorURL string
	Client          *http.Client
	Similarity      services.SimilarityClient
}

// Default binds an executor to every step of the fixed pipeline.
func Default(opts Options) []orchestrator.Step {
	out := make([]orchestrator.Step, 0, len(orchestrator.DefaultStepNames))
	for _, name := range orchestrator.DefaultStepNames {
		var exec orchestrator.Executor
		switch name {
		case orchestrator.StepMap:
			exec = NewMapExecutor(opts.Similarity)
		case orchestrator.StepHITL:
			exec = Review
		case orchestrator.StepFeedback:
			exec = Noop
		default:
			exec = NewHTTPExecutor(name, opts.CollaboratorURL, opts.Client)
		}
		out = append(out, orchestrator.Step{Name: name, Executor: exec})
	}
	return out
}
