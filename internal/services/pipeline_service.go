package services

import (
	"context"
	"fmt"

	"hitl-pipeline/backend/internal/hitl"
	"hitl-pipeline/backend/internal/mapping"
	"hitl-pipeline/backend/internal/repository"
	"hitl-pipeline/backend/pkg/models"
)

// Runner creates and drives runs.
type Runner interface {
	CreateRun(ctx context.Context, source models.SourceDescriptor) (*models.Run, error)
	Start(ctx context.Context, runID string) error
	ReportStep(ctx context.Context, runID, step string, status models.StepStatus, message string) (models.Envelope, error)
}

// Approver applies reviewer decisions to a waiting run.
type Approver interface {
	Resolve(ctx context.Context, runID string, decisions []hitl.Decision, reviewer string) (hitl.Resolution, error)
}

// PipelineService is the control surface shared by the REST and MCP servers.
type PipelineService struct {
	store    repository.RunStore
	runner   Runner
	approver Approver
}

// NewPipelineService creates a new PipelineService.
func NewPipelineService(store repository.RunStore, runner Runner, approver Approver) *PipelineService {
	return &PipelineService{
		store:    store,
		runner:   runner,
		approver: approver,
	}
}

// StartRun creates a run and, unless deferStart is set, starts it.
func (s *PipelineService) StartRun(ctx context.Context, source models.SourceDescriptor, deferStart bool) (*models.Run, error) {
	if source.URI == "" {
		return nil, fmt.Errorf("%w: source uri is required", ErrInvalidInput)
	}
	run, err := s.runner.CreateRun(ctx, source)
	if err != nil {
		return nil, err
	}
	if deferStart {
		return run, nil
	}
	if err := s.runner.Start(ctx, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// StartExisting starts a run created with deferStart.
func (s *PipelineService) StartExisting(ctx context.Context, runID string) error {
	return s.runner.Start(ctx, runID)
}

// GetRun retrieves a run.
func (s *PipelineService) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRuns returns every run, newest first.
func (s *PipelineService) ListRuns(ctx context.Context) ([]*models.Run, error) {
	return s.store.ListRuns(ctx)
}

// ListMappings returns the run's candidates and their status breakdown.
func (s *PipelineService) ListMappings(ctx context.Context, runID string) ([]models.MappingCandidate, mapping.Counts, error) {
	candidates, err := s.store.ListMappingCandidates(ctx, runID)
	if err != nil {
		return nil, mapping.Counts{}, err
	}
	return candidates, mapping.Tally(candidates), nil
}

// SubmitApprovals applies a batch of reviewer decisions.
func (s *PipelineService) SubmitApprovals(ctx context.Context, runID string, decisions []hitl.Decision, reviewer string) (hitl.Resolution, error) {
	if len(decisions) == 0 {
		return hitl.Resolution{}, fmt.Errorf("%w: at least one decision is required", hitl.ErrInvalidApproval)
	}
	return s.approver.Resolve(ctx, runID, decisions, reviewer)
}

// ReportStep forwards step telemetry from collaborators.
func (s *PipelineService) ReportStep(ctx context.Context, runID, step string, status models.StepStatus, message string) (models.Envelope, error) {
	return s.runner.ReportStep(ctx, runID, step, status, message)
}
