package repository

import (
	"context"
	"errors"

	"hitl-pipeline/backend/pkg/models"
)

var (
	// ErrRunNotFound is returned when an operation references an unknown run.
	ErrRunNotFound = errors.New("run not found")
	// ErrVersionConflict is returned when the caller's expected version is stale.
	ErrVersionConflict = errors.New("run version conflict")
	// ErrMappingNotFound is returned when a mapping id does not belong to the run.
	ErrMappingNotFound = errors.New("mapping candidate not found")
	// ErrInvalidMappingStatus is returned when a decision is not approved or rejected.
	ErrInvalidMappingStatus = errors.New("invalid mapping status")
	// ErrRunExists is returned when creating a run whose id is taken.
	ErrRunExists = errors.New("run already exists")
)

// MutateFunc changes a run in place. Returning an error aborts the patch.
type MutateFunc func(run *models.Run) error

// RunStore is the durable source of truth for runs and mapping candidates.
type RunStore interface {
	// CreateRun persists a new run at version 1.
	CreateRun(ctx context.Context, run *models.Run) error
	// GetRun returns a copy of the run.
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]*models.Run, error)
	// PatchRun applies mutate if the stored version equals expectedVersion,
	// validates the transition and bumps the version.
	PatchRun(ctx context.Context, runID string, expectedVersion int64, mutate MutateFunc) (*models.Run, error)

	// PutMappingCandidates upserts a batch of candidates for the run.
	PutMappingCandidates(ctx context.Context, runID string, candidates []models.MappingCandidate) error
	// ListMappingCandidates returns the run's candidates in insertion order.
	ListMappingCandidates(ctx context.Context, runID string) ([]models.MappingCandidate, error)
	// GetPendingMappingCount counts candidates still awaiting a decision.
	GetPendingMappingCount(ctx context.Context, runID string) (int, error)
	// UpdateMappingStatus records a decision. Identical decisions are no-ops.
	UpdateMappingStatus(ctx context.Context, runID, mappingID string, status models.MappingStatus, reviewer string) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// UpdateRun runs a read-modify-write against the store, re-reading and
// retrying up to attempts times when another writer wins the race.
func UpdateRun(ctx context.Context, store RunStore, runID string, attempts int, mutate MutateFunc) (*models.Run, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		updated, err := store.PatchRun(ctx, runID, run.Version, mutate)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
