package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"hitl-pipeline/backend/pkg/models"
)

// MemoryRunStore is an in-process implementation of the RunStore interface.
type MemoryRunStore struct {
	mu       sync.RWMutex
	runs     map[string]*models.Run
	mappings map[string][]models.MappingCandidate
}

// NewMemoryRunStore creates a new MemoryRunStore.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:     map[string]*models.Run{},
		mappings: map[string][]models.MappingCandidate{},
	}
}

// CreateRun persists a new run.
func (s *MemoryRunStore) CreateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}
	run.Version = 1
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun retrieves a run by its ID.
func (s *MemoryRunStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run.Clone(), nil
}

// ListRuns returns every run, newest first.
func (s *MemoryRunStore) ListRuns(ctx context.Context) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// PatchRun applies an optimistic-concurrency update.
func (s *MemoryRunStore) PatchRun(ctx context.Context, runID string, expectedVersion int64, mutate MutateFunc) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s expected %d, have %d", ErrVersionConflict, runID, expectedVersion, current.Version)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := models.CheckTransition(current, next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	s.runs[runID] = next
	return next.Clone(), nil
}

// PutMappingCandidates upserts candidates by mapping id.
func (s *MemoryRunStore) PutMappingCandidates(ctx context.Context, runID string, candidates []models.MappingCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	existing := s.mappings[runID]
	index := make(map[string]int, len(existing))
	for i, m := range existing {
		index[m.ID] = i
	}
	now := time.Now().UTC()
	for _, c := range candidates {
		c.RunID = runID
		c.UpdatedAt = now
		if i, ok := index[c.ID]; ok {
			c.Version = existing[i].Version + 1
			existing[i] = c
			continue
		}
		c.Version = 1
		index[c.ID] = len(existing)
		existing = append(existing, c)
	}
	s.mappings[runID] = existing
	return nil
}

// ListMappingCandidates returns the run's candidates.
func (s *MemoryRunStore) ListMappingCandidates(ctx context.Context, runID string) ([]models.MappingCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return append([]models.MappingCandidate(nil), s.mappings[runID]...), nil
}

// GetPendingMappingCount counts undecided candidates.
func (s *MemoryRunStore) GetPendingMappingCount(ctx context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	n := 0
	for _, m := range s.mappings[runID] {
		if m.Status == models.MappingStatusPending {
			n++
		}
	}
	return n, nil
}

// UpdateMappingStatus records a decision on one candidate.
func (s *MemoryRunStore) UpdateMappingStatus(ctx context.Context, runID, mappingID string, status models.MappingStatus, reviewer string) error {
	if !status.IsDecision() {
		return fmt.Errorf("%w: %q", ErrInvalidMappingStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	list := s.mappings[runID]
	for i := range list {
		if list[i].ID != mappingID {
			continue
		}
		if list[i].Status == status && list[i].ReviewedBy == reviewer {
			return nil
		}
		list[i].Status = status
		list[i].ReviewedBy = reviewer
		list[i].Version++
		list[i].UpdatedAt = time.Now().UTC()
		return nil
	}
	return fmt.Errorf("%w: %s/%s", ErrMappingNotFound, runID, mappingID)
}

// Ping always succeeds.
func (s *MemoryRunStore) Ping(ctx context.Context) error {
	return nil
}
