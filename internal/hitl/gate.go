// Package hitl suspends runs until every pending mapping candidate has a
// human decision.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hitl-pipeline/backend/internal/logging"
	"hitl-pipeline/backend/internal/mapping"
	"hitl-pipeline/backend/internal/repository"
	"hitl-pipeline/backend/pkg/models"
)

const stepName = "hitl"

var (
	// ErrRunNotWaiting is returned when decisions arrive for a run with no open gate.
	ErrRunNotWaiting = errors.New("run is not waiting for approval")
	// ErrInvalidApproval is returned when a decision references an unknown
	// mapping or carries a non-final status. Nothing is applied.
	ErrInvalidApproval = errors.New("invalid approval")
	// ErrApprovalTimeout is returned when nobody resolved the gate in time.
	ErrApprovalTimeout = errors.New("approval timed out")
)

// Publisher is the subset of the broadcast hub the gate needs.
type Publisher interface {
	Publish(runID string, ev models.Event) models.Envelope
}

// Decision is one reviewer verdict.
type Decision struct {
	MappingID string               `json:"mapping_id"`
	Status    models.MappingStatus `json:"status"`
}

// Resolution summarizes the candidate state after a batch of decisions.
type Resolution struct {
	Reviewed int  `json:"reviewed"`
	Pending  int  `json:"pending"`
	Resumed  bool `json:"resumed"`
}

type waiter struct {
	mu     sync.Mutex
	ch     chan struct{}
	closed bool
}

// Gate owns the per-run resume signals.
type Gate struct {
	store    repository.RunStore
	pub      Publisher
	onSubmit mapping.SubmitPolicy
	logger   *logging.Logger

	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewGate creates a new Gate.
func NewGate(store repository.RunStore, pub Publisher, onSubmit mapping.SubmitPolicy, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gate{
		store:    store,
		pub:      pub,
		onSubmit: onSubmit,
		logger:   logger,
		waiters:  map[string]*waiter{},
	}
}

// Open registers a resume signal for runID. It must be called before the
// run is persisted as waiting so that no approval can miss the gate.
func (g *Gate) Open(runID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.waiters[runID]; ok {
		return fmt.Errorf("gate already open for run %s", runID)
	}
	g.waiters[runID] = &waiter{ch: make(chan struct{})}
	return nil
}

// Close discards the gate for runID without firing it.
func (g *Gate) Close(runID string) {
	g.mu.Lock()
	w := g.waiters[runID]
	delete(g.waiters, runID)
	g.mu.Unlock()
	if w != nil {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
	}
}

// IsOpen reports whether runID has an unresolved gate.
func (g *Gate) IsOpen(runID string) bool {
	g.mu.Lock()
	w := g.waiters[runID]
	g.mu.Unlock()
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed
}

// AwaitResolution blocks until the gate fires, ctx ends, or timeout (when
// positive) elapses. The gate is removed on return.
func (g *Gate) AwaitResolution(ctx context.Context, runID string, timeout time.Duration) error {
	g.mu.Lock()
	w := g.waiters[runID]
	g.mu.Unlock()
	if w == nil {
		return fmt.Errorf("%w: %s", ErrRunNotWaiting, runID)
	}
	defer g.Close(runID)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		if w.markClosed() {
			return ctx.Err()
		}
		return nil
	case <-expired:
		if w.markClosed() {
			return fmt.Errorf("%w after %s", ErrApprovalTimeout, timeout)
		}
		// resolved at the same instant
		return nil
	}
}

// markClosed stops further approvals. It returns false when the gate fired
// first.
func (w *waiter) markClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ch:
		return false
	default:
	}
	w.closed = true
	return true
}

// Resolve applies reviewer decisions and fires the gate once no candidate
// is pending.
func (g *Gate) Resolve(ctx context.Context, runID string, decisions []Decision, reviewer string) (Resolution, error) {
	if _, err := g.store.GetRun(ctx, runID); err != nil {
		return Resolution{}, err
	}

	g.mu.Lock()
	w := g.waiters[runID]
	g.mu.Unlock()
	if w == nil {
		return Resolution{}, fmt.Errorf("%w: %s", ErrRunNotWaiting, runID)
	}

	// serializes approvals for the run so progress events precede the resume
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Resolution{}, fmt.Errorf("%w: %s", ErrRunNotWaiting, runID)
	}

	candidates, err := g.store.ListMappingCandidates(ctx, runID)
	if err != nil {
		return Resolution{}, err
	}
	if err := validate(candidates, decisions); err != nil {
		return Resolution{}, err
	}

	for _, d := range decisions {
		if err := g.store.UpdateMappingStatus(ctx, runID, d.MappingID, d.Status, reviewer); err != nil {
			return Resolution{}, fmt.Errorf("apply decision for %s: %w", d.MappingID, err)
		}
	}
	if status, ok := g.onSubmit.Resolution(); ok {
		decided := make(map[string]bool, len(decisions))
		for _, d := range decisions {
			decided[d.MappingID] = true
		}
		for _, c := range candidates {
			if c.Status == models.MappingStatusPending && !decided[c.ID] {
				if err := g.store.UpdateMappingStatus(ctx, runID, c.ID, status, reviewer); err != nil {
					return Resolution{}, fmt.Errorf("apply submit policy to %s: %w", c.ID, err)
				}
			}
		}
	}

	pending, err := g.store.GetPendingMappingCount(ctx, runID)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{Reviewed: len(candidates) - pending, Pending: pending}

	g.pub.Publish(runID, models.HITLProgress{
		Step:    stepName,
		Message: fmt.Sprintf("%d mapping(s) reviewed, %d remaining", res.Reviewed, res.Pending),
		Data:    models.ReviewProgress{Reviewed: res.Reviewed, Pending: res.Pending},
	})
	g.logger.Info("approvals applied", "run_id", runID, "decisions", len(decisions),
		"reviewed", res.Reviewed, "pending", res.Pending, "reviewer", reviewer)

	if pending == 0 {
		w.closed = true
		close(w.ch)
		res.Resumed = true
		g.logger.Info("all mappings reviewed, resuming run", "run_id", runID)
	}
	return res, nil
}

func validate(candidates []models.MappingCandidate, decisions []Decision) error {
	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.ID] = true
	}
	for _, d := range decisions {
		if !known[d.MappingID] {
			return fmt.Errorf("%w: mapping %q does not belong to the run", ErrInvalidApproval, d.MappingID)
		}
		if !d.Status.IsDecision() {
			return fmt.Errorf("%w: status %q for mapping %q", ErrInvalidApproval, d.Status, d.MappingID)
		}
	}
	return nil
}
