// Package models defines the domain models for the pipeline orchestrator
package models

import (
	"errors"
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a pipeline run
type RunStatus string

const (
	RunStatusPending            RunStatus = "pending"
	RunStatusRunning            RunStatus = "running"
	RunStatusWaitingForApproval RunStatus = "waiting_for_approval"
	RunStatusCompleted          RunStatus = "completed"
	RunStatusFailed             RunStatus = "failed"
)

// IsTerminal reports whether no further state-machine transitions are valid.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepStatus represents the state of a single pipeline step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusError     StepStatus = "error"
)

var (
	// ErrTerminalRun is returned when a write would mutate a completed or failed run.
	ErrTerminalRun = errors.New("run is in a terminal state")
	// ErrInvalidTransition is returned for writes the run state machine does not allow.
	ErrInvalidTransition = errors.New("invalid run transition")
)

// SourceDescriptor identifies the input data set of a run. The core treats
// it as opaque and hands it to the step executors.
type SourceDescriptor struct {
	URI     string            `json:"uri"`
	Dataset string            `json:"dataset,omitempty"`
	Format  string            `json:"format,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// StepRecord is the persisted state of one named step
type StepRecord struct {
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Message   string     `json:"message,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Run represents one execution of the staged pipeline
type Run struct {
	ID          string           `json:"run_id" db:"id"`
	Status      RunStatus        `json:"status" db:"status"`
	CurrentStep string           `json:"current_step,omitempty" db:"current_step"`
	Progress    int              `json:"progress" db:"progress"`
	Steps       []StepRecord     `json:"steps" db:"steps"` // JSONB
	Error       string           `json:"error,omitempty" db:"error"`
	Version     int64            `json:"version" db:"version"`
	Source      SourceDescriptor `json:"source" db:"source"` // JSONB
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
}

// NewRun builds a pending run with every named step pending.
func NewRun(id string, source SourceDescriptor, stepNames []string) *Run {
	now := time.Now().UTC()
	steps := make([]StepRecord, len(stepNames))
	for i, name := range stepNames {
		steps[i] = StepRecord{Name: name, Status: StepStatusPending, UpdatedAt: now}
	}
	return &Run{
		ID:        id,
		Status:    RunStatusPending,
		Steps:     steps,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Step returns the record for the named step, or nil.
func (r *Run) Step(name string) *StepRecord {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// SetStep updates the named step's status and message.
func (r *Run) SetStep(name string, status StepStatus, message string) error {
	step := r.Step(name)
	if step == nil {
		return fmt.Errorf("unknown step %q", name)
	}
	step.Status = status
	step.Message = message
	step.UpdatedAt = time.Now().UTC()
	return nil
}

// CompletedSteps counts steps in the completed state.
func (r *Run) CompletedSteps() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == StepStatusCompleted {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Steps = append([]StepRecord(nil), r.Steps...)
	if r.Source.Options != nil {
		cp.Source.Options = make(map[string]string, len(r.Source.Options))
		for k, v := range r.Source.Options {
			cp.Source.Options[k] = v
		}
	}
	return &cp
}

var allowedTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:            {RunStatusRunning, RunStatusFailed},
	RunStatusRunning:            {RunStatusWaitingForApproval, RunStatusCompleted, RunStatusFailed},
	RunStatusWaitingForApproval: {RunStatusRunning, RunStatusFailed},
}

// CheckTransition validates that next is a legal successor of prev. Stores
// call it on every patch, so the terminal guard holds for every writer.
func CheckTransition(prev, next *Run) error {
	if next.ID != prev.ID {
		return fmt.Errorf("%w: run id is immutable", ErrInvalidTransition)
	}

	if prev.Status.IsTerminal() {
		if next.Status != prev.Status || next.Progress != prev.Progress {
			return fmt.Errorf("%w: %s run cannot change status or progress", ErrTerminalRun, prev.Status)
		}
		for _, step := range next.Steps {
			old := prev.Step(step.Name)
			if old == nil || old.Status == step.Status {
				continue
			}
			if step.Status == StepStatusRunning || step.Status == StepStatusPending {
				return fmt.Errorf("%w: step %s cannot return to %s", ErrTerminalRun, step.Name, step.Status)
			}
		}
		return nil
	}

	if next.Status != prev.Status && !transitionAllowed(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if next.Progress < prev.Progress {
		return fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, prev.Progress, next.Progress)
	}
	if next.Progress < 0 || next.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidTransition, next.Progress)
	}
	if next.Error != "" && next.Status != RunStatusFailed {
		return fmt.Errorf("%w: error set on %s run", ErrInvalidTransition, next.Status)
	}
	return nil
}

func transitionAllowed(from, to RunStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
