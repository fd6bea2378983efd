package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"hitl-pipeline/backend/pkg/models"
)

// Step names of the staged pipeline, in execution order.
const (
	StepDownload     = "download"
	StepProfile      = "profile"
	StepStage        = "stage"
	StepMap          = "map"
	StepHITL         = "hitl"
	StepCreateTables = "create_tables"
	StepTransform    = "transform"
	StepExecute      = "execute"
	StepValidate     = "validate"
	StepFeedback     = "feedback"
	StepCleanup      = "cleanup"
)

// DefaultStepNames is the fixed order every run executes.
var DefaultStepNames = []string{
	StepDownload,
	StepProfile,
	StepStage,
	StepMap,
	StepHITL,
	StepCreateTables,
	StepTransform,
	StepExecute,
	StepValidate,
	StepFeedback,
	StepCleanup,
}

var (
	// ErrAlreadyRunning is returned by Start when the run has an execution
	// context or has left the pending state.
	ErrAlreadyRunning = errors.New("run already started")
	// ErrShuttingDown is returned by Start once Shutdown has been called.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrUnknownStep is returned when a step name is not part of the run.
	ErrUnknownStep = errors.New("unknown step")
)

// StepError is a failure raised by or about a step executor.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Outcome is the kind of result a step produced.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeSuspend
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeSuspend:
		return "suspend"
	}
	return "unknown"
}

// Result is what an executor hands back to the orchestrator.
type Result struct {
	Outcome Outcome
	Payload any
	Message string
	Err     error
}

// Success completes the step with an optional payload.
func Success(payload any) Result {
	return Result{Outcome: OutcomeSuccess, Payload: payload}
}

// Failure fails the step and the run.
func Failure(err error) Result {
	if err == nil {
		err = errors.New("step failed")
	}
	return Result{Outcome: OutcomeFailure, Err: err}
}

// Suspend parks the run until a human resolves the pending candidates.
func Suspend() Result {
	return Result{Outcome: OutcomeSuspend}
}

// WithMessage sets the message recorded on the step.
func (r Result) WithMessage(msg string) Result {
	r.Message = msg
	return r
}

// RunContext is the state handed from step to step within one run.
type RunContext struct {
	RunID  string
	Source models.SourceDescriptor
	// Outputs holds the success payload of every completed step.
	Outputs map[string]any
	// Candidates is the latest persisted candidate list, filled after the
	// map step and reloaded when the run resumes from review.
	Candidates []models.MappingCandidate
}

// Output returns the payload the named step produced.
func (rc *RunContext) Output(step string) (any, bool) {
	v, ok := rc.Outputs[step]
	return v, ok
}

// Executor performs the work of one step.
type Executor interface {
	Execute(ctx context.Context, rc *RunContext) Result
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, rc *RunContext) Result

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, rc *RunContext) Result {
	return f(ctx, rc)
}

// Step binds an executor to a step name.
type Step struct {
	Name     string
	Executor Executor
}
