// Package orchestrator drives runs through the staged pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"hitl-pipeline/backend/internal/hitl"
	"hitl-pipeline/backend/internal/logging"
	"hitl-pipeline/backend/internal/mapping"
	"hitl-pipeline/backend/internal/repository"
	"hitl-pipeline/backend/pkg/models"
)

const instrumentationName = "hitl-pipeline/backend/internal/orchestrator"

// Publisher delivers run events to live observers.
type Publisher interface {
	Publish(runID string, ev models.Event) models.Envelope
	MarkTerminal(runID string)
}

// Gate parks a run until its pending candidates are resolved.
type Gate interface {
	Open(runID string) error
	AwaitResolution(ctx context.Context, runID string, timeout time.Duration) error
	Close(runID string)
}

// Config tunes run execution.
type Config struct {
	Policy mapping.Policy
	// ApprovalTimeout fails a waiting run after this long. Zero waits forever.
	ApprovalTimeout time.Duration
	// StepAttempts is how many times a failing executor is invoked.
	StepAttempts int
	// PatchRetries bounds the re-read loop on version conflicts.
	PatchRetries int
}

// Orchestrator owns one execution goroutine per started run.
type Orchestrator struct {
	store  repository.RunStore
	pub    Publisher
	gate   Gate
	steps  []Step
	cfg    Config
	logger *logging.Logger

	tracer       trace.Tracer
	stepOutcomes metric.Int64Counter
	runsFinished metric.Int64Counter
	activeRuns   metric.Int64UpDownCounter

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	active  map[string]struct{}
	locks   map[string]*runLock
	closing bool
}

// runLock orders a run's persisted transitions with their events.
type runLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a new Orchestrator executing steps in the given order.
func New(store repository.RunStore, pub Publisher, gate Gate, steps []Step, cfg Config, logger *logging.Logger) (*Orchestrator, error) {
	if len(steps) == 0 {
		return nil, errors.New("orchestrator: no steps configured")
	}
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.Name == "" || s.Executor == nil {
			return nil, fmt.Errorf("orchestrator: step %q has no executor", s.Name)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("orchestrator: duplicate step %q", s.Name)
		}
		seen[s.Name] = true
	}
	if cfg.StepAttempts < 1 {
		cfg.StepAttempts = 1
	}
	if cfg.PatchRetries < 1 {
		cfg.PatchRetries = 5
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	meter := otel.Meter(instrumentationName)
	stepOutcomes, err := meter.Int64Counter("pipeline.step.outcomes",
		metric.WithDescription("Step executions by outcome"))
	if err != nil {
		return nil, err
	}
	runsFinished, err := meter.Int64Counter("pipeline.runs.finished",
		metric.WithDescription("Runs that reached a terminal status"))
	if err != nil {
		return nil, err
	}
	activeRuns, err := meter.Int64UpDownCounter("pipeline.runs.active",
		metric.WithDescription("Runs with a live execution context"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:        store,
		pub:          pub,
		gate:         gate,
		steps:        steps,
		cfg:          cfg,
		logger:       logger,
		tracer:       otel.Tracer(instrumentationName),
		stepOutcomes: stepOutcomes,
		runsFinished: runsFinished,
		activeRuns:   activeRuns,
		baseCtx:      ctx,
		cancel:       cancel,
		active:       map[string]struct{}{},
		locks:        map[string]*runLock{},
	}, nil
}

// StepNames returns the configured step order.
func (o *Orchestrator) StepNames() []string {
	names := make([]string, len(o.steps))
	for i, s := range o.steps {
		names[i] = s.Name
	}
	return names
}

// CreateRun persists a pending run for source.
func (o *Orchestrator) CreateRun(ctx context.Context, source models.SourceDescriptor) (*models.Run, error) {
	run := models.NewRun(uuid.New().String(), source, o.StepNames())
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.logger.Info("run created", "run_id", run.ID, "source", source.URI)
	return run, nil
}

// Start launches the execution context for a pending run. The run keeps
// going after ctx ends; use Shutdown to stop it.
func (o *Orchestrator) Start(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := o.active[runID]; ok || run.Status != models.RunStatusPending {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, runID, run.Status)
	}
	o.active[runID] = struct{}{}
	o.wg.Add(1)
	o.mu.Unlock()

	rc := &RunContext{
		RunID:   runID,
		Source:  run.Source,
		Outputs: map[string]any{},
	}
	go func() {
		defer o.wg.Done()
		defer o.release(runID)
		o.execute(o.baseCtx, rc)
	}()
	return nil
}

// IsActive reports whether runID has a live execution context.
func (o *Orchestrator) IsActive(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[runID]
	return ok
}

func (o *Orchestrator) release(runID string) {
	o.mu.Lock()
	delete(o.active, runID)
	o.mu.Unlock()
}

// Shutdown cancels every execution context and waits for them to record
// their failure, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) execute(ctx context.Context, rc *RunContext) {
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("run.id", rc.RunID)))
	defer span.End()
	o.activeRuns.Add(ctx, 1)
	defer o.activeRuns.Add(context.WithoutCancel(ctx), -1)

	if _, err := o.update(ctx, rc.RunID, func(r *models.Run) error {
		r.Status = models.RunStatusRunning
		return nil
	}); err != nil {
		o.fail(ctx, rc, "", err)
		return
	}

	for _, step := range o.steps {
		if err := ctx.Err(); err != nil {
			o.fail(ctx, rc, "", err)
			return
		}
		if err := o.runStep(ctx, rc, step); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.fail(ctx, rc, step.Name, err)
			return
		}
	}
	o.complete(ctx, rc)
}

func (o *Orchestrator) runStep(ctx context.Context, rc *RunContext, step Step) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("run.id", rc.RunID),
		attribute.String("step", step.Name),
	))
	defer span.End()

	_, err := o.commitUpdate(ctx, rc.RunID, step.Name, models.StepStatusRunning, fmt.Sprintf("Running %s", step.Name),
		func(r *models.Run) error {
			r.CurrentStep = step.Name
			return r.SetStep(step.Name, models.StepStatusRunning, "")
		})
	if err != nil {
		return err
	}

	res := o.attempt(ctx, rc, step)
	o.stepOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step.Name),
		attribute.String("outcome", res.Outcome.String()),
	))

	switch res.Outcome {
	case OutcomeFailure:
		return &StepError{Step: step.Name, Err: res.Err}
	case OutcomeSuspend:
		if step.Name != StepHITL {
			return &StepError{Step: step.Name, Err: fmt.Errorf("only the %s step may suspend", StepHITL)}
		}
		if err := o.suspend(ctx, rc); err != nil {
			return err
		}
		res = Success(mapping.Approved(rc.Candidates)).WithMessage("All mappings reviewed")
	}

	if matches, ok := res.Payload.([]mapping.RawMatch); ok {
		candidates := o.cfg.Policy.Classify(rc.RunID, matches)
		if err := o.store.PutMappingCandidates(ctx, rc.RunID, candidates); err != nil {
			return fmt.Errorf("persist mapping candidates: %w", err)
		}
		rc.Candidates = candidates
		counts := mapping.Tally(candidates)
		if res.Message == "" {
			res.Message = fmt.Sprintf("%d candidate(s): %d auto-approved, %d need review",
				counts.Total(), counts.Approved, counts.Pending)
		}
	}
	rc.Outputs[step.Name] = res.Payload

	msg := res.Message
	if msg == "" {
		msg = fmt.Sprintf("%s completed", step.Name)
	}
	run, err := o.commitUpdate(ctx, rc.RunID, step.Name, models.StepStatusCompleted, msg, func(r *models.Run) error {
		if err := r.SetStep(step.Name, models.StepStatusCompleted, msg); err != nil {
			return err
		}
		r.Progress = max(r.Progress, progressOf(r))
		return nil
	})
	if err != nil {
		return err
	}
	o.logger.Info("step completed", "run_id", rc.RunID, "step", step.Name, "progress", run.Progress)
	return nil
}

// attempt runs the executor, retrying failures up to StepAttempts times.
func (o *Orchestrator) attempt(ctx context.Context, rc *RunContext, step Step) Result {
	var res Result
	for i := 1; i <= o.cfg.StepAttempts; i++ {
		res = invoke(ctx, rc, step.Executor)
		if res.Outcome != OutcomeFailure || ctx.Err() != nil || i == o.cfg.StepAttempts {
			return res
		}
		o.logger.Warn("step failed, retrying", "run_id", rc.RunID, "step", step.Name,
			"attempt", i, "error", res.Err)
	}
	return res
}

func invoke(ctx context.Context, rc *RunContext, exec Executor) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Failure(fmt.Errorf("executor panic: %v", p))
		}
	}()
	return exec.Execute(ctx, rc)
}

func (o *Orchestrator) suspend(ctx context.Context, rc *RunContext) error {
	pending, err := o.store.GetPendingMappingCount(ctx, rc.RunID)
	if err != nil {
		return err
	}
	if pending == 0 {
		o.logger.Info("nothing to review, skipping approval", "run_id", rc.RunID)
		return nil
	}

	candidates, err := o.store.ListMappingCandidates(ctx, rc.RunID)
	if err != nil {
		return err
	}
	if err := o.gate.Open(rc.RunID); err != nil {
		return err
	}
	_, _, err = o.commit(ctx, rc.RunID, func(r *models.Run) error {
		r.Status = models.RunStatusWaitingForApproval
		return r.SetStep(StepHITL, models.StepStatusRunning, "Waiting for approval")
	}, func(*models.Run) models.Event {
		return models.HITLApprovalRequired{
			Step:    StepHITL,
			Message: fmt.Sprintf("%d mapping(s) require human approval", pending),
			Data: models.ApprovalRequiredData{
				Mappings:       candidates,
				Count:          pending,
				TimeoutSeconds: int(o.cfg.ApprovalTimeout / time.Second),
			},
		}
	})
	if err != nil {
		o.gate.Close(rc.RunID)
		return err
	}
	o.logger.Info("waiting for approval", "run_id", rc.RunID, "pending", pending)

	if err := o.gate.AwaitResolution(ctx, rc.RunID, o.cfg.ApprovalTimeout); err != nil {
		if errors.Is(err, hitl.ErrApprovalTimeout) {
			o.publishTimeout(ctx, rc.RunID)
		}
		return err
	}

	_, _, err = o.commit(ctx, rc.RunID, func(r *models.Run) error {
		r.Status = models.RunStatusRunning
		return nil
	}, func(*models.Run) models.Event {
		return models.HITLApprovalComplete{
			Step:    StepHITL,
			Message: "All mappings have been reviewed",
		}
	})
	if err != nil {
		return err
	}

	candidates, err = o.store.ListMappingCandidates(ctx, rc.RunID)
	if err != nil {
		return err
	}
	rc.Candidates = candidates
	return nil
}

// publishTimeout tells observers which candidates were left unreviewed
// before the run is failed.
func (o *Orchestrator) publishTimeout(ctx context.Context, runID string) {
	pending, err := o.store.GetPendingMappingCount(context.WithoutCancel(ctx), runID)
	if err != nil {
		o.logger.Warn("could not count unreviewed candidates", "run_id", runID, "error", err)
	}
	unlock := o.lockRun(runID)
	defer unlock()
	o.pub.Publish(runID, models.HITLTimeout{
		Step:    StepHITL,
		Message: fmt.Sprintf("Approval timed out after %s", o.cfg.ApprovalTimeout),
		Data: models.TimeoutData{
			Pending:        pending,
			TimeoutSeconds: int(o.cfg.ApprovalTimeout / time.Second),
		},
	})
}

// fail records cause on the run and ends its event stream. It runs even
// when ctx is already cancelled.
func (o *Orchestrator) fail(ctx context.Context, rc *RunContext, step string, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	var se *StepError
	if errors.As(cause, &se) {
		msg = se.Err.Error()
	}

	unlock := o.lockRun(rc.RunID)
	defer unlock()
	run, err := o.update(ctx, rc.RunID, func(r *models.Run) error {
		if r.Status.IsTerminal() {
			return models.ErrTerminalRun
		}
		if step == "" {
			step = r.CurrentStep
		}
		if s := r.Step(step); s != nil && s.Status != models.StepStatusCompleted {
			s.Status = models.StepStatusError
			s.Message = msg
			s.UpdatedAt = time.Now().UTC()
		}
		r.Status = models.RunStatusFailed
		r.Error = msg
		return nil
	})
	if err != nil {
		o.logger.Error("failed to record run failure", "run_id", rc.RunID, "cause", msg, "error", err)
		return
	}

	progress := run.Progress
	o.pub.Publish(run.ID, models.WorkflowUpdate{
		Step:      step,
		Status:    models.StepStatusError,
		Message:   msg,
		Progress:  &progress,
		RunStatus: models.RunStatusFailed,
		Error:     msg,
	})
	o.pub.MarkTerminal(run.ID)
	o.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(models.RunStatusFailed))))
	o.logger.Error("run failed", "run_id", run.ID, "step", step, "error", msg)
}

func (o *Orchestrator) complete(ctx context.Context, rc *RunContext) {
	candidates, err := o.store.ListMappingCandidates(ctx, rc.RunID)
	if err != nil {
		o.logger.Warn("could not reload candidates for completion", "run_id", rc.RunID, "error", err)
		candidates = rc.Candidates
	}
	transformations, _ := rc.Output(StepTransform)

	unlock := o.lockRun(rc.RunID)
	run, err := o.update(ctx, rc.RunID, func(r *models.Run) error {
		r.Status = models.RunStatusCompleted
		r.Progress = 100
		return nil
	})
	if err != nil {
		unlock()
		o.fail(ctx, rc, "", err)
		return
	}
	o.pub.Publish(run.ID, models.WorkflowComplete{
		Message: "Pipeline completed successfully",
		Data: models.CompletionData{
			Mappings:        mapping.Approved(candidates),
			Transformations: transformations,
		},
	})
	o.pub.MarkTerminal(run.ID)
	unlock()
	o.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(models.RunStatusCompleted))))
	o.logger.Info("run completed", "run_id", run.ID)
}

// ReportStep records out-of-band step telemetry. Only a running report on
// the step currently executing is persisted; every other report, including
// any about a finished run, is published as an informational event.
func (o *Orchestrator) ReportStep(ctx context.Context, runID, step string, status models.StepStatus, message string) (models.Envelope, error) {
	unlock := o.lockRun(runID)
	defer unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return models.Envelope{}, err
	}
	if run.Step(step) == nil {
		return models.Envelope{}, fmt.Errorf("%w: %s", ErrUnknownStep, step)
	}

	if acceptsReport(run, step, status) {
		updated, err := o.update(ctx, runID, func(r *models.Run) error {
			if !acceptsReport(r, step, status) {
				return errReportNotAccepted
			}
			s := r.Step(step)
			s.Message = message
			s.UpdatedAt = time.Now().UTC()
			return nil
		})
		switch {
		case err == nil:
			return o.publishUpdate(updated, step, status, message), nil
		case !errors.Is(err, errReportNotAccepted):
			return models.Envelope{}, err
		}
	}

	o.logger.Debug("step report not applied", "run_id", runID, "step", step, "status", status, "run_status", run.Status)
	return o.pub.Publish(runID, models.WorkflowUpdate{
		Step:          step,
		Status:        status,
		Message:       message,
		Informational: true,
	}), nil
}

var errReportNotAccepted = errors.New("step report not accepted")

// acceptsReport reports whether a collaborator may update step. Outcomes
// belong to the executor, so only running reports on the executing step
// are accepted.
func acceptsReport(r *models.Run, step string, status models.StepStatus) bool {
	if r.Status != models.RunStatusRunning || r.CurrentStep != step || status != models.StepStatusRunning {
		return false
	}
	s := r.Step(step)
	return s != nil && s.Status == models.StepStatusRunning
}

func (o *Orchestrator) publishUpdate(run *models.Run, step string, status models.StepStatus, message string) models.Envelope {
	return o.pub.Publish(run.ID, workflowUpdate(run, step, status, message))
}

func workflowUpdate(run *models.Run, step string, status models.StepStatus, message string) models.WorkflowUpdate {
	progress := run.Progress
	return models.WorkflowUpdate{
		Step:      step,
		Status:    status,
		Message:   message,
		Progress:  &progress,
		RunStatus: run.Status,
	}
}

func (o *Orchestrator) update(ctx context.Context, runID string, mutate repository.MutateFunc) (*models.Run, error) {
	return repository.UpdateRun(ctx, o.store, runID, o.cfg.PatchRetries, mutate)
}

// commit persists mutate and publishes the event built from the stored run
// while holding the run's lock, so observers see transitions in the order
// they were persisted.
func (o *Orchestrator) commit(ctx context.Context, runID string, mutate repository.MutateFunc, event func(*models.Run) models.Event) (*models.Run, models.Envelope, error) {
	unlock := o.lockRun(runID)
	defer unlock()
	run, err := o.update(ctx, runID, mutate)
	if err != nil {
		return nil, models.Envelope{}, err
	}
	return run, o.pub.Publish(run.ID, event(run)), nil
}

func (o *Orchestrator) commitUpdate(ctx context.Context, runID, step string, status models.StepStatus, message string, mutate repository.MutateFunc) (*models.Run, error) {
	run, _, err := o.commit(ctx, runID, mutate, func(r *models.Run) models.Event {
		return workflowUpdate(r, step, status, message)
	})
	return run, err
}

// lockRun acquires the per-run lock and returns its release func.
func (o *Orchestrator) lockRun(runID string) func() {
	o.mu.Lock()
	l := o.locks[runID]
	if l == nil {
		l = &runLock{}
		o.locks[runID] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, runID)
		}
		o.mu.Unlock()
	}
}

func progressOf(r *models.Run) int {
	if len(r.Steps) == 0 {
		return 0
	}
	return r.CompletedSteps() * 100 / len(r.Steps)
}
