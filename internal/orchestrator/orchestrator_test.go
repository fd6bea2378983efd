package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"hitl-pipeline/backend/internal/broadcast"
	"hitl-pipeline/backend/internal/hitl"
	"hitl-pipeline/backend/internal/mapping"
	"hitl-pipeline/backend/internal/repository"
	"hitl-pipeline/backend/pkg/models"
)

var testSource = models.SourceDescriptor{URI: "gs://lending/raw/loans.csv", Dataset: "commercial_lending", Format: "csv"}

type harness struct {
	store *repository.MemoryRunStore
	hub   *broadcast.Hub
	gate  *hitl.Gate
	orch  *Orchestrator
}

func newHarness(t *testing.T, overrides map[string]Executor, cfg Config) *harness {
	t.Helper()
	store := repository.NewMemoryRunStore()
	hub := broadcast.NewHub(broadcast.Options{BufferSize: 256}, nil)
	gate := hitl.NewGate(store, hub, mapping.SubmitKeep, nil)

	steps := make([]Step, 0, len(DefaultStepNames))
	for _, name := range DefaultStepNames {
		exec, ok := overrides[name]
		if !ok {
			exec = ExecutorFunc(func(context.Context, *RunContext) Result { return Success(nil) })
		}
		steps = append(steps, Step{Name: name, Executor: exec})
	}
	if _, ok := overrides[StepHITL]; !ok {
		steps[4].Executor = reviewIfPending
	}
	if cfg.Policy == (mapping.Policy{}) {
		cfg.Policy = mapping.DefaultPolicy()
	}

	orch, err := New(store, hub, gate, steps, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &harness{store: store, hub: hub, gate: gate, orch: orch}
}

var reviewIfPending = ExecutorFunc(func(_ context.Context, rc *RunContext) Result {
	for _, c := range rc.Candidates {
		if c.Status == models.MappingStatusPending {
			return Suspend()
		}
	}
	return Success(nil)
})

func matchesExecutor(matches ...mapping.RawMatch) Executor {
	return ExecutorFunc(func(context.Context, *RunContext) Result { return Success(matches) })
}

// launch creates a run, subscribes to it and starts it.
func (h *harness) launch(t *testing.T) (string, *broadcast.Subscriber) {
	t.Helper()
	ctx := context.Background()
	run, err := h.orch.CreateRun(ctx, testSource)
	require.NoError(t, err)
	sub := h.hub.Subscribe(run.ID)
	require.NoError(t, h.orch.Start(ctx, run.ID))
	return run.ID, sub
}

// next reads envelopes until one of type want arrives.
func next(t *testing.T, sub *broadcast.Subscriber, want models.EventType, seen *[]models.Envelope) models.Envelope {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-sub.Events():
			require.True(t, ok, "subscriber closed while waiting for %s", want)
			*seen = append(*seen, env)
			if env.Type == want {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// untilTerminal reads envelopes until the run's stream ends.
func untilTerminal(t *testing.T, sub *broadcast.Subscriber, seen *[]models.Envelope) models.Envelope {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-sub.Events():
			require.True(t, ok, "subscriber closed before a terminal event")
			*seen = append(*seen, env)
			if env.IsTerminal() {
				return env
			}
		case <-timeout:
			t.Fatal("timed out waiting for a terminal event")
		}
	}
}

func assertProgressMonotonic(t *testing.T, events []models.Envelope) {
	t.Helper()
	last := 0
	for _, env := range events {
		upd, ok := env.Event.(models.WorkflowUpdate)
		if !ok || upd.Progress == nil {
			continue
		}
		assert.GreaterOrEqual(t, *upd.Progress, last, "progress went backwards at seq %d", env.Seq)
		assert.LessOrEqual(t, *upd.Progress, 100)
		last = *upd.Progress
	}
}

func countType(events []models.Envelope, typ models.EventType) int {
	n := 0
	for _, env := range events {
		if env.Type == typ {
			n++
		}
	}
	return n
}

func TestRun_AllCandidatesAutoApproved(t *testing.T) {
	h := newHarness(t, map[string]Executor{
		StepMap: matchesExecutor(
			mapping.RawMatch{SourceColumn: "borrower_id", TargetColumn: "borrower_key", Score: 0.99},
			mapping.RawMatch{SourceColumn: "loan_amount", TargetColumn: "principal", Score: 1.2},
		),
		StepTransform: ExecutorFunc(func(context.Context, *RunContext) Result {
			return Success([]string{"fact_loan"})
		}),
	}, Config{})
	runID, sub := h.launch(t)

	var events []models.Envelope
	last := untilTerminal(t, sub, &events)

	complete, ok := last.Event.(models.WorkflowComplete)
	require.True(t, ok, "terminal event is %s", last.Type)
	assert.Len(t, complete.Data.Mappings, 2)
	assert.Equal(t, []string{"fact_loan"}, complete.Data.Transformations)
	assert.Zero(t, countType(events, models.EventHITLApprovalRequired))
	assert.Equal(t, 1, countType(events, models.EventWorkflowComplete))
	assertProgressMonotonic(t, events)

	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 100, run.Progress)
	assert.Empty(t, run.Error)
	for _, s := range run.Steps {
		assert.Equal(t, models.StepStatusCompleted, s.Status, s.Name)
	}
}

func TestRun_WaitsForEveryPendingDecision(t *testing.T) {
	h := newHarness(t, map[string]Executor{
		StepMap: matchesExecutor(
			mapping.RawMatch{SourceColumn: "borrower_id", TargetColumn: "borrower_key", Score: 0.97},
			mapping.RawMatch{SourceColumn: "loan_amount", TargetColumn: "principal", Score: 0.8},
			mapping.RawMatch{SourceColumn: "guarantor", TargetColumn: "guarantor_name", Score: 0.4},
		),
	}, Config{})
	runID, sub := h.launch(t)
	ctx := context.Background()

	var events []models.Envelope
	env := next(t, sub, models.EventHITLApprovalRequired, &events)
	required := env.Event.(models.HITLApprovalRequired)
	assert.Len(t, required.Data.Mappings, 3)
	assert.Equal(t, 2, required.Data.Count)

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusWaitingForApproval, run.Status)

	var pending []string
	for _, c := range required.Data.Mappings {
		if c.Status == models.MappingStatusPending {
			pending = append(pending, c.ID)
		}
	}
	require.Len(t, pending, 2)

	res, err := h.gate.Resolve(ctx, runID, []hitl.Decision{{MappingID: pending[0], Status: models.MappingStatusApproved}}, "reviewer")
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	progress := next(t, sub, models.EventHITLProgress, &events).Event.(models.HITLProgress)
	assert.Equal(t, models.ReviewProgress{Reviewed: 2, Pending: 1}, progress.Data)

	run, err = h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusWaitingForApproval, run.Status, "partial batch must not resume")

	res, err = h.gate.Resolve(ctx, runID, []hitl.Decision{{MappingID: pending[1], Status: models.MappingStatusRejected}}, "reviewer")
	require.NoError(t, err)
	assert.True(t, res.Resumed)

	last := untilTerminal(t, sub, &events)
	complete, ok := last.Event.(models.WorkflowComplete)
	require.True(t, ok)
	assert.Len(t, complete.Data.Mappings, 2)
	assert.Equal(t, 1, countType(events, models.EventHITLApprovalComplete))
	assert.Equal(t, 1, countType(events, models.EventWorkflowComplete))
	assertProgressMonotonic(t, events)

	// progress for the final batch precedes the resume
	var order []models.EventType
	for _, e := range events {
		if e.Type != models.EventWorkflowUpdate {
			order = append(order, e.Type)
		}
	}
	assert.Equal(t, []models.EventType{
		models.EventHITLApprovalRequired,
		models.EventHITLProgress,
		models.EventHITLProgress,
		models.EventHITLApprovalComplete,
		models.EventWorkflowComplete,
	}, order)

	_, err = h.gate.Resolve(ctx, runID, []hitl.Decision{{MappingID: pending[1], Status: models.MappingStatusApproved}}, "reviewer")
	assert.ErrorIs(t, err, hitl.ErrRunNotWaiting)
}

func TestRun_StepFailureStopsRun(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	track := func(name string, res Result) Executor {
		return ExecutorFunc(func(context.Context, *RunContext) Result {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return res
		})
	}
	h := newHarness(t, map[string]Executor{
		StepCreateTables: track(StepCreateTables, Success(nil)),
		StepTransform:    track(StepTransform, Failure(errors.New("bigquery: table fact_loan not found"))),
		StepExecute:      track(StepExecute, Success(nil)),
		StepCleanup:      track(StepCleanup, Success(nil)),
	}, Config{})
	runID, sub := h.launch(t)

	var events []models.Envelope
	last := untilTerminal(t, sub, &events)
	upd, ok := last.Event.(models.WorkflowUpdate)
	require.True(t, ok)
	assert.Equal(t, models.RunStatusFailed, upd.RunStatus)
	assert.Equal(t, StepTransform, upd.Step)
	assert.Equal(t, "bigquery: table fact_loan not found", upd.Error)
	assert.Zero(t, countType(events, models.EventWorkflowComplete))

	mu.Lock()
	assert.Equal(t, []string{StepCreateTables, StepTransform}, ran)
	mu.Unlock()

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "bigquery: table fact_loan not found", run.Error)
	assert.Equal(t, models.StepStatusError, run.Step(StepTransform).Status)
	assert.Equal(t, models.StepStatusCompleted, run.Step(StepCreateTables).Status)
	assert.Equal(t, models.StepStatusPending, run.Step(StepExecute).Status)
	assert.Equal(t, 54, run.Progress)
}

func TestReportStep_LateEventForCompletedRun(t *testing.T) {
	h := newHarness(t, nil, Config{})
	runID, sub := h.launch(t)
	var events []models.Envelope
	untilTerminal(t, sub, &events)

	ctx := context.Background()
	before, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)

	late := h.hub.Subscribe(runID)
	env, err := h.orch.ReportStep(ctx, runID, StepCleanup, models.StepStatusRunning, "cleanup finished late")
	require.NoError(t, err)

	upd := env.Event.(models.WorkflowUpdate)
	assert.True(t, upd.Informational)
	assert.Nil(t, upd.Progress)
	assert.Empty(t, upd.RunStatus)
	assert.False(t, env.IsTerminal())

	got := <-late.Events()
	assert.Equal(t, env.Seq, got.Seq)

	after, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReportStep_OnlyExecutingStepIsUpdated(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, map[string]Executor{
		StepDownload: ExecutorFunc(func(ctx context.Context, _ *RunContext) Result {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return Success(nil)
		}),
	}, Config{})
	ctx := context.Background()

	pendingRun, err := h.orch.CreateRun(ctx, testSource)
	require.NoError(t, err)
	env, err := h.orch.ReportStep(ctx, pendingRun.ID, StepDownload, models.StepStatusRunning, "too early")
	require.NoError(t, err)
	assert.True(t, env.Event.(models.WorkflowUpdate).Informational)

	runID, sub := h.launch(t)
	<-started

	env, err = h.orch.ReportStep(ctx, runID, StepDownload, models.StepStatusRunning, "fetching")
	require.NoError(t, err)
	upd := env.Event.(models.WorkflowUpdate)
	assert.False(t, upd.Informational)
	assert.Equal(t, models.RunStatusRunning, upd.RunStatus)

	env, err = h.orch.ReportStep(ctx, runID, StepTransform, models.StepStatusCompleted, "skipped ahead")
	require.NoError(t, err)
	assert.True(t, env.Event.(models.WorkflowUpdate).Informational)

	env, err = h.orch.ReportStep(ctx, runID, StepDownload, models.StepStatusError, "disk full")
	require.NoError(t, err)
	assert.True(t, env.Event.(models.WorkflowUpdate).Informational)

	stored, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, stored.Status)
	assert.Equal(t, models.StepStatusRunning, stored.Step(StepDownload).Status)
	assert.Equal(t, "fetching", stored.Step(StepDownload).Message)
	assert.Equal(t, models.StepStatusPending, stored.Step(StepTransform).Status)

	_, err = h.orch.ReportStep(ctx, runID, "publish", models.StepStatusRunning, "")
	assert.ErrorIs(t, err, ErrUnknownStep)

	close(release)
	var events []models.Envelope
	last := untilTerminal(t, sub, &events)
	assert.Equal(t, models.EventWorkflowComplete, last.Type)
}

// slowReportPublisher stalls the publish of collaborator reports so a
// concurrent completion has every chance to overtake them.
type slowReportPublisher struct {
	*broadcast.Hub
	reportPublishing chan struct{}
	once             sync.Once
}

func (p *slowReportPublisher) Publish(runID string, ev models.Event) models.Envelope {
	if upd, ok := ev.(models.WorkflowUpdate); ok && upd.Message == "collaborator report" {
		p.once.Do(func() { close(p.reportPublishing) })
		time.Sleep(50 * time.Millisecond)
	}
	return p.Hub.Publish(runID, ev)
}

func TestReportStep_ConcurrentReportNeverFollowsCompletion(t *testing.T) {
	store := repository.NewMemoryRunStore()
	hub := broadcast.NewHub(broadcast.Options{BufferSize: 256}, nil)
	pub := &slowReportPublisher{Hub: hub, reportPublishing: make(chan struct{})}
	gate := hitl.NewGate(store, hub, mapping.SubmitKeep, nil)

	var orch *Orchestrator
	reported := make(chan error, 1)
	steps := make([]Step, 0, len(DefaultStepNames))
	for _, name := range DefaultStepNames {
		steps = append(steps, Step{Name: name, Executor: ExecutorFunc(func(context.Context, *RunContext) Result { return Success(nil) })})
	}
	steps[len(steps)-1].Executor = ExecutorFunc(func(_ context.Context, rc *RunContext) Result {
		go func() {
			_, err := orch.ReportStep(context.Background(), rc.RunID, StepCleanup, models.StepStatusRunning, "collaborator report")
			reported <- err
		}()
		select {
		case <-pub.reportPublishing:
		case <-time.After(2 * time.Second):
		}
		return Success(nil)
	})

	var err error
	orch, err = New(store, pub, gate, steps, Config{Policy: mapping.DefaultPolicy()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	ctx := context.Background()
	run, err := orch.CreateRun(ctx, testSource)
	require.NoError(t, err)
	sub := hub.Subscribe(run.ID)
	require.NoError(t, orch.Start(ctx, run.ID))

	var events []models.Envelope
	untilTerminal(t, sub, &events)
	select {
	case err := <-reported:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("step report did not return")
	}
	events = append(events, drainSubscriber(sub)...)

	completedAt := -1
	for i, env := range events {
		if env.Type == models.EventWorkflowComplete {
			completedAt = i
		}
	}
	require.GreaterOrEqual(t, completedAt, 0)
	for _, env := range events[completedAt+1:] {
		upd, ok := env.Event.(models.WorkflowUpdate)
		require.True(t, ok, "unexpected %s after completion", env.Type)
		assert.True(t, upd.Informational, "authoritative update at seq %d after completion", env.Seq)
		assert.Empty(t, upd.RunStatus)
	}
	assert.Equal(t, 1, countType(events, models.EventWorkflowComplete))
	assertProgressMonotonic(t, events)

	stored, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
}

func drainSubscriber(sub *broadcast.Subscriber) []models.Envelope {
	var out []models.Envelope
	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRun_ZeroThresholdApprovesEverything(t *testing.T) {
	h := newHarness(t, map[string]Executor{
		StepMap: matchesExecutor(mapping.RawMatch{SourceColumn: "brwr_nm", TargetColumn: "legal_name", Score: 0.1}),
	}, Config{Policy: mapping.Policy{ApprovalThreshold: 0, OnSubmit: mapping.SubmitKeep}})
	runID, sub := h.launch(t)

	var events []models.Envelope
	last := untilTerminal(t, sub, &events)
	assert.Equal(t, models.EventWorkflowComplete, last.Type)
	assert.Zero(t, countType(events, models.EventHITLApprovalRequired))

	candidates, err := h.store.ListMappingCandidates(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, models.MappingStatusApproved, candidates[0].Status)
}

func TestStart_Errors(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, map[string]Executor{
		StepDownload: ExecutorFunc(func(ctx context.Context, _ *RunContext) Result {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return Success(nil)
		}),
	}, Config{})
	ctx := context.Background()

	err := h.orch.Start(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, repository.ErrRunNotFound)

	runID, sub := h.launch(t)
	assert.True(t, h.orch.IsActive(runID))
	assert.ErrorIs(t, h.orch.Start(ctx, runID), ErrAlreadyRunning)

	close(block)
	var events []models.Envelope
	untilTerminal(t, sub, &events)
	assert.Eventually(t, func() bool { return !h.orch.IsActive(runID) }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, h.orch.Start(ctx, runID), ErrAlreadyRunning)
}

func TestRun_ApprovalTimeoutFailsRun(t *testing.T) {
	h := newHarness(t, map[string]Executor{
		StepMap: matchesExecutor(mapping.RawMatch{SourceColumn: "a", TargetColumn: "b", Score: 0.1}),
	}, Config{ApprovalTimeout: 50 * time.Millisecond})
	runID, sub := h.launch(t)

	var events []models.Envelope
	last := untilTerminal(t, sub, &events)
	upd := last.Event.(models.WorkflowUpdate)
	assert.Equal(t, StepHITL, upd.Step)
	assert.Contains(t, upd.Error, hitl.ErrApprovalTimeout.Error())

	require.GreaterOrEqual(t, len(events), 2)
	timedOut := events[len(events)-2]
	require.Equal(t, models.EventHITLTimeout, timedOut.Type)
	data := timedOut.Event.(models.HITLTimeout).Data
	assert.Equal(t, 1, data.Pending)
	assert.Equal(t, 1, countType(events, models.EventHITLTimeout))

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, models.StepStatusError, run.Step(StepHITL).Status)
	assert.False(t, h.gate.IsOpen(runID))
}

func TestRun_OnlyReviewStepMaySuspend(t *testing.T) {
	h := newHarness(t, map[string]Executor{
		StepProfile: ExecutorFunc(func(context.Context, *RunContext) Result { return Suspend() }),
	}, Config{})
	runID, sub := h.launch(t)

	var events []models.Envelope
	untilTerminal(t, sub, &events)
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "may suspend")
}

func TestRun_ExecutorPanicFailsRun(t *testing.T) {
	h := newHarness(t, map[string]Executor{
		StepStage: ExecutorFunc(func(context.Context, *RunContext) Result { panic("boom") }),
	}, Config{})
	runID, sub := h.launch(t)

	var events []models.Envelope
	untilTerminal(t, sub, &events)
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "boom")
}

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, rc *RunContext) Result {
	args := m.Called(ctx, rc)
	return args.Get(0).(Result)
}

func TestRun_StepAttemptsRetryFailures(t *testing.T) {
	exec := new(mockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything).Return(Failure(errors.New("503 from loader"))).Once()
	exec.On("Execute", mock.Anything, mock.Anything).Return(Success(nil)).Once()

	h := newHarness(t, map[string]Executor{StepStage: exec}, Config{StepAttempts: 2})
	runID, sub := h.launch(t)

	var events []models.Envelope
	last := untilTerminal(t, sub, &events)
	assert.Equal(t, models.EventWorkflowComplete, last.Type)
	exec.AssertNumberOfCalls(t, "Execute", 2)

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}

func TestShutdown_FailsWaitingRun(t *testing.T) {
	h := newHarness(t, map[string]Executor{
		StepMap: matchesExecutor(mapping.RawMatch{SourceColumn: "a", TargetColumn: "b", Score: 0.2}),
	}, Config{})
	runID, sub := h.launch(t)

	var events []models.Envelope
	next(t, sub, models.EventHITLApprovalRequired, &events)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, context.Canceled.Error(), run.Error)

	created, err := h.orch.CreateRun(context.Background(), testSource)
	require.NoError(t, err)
	assert.ErrorIs(t, h.orch.Start(context.Background(), created.ID), ErrShuttingDown)
}

func TestNew_RejectsBadSteps(t *testing.T) {
	store := repository.NewMemoryRunStore()
	hub := broadcast.NewHub(broadcast.Options{}, nil)
	gate := hitl.NewGate(store, hub, mapping.SubmitKeep, nil)
	noop := ExecutorFunc(func(context.Context, *RunContext) Result { return Success(nil) })

	_, err := New(store, hub, gate, nil, Config{}, nil)
	assert.Error(t, err)
	_, err = New(store, hub, gate, []Step{{Name: "a", Executor: noop}, {Name: "a", Executor: noop}}, Config{}, nil)
	assert.Error(t, err)
	_, err = New(store, hub, gate, []Step{{Name: "a"}}, Config{}, nil)
	assert.Error(t, err)
}
