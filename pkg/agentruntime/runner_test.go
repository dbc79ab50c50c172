package agentruntime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachforge/orchestrator/internal/config"
	"github.com/outreachforge/orchestrator/pkg/costgovernor"
	"github.com/outreachforge/orchestrator/pkg/model"
	"github.com/outreachforge/orchestrator/pkg/resilience"
	"github.com/outreachforge/orchestrator/pkg/statestore"
	"github.com/outreachforge/orchestrator/pkg/toolrouter"
)

type scriptedLogic struct {
	name  string
	steps []model.StepOutcome
	calls int
}

func (l *scriptedLogic) Name() string { return l.name }

func (l *scriptedLogic) Step(ctx context.Context, state model.AgentState, tools model.ToolInvoker) (model.StepOutcome, error) {
	out := l.steps[l.calls]
	l.calls++
	return out, nil
}

func (l *scriptedLogic) Compensate(ctx context.Context, state model.AgentState) error { return nil }

type fakeToolAdapter struct {
	id     string
	result any
}

func (f *fakeToolAdapter) ID() string               { return f.id }
func (f *fakeToolAdapter) Tier() model.Tier          { return model.TierCheap }
func (f *fakeToolAdapter) Idempotent(op string) bool { return true }
func (f *fakeToolAdapter) Invoke(ctx context.Context, op string, params map[string]any) (any, float64, error) {
	return f.result, 0.001, nil
}

func newTestRunner(t *testing.T) (*Runner, *toolrouter.Router, statestore.StateStore) {
	t.Helper()
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	require.NoError(t, store.PutRun(ctx, model.WorkflowRun{RunID: "run-1", BudgetCapUSD: 100}))

	breakers := resilience.NewBreakerRegistry(config.BreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, TimeoutMs: 1000}, map[string]config.BreakerConfig{})
	limiters := resilience.NewLimiterRegistry(config.RateConfig{Capacity: 100, RefillRPS: 100, WaitDeadlineMs: 1000}, map[string]config.RateConfig{})
	retry := resilience.NewPolicy(config.RetryConfig{MaxAttempts: 3, BaseDelayMs: 10, MaxDelayMs: 100, ExponentialBase: 2})
	gov := costgovernor.New(store, config.BudgetConfig{RunCapUSD: 100, WarningRatio: 0.8, ToolCapUSD: map[string]float64{}, PhaseCapUSD: map[string]float64{}}, map[string]config.ToolCostConfig{}, nil)

	router, err := toolrouter.New(breakers, limiters, retry, gov, store, 64, 2)
	require.NoError(t, err)

	return New(store, router, retry, 0), router, store
}

func TestRunCompletesOnDone(t *testing.T) {
	runner, _, store := newTestRunner(t)
	logic := &scriptedLogic{name: "scout", steps: []model.StepOutcome{
		model.Done("leads-found"),
	}}
	task := model.AgentTask{TaskID: "task-1", RunID: "run-1", Phase: model.PhaseLeadAcquisition, AgentName: "scout", State: model.TaskNew}

	out := runner.Run(context.Background(), logic, task)
	assert.Equal(t, model.TaskCompleted, out.State)
	assert.Equal(t, "leads-found", out.Output)

	stored, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, stored.State)
}

func TestRunAbortsOnPermanentFailure(t *testing.T) {
	runner, _, _ := newTestRunner(t)
	reason := model.NewError("scout", "Step", model.ClassPermanent, "invalid niche", nil)
	logic := &scriptedLogic{name: "scout", steps: []model.StepOutcome{
		model.Abort(reason),
	}}
	task := model.AgentTask{TaskID: "task-2", RunID: "run-1", Phase: model.PhaseLeadAcquisition, AgentName: "scout", State: model.TaskNew}

	out := runner.Run(context.Background(), logic, task)
	assert.Equal(t, model.TaskFailed, out.State)
	assert.Error(t, out.Err)
}

func TestRunCheckpointsAndContinues(t *testing.T) {
	runner, _, store := newTestRunner(t)
	logic := &scriptedLogic{name: "scout", steps: []model.StepOutcome{
		model.CheckpointAndContinue([]byte(`{"page":1}`)),
		model.Done("final"),
	}}
	task := model.AgentTask{TaskID: "task-3", RunID: "run-1", Phase: model.PhaseLeadAcquisition, AgentName: "scout", State: model.TaskNew}

	out := runner.Run(context.Background(), logic, task)
	assert.Equal(t, model.TaskCompleted, out.State)

	cp, ok, err := store.LatestCheckpoint(context.Background(), "task-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"page":1}`), cp.Payload)
}

func TestRunNeedsToolsDispatchesThroughRouter(t *testing.T) {
	runner, router, _ := newTestRunner(t)
	require.NoError(t, router.RegisterAdapter("enrich_contact", &fakeToolAdapter{id: "hunter", result: "enriched-value"}))
	logic := &scriptedLogic{name: "enricher", steps: []model.StepOutcome{
		model.NeedsTools(model.ToolRequestPolicy{Mode: "all"},
			model.ToolRequest{Index: 0, ToolID: "any", Op: "enrich_contact", Params: map[string]any{}}),
		model.Done("enriched"),
	}}
	task := model.AgentTask{TaskID: "task-4", RunID: "run-1", Phase: model.PhaseLeadAcquisition, AgentName: "enricher", State: model.TaskNew}

	out := runner.Run(context.Background(), logic, task)
	assert.Equal(t, model.TaskCompleted, out.State)
}
