package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachforge/orchestrator/internal/config"
	"github.com/outreachforge/orchestrator/pkg/agentruntime"
	"github.com/outreachforge/orchestrator/pkg/costgovernor"
	"github.com/outreachforge/orchestrator/pkg/humangate"
	"github.com/outreachforge/orchestrator/pkg/model"
	"github.com/outreachforge/orchestrator/pkg/resilience"
	"github.com/outreachforge/orchestrator/pkg/scheduler"
	"github.com/outreachforge/orchestrator/pkg/statestore"
	"github.com/outreachforge/orchestrator/pkg/toolrouter"
)

// stubLogic completes immediately with its own agent name as output, unless
// told to fail or record a compensation call.
type stubLogic struct {
	name        string
	fail        bool
	compensated *int32
}

func (l *stubLogic) Name() string { return l.name }

func (l *stubLogic) Step(ctx context.Context, state model.AgentState, tools model.ToolInvoker) (model.StepOutcome, error) {
	if l.fail {
		return model.Abort(model.NewError(l.name, "Step", model.ClassPermanent, "forced failure", nil)), nil
	}
	return model.Done(l.name + "-output"), nil
}

func (l *stubLogic) Compensate(ctx context.Context, state model.AgentState) error {
	if l.compensated != nil {
		*l.compensated++
	}
	return nil
}

type stubRegistry struct {
	logics map[string]model.AgentLogic
}

func newStubRegistry() *stubRegistry { return &stubRegistry{logics: map[string]model.AgentLogic{}} }

func (r *stubRegistry) register(logic model.AgentLogic) { r.logics[logic.Name()] = logic }

func (r *stubRegistry) Logic(agentName string) (model.AgentLogic, bool) {
	l, ok := r.logics[agentName]
	return l, ok
}

func newTestEngine(t *testing.T) (*Engine, *stubRegistry, statestore.StateStore) {
	t.Helper()
	ctx := context.Background()
	store := statestore.NewMemoryStore()

	breakers := resilience.NewBreakerRegistry(config.BreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, TimeoutMs: 1000}, map[string]config.BreakerConfig{})
	limiters := resilience.NewLimiterRegistry(config.RateConfig{Capacity: 100, RefillRPS: 100, WaitDeadlineMs: 1000}, map[string]config.RateConfig{})
	retry := resilience.NewPolicy(config.RetryConfig{MaxAttempts: 3, BaseDelayMs: 10, MaxDelayMs: 100, ExponentialBase: 2})
	gov := costgovernor.New(store, config.BudgetConfig{RunCapUSD: 100, WarningRatio: 0.8, ToolCapUSD: map[string]float64{}, PhaseCapUSD: map[string]float64{}}, map[string]config.ToolCostConfig{}, nil)

	router, err := toolrouter.New(breakers, limiters, retry, gov, store, 64, 2)
	require.NoError(t, err)

	runner := agentruntime.New(store, router, retry, 0)
	gates := humangate.New(store, map[string]config.GateConfig{
		"market_intelligence": {DeadlineSeconds: 3600, AutoApprove: false},
	}, nil)
	sched := scheduler.New(map[scheduler.Kind]int{scheduler.KindAgentRuntime: 8, scheduler.KindToolDispatch: 16}, 32)
	t.Cleanup(sched.Shutdown)

	registry := newStubRegistry()
	engine := New(store, runner, gates, sched, registry, 3)

	_ = ctx
	return engine, registry, store
}

func TestStartRunRejectsEmptyNiche(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.StartRun(context.Background(), model.RunConfig{BudgetCapUSD: 10})
	assert.Error(t, err)
}

func TestStartRunRejectsZeroBudget(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.StartRun(context.Background(), model.RunConfig{Niche: "dentists"})
	assert.Error(t, err)
}

func TestStartRunRunsPhaseOneAndOpensGate(t *testing.T) {
	engine, registry, store := newTestEngine(t)
	registry.register(&stubLogic{name: "niche_research"})
	registry.register(&stubLogic{name: "persona_research"})
	registry.register(&stubLogic{name: "research_export"})

	runID, err := engine.StartRun(context.Background(), model.RunConfig{Niche: "dentists", BudgetCapUSD: 50})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		gate, ok, _ := store.PendingGateForRun(context.Background(), runID)
		return ok && gate.Phase == model.PhaseMarketIntelligence
	}, time.Second, 10*time.Millisecond)

	status, err := engine.GetStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunAwaitingApproval, status.Run.Status)
	require.NotNil(t, status.PendingGate)
}

func TestGateApprovalAdvancesToNextPhase(t *testing.T) {
	engine, registry, store := newTestEngine(t)
	registry.register(&stubLogic{name: "niche_research"})
	registry.register(&stubLogic{name: "persona_research"})
	registry.register(&stubLogic{name: "research_export"})
	registry.register(&stubLogic{name: "list_builder"})
	registry.register(&stubLogic{name: "validation"})
	registry.register(&stubLogic{name: "within_dedup"})
	registry.register(&stubLogic{name: "cross_campaign_dedup"})
	registry.register(&stubLogic{name: "scoring"})
	registry.register(&stubLogic{name: "import_finalizer"})

	runID, err := engine.StartRun(context.Background(), model.RunConfig{Niche: "dentists", BudgetCapUSD: 50})
	require.NoError(t, err)

	var gate model.HumanGate
	require.Eventually(t, func() bool {
		g, ok, _ := store.PendingGateForRun(context.Background(), runID)
		gate = g
		return ok
	}, time.Second, 10*time.Millisecond)

	err = engine.SubmitGateDecision(context.Background(), gate.GateID, model.GateApproved, "reviewer", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, _ := store.GetRun(context.Background(), runID)
		return run.Phase == model.PhaseLeadAcquisition
	}, time.Second, 10*time.Millisecond)
}

func TestGateRejectionTriggersCompensation(t *testing.T) {
	engine, registry, store := newTestEngine(t)
	var compCount int32
	registry.register(&stubLogic{name: "niche_research", compensated: &compCount})
	registry.register(&stubLogic{name: "persona_research", compensated: &compCount})
	registry.register(&stubLogic{name: "research_export", compensated: &compCount})

	runID, err := engine.StartRun(context.Background(), model.RunConfig{Niche: "dentists", BudgetCapUSD: 50})
	require.NoError(t, err)

	var gate model.HumanGate
	require.Eventually(t, func() bool {
		g, ok, _ := store.PendingGateForRun(context.Background(), runID)
		gate = g
		return ok
	}, time.Second, 10*time.Millisecond)

	err = engine.SubmitGateDecision(context.Background(), gate.GateID, model.GateRejected, "reviewer", "bad data")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, _ := store.GetRun(context.Background(), runID)
		return run.Status == model.RunFailed
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), compCount)
}

func TestRunPhaseFailurePropagatesToCompensation(t *testing.T) {
	engine, registry, store := newTestEngine(t)
	registry.register(&stubLogic{name: "niche_research"})
	registry.register(&stubLogic{name: "persona_research", fail: true})
	registry.register(&stubLogic{name: "research_export"})

	runID, err := engine.StartRun(context.Background(), model.RunConfig{Niche: "dentists", BudgetCapUSD: 50})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, _ := store.GetRun(context.Background(), runID)
		return run.Status == model.RunFailed
	}, time.Second, 10*time.Millisecond)
}

func TestCancelRunWithNoCompletedTasksCancelsImmediately(t *testing.T) {
	engine, _, store := newTestEngine(t)
	run := model.WorkflowRun{RunID: "run-cancel", Phase: model.PhaseMarketIntelligence, Status: model.RunRunning, BudgetCapUSD: 50}
	require.NoError(t, store.PutRun(context.Background(), run))

	err := engine.CancelRun(context.Background(), "run-cancel")
	require.NoError(t, err)

	got, err := store.GetRun(context.Background(), "run-cancel")
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, got.Status)
}
