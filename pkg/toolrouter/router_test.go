package toolrouter

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachforge/orchestrator/internal/config"
	"github.com/outreachforge/orchestrator/pkg/costgovernor"
	"github.com/outreachforge/orchestrator/pkg/model"
	"github.com/outreachforge/orchestrator/pkg/resilience"
	"github.com/outreachforge/orchestrator/pkg/statestore"
)

type fakeAdapter struct {
	id      string
	tier    model.Tier
	calls   int32
	result  any
	cost    float64
	failN   int32 // fail the first failN calls
}

func (f *fakeAdapter) ID() string                    { return f.id }
func (f *fakeAdapter) Tier() model.Tier               { return f.tier }
func (f *fakeAdapter) Idempotent(op string) bool      { return true }
func (f *fakeAdapter) Invoke(ctx context.Context, op string, params map[string]any) (any, float64, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failN {
		return nil, 0, fmt.Errorf("%s: simulated failure", f.id)
	}
	return f.result, f.cost, nil
}

func newTestRouter(t *testing.T, capUSD float64) (*Router, statestore.StateStore) {
	t.Helper()
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	require.NoError(t, store.PutRun(ctx, model.WorkflowRun{RunID: "run-1", BudgetCapUSD: capUSD}))

	breakers := resilience.NewBreakerRegistry(config.BreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, TimeoutMs: 1000}, map[string]config.BreakerConfig{})
	limiters := resilience.NewLimiterRegistry(config.RateConfig{Capacity: 100, RefillRPS: 100, WaitDeadlineMs: 1000}, map[string]config.RateConfig{})
	retry := resilience.NewPolicy(config.RetryConfig{MaxAttempts: 3, BaseDelayMs: 10, MaxDelayMs: 100, ExponentialBase: 2})
	gov := costgovernor.New(store, config.BudgetConfig{RunCapUSD: capUSD, WarningRatio: 0.8, ToolCapUSD: map[string]float64{}, PhaseCapUSD: map[string]float64{}}, map[string]config.ToolCostConfig{}, nil)

	r, err := New(breakers, limiters, retry, gov, store, 128, 4)
	require.NoError(t, err)
	return r, store
}

func TestWaterfallStopsAtFirstSufficientTier(t *testing.T) {
	r, _ := newTestRouter(t, 100)
	cheap := &fakeAdapter{id: "cheap", tier: model.TierCheap, result: "cheap-result"}
	expensive := &fakeAdapter{id: "expensive", tier: model.TierExpensive, result: "expensive-result"}
	require.NoError(t, r.RegisterAdapter("enrich_contact", cheap))
	require.NoError(t, r.RegisterAdapter("enrich_contact", expensive))
	r.Configure("enrich_contact", OpConfig{Mode: ModeWaterfall, MaxTier: model.TierExpensive, MinResults: 1})

	res, err := r.Invoke(context.Background(), "run-1", "task-1", "enrich_contact", map[string]any{"email": "a@b.com"}, model.PhaseLeadAcquisition)
	require.NoError(t, err)
	assert.Equal(t, []any{"cheap-result"}, res.Values)
	assert.Equal(t, int32(0), atomic.LoadInt32(&expensive.calls))
}

func TestWaterfallEscalatesWhenInsufficient(t *testing.T) {
	r, _ := newTestRouter(t, 100)
	cheap := &fakeAdapter{id: "cheap", tier: model.TierCheap, failN: 1}
	expensive := &fakeAdapter{id: "expensive", tier: model.TierExpensive, result: "expensive-result"}
	require.NoError(t, r.RegisterAdapter("enrich_contact", cheap))
	require.NoError(t, r.RegisterAdapter("enrich_contact", expensive))
	r.Configure("enrich_contact", OpConfig{Mode: ModeWaterfall, MaxTier: model.TierExpensive, MinResults: 1})

	res, err := r.Invoke(context.Background(), "run-1", "task-1", "enrich_contact", map[string]any{"email": "a@b.com"}, model.PhaseLeadAcquisition)
	require.NoError(t, err)
	assert.Equal(t, []any{"expensive-result"}, res.Values)
}

func TestFanoutMergesAndDedupes(t *testing.T) {
	r, _ := newTestRouter(t, 100)
	a := &fakeAdapter{id: "a", tier: model.TierCheap, result: "dup-value"}
	b := &fakeAdapter{id: "b", tier: model.TierCheap, result: "dup-value"}
	c := &fakeAdapter{id: "c", tier: model.TierCheap, result: "unique-value"}
	require.NoError(t, r.RegisterAdapter("find_profiles", a))
	require.NoError(t, r.RegisterAdapter("find_profiles", b))
	require.NoError(t, r.RegisterAdapter("find_profiles", c))
	r.Configure("find_profiles", OpConfig{
		Mode: ModeFanout, MaxTier: model.TierExpensive, FanoutK: 3,
		DedupKey: func(v any) string { return v.(string) },
	})

	res, err := r.Invoke(context.Background(), "run-1", "task-1", "find_profiles", map[string]any{}, model.PhaseLeadAcquisition)
	require.NoError(t, err)
	assert.Len(t, res.Values, 2)
}

func TestBudgetDenialShortCircuitsDispatch(t *testing.T) {
	r, store := newTestRouter(t, 1.00)
	ctx := context.Background()
	require.NoError(t, store.AppendBudget(ctx, model.BudgetCharge{RunID: "run-1", ToolID: "hunter", Phase: model.PhaseLeadAcquisition, USD: 0.95}))
	require.NoError(t, store.PutRun(ctx, model.WorkflowRun{RunID: "run-1", BudgetCapUSD: 1.00, SpendUSD: 0.95}))

	expensive := &fakeAdapter{id: "hunter", tier: model.TierCheap, result: "value"}
	require.NoError(t, r.RegisterAdapter("enrich_contact", expensive))
	r.Configure("enrich_contact", OpConfig{Mode: ModeWaterfall, MaxTier: model.TierExpensive, MinResults: 1})
	r.governor = costgovernor.New(store, config.BudgetConfig{RunCapUSD: 1.00, WarningRatio: 0.8, ToolCapUSD: map[string]float64{}, PhaseCapUSD: map[string]float64{}}, map[string]config.ToolCostConfig{"hunter": {EstimatedUSD: 0.50}}, nil)

	_, err := r.Invoke(ctx, "run-1", "task-1", "enrich_contact", map[string]any{}, model.PhaseLeadAcquisition)
	assert.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&expensive.calls))
}

func TestDispatchCachesByParamsHash(t *testing.T) {
	r, _ := newTestRouter(t, 100)
	adapter := &fakeAdapter{id: "cheap", tier: model.TierCheap, result: "cached-result"}
	require.NoError(t, r.RegisterAdapter("enrich_contact", adapter))
	r.Configure("enrich_contact", OpConfig{Mode: ModeWaterfall, MaxTier: model.TierExpensive, MinResults: 1})

	ctx := context.Background()
	params := map[string]any{"email": "a@b.com"}
	_, err := r.Invoke(ctx, "run-1", "task-1", "enrich_contact", params, model.PhaseLeadAcquisition)
	require.NoError(t, err)
	_, err = r.Invoke(ctx, "run-1", "task-2", "enrich_contact", params, model.PhaseLeadAcquisition)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&adapter.calls))
}
