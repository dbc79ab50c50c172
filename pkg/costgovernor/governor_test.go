package costgovernor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachforge/orchestrator/internal/config"
	"github.com/outreachforge/orchestrator/pkg/model"
	"github.com/outreachforge/orchestrator/pkg/statestore"
)

func newTestGovernor(t *testing.T, capUSD float64) (*Governor, statestore.StateStore) {
	t.Helper()
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	require.NoError(t, store.PutRun(ctx, model.WorkflowRun{RunID: "run-1", BudgetCapUSD: capUSD}))

	cfg := config.BudgetConfig{RunCapUSD: capUSD, WarningRatio: 0.8, ToolCapUSD: map[string]float64{}, PhaseCapUSD: map[string]float64{}}
	return New(store, cfg, nil, nil), store
}

func TestAuthorizeDeniesOverRunCap(t *testing.T) {
	gov, store := newTestGovernor(t, 10.00)
	ctx := context.Background()

	require.NoError(t, gov.Charge(ctx, "run-1", "hunter", model.PhaseLeadAcquisition, 9.50))

	decision, err := gov.Authorize(ctx, "run-1", "hunter", model.PhaseLeadAcquisition, 1.00)
	require.NoError(t, err)
	assert.False(t, decision.Allow)

	spend, err := store.RunSpend(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 9.50, spend)
}

func TestAuthorizeAllowsWithinCap(t *testing.T) {
	gov, _ := newTestGovernor(t, 10.00)
	ctx := context.Background()

	decision, err := gov.Authorize(ctx, "run-1", "hunter", model.PhaseLeadAcquisition, 1.00)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestAuthorizeDeniesOverToolCap(t *testing.T) {
	gov, _ := newTestGovernor(t, 100.00)
	gov.cfg.ToolCapUSD["hunter"] = 2.00
	ctx := context.Background()

	require.NoError(t, gov.Charge(ctx, "run-1", "hunter", model.PhaseLeadAcquisition, 1.50))

	decision, err := gov.Authorize(ctx, "run-1", "hunter", model.PhaseLeadAcquisition, 1.00)
	require.NoError(t, err)
	assert.False(t, decision.Allow)
}
