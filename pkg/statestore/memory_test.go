package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachforge/orchestrator/pkg/model"
)

func TestMemoryStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	run := model.WorkflowRun{RunID: "run-1", Phase: model.PhaseMarketIntelligence, Status: model.RunRunning, BudgetCapUSD: 10}
	require.NoError(t, store.PutRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.Status, got.Status)

	_, err = store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrRunNotFound)
}

func TestMemoryStoreCheckpointOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutCheckpoint(ctx, model.Checkpoint{TaskID: "t1", Version: 1, Payload: []byte("a")}))
	require.NoError(t, store.PutCheckpoint(ctx, model.Checkpoint{TaskID: "t1", Version: 2, Payload: []byte("b")}))

	// Re-writing an existing version is an in-place upsert and leaves the
	// latest version untouched.
	err := store.PutCheckpoint(ctx, model.Checkpoint{TaskID: "t1", Version: 1, Payload: []byte("stale")})
	require.NoError(t, err)

	latest, ok, err := store.LatestCheckpoint(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), latest.Version)
	assert.Equal(t, []byte("b"), latest.Payload)
}

func TestMemoryStoreSingleFlightCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inv := model.ToolInvocation{InvocationID: "inv-1", RunID: "run-1", ToolID: "clearbit", Op: "enrich", ParamsHash: "h1", Outcome: model.OutcomeSuccess}
	require.NoError(t, store.PutInvocation(ctx, inv))

	got, ok, err := store.GetCachedInvocation(ctx, "run-1", "clearbit", "enrich", "h1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, inv.InvocationID, got.InvocationID)

	_, ok, err = store.GetCachedInvocation(ctx, "run-1", "clearbit", "enrich", "h2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreBudgetLedger(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.AppendBudget(ctx, model.BudgetCharge{RunID: "run-1", ToolID: "hunter", Phase: model.PhaseLeadAcquisition, USD: 1.5}))
	require.NoError(t, store.AppendBudget(ctx, model.BudgetCharge{RunID: "run-1", ToolID: "hunter", Phase: model.PhaseLeadAcquisition, USD: 2.5}))

	total, err := store.RunSpend(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 4.0, total)
}

func TestMemoryStoreGatePendingLookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutGate(ctx, model.HumanGate{GateID: "g1", RunID: "run-1", Status: model.GatePending}))

	gate, ok, err := store.PendingGateForRun(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "g1", gate.GateID)

	require.NoError(t, store.PutGate(ctx, model.HumanGate{GateID: "g1", RunID: "run-1", Status: model.GateApproved}))
	_, ok, err = store.PendingGateForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
