package humangate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachforge/orchestrator/internal/config"
	"github.com/outreachforge/orchestrator/pkg/model"
	"github.com/outreachforge/orchestrator/pkg/statestore"
)

func newTestService(t *testing.T, gates map[string]config.GateConfig) (*Service, statestore.StateStore) {
	t.Helper()
	store := statestore.NewMemoryStore()
	return New(store, gates, nil), store
}

func TestCreateGateDefaultsToPending(t *testing.T) {
	svc, _ := newTestService(t, map[string]config.GateConfig{
		"personalization": {DeadlineSeconds: 3600},
	})

	gateID, err := svc.CreateGate(context.Background(), "run-1", model.PhasePersonalization, "artifact://draft-1", 0)
	require.NoError(t, err)

	status, err := svc.Poll(context.Background(), gateID)
	require.NoError(t, err)
	assert.Equal(t, model.GatePending, status)
}

func TestCreateGateAutoApproves(t *testing.T) {
	svc, _ := newTestService(t, map[string]config.GateConfig{
		"personalization": {DeadlineSeconds: 3600, AutoApprove: true, QualityThreshold: 0.8},
	})

	gateID, err := svc.CreateGate(context.Background(), "run-1", model.PhasePersonalization, "artifact://draft-1", 0.95)
	require.NoError(t, err)

	status, err := svc.Poll(context.Background(), gateID)
	require.NoError(t, err)
	assert.Equal(t, model.GateApproved, status)
}

func TestSubmitGateDecisionIdempotent(t *testing.T) {
	svc, _ := newTestService(t, map[string]config.GateConfig{"personalization": {DeadlineSeconds: 3600}})
	gateID, err := svc.CreateGate(context.Background(), "run-1", model.PhasePersonalization, "artifact://draft-1", 0)
	require.NoError(t, err)

	require.NoError(t, svc.SubmitGateDecision(context.Background(), gateID, model.GateApproved, "alice", "looks good"))
	assert.NoError(t, svc.SubmitGateDecision(context.Background(), gateID, model.GateApproved, "alice", "looks good"))

	err = svc.SubmitGateDecision(context.Background(), gateID, model.GateRejected, "bob", "changed my mind")
	assert.ErrorIs(t, err, model.ErrGateAlreadyDecided)
}

func TestPollExpiresPastDeadline(t *testing.T) {
	svc, store := newTestService(t, map[string]config.GateConfig{"personalization": {DeadlineSeconds: 1}})
	gateID, err := svc.CreateGate(context.Background(), "run-1", model.PhasePersonalization, "artifact://draft-1", 0)
	require.NoError(t, err)

	gate, err := store.GetGate(context.Background(), gateID)
	require.NoError(t, err)
	gate.Deadline = time.Now().Add(-time.Second)
	require.NoError(t, store.PutGate(context.Background(), gate))

	status, err := svc.Poll(context.Background(), gateID)
	require.NoError(t, err)
	assert.Equal(t, model.GateExpired, status)
}
