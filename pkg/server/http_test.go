package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachforge/orchestrator/pkg/model"
)

type fakeEngine struct {
	startRunID string
	startErr   error
	status     model.RunStatusView
	statusErr  error
	gateErr    error
	cancelErr  error

	lastGateID     string
	lastDecision   model.GateStatus
	lastCancelRunID string
}

func (f *fakeEngine) StartRun(ctx context.Context, cfg model.RunConfig) (string, error) {
	return f.startRunID, f.startErr
}

func (f *fakeEngine) GetStatus(ctx context.Context, runID string) (model.RunStatusView, error) {
	return f.status, f.statusErr
}

func (f *fakeEngine) SubmitGateDecision(ctx context.Context, gateID string, decision model.GateStatus, approverID, notes string) error {
	f.lastGateID = gateID
	f.lastDecision = decision
	return f.gateErr
}

func (f *fakeEngine) CancelRun(ctx context.Context, runID string) error {
	f.lastCancelRunID = runID
	return f.cancelErr
}

func TestHandleStartRunReturnsRunID(t *testing.T) {
	engine := &fakeEngine{startRunID: "run-123"}
	srv := New(":0", engine)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"niche":"dentists","budget_cap_usd":500}`))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "run-123")
}

func TestHandleStartRunRejectsBadJSON(t *testing.T) {
	engine := &fakeEngine{}
	srv := New(":0", engine)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetStatusNotFound(t *testing.T) {
	engine := &fakeEngine{statusErr: model.ErrRunNotFound}
	srv := New(":0", engine)

	req := httptest.NewRequest(http.MethodGet, "/runs/missing", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGateDecisionConflictOnAlreadyDecided(t *testing.T) {
	engine := &fakeEngine{gateErr: model.ErrGateAlreadyDecided}
	srv := New(":0", engine)

	req := httptest.NewRequest(http.MethodPost, "/gates/gate-1/decision", strings.NewReader(`{"decision":"approved","approver_id":"u1"}`))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "gate-1", engine.lastGateID)
	assert.Equal(t, model.GateApproved, engine.lastDecision)
}

func TestHandleCancelRunAccepted(t *testing.T) {
	engine := &fakeEngine{}
	srv := New(":0", engine)

	req := httptest.NewRequest(http.MethodPost, "/runs/run-9/cancel", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "run-9", engine.lastCancelRunID)
}

func TestHandleHealth(t *testing.T) {
	srv := New(":0", &fakeEngine{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
