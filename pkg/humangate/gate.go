// Package humangate implements the Human Gate Service (spec §4.7): a
// rendezvous point where the Workflow Engine suspends a run between phases
// until an external approver responds. Grounded on the teacher's
// pkg/task.Task input-required/HITL pattern (RequestInput/ProvideInput),
// generalized from a per-task approval to a per-run phase gate with
// deadline expiry and auto-approve thresholds.
package humangate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/outreachforge/orchestrator/internal/config"
	"github.com/outreachforge/orchestrator/pkg/model"
	"github.com/outreachforge/orchestrator/pkg/statestore"
)

// Service drives CreateGate/Poll/Await/SubmitGateDecision (spec §4.7).
type Service struct {
	store    statestore.StateStore
	gates    map[string]config.GateConfig
	notifier model.NotificationChannel
}

// New constructs a Service. notifier may be nil, in which case gate
// creation is logged but no external notification is sent.
func New(store statestore.StateStore, gates map[string]config.GateConfig, notifier model.NotificationChannel) *Service {
	return &Service{store: store, gates: gates, notifier: notifier}
}

// CreateGate persists a pending gate for phase, notifies the approver
// channel, and auto-resolves it immediately when the phase's configured
// quality threshold is met by qualityScore (spec §4.7 "optional
// auto-approve").
func (s *Service) CreateGate(ctx context.Context, runID string, phase model.Phase, artifactRef string, qualityScore float64) (string, error) {
	cfg := s.gates[phase.String()]

	gate := model.HumanGate{
		GateID:      uuid.NewString(),
		RunID:       runID,
		Phase:       phase,
		ArtifactRef: artifactRef,
		Status:      model.GatePending,
		Deadline:    time.Now().Add(cfg.Deadline()),
		CreatedAt:   time.Now(),
	}

	if cfg.AutoApprove && qualityScore >= cfg.QualityThreshold {
		gate.Status = model.GateApproved
		gate.ApproverID = "system"
		gate.DecidedAt = time.Now()
		if err := s.store.PutGate(ctx, gate); err != nil {
			return "", err
		}
		return gate.GateID, nil
	}

	if err := s.store.PutGate(ctx, gate); err != nil {
		return "", err
	}

	msg := fmt.Sprintf("run %s phase %s awaiting approval", runID, phase)
	if s.notifier == nil {
		slog.Info("gate created; no notifier configured", "gate_id", gate.GateID, "run_id", runID, "phase", phase.String())
	} else if err := s.notifier.Send(ctx, "gate-approvers", msg, artifactRef); err != nil {
		slog.Warn("gate notification failed", "gate_id", gate.GateID, "run_id", runID, "error", err)
	}
	return gate.GateID, nil
}

// Poll is a non-blocking status read (spec §4.7).
func (s *Service) Poll(ctx context.Context, gateID string) (model.GateStatus, error) {
	gate, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return "", err
	}
	if gate.Status == model.GatePending && time.Now().After(gate.Deadline) {
		gate.Status = model.GateExpired
		gate.DecidedAt = time.Now()
		if err := s.store.PutGate(ctx, gate); err != nil {
			return "", err
		}
	}
	return gate.Status, nil
}

// Await suspends the caller until gateID settles (terminal status) or ctx
// is cancelled, returning `expired` if the deadline passes first
// (spec §4.7). Callers should run this from the Scheduler's humangate-wait
// suspension point, not from the Agent Runtime directly.
func (s *Service) Await(ctx context.Context, gateID string) (model.GateStatus, error) {
	gate, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	deadlineTimer := time.NewTimer(time.Until(gate.Deadline))
	defer deadlineTimer.Stop()

	for {
		status, err := s.Poll(ctx, gateID)
		if err != nil {
			return "", err
		}
		if status.IsTerminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadlineTimer.C:
			continue // next Poll observes the expired deadline and settles it
		case <-ticker.C:
		}
	}
}

// SubmitGateDecision settles a pending gate. Re-submission with the same
// decision is a no-op; a different decision raises GateAlreadyDecided
// (spec §4.7).
func (s *Service) SubmitGateDecision(ctx context.Context, gateID string, decision model.GateStatus, approverID, notes string) error {
	gate, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return err
	}

	if gate.Status.IsTerminal() {
		if gate.Status == decision {
			return nil
		}
		return model.ErrGateAlreadyDecided
	}

	if !decision.IsTerminal() {
		return fmt.Errorf("%q is not a terminal gate decision", decision)
	}

	gate.Status = decision
	gate.ApproverID = approverID
	gate.Notes = notes
	gate.DecidedAt = time.Now()
	return s.store.PutGate(ctx, gate)
}
