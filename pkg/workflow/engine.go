package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/outreachforge/orchestrator/pkg/agentruntime"
	"github.com/outreachforge/orchestrator/pkg/humangate"
	"github.com/outreachforge/orchestrator/pkg/model"
	"github.com/outreachforge/orchestrator/pkg/observability"
	"github.com/outreachforge/orchestrator/pkg/scheduler"
	"github.com/outreachforge/orchestrator/pkg/statestore"
)

// EngineError is the Workflow Engine's structured error, mirroring the
// teacher's team.TeamError {Component, Operation, Message, Err, Timestamp}
// shape.
type EngineError struct {
	Component string
	Operation string
	Message   string
	Err       error
	Timestamp time.Time
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

func newEngineError(component, operation, message string, err error) *EngineError {
	return &EngineError{Component: component, Operation: operation, Message: message, Err: err, Timestamp: time.Now()}
}

// AgentRegistry resolves an agent_name to its AgentLogic implementation
// and its compensation hook, registered at startup (spec §9).
type AgentRegistry interface {
	Logic(agentName string) (model.AgentLogic, bool)
}

// Engine drives WorkflowRuns through the fixed phase graph, enforcing
// inter-phase human gates and orchestrating saga compensation on
// unrecoverable failure (spec §4.1).
type Engine struct {
	store     statestore.StateStore
	runner    *agentruntime.Runner
	gates     *humangate.Service
	sched     *scheduler.Scheduler
	agents    AgentRegistry
	maxCompAttempts int

	metrics *observability.Metrics
}

// New constructs an Engine.
func New(store statestore.StateStore, runner *agentruntime.Runner, gates *humangate.Service, sched *scheduler.Scheduler, agents AgentRegistry, maxCompensationAttempts int) *Engine {
	if maxCompensationAttempts <= 0 {
		maxCompensationAttempts = 3
	}
	return &Engine{store: store, runner: runner, gates: gates, sched: sched, agents: agents, maxCompAttempts: maxCompensationAttempts}
}

// WithObservability attaches the Metrics handle used to record run-lifecycle,
// gate, and compensation counters (SPEC_FULL §3a). An Engine built without
// this call keeps it nil, which every Metrics method tolerates.
func (e *Engine) WithObservability(metrics *observability.Metrics) *Engine {
	e.metrics = metrics
	return e
}

// StartRun validates cfg, persists a new WorkflowRun in pending, and
// schedules phase 1 (spec §4.1).
func (e *Engine) StartRun(ctx context.Context, cfg model.RunConfig) (string, error) {
	if cfg.Niche == "" {
		return "", newEngineError("Engine", "StartRun", "niche cannot be empty", nil)
	}
	if cfg.BudgetCapUSD <= 0 {
		return "", newEngineError("Engine", "StartRun", "budget_cap_usd must be > 0", nil)
	}

	run := model.WorkflowRun{
		RunID:        uuid.NewString(),
		Phase:        model.PhaseMarketIntelligence,
		Status:       model.RunPending,
		StartedAt:    time.Now(),
		UpdatedAt:    time.Now(),
		BudgetCapUSD: cfg.BudgetCapUSD,
		Config:       cfg,
	}
	if err := e.store.PutRun(ctx, run); err != nil {
		return "", newEngineError("Engine", "StartRun", "persist run", err)
	}
	e.metrics.RecordRunStarted(cfg.Niche)

	_, err := e.sched.Submit(scheduler.KindAgentRuntime, func(ctx context.Context) error {
		return e.runPhase(ctx, run.RunID, model.PhaseMarketIntelligence)
	})
	if err != nil {
		return "", newEngineError("Engine", "StartRun", "schedule phase 1", err)
	}
	return run.RunID, nil
}

// GetStatus reads WorkflowRun + current phase progress (spec §4.1).
func (e *Engine) GetStatus(ctx context.Context, runID string) (model.RunStatusView, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunStatusView{}, err
	}
	tasks, err := e.store.ListTasksByRun(ctx, runID)
	if err != nil {
		return model.RunStatusView{}, err
	}
	view := model.RunStatusView{Run: run, Tasks: tasks}
	if gate, ok, err := e.store.PendingGateForRun(ctx, runID); err == nil && ok {
		view.PendingGate = &gate
	}
	return view, nil
}

// SubmitGateDecision resolves a pending HumanGate and, on approval,
// advances the run to the next phase; on rejection/expiry it triggers
// saga compensation for the current phase (spec §4.1, SPEC_FULL §3d).
func (e *Engine) SubmitGateDecision(ctx context.Context, gateID string, decision model.GateStatus, approverID, notes string) error {
	gate, err := e.store.GetGate(ctx, gateID)
	if err != nil {
		return err
	}
	if gate.Status != model.GatePending {
		return newEngineError("Engine", "SubmitGateDecision", "gate is not pending", model.ErrGateNotPending)
	}

	if err := e.gates.SubmitGateDecision(ctx, gateID, decision, approverID, notes); err != nil {
		return err
	}
	e.metrics.RecordGateDecided(string(decision))

	switch decision {
	case model.GateApproved:
		return e.advanceAfterGate(ctx, gate.RunID, gate.Phase)
	case model.GateRevisionRequested:
		return e.rerunFinalizer(ctx, gate.RunID, gate.Phase, notes)
	default: // rejected, expired
		return e.compensatePhase(ctx, gate.RunID, gate.Phase, newEngineError("Engine", "SubmitGateDecision", fmt.Sprintf("gate %s", decision), nil))
	}
}

// CancelRun requests cooperative cancellation (spec §4.1).
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	tasks, err := e.store.ListTasksByRunAndPhase(ctx, runID, run.Phase)
	if err != nil {
		return err
	}
	hadSideEffects := false
	for _, t := range tasks {
		if t.State == model.TaskCompleted {
			hadSideEffects = true
			break
		}
	}

	if hadSideEffects {
		run.Status = model.RunCompensating
		if err := e.store.PutRun(ctx, run); err != nil {
			return err
		}
		return e.compensatePhase(ctx, runID, run.Phase, newEngineError("Engine", "CancelRun", "cooperative cancel", nil))
	}

	run.Status = model.RunCancelled
	if err := e.store.PutRun(ctx, run); err != nil {
		return err
	}
	e.metrics.RecordRunCompleted(string(model.RunCancelled))
	return nil
}

// runPhase runs a phase's agents to completion per the dependency graph,
// then opens (or skips) its gate. Agents with no mutual dependency run
// concurrently via the Scheduler's agent_runtime queue (spec §4.1).
func (e *Engine) runPhase(ctx context.Context, runID string, phase model.Phase) error {
	spec, ok := PhaseSpecFor(phase)
	if !ok {
		return newEngineError("Engine", "runPhase", fmt.Sprintf("unknown phase %s", phase), nil)
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.Phase = phase
	run.Status = model.RunRunning
	if err := e.store.PutRun(ctx, run); err != nil {
		return err
	}

	completed := map[string]bool{}
	for len(completed) < len(spec.Steps) {
		batch := runnable(spec, completed)
		if len(batch) == 0 {
			break // remaining steps depend on something that failed
		}

		results := make(chan struct {
			name string
			ok   bool
		}, len(batch))

		for _, step := range batch {
			step := step
			_, err := e.sched.Submit(scheduler.KindAgentRuntime, func(ctx context.Context) error {
				outcome := e.runAgent(ctx, runID, phase, step.AgentName)
				results <- struct {
					name string
					ok   bool
				}{name: step.AgentName, ok: outcome}
				return nil
			})
			if err != nil {
				return err
			}
		}

		allOK := true
		for range batch {
			r := <-results
			completed[r.name] = true
			if !r.ok {
				allOK = false
			}
		}
		if !allOK {
			return e.compensatePhase(ctx, runID, phase, newEngineError("Engine", "runPhase", "agent failed permanently", nil))
		}
	}

	if len(completed) < len(spec.Steps) {
		return e.compensatePhase(ctx, runID, phase, newEngineError("Engine", "runPhase", "dependency deadlock", nil))
	}

	if !spec.HasGate {
		return e.advancePastPhase(ctx, runID, phase)
	}

	run, err = e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.Status = model.RunAwaitingApproval
	if err := e.store.PutRun(ctx, run); err != nil {
		return err
	}

	lastAgent := spec.Steps[len(spec.Steps)-1].AgentName
	tasks, err := e.store.ListTasksByRunAndPhase(ctx, runID, phase)
	if err != nil {
		return err
	}
	artifactRef := ""
	for _, t := range tasks {
		if t.AgentName == lastAgent {
			artifactRef = t.OutputRef
		}
	}

	_, err = e.gates.CreateGate(ctx, runID, phase, artifactRef, 0)
	if err == nil {
		e.metrics.RecordGateOpened(phase.String())
	}
	return err
}

// runAgent runs one AgentTask to a terminal or retry-pending outcome,
// looping Runner.Run across retry/backoff cycles until it is terminal.
func (e *Engine) runAgent(ctx context.Context, runID string, phase model.Phase, agentName string) bool {
	logic, ok := e.agents.Logic(agentName)
	if !ok {
		slog.Error("no AgentLogic registered", "agent_name", agentName)
		return false
	}

	task := model.AgentTask{
		TaskID:    fmt.Sprintf("%s-%s", runID, agentName),
		RunID:     runID,
		Phase:     phase,
		AgentName: agentName,
		State:     model.TaskNew,
		StartedAt: time.Now(),
	}

	for {
		outcome := e.runner.Run(ctx, logic, task)
		switch outcome.State {
		case model.TaskCompleted:
			return true
		case model.TaskFailed, model.TaskCancelled:
			return false
		case model.TaskRetrying:
			stored, err := e.store.GetTask(ctx, task.TaskID)
			if err != nil {
				return false
			}
			task = stored
			continue
		default:
			return false
		}
	}
}

func (e *Engine) advanceAfterGate(ctx context.Context, runID string, phase model.Phase) error {
	return e.advancePastPhase(ctx, runID, phase)
}

func (e *Engine) advancePastPhase(ctx context.Context, runID string, phase model.Phase) error {
	next, hasNext := NextPhase(phase)
	if !hasNext {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		run.Status = model.RunCompleted
		if err := e.store.PutRun(ctx, run); err != nil {
			return err
		}
		e.metrics.RecordRunCompleted(string(model.RunCompleted))
		return nil
	}

	_, err := e.sched.Submit(scheduler.KindAgentRuntime, func(ctx context.Context) error {
		return e.runPhase(ctx, runID, next)
	})
	return err
}

// rerunFinalizer implements SPEC_FULL §3d's revision_requested resolution:
// re-run the phase's final agent only, with the gate notes folded into its
// input, then open a fresh gate on the new artifact.
func (e *Engine) rerunFinalizer(ctx context.Context, runID string, phase model.Phase, notes string) error {
	spec, ok := PhaseSpecFor(phase)
	if !ok || len(spec.Steps) == 0 {
		return newEngineError("Engine", "rerunFinalizer", "unknown phase", nil)
	}
	lastAgent := spec.Steps[len(spec.Steps)-1].AgentName

	logic, ok := e.agents.Logic(lastAgent)
	if !ok {
		return newEngineError("Engine", "rerunFinalizer", "no AgentLogic for finalizer", nil)
	}

	task := model.AgentTask{
		TaskID:    fmt.Sprintf("%s-%s-revision", runID, lastAgent),
		RunID:     runID,
		Phase:     phase,
		AgentName: lastAgent,
		State:     model.TaskNew,
		InputRef:  notes,
		StartedAt: time.Now(),
	}
	outcome := e.runner.Run(ctx, logic, task)
	if outcome.State != model.TaskCompleted {
		return e.compensatePhase(ctx, runID, phase, newEngineError("Engine", "rerunFinalizer", "revision re-run failed", outcome.Err))
	}

	_, err := e.gates.CreateGate(ctx, runID, phase, task.OutputRef, 0)
	if err == nil {
		e.metrics.RecordGateOpened(phase.String())
	}
	return err
}

// compensatePhase invokes Compensate in reverse completion order for every
// AgentTask that reached `completed` in phase, retrying each hook up to
// maxCompAttempts times; a hook that still fails raises a critical alert
// but does not re-trigger compensation of compensations (spec §4.1).
func (e *Engine) compensatePhase(ctx context.Context, runID string, phase model.Phase, cause error) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.Status = model.RunCompensating
	if cause != nil {
		run.LastError = cause.Error()
	}
	if err := e.store.PutRun(ctx, run); err != nil {
		return err
	}

	tasks, err := e.store.ListTasksByRunAndPhase(ctx, runID, phase)
	if err != nil {
		return err
	}

	var completed []model.AgentTask
	for _, t := range tasks {
		if t.State == model.TaskCompleted && !t.Compensated {
			completed = append(completed, t)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].UpdatedAt.Before(completed[j].UpdatedAt)
	})
	for i := len(completed) - 1; i >= 0; i-- {
		t := completed[i]
		logic, ok := e.agents.Logic(t.AgentName)
		if !ok {
			slog.Error("cannot compensate: no AgentLogic registered", "agent_name", t.AgentName)
			continue
		}

		state := model.AgentState{TaskID: t.TaskID, RunID: runID, Input: t.InputRef}
		var compErr error
		for attempt := 1; attempt <= e.maxCompAttempts; attempt++ {
			if compErr = logic.Compensate(ctx, state); compErr == nil {
				break
			}
		}
		if compErr != nil {
			slog.Error("compensation failed after max attempts; raising critical alert",
				"agent_name", t.AgentName, "task_id", t.TaskID, "run_id", runID, "error", compErr)
			e.metrics.RecordCompensation(t.AgentName, "failed")
			continue
		}
		t.Compensated = true
		_ = e.store.PutTask(ctx, t)
		e.metrics.RecordCompensation(t.AgentName, "ok")
	}

	run, err = e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.Status = model.RunFailed
	if err := e.store.PutRun(ctx, run); err != nil {
		return err
	}
	e.metrics.RecordRunCompleted(string(model.RunFailed))
	return nil
}
