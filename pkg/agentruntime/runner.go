// Package agentruntime drives a single AgentTask through its state machine
// (spec §4.2), invoking AgentLogic.Step and mediating its tool calls via the
// Tool Router. Grounded on the teacher's pkg/task.Task state machine and
// pkg/agent's checkpoint/resume plumbing, generalized from A2A-protocol
// task lifecycle to the orchestrator's StepOutcome-driven loop.
package agentruntime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/outreachforge/orchestrator/pkg/model"
	"github.com/outreachforge/orchestrator/pkg/observability"
	"github.com/outreachforge/orchestrator/pkg/statestore"
	"github.com/outreachforge/orchestrator/pkg/toolrouter"
)

// CancelGrace is how long the runtime waits for in-flight tool requests to
// resolve after a cancel signal before forcing the task to `cancelled`
// (spec §4.2: "grace window (default 10s)").
const CancelGrace = 10 * time.Second

// Runner drives one AgentTask's step loop to completion, suspension, or
// failure, persisting state transitions and checkpoints as it goes.
type Runner struct {
	store        statestore.StateStore
	router       *toolrouter.Router
	retry        RetryPolicy
	pollInterval time.Duration
	metrics      *observability.Metrics
	tracer       *observability.Tracer
}

// RetryPolicy decides whether and how long to wait before retrying a
// transient failure (spec §4.2's "retry with backoff (per-agent policy)").
// resilience.Policy satisfies this.
type RetryPolicy interface {
	Delay(attempt int, retryAfter time.Duration) time.Duration
	MaxAttempts() int
}

// New constructs a Runner. pollInterval is the wait observed between
// re-entering a CheckpointAndContinue agent's Step (SPEC_FULL §3e).
func New(store statestore.StateStore, router *toolrouter.Router, retry RetryPolicy, pollInterval time.Duration) *Runner {
	return &Runner{store: store, router: router, retry: retry, pollInterval: pollInterval}
}

// WithObservability attaches the Metrics/Tracer handles used to record
// AgentTask.Step spans and step-outcome counters (SPEC_FULL §3a). A Runner
// built without this call runs with both nil'd out, which every Metrics/
// Tracer method tolerates.
func (r *Runner) WithObservability(metrics *observability.Metrics, tracer *observability.Tracer) *Runner {
	r.metrics = metrics
	r.tracer = tracer
	return r
}

// Outcome is what Run reports to the Workflow Engine once the task can no
// longer make progress without external action (it completed, failed,
// is due for a retry, or was cancelled).
type Outcome struct {
	State  model.AgentTaskState
	Output any
	Err    error
}

// Run drives task through repeated AgentLogic.Step calls until it reaches
// completed, failed, cancelled, or retrying. A transient failure returns
// retrying once the retry policy's backoff delay has elapsed; a rate-limited
// or circuit-open failure returns retrying at once. In both cases the
// caller re-invokes Run.
func (r *Runner) Run(ctx context.Context, logic model.AgentLogic, task model.AgentTask) Outcome {
	if task.State == model.TaskNew {
		task.State = model.TaskValidating
		if err := r.store.PutTask(ctx, task); err != nil {
			return Outcome{State: model.TaskFailed, Err: err}
		}
		task.State = model.TaskReady
	}

	task.State = model.TaskRunning
	task.Attempt++
	if err := r.persist(ctx, task); err != nil {
		return Outcome{State: model.TaskFailed, Err: err}
	}

	var lastResults []model.ToolResultEnvelope

	for {
		select {
		case <-ctx.Done():
			return r.cancel(context.WithoutCancel(ctx), task)
		default:
		}

		state, err := r.buildState(ctx, task, lastResults)
		if err != nil {
			return r.fail(ctx, task, err)
		}

		stepCtx, span := r.tracer.StartAgentStep(ctx, task.RunID, task.TaskID, logic.Name(), task.Phase.String())
		stepStarted := time.Now()
		step, err := logic.Step(stepCtx, state, r.router)
		if err != nil {
			r.tracer.RecordError(span, err)
			span.End()
			r.recordStep(logic.Name(), task.Phase, "error", stepStarted)
			return r.handleFailure(ctx, task, err)
		}

		switch step.Kind {
		case model.OutcomeDone:
			span.End()
			r.recordStep(logic.Name(), task.Phase, "done", stepStarted)
			task.State = model.TaskCompleted
			task.OutputRef = fmt.Sprintf("%v", step.Output)
			if perr := r.persist(ctx, task); perr != nil {
				return Outcome{State: model.TaskFailed, Err: perr}
			}
			return Outcome{State: model.TaskCompleted, Output: step.Output}

		case model.OutcomeAbort:
			span.End()
			r.recordStep(logic.Name(), task.Phase, "abort", stepStarted)
			return r.fail(ctx, task, step.Reason)

		case model.OutcomeCheckpointAndContinue:
			span.End()
			r.recordStep(logic.Name(), task.Phase, "checkpoint_and_continue", stepStarted)
			if err := r.checkpoint(ctx, task.TaskID, step.State); err != nil {
				return Outcome{State: model.TaskFailed, Err: err}
			}
			task.State = model.TaskCheckpointed
			if err := r.persist(ctx, task); err != nil {
				return Outcome{State: model.TaskFailed, Err: err}
			}
			task.State = model.TaskRunning
			lastResults = nil // this round's results are folded into the checkpoint; next Step starts a fresh poll

			select {
			case <-ctx.Done():
				return r.cancel(context.WithoutCancel(ctx), task)
			case <-time.After(r.pollInterval):
			}

		case model.OutcomeNeedsTools:
			span.End()
			r.recordStep(logic.Name(), task.Phase, "needs_tools", stepStarted)
			task.State = model.TaskSuspended
			if err := r.persist(ctx, task); err != nil {
				return Outcome{State: model.TaskFailed, Err: err}
			}

			results, err := r.dispatch(ctx, task, step)
			if err != nil {
				return r.handleFailure(ctx, task, err)
			}

			if err := r.checkpoint(ctx, task.TaskID, nil); err != nil {
				return Outcome{State: model.TaskFailed, Err: err}
			}
			task.State = model.TaskRunning
			lastResults = results
			if err := r.persist(ctx, task); err != nil {
				return Outcome{State: model.TaskFailed, Err: err}
			}
		}
	}
}

// handleFailure classifies a boundary error and decides retry vs abort per
// the spec §4.2 failure-classification table.
func (r *Runner) handleFailure(ctx context.Context, task model.AgentTask, err error) Outcome {
	class := model.ClassificationOf(err)

	switch class {
	case model.ClassTransient:
		if task.Attempt >= r.retry.MaxAttempts() {
			return r.fail(ctx, task, err)
		}
		task.State = model.TaskRetrying
		task.LastError = err.Error()
		if perr := r.persist(ctx, task); perr != nil {
			return Outcome{State: model.TaskFailed, Err: perr}
		}
		delay := r.retry.Delay(task.Attempt, 0)
		slog.Info("agent task retrying after transient failure", "task_id", task.TaskID, "attempt", task.Attempt, "delay", delay)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		return Outcome{State: model.TaskRetrying, Err: err}

	case model.ClassRateLimited, model.ClassCircuitOpen:
		task.State = model.TaskRetrying
		task.LastError = err.Error()
		if perr := r.persist(ctx, task); perr != nil {
			return Outcome{State: model.TaskFailed, Err: perr}
		}
		return Outcome{State: model.TaskRetrying, Err: err}

	default: // ClassPermanent, ClassBudgetDenied, ClassInternal, ClassInput
		return r.fail(ctx, task, err)
	}
}

func (r *Runner) fail(ctx context.Context, task model.AgentTask, err error) Outcome {
	task.State = model.TaskFailed
	if err != nil {
		task.LastError = err.Error()
	}
	if perr := r.persist(ctx, task); perr != nil {
		return Outcome{State: model.TaskFailed, Err: perr}
	}
	return Outcome{State: model.TaskFailed, Err: err}
}

// cancel awaits in-flight work for CancelGrace before forcing terminal
// cancellation (spec §4.2).
func (r *Runner) cancel(ctx context.Context, task model.AgentTask) Outcome {
	graceCtx, cancel := context.WithTimeout(ctx, CancelGrace)
	defer cancel()
	<-graceCtx.Done()

	task.State = model.TaskCancelled
	if err := r.persist(ctx, task); err != nil {
		return Outcome{State: model.TaskFailed, Err: err}
	}
	return Outcome{State: model.TaskCancelled}
}

// recordStep emits the orchestrator_agent_step metric family (SPEC_FULL
// §3a) for one AgentLogic.Step call; a nil r.metrics is a no-op.
func (r *Runner) recordStep(agentName string, phase model.Phase, outcome string, started time.Time) {
	r.metrics.RecordAgentStep(agentName, phase.String(), outcome, time.Since(started))
}

func (r *Runner) persist(ctx context.Context, task model.AgentTask) error {
	task.UpdatedAt = time.Now()
	return r.store.PutTask(ctx, task)
}

func (r *Runner) checkpoint(ctx context.Context, taskID string, payload []byte) error {
	latest, ok, err := r.store.LatestCheckpoint(ctx, taskID)
	if err != nil {
		return err
	}
	version := int64(1)
	if ok {
		version = latest.Version + 1
	}
	return r.store.PutCheckpoint(ctx, model.Checkpoint{
		TaskID:    taskID,
		Version:   version,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
}

func (r *Runner) buildState(ctx context.Context, task model.AgentTask, lastResults []model.ToolResultEnvelope) (model.AgentState, error) {
	cp, ok, err := r.store.LatestCheckpoint(ctx, task.TaskID)
	if err != nil {
		return model.AgentState{}, err
	}
	var payload []byte
	if ok {
		payload = cp.Payload
	}
	return model.AgentState{
		TaskID:      task.TaskID,
		RunID:       task.RunID,
		Attempt:     task.Attempt,
		Checkpoint:  payload,
		ToolResults: lastResults,
		Input:       task.InputRef,
	}, nil
}

// dispatch issues every request in a NeedsTools StepOutcome through the
// Tool Router concurrently, waits per the request policy, and returns
// results ordered by request index regardless of completion order
// (spec §4.2).
func (r *Runner) dispatch(ctx context.Context, task model.AgentTask, step model.StepOutcome) ([]model.ToolResultEnvelope, error) {
	type indexed struct {
		idx int
		env model.ToolResultEnvelope
	}
	out := make(chan indexed, len(step.Requests))

	for _, req := range step.Requests {
		req := req
		go func() {
			res, err := r.router.Invoke(ctx, task.RunID, task.TaskID, req.Op, req.Params, task.Phase)
			var val any
			if len(res.Values) > 0 {
				val = res.Values[0]
			}
			out <- indexed{idx: req.Index, env: model.ToolResultEnvelope{Request: req, Result: val, Err: err}}
		}()
	}

	resolved := make([]model.ToolResultEnvelope, len(step.Requests))
	need := len(step.Requests)
	if step.Policy.Mode == "quorum" && step.Policy.Quorum > 0 {
		need = step.Policy.Quorum
	} else if step.Policy.Mode == "any" {
		need = 1
	}

	var lastErr error
	got := 0
	for i := 0; i < len(step.Requests); i++ {
		item := <-out
		resolved[item.idx] = item.env
		if item.env.Err != nil {
			lastErr = item.env.Err
			continue
		}
		got++
		if got >= need && step.Policy.Mode != "all" {
			return resolved, nil
		}
	}

	if got == 0 && lastErr != nil {
		return resolved, lastErr
	}
	return resolved, nil
}
