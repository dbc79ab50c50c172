package agents

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/outreachforge/orchestrator/pkg/model"
)

// PollingAgent is a model.AgentLogic for phase 5's long-running monitors
// (SPEC_FULL §3e: reply_monitoring, analytics). Unlike WaterfallAgent it
// never returns Done: each round it issues its one request, folds the
// result into the checkpoint payload, and asks the runtime to re-enter it
// rather than terminate. CancelRun is the only way such an agent stops.
type PollingAgent struct {
	name       string
	policy     model.ToolRequestPolicy
	request    RequestSpec
	fold       FoldFunc
	compensate CompensateFunc
}

// NewPollingAgent builds a PollingAgent around a single tool request per
// round; fold merges that round's results into the payload checkpointed
// between polls.
func NewPollingAgent(name string, policy model.ToolRequestPolicy, request RequestSpec, fold FoldFunc) *PollingAgent {
	return &PollingAgent{name: name, policy: policy, request: request, fold: fold}
}

func (a *PollingAgent) Name() string { return a.name }

// Step issues a.request whenever the previous round's results have already
// been folded (state.ToolResults is empty, which the Agent Runtime
// guarantees after every CheckpointAndContinue), then folds the resolved
// results into a new checkpoint instead of Done.
func (a *PollingAgent) Step(ctx context.Context, state model.AgentState, tools model.ToolInvoker) (model.StepOutcome, error) {
	if len(state.ToolResults) == 0 {
		var params map[string]any
		if a.request.Params != nil {
			params = a.request.Params(state)
		}
		return model.NeedsTools(a.policy, model.ToolRequest{Index: 0, Op: a.request.Op, Params: params}), nil
	}

	output, err := a.fold(state, state.ToolResults)
	if err != nil {
		return model.StepOutcome{}, err
	}
	payload, err := json.Marshal(output)
	if err != nil {
		return model.StepOutcome{}, err
	}
	return model.CheckpointAndContinue(payload), nil
}

// Compensate runs the hook set by WithCompensation, if any. There is
// nothing transactional here to reverse. The Workflow Engine compensates
// only tasks that reached completed, which a PollingAgent never does, so a
// failed phase-5 run does not call this; it does compensate the phase's
// completed agents (campaign_setup, sending).
func (a *PollingAgent) Compensate(ctx context.Context, state model.AgentState) error {
	if a.compensate == nil {
		slog.Debug("polling agent has no compensating action", "agent_name", a.name, "task_id", state.TaskID)
		return nil
	}
	return a.compensate(ctx, state)
}

func (a *PollingAgent) WithCompensation(fn CompensateFunc) *PollingAgent {
	a.compensate = fn
	return a
}
