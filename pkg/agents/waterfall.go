// Package agents provides the concrete model.AgentLogic implementations for
// the 20 pipeline agents named in pkg/workflow/phases.go's Graph. Concrete
// agent prompt/LLM content is out of scope (pkg/model/contracts.go); what
// belongs here is the request/response shape each agent drives through the
// Tool Router: which abstract ops it needs, in what order, and how it folds
// the results into a single output.
//
// Grounded on the teacher's component.Component/workflow.DAGExecutor step
// vocabulary, generalized from "execute one config-driven DAG node" to
// "issue one round of tool requests, then fold the results."
package agents

import (
	"context"
	"log/slog"

	"github.com/outreachforge/orchestrator/pkg/model"
)

// RequestSpec is one tool request a WaterfallAgent issues, parameterized by
// the agent's input so every instance of the same agent_name issues the
// same ops with run-specific params.
type RequestSpec struct {
	// Op is the abstract operation requested from the Tool Router (spec
	// §4.3); never a literal tool_id.
	Op string
	// Params builds the request params from the agent's current state.
	// Returning nil is valid when an op needs no state-derived params.
	Params func(state model.AgentState) map[string]any
}

// FoldFunc merges the ordered ToolResultEnvelopes from one round of
// requests into this agent's final output, or returns an error to abort
// the step.
type FoldFunc func(state model.AgentState, results []model.ToolResultEnvelope) (any, error)

// WaterfallAgent is a data-driven model.AgentLogic: on its first Step call
// it issues a configured set of tool requests, and once the Tool Router has
// resolved them it folds the results into Done(output). It never needs
// more than one round trip, which covers every pipeline agent named in the
// phase graph (spec §4.1) except phase 5's reply_monitoring and analytics
// (see PollingAgent) — each is a single bounded unit of tool-mediated
// work, not a multi-turn conversation.
type WaterfallAgent struct {
	name       string
	policy     model.ToolRequestPolicy
	requests   []RequestSpec
	fold       FoldFunc
	compensate CompensateFunc
}

// NewWaterfallAgent builds a WaterfallAgent. policy governs how many of
// requests must succeed before Step folds (spec §4.2's any|all|quorum).
func NewWaterfallAgent(name string, policy model.ToolRequestPolicy, requests []RequestSpec, fold FoldFunc) *WaterfallAgent {
	return &WaterfallAgent{name: name, policy: policy, requests: requests, fold: fold}
}

func (a *WaterfallAgent) Name() string { return a.name }

// Step issues a.requests on the first call (state.ToolResults is empty) and
// folds their resolved results into Done(output) on the next call. A
// request-less agent (len(a.requests) == 0) folds immediately against no
// results, for agents whose "work" is purely a local transform of Input
// (e.g. within_dedup) rather than an external call.
func (a *WaterfallAgent) Step(ctx context.Context, state model.AgentState, tools model.ToolInvoker) (model.StepOutcome, error) {
	if len(a.requests) == 0 {
		output, err := a.fold(state, nil)
		if err != nil {
			return model.StepOutcome{}, err
		}
		return model.Done(output), nil
	}

	if len(state.ToolResults) == 0 {
		requests := make([]model.ToolRequest, len(a.requests))
		for i, spec := range a.requests {
			var params map[string]any
			if spec.Params != nil {
				params = spec.Params(state)
			}
			requests[i] = model.ToolRequest{Index: i, Op: spec.Op, Params: params}
		}
		return model.NeedsTools(a.policy, requests...), nil
	}

	output, err := a.fold(state, state.ToolResults)
	if err != nil {
		return model.StepOutcome{}, err
	}
	return model.Done(output), nil
}

// Compensate logs the reversal of this agent's side effects. AgentLogic.
// Compensate receives no ToolInvoker (pkg/model/contracts.go) — it cannot
// make outbound calls to undo a provider-side effect, so compensation here
// is bookkeeping: recording that a reverse action is owed. Agents whose
// forward action has a real compensating call (e.g. "archive draft
// campaign") get a CompensateFunc; agents with nothing to reverse (read-only
// research/scoring/dedup steps) get nil and this is a no-op.
func (a *WaterfallAgent) Compensate(ctx context.Context, state model.AgentState) error {
	if a.compensate == nil {
		slog.Debug("agent has no compensating action", "agent_name", a.name, "task_id", state.TaskID)
		return nil
	}
	return a.compensate(ctx, state)
}

// CompensateFunc undoes one agent's completed side effects, given the state
// it last ran with. It cannot dispatch tools (see Compensate's doc); it
// logs or records locally (e.g. marking a lead "compensated" in an
// already-fetched output) what a human or a later reconciliation job must
// undo out of band.
type CompensateFunc func(ctx context.Context, state model.AgentState) error

func (a *WaterfallAgent) WithCompensation(fn CompensateFunc) *WaterfallAgent {
	a.compensate = fn
	return a
}
