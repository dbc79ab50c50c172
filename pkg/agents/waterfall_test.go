package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachforge/orchestrator/pkg/model"
)

func TestWaterfallAgentNeedsToolsThenFolds(t *testing.T) {
	agent := NewWaterfallAgent("niche_research", quorum1,
		[]RequestSpec{
			{Op: "market.trend_scan", Params: nicheParams},
			{Op: "market.competitor_scan", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, _, err := requireAny("niche_research", results)
			if err != nil {
				return nil, err
			}
			return map[string]any{"niche_signals": values}, nil
		},
	)

	first, err := agent.Step(context.Background(), model.AgentState{RunID: "run-1"}, nil)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeNeedsTools, first.Kind)
	require.Len(t, first.Requests, 2)
	assert.Equal(t, "market.trend_scan", first.Requests[0].Op)
	assert.Equal(t, "run-1", first.Requests[0].Params["run_id"])

	second, err := agent.Step(context.Background(), model.AgentState{
		RunID: "run-1",
		ToolResults: []model.ToolResultEnvelope{
			{Request: first.Requests[0], Result: "trend-data"},
			{Request: first.Requests[1], Err: errors.New("competitor api down")},
		},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeDone, second.Kind)
	out := second.Output.(map[string]any)
	assert.Equal(t, []any{"trend-data"}, out["niche_signals"])
}

func TestWaterfallAgentAbortsWhenAllSourcesFail(t *testing.T) {
	agent := NewWaterfallAgent("scoring", quorum1,
		[]RequestSpec{{Op: "enrich.firmographic_score", Params: nicheParams}},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			_, _, err := requireAny("scoring", results)
			return nil, err
		},
	)

	requested, err := agent.Step(context.Background(), model.AgentState{}, nil)
	require.NoError(t, err)

	_, err = agent.Step(context.Background(), model.AgentState{
		ToolResults: []model.ToolResultEnvelope{
			{Request: requested.Requests[0], Err: errors.New("rate limited")},
		},
	}, nil)
	assert.Error(t, err)
}

func TestWaterfallAgentWithNoRequestsFoldsImmediately(t *testing.T) {
	agent := NewWaterfallAgent("within_dedup", model.ToolRequestPolicy{}, nil,
		func(state model.AgentState, _ []model.ToolResultEnvelope) (any, error) {
			return map[string]any{"deduped_leads": state.Input}, nil
		},
	)

	outcome, err := agent.Step(context.Background(), model.AgentState{Input: []string{"a@x.com"}}, nil)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeDone, outcome.Kind)
	out := outcome.Output.(map[string]any)
	assert.Equal(t, []string{"a@x.com"}, out["deduped_leads"])
}

func TestWaterfallAgentCompensateIsLocalOnly(t *testing.T) {
	var called bool
	agent := NewWaterfallAgent("campaign_setup", all, nil,
		func(state model.AgentState, _ []model.ToolResultEnvelope) (any, error) { return nil, nil },
	).WithCompensation(func(ctx context.Context, state model.AgentState) error {
		called = true
		return nil
	})

	require.NoError(t, agent.Compensate(context.Background(), model.AgentState{TaskID: "task-1"}))
	assert.True(t, called)
}

func TestWaterfallAgentCompensateWithoutHookIsNoop(t *testing.T) {
	agent := NewWaterfallAgent("niche_research", quorum1, nil,
		func(state model.AgentState, _ []model.ToolResultEnvelope) (any, error) { return nil, nil },
	)
	assert.NoError(t, agent.Compensate(context.Background(), model.AgentState{}))
}
