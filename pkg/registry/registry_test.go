package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachforge/orchestrator/pkg/model"
)

// stubAgentLogic is a minimal model.AgentLogic double for exercising
// BaseRegistry[model.AgentLogic] without pulling in a real pipeline agent.
type stubAgentLogic struct {
	name string
}

func (s stubAgentLogic) Name() string { return s.name }

func (s stubAgentLogic) Step(ctx context.Context, state model.AgentState, tools model.ToolInvoker) (model.StepOutcome, error) {
	return model.Done(map[string]any{"agent": s.name}), nil
}

func (s stubAgentLogic) Compensate(ctx context.Context, state model.AgentState) error {
	return nil
}

func TestBaseRegistryRegisterAndGet(t *testing.T) {
	reg := NewBaseRegistry[model.AgentLogic]()

	require.NoError(t, reg.Register("niche_research", stubAgentLogic{name: "niche_research"}))
	require.NoError(t, reg.Register("scoring", stubAgentLogic{name: "scoring"}))

	logic, ok := reg.Get("niche_research")
	require.True(t, ok)
	assert.Equal(t, "niche_research", logic.Name())

	_, ok = reg.Get("reply_monitoring")
	assert.False(t, ok)
}

func TestBaseRegistryRegisterRejectsEmptyName(t *testing.T) {
	reg := NewBaseRegistry[model.AgentLogic]()

	err := reg.Register("", stubAgentLogic{name: "unnamed"})
	assert.Error(t, err)
	assert.Equal(t, 0, reg.Count())
}

func TestBaseRegistryRegisterRejectsDuplicateAgentName(t *testing.T) {
	reg := NewBaseRegistry[model.AgentLogic]()

	require.NoError(t, reg.Register("outreach_send", stubAgentLogic{name: "outreach_send"}))

	err := reg.Register("outreach_send", stubAgentLogic{name: "outreach_send"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
	assert.Equal(t, 1, reg.Count())
}

func TestBaseRegistryListAndCount(t *testing.T) {
	reg := NewBaseRegistry[model.AgentLogic]()

	agentNames := []string{"niche_research", "scoring", "copywriting"}
	for _, name := range agentNames {
		require.NoError(t, reg.Register(name, stubAgentLogic{name: name}))
	}

	assert.Equal(t, len(agentNames), reg.Count())

	listed := make(map[string]bool)
	for _, logic := range reg.List() {
		listed[logic.Name()] = true
	}
	for _, name := range agentNames {
		assert.True(t, listed[name], "expected %s in List()", name)
	}
}

func TestBaseRegistryRemove(t *testing.T) {
	reg := NewBaseRegistry[model.AgentLogic]()
	require.NoError(t, reg.Register("deliverability_check", stubAgentLogic{name: "deliverability_check"}))

	require.NoError(t, reg.Remove("deliverability_check"))
	_, ok := reg.Get("deliverability_check")
	assert.False(t, ok)

	err := reg.Remove("deliverability_check")
	assert.Error(t, err)
}

func TestBaseRegistryClear(t *testing.T) {
	reg := NewBaseRegistry[model.AgentLogic]()
	require.NoError(t, reg.Register("analytics", stubAgentLogic{name: "analytics"}))
	require.NoError(t, reg.Register("reply_monitoring", stubAgentLogic{name: "reply_monitoring"}))

	reg.Clear()

	assert.Equal(t, 0, reg.Count())
	assert.Empty(t, reg.List())
}
