package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachforge/orchestrator/pkg/workflow"
)

func TestBuildRegistryCoversEveryGraphAgent(t *testing.T) {
	reg, err := BuildRegistry()
	require.NoError(t, err)

	for _, phase := range workflow.Graph {
		for _, step := range phase.Steps {
			logic, ok := reg.Logic(step.AgentName)
			assert.Truef(t, ok, "no AgentLogic registered for %q", step.AgentName)
			if ok {
				assert.Equal(t, step.AgentName, logic.Name())
			}
		}
	}
}

func TestBuildRegistryHasNoDuplicates(t *testing.T) {
	reg, err := BuildRegistry()
	require.NoError(t, err)

	total := 0
	for _, phase := range workflow.Graph {
		total += len(phase.Steps)
	}
	assert.Equal(t, total, reg.Count())
}
