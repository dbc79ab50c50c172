package agents

import (
	"github.com/outreachforge/orchestrator/pkg/model"
	"github.com/outreachforge/orchestrator/pkg/registry"
)

// Registry adapts pkg/registry's generic BaseRegistry into the minimal
// workflow.AgentRegistry shape (Logic(agentName) (model.AgentLogic, bool)),
// grounded on the teacher's component.Registry/tool.Registry wiring
// pattern: one BaseRegistry[T] instance per kind of pluggable thing,
// populated at startup and read-only thereafter.
type Registry struct {
	base *registry.BaseRegistry[model.AgentLogic]
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[model.AgentLogic]()}
}

// Register adds logic under its own Name(). Returns an error if an agent of
// that name is already registered (registry.BaseRegistry.Register).
func (r *Registry) Register(logic model.AgentLogic) error {
	return r.base.Register(logic.Name(), logic)
}

// Logic implements workflow.AgentRegistry.
func (r *Registry) Logic(agentName string) (model.AgentLogic, bool) {
	return r.base.Get(agentName)
}

// Count returns the number of registered agents.
func (r *Registry) Count() int { return r.base.Count() }

// BuildRegistry constructs a Registry populated with all 20 pipeline agents
// named in pkg/workflow/phases.go's Graph, wired to their abstract ops per
// phase. Adapter registration for those ops (concrete ToolAdapters, the ~40
// external services) happens separately at startup; an op with no
// registered adapter simply exhausts its waterfall at runtime (spec §4.3's
// "composite error if all tiers exhausted") rather than failing to build.
func BuildRegistry() (*Registry, error) {
	r := NewRegistry()
	for _, logic := range pipelineAgents() {
		if err := r.Register(logic); err != nil {
			return nil, err
		}
	}
	return r, nil
}

var _ interface {
	Logic(agentName string) (model.AgentLogic, bool)
} = (*Registry)(nil)
