// Package workflow implements the Workflow Engine (spec §4.1): the fixed
// 5-phase DAG, gate sequencing, and saga compensation that drives a
// WorkflowRun from pending to completed/failed/cancelled. Grounded on the
// teacher's team.Team (service composition, TeamError pattern) and
// workflow.DAGExecutor (phase/step status vocabulary), generalized from a
// config-driven generic DAG to the orchestrator's fixed 5-phase pipeline.
package workflow

import (
	"sort"

	"github.com/outreachforge/orchestrator/pkg/model"
)

// StepSpec is one agent within a phase's ordered/parallel execution plan
// (spec §4.1 phase graph table).
type StepSpec struct {
	AgentName string
	// DependsOn lists sibling agent names (within the same phase) that
	// must complete before this one is runnable. Empty means runnable as
	// soon as the phase starts.
	DependsOn []string
}

// PhaseSpec is one row of the fixed phase graph (spec §4.1).
type PhaseSpec struct {
	Phase  model.Phase
	Steps  []StepSpec
	HasGate bool
}

// Graph is the fixed, ordered phase graph (spec §4.1). It is the same for
// every run — niches/personas/campaigns vary the data, not the shape.
var Graph = []PhaseSpec{
	{
		Phase: model.PhaseMarketIntelligence,
		Steps: []StepSpec{
			{AgentName: "niche_research"},
			{AgentName: "persona_research", DependsOn: []string{"niche_research"}},
			{AgentName: "research_export", DependsOn: []string{"persona_research"}},
		},
		HasGate: true,
	},
	{
		Phase: model.PhaseLeadAcquisition,
		Steps: []StepSpec{
			{AgentName: "list_builder"},
			{AgentName: "validation", DependsOn: []string{"list_builder"}},
			{AgentName: "within_dedup", DependsOn: []string{"validation"}},
			{AgentName: "cross_campaign_dedup", DependsOn: []string{"within_dedup"}},
			{AgentName: "scoring", DependsOn: []string{"cross_campaign_dedup"}},
			{AgentName: "import_finalizer", DependsOn: []string{"scoring"}},
		},
		HasGate: true,
	},
	{
		Phase: model.PhaseVerification,
		Steps: []StepSpec{
			{AgentName: "email_verification"},
			{AgentName: "enrichment"},
			{AgentName: "verification_finalizer", DependsOn: []string{"email_verification", "enrichment"}},
		},
		HasGate: true,
	},
	{
		Phase: model.PhasePersonalization,
		Steps: []StepSpec{
			{AgentName: "company_research"},
			{AgentName: "lead_research"},
			{AgentName: "email_generation", DependsOn: []string{"company_research", "lead_research"}},
			{AgentName: "personalization_finalizer", DependsOn: []string{"email_generation"}},
		},
		HasGate: true,
	},
	{
		Phase: model.PhaseExecution,
		Steps: []StepSpec{
			{AgentName: "campaign_setup"},
			{AgentName: "sending", DependsOn: []string{"campaign_setup"}},
			{AgentName: "reply_monitoring", DependsOn: []string{"sending"}},
			{AgentName: "analytics", DependsOn: []string{"sending"}},
		},
		HasGate: false,
	},
}

// PhaseSpecFor returns the graph entry for phase.
func PhaseSpecFor(phase model.Phase) (PhaseSpec, bool) {
	for _, p := range Graph {
		if p.Phase == phase {
			return p, true
		}
	}
	return PhaseSpec{}, false
}

// NextPhase returns the phase after phase, or false if phase is the last.
func NextPhase(phase model.Phase) (model.Phase, bool) {
	for i, p := range Graph {
		if p.Phase == phase && i+1 < len(Graph) {
			return Graph[i+1].Phase, true
		}
	}
	return 0, false
}

// runnable reports which steps in spec have all of their DependsOn entries
// present in completed, and are not already in completed themselves. All
// returned steps belong to one phase, so ties are broken by sorting them
// by agent name (spec §4.1's phase-ordinal-then-lexicographic-name order).
func runnable(spec PhaseSpec, completed map[string]bool) []StepSpec {
	var out []StepSpec
	for _, step := range spec.Steps {
		if completed[step.AgentName] {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, step)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out
}
