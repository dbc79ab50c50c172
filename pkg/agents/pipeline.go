package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/outreachforge/orchestrator/pkg/model"
)

// quorum1 is the common policy for fanout ops where any one source
// suffices to make progress (spec §4.3 mode `fanout`, request policy
// "any").
var quorum1 = model.ToolRequestPolicy{Mode: "any"}

// all is the policy for requests that must all succeed before a step
// folds — used where a downstream finalizer needs every upstream source.
var all = model.ToolRequestPolicy{Mode: "all"}

// pipelineAgents returns the concrete AgentLogic for all 20 agent_names in
// pkg/workflow/phases.go's Graph, grouped by phase. Op names are abstract
// (spec §4.3) — they name the capability, not a tool_id; the Tool Router
// resolves each to one of the ~40 registered ToolAdapters by tier.
func pipelineAgents() []model.AgentLogic {
	var out []model.AgentLogic
	out = append(out, marketIntelligenceAgents()...)
	out = append(out, leadAcquisitionAgents()...)
	out = append(out, verificationAgents()...)
	out = append(out, personalizationAgents()...)
	out = append(out, executionAgents()...)
	return out
}

// okResults returns the successful values from results, in request order,
// and a map of op -> error string for the ones that failed.
func okResults(results []model.ToolResultEnvelope) ([]any, map[string]string) {
	var values []any
	errs := map[string]string{}
	for _, r := range results {
		if r.Err != nil {
			errs[r.Request.Op] = r.Err.Error()
			continue
		}
		values = append(values, r.Result)
	}
	return values, errs
}

// requireAny folds results that used the quorum1 policy: at least one
// success is already guaranteed by the runtime before fold runs, but a
// retry after a transient failure can still leave only errors, which this
// rejects explicitly rather than returning an empty artifact.
func requireAny(agentName string, results []model.ToolResultEnvelope) ([]any, map[string]string, error) {
	values, errs := okResults(results)
	if len(values) == 0 {
		return nil, errs, fmt.Errorf("%s: no source produced a usable result: %v", agentName, errs)
	}
	return values, errs, nil
}

// -----------------------------------------------------------------------
// Phase 1: Market Intelligence
// -----------------------------------------------------------------------

func marketIntelligenceAgents() []model.AgentLogic {
	nicheResearch := NewWaterfallAgent("niche_research", quorum1,
		[]RequestSpec{
			{Op: "market.trend_scan", Params: nicheParams},
			{Op: "market.competitor_scan", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs, err := requireAny("niche_research", results)
			if err != nil {
				return nil, err
			}
			return map[string]any{"niche_signals": values, "sources_failed": errs}, nil
		},
	)

	personaResearch := NewWaterfallAgent("persona_research", quorum1,
		[]RequestSpec{
			{Op: "market.audience_segment", Params: nicheParams},
			{Op: "market.pain_point_scan", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs, err := requireAny("persona_research", results)
			if err != nil {
				return nil, err
			}
			return map[string]any{"personas": values, "sources_failed": errs}, nil
		},
	)

	researchExport := NewWaterfallAgent("research_export", all,
		[]RequestSpec{
			{Op: "docs.export_brief", Params: func(state model.AgentState) map[string]any {
				return map[string]any{"run_id": state.RunID, "format": "pdf"}
			}},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs := okResults(results)
			if len(errs) > 0 {
				return nil, fmt.Errorf("research_export: %v", errs)
			}
			return map[string]any{"brief_ref": firstOrNil(values)}, nil
		},
	).WithCompensation(logOnlyCompensation("research_export"))

	return []model.AgentLogic{nicheResearch, personaResearch, researchExport}
}

func nicheParams(state model.AgentState) map[string]any {
	return map[string]any{"run_id": state.RunID}
}

// -----------------------------------------------------------------------
// Phase 2: Lead Acquisition
// -----------------------------------------------------------------------

func leadAcquisitionAgents() []model.AgentLogic {
	listBuilder := NewWaterfallAgent("list_builder", quorum1,
		[]RequestSpec{
			{Op: "leads.source_directory", Params: nicheParams},
			{Op: "leads.source_crawl", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs, err := requireAny("list_builder", results)
			if err != nil {
				return nil, err
			}
			return map[string]any{"leads": values, "sources_failed": errs}, nil
		},
	)

	validation := NewWaterfallAgent("validation", all,
		[]RequestSpec{
			{Op: "leads.validate_format", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs := okResults(results)
			if len(errs) > 0 {
				return nil, fmt.Errorf("validation: %v", errs)
			}
			return map[string]any{"valid_leads": firstOrNil(values)}, nil
		},
	)

	// within_dedup only needs the batch already in hand (no external call);
	// cross_campaign_dedup needs a second lookup, the CRM's own record of
	// prior campaigns, to tell "seen before" from "new".
	withinDedup := NewWaterfallAgent("within_dedup", model.ToolRequestPolicy{}, nil,
		func(state model.AgentState, _ []model.ToolResultEnvelope) (any, error) {
			return map[string]any{"deduped_leads": state.Input}, nil
		},
	)

	crossCampaignDedup := NewWaterfallAgent("cross_campaign_dedup", all,
		[]RequestSpec{
			{Op: "crm.lookup_existing", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs := okResults(results)
			if len(errs) > 0 {
				return nil, fmt.Errorf("cross_campaign_dedup: %v", errs)
			}
			return map[string]any{"new_leads": firstOrNil(values)}, nil
		},
	)

	scoring := NewWaterfallAgent("scoring", quorum1,
		[]RequestSpec{
			{Op: "enrich.firmographic_score", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs, err := requireAny("scoring", results)
			if err != nil {
				return nil, err
			}
			return map[string]any{"scored_leads": values, "sources_failed": errs}, nil
		},
	)

	importFinalizer := NewWaterfallAgent("import_finalizer", all,
		[]RequestSpec{
			{Op: "crm.import_batch", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs := okResults(results)
			if len(errs) > 0 {
				return nil, fmt.Errorf("import_finalizer: %v", errs)
			}
			return map[string]any{"import_batch_ref": firstOrNil(values)}, nil
		},
	).WithCompensation(logOnlyCompensation("import_finalizer"))

	return []model.AgentLogic{listBuilder, validation, withinDedup, crossCampaignDedup, scoring, importFinalizer}
}

// -----------------------------------------------------------------------
// Phase 3: Verification
// -----------------------------------------------------------------------

func verificationAgents() []model.AgentLogic {
	emailVerification := NewWaterfallAgent("email_verification", quorum1,
		[]RequestSpec{
			{Op: "email.verify_mx", Params: nicheParams},
			{Op: "email.verify_smtp", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs, err := requireAny("email_verification", results)
			if err != nil {
				return nil, err
			}
			return map[string]any{"verified_emails": values, "sources_failed": errs}, nil
		},
	)

	enrichment := NewWaterfallAgent("enrichment", quorum1,
		[]RequestSpec{
			{Op: "enrich.company_profile", Params: nicheParams},
			{Op: "enrich.person_profile", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs, err := requireAny("enrichment", results)
			if err != nil {
				return nil, err
			}
			return map[string]any{"enriched_leads": values, "sources_failed": errs}, nil
		},
	)

	verificationFinalizer := NewWaterfallAgent("verification_finalizer", all,
		[]RequestSpec{
			{Op: "docs.export_verified_list", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs := okResults(results)
			if len(errs) > 0 {
				return nil, fmt.Errorf("verification_finalizer: %v", errs)
			}
			return map[string]any{"verified_list_ref": firstOrNil(values)}, nil
		},
	).WithCompensation(logOnlyCompensation("verification_finalizer"))

	return []model.AgentLogic{emailVerification, enrichment, verificationFinalizer}
}

// -----------------------------------------------------------------------
// Phase 4: Personalization
// -----------------------------------------------------------------------

func personalizationAgents() []model.AgentLogic {
	companyResearch := NewWaterfallAgent("company_research", quorum1,
		[]RequestSpec{
			{Op: "research.company_news", Params: nicheParams},
			{Op: "research.company_tech_stack", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs, err := requireAny("company_research", results)
			if err != nil {
				return nil, err
			}
			return map[string]any{"company_context": values, "sources_failed": errs}, nil
		},
	)

	leadResearch := NewWaterfallAgent("lead_research", quorum1,
		[]RequestSpec{
			{Op: "research.linkedin_profile", Params: nicheParams},
			{Op: "research.social_activity", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs, err := requireAny("lead_research", results)
			if err != nil {
				return nil, err
			}
			return map[string]any{"lead_context": values, "sources_failed": errs}, nil
		},
	)

	emailGeneration := NewWaterfallAgent("email_generation", all,
		[]RequestSpec{
			{Op: "content.generate_draft", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs := okResults(results)
			if len(errs) > 0 {
				return nil, fmt.Errorf("email_generation: %v", errs)
			}
			return map[string]any{"drafts": firstOrNil(values)}, nil
		},
	)

	// personalization_finalizer's forward action drafts campaigns in the
	// ESP. Compensate receives no ToolInvoker, so its compensation does not
	// archive them: it logs a warning that the drafts need manual archival.
	personalizationFinalizer := NewWaterfallAgent("personalization_finalizer", all,
		[]RequestSpec{
			{Op: "docs.export_campaign_drafts", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs := okResults(results)
			if len(errs) > 0 {
				return nil, fmt.Errorf("personalization_finalizer: %v", errs)
			}
			return map[string]any{"draft_campaign_ref": firstOrNil(values)}, nil
		},
	).WithCompensation(func(ctx context.Context, state model.AgentState) error {
		slog.Warn("compensating personalization_finalizer: draft campaigns require manual archival",
			"task_id", state.TaskID, "run_id", state.RunID)
		return nil
	})

	return []model.AgentLogic{companyResearch, leadResearch, emailGeneration, personalizationFinalizer}
}

// -----------------------------------------------------------------------
// Phase 5: Execution
// -----------------------------------------------------------------------

func executionAgents() []model.AgentLogic {
	campaignSetup := NewWaterfallAgent("campaign_setup", all,
		[]RequestSpec{
			{Op: "esp.create_campaign", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs := okResults(results)
			if len(errs) > 0 {
				return nil, fmt.Errorf("campaign_setup: %v", errs)
			}
			return map[string]any{"campaign_ref": firstOrNil(values)}, nil
		},
	).WithCompensation(func(ctx context.Context, state model.AgentState) error {
		slog.Warn("compensating campaign_setup: draft campaign requires manual archival", "task_id", state.TaskID, "run_id", state.RunID)
		return nil
	})

	// sending's compensation only logs a warning: it cannot un-send
	// already-delivered mail, and it does not itself mark the leads as
	// unsent; that bookkeeping is left to an operator.
	sending := NewWaterfallAgent("sending", all,
		[]RequestSpec{
			{Op: "esp.send_batch", Params: nicheParams},
		},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs := okResults(results)
			if len(errs) > 0 {
				return nil, fmt.Errorf("sending: %v", errs)
			}
			return map[string]any{"send_batch_ref": firstOrNil(values)}, nil
		},
	).WithCompensation(func(ctx context.Context, state model.AgentState) error {
		slog.Warn("compensating sending: leads require manual marking as unsent", "task_id", state.TaskID, "run_id", state.RunID)
		return nil
	})

	// reply_monitoring and analytics never reach Done (SPEC_FULL §3e): each
	// round polls once, folds into the checkpoint, and asks to be re-entered.
	replyMonitoring := NewPollingAgent("reply_monitoring", quorum1,
		RequestSpec{Op: "inbox.poll_replies", Params: nicheParams},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs, err := requireAny("reply_monitoring", results)
			if err != nil {
				return nil, err
			}
			return map[string]any{"replies": values, "sources_failed": errs}, nil
		},
	).WithCompensation(func(ctx context.Context, state model.AgentState) error {
		slog.Warn("reply_monitoring compensation: nothing to reverse", "task_id", state.TaskID, "run_id", state.RunID)
		return nil
	})

	analytics := NewPollingAgent("analytics", quorum1,
		RequestSpec{Op: "analytics.aggregate_metrics", Params: nicheParams},
		func(state model.AgentState, results []model.ToolResultEnvelope) (any, error) {
			values, errs, err := requireAny("analytics", results)
			if err != nil {
				return nil, err
			}
			return map[string]any{"metrics": values, "sources_failed": errs}, nil
		},
	).WithCompensation(func(ctx context.Context, state model.AgentState) error {
		slog.Warn("analytics compensation: nothing to reverse", "task_id", state.TaskID, "run_id", state.RunID)
		return nil
	})

	return []model.AgentLogic{campaignSetup, sending, replyMonitoring, analytics}
}

// -----------------------------------------------------------------------
// Shared helpers
// -----------------------------------------------------------------------

func firstOrNil(values []any) any {
	if len(values) == 0 {
		return nil
	}
	return values[0]
}

// logOnlyCompensation is for finalizers whose forward action produced a
// read-only export (a brief, a list snapshot) with nothing external to
// reverse; compensation just records that the artifact is stale.
func logOnlyCompensation(agentName string) CompensateFunc {
	return func(ctx context.Context, state model.AgentState) error {
		slog.Info("compensating agent with no external side effect to reverse",
			"agent_name", agentName, "task_id", state.TaskID, "run_id", state.RunID)
		return nil
	}
}
