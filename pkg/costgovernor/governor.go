// Package costgovernor implements the Budget & Cost Governor (spec §4.6):
// pre-invocation authorization against run/phase/tool caps, post-invocation
// charging, and 80%-of-cap warnings to the notification channel.
package costgovernor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/outreachforge/orchestrator/internal/config"
	"github.com/outreachforge/orchestrator/pkg/model"
	"github.com/outreachforge/orchestrator/pkg/observability"
	"github.com/outreachforge/orchestrator/pkg/statestore"
)

// Decision is the outcome of Authorize.
type Decision struct {
	Allow  bool
	Reason string
}

// Governor tracks running totals per (run_id, tool_id, phase) and enforces
// the caps of spec §4.6, backed by the StateStore's append-only ledger
// (spec §3 BudgetLedger).
type Governor struct {
	store     statestore.StateStore
	cfg       config.BudgetConfig
	costTable map[string]config.ToolCostConfig // SPEC_FULL §3c
	notifier  model.NotificationChannel

	mu      sync.Mutex
	warned  map[string]bool // per run_id: cap warning already sent

	metrics *observability.Metrics
}

// WithObservability attaches the Metrics handle Charge uses to update the
// orchestrator_run_spend_usd gauge (SPEC_FULL §3a). A Governor built
// without this call keeps it nil, which every Metrics method tolerates.
func (g *Governor) WithObservability(metrics *observability.Metrics) *Governor {
	g.metrics = metrics
	return g
}

// New creates a Governor. notifier may be nil, in which case warnings are
// only logged.
func New(store statestore.StateStore, cfg config.BudgetConfig, costTable map[string]config.ToolCostConfig, notifier model.NotificationChannel) *Governor {
	return &Governor{
		store:     store,
		cfg:       cfg,
		costTable: costTable,
		notifier:  notifier,
		warned:    make(map[string]bool),
	}
}

// EstimatedCost looks up the static (tool_id, op) cost table entry
// (SPEC_FULL §3c) used when the caller has no better estimate.
func (g *Governor) EstimatedCost(toolID, op string) float64 {
	if entry, ok := g.costTable[toolID+"."+op]; ok {
		return entry.EstimatedUSD
	}
	if entry, ok := g.costTable[toolID]; ok {
		return entry.EstimatedUSD
	}
	return 0
}

// Authorize checks run/phase/tool caps before tool dispatch (spec §4.6).
func (g *Governor) Authorize(ctx context.Context, runID, toolID string, phase model.Phase, estimatedUSD float64) (Decision, error) {
	run, err := g.store.GetRun(ctx, runID)
	if err != nil {
		return Decision{}, err
	}

	runSpend, err := g.store.RunSpend(ctx, runID)
	if err != nil {
		return Decision{}, err
	}
	if runSpend+estimatedUSD > run.BudgetCapUSD {
		return Decision{Allow: false, Reason: fmt.Sprintf("run cap $%.2f would be exceeded", run.BudgetCapUSD)}, nil
	}

	if phaseCap, ok := g.cfg.PhaseCapUSD[phase.String()]; ok {
		phaseSpend, err := g.store.PhaseSpend(ctx, runID, phase)
		if err != nil {
			return Decision{}, err
		}
		if phaseSpend+estimatedUSD > phaseCap {
			return Decision{Allow: false, Reason: fmt.Sprintf("phase %s cap $%.2f would be exceeded", phase, phaseCap)}, nil
		}
	}

	if toolCap, ok := g.cfg.ToolCapUSD[toolID]; ok {
		toolSpend, err := g.store.ToolSpend(ctx, runID, toolID)
		if err != nil {
			return Decision{}, err
		}
		if toolSpend+estimatedUSD > toolCap {
			return Decision{Allow: false, Reason: fmt.Sprintf("tool %s cap $%.2f would be exceeded", toolID, toolCap)}, nil
		}
	}

	g.maybeWarn(ctx, run, runSpend+estimatedUSD)

	return Decision{Allow: true}, nil
}

// Charge records actual billed cost after invocation (spec §4.6), always
// using the provider-reported or cost-table-estimated actual_usd, never
// the pre-authorization estimate.
func (g *Governor) Charge(ctx context.Context, runID, toolID string, phase model.Phase, actualUSD float64) error {
	if err := g.store.AppendBudget(ctx, model.BudgetCharge{RunID: runID, ToolID: toolID, Phase: phase, USD: actualUSD}); err != nil {
		return err
	}

	run, err := g.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	spend, err := g.store.RunSpend(ctx, runID)
	if err != nil {
		return err
	}
	run.SpendUSD = spend
	g.metrics.SetRunSpend(runID, spend)
	return g.store.PutRun(ctx, run)
}

func (g *Governor) maybeWarn(ctx context.Context, run model.WorkflowRun, projectedSpend float64) {
	if run.BudgetCapUSD <= 0 {
		return
	}
	if projectedSpend < run.BudgetCapUSD*g.cfg.WarningRatio {
		return
	}

	g.mu.Lock()
	already := g.warned[run.RunID]
	g.warned[run.RunID] = true
	g.mu.Unlock()
	if already {
		return
	}

	msg := fmt.Sprintf("run %s has reached %.0f%% of its $%.2f budget cap", run.RunID, g.cfg.WarningRatio*100, run.BudgetCapUSD)
	slog.Warn("budget warning threshold reached", "run_id", run.RunID, "spend_usd", projectedSpend, "cap_usd", run.BudgetCapUSD)
	if g.notifier != nil {
		if err := g.notifier.Send(ctx, "budget", msg, ""); err != nil {
			slog.Error("failed to send budget warning", "run_id", run.RunID, "error", err)
		}
	}
}
