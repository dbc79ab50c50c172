// Package toolrouter implements the Tool Router (spec §4.3): priority-
// tiered tool selection (waterfall / fanout / cheapest-first-until-
// coverage), single-flight dedup, a per-run result cache, and the
// interaction with the Resilience Layer and Cost Governor that precedes
// every dispatch.
package toolrouter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/outreachforge/orchestrator/pkg/model"
)

// adapterRegistry holds the ToolAdapters registered for one abstract op,
// grouped by tier — the generic Registry[T]/BaseRegistry[T] pattern
// specialized for tiered tool lookup instead of a flat name->item map.
type adapterRegistry struct {
	mu      sync.RWMutex
	byOp    map[string]map[model.Tier][]model.ToolAdapter
}

func newAdapterRegistry() *adapterRegistry {
	return &adapterRegistry{byOp: make(map[string]map[model.Tier][]model.ToolAdapter)}
}

// Register associates an adapter with an abstract op; a concrete adapter
// may be registered under several ops and an op may have many adapters
// spread across tiers.
func (r *adapterRegistry) Register(op string, adapter model.ToolAdapter) error {
	if op == "" {
		return fmt.Errorf("op cannot be empty")
	}
	if adapter == nil {
		return fmt.Errorf("adapter cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tiers, ok := r.byOp[op]
	if !ok {
		tiers = make(map[model.Tier][]model.ToolAdapter)
		r.byOp[op] = tiers
	}
	tiers[adapter.Tier()] = append(tiers[adapter.Tier()], adapter)
	return nil
}

// TiersFor returns the tiers registered for op, in ascending (cheapest
// first) order.
func (r *adapterRegistry) TiersFor(op string) []model.Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tierSet := r.byOp[op]
	tiers := make([]model.Tier, 0, len(tierSet))
	for t := range tierSet {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}

// AdaptersAt returns the adapters registered for op at exactly tier.
func (r *adapterRegistry) AdaptersAt(op string, tier model.Tier) []model.ToolAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.ToolAdapter(nil), r.byOp[op][tier]...)
}

// Count returns how many adapters are registered across all tiers for op.
func (r *adapterRegistry) Count(op string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, adapters := range r.byOp[op] {
		n += len(adapters)
	}
	return n
}
