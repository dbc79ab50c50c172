package toolrouter

import "github.com/outreachforge/orchestrator/pkg/model"

// SelectionMode is the per-op escalation strategy (spec §4.3).
type SelectionMode string

const (
	ModeWaterfall                   SelectionMode = "waterfall"
	ModeFanout                      SelectionMode = "fanout"
	ModeCheapestFirstUntilCoverage  SelectionMode = "cheapest_first_until_coverage"
)

// OpConfig is the op-specific configuration spec §4.3 calls out as
// op-configurable: selection mode, max_tier escalation ceiling, the
// "insufficient" predicate's min_k/confidence threshold, and fanout width.
type OpConfig struct {
	Mode       SelectionMode
	MaxTier    model.Tier
	MinResults int     // "insufficient" predicate: results < min_k
	MinConfidence float64 // "insufficient" predicate: confidence < τ
	FanoutK    int     // top-K tools invoked in parallel for ModeFanout
	DedupKey   func(item any) string // merge/dedupe key extractor (e.g. URL, email)
}

// DefaultOpConfig returns a sensible waterfall default for an op that
// hasn't been explicitly configured.
func DefaultOpConfig() OpConfig {
	return OpConfig{
		Mode:       ModeWaterfall,
		MaxTier:    model.TierExpensive,
		MinResults: 1,
		FanoutK:    3,
	}
}

// insufficient reports whether a result set fails the op's coverage
// predicate and escalation should continue.
func (c OpConfig) insufficient(results []any, confidence float64) bool {
	if c.MinResults > 0 && len(results) < c.MinResults {
		return true
	}
	if c.MinConfidence > 0 && confidence < c.MinConfidence {
		return true
	}
	return false
}
