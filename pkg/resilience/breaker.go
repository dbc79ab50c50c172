// Package resilience implements the orchestrator's Resilience Layer
// (spec §4.4): per-tool circuit breakers, token-bucket rate limiters, and
// the exponential-backoff-with-full-jitter retry policy. Circuit breakers
// and rate limiters are process-wide shared state keyed by tool_id, as
// required by spec §3 and §5 ("mutations must be atomic per-key").
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/outreachforge/orchestrator/internal/config"
	"github.com/outreachforge/orchestrator/pkg/model"
)

// BreakerRegistry holds one gobreaker.CircuitBreaker per tool_id, created
// lazily from per-tool config the first time a tool is seen. It is the
// process-wide shared breaker state described in spec §5.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	configs  map[string]config.BreakerConfig
	defaults config.BreakerConfig
}

// NewBreakerRegistry creates a registry seeded with per-tool breaker
// configs; tools absent from the map fall back to defaults.
func NewBreakerRegistry(defaults config.BreakerConfig, perTool map[string]config.BreakerConfig) *BreakerRegistry {
	if perTool == nil {
		perTool = map[string]config.BreakerConfig{}
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		configs:  perTool,
		defaults: defaults,
	}
}

// UpdateConfigs swaps the per-tool config map used for breakers not yet
// constructed. gobreaker bakes its Settings in at construction, so a tool
// already seen keeps its existing thresholds until process restart; this
// only changes what a newly-encountered tool_id gets.
func (r *BreakerRegistry) UpdateConfigs(perTool map[string]config.BreakerConfig) {
	if perTool == nil {
		perTool = map[string]config.BreakerConfig{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = perTool
}

func (r *BreakerRegistry) configFor(toolID string) config.BreakerConfig {
	if cfg, ok := r.configs[toolID]; ok {
		return cfg
	}
	return r.defaults
}

func (r *BreakerRegistry) get(toolID string) *gobreaker.TwoStepCircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[toolID]; ok {
		return b
	}

	cfg := r.configFor(toolID)
	b := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        toolID,
		MaxRequests: 1, // spec §4.4: half_open admits at most one probe at a time
		Interval:    0, // failure_count window never resets while closed except on trip
		Timeout:     cfg.Timeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			// No-op; breaker-state gauges are read through State().
		},
	})
	r.breakers[toolID] = b
	return b
}

// Allow reports whether a call is currently permitted for toolID and, if
// so, returns a done func the caller must invoke with the outcome — this
// mirrors gobreaker's Execute but lets the Tool Router interleave the
// rate-limiter acquire between Allow and the actual call (spec §4.3).
func (r *BreakerRegistry) Allow(toolID string) (done func(success bool), err error) {
	b := r.get(toolID)
	d, err := b.Allow()
	if err != nil {
		return nil, model.NewError("resilience", "Allow", model.ClassCircuitOpen,
			fmt.Sprintf("circuit open for tool %s", toolID), err)
	}
	return d, nil
}

// State returns the current breaker state for a tool, for GetStatus and
// the /metrics gauges (SPEC_FULL §3a).
func (r *BreakerRegistry) State(toolID string) model.BreakerState {
	b := r.get(toolID)
	switch b.State() {
	case gobreaker.StateOpen:
		return model.BreakerOpen
	case gobreaker.StateHalfOpen:
		return model.BreakerHalfOpen
	default:
		return model.BreakerClosed
	}
}

// Snapshot captures every known breaker's state for warm-restart
// persistence (SPEC_FULL §3b).
func (r *BreakerRegistry) Snapshot() []model.CircuitBreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.CircuitBreakerSnapshot, 0, len(r.breakers))
	for toolID, b := range r.breakers {
		counts := b.Counts()
		out = append(out, model.CircuitBreakerSnapshot{
			ToolID:       toolID,
			State:        stateOf(b.State()),
			FailureCount: counts.ConsecutiveFailures,
			SuccessCount: counts.ConsecutiveSuccesses,
		})
	}
	return out
}

func stateOf(s gobreaker.State) model.BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return model.BreakerOpen
	case gobreaker.StateHalfOpen:
		return model.BreakerHalfOpen
	default:
		return model.BreakerClosed
	}
}

// Restore seeds a breaker's internal counters from a persisted snapshot at
// process start (SPEC_FULL §3b). gobreaker does not expose a way to force
// counts directly; a breaker restored as `open` is instead given a short
// synthetic cooldown by re-tripping it: failing probe cycles are recorded
// until the breaker's ReadyToTrip opens it, which is the closest
// behavior-preserving approximation available through the public API.
func (r *BreakerRegistry) Restore(snapshots []model.CircuitBreakerSnapshot, now func() time.Time) {
	for _, snap := range snapshots {
		if snap.State != model.BreakerOpen {
			continue
		}
		b := r.get(snap.ToolID)
		for b.State() != gobreaker.StateOpen {
			done, err := b.Allow()
			if err != nil {
				break
			}
			done(false)
		}
	}
}
