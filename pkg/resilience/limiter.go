package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/outreachforge/orchestrator/internal/config"
	"github.com/outreachforge/orchestrator/pkg/model"
)

// LimiterRegistry holds one token bucket per tool_id (spec §3, §4.4): a
// process-wide map of golang.org/x/time/rate.Limiters, capacity = burst
// allowance, refill = provider-documented steady-state RPS.
type LimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	configs  map[string]config.RateConfig
	defaults config.RateConfig
}

// NewLimiterRegistry creates a registry seeded with per-tool rate configs;
// tools absent from the map fall back to defaults.
func NewLimiterRegistry(defaults config.RateConfig, perTool map[string]config.RateConfig) *LimiterRegistry {
	if perTool == nil {
		perTool = map[string]config.RateConfig{}
	}
	return &LimiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		configs:  perTool,
		defaults: defaults,
	}
}

// UpdateConfigs swaps the per-tool rate config map and applies the new
// capacity/refill to every limiter already constructed, since
// golang.org/x/time/rate.Limiter (unlike gobreaker) supports live
// reconfiguration (spec §6: rate limits are among the reloadable tunables).
func (r *LimiterRegistry) UpdateConfigs(perTool map[string]config.RateConfig) {
	if perTool == nil {
		perTool = map[string]config.RateConfig{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = perTool

	now := time.Now()
	for toolID, l := range r.limiters {
		cfg := r.configFor(toolID)
		l.SetLimitAt(now, rate.Limit(cfg.RefillRPS))
		l.SetBurstAt(now, cfg.Capacity)
	}
}

func (r *LimiterRegistry) configFor(toolID string) config.RateConfig {
	if cfg, ok := r.configs[toolID]; ok {
		return cfg
	}
	return r.defaults
}

func (r *LimiterRegistry) get(toolID string) (*rate.Limiter, config.RateConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.configFor(toolID)
	if l, ok := r.limiters[toolID]; ok {
		return l, cfg
	}

	l := rate.NewLimiter(rate.Limit(cfg.RefillRPS), cfg.Capacity)
	r.limiters[toolID] = l
	return l, cfg
}

// Acquire waits up to the tool's wait_deadline for a token, returning
// OutcomeRateLimited if the deadline expires first (spec §4.4: "Acquire is
// non-preemptive; on wait_deadline expiry returns rate_limited to caller").
func (r *LimiterRegistry) Acquire(ctx context.Context, toolID string) error {
	l, cfg := r.get(toolID)

	waitCtx, cancel := context.WithTimeout(ctx, cfg.WaitDeadline())
	defer cancel()

	if err := l.Wait(waitCtx); err != nil {
		return model.NewError("resilience", "Acquire", model.ClassRateLimited,
			fmt.Sprintf("rate limit wait exceeded deadline for tool %s", toolID), err)
	}
	return nil
}

// Tokens reports toolID's current bucket level, for the
// orchestrator_limiter_tokens gauge (SPEC_FULL §3a).
func (r *LimiterRegistry) Tokens(toolID string) float64 {
	l, _ := r.get(toolID)
	return l.TokensAt(time.Now())
}

// Snapshot captures every known limiter's state for warm-restart
// persistence (SPEC_FULL §3b).
func (r *LimiterRegistry) Snapshot() []model.RateLimiterSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	out := make([]model.RateLimiterSnapshot, 0, len(r.limiters))
	for toolID, l := range r.limiters {
		cfg := r.configFor(toolID)
		out = append(out, model.RateLimiterSnapshot{
			ToolID:     toolID,
			Capacity:   cfg.Capacity,
			Tokens:     l.TokensAt(now),
			RefillRate: float64(cfg.RefillRPS),
			LastRefill: now,
		})
	}
	return out
}

// Restore seeds a limiter's bucket from a persisted snapshot at process
// start (SPEC_FULL §3b), so a restart doesn't refill every bucket to full
// against a still-struggling provider.
func (r *LimiterRegistry) Restore(snapshots []model.RateLimiterSnapshot) {
	for _, snap := range snapshots {
		l, _ := r.get(snap.ToolID)
		l.SetBurstAt(time.Now(), snap.Capacity)
		l.SetLimitAt(time.Now(), rate.Limit(snap.RefillRate))
		// x/time/rate has no direct "set current tokens" hook; reserving
		// (capacity - tokens) worth of future tokens without cancelling
		// is the closest public-API approximation of restoring partial
		// depletion from a snapshot.
		deficit := float64(snap.Capacity) - snap.Tokens
		if deficit > 0 {
			l.ReserveN(time.Now(), int(deficit))
		}
	}
}
