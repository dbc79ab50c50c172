package toolrouter

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/google/uuid"

	"github.com/outreachforge/orchestrator/pkg/costgovernor"
	"github.com/outreachforge/orchestrator/pkg/model"
	"github.com/outreachforge/orchestrator/pkg/observability"
	"github.com/outreachforge/orchestrator/pkg/resilience"
	"github.com/outreachforge/orchestrator/pkg/statestore"
)

// Result is what the Tool Router returns for one abstract-op invocation:
// the merged successful result set plus a per-source error map (spec
// §4.3: "a fanout's result is the merged successful set with a per-source
// error map; a waterfall returns success on the first satisfying tier or
// a composite error if all tiers exhausted").
type Result struct {
	Values  []any
	Errors  map[string]error // tool_id -> error, for partial fanout failures
	Tier    model.Tier       // highest tier actually invoked
}

// Router is the Tool Router (spec §4.3). It owns no tool adapters
// directly — those are registered per abstract op — and delegates
// resilience and cost decisions to the Resilience Layer and Cost
// Governor, recording a ToolInvocation row for every call (spec §3).
type Router struct {
	adapters  *adapterRegistry
	opConfigs map[string]OpConfig
	opMu      sync.RWMutex

	breakers  *resilience.BreakerRegistry
	limiters  *resilience.LimiterRegistry
	retry     *resilience.Policy
	governor  *costgovernor.Governor
	store     statestore.StateStore

	sf  singleflight.Group
	lru *lru.Cache // hot-path read cache in front of the StateStore (SPEC_FULL §3f)

	toolSem *semaphore.Weighted // concurrency.tool_workers cap (spec §6)

	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// New constructs a Router. cacheSize bounds the in-memory LRU that sits in
// front of the StateStore's durable cache (SPEC_FULL §3f); toolWorkers
// bounds concurrent tool dispatch (spec §6 concurrency.tool_workers).
func New(breakers *resilience.BreakerRegistry, limiters *resilience.LimiterRegistry, retry *resilience.Policy, governor *costgovernor.Governor, store statestore.StateStore, cacheSize, toolWorkers int) (*Router, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create tool result cache: %w", err)
	}
	return &Router{
		adapters:  newAdapterRegistry(),
		opConfigs: make(map[string]OpConfig),
		breakers:  breakers,
		limiters:  limiters,
		retry:     retry,
		governor:  governor,
		store:     store,
		lru:       cache,
		toolSem:   semaphore.NewWeighted(int64(toolWorkers)),
	}, nil
}

// WithObservability attaches the Metrics/Tracer handles invokeOne uses to
// record orchestrator_tool_invocations_total, orchestrator_breaker_state,
// and orchestrator_limiter_tokens, and to wrap each ToolInvocation in an
// OTel span (SPEC_FULL §3a). A Router built without this call keeps both
// nil, which every Metrics/Tracer method tolerates.
func (r *Router) WithObservability(metrics *observability.Metrics, tracer *observability.Tracer) *Router {
	r.metrics = metrics
	r.tracer = tracer
	return r
}

// RegisterAdapter associates adapter with an abstract op (spec §9:
// "concrete tools register at startup").
func (r *Router) RegisterAdapter(op string, adapter model.ToolAdapter) error {
	return r.adapters.Register(op, adapter)
}

// Configure sets the op-specific selection policy.
func (r *Router) Configure(op string, cfg OpConfig) {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.opConfigs[op] = cfg
}

func (r *Router) configFor(op string) OpConfig {
	r.opMu.RLock()
	defer r.opMu.RUnlock()
	if cfg, ok := r.opConfigs[op]; ok {
		return cfg
	}
	return DefaultOpConfig()
}

// Describe implements model.ToolInvoker for AgentLogic's advisory lookup.
func (r *Router) Describe(op string) (string, model.Tier, bool) {
	r.opMu.RLock()
	defer r.opMu.RUnlock()
	cfg, ok := r.opConfigs[op]
	if !ok {
		return "", 0, false
	}
	return string(cfg.Mode), cfg.MaxTier, true
}

// Invoke dispatches op against the registered adapters per the op's
// selection mode, honoring tier escalation, single-flight dedup, the
// per-run result cache, circuit breakers, rate limits, and budget
// authorization (spec §4.3).
func (r *Router) Invoke(ctx context.Context, runID, taskID, op string, params map[string]any, phase model.Phase) (Result, error) {
	cfg := r.configFor(op)

	switch cfg.Mode {
	case ModeFanout:
		return r.invokeFanout(ctx, runID, taskID, op, params, phase, cfg)
	default:
		return r.invokeWaterfall(ctx, runID, taskID, op, params, phase, cfg)
	}
}

func (r *Router) invokeWaterfall(ctx context.Context, runID, taskID, op string, params map[string]any, phase model.Phase, cfg OpConfig) (Result, error) {
	tiers := r.adapters.TiersFor(op)
	errs := map[string]error{}
	var collected []any
	var lastTier model.Tier

	for _, tier := range tiers {
		if tier > cfg.MaxTier {
			break
		}
		lastTier = tier
		for _, adapter := range r.adapters.AdaptersAt(op, tier) {
			val, err := r.dispatch(ctx, runID, taskID, op, params, phase, adapter)
			if err != nil {
				errs[adapter.ID()] = err
				continue
			}
			collected = append(collected, val)
		}

		if !cfg.insufficient(collected, 1.0) {
			return Result{Values: collected, Errors: errs, Tier: lastTier}, nil
		}
		if cfg.Mode == ModeCheapestFirstUntilCoverage && len(collected) >= cfg.MinResults {
			return Result{Values: collected, Errors: errs, Tier: lastTier}, nil
		}
	}

	if len(collected) == 0 {
		return Result{Errors: errs, Tier: lastTier}, fmt.Errorf("all tiers exhausted for op %s: %d adapter errors", op, len(errs))
	}
	return Result{Values: collected, Errors: errs, Tier: lastTier}, nil
}

func (r *Router) invokeFanout(ctx context.Context, runID, taskID, op string, params map[string]any, phase model.Phase, cfg OpConfig) (Result, error) {
	tiers := r.adapters.TiersFor(op)
	var adapters []model.ToolAdapter
	for _, tier := range tiers {
		if tier > cfg.MaxTier {
			break
		}
		adapters = append(adapters, r.adapters.AdaptersAt(op, tier)...)
		if cfg.FanoutK > 0 && len(adapters) >= cfg.FanoutK {
			break
		}
	}
	if cfg.FanoutK > 0 && len(adapters) > cfg.FanoutK {
		adapters = adapters[:cfg.FanoutK]
	}

	var mu sync.Mutex
	errs := map[string]error{}
	var collected []any

	g, gctx := errgroup.WithContext(ctx)
	for _, adapter := range adapters {
		adapter := adapter
		g.Go(func() error {
			val, err := r.dispatch(gctx, runID, taskID, op, params, phase, adapter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[adapter.ID()] = err
				return nil // a fanout tolerates per-source failure
			}
			collected = append(collected, val)
			return nil
		})
	}
	_ = g.Wait() // per-adapter errors are captured in errs, not propagated

	return Result{Values: dedupe(collected, cfg.DedupKey), Errors: errs}, nil
}

func dedupe(values []any, keyFn func(any) string) []any {
	if keyFn == nil {
		return values
	}
	seen := make(map[string]bool, len(values))
	out := make([]any, 0, len(values))
	for _, v := range values {
		k := keyFn(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

// dispatch performs one adapter call under single-flight dedup, the
// per-run cache, breaker/limiter gating, and budget authorization,
// recording a ToolInvocation row regardless of outcome (spec §3, §4.3).
func (r *Router) dispatch(ctx context.Context, runID, taskID, op string, params map[string]any, phase model.Phase, adapter model.ToolAdapter) (any, error) {
	toolID := adapter.ID()
	paramsHash := canonicalHash(params)
	sfKey := fmt.Sprintf("%s|%s|%s|%s", runID, toolID, op, paramsHash)

	if cached, ok := r.lru.Get(sfKey); ok {
		return cached, nil
	}
	if cached, ok, err := r.store.GetCachedInvocation(ctx, runID, toolID, op, paramsHash); err == nil && ok && cached.Outcome == model.OutcomeSuccess {
		r.lru.Add(sfKey, cached.ResultRef)
		return cached.ResultRef, nil
	}

	val, err, _ := r.sf.Do(sfKey, func() (any, error) {
		return r.invokeOne(ctx, runID, taskID, op, params, phase, adapter, paramsHash)
	})
	if err == nil {
		r.lru.Add(sfKey, val)
	}
	return val, err
}

func (r *Router) invokeOne(ctx context.Context, runID, taskID, op string, params map[string]any, phase model.Phase, adapter model.ToolAdapter, paramsHash string) (any, error) {
	toolID := adapter.ID()
	started := time.Now()
	inv := model.ToolInvocation{
		InvocationID: uuid.NewString(),
		TaskID:       taskID,
		RunID:        runID,
		ToolID:       toolID,
		Op:           op,
		ParamsHash:   paramsHash,
		Tier:         adapter.Tier(),
		StartedAt:    started,
	}

	ctx, span := r.tracer.StartToolInvoke(ctx, toolID, op)
	defer span.End()

	record := func(outcome model.ToolOutcome, cost float64, result any, callErr error) (any, error) {
		inv.Outcome = outcome
		inv.CostUSD = cost
		inv.LatencyMs = time.Since(started).Milliseconds()
		inv.CompletedAt = time.Now()
		if result != nil {
			inv.ResultRef = fmt.Sprintf("%v", result)
		}
		if callErr != nil {
			inv.ResultRef = callErr.Error()
			r.tracer.RecordError(span, callErr)
		}
		_ = r.store.PutInvocation(ctx, inv)
		r.metrics.RecordToolInvocation(toolID, op, string(outcome), time.Since(started))
		r.metrics.SetBreakerState(toolID, breakerStateGauge(r.breakers.State(toolID)))
		r.metrics.SetLimiterTokens(toolID, r.limiters.Tokens(toolID))
		return result, callErr
	}

	estimate := r.governor.EstimatedCost(toolID, op)
	decision, err := r.governor.Authorize(ctx, runID, toolID, phase, estimate)
	if err != nil {
		return record(model.OutcomePermanentFailure, 0, nil, err)
	}
	if !decision.Allow {
		return record(model.OutcomeBudgetDenied, 0, nil,
			model.NewError("toolrouter", "Authorize", model.ClassBudgetDenied, decision.Reason, nil))
	}

	done, err := r.breakers.Allow(toolID)
	if err != nil {
		return record(model.OutcomeCircuitOpen, 0, nil, err)
	}

	if err := r.limiters.Acquire(ctx, toolID); err != nil {
		done(false)
		return record(model.OutcomeRateLimited, 0, nil, err)
	}

	if err := r.toolSem.Acquire(ctx, 1); err != nil {
		done(false)
		return record(model.OutcomeRetryableFailure, 0, nil, err)
	}
	result, cost, callErr := adapter.Invoke(ctx, op, params)
	r.toolSem.Release(1)

	if callErr != nil {
		done(false)
		if err := r.governor.Charge(ctx, runID, toolID, phase, 0); err != nil {
			return record(model.OutcomeRetryableFailure, 0, nil, err)
		}
		return record(model.OutcomeRetryableFailure, 0, nil, callErr)
	}

	done(true)
	chargeAmount := cost
	if chargeAmount == 0 {
		chargeAmount = estimate
	}
	if err := r.governor.Charge(ctx, runID, toolID, phase, chargeAmount); err != nil {
		return record(model.OutcomeRetryableFailure, chargeAmount, nil, err)
	}
	return record(model.OutcomeSuccess, chargeAmount, result, nil)
}

// breakerStateGauge maps model.BreakerState to the orchestrator_breaker_state
// gauge's numeric encoding (SPEC_FULL §3a: 0=closed, 1=half_open, 2=open).
func breakerStateGauge(state model.BreakerState) float64 {
	switch state {
	case model.BreakerHalfOpen:
		return 1
	case model.BreakerOpen:
		return 2
	default:
		return 0
	}
}
