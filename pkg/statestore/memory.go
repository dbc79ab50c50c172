package statestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/outreachforge/orchestrator/pkg/model"
)

// MemoryStore is an in-process StateStore implementation: the default
// driver, and the backing store for tests. All mutation is guarded by a
// single mutex, mirroring the BaseRegistry pattern used throughout the
// teacher codebase for mutex-protected maps with explicit accessors.
type MemoryStore struct {
	mu sync.RWMutex

	runs        map[string]model.WorkflowRun
	tasks       map[string]model.AgentTask
	invocations map[string]model.ToolInvocation // keyed by invocation_id
	cacheIndex  map[string]string                // (run,tool,op,hash) -> invocation_id
	checkpoints map[string][]model.Checkpoint    // taskID -> versions ascending
	ledger      []model.BudgetCharge
	gates       map[string]model.HumanGate

	breakerSnaps map[string]model.CircuitBreakerSnapshot
	limiterSnaps map[string]model.RateLimiterSnapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:         make(map[string]model.WorkflowRun),
		tasks:        make(map[string]model.AgentTask),
		invocations:  make(map[string]model.ToolInvocation),
		cacheIndex:   make(map[string]string),
		checkpoints:  make(map[string][]model.Checkpoint),
		gates:        make(map[string]model.HumanGate),
		breakerSnaps: make(map[string]model.CircuitBreakerSnapshot),
		limiterSnaps: make(map[string]model.RateLimiterSnapshot),
	}
}

// memTxn is a no-op transaction: the in-memory store performs every write
// atomically under its single mutex, so Commit/Rollback are bookkeeping
// only — there is no partial-write state to roll back to.
type memTxn struct{}

func (memTxn) Commit(ctx context.Context) error   { return nil }
func (memTxn) Rollback(ctx context.Context) error { return nil }

func (s *MemoryStore) BeginTxn(ctx context.Context) (Txn, error) { return memTxn{}, nil }

func (s *MemoryStore) PutRun(ctx context.Context, run model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return model.WorkflowRun{}, model.ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) PutTask(ctx context.Context, task model.AgentTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = task
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (model.AgentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return model.AgentTask{}, model.ErrTaskNotFound
	}
	return t, nil
}

func (s *MemoryStore) ListTasksByRunAndPhase(ctx context.Context, runID string, phase model.Phase) ([]model.AgentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AgentTask
	for _, t := range s.tasks {
		if t.RunID == runID && t.Phase == phase {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTasksByRun(ctx context.Context, runID string) ([]model.AgentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AgentTask
	for _, t := range s.tasks {
		if t.RunID == runID {
			out = append(out, t)
		}
	}
	return out, nil
}

func cacheKey(runID, toolID, op, paramsHash string) string {
	return fmt.Sprintf("%s|%s|%s|%s", runID, toolID, op, paramsHash)
}

func (s *MemoryStore) PutInvocation(ctx context.Context, inv model.ToolInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invocations[inv.InvocationID] = inv
	s.cacheIndex[cacheKey(inv.RunID, inv.ToolID, inv.Op, inv.ParamsHash)] = inv.InvocationID
	return nil
}

func (s *MemoryStore) GetCachedInvocation(ctx context.Context, runID, toolID, op, paramsHash string) (model.ToolInvocation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.cacheIndex[cacheKey(runID, toolID, op, paramsHash)]
	if !ok {
		return model.ToolInvocation{}, false, nil
	}
	inv, ok := s.invocations[id]
	return inv, ok, nil
}

func (s *MemoryStore) PutCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.checkpoints[cp.TaskID]
	if len(versions) > 0 && cp.Version <= versions[len(versions)-1].Version {
		// Upsert-on-match: same version replaces in place, per spec §4.5.
		for i, v := range versions {
			if v.Version == cp.Version {
				versions[i] = cp
				s.checkpoints[cp.TaskID] = versions
				return nil
			}
		}
		return fmt.Errorf("checkpoint version %d is not strictly increasing for task %s", cp.Version, cp.TaskID)
	}
	s.checkpoints[cp.TaskID] = append(versions, cp)
	return nil
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, taskID string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.checkpoints[taskID]
	if len(versions) == 0 {
		return model.Checkpoint{}, false, nil
	}
	return versions[len(versions)-1], true, nil
}

func (s *MemoryStore) AppendBudget(ctx context.Context, charge model.BudgetCharge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, charge)
	return nil
}

func (s *MemoryStore) RunSpend(ctx context.Context, runID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, c := range s.ledger {
		if c.RunID == runID {
			total += c.USD
		}
	}
	return total, nil
}

func (s *MemoryStore) PhaseSpend(ctx context.Context, runID string, phase model.Phase) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, c := range s.ledger {
		if c.RunID == runID && c.Phase == phase {
			total += c.USD
		}
	}
	return total, nil
}

func (s *MemoryStore) ToolSpend(ctx context.Context, runID, toolID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, c := range s.ledger {
		if c.RunID == runID && c.ToolID == toolID {
			total += c.USD
		}
	}
	return total, nil
}

func (s *MemoryStore) PutGate(ctx context.Context, gate model.HumanGate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[gate.GateID] = gate
	return nil
}

func (s *MemoryStore) GetGate(ctx context.Context, gateID string) (model.HumanGate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gates[gateID]
	if !ok {
		return model.HumanGate{}, model.ErrGateNotFound
	}
	return g, nil
}

func (s *MemoryStore) PendingGateForRun(ctx context.Context, runID string) (model.HumanGate, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.gates {
		if g.RunID == runID && g.Status == model.GatePending {
			return g, true, nil
		}
	}
	return model.HumanGate{}, false, nil
}

func (s *MemoryStore) SaveBreakerSnapshots(ctx context.Context, snaps []model.CircuitBreakerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		s.breakerSnaps[snap.ToolID] = snap
	}
	return nil
}

func (s *MemoryStore) LoadBreakerSnapshots(ctx context.Context) ([]model.CircuitBreakerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CircuitBreakerSnapshot, 0, len(s.breakerSnaps))
	for _, snap := range s.breakerSnaps {
		out = append(out, snap)
	}
	return out, nil
}

func (s *MemoryStore) SaveLimiterSnapshots(ctx context.Context, snaps []model.RateLimiterSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		s.limiterSnaps[snap.ToolID] = snap
	}
	return nil
}

func (s *MemoryStore) LoadLimiterSnapshots(ctx context.Context) ([]model.RateLimiterSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RateLimiterSnapshot, 0, len(s.limiterSnaps))
	for _, snap := range s.limiterSnaps {
		out = append(out, snap)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
