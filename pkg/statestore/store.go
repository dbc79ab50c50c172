// Package statestore implements the orchestrator's State & Checkpoint Store
// (spec §4.5): durable storage for WorkflowRun, AgentTask, ToolInvocation,
// Checkpoint, BudgetLedger, and HumanGate, backed either by an in-memory
// map (default/test) or a SQL database (sqlite/postgres/mysql, spec §6
// "tables/collections for runs, tasks, invocations, checkpoints, breakers,
// limiters, ledger, gates").
package statestore

import (
	"context"
	"time"

	"github.com/outreachforge/orchestrator/pkg/model"
)

// Txn is a unit-of-work handle with read-committed isolation minimum
// (spec §4.5).
type Txn interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// StateStore is the durable store contract of spec §4.5. Write operations
// are idempotent by invocation_id / task_id / checkpoint.version
// (upsert-on-match); reads of a task plus its latest checkpoint are atomic.
type StateStore interface {
	BeginTxn(ctx context.Context) (Txn, error)

	// Runs
	PutRun(ctx context.Context, run model.WorkflowRun) error
	GetRun(ctx context.Context, runID string) (model.WorkflowRun, error)
	ListRuns(ctx context.Context) ([]model.WorkflowRun, error)

	// Tasks
	PutTask(ctx context.Context, task model.AgentTask) error
	GetTask(ctx context.Context, taskID string) (model.AgentTask, error)
	ListTasksByRunAndPhase(ctx context.Context, runID string, phase model.Phase) ([]model.AgentTask, error)
	ListTasksByRun(ctx context.Context, runID string) ([]model.AgentTask, error)

	// Tool invocations / single-flight cache (spec §3, §4.3, §6 cache key
	// (run_id, tool_id, op, sha256(params_canonical_json))).
	PutInvocation(ctx context.Context, inv model.ToolInvocation) error
	GetCachedInvocation(ctx context.Context, runID, toolID, op, paramsHash string) (model.ToolInvocation, bool, error)

	// Checkpoints: versions strictly increasing per task (spec §4.5, §8).
	PutCheckpoint(ctx context.Context, cp model.Checkpoint) error
	LatestCheckpoint(ctx context.Context, taskID string) (model.Checkpoint, bool, error)

	// Budget ledger (spec §4.6, §3: append-only event log).
	AppendBudget(ctx context.Context, charge model.BudgetCharge) error
	RunSpend(ctx context.Context, runID string) (float64, error)
	PhaseSpend(ctx context.Context, runID string, phase model.Phase) (float64, error)
	ToolSpend(ctx context.Context, runID, toolID string) (float64, error)

	// Human gates (spec §4.7).
	PutGate(ctx context.Context, gate model.HumanGate) error
	GetGate(ctx context.Context, gateID string) (model.HumanGate, error)
	PendingGateForRun(ctx context.Context, runID string) (model.HumanGate, bool, error)

	// Breaker/limiter warm-restart snapshots (SPEC_FULL §3b).
	SaveBreakerSnapshots(ctx context.Context, snaps []model.CircuitBreakerSnapshot) error
	LoadBreakerSnapshots(ctx context.Context) ([]model.CircuitBreakerSnapshot, error)
	SaveLimiterSnapshots(ctx context.Context, snaps []model.RateLimiterSnapshot) error
	LoadLimiterSnapshots(ctx context.Context) ([]model.RateLimiterSnapshot, error)

	Close() error
}

// Open constructs a StateStore for the given driver ("memory", "sqlite",
// "postgres", "mysql"), the values of the config file's storage.driver.
func Open(driver, dsn string) (StateStore, error) {
	if driver == "memory" || driver == "" {
		return NewMemoryStore(), nil
	}
	return newSQLStore(driver, dsn)
}

// now is a package-level clock; nothing in this package or its tests reads
// or overrides it.
var now = time.Now
