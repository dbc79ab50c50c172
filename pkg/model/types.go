package model

import "time"

// Phase identifies one of the five fixed pipeline phases (spec §4.1).
type Phase int

const (
	PhaseMarketIntelligence Phase = iota + 1
	PhaseLeadAcquisition
	PhaseVerification
	PhasePersonalization
	PhaseExecution
)

func (p Phase) String() string {
	switch p {
	case PhaseMarketIntelligence:
		return "market_intelligence"
	case PhaseLeadAcquisition:
		return "lead_acquisition"
	case PhaseVerification:
		return "verification"
	case PhasePersonalization:
		return "personalization"
	case PhaseExecution:
		return "execution"
	default:
		return "unknown"
	}
}

// RunStatus is WorkflowRun.status (spec §3).
type RunStatus string

const (
	RunPending           RunStatus = "pending"
	RunRunning           RunStatus = "running"
	RunAwaitingApproval  RunStatus = "awaiting_approval"
	RunCompensating      RunStatus = "compensating"
	RunCompleted         RunStatus = "completed"
	RunFailed            RunStatus = "failed"
	RunCancelled         RunStatus = "cancelled"
)

// IsTerminal reports whether the run can no longer transition.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// WorkflowRun is one execution of the pipeline (spec §3).
type WorkflowRun struct {
	RunID        string
	Phase        Phase
	Status       RunStatus
	StartedAt    time.Time
	UpdatedAt    time.Time
	BudgetCapUSD float64
	SpendUSD     float64
	Config       RunConfig
	LastError    string
}

// RunConfig is the caller-supplied configuration for StartRun (spec §6
// POST /runs).
type RunConfig struct {
	Niche        string
	BudgetCapUSD float64
	Metadata     map[string]string
}

// AgentTaskState is the AgentTask state machine (spec §4.2).
type AgentTaskState string

const (
	TaskNew          AgentTaskState = "new"
	TaskValidating   AgentTaskState = "validating"
	TaskReady        AgentTaskState = "ready"
	TaskRunning      AgentTaskState = "running"
	TaskSuspended    AgentTaskState = "suspended"
	TaskCheckpointed AgentTaskState = "checkpointed"
	TaskRetrying     AgentTaskState = "retrying"
	TaskCompleted    AgentTaskState = "completed"
	TaskFailed       AgentTaskState = "failed"
	TaskCancelled    AgentTaskState = "cancelled"
)

// IsTerminal reports whether the task can no longer transition.
func (s AgentTaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// AgentTask is one execution of one agent within a run (spec §3).
type AgentTask struct {
	TaskID      string
	RunID       string
	Phase       Phase
	AgentName   string
	State       AgentTaskState
	Attempt     int
	InputRef    string
	OutputRef   string
	StartedAt   time.Time
	UpdatedAt   time.Time
	Deadline    time.Time
	LastError   string
	Compensated bool
}

// ToolOutcome is ToolInvocation.outcome (spec §3).
type ToolOutcome string

const (
	OutcomeSuccess          ToolOutcome = "success"
	OutcomeRetryableFailure ToolOutcome = "retryable_failure"
	OutcomePermanentFailure ToolOutcome = "permanent_failure"
	OutcomeRateLimited      ToolOutcome = "rate_limited"
	OutcomeCircuitOpen      ToolOutcome = "circuit_open"
	OutcomeBudgetDenied     ToolOutcome = "budget_denied"
)

// Tier is a ToolAdapter cost tier (spec §4.3).
type Tier int

const (
	TierFree Tier = iota + 1
	TierCheap
	TierModerate
	TierExpensive
)

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierCheap:
		return "cheap"
	case TierModerate:
		return "moderate"
	case TierExpensive:
		return "expensive"
	default:
		return "unknown"
	}
}

// ToolInvocation is one call to an external tool (spec §3).
type ToolInvocation struct {
	InvocationID string
	TaskID       string
	RunID        string
	ToolID       string
	Op           string
	ParamsHash   string
	Tier         Tier
	ResultRef    string
	CostUSD      float64
	LatencyMs    int64
	Outcome      ToolOutcome
	StartedAt    time.Time
	CompletedAt  time.Time
}

// BreakerState is CircuitBreaker.state (spec §3, §4.4).
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerSnapshot is the persisted/observable state of a per-tool
// breaker, used for warm-restart snapshotting (SPEC_FULL §3b).
type CircuitBreakerSnapshot struct {
	ToolID       string
	State        BreakerState
	FailureCount uint32
	SuccessCount uint32
	OpenedAt     time.Time
}

// RateLimiterSnapshot is the persisted/observable state of a per-tool
// token bucket (SPEC_FULL §3b).
type RateLimiterSnapshot struct {
	ToolID     string
	Capacity   int
	Tokens     float64
	RefillRate float64
	LastRefill time.Time
}

// BudgetCharge is one append-only entry in a BudgetLedger (spec §3).
type BudgetCharge struct {
	RunID     string
	ToolID    string
	Phase     Phase
	USD       float64
	At        time.Time
}

// GateStatus is HumanGate.status (spec §3, §4.7).
type GateStatus string

const (
	GatePending            GateStatus = "pending"
	GateApproved           GateStatus = "approved"
	GateRejected           GateStatus = "rejected"
	GateRevisionRequested  GateStatus = "revision_requested"
	GateExpired            GateStatus = "expired"
)

// IsTerminal reports whether the gate has a settled decision.
func (s GateStatus) IsTerminal() bool {
	return s != GatePending
}

// HumanGate is a rendezvous between phases requiring external approval
// (spec §3, §4.7).
type HumanGate struct {
	GateID      string
	RunID       string
	Phase       Phase
	ArtifactRef string
	Status      GateStatus
	Deadline    time.Time
	ApproverID  string
	Notes       string
	CreatedAt   time.Time
	DecidedAt   time.Time
}

// Checkpoint is a durable snapshot of an AgentTask's intermediate state
// (spec §3, §4.2).
type Checkpoint struct {
	TaskID    string
	Version   int64
	Payload   []byte
	CreatedAt time.Time
}

// RunStatusView is what GetStatus returns (spec §4.1, §7): run status,
// current phase, per-agent state, last error, spend, pending gates.
type RunStatusView struct {
	Run         WorkflowRun
	Tasks       []AgentTask
	PendingGate *HumanGate
}
