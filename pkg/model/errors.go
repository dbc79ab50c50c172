// Package model defines the orchestrator's core entities: WorkflowRun,
// AgentTask, ToolInvocation, CircuitBreaker, RateLimiter, BudgetLedger,
// HumanGate, and Checkpoint, plus the error taxonomy every layer classifies
// its failures into.
package model

import (
	"errors"
	"fmt"
	"time"
)

// Classification is the error taxonomy of spec.md §7. Every error that
// crosses a tool or agent boundary carries one of these so the Agent
// Runtime and Workflow Engine can decide retry vs. abort vs. compensate
// without inspecting error types.
type Classification string

const (
	ClassInput        Classification = "input"
	ClassTransient     Classification = "transient"
	ClassRateLimited   Classification = "rate_limited"
	ClassCircuitOpen   Classification = "circuit_open"
	ClassPermanent     Classification = "permanent"
	ClassBudgetDenied  Classification = "budget_denied"
	ClassInternal      Classification = "internal"
)

// Retryable reports whether an agent should retry a step that failed with
// this classification.
func (c Classification) Retryable() bool {
	return c == ClassTransient
}

// OrchestratorError is the structured error every orchestrator component
// returns across a package boundary; it carries the component/operation
// that raised it, a Classification, and the wrapped cause.
type OrchestratorError struct {
	Component      string
	Operation      string
	Message        string
	Classification Classification
	Err            error
	Timestamp      time.Time
}

func (e *OrchestratorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, e.Message)
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

// NewError constructs an OrchestratorError.
func NewError(component, operation string, class Classification, message string, cause error) *OrchestratorError {
	return &OrchestratorError{
		Component:      component,
		Operation:      operation,
		Message:        message,
		Classification: class,
		Err:            cause,
		Timestamp:      time.Now(),
	}
}

// ClassificationOf walks err's Unwrap chain looking for an OrchestratorError
// and returns its Classification, defaulting to ClassInternal when none is
// found — an unclassified error crossing a boundary is itself a bug.
func ClassificationOf(err error) Classification {
	var oerr *OrchestratorError
	if errors.As(err, &oerr) {
		return oerr.Classification
	}
	return ClassInternal
}

// Sentinel errors for common pre-classified conditions, following the
// lightweight {Code, Message} shape used for lookup errors.
var (
	ErrRunNotFound        = &LookupError{Code: "run_not_found", Message: "run not found"}
	ErrTaskNotFound       = &LookupError{Code: "task_not_found", Message: "task not found"}
	ErrGateNotFound       = &LookupError{Code: "gate_not_found", Message: "gate not found"}
	ErrGateNotPending     = &LookupError{Code: "gate_not_pending", Message: "gate is not pending"}
	ErrGateAlreadyDecided = &LookupError{Code: "gate_already_decided", Message: "gate already decided with a different outcome"}
	ErrTaskTerminal       = &LookupError{Code: "task_terminal", Message: "task is in terminal state"}
)

// LookupError is a lightweight not-found/precondition error.
type LookupError struct {
	Code    string
	Message string
}

func (e *LookupError) Error() string { return e.Message }
