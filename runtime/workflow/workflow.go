// Package workflow defines the durable workflow domain model: the workflow
// instance and its status state machine, the append-only planner step
// sequence, the waiting checkpoint that gates resumption, and the signal
// records that move workflows out of the waiting state.
//
// # State machine
//
// A workflow starts in running and moves through exactly these transitions,
// each inside a single persistence transaction:
//
//   - running → running after a tool_executed step
//   - running → waiting_signal on ask_user, approval gate, or waiting execute
//   - running → completed when the planner yields complete
//   - running → failed on validation failure, policy block, approval
//     rejection, unhandled execution error, or the max-step guard
//   - waiting_signal → running only by resume-with-signal
//   - waiting_signal → failed only via approval rejection
//
// Terminal states are sticky: re-entering the planner loop with a terminal
// workflow returns its snapshot without further work.
package workflow

import (
	"time"

	"goa.design/foreman/runtime/planner"
	"goa.design/foreman/runtime/policy"
	"goa.design/foreman/runtime/scope"
)

// SchemaVersion is the objective request contract version this runtime
// supports. Requests carrying any other version are rejected.
const SchemaVersion = "v1"

// DefaultMaxSteps bounds planner iterations per workflow unless overridden
// per run.
const DefaultMaxSteps = 32

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	// StatusRunning indicates the planner loop may take further steps.
	StatusRunning Status = "running"
	// StatusWaitingSignal indicates the workflow is paused on a question,
	// approval, or external event. A WaitingCheckpoint exists iff a workflow
	// is in this state.
	StatusWaitingSignal Status = "waiting_signal"
	// StatusCompleted is terminal: the planner yielded complete.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal: validation, policy, approval rejection,
	// execution error, or the max-step guard failed the workflow.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from → to is a legal state machine edge.
// Self-transition running → running (a tool step) is legal; terminal states
// have no outgoing edges.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusRunning:
		return to == StatusRunning || to == StatusWaitingSignal || to == StatusCompleted || to == StatusFailed
	case StatusWaitingSignal:
		return to == StatusRunning || to == StatusFailed
	default:
		return false
	}
}

// StepStatus is the persisted status of one planner step.
type StepStatus string

const (
	// StepToolExecuted records a successfully executed tool_call step.
	StepToolExecuted StepStatus = "tool_executed"
	// StepWaitingSignal records a step that paused the workflow.
	StepWaitingSignal StepStatus = "waiting_signal"
	// StepCompleted records the terminal complete step.
	StepCompleted StepStatus = "completed"
	// StepFailed records a step that failed the workflow.
	StepFailed StepStatus = "failed"
)

type (
	// ObjectiveRequest is the immutable submission that starts a workflow.
	ObjectiveRequest struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// RequestID is the globally unique, time-ordered request identifier.
		RequestID string
		// WorkflowID identifies the workflow the request drives.
		WorkflowID string
		// ThreadID optionally links the request to a conversation thread.
		ThreadID string
		// SchemaVersion must equal SchemaVersion.
		SchemaVersion string
		// ObjectivePrompt is the user-stated goal.
		ObjectivePrompt string
		// OccurredAt is when the objective was submitted.
		OccurredAt time.Time
	}

	// Instance is the durable workflow aggregate. Scope, WorkflowID, and
	// ThreadID are immutable after creation; Status follows the state machine
	// documented on the package.
	Instance struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// WorkflowID identifies the workflow.
		WorkflowID string
		// ThreadID optionally links the workflow to a conversation thread.
		ThreadID string
		// Status is the current lifecycle state.
		Status Status
		// Steps is the dense, append-only planner step sequence. Its length
		// always equals the number of persisted step records.
		Steps []StepRecord
		// WaitingQuestion is the question presented to the user while the
		// workflow waits for input. Cleared on resume.
		WaitingQuestion string
		// Completion is the output object of the complete intent. Set only in
		// the completed state.
		Completion map[string]any
		// PendingApproval gates the stored intent behind a human approval. A
		// pending value blocks all further planner iterations.
		PendingApproval *PendingApproval
		// CreatedAt is when the first planner iteration created the instance.
		CreatedAt time.Time
		// UpdatedAt is bumped by every step transaction.
		UpdatedAt time.Time
	}

	// StepRecord is one appended planner step. Step numbers are dense
	// (0..N-1) and no record is ever rewritten.
	StepRecord struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// WorkflowID identifies the owning workflow.
		WorkflowID string
		// StepNumber is the zero-based position in the sequence.
		StepNumber int
		// IntentType is the planner intent variant that produced the step.
		IntentType planner.IntentType
		// Status records the step outcome.
		Status StepStatus
		// PlannerInput is the exact input handed to the planner for the step.
		PlannerInput *planner.Input
		// PlannerIntent is the effective intent the engine acted on (the
		// rewritten intent when policy rewrote the original).
		PlannerIntent *planner.Intent
		// ToolResult is the tool execution result for tool_executed steps.
		ToolResult any
		// Failure summarizes the error for failed steps.
		Failure string
		// CreatedAt is when the step transaction committed.
		CreatedAt time.Time
	}

	// WaitingCheckpoint is the sentinel row gating resume-with-signal. It
	// exists iff the workflow status is waiting_signal and is consumed exactly
	// once on resume.
	WaitingCheckpoint struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// WorkflowID identifies the waiting workflow.
		WorkflowID string
		// CreatedAt is when the workflow entered waiting_signal.
		CreatedAt time.Time
	}

	// PendingApproval stores the approval gate state on the instance. The
	// gated intent is persisted so it can be executed exactly once after
	// approval.
	PendingApproval struct {
		// ApprovalID references the ApprovalDecisionRecord.
		ApprovalID string
		// Status is pending until an approval signal resolves it.
		Status policy.ApprovalStatus
		// Intent is the gated intent, executed exactly once on approval.
		Intent *planner.Intent
		// RiskClass echoes the classifier verdict.
		RiskClass string
		// ReasonCode echoes the classifier reason.
		ReasonCode string
	}
)
