// Package audit defines the append-only audit trail written alongside policy
// decisions, approval transitions, and workflow terminal transitions, plus
// the deterministic replay trace used to verify that a persisted workflow
// reproduces its step sequence.
package audit

import (
	"time"

	"goa.design/foreman/runtime/scope"
)

// EventType enumerates the audited events.
type EventType string

const (
	// EventPolicyAllow records a policy allow verdict.
	EventPolicyAllow EventType = "policy_allow"
	// EventPolicyRewrite records a policy rewrite verdict.
	EventPolicyRewrite EventType = "policy_rewrite"
	// EventPolicyBlock records a policy block verdict.
	EventPolicyBlock EventType = "policy_block"
	// EventApprovalPending records an approval gate activation.
	EventApprovalPending EventType = "approval_pending"
	// EventApprovalApproved records an approval resolution.
	EventApprovalApproved EventType = "approval_approved"
	// EventApprovalRejected records an approval rejection.
	EventApprovalRejected EventType = "approval_rejected"
	// EventWorkflowCompleted records the completed terminal transition.
	EventWorkflowCompleted EventType = "workflow_terminal_completed"
	// EventWorkflowFailed records the failed terminal transition.
	EventWorkflowFailed EventType = "workflow_terminal_failed"
)

type (
	// Record is one appended audit row. Rows are written in the transaction
	// of the event that caused them and are never updated.
	Record struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// AuditID identifies the row.
		AuditID string
		// WorkflowID identifies the workflow the event concerns.
		WorkflowID string
		// RequestID identifies the originating objective request.
		RequestID string
		// StepNumber is the planner step the event concerns, or -1 for
		// workflow-level events.
		StepNumber int
		// EventType classifies the event.
		EventType EventType
		// SignalCorrelationID links the event to the signal that caused it,
		// when one did.
		SignalCorrelationID string
		// Detail carries event-specific attributes (reason codes, policy IDs,
		// error summaries).
		Detail map[string]any
		// CreatedAt is when the originating transaction committed.
		CreatedAt time.Time
	}

	// Filter narrows audit queries. Queries are always scoped by tenant and
	// workspace; cross-tenant reads return empty.
	Filter struct {
		// WorkflowID restricts to one workflow when set.
		WorkflowID string
		// RequestID restricts to one request when set.
		RequestID string
		// EventTypes restricts to the listed types when non-empty.
		EventTypes []EventType
	}
)

// Matches reports whether the record passes the filter.
func (f Filter) Matches(r Record) bool {
	if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
		return false
	}
	if f.RequestID != "" && r.RequestID != f.RequestID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if r.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
