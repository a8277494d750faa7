// Package policy defines the policy engine and approval classifier contracts
// evaluated on every planner step, together with the decision records the
// engine persists alongside the step. Policy engines are pure functions of the
// request, step, and intent; they never perform side effects.
package policy

import (
	"context"
	"fmt"
	"time"

	"goa.design/foreman/runtime/planner"
	"goa.design/foreman/runtime/scope"
)

// Outcome is the policy verdict for an intent.
type Outcome string

const (
	// OutcomeAllow lets the intent proceed unchanged.
	OutcomeAllow Outcome = "allow"
	// OutcomeRewrite substitutes a rewritten intent; the rewritten intent must
	// itself pass structural validation before use.
	OutcomeRewrite Outcome = "rewrite"
	// OutcomeBlock fails the workflow with a policy-blocked error.
	OutcomeBlock Outcome = "block"
)

// ApprovalStatus is the lifecycle state of an approval decision.
type ApprovalStatus string

const (
	// ApprovalPending blocks further planner iterations until resolved.
	ApprovalPending ApprovalStatus = "pending"
	// ApprovalApproved releases the gated intent for exactly-once execution.
	ApprovalApproved ApprovalStatus = "approved"
	// ApprovalRejected fails the workflow.
	ApprovalRejected ApprovalStatus = "rejected"
)

type (
	// Pack identifies the policy pack governing a step.
	Pack struct {
		// ID is the policy pack identifier.
		ID string
		// Version is the policy pack version.
		Version string
	}

	// DecisionInput is the tuple policy engines and approval classifiers
	// evaluate.
	DecisionInput struct {
		// Scope identifies the tenant and workspace.
		Scope scope.Scope
		// WorkflowID identifies the workflow.
		WorkflowID string
		// RequestID identifies the originating objective request.
		RequestID string
		// StepNumber is the step being evaluated.
		StepNumber int
		// Pack is the active policy pack.
		Pack Pack
		// Intent is the planner intent under evaluation.
		Intent *planner.Intent
	}

	// Decision is the policy engine verdict.
	Decision struct {
		// PolicyID identifies the rule that produced the verdict.
		PolicyID string
		// Outcome is allow, rewrite, or block.
		Outcome Outcome
		// ReasonCode is a stable machine-readable cause.
		ReasonCode string
		// RewrittenIntent replaces the original intent. Present iff Outcome is
		// rewrite.
		RewrittenIntent *planner.Intent
	}

	// Requirement is the approval classifier verdict for a tool_call intent.
	Requirement struct {
		// RiskClass labels the intent's risk (e.g., "low", "high").
		RiskClass string
		// RequiresApproval gates the intent behind a human approval signal.
		RequiresApproval bool
		// ReasonCode is a stable machine-readable cause.
		ReasonCode string
	}

	// Engine evaluates policy for one planner step.
	Engine interface {
		Decide(ctx context.Context, in DecisionInput) (*Decision, error)
	}

	// ApprovalClassifier decides whether a tool_call intent needs human
	// approval. ask_user and complete intents are never classified.
	ApprovalClassifier interface {
		Classify(ctx context.Context, in DecisionInput) (*Requirement, error)
	}

	// PackResolver resolves the active policy pack and its human-readable
	// constraint list for a scope.
	PackResolver interface {
		Resolve(ctx context.Context, s scope.Scope) (Pack, []string, error)
	}

	// DecisionRecord is the persisted record of one policy evaluation. One
	// record is written per step, inside the step transaction.
	DecisionRecord struct {
		Scope             scope.Scope
		DecisionID        string
		WorkflowID        string
		StepNumber        int
		PolicyPackID      string
		PolicyPackVersion string
		PolicyID          string
		Outcome           Outcome
		ReasonCode        string
		OriginalIntent    *planner.Intent
		// RewrittenIntent is present iff Outcome is rewrite.
		RewrittenIntent *planner.Intent
		CreatedAt       time.Time
	}

	// ApprovalDecisionRecord is the persisted record of an approval gate. At
	// most one pending record exists per workflow; resolution fills ApproverID,
	// ResolvedAt, and SignalID.
	ApprovalDecisionRecord struct {
		Scope      scope.Scope
		ApprovalID string
		WorkflowID string
		StepNumber int
		Status     ApprovalStatus
		RiskClass  string
		ReasonCode string
		Intent     *planner.Intent
		ApproverID string
		ResolvedAt time.Time
		SignalID   string
		CreatedAt  time.Time
	}

	// BlockedError is raised when the policy engine blocks an intent. The
	// workflow transitions to failed and the error surfaces to the caller.
	BlockedError struct {
		// PolicyID identifies the blocking rule.
		PolicyID string
		// ReasonCode is the stable cause reported by the policy engine.
		ReasonCode string
	}
)

// Error implements error.
func (e *BlockedError) Error() string {
	return fmt.Sprintf("policy %s blocked intent: %s", e.PolicyID, e.ReasonCode)
}
