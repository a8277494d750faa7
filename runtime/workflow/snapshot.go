package workflow

import (
	"time"

	"goa.design/foreman/runtime/planner"
	"goa.design/foreman/runtime/policy"
	"goa.design/foreman/runtime/scope"
)

// RuntimeSnapshot is the unit of workflow persistence: the instance together
// with everything it exclusively owns — the originating request, the waiting
// checkpoint, and the policy and approval decision records. Snapshots are
// read and written whole; Version implements optimistic concurrency so no
// two step transactions for the same workflow commit concurrently.
type RuntimeSnapshot struct {
	// Scope identifies the owning tenant and workspace.
	Scope scope.Scope
	// WorkflowID identifies the workflow.
	WorkflowID string
	// Version is the optimistic concurrency counter. Zero means the snapshot
	// has never been persisted; the store bumps it on every successful upsert
	// and rejects stale writers.
	Version int64
	// Request is the immutable objective request that started the workflow.
	Request ObjectiveRequest
	// Instance is the workflow aggregate.
	Instance Instance
	// Checkpoint is the waiting checkpoint. Non-nil iff the instance status
	// is waiting_signal.
	Checkpoint *WaitingCheckpoint
	// PolicyDecisions lists one record per evaluated step, in step order.
	PolicyDecisions []policy.DecisionRecord
	// ApprovalDecisions lists approval gate records, in creation order. At
	// most one is pending at a time.
	ApprovalDecisions []policy.ApprovalDecisionRecord
	// UpdatedAt is bumped by every successful upsert.
	UpdatedAt time.Time
}

// Clone returns a deep copy of the snapshot. Stores hand out clones so
// callers can mutate freely; the engine mutates a clone and writes it back
// under the version check.
func (s *RuntimeSnapshot) Clone() *RuntimeSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Instance = cloneInstance(s.Instance)
	if s.Checkpoint != nil {
		cp := *s.Checkpoint
		out.Checkpoint = &cp
	}
	if s.PolicyDecisions != nil {
		out.PolicyDecisions = make([]policy.DecisionRecord, len(s.PolicyDecisions))
		for i, d := range s.PolicyDecisions {
			out.PolicyDecisions[i] = clonePolicyDecision(d)
		}
	}
	if s.ApprovalDecisions != nil {
		out.ApprovalDecisions = make([]policy.ApprovalDecisionRecord, len(s.ApprovalDecisions))
		for i, d := range s.ApprovalDecisions {
			out.ApprovalDecisions[i] = cloneApprovalDecision(d)
		}
	}
	return &out
}

// PendingApprovalRecord returns the approval decision record matching the
// instance's pending approval, or nil.
func (s *RuntimeSnapshot) PendingApprovalRecord() *policy.ApprovalDecisionRecord {
	if s.Instance.PendingApproval == nil {
		return nil
	}
	for i := range s.ApprovalDecisions {
		if s.ApprovalDecisions[i].ApprovalID == s.Instance.PendingApproval.ApprovalID {
			return &s.ApprovalDecisions[i]
		}
	}
	return nil
}

func cloneInstance(in Instance) Instance {
	out := in
	if in.Steps != nil {
		out.Steps = make([]StepRecord, len(in.Steps))
		for i, st := range in.Steps {
			out.Steps[i] = cloneStep(st)
		}
	}
	if in.Completion != nil {
		out.Completion = cloneAnyMap(in.Completion)
	}
	if in.PendingApproval != nil {
		pa := *in.PendingApproval
		pa.Intent = in.PendingApproval.Intent.Clone()
		out.PendingApproval = &pa
	}
	return out
}

func cloneStep(in StepRecord) StepRecord {
	out := in
	out.PlannerIntent = in.PlannerIntent.Clone()
	if in.PlannerInput != nil {
		cp := cloneInput(*in.PlannerInput)
		out.PlannerInput = &cp
	}
	out.ToolResult = cloneAny(in.ToolResult)
	return out
}

func cloneInput(in planner.Input) planner.Input {
	out := in
	if in.MemoryContext != nil {
		out.MemoryContext = cloneAnyMap(in.MemoryContext)
	}
	out.PriorSteps = append([]planner.StepSummary(nil), in.PriorSteps...)
	if in.Signals != nil {
		out.Signals = make([]planner.SignalSummary, len(in.Signals))
		for i, sig := range in.Signals {
			out.Signals[i] = sig
			if sig.Payload != nil {
				out.Signals[i].Payload = cloneAnyMap(sig.Payload)
			}
		}
	}
	out.PolicyConstraints = append([]string(nil), in.PolicyConstraints...)
	out.AvailableTools = append([]planner.ToolDescriptor(nil), in.AvailableTools...)
	return out
}

func clonePolicyDecision(in policy.DecisionRecord) policy.DecisionRecord {
	out := in
	out.OriginalIntent = in.OriginalIntent.Clone()
	out.RewrittenIntent = in.RewrittenIntent.Clone()
	return out
}

func cloneApprovalDecision(in policy.ApprovalDecisionRecord) policy.ApprovalDecisionRecord {
	out := in
	out.Intent = in.Intent.Clone()
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAnyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	default:
		return t
	}
}
