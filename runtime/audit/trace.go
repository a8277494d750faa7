package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"goa.design/foreman/runtime/planner"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/workflow"
)

// ErrScopeMismatch reports a trace build whose actor scope does not own the
// workflow and no cross-tenant capability was granted.
var ErrScopeMismatch = errors.New("actor scope does not own the workflow")

type (
	// Trace is the deterministic projection of a workflow sufficient to
	// reproduce its step sequence without external side effects.
	Trace struct {
		// TenantID and WorkspaceID identify the owning scope.
		TenantID    string
		WorkspaceID string
		// WorkflowID identifies the traced workflow.
		WorkflowID string
		// Request is the originating objective request.
		Request workflow.ObjectiveRequest
		// Steps projects every persisted step, in step order.
		Steps []TraceStep
		// Completion is the workflow completion object, when terminal
		// completed.
		Completion map[string]any
		// WaitingQuestion is the open question, when waiting.
		WaitingQuestion string
	}

	// TraceStep is the per-step projection.
	TraceStep struct {
		// StepNumber is the zero-based step position.
		StepNumber int
		// Status is the persisted step status.
		Status workflow.StepStatus
		// IntentType is the intent variant of the step.
		IntentType planner.IntentType
		// ToolName names the tool for tool_call steps.
		ToolName string
		// PlannerIntent is the effective intent the engine acted on.
		PlannerIntent *planner.Intent
		// PlannerInput is the exact planner input of the step.
		PlannerInput *planner.Input
		// ToolResult is the recorded tool result, when the tool ran.
		ToolResult any
		// Failure is the recorded error summary for failed steps.
		Failure string
	}

	// SnapshotSource is the single read the trace builder needs. The
	// persistence store satisfies it.
	SnapshotSource interface {
		GetWorkflowRuntimeSnapshot(ctx context.Context, s scope.Scope, workflowID string) (*workflow.RuntimeSnapshot, error)
	}

	// TraceOption customizes trace building.
	TraceOption func(*traceOptions)

	traceOptions struct {
		allowCrossTenantRead bool
		actor                scope.Scope
	}

	// ReplayResult is the outcome of replaying a trace: the step statuses the
	// deterministic rules derive from the recorded evidence.
	ReplayResult struct {
		// WorkflowID identifies the replayed workflow.
		WorkflowID string
		// Statuses lists the derived status per step, in step order.
		Statuses []workflow.StepStatus
		// FinalStatus is the workflow status the step sequence implies.
		FinalStatus workflow.Status
	}

	// Drift is one divergence between an expected and an actual trace.
	Drift struct {
		// StepNumber locates the divergence, or -1 for trace-level drift.
		StepNumber int
		// Field names the diverging attribute.
		Field string
		// Expected and Actual render both sides.
		Expected string
		Actual   string
	}
)

// WithCrossTenantRead grants the explicit capability to build a trace for a
// workflow owned by a different scope than the actor's.
func WithCrossTenantRead() TraceOption {
	return func(o *traceOptions) { o.allowCrossTenantRead = true }
}

// BuildTrace loads the workflow snapshot and projects it into a Trace. The
// actor scope must match the workflow scope unless WithCrossTenantRead is
// passed; the snapshot read itself is performed under the workflow scope.
func BuildTrace(ctx context.Context, src SnapshotSource, actor scope.Scope, owner scope.Scope, workflowID string, opts ...TraceOption) (*Trace, error) {
	var o traceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !actor.Matches(owner) && !o.allowCrossTenantRead {
		return nil, fmt.Errorf("%w: actor %s, workflow %s", ErrScopeMismatch, actor, owner)
	}
	snap, err := src.GetWorkflowRuntimeSnapshot(ctx, owner, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow snapshot: %w", err)
	}
	t := &Trace{
		TenantID:        owner.TenantID,
		WorkspaceID:     owner.WorkspaceID,
		WorkflowID:      workflowID,
		Request:         snap.Request,
		WaitingQuestion: snap.Instance.WaitingQuestion,
		Completion:      snap.Instance.Completion,
	}
	for _, step := range snap.Instance.Steps {
		ts := TraceStep{
			StepNumber:    step.StepNumber,
			Status:        step.Status,
			IntentType:    step.IntentType,
			PlannerIntent: step.PlannerIntent,
			PlannerInput:  step.PlannerInput,
			ToolResult:    step.ToolResult,
			Failure:       step.Failure,
		}
		if step.PlannerIntent != nil {
			ts.ToolName = step.PlannerIntent.ToolName
		}
		t.Steps = append(t.Steps, ts)
	}
	return t, nil
}

// ReplayTrace derives each step's status from the recorded evidence alone:
// ask_user pauses, complete completes, and a tool_call executed iff a tool
// result was recorded. Replaying the trace of a workflow therefore yields
// statuses equal to the ones the engine persisted, without re-running any
// side effect.
func ReplayTrace(t *Trace) *ReplayResult {
	res := &ReplayResult{WorkflowID: t.WorkflowID, FinalStatus: workflow.StatusRunning}
	for _, step := range t.Steps {
		var status workflow.StepStatus
		switch {
		case step.Failure != "":
			status = workflow.StepFailed
		case step.IntentType == planner.IntentAskUser:
			status = workflow.StepWaitingSignal
		case step.IntentType == planner.IntentComplete:
			status = workflow.StepCompleted
		case step.ToolResult != nil:
			status = workflow.StepToolExecuted
		default:
			// A tool_call without a recorded result never ran: the step
			// paused on an approval gate.
			status = workflow.StepWaitingSignal
		}
		res.Statuses = append(res.Statuses, status)
		switch status {
		case workflow.StepFailed:
			res.FinalStatus = workflow.StatusFailed
		case workflow.StepCompleted:
			res.FinalStatus = workflow.StatusCompleted
		case workflow.StepWaitingSignal:
			res.FinalStatus = workflow.StatusWaitingSignal
		default:
			res.FinalStatus = workflow.StatusRunning
		}
	}
	return res
}

// DiffSnapshots compares two traces and returns the deterministic drift
// list: a step-count divergence first, then per-step status, intent type,
// and tool name divergences in step order.
func DiffSnapshots(expected, actual *Trace) []Drift {
	var drifts []Drift
	if len(expected.Steps) != len(actual.Steps) {
		drifts = append(drifts, Drift{
			StepNumber: -1,
			Field:      "steps.length",
			Expected:   strconv.Itoa(len(expected.Steps)),
			Actual:     strconv.Itoa(len(actual.Steps)),
		})
	}
	n := min(len(expected.Steps), len(actual.Steps))
	for i := 0; i < n; i++ {
		e, a := expected.Steps[i], actual.Steps[i]
		if e.Status != a.Status {
			drifts = append(drifts, Drift{StepNumber: i, Field: "status", Expected: string(e.Status), Actual: string(a.Status)})
		}
		if e.IntentType != a.IntentType {
			drifts = append(drifts, Drift{StepNumber: i, Field: "intentType", Expected: string(e.IntentType), Actual: string(a.IntentType)})
		}
		if e.ToolName != a.ToolName {
			drifts = append(drifts, Drift{StepNumber: i, Field: "toolName", Expected: e.ToolName, Actual: a.ToolName})
		}
	}
	return drifts
}
