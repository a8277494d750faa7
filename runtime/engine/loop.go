package engine

import (
	"context"
	"errors"
	"fmt"

	"goa.design/foreman/runtime/adapter"
	"goa.design/foreman/runtime/audit"
	"goa.design/foreman/runtime/planner"
	"goa.design/foreman/runtime/policy"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/workflow"
)

// Start creates the workflow for req and drives the planner loop until it
// pauses or terminates. Missing identifiers are minted; the request is
// persisted verbatim as the workflow's immutable origin.
func (e *Engine) Start(ctx context.Context, req *workflow.ObjectiveRequest) (*Result, error) {
	if req == nil {
		return nil, errors.New("engine: nil request")
	}
	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}
	if req.ObjectivePrompt == "" {
		return nil, errors.New("engine: objective prompt is required")
	}
	r := *req
	if r.RequestID == "" {
		r.RequestID = scope.NewRequestID()
	}
	if r.WorkflowID == "" {
		r.WorkflowID = scope.NewWorkflowID()
	}
	if r.SchemaVersion == "" {
		r.SchemaVersion = workflow.SchemaVersion
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = e.clock()
	}

	now := e.clock()
	snap := &workflow.RuntimeSnapshot{
		Scope:      r.Scope,
		WorkflowID: r.WorkflowID,
		Request:    r,
		Instance: workflow.Instance{
			Scope:      r.Scope,
			WorkflowID: r.WorkflowID,
			ThreadID:   r.ThreadID,
			Status:     workflow.StatusRunning,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
	err := e.store.WithTransaction(ctx, func(ctx context.Context) error {
		return e.store.UpsertWorkflowRuntimeSnapshot(ctx, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("create workflow %s: %w", r.WorkflowID, err)
	}
	e.logger.Info(ctx, "workflow created",
		"workflow_id", r.WorkflowID, "request_id", r.RequestID, "tenant", r.Scope.TenantID)
	return e.Run(ctx, r.Scope, r.WorkflowID)
}

// Run drives the planner loop for an existing workflow until it pauses for
// a signal or reaches a terminal state. Re-entry with a terminal workflow
// returns its snapshot without further work.
func (e *Engine) Run(ctx context.Context, s scope.Scope, workflowID string) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "engine.run")
	defer span.End()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, cont, err := e.iterate(ctx, s, workflowID)
		if err != nil {
			span.RecordError(err)
			return res, err
		}
		if !cont {
			return res, nil
		}
	}
}

// iterate runs one loop iteration, retrying when the snapshot version race
// is lost. The whole iteration reruns, including planning and execution;
// the idempotent executor shields side effects from the rerun.
func (e *Engine) iterate(ctx context.Context, s scope.Scope, workflowID string) (*Result, bool, error) {
	for attempt := 1; ; attempt++ {
		res, cont, err := e.iterateOnce(ctx, s, workflowID)
		if err == nil || !errors.Is(err, store.ErrConflict) {
			return res, cont, err
		}
		e.metrics.IncCounter("foreman.engine.conflicts", 1)
		if attempt >= e.conflicts {
			return nil, false, fmt.Errorf("%w: workflow %s", ErrWorkflowConflict, workflowID)
		}
		e.logger.Warn(ctx, "lost snapshot version race, retrying iteration",
			"workflow_id", workflowID, "attempt", attempt)
	}
}

func (e *Engine) iterateOnce(ctx context.Context, s scope.Scope, workflowID string) (*Result, bool, error) {
	snap, err := e.store.GetWorkflowRuntimeSnapshot(ctx, s, workflowID)
	if err != nil {
		return nil, false, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}

	if snap.Instance.Status.Terminal() {
		return e.result(snap, ""), false, nil
	}

	if pa := snap.Instance.PendingApproval; pa != nil {
		switch pa.Status {
		case policy.ApprovalPending:
			// A non-approval signal may have consumed the checkpoint; the
			// gate re-arms so the approval can still land.
			if snap.Instance.Status != workflow.StatusWaitingSignal {
				return e.rearmApprovalGate(ctx, snap)
			}
			return e.result(snap, ""), false, nil
		case policy.ApprovalRejected:
			return e.finishRejected(ctx, snap)
		case policy.ApprovalApproved:
			return e.executeApproved(ctx, snap)
		}
	}

	signals, err := e.store.ListPendingWorkflowSignals(ctx, s, workflowID)
	if err != nil {
		return nil, false, fmt.Errorf("list pending signals: %w", err)
	}

	// Re-entry on a waiting workflow with nothing to resume on returns the
	// suspended snapshot untouched.
	if snap.Instance.Status == workflow.StatusWaitingSignal && len(signals) == 0 {
		return e.result(snap, ""), false, nil
	}

	if len(snap.Instance.Steps) >= e.maxSteps {
		return e.finishMaxSteps(ctx, snap)
	}

	return e.step(ctx, snap, signals)
}

// step runs the six stages for one fresh planner iteration and commits the
// outcome in a single transaction.
func (e *Engine) step(ctx context.Context, snap *workflow.RuntimeSnapshot, signals []workflow.SignalRecord) (*Result, bool, error) {
	s := snap.Scope
	stepNumber := len(snap.Instance.Steps)

	// A waiting workflow reaching a fresh iteration has been resumed; the
	// stale question and checkpoint must not survive the next commit.
	if snap.Instance.Status == workflow.StatusWaitingSignal {
		snap.Instance.Status = workflow.StatusRunning
		snap.Instance.WaitingQuestion = ""
		snap.Checkpoint = nil
	}

	pack, constraints, err := e.packs.Resolve(ctx, s)
	if err != nil {
		return nil, false, fmt.Errorf("resolve policy pack: %w", err)
	}

	consumed := make([]string, 0, len(signals))
	for _, sig := range signals {
		consumed = append(consumed, sig.SignalID)
	}

	input, err := e.stages.BuildContext(ctx, &ContextBuild{Snapshot: snap, Signals: signals, Constraints: constraints})
	if err != nil {
		return nil, false, fmt.Errorf("build planning context: %w", err)
	}

	planStart := e.clock()
	intent, err := e.stages.Plan(ctx, input)
	if err != nil {
		return nil, false, fmt.Errorf("plan step %d: %w", stepNumber, err)
	}
	e.metrics.RecordTimer("engine.plan", e.clock().Sub(planStart))

	if err := e.stages.Validate(intent); err != nil {
		return e.finishInvalidIntent(ctx, snap, input, intent, consumed, nil, err)
	}

	var rows []audit.Record
	effective := intent
	if intent.Type == planner.IntentToolCall {
		din := policy.DecisionInput{
			Scope:      s,
			WorkflowID: snap.WorkflowID,
			RequestID:  snap.Request.RequestID,
			StepNumber: stepNumber,
			Pack:       pack,
			Intent:     intent,
		}
		decision, err := e.stages.EvaluatePolicy(ctx, din)
		if err != nil {
			return nil, false, fmt.Errorf("evaluate policy: %w", err)
		}

		record := policy.DecisionRecord{
			Scope:             s,
			DecisionID:        scope.NewDecisionID(),
			WorkflowID:        snap.WorkflowID,
			StepNumber:        stepNumber,
			PolicyPackID:      pack.ID,
			PolicyPackVersion: pack.Version,
			PolicyID:          decision.PolicyID,
			Outcome:           decision.Outcome,
			ReasonCode:        decision.ReasonCode,
			OriginalIntent:    intent.Clone(),
			CreatedAt:         e.clock(),
		}
		detail := map[string]any{
			"policyId":   decision.PolicyID,
			"reasonCode": decision.ReasonCode,
			"toolName":   intent.ToolName,
		}

		switch decision.Outcome {
		case policy.OutcomeBlock:
			snap.PolicyDecisions = append(snap.PolicyDecisions, record)
			rows = append(rows, e.auditRow(snap, stepNumber, audit.EventPolicyBlock, detail))
			return e.finishBlocked(ctx, snap, decision, consumed, rows)
		case policy.OutcomeRewrite:
			if decision.RewrittenIntent == nil {
				snap.PolicyDecisions = append(snap.PolicyDecisions, record)
				return e.finishInvalidIntent(ctx, snap, input, intent, consumed, rows,
					errors.New("policy rewrite returned no intent"))
			}
			record.RewrittenIntent = decision.RewrittenIntent.Clone()
			snap.PolicyDecisions = append(snap.PolicyDecisions, record)
			if err := e.stages.Validate(decision.RewrittenIntent); err != nil {
				return e.finishInvalidIntent(ctx, snap, input, decision.RewrittenIntent, consumed, rows, err)
			}
			rows = append(rows, e.auditRow(snap, stepNumber, audit.EventPolicyRewrite, detail))
			effective = decision.RewrittenIntent
		case policy.OutcomeAllow:
			snap.PolicyDecisions = append(snap.PolicyDecisions, record)
			rows = append(rows, e.auditRow(snap, stepNumber, audit.EventPolicyAllow, detail))
		default:
			return nil, false, fmt.Errorf("policy outcome %q is not recognized", decision.Outcome)
		}

		if effective.Type == planner.IntentToolCall {
			req, err := e.stages.EvaluateApproval(ctx, policy.DecisionInput{
				Scope:      s,
				WorkflowID: snap.WorkflowID,
				RequestID:  snap.Request.RequestID,
				StepNumber: stepNumber,
				Pack:       pack,
				Intent:     effective,
			})
			if err != nil {
				return nil, false, fmt.Errorf("evaluate approval: %w", err)
			}
			if req.RequiresApproval {
				return e.suspendForApproval(ctx, snap, input, effective, req, consumed, rows)
			}
		}
	}

	switch effective.Type {
	case planner.IntentAskUser:
		return e.suspendForQuestion(ctx, snap, input, effective, consumed, rows)
	case planner.IntentComplete:
		return e.finishCompleted(ctx, snap, input, effective, consumed, rows)
	case planner.IntentToolCall:
		out, execErr := e.stages.Execute(ctx, &adapter.Action{
			Scope:      s,
			WorkflowID: snap.WorkflowID,
			RequestID:  snap.Request.RequestID,
			StepNumber: stepNumber,
			Tool:       effective.ToolName,
			Payload:    effective.Args,
		})
		if execErr != nil {
			return e.finishExecuteFailure(ctx, snap, input, effective, consumed, rows, execErr)
		}
		step := e.newStep(snap, stepNumber, effective, input)
		step.Status = workflow.StepToolExecuted
		step.ToolResult = out.Result
		snap.Instance.Steps = append(snap.Instance.Steps, step)
		snap.Instance.Status = workflow.StatusRunning
		snap.Instance.UpdatedAt = e.clock()
		if err := e.commit(ctx, snap, consumed, rows); err != nil {
			return nil, false, err
		}
		e.stepTelemetry(ctx, snap, step)
		return e.result(snap, ""), true, nil
	default:
		return nil, false, fmt.Errorf("intent type %q is not recognized", effective.Type)
	}
}

// executeApproved runs the stored intent of an approved gate exactly once,
// appends its step, clears the gate, and lets the loop continue.
func (e *Engine) executeApproved(ctx context.Context, snap *workflow.RuntimeSnapshot) (*Result, bool, error) {
	pa := snap.Instance.PendingApproval
	intent := pa.Intent.Clone()
	stepNumber := len(snap.Instance.Steps)
	snap.Instance.WaitingQuestion = ""
	snap.Checkpoint = nil

	out, execErr := e.stages.Execute(ctx, &adapter.Action{
		Scope:      snap.Scope,
		WorkflowID: snap.WorkflowID,
		RequestID:  snap.Request.RequestID,
		StepNumber: stepNumber,
		Tool:       intent.ToolName,
		Payload:    intent.Args,
	})
	if execErr != nil {
		snap.Instance.PendingApproval = nil
		return e.finishExecuteFailure(ctx, snap, nil, intent, nil, nil, execErr)
	}

	step := e.newStep(snap, stepNumber, intent, nil)
	step.Status = workflow.StepToolExecuted
	step.ToolResult = out.Result
	snap.Instance.Steps = append(snap.Instance.Steps, step)
	snap.Instance.PendingApproval = nil
	snap.Instance.Status = workflow.StatusRunning
	snap.Instance.UpdatedAt = e.clock()
	if err := e.commit(ctx, snap, nil, nil); err != nil {
		return nil, false, err
	}
	e.stepTelemetry(ctx, snap, step)
	return e.result(snap, ""), true, nil
}

// rearmApprovalGate restores the waiting state of a still-pending approval
// gate after a resume that was not the approval itself.
func (e *Engine) rearmApprovalGate(ctx context.Context, snap *workflow.RuntimeSnapshot) (*Result, bool, error) {
	now := e.clock()
	snap.Instance.Status = workflow.StatusWaitingSignal
	snap.Instance.WaitingQuestion = fmt.Sprintf("Approval required for tool %q", snap.Instance.PendingApproval.Intent.ToolName)
	snap.Checkpoint = &workflow.WaitingCheckpoint{Scope: snap.Scope, WorkflowID: snap.WorkflowID, CreatedAt: now}
	snap.Instance.UpdatedAt = now
	if err := e.commit(ctx, snap, nil, nil); err != nil {
		return nil, false, err
	}
	e.logger.Info(ctx, "approval gate re-armed",
		"workflow_id", snap.WorkflowID, "approval_id", snap.Instance.PendingApproval.ApprovalID)
	return e.result(snap, ""), false, nil
}

func (e *Engine) finishRejected(ctx context.Context, snap *workflow.RuntimeSnapshot) (*Result, bool, error) {
	pa := snap.Instance.PendingApproval
	failure := fmt.Sprintf("approval rejected for tool %q", pa.Intent.ToolName)
	snap.Instance.Status = workflow.StatusFailed
	snap.Instance.WaitingQuestion = ""
	snap.Checkpoint = nil
	snap.Instance.UpdatedAt = e.clock()
	rows := []audit.Record{e.auditRow(snap, -1, audit.EventWorkflowFailed, map[string]any{
		"failure":    failure,
		"approvalId": pa.ApprovalID,
	})}
	if err := e.commit(ctx, snap, nil, rows); err != nil {
		return nil, false, err
	}
	e.terminalTelemetry(ctx, snap, failure)
	return e.result(snap, failure), false, nil
}

func (e *Engine) finishMaxSteps(ctx context.Context, snap *workflow.RuntimeSnapshot) (*Result, bool, error) {
	failure := fmt.Sprintf("planner loop exceeded max steps (%d)", e.maxSteps)
	snap.Instance.Status = workflow.StatusFailed
	snap.Instance.WaitingQuestion = ""
	snap.Checkpoint = nil
	snap.Instance.UpdatedAt = e.clock()
	rows := []audit.Record{e.auditRow(snap, -1, audit.EventWorkflowFailed, map[string]any{
		"failure": failure,
		"steps":   len(snap.Instance.Steps),
	})}
	if err := e.commit(ctx, snap, nil, rows); err != nil {
		return nil, false, err
	}
	e.terminalTelemetry(ctx, snap, failure)
	return e.result(snap, failure), false, nil
}

func (e *Engine) finishInvalidIntent(ctx context.Context, snap *workflow.RuntimeSnapshot, input *planner.Input, intent *planner.Intent, consumed []string, rows []audit.Record, verr error) (*Result, bool, error) {
	failure := fmt.Sprintf("invalid planner intent: %s", verr)
	stepNumber := len(snap.Instance.Steps)
	if intent != nil {
		step := e.newStep(snap, stepNumber, intent, input)
		step.Status = workflow.StepFailed
		step.Failure = failure
		snap.Instance.Steps = append(snap.Instance.Steps, step)
	}
	snap.Instance.Status = workflow.StatusFailed
	snap.Instance.UpdatedAt = e.clock()
	rows = append(rows, e.auditRow(snap, stepNumber, audit.EventWorkflowFailed, map[string]any{"failure": failure}))
	if err := e.commit(ctx, snap, consumed, rows); err != nil {
		return nil, false, err
	}
	e.terminalTelemetry(ctx, snap, failure)
	return e.result(snap, failure), false, verr
}

func (e *Engine) finishBlocked(ctx context.Context, snap *workflow.RuntimeSnapshot, decision *policy.Decision, consumed []string, rows []audit.Record) (*Result, bool, error) {
	failure := fmt.Sprintf("policy blocked intent: %s", decision.ReasonCode)
	snap.Instance.Status = workflow.StatusFailed
	snap.Instance.UpdatedAt = e.clock()
	rows = append(rows, e.auditRow(snap, -1, audit.EventWorkflowFailed, map[string]any{"failure": failure}))
	if err := e.commit(ctx, snap, consumed, rows); err != nil {
		return nil, false, err
	}
	e.terminalTelemetry(ctx, snap, failure)
	return e.result(snap, failure), false, &policy.BlockedError{PolicyID: decision.PolicyID, ReasonCode: decision.ReasonCode}
}

func (e *Engine) finishCompleted(ctx context.Context, snap *workflow.RuntimeSnapshot, input *planner.Input, intent *planner.Intent, consumed []string, rows []audit.Record) (*Result, bool, error) {
	stepNumber := len(snap.Instance.Steps)
	step := e.newStep(snap, stepNumber, intent, input)
	step.Status = workflow.StepCompleted
	snap.Instance.Steps = append(snap.Instance.Steps, step)

	completion := intent.Output
	if completion == nil {
		completion = map[string]any{}
	}
	snap.Instance.Completion = completion
	snap.Instance.Status = workflow.StatusCompleted
	snap.Instance.UpdatedAt = e.clock()
	rows = append(rows, e.auditRow(snap, -1, audit.EventWorkflowCompleted, map[string]any{
		"steps": len(snap.Instance.Steps),
	}))
	if err := e.commit(ctx, snap, consumed, rows); err != nil {
		return nil, false, err
	}
	e.stepTelemetry(ctx, snap, step)
	e.terminalTelemetry(ctx, snap, "")
	return e.result(snap, ""), false, nil
}

func (e *Engine) finishExecuteFailure(ctx context.Context, snap *workflow.RuntimeSnapshot, input *planner.Input, intent *planner.Intent, consumed []string, rows []audit.Record, execErr error) (*Result, bool, error) {
	stepNumber := len(snap.Instance.Steps)
	failure := fmt.Sprintf("tool %s failed: %s", intent.ToolName, execErr)
	step := e.newStep(snap, stepNumber, intent, input)
	step.Status = workflow.StepFailed
	step.Failure = failure
	snap.Instance.Steps = append(snap.Instance.Steps, step)
	snap.Instance.Status = workflow.StatusFailed
	snap.Instance.UpdatedAt = e.clock()
	rows = append(rows, e.auditRow(snap, stepNumber, audit.EventWorkflowFailed, map[string]any{"failure": failure}))
	if err := e.commit(ctx, snap, consumed, rows); err != nil {
		return nil, false, err
	}
	e.terminalTelemetry(ctx, snap, failure)
	return e.result(snap, failure), false, fmt.Errorf("execute step %d: %w", stepNumber, execErr)
}

func (e *Engine) suspendForApproval(ctx context.Context, snap *workflow.RuntimeSnapshot, input *planner.Input, intent *planner.Intent, req *policy.Requirement, consumed []string, rows []audit.Record) (*Result, bool, error) {
	now := e.clock()
	stepNumber := len(snap.Instance.Steps)
	approvalID := scope.NewApprovalID()
	question := fmt.Sprintf("Approval required for tool %q", intent.ToolName)

	step := e.newStep(snap, stepNumber, intent, input)
	step.Status = workflow.StepWaitingSignal
	snap.Instance.Steps = append(snap.Instance.Steps, step)

	snap.ApprovalDecisions = append(snap.ApprovalDecisions, policy.ApprovalDecisionRecord{
		Scope:      snap.Scope,
		ApprovalID: approvalID,
		WorkflowID: snap.WorkflowID,
		StepNumber: stepNumber,
		Status:     policy.ApprovalPending,
		RiskClass:  req.RiskClass,
		ReasonCode: req.ReasonCode,
		Intent:     intent.Clone(),
		CreatedAt:  now,
	})
	snap.Instance.PendingApproval = &workflow.PendingApproval{
		ApprovalID: approvalID,
		Status:     policy.ApprovalPending,
		Intent:     intent.Clone(),
		RiskClass:  req.RiskClass,
		ReasonCode: req.ReasonCode,
	}
	snap.Instance.Status = workflow.StatusWaitingSignal
	snap.Instance.WaitingQuestion = question
	snap.Checkpoint = &workflow.WaitingCheckpoint{Scope: snap.Scope, WorkflowID: snap.WorkflowID, CreatedAt: now}
	snap.Instance.UpdatedAt = now
	rows = append(rows, e.auditRow(snap, stepNumber, audit.EventApprovalPending, map[string]any{
		"approvalId": approvalID,
		"riskClass":  req.RiskClass,
		"reasonCode": req.ReasonCode,
		"toolName":   intent.ToolName,
	}))
	if err := e.commit(ctx, snap, consumed, rows); err != nil {
		return nil, false, err
	}
	e.stepTelemetry(ctx, snap, step)
	e.logger.Info(ctx, "workflow waiting for approval",
		"workflow_id", snap.WorkflowID, "approval_id", approvalID, "tool", intent.ToolName)
	return e.result(snap, ""), false, nil
}

func (e *Engine) suspendForQuestion(ctx context.Context, snap *workflow.RuntimeSnapshot, input *planner.Input, intent *planner.Intent, consumed []string, rows []audit.Record) (*Result, bool, error) {
	now := e.clock()
	stepNumber := len(snap.Instance.Steps)

	step := e.newStep(snap, stepNumber, intent, input)
	step.Status = workflow.StepWaitingSignal
	snap.Instance.Steps = append(snap.Instance.Steps, step)
	snap.Instance.Status = workflow.StatusWaitingSignal
	snap.Instance.WaitingQuestion = intent.Question
	snap.Checkpoint = &workflow.WaitingCheckpoint{Scope: snap.Scope, WorkflowID: snap.WorkflowID, CreatedAt: now}
	snap.Instance.UpdatedAt = now
	if err := e.commit(ctx, snap, consumed, rows); err != nil {
		return nil, false, err
	}
	e.stepTelemetry(ctx, snap, step)
	e.logger.Info(ctx, "workflow waiting for user input",
		"workflow_id", snap.WorkflowID, "step", stepNumber)
	return e.result(snap, ""), false, nil
}

// commit writes the iteration's effects in one transaction: consumed
// signals, audit rows, and the snapshot under its version check.
func (e *Engine) commit(ctx context.Context, snap *workflow.RuntimeSnapshot, consumed []string, rows []audit.Record) error {
	return e.store.WithTransaction(ctx, func(ctx context.Context) error {
		for _, id := range consumed {
			if err := e.store.MarkWorkflowSignalConsumed(ctx, snap.Scope, id, e.clock()); err != nil {
				return fmt.Errorf("consume signal %s: %w", id, err)
			}
		}
		for _, r := range rows {
			if err := e.store.AppendAuditRecord(ctx, r); err != nil {
				return fmt.Errorf("append audit record: %w", err)
			}
		}
		return e.store.UpsertWorkflowRuntimeSnapshot(ctx, snap)
	})
}

func (e *Engine) newStep(snap *workflow.RuntimeSnapshot, stepNumber int, intent *planner.Intent, input *planner.Input) workflow.StepRecord {
	return workflow.StepRecord{
		Scope:         snap.Scope,
		WorkflowID:    snap.WorkflowID,
		StepNumber:    stepNumber,
		IntentType:    intent.Type,
		PlannerInput:  input,
		PlannerIntent: intent,
		CreatedAt:     e.clock(),
	}
}

func (e *Engine) auditRow(snap *workflow.RuntimeSnapshot, stepNumber int, event audit.EventType, detail map[string]any) audit.Record {
	return audit.Record{
		Scope:      snap.Scope,
		AuditID:    scope.NewAuditID(),
		WorkflowID: snap.WorkflowID,
		RequestID:  snap.Request.RequestID,
		StepNumber: stepNumber,
		EventType:  event,
		Detail:     detail,
		CreatedAt:  e.clock(),
	}
}

func (e *Engine) result(snap *workflow.RuntimeSnapshot, failure string) *Result {
	return &Result{
		WorkflowID:      snap.WorkflowID,
		Status:          snap.Instance.Status,
		Steps:           snap.Instance.Steps,
		WaitingQuestion: snap.Instance.WaitingQuestion,
		Completion:      snap.Instance.Completion,
		Failure:         failure,
	}
}

func (e *Engine) stepTelemetry(ctx context.Context, snap *workflow.RuntimeSnapshot, step workflow.StepRecord) {
	e.metrics.IncCounter("foreman.engine.steps", 1, "status", string(step.Status))
	e.logger.Info(ctx, "planner step committed",
		"workflow_id", snap.WorkflowID,
		"step", step.StepNumber,
		"intent", string(step.IntentType),
		"status", string(step.Status))
}

func (e *Engine) terminalTelemetry(ctx context.Context, snap *workflow.RuntimeSnapshot, failure string) {
	e.metrics.IncCounter("foreman.engine.terminal", 1, "status", string(snap.Instance.Status))
	if failure != "" {
		e.logger.Error(ctx, "workflow failed",
			"workflow_id", snap.WorkflowID, "failure", failure)
		return
	}
	e.logger.Info(ctx, "workflow completed",
		"workflow_id", snap.WorkflowID, "steps", len(snap.Instance.Steps))
}
