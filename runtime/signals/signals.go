// Package signals ingests external signals (user answers, approvals,
// provider callbacks, timer firings) and resumes waiting workflows.
//
// Every resume runs in a single persistence transaction: the waiting
// checkpoint is consumed, the signal is recorded and acknowledged, approval
// gates are resolved, and a follow-up queue job is enqueued so a worker
// re-enters the planner loop. Inbound provider events are additionally
// fenced by a dedup receipt so redelivered webhooks cannot resume twice.
package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/foreman/runtime/audit"
	"goa.design/foreman/runtime/policy"
	"goa.design/foreman/runtime/queue"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/telemetry"
	"goa.design/foreman/runtime/workflow"
)

// Outcome says what an ingest attempt did.
type Outcome string

const (
	// OutcomeResumed means the workflow was resumed and a follow-up job
	// enqueued.
	OutcomeResumed Outcome = "resumed"
	// OutcomeDuplicate means the event was already processed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeNotWaiting means the target workflow was not waiting for a
	// signal.
	OutcomeNotWaiting Outcome = "not_waiting"
)

// ValidationError reports a malformed signal or an unresolvable target.
type ValidationError struct {
	// Reason is the human-readable rejection.
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string { return "signal validation: " + e.Reason }

type (
	// InboundMessage is a provider-side reply to a posted waiting question.
	InboundMessage struct {
		// Provider names the messaging provider (e.g., "slack").
		Provider string
		// ProviderTeamID is the provider-side team or workspace.
		ProviderTeamID string
		// EventID is the provider's event identifier, the dedup key.
		EventID string
		// ProviderThreadID is the thread the reply arrived on.
		ProviderThreadID string
		// UserID is the provider-side author.
		UserID string
		// Text is the reply body.
		Text string
		// OccurredAt is when the reply was produced. Zero means now.
		OccurredAt time.Time
	}

	// Signal is a programmatic resume request.
	Signal struct {
		// Scope identifies the owning tenant and workspace. It must match
		// the workflow's scope.
		Scope scope.Scope
		// WorkflowID identifies the waiting workflow.
		WorkflowID string
		// Type is the signal kind.
		Type workflow.SignalType
		// Payload is the type-specific signal body.
		Payload map[string]any
		// OccurredAt is when the signal fired. Zero means now.
		OccurredAt time.Time
	}

	// Result is the outcome of an ingest or resume attempt.
	Result struct {
		// Outcome says what happened.
		Outcome Outcome
		// WorkflowID identifies the targeted workflow, when resolved.
		WorkflowID string
		// SignalID identifies the recorded signal on resume.
		SignalID string
		// JobID identifies the enqueued follow-up job on resume.
		JobID string
	}

	// Options configures New. Store is required.
	Options struct {
		// Store is the persistence port.
		Store store.Store
		// Logger receives structured ingest logs. Defaults to noop.
		Logger telemetry.Logger
		// Metrics receives ingest counters. Defaults to noop.
		Metrics telemetry.Metrics
		// Clock reads the current time. Defaults to scope.UTCNow.
		Clock scope.Clock
	}

	// Ingestor resumes waiting workflows from external signals.
	Ingestor struct {
		store   store.Store
		logger  telemetry.Logger
		metrics telemetry.Metrics
		clock   scope.Clock
	}
)

// New returns an ingestor over opts.
func New(opts Options) (*Ingestor, error) {
	if opts.Store == nil {
		return nil, errors.New("signals: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = scope.UTCNow
	}
	return &Ingestor{
		store:   opts.Store,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		clock:   opts.Clock,
	}, nil
}

// IngestThreadReply processes a provider thread reply as a user_input
// signal: dedup receipt, thread resolution, waiting gate, then the resume
// transaction.
func (i *Ingestor) IngestThreadReply(ctx context.Context, msg InboundMessage) (*Result, error) {
	if msg.Provider == "" || msg.ProviderTeamID == "" || msg.EventID == "" {
		return nil, &ValidationError{Reason: "provider, providerTeamId and eventId are required"}
	}
	if msg.ProviderThreadID == "" {
		return nil, &ValidationError{Reason: "providerThreadId is required"}
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = i.clock()
	}

	thread, err := i.store.GetWorkflowMessageThreadByProviderThread(ctx, msg.Provider, msg.ProviderTeamID, msg.ProviderThreadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &ValidationError{Reason: "no workflow is bound to this thread"}
		}
		return nil, fmt.Errorf("resolve thread: %w", err)
	}

	err = i.store.RecordInboundMessageReceipt(ctx, store.InboundReceipt{
		Scope:          thread.Scope,
		Provider:       msg.Provider,
		ProviderTeamID: msg.ProviderTeamID,
		EventID:        msg.EventID,
		WorkflowID:     thread.WorkflowID,
		ReceivedAt:     i.clock(),
	})
	if errors.Is(err, store.ErrDuplicateReceipt) {
		i.metrics.IncCounter("foreman.signals.duplicates", 1)
		return &Result{Outcome: OutcomeDuplicate, WorkflowID: thread.WorkflowID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record receipt: %w", err)
	}

	waiting, err := i.lastRunWaiting(ctx, thread.Scope, thread.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !waiting {
		i.logger.Info(ctx, "reply for a workflow that is not waiting",
			"workflow_id", thread.WorkflowID, "provider", msg.Provider)
		return &Result{Outcome: OutcomeNotWaiting, WorkflowID: thread.WorkflowID}, nil
	}

	payload := map[string]any{"message": msg.Text}
	if msg.UserID != "" {
		payload["userId"] = msg.UserID
	}
	return i.Resume(ctx, Signal{
		Scope:      thread.Scope,
		WorkflowID: thread.WorkflowID,
		Type:       workflow.SignalUserInput,
		Payload:    payload,
		OccurredAt: msg.OccurredAt,
	})
}

// Resume applies a signal to a waiting workflow in one transaction. A
// workflow that is not waiting yields a not_waiting outcome; a scope
// mismatch is indistinguishable from a missing workflow.
func (i *Ingestor) Resume(ctx context.Context, sig Signal) (*Result, error) {
	if err := sig.Scope.Validate(); err != nil {
		return nil, err
	}
	if sig.WorkflowID == "" {
		return nil, &ValidationError{Reason: "workflowId is required"}
	}
	if err := ValidatePayload(sig.Type, sig.Payload); err != nil {
		return nil, err
	}
	if sig.OccurredAt.IsZero() {
		sig.OccurredAt = i.clock()
	}

	res := &Result{Outcome: OutcomeResumed, WorkflowID: sig.WorkflowID}
	err := i.store.WithTransaction(ctx, func(ctx context.Context) error {
		snap, err := i.store.GetWorkflowRuntimeSnapshot(ctx, sig.Scope, sig.WorkflowID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &ValidationError{Reason: "workflow not found"}
			}
			return fmt.Errorf("load workflow %s: %w", sig.WorkflowID, err)
		}
		if snap.Instance.Status != workflow.StatusWaitingSignal || snap.Checkpoint == nil {
			res.Outcome = OutcomeNotWaiting
			return errNotWaiting
		}

		now := i.clock()
		signalID := scope.NewSignalID()
		if err := i.store.EnqueueWorkflowSignal(ctx, workflow.SignalRecord{
			Scope:          sig.Scope,
			SignalID:       signalID,
			WorkflowID:     sig.WorkflowID,
			Type:           sig.Type,
			Payload:        sig.Payload,
			OccurredAt:     sig.OccurredAt,
			Status:         workflow.SignalAcknowledged,
			AcknowledgedAt: sig.OccurredAt,
		}); err != nil {
			return fmt.Errorf("record signal: %w", err)
		}
		res.SignalID = signalID

		snap.Checkpoint = nil
		snap.Instance.Status = workflow.StatusRunning
		snap.Instance.WaitingQuestion = ""
		snap.Instance.UpdatedAt = now

		if sig.Type == workflow.SignalApproval {
			if err := i.resolveApproval(ctx, snap, sig, signalID, now); err != nil {
				return err
			}
		}

		if err := i.store.UpsertWorkflowRuntimeSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("persist workflow %s: %w", sig.WorkflowID, err)
		}

		job, err := i.enqueueFollowUp(ctx, snap)
		if err != nil {
			return err
		}
		res.JobID = job.JobID
		return nil
	})
	if err != nil {
		if errors.Is(err, errNotWaiting) {
			return res, nil
		}
		return nil, err
	}

	i.metrics.IncCounter("foreman.signals.resumed", 1, "type", string(sig.Type))
	i.logger.Info(ctx, "workflow resumed",
		"workflow_id", sig.WorkflowID, "signal_id", res.SignalID, "type", string(sig.Type))
	return res, nil
}

// errNotWaiting aborts the resume transaction without surfacing an error.
var errNotWaiting = errors.New("workflow is not waiting")

// resolveApproval transitions the pending gate and its decision record, and
// appends the matching audit row.
func (i *Ingestor) resolveApproval(ctx context.Context, snap *workflow.RuntimeSnapshot, sig Signal, signalID string, now time.Time) error {
	pa := snap.Instance.PendingApproval
	if pa == nil || pa.Status != policy.ApprovalPending {
		return &ValidationError{Reason: "workflow has no pending approval"}
	}
	approved, _ := sig.Payload["approved"].(bool)
	approver, _ := sig.Payload["approverId"].(string)

	status := policy.ApprovalRejected
	event := audit.EventApprovalRejected
	if approved {
		status = policy.ApprovalApproved
		event = audit.EventApprovalApproved
	}
	pa.Status = status

	resolved := false
	for idx := range snap.ApprovalDecisions {
		rec := &snap.ApprovalDecisions[idx]
		if rec.ApprovalID != pa.ApprovalID {
			continue
		}
		rec.Status = status
		rec.ApproverID = approver
		rec.ResolvedAt = now
		rec.SignalID = signalID
		resolved = true
		break
	}
	if !resolved {
		return fmt.Errorf("approval record %s missing from workflow %s", pa.ApprovalID, snap.WorkflowID)
	}

	err := i.store.AppendAuditRecord(ctx, audit.Record{
		Scope:               snap.Scope,
		AuditID:             scope.NewAuditID(),
		WorkflowID:          snap.WorkflowID,
		RequestID:           snap.Request.RequestID,
		StepNumber:          approvalStep(snap, pa.ApprovalID),
		EventType:           event,
		SignalCorrelationID: signalID,
		Detail: map[string]any{
			"approvalId": pa.ApprovalID,
			"approved":   approved,
			"approverId": approver,
		},
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func approvalStep(snap *workflow.RuntimeSnapshot, approvalID string) int {
	for _, rec := range snap.ApprovalDecisions {
		if rec.ApprovalID == approvalID {
			return rec.StepNumber
		}
	}
	return -1
}

// enqueueFollowUp schedules the job that re-enters the planner loop,
// preserving the workflow, run, and request identity with a fresh attempt
// budget.
func (i *Ingestor) enqueueFollowUp(ctx context.Context, snap *workflow.RuntimeSnapshot) (queue.Job, error) {
	var (
		runID   string
		agentID string
	)
	runs, err := i.store.ListRuns(ctx, snap.Scope, store.RunFilter{WorkflowID: snap.WorkflowID, Limit: 1})
	if err != nil {
		return queue.Job{}, fmt.Errorf("list runs: %w", err)
	}
	if len(runs) > 0 {
		runID = runs[0].RunID
		agentID = runs[0].AgentID
	}
	job, err := i.store.EnqueueWorkflowJob(ctx, queue.EnqueueInput{
		Scope:           snap.Scope,
		RunID:           runID,
		AgentID:         agentID,
		WorkflowID:      snap.WorkflowID,
		RequestID:       snap.Request.RequestID,
		ThreadID:        snap.Instance.ThreadID,
		ObjectivePrompt: snap.Request.ObjectivePrompt,
	})
	if err != nil {
		return queue.Job{}, fmt.Errorf("enqueue follow-up job: %w", err)
	}
	return job, nil
}

// lastRunWaiting reports whether the workflow's most recent run emitted a
// waiting_for_signal state event.
func (i *Ingestor) lastRunWaiting(ctx context.Context, s scope.Scope, workflowID string) (bool, error) {
	runs, err := i.store.ListRuns(ctx, s, store.RunFilter{WorkflowID: workflowID, Limit: 1})
	if err != nil {
		return false, fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		return false, nil
	}
	events, err := i.store.ListRunEvents(ctx, s, runs[0].RunID)
	if err != nil {
		return false, fmt.Errorf("list run events: %w", err)
	}
	for idx := len(events) - 1; idx >= 0; idx-- {
		e := events[idx]
		if e.Type != store.EventState {
			continue
		}
		if state, ok := e.Payload["state"].(string); ok && state == store.RunStateWaitingSignal {
			return true, nil
		}
	}
	return false, nil
}

// ValidatePayload checks the type-specific payload contract.
func ValidatePayload(typ workflow.SignalType, payload map[string]any) error {
	switch typ {
	case workflow.SignalUserInput:
		if _, ok := payload["message"].(string); !ok {
			return &ValidationError{Reason: "user_input signal requires payload.message (string)"}
		}
	case workflow.SignalApproval:
		if _, ok := payload["approved"].(bool); !ok {
			return &ValidationError{Reason: "approval signal requires payload.approved (boolean)"}
		}
		if v, ok := payload["approverId"].(string); !ok || v == "" {
			return &ValidationError{Reason: "approval signal requires payload.approverId (string)"}
		}
	case workflow.SignalExternalEvent:
		if _, ok := payload["eventType"].(string); !ok {
			return &ValidationError{Reason: "external_event signal requires payload.eventType (string)"}
		}
	case workflow.SignalTimer:
		v, ok := payload["firedAt"].(string)
		if !ok {
			return &ValidationError{Reason: "timer signal requires payload.firedAt (ISO datetime)"}
		}
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			return &ValidationError{Reason: fmt.Sprintf("timer signal firedAt %q is not an ISO datetime", v)}
		}
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown signal type %q", typ)}
	}
	return nil
}
