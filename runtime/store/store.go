// Package store defines the persistence port consumed by the planner loop
// engine, the queue runner, and the signal ingestor, together with the
// aggregates the port owns: runs, run events, agents, message threads,
// inbound receipts, and tenant messaging settings.
//
// Every mutation that touches a workflow happens inside a single transaction
// that sees a consistent snapshot. WithTransaction demarcates the boundary; a
// nested call is reentry into the outer transaction, not a new one.
// Per-workflow write serialization is optimistic: RuntimeSnapshot.Version is
// checked on upsert and a stale writer receives ErrConflict.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/foreman/runtime/audit"
	"goa.design/foreman/runtime/queue"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/workflow"
)

var (
	// ErrNotFound reports a read for an entity that does not exist in the
	// caller's scope. Cross-tenant reads are indistinguishable from missing
	// entities.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports an optimistic concurrency violation on a workflow
	// runtime snapshot.
	ErrConflict = errors.New("workflow snapshot version conflict")
	// ErrDuplicateReceipt reports an inbound message receipt whose
	// (provider, team, event) key was already recorded.
	ErrDuplicateReceipt = errors.New("duplicate inbound message receipt")
	// ErrUnsupportedKind reports a generic read for an unknown entity kind.
	ErrUnsupportedKind = errors.New("unsupported entity kind")
)

// RunStatus is the lifecycle state of a run aggregate.
type RunStatus string

const (
	// RunQueued means the run's job awaits a worker (including re-queued
	// waiting workflows).
	RunQueued RunStatus = "queued"
	// RunRunning means a worker is executing the run's job.
	RunRunning RunStatus = "running"
	// RunSuccess means the job completed and the workflow reached a state
	// the worker acked.
	RunSuccess RunStatus = "success"
	// RunFailed means the job exhausted its attempts or delivery of the
	// waiting question failed.
	RunFailed RunStatus = "failed"
)

// RunEventType discriminates run event rows.
type RunEventType string

const (
	// EventState marks a run lifecycle state change.
	EventState RunEventType = "state"
	// EventLog marks a free-form log event.
	EventLog RunEventType = "log"
)

// RunStateWaitingSignal is the state label a worker emits when its workflow
// pauses for a signal. The signal ingest path gates resumes on its presence
// in the most recent run's event log.
const RunStateWaitingSignal = "waiting_for_signal"

// Kind names an entity collection for the generic Read operation.
type Kind string

const (
	// KindAgent reads an agent aggregate.
	KindAgent Kind = "agent"
	// KindRun reads a run aggregate.
	KindRun Kind = "run"
	// KindJob reads a workflow queue job.
	KindJob Kind = "job"
	// KindWorkflow reads a workflow runtime snapshot.
	KindWorkflow Kind = "workflow"
)

type (
	// Agent is the directory aggregate describing one registered agent.
	Agent struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// AgentID identifies the agent.
		AgentID string
		// Name is the display name.
		Name string
		// Status is a free-form liveness label (e.g., "active").
		Status string
		// LastSeenAt is bumped when a worker claims a job for the agent.
		LastSeenAt time.Time
		// CreatedAt is when the agent was first upserted.
		CreatedAt time.Time
		// UpdatedAt is bumped on every upsert.
		UpdatedAt time.Time
	}

	// Run is the user-visible aggregate summarizing the latest execution
	// attempt of a workflow.
	Run struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// RunID identifies the run.
		RunID string
		// AgentID identifies the agent the run belongs to.
		AgentID string
		// WorkflowID identifies the workflow the run drives.
		WorkflowID string
		// RequestID identifies the originating objective request.
		RequestID string
		// ThreadID optionally links the run to a conversation thread.
		ThreadID string
		// Status is the run lifecycle state.
		Status RunStatus
		// StartedAt is when a worker last began executing the run.
		StartedAt time.Time
		// EndedAt is when execution finished. Cleared when the run re-queues
		// on a waiting workflow.
		EndedAt time.Time
		// LatencyMS is EndedAt minus StartedAt in milliseconds.
		LatencyMS int64
		// Retries counts failed attempts that were rescheduled.
		Retries int
		// ErrorSummary is the short user-visible failure description.
		ErrorSummary string
		// CreatedAt is when the run was created.
		CreatedAt time.Time
		// UpdatedAt is bumped on every upsert.
		UpdatedAt time.Time
	}

	// RunFilter narrows run listings.
	RunFilter struct {
		// WorkflowID restricts to one workflow when set.
		WorkflowID string
		// Status restricts to one status when set.
		Status RunStatus
		// Limit bounds the result; zero means no limit.
		Limit int
	}

	// RunEvent is one appended observability event. Events are totally
	// ordered per run by timestamp then ID; the ID itself is time-ordered.
	RunEvent struct {
		// Scope identifies the owning tenant and workspace, propagated from
		// the originating operation.
		Scope scope.Scope
		// ID is the time-ordered unique event identifier.
		ID string
		// RunID identifies the run the event belongs to.
		RunID string
		// TS is when the event occurred.
		TS time.Time
		// Type is state or log.
		Type RunEventType
		// Level is the severity for log events (debug, info, error).
		Level string
		// Message is the human-readable event text.
		Message string
		// Payload carries structured event attributes.
		Payload map[string]any
		// CorrelationID threads the originating request through every event.
		CorrelationID string
		// CausationID identifies the direct cause (typically the queue job).
		CausationID string
	}

	// MessageThread links a workflow to a provider conversation so inbound
	// replies can be routed back to the waiting workflow.
	MessageThread struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// WorkflowID identifies the workflow the thread belongs to.
		WorkflowID string
		// RunID identifies the run that posted the waiting question.
		RunID string
		// Provider is the delivery channel kind (e.g., "slack").
		Provider string
		// ProviderTeamID identifies the provider tenant (e.g., Slack team).
		ProviderTeamID string
		// ProviderThreadID identifies the provider conversation thread.
		ProviderThreadID string
		// ChannelID identifies the provider channel.
		ChannelID string
		// MessageID identifies the posted message.
		MessageID string
		// Target is the human-readable destination (e.g., "#hiring").
		Target string
		// CreatedAt is when the thread was first recorded.
		CreatedAt time.Time
		// UpdatedAt is bumped on every upsert.
		UpdatedAt time.Time
	}

	// InboundReceipt deduplicates provider callbacks. The
	// (Provider, ProviderTeamID, EventID) key is unique; recording a
	// duplicate returns ErrDuplicateReceipt.
	InboundReceipt struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// Provider is the callback source (e.g., "slack").
		Provider string
		// ProviderTeamID identifies the provider tenant.
		ProviderTeamID string
		// EventID is the provider's unique event identifier.
		EventID string
		// WorkflowID identifies the workflow the callback resolved to.
		WorkflowID string
		// ReceivedAt is when the callback was first seen.
		ReceivedAt time.Time
	}

	// TenantMessagingSettings configures waiting-question delivery per
	// tenant and workspace.
	TenantMessagingSettings struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// Provider is the configured delivery channel kind.
		Provider string
		// ProviderTeamID identifies the provider tenant.
		ProviderTeamID string
		// DefaultChannelID is where waiting questions are posted.
		DefaultChannelID string
		// NotificationsEnabled gates waiting-question delivery.
		NotificationsEnabled bool
		// UpdatedAt is bumped on every upsert.
		UpdatedAt time.Time
	}

	// Store is the full persistence port. Implementations must make every
	// non-read operation transactional: either called inside WithTransaction,
	// where it joins the transaction, or executed atomically on its own.
	Store interface {
		// WithTransaction runs fn inside a transaction. All store operations
		// performed with the ctx passed to fn join the transaction and commit
		// or roll back together. A nested call is reentry into the outer
		// transaction.
		WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

		// Read returns the canonical JSON rendering of one entity.
		Read(ctx context.Context, s scope.Scope, kind Kind, id string) (json.RawMessage, error)

		// UpsertAgent creates or updates an agent aggregate.
		UpsertAgent(ctx context.Context, a Agent) error
		// GetAgent returns the agent by ID within the scope.
		GetAgent(ctx context.Context, s scope.Scope, agentID string) (Agent, error)
		// ListAgents returns the scope's agents ordered by agent ID.
		ListAgents(ctx context.Context, s scope.Scope) ([]Agent, error)

		// ListRuns returns the scope's runs, newest first.
		ListRuns(ctx context.Context, s scope.Scope, f RunFilter) ([]Run, error)
		// GetRun returns the run by ID within the scope.
		GetRun(ctx context.Context, s scope.Scope, runID string) (Run, error)
		// UpsertRun creates or updates a run aggregate.
		UpsertRun(ctx context.Context, r Run) error

		// ListRunEvents returns the run's events in append order.
		ListRunEvents(ctx context.Context, s scope.Scope, runID string) ([]RunEvent, error)
		// AppendRunEvent appends one event to the run's log.
		AppendRunEvent(ctx context.Context, e RunEvent) error

		// EnqueueWorkflowJob creates a job in queued status with a zero
		// attempt count.
		EnqueueWorkflowJob(ctx context.Context, in queue.EnqueueInput) (queue.Job, error)
		// ListWorkflowJobs returns the scope's jobs, newest first.
		ListWorkflowJobs(ctx context.Context, s scope.Scope, f queue.ListFilter) ([]queue.Job, error)
		// ClaimWorkflowJobs atomically leases up to Limit claimable jobs.
		ClaimWorkflowJobs(ctx context.Context, in queue.ClaimInput) ([]queue.Job, error)
		// CompleteWorkflowJob acks a claimed job if the lease matches;
		// otherwise it is a silent no-op.
		CompleteWorkflowJob(ctx context.Context, in queue.CompleteInput) error
		// FailWorkflowJob requeues or terminally fails a claimed job if the
		// lease matches; otherwise it is a silent no-op.
		FailWorkflowJob(ctx context.Context, in queue.FailInput) error
		// GetWorkflowJob returns the job by ID within the scope.
		GetWorkflowJob(ctx context.Context, s scope.Scope, jobID string) (queue.Job, error)

		// UpsertWorkflowMessageThread records the provider thread a waiting
		// question was delivered to.
		UpsertWorkflowMessageThread(ctx context.Context, t MessageThread) error
		// GetWorkflowMessageThreadByProviderThread resolves a provider
		// conversation back to its workflow.
		GetWorkflowMessageThreadByProviderThread(ctx context.Context, provider, providerTeamID, providerThreadID string) (MessageThread, error)
		// RecordInboundMessageReceipt records a provider callback exactly
		// once; duplicates return ErrDuplicateReceipt.
		RecordInboundMessageReceipt(ctx context.Context, r InboundReceipt) error

		// EnqueueWorkflowSignal appends a signal to the workflow inbox.
		EnqueueWorkflowSignal(ctx context.Context, sig workflow.SignalRecord) error
		// ListPendingWorkflowSignals returns the workflow's not-yet-consumed
		// signals ordered by signal ID.
		ListPendingWorkflowSignals(ctx context.Context, s scope.Scope, workflowID string) ([]workflow.SignalRecord, error)
		// MarkWorkflowSignalConsumed transitions a signal to consumed.
		MarkWorkflowSignalConsumed(ctx context.Context, s scope.Scope, signalID string, at time.Time) error

		// GetWorkflowRuntimeSnapshot returns the workflow's snapshot.
		GetWorkflowRuntimeSnapshot(ctx context.Context, s scope.Scope, workflowID string) (*workflow.RuntimeSnapshot, error)
		// UpsertWorkflowRuntimeSnapshot writes the snapshot if snap.Version
		// matches the stored version (zero for a new workflow), bumps
		// snap.Version, and returns ErrConflict for stale writers.
		UpsertWorkflowRuntimeSnapshot(ctx context.Context, snap *workflow.RuntimeSnapshot) error

		// GetTenantMessagingSettings returns the scope's messaging settings.
		GetTenantMessagingSettings(ctx context.Context, s scope.Scope) (TenantMessagingSettings, error)
		// UpsertTenantMessagingSettings creates or updates the settings.
		UpsertTenantMessagingSettings(ctx context.Context, ts TenantMessagingSettings) error

		// AppendAuditRecord appends one audit row.
		AppendAuditRecord(ctx context.Context, r audit.Record) error
		// ListAuditRecords returns the scope's audit rows in append order.
		ListAuditRecords(ctx context.Context, s scope.Scope, f audit.Filter) ([]audit.Record, error)
	}
)
