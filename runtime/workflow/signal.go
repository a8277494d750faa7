package workflow

import (
	"time"

	"goa.design/foreman/runtime/scope"
)

// SignalType classifies the external events that move workflows out of
// waiting_signal.
type SignalType string

const (
	// SignalUserInput carries a user answer to a waiting question.
	SignalUserInput SignalType = "user_input"
	// SignalApproval resolves a pending approval gate.
	SignalApproval SignalType = "approval"
	// SignalExternalEvent carries a provider callback.
	SignalExternalEvent SignalType = "external_event"
	// SignalTimer fires a scheduled wake-up.
	SignalTimer SignalType = "timer"
)

// SignalStatus is the lifecycle state of a signal record.
type SignalStatus string

const (
	// SignalReceived marks a signal recorded but not yet applied to a
	// workflow.
	SignalReceived SignalStatus = "received"
	// SignalAcknowledged marks a signal applied by the resume transaction
	// that consumed the waiting checkpoint. Acknowledgement happens at most
	// once per signal.
	SignalAcknowledged SignalStatus = "acknowledged"
	// SignalConsumed marks a signal whose payload has been delivered to a
	// planning step. Consumed signals no longer appear in the pending inbox.
	SignalConsumed SignalStatus = "consumed"
)

// SignalRecord is one entry in the workflow signal inbox. Signal IDs are
// time-ordered and globally unique; a signal is acknowledged only within the
// transaction that consumes the workflow's waiting checkpoint, and consumed
// by the planner iteration that incorporated its payload.
type SignalRecord struct {
	// Scope identifies the owning tenant and workspace.
	Scope scope.Scope
	// SignalID is the time-ordered unique identifier.
	SignalID string
	// WorkflowID identifies the workflow the signal targets.
	WorkflowID string
	// Type classifies the signal.
	Type SignalType
	// Payload is the validated signal payload.
	Payload map[string]any
	// OccurredAt is when the external event happened.
	OccurredAt time.Time
	// Status is the current lifecycle state.
	Status SignalStatus
	// AcknowledgedAt is set when the resume transaction acknowledged the
	// signal.
	AcknowledgedAt time.Time
	// ConsumedAt is set when a planning step consumed the payload.
	ConsumedAt time.Time
}
