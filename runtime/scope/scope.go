// Package scope defines tenant and workspace scoping primitives shared by
// every runtime component. All persisted entities are owned by a
// (tenant, workspace) pair and no public operation may return an entity to
// a different pair.
package scope

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Scope identifies the tenant and workspace that own an entity. Both
	// fields are required together: a scope with only one of the two set is
	// invalid everywhere in the runtime.
	Scope struct {
		// TenantID identifies the tenant.
		TenantID string
		// WorkspaceID identifies the workspace within the tenant.
		WorkspaceID string
	}

	// Clock returns the current instant. Components accept a Clock so tests
	// can control time; the zero value of any Options struct falls back to
	// UTCNow.
	Clock func() time.Time
)

// ErrInvalidScope reports a scope with exactly one of tenant or workspace set,
// or an empty scope where a full one is required.
var ErrInvalidScope = errors.New("tenant and workspace must be provided together")

// UTCNow is the default Clock. Timestamps are always UTC; stores persist them
// with millisecond precision.
func UTCNow() time.Time {
	return time.Now().UTC()
}

// IsZero reports whether neither tenant nor workspace is set.
func (s Scope) IsZero() bool {
	return s.TenantID == "" && s.WorkspaceID == ""
}

// Validate returns ErrInvalidScope unless both tenant and workspace are set.
func (s Scope) Validate() error {
	if s.TenantID == "" || s.WorkspaceID == "" {
		return fmt.Errorf("%w: tenant=%q workspace=%q", ErrInvalidScope, s.TenantID, s.WorkspaceID)
	}
	return nil
}

// ValidateOptional accepts either a zero scope or a fully populated one.
// Used by operations whose scope filter is optional, such as queue claims.
func (s Scope) ValidateOptional() error {
	if s.IsZero() {
		return nil
	}
	return s.Validate()
}

// Matches reports whether both identifiers are equal.
func (s Scope) Matches(other Scope) bool {
	return s.TenantID == other.TenantID && s.WorkspaceID == other.WorkspaceID
}

// String renders the scope as "tenant/workspace" for logs and error messages.
func (s Scope) String() string {
	return s.TenantID + "/" + s.WorkspaceID
}

// NewID returns a time-ordered unique identifier with the given prefix.
// V7 UUIDs embed a millisecond timestamp so identifiers sort by creation
// order, which the data model requires of request, signal, and event IDs.
func NewID(prefix string) string {
	return prefix + "_" + uuid.Must(uuid.NewV7()).String()
}

// Identifier prefixes used across the runtime. Centralized so log greps and
// store indexes can rely on them.
const (
	RequestIDPrefix  = "req"
	WorkflowIDPrefix = "wf"
	RunIDPrefix      = "run"
	JobIDPrefix      = "job"
	SignalIDPrefix   = "sig"
	DecisionIDPrefix = "pol"
	ApprovalIDPrefix = "apr"
	AuditIDPrefix    = "aud"
	EventIDPrefix    = "evt"
	LeasePrefix      = "lease"
)

// NewRequestID mints a time-ordered objective request identifier.
func NewRequestID() string { return NewID(RequestIDPrefix) }

// NewWorkflowID mints a workflow identifier.
func NewWorkflowID() string { return NewID(WorkflowIDPrefix) }

// NewRunID mints a run identifier.
func NewRunID() string { return NewID(RunIDPrefix) }

// NewJobID mints a queue job identifier.
func NewJobID() string { return NewID(JobIDPrefix) }

// NewSignalID mints a time-ordered signal identifier.
func NewSignalID() string { return NewID(SignalIDPrefix) }

// NewDecisionID mints a policy decision identifier.
func NewDecisionID() string { return NewID(DecisionIDPrefix) }

// NewApprovalID mints an approval decision identifier.
func NewApprovalID() string { return NewID(ApprovalIDPrefix) }

// NewAuditID mints an audit record identifier.
func NewAuditID() string { return NewID(AuditIDPrefix) }

// NewEventID mints a time-ordered run event identifier.
func NewEventID() string { return NewID(EventIDPrefix) }

// NewLeaseToken mints an opaque lease token. The token is the sole fencing
// credential for completing or failing a claimed queue job.
func NewLeaseToken() string { return NewID(LeasePrefix) }
