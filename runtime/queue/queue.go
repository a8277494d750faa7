// Package queue defines the durable workflow job model and the inputs of the
// four queue operations: enqueue, claim, complete, and fail. The queue
// delivers jobs to workers at least once. Per-job lease tokens are the sole
// fencing credential; an expired-lease writer cannot corrupt state because
// its complete and fail calls are silent no-ops.
package queue

import (
	"time"

	"goa.design/foreman/runtime/scope"
)

// DefaultMaxAttempts bounds delivery attempts per job unless the enqueue
// specifies otherwise.
const DefaultMaxAttempts = 3

// RetryDelay is how far in the future a failed attempt is rescheduled.
const RetryDelay = 5 * time.Second

// Status is the lifecycle state of a queue job.
type Status string

const (
	// StatusQueued means the job is available once AvailableAt passes.
	StatusQueued Status = "queued"
	// StatusClaimed means a worker holds the lease.
	StatusClaimed Status = "claimed"
	// StatusCompleted is terminal: the lease holder acked the job.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal: attempts were exhausted.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type (
	// Job is one unit of workflow work. AttemptCount never exceeds
	// MaxAttempts; LeaseToken is set iff the status is claimed; terminal
	// states are sticky.
	Job struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// JobID identifies the job.
		JobID string
		// RunID identifies the run aggregate tracking this job.
		RunID string
		// AgentID identifies the agent the job belongs to.
		AgentID string
		// WorkflowID identifies the workflow the job drives.
		WorkflowID string
		// RequestID identifies the originating objective request.
		RequestID string
		// ThreadID optionally links the job to a conversation thread.
		ThreadID string
		// ObjectivePrompt is the goal handed to the planner loop.
		ObjectivePrompt string
		// Status is the current lifecycle state.
		Status Status
		// AttemptCount counts claims, including the current one.
		AttemptCount int
		// MaxAttempts bounds delivery attempts.
		MaxAttempts int
		// AvailableAt is the earliest instant the job may be claimed.
		AvailableAt time.Time
		// LeaseToken is the fencing credential of the current claim.
		LeaseToken string
		// LeaseExpiresAt is advisory; the definitive gate is the token check.
		LeaseExpiresAt time.Time
		// WorkerID names the worker holding the lease.
		WorkerID string
		// LastError summarizes the most recent execution failure.
		LastError string
		// CreatedAt is when the job was enqueued.
		CreatedAt time.Time
		// UpdatedAt is bumped by every transition.
		UpdatedAt time.Time
	}

	// EnqueueInput creates a job in queued status with a zero attempt count.
	EnqueueInput struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// RunID identifies the run aggregate tracking this job.
		RunID string
		// AgentID identifies the agent the job belongs to.
		AgentID string
		// WorkflowID identifies the workflow the job drives.
		WorkflowID string
		// RequestID identifies the originating objective request.
		RequestID string
		// ThreadID optionally links the job to a conversation thread.
		ThreadID string
		// ObjectivePrompt is the goal handed to the planner loop.
		ObjectivePrompt string
		// MaxAttempts bounds delivery attempts; zero means
		// DefaultMaxAttempts.
		MaxAttempts int
		// AvailableAt delays delivery; zero means immediately available.
		AvailableAt time.Time
	}

	// ClaimInput selects up to Limit queued jobs whose AvailableAt has
	// passed (or claimed jobs whose lease expired) and atomically leases
	// them to the worker. No two workers ever receive the same job.
	ClaimInput struct {
		// WorkerID names the claiming worker.
		WorkerID string
		// Limit bounds the batch size.
		Limit int
		// Lease is how long the claim remains valid.
		Lease time.Duration
		// Scope optionally restricts claims to one tenant and workspace.
		// Either both identifiers are set or neither.
		Scope scope.Scope
	}

	// CompleteInput acks a claimed job. The transition happens only if
	// LeaseToken matches the job's current lease; otherwise it is a no-op.
	CompleteInput struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// JobID identifies the job.
		JobID string
		// LeaseToken is the fencing credential from the claim.
		LeaseToken string
	}

	// FailInput reports an execution failure. With a matching lease the job
	// is requeued at RetryAt while attempts remain, or failed terminally once
	// AttemptCount reaches MaxAttempts. A stale lease is a no-op.
	FailInput struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// JobID identifies the job.
		JobID string
		// LeaseToken is the fencing credential from the claim.
		LeaseToken string
		// Error summarizes the failure for LastError.
		Error string
		// RetryAt schedules the next delivery attempt.
		RetryAt time.Time
	}

	// ListFilter narrows job listings.
	ListFilter struct {
		// WorkflowID restricts to one workflow when set.
		WorkflowID string
		// Status restricts to one status when set.
		Status Status
		// Limit bounds the result; zero means no limit.
		Limit int
	}
)

// Claimable reports whether the job may be handed to a claimer at now:
// either it is queued and available, or its lease expired while claimed.
func (j *Job) Claimable(now time.Time) bool {
	switch j.Status {
	case StatusQueued:
		return !j.AvailableAt.After(now)
	case StatusClaimed:
		return !j.LeaseExpiresAt.After(now)
	default:
		return false
	}
}
