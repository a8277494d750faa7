// Package adapter wraps side-effecting tool execution in composable
// decorators. NewIdempotent deduplicates identical actions so a retried
// planner step never re-executes a side effect, and NewRetry adds bounded
// exponential backoff for transient failures. The decorators compose in
// either order around any Adapter.
package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"goa.design/foreman/runtime/scope"
)

var (
	// ErrInvalidAction reports an action missing identity fields.
	ErrInvalidAction = errors.New("invalid action")
	// ErrFingerprintMismatch reports a step identity reused with a
	// different payload. Step identities are immutable: the same
	// (request, step, tool) must always carry the same arguments.
	ErrFingerprintMismatch = errors.New("action fingerprint mismatch")
)

type (
	// Action is one side-effecting tool invocation. Its identity is the
	// (tenant, workspace, request, step, tool) tuple; the payload is bound
	// to that identity by the fingerprint.
	Action struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// WorkflowID identifies the workflow executing the action. Carried
		// for executors; not part of the action identity, which is already
		// unique through the request and step.
		WorkflowID string
		// RequestID identifies the originating objective request.
		RequestID string
		// StepNumber is the planner step executing the action.
		StepNumber int
		// Tool is the tool name.
		Tool string
		// Payload carries the tool arguments. Must be JSON-serializable.
		Payload map[string]any
	}

	// Outcome is the result of executing an action.
	Outcome struct {
		// Result is the tool result, normalized through JSON so repeated
		// invocations observe byte-identical values.
		Result any
		// Cached reports whether the result came from the idempotency
		// cache or a shared in-flight execution rather than a fresh call.
		Cached bool
	}

	// Adapter executes actions.
	Adapter interface {
		Execute(ctx context.Context, act *Action) (*Outcome, error)
	}

	// Func adapts a function to the Adapter interface.
	Func func(ctx context.Context, act *Action) (*Outcome, error)
)

// Execute implements Adapter.
func (f Func) Execute(ctx context.Context, act *Action) (*Outcome, error) {
	return f(ctx, act)
}

// Validate reports whether the action carries a complete identity.
func (a *Action) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: nil action", ErrInvalidAction)
	}
	if err := a.Scope.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAction, err)
	}
	if a.RequestID == "" {
		return fmt.Errorf("%w: missing request ID", ErrInvalidAction)
	}
	if a.StepNumber < 0 {
		return fmt.Errorf("%w: negative step number", ErrInvalidAction)
	}
	if a.Tool == "" {
		return fmt.Errorf("%w: missing tool name", ErrInvalidAction)
	}
	return nil
}

// Key returns the action's identity key, stable across payloads.
func (a *Action) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", a.Scope.TenantID, a.Scope.WorkspaceID, a.RequestID, a.StepNumber, a.Tool)
}

// PayloadHash returns the SHA-256 hex digest of the canonical JSON encoding
// of the payload. Key order and whitespace never affect the digest.
func (a *Action) PayloadHash() (string, error) {
	b, err := CanonicalJSON(a.Payload)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint binds the action identity to its payload. Two actions share a
// fingerprint exactly when they are the same step carrying the same
// arguments.
func (a *Action) Fingerprint() (string, error) {
	ph, err := a.PayloadHash()
	if err != nil {
		return "", err
	}
	b, err := CanonicalJSON(map[string]any{
		"tenantId":    a.Scope.TenantID,
		"workspaceId": a.Scope.WorkspaceID,
		"requestId":   a.RequestID,
		"stepNumber":  a.StepNumber,
		"toolName":    a.Tool,
		"payloadHash": ph,
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
