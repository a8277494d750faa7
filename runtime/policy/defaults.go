package policy

import (
	"context"

	"goa.design/foreman/runtime/scope"
)

type (
	allowAll     struct{}
	noApprovals  struct{}
	defaultPacks struct{}
)

// AllowAll returns a policy engine that allows every intent. Used when no
// engine is configured.
func AllowAll() Engine { return allowAll{} }

// NoApprovals returns an approval classifier that never requires approval.
// Used when no classifier is configured.
func NoApprovals() ApprovalClassifier { return noApprovals{} }

// DefaultPackResolver resolves the conventional per-tenant default pack
// "<tenantId>-default-policy-pack v1" with no constraints.
func DefaultPackResolver() PackResolver { return defaultPacks{} }

// Decide implements Engine.
func (allowAll) Decide(_ context.Context, _ DecisionInput) (*Decision, error) {
	return &Decision{PolicyID: "allow-all", Outcome: OutcomeAllow, ReasonCode: "default_allow"}, nil
}

// Classify implements ApprovalClassifier.
func (noApprovals) Classify(_ context.Context, _ DecisionInput) (*Requirement, error) {
	return &Requirement{RiskClass: "low", RequiresApproval: false}, nil
}

// Resolve implements PackResolver.
func (defaultPacks) Resolve(_ context.Context, s scope.Scope) (Pack, []string, error) {
	return Pack{ID: s.TenantID + "-default-policy-pack", Version: "v1"}, nil, nil
}
