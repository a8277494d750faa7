// Package basic provides simple policy.Engine and policy.ApprovalClassifier
// implementations that enforce allow/block tool lists, name-based rewrites,
// and risk-list approval gating. It is intended to cover the common case
// where teams want lightweight filtering without building a bespoke policy
// service.
package basic

import (
	"context"
	"strings"

	"goa.design/foreman/runtime/planner"
	"goa.design/foreman/runtime/policy"
	"goa.design/foreman/runtime/scope"
)

// Options configures the basic policy engine.
type Options struct {
	// AllowTools restricts tool calls to the listed names. Empty means no
	// allowlist filter.
	AllowTools []string
	// BlockTools excludes tool names. Takes precedence over AllowTools.
	BlockTools []string
	// RewriteTools maps a tool name to its replacement; matching intents get
	// a rewrite verdict carrying the renamed intent.
	RewriteTools map[string]string
	// ApprovalTools marks tool names that require a human approval signal
	// before execution. Approval tools are implicitly high risk.
	ApprovalTools []string
	// HighRiskTools labels tool names risk class "high" without gating them.
	HighRiskTools []string
	// PolicyID annotates emitted decisions; defaults to "basic".
	PolicyID string
}

// Engine implements policy.Engine and policy.ApprovalClassifier with
// allow/block filtering, rewrites, and risk lists.
type Engine struct {
	allow     map[string]struct{}
	block     map[string]struct{}
	rewrites  map[string]string
	approvals map[string]struct{}
	highRisk  map[string]struct{}
	policyID  string
}

// New builds a new Engine using the supplied options.
func New(opts Options) (*Engine, error) {
	policyID := strings.TrimSpace(opts.PolicyID)
	if policyID == "" {
		policyID = "basic"
	}
	rewrites := make(map[string]string, len(opts.RewriteTools))
	for from, to := range opts.RewriteTools {
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if from != "" && to != "" {
			rewrites[from] = to
		}
	}
	return &Engine{
		allow:     toSet(opts.AllowTools),
		block:     toSet(opts.BlockTools),
		rewrites:  rewrites,
		approvals: toSet(opts.ApprovalTools),
		highRisk:  toSet(opts.HighRiskTools),
		policyID:  policyID,
	}, nil
}

// Decide implements policy.Engine. Blocks take precedence over the
// allowlist; rewrites apply only to intents that survived both filters.
func (e *Engine) Decide(_ context.Context, in policy.DecisionInput) (*policy.Decision, error) {
	if in.Intent == nil || in.Intent.Type != planner.IntentToolCall {
		return e.decision(policy.OutcomeAllow, "not_a_tool_call"), nil
	}
	name := in.Intent.ToolName
	if _, blocked := e.block[name]; blocked {
		return e.decision(policy.OutcomeBlock, "tool_blocked"), nil
	}
	if len(e.allow) > 0 {
		if _, ok := e.allow[name]; !ok {
			return e.decision(policy.OutcomeBlock, "tool_not_allowlisted"), nil
		}
	}
	if target, ok := e.rewrites[name]; ok {
		rewritten := in.Intent.Clone()
		rewritten.ToolName = target
		d := e.decision(policy.OutcomeRewrite, "tool_rewritten")
		d.RewrittenIntent = rewritten
		return d, nil
	}
	return e.decision(policy.OutcomeAllow, "tool_allowed"), nil
}

// Classify implements policy.ApprovalClassifier.
func (e *Engine) Classify(_ context.Context, in policy.DecisionInput) (*policy.Requirement, error) {
	if in.Intent == nil || in.Intent.Type != planner.IntentToolCall {
		return &policy.Requirement{RiskClass: "low"}, nil
	}
	name := in.Intent.ToolName
	if _, ok := e.approvals[name]; ok {
		return &policy.Requirement{RiskClass: "high", RequiresApproval: true, ReasonCode: "approval_listed"}, nil
	}
	if _, ok := e.highRisk[name]; ok {
		return &policy.Requirement{RiskClass: "high", ReasonCode: "high_risk_listed"}, nil
	}
	return &policy.Requirement{RiskClass: "low"}, nil
}

func (e *Engine) decision(out policy.Outcome, reason string) *policy.Decision {
	return &policy.Decision{PolicyID: e.policyID, Outcome: out, ReasonCode: reason}
}

// Packs returns a resolver pinning one policy pack and constraint list for
// every scope. Constraints surface to planners verbatim.
func Packs(id, version string, constraints ...string) policy.PackResolver {
	return fixedPacks{pack: policy.Pack{ID: id, Version: version}, constraints: constraints}
}

type fixedPacks struct {
	pack        policy.Pack
	constraints []string
}

// Resolve implements policy.PackResolver.
func (p fixedPacks) Resolve(_ context.Context, _ scope.Scope) (policy.Pack, []string, error) {
	return p.pack, append([]string(nil), p.constraints...), nil
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
