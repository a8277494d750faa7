// Package planner defines the planning contract for workflow reasoning
// implementations. Planners are the decision-making core of a workflow: given
// the objective, the persisted step history, and the tools available to the
// tenant, they emit exactly one intent per step — call a tool, ask the user a
// question, or complete the workflow. The engine invokes the planner once per
// loop iteration and treats it as a black box: any algorithm that produces a
// valid Intent is acceptable, from a scripted sequence in tests to an LLM
// provider adapter in production.
package planner

import (
	"context"

	"goa.design/foreman/runtime/scope"
)

// ContractVersion tags every Input so planner implementations can detect
// incompatible engine revisions.
const ContractVersion = "foreman.planner/v1"

// IntentType discriminates the planner intent union.
type IntentType string

const (
	// IntentToolCall requests execution of a named tool with arguments.
	IntentToolCall IntentType = "tool_call"
	// IntentAskUser pauses the workflow with a question for the user.
	IntentAskUser IntentType = "ask_user"
	// IntentComplete terminates the workflow with an optional output object.
	IntentComplete IntentType = "complete"
)

// Planner produces the next intent for a workflow step.
type Planner interface {
	// Plan decides the next action for the step described by in. The engine
	// validates the returned intent structurally before acting on it; a nil
	// intent or a structurally invalid one fails the workflow.
	Plan(ctx context.Context, in *Input) (*Intent, error)
}

// Func adapts a plain function to the Planner interface.
type Func func(ctx context.Context, in *Input) (*Intent, error)

// Plan implements Planner.
func (f Func) Plan(ctx context.Context, in *Input) (*Intent, error) { return f(ctx, in) }

type (
	// Input carries everything the planner may consider for one step. It is
	// built purely from the persisted workflow snapshot plus the injected
	// memory provider, so that replaying the same snapshot yields the same
	// input.
	Input struct {
		// ContractVersion is always ContractVersion.
		ContractVersion string

		// Scope identifies the tenant and workspace the workflow belongs to.
		Scope scope.Scope

		// WorkflowID identifies the workflow being planned.
		WorkflowID string

		// RequestID identifies the objective request that started the workflow.
		RequestID string

		// ObjectivePrompt is the user-stated goal driving the workflow.
		ObjectivePrompt string

		// MemoryContext is an opaque object supplied by the configured memory
		// provider. Empty when no provider is configured.
		MemoryContext map[string]any

		// PriorSteps summarizes every persisted step, ordered by step number.
		PriorSteps []StepSummary

		// Signals lists acknowledged inbox signals that have not yet been
		// consumed by a planning step, ordered by signal ID. User answers to
		// earlier ask_user steps arrive here.
		Signals []SignalSummary

		// PolicyConstraints lists human-readable constraints from the active
		// policy pack. Planners should honor them when choosing intents.
		PolicyConstraints []string

		// AvailableTools enumerates the tools the tenant may call, filtered by
		// the registry's authorization predicates.
		AvailableTools []ToolDescriptor

		// StepIndex is the zero-based index of the step being planned. Equals
		// the number of persisted steps.
		StepIndex int
	}

	// StepSummary is the compact projection of a persisted step handed back to
	// the planner as history.
	StepSummary struct {
		// StepNumber is the zero-based position of the step.
		StepNumber int
		// IntentType is the intent the planner emitted for the step.
		IntentType IntentType
		// Status is the persisted step status (tool_executed, waiting_signal,
		// completed, failed).
		Status string
		// ToolName names the tool for tool_call steps.
		ToolName string
		// Question carries the question for ask_user steps.
		Question string
		// ResultSummary is a compact JSON rendering of the tool result,
		// truncated for prompt budgets.
		ResultSummary string
	}

	// SignalSummary is the projection of an inbox signal delivered to the
	// planner.
	SignalSummary struct {
		// SignalID is the time-ordered signal identifier.
		SignalID string
		// Type is the signal type (user_input, approval, external_event, timer).
		Type string
		// Message is the user-provided text for user_input signals.
		Message string
		// Payload is the full signal payload.
		Payload map[string]any
	}

	// ToolDescriptor describes one tool the planner may request.
	ToolDescriptor struct {
		// Name is the registered tool name.
		Name string
		// Description provides human-readable context for the planner.
		Description string
	}

	// Intent is the tagged union emitted by the planner. Exactly the fields of
	// the variant selected by Type may be set; Validate enforces the shape.
	Intent struct {
		// Type selects the variant.
		Type IntentType

		// ToolName names the tool to call. tool_call only.
		ToolName string
		// Args is the tool argument object. tool_call only; must be non-nil
		// (an empty object is valid, a missing one is not).
		Args map[string]any

		// Question is the text presented to the user. ask_user only.
		Question string

		// Output is the optional completion object. complete only.
		Output map[string]any
	}
)

// Clone returns a deep copy of the intent. Stored intents (for example a
// pending approval's gated intent) are cloned so later planner activity cannot
// mutate them.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	out := &Intent{
		Type:     i.Type,
		ToolName: i.ToolName,
		Question: i.Question,
	}
	if i.Args != nil {
		out.Args = cloneObject(i.Args)
	}
	if i.Output != nil {
		out.Output = cloneObject(i.Output)
	}
	return out
}

func cloneObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneObject(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return t
	}
}
