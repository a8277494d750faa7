// Package prompt renders planner inputs into the provider-neutral
// conversation shape shared by the LLM-backed planner features. Providers
// encode the rendered system text, transcript turns, and tool definitions
// into their own SDK types, force a tool choice, and map the model's tool
// call back into a planner intent with Intent.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/foreman/runtime/planner"
	"goa.design/foreman/runtime/workflow"
)

const (
	// AskUserTool is the control tool a model calls to pause the workflow
	// with a question for the user.
	AskUserTool = "ask_user"
	// CompleteTool is the control tool a model calls to finish the workflow
	// with an optional output object.
	CompleteTool = "complete_workflow"

	// RoleUser marks turns attributed to the user side of the conversation.
	RoleUser = "user"
	// RoleAssistant marks turns attributed to the model.
	RoleAssistant = "assistant"
)

type (
	// Turn is one provider-neutral conversation entry. Exactly one of Text,
	// ToolCall, or ToolResult is set.
	Turn struct {
		// Role is RoleUser or RoleAssistant.
		Role string
		// Text is plain content.
		Text string
		// ToolCall replays a tool invocation from a prior step.
		ToolCall *ToolCallTurn
		// ToolResult carries the result paired with the preceding tool call.
		ToolResult *ToolResultTurn
	}

	// ToolCallTurn is a replayed tool invocation.
	ToolCallTurn struct {
		// ID correlates the call with its result turn.
		ID string
		// Name is the tool name.
		Name string
		// Args is the argument object. Never nil.
		Args map[string]any
	}

	// ToolResultTurn is the outcome paired with a ToolCallTurn.
	ToolResultTurn struct {
		// ID matches the originating ToolCallTurn.
		ID string
		// Name is the tool name.
		Name string
		// Content is the compact result rendering.
		Content string
		// IsError marks results from failed executions.
		IsError bool
	}

	// Def describes one tool advertised to the model.
	Def struct {
		// Name is the tool name the model calls.
		Name string
		// Description is always non-empty.
		Description string
		// Schema is the JSON Schema for the tool's argument object.
		Schema map[string]any
	}
)

// System renders the instruction block providers send as the system prompt.
// It frames the planning task, embeds the objective and any policy
// constraints, and tells the model to answer with exactly one tool call.
func System(in *planner.Input) string {
	var b strings.Builder
	b.WriteString("You plan one step at a time for a durable workflow runtime.\n")
	b.WriteString("Inspect the objective and the conversation so far, then respond with exactly one tool call:\n")
	b.WriteString("- call a workflow tool to make progress toward the objective\n")
	b.WriteString("- call " + AskUserTool + " when you need information only the user can provide\n")
	b.WriteString("- call " + CompleteTool + " when the objective is met or cannot be met, putting the final result in its output argument\n")
	b.WriteString("Never reply with plain text.\n")
	b.WriteString("\nObjective: " + in.ObjectivePrompt + "\n")
	if len(in.PolicyConstraints) > 0 {
		b.WriteString("\nPolicy constraints:\n")
		for _, c := range in.PolicyConstraints {
			b.WriteString("- " + c + "\n")
		}
	}
	if len(in.MemoryContext) > 0 {
		if data, err := json.Marshal(in.MemoryContext); err == nil {
			b.WriteString("\nContext:\n" + string(data) + "\n")
		}
	}
	return b.String()
}

// Turns renders the step history and pending signals as conversation turns.
// The first turn is always the user objective, every replayed tool call is
// immediately followed by its result turn with a matching ID, and the final
// turn is always a user turn.
func Turns(in *planner.Input) []Turn {
	turns := []Turn{{Role: RoleUser, Text: "Objective: " + in.ObjectivePrompt}}
	for _, s := range in.PriorSteps {
		switch s.IntentType {
		case planner.IntentToolCall:
			id := fmt.Sprintf("step_%d", s.StepNumber)
			turns = append(turns, Turn{Role: RoleAssistant, ToolCall: &ToolCallTurn{
				ID:   id,
				Name: s.ToolName,
				Args: map[string]any{},
			}})
			content := s.ResultSummary
			if content == "" {
				content = "(no result recorded)"
			}
			turns = append(turns, Turn{Role: RoleUser, ToolResult: &ToolResultTurn{
				ID:      id,
				Name:    s.ToolName,
				Content: content,
				IsError: s.Status == string(workflow.StepFailed),
			}})
		case planner.IntentAskUser:
			turns = append(turns, Turn{Role: RoleAssistant, Text: "I asked the user: " + s.Question})
		case planner.IntentComplete:
			turns = append(turns, Turn{Role: RoleAssistant, Text: "I marked the workflow complete."})
		}
	}
	for _, sig := range in.Signals {
		turns = append(turns, Turn{Role: RoleUser, Text: renderSignal(sig)})
	}
	if turns[len(turns)-1].Role == RoleAssistant {
		turns = append(turns, Turn{Role: RoleUser, Text: "Choose the next action."})
	}
	return turns
}

// Tools lists the definitions to advertise: every tenant tool plus the two
// control tools. Tenant tools get a permissive object schema because the
// registry validates arguments against the real schema at execution time.
func Tools(in *planner.Input) []Def {
	defs := make([]Def, 0, len(in.AvailableTools)+2)
	for _, tl := range in.AvailableTools {
		desc := tl.Description
		if desc == "" {
			desc = "Workflow tool " + tl.Name + "."
		}
		defs = append(defs, Def{
			Name:        tl.Name,
			Description: desc,
			Schema: map[string]any{
				"type":                 "object",
				"additionalProperties": true,
			},
		})
	}
	defs = append(defs,
		Def{
			Name:        AskUserTool,
			Description: "Pause the workflow and ask the user a question. Use only when the information cannot be obtained any other way.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{
						"type":        "string",
						"description": "The question to present to the user.",
					},
				},
				"required":             []any{"question"},
				"additionalProperties": false,
			},
		},
		Def{
			Name:        CompleteTool,
			Description: "Finish the workflow. Call it once the objective is met or cannot be met.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"output": map[string]any{
						"type":                 "object",
						"description":          "Final result object for the workflow.",
						"additionalProperties": true,
					},
				},
				"additionalProperties": false,
			},
		},
	)
	return defs
}

// Intent maps a model tool call back into a planner intent. Control tools
// become ask_user and complete intents; everything else is a tool_call. The
// engine validates the intent structurally, so a malformed control call (for
// example ask_user without a question) surfaces there.
func Intent(name string, args map[string]any) *planner.Intent {
	switch name {
	case AskUserTool:
		q, _ := args["question"].(string)
		return &planner.Intent{Type: planner.IntentAskUser, Question: q}
	case CompleteTool:
		var out map[string]any
		if o, ok := args["output"].(map[string]any); ok {
			out = o
		}
		return &planner.Intent{Type: planner.IntentComplete, Output: out}
	default:
		if args == nil {
			args = map[string]any{}
		}
		return &planner.Intent{Type: planner.IntentToolCall, ToolName: name, Args: args}
	}
}

// SanitizeName maps a tool name onto the identifier alphabet every supported
// provider accepts ([a-zA-Z0-9_-], at most 64 runes). Disallowed runes become
// '_' so canonical names like "calendar.find_slots" stay readable.
func SanitizeName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return string(out)
}

// ProviderNames builds the canonical-to-provider and provider-to-canonical
// tool name maps for defs. Two canonical names that collide after
// sanitization are an error because the reverse mapping would be ambiguous.
func ProviderNames(defs []Def) (map[string]string, map[string]string, error) {
	canonToProv := make(map[string]string, len(defs))
	provToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		sanitized := SanitizeName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, fmt.Errorf("tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		canonToProv[def.Name] = sanitized
		provToCanon[sanitized] = def.Name
	}
	return canonToProv, provToCanon, nil
}

func renderSignal(sig planner.SignalSummary) string {
	switch sig.Type {
	case string(workflow.SignalUserInput):
		if sig.Message != "" {
			return "User replied: " + sig.Message
		}
	case string(workflow.SignalApproval):
		if approved, ok := sig.Payload["approved"].(bool); ok {
			if approved {
				return "The pending approval was granted."
			}
			return "The pending approval was rejected."
		}
	}
	if len(sig.Payload) == 0 {
		return "Signal received: " + sig.Type
	}
	data, err := json.Marshal(sig.Payload)
	if err != nil {
		return "Signal received: " + sig.Type
	}
	return fmt.Sprintf("Signal received (%s): %s", sig.Type, data)
}
