package planner

import (
	"fmt"
	"strings"

	"goa.design/foreman/runtime/tools"
)

// InvalidIntentError reports structural problems with a planner intent. It is
// a validation-kind error: deterministic, never retried, and fatal to the
// workflow when raised inside a step transaction.
type InvalidIntentError struct {
	// Issues enumerates the structural problems found.
	Issues []tools.FieldIssue
}

// Error implements error.
func (e *InvalidIntentError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid planner intent"
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = fmt.Sprintf("%s: %s", issue.Field, issue.Constraint)
	}
	return "invalid planner intent: " + strings.Join(parts, "; ")
}

// ValidateIntent checks the structural shape of an intent: tool_call requires
// a non-empty tool name and an argument object, ask_user requires a non-empty
// question, and complete allows an optional output object. The check is
// exhaustive per variant; fields belonging to other variants are ignored.
// Returns an *InvalidIntentError when the intent is malformed.
func ValidateIntent(intent *Intent) error {
	if intent == nil {
		return &InvalidIntentError{Issues: []tools.FieldIssue{{Field: "intent", Constraint: "missing_field"}}}
	}
	var issues []tools.FieldIssue
	switch intent.Type {
	case IntentToolCall:
		if intent.ToolName == "" {
			issues = append(issues, tools.FieldIssue{Field: "toolName", Constraint: "missing_field"})
		}
		if intent.Args == nil {
			issues = append(issues, tools.FieldIssue{Field: "args", Constraint: "missing_field"})
		}
	case IntentAskUser:
		if strings.TrimSpace(intent.Question) == "" {
			issues = append(issues, tools.FieldIssue{Field: "question", Constraint: "missing_field"})
		}
	case IntentComplete:
		// Output is optional; the typed field guarantees it is an object.
	default:
		issues = append(issues, tools.FieldIssue{
			Field:      "type",
			Constraint: "invalid_enum_value",
			Allowed:    []string{string(IntentToolCall), string(IntentAskUser), string(IntentComplete)},
		})
	}
	if len(issues) > 0 {
		return &InvalidIntentError{Issues: issues}
	}
	return nil
}
