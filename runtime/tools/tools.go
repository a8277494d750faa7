// Package tools implements the tenant-scoped tool registry consumed by the
// planner loop. Tools register once at bootstrap with a name, an optional
// argument validator, an optional authorization predicate, and an execute
// function; after the registry is frozen the capability table is read-only.
// The planner only ever sees tools whose authorization predicate accepts its
// scope, and every execution revalidates scope and arguments.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"goa.design/foreman/runtime/scope"
)

var (
	// ErrDuplicateTool reports a second registration under an existing name.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrRegistrationClosed reports a registration attempt after Freeze.
	ErrRegistrationClosed = errors.New("tool registration is closed")
)

type (
	// Registration declares a tool. Name and Execute are required.
	Registration struct {
		// Name is the unique tool name (e.g., "calendar.find_slots").
		Name string
		// Description provides human-readable context for planners.
		Description string
		// ValidateArgs checks the argument object before execution. Must be
		// pure. A nil validator accepts anything.
		ValidateArgs func(args map[string]any) []FieldIssue
		// IsAuthorized restricts the tool to matching scopes. A nil predicate
		// allows every scope.
		IsAuthorized func(s scope.Scope) bool
		// Execute performs the tool side effect and returns its result.
		Execute func(ctx context.Context, in Input) (any, error)
	}

	// Metadata is the listing projection of a registered tool.
	Metadata struct {
		// Name is the registered tool name.
		Name string
		// Description provides human-readable context.
		Description string
	}

	// Input carries the execution request handed to a tool.
	Input struct {
		// Scope identifies the calling tenant and workspace.
		Scope scope.Scope
		// WorkflowID identifies the workflow executing the tool.
		WorkflowID string
		// RequestID identifies the originating objective request.
		RequestID string
		// StepNumber is the planner step invoking the tool.
		StepNumber int
		// Tool is the tool name being executed.
		Tool string
		// Args is the validated argument object.
		Args map[string]any
	}

	// Registry is the capability table of registered tools. Registration
	// happens at bootstrap; call Freeze before serving traffic to disallow
	// further mutations.
	Registry struct {
		mu     sync.RWMutex
		tools  map[string]Registration
		frozen bool
	}

	// ValidationError reports an execution request that failed structural
	// checks: unknown tool, unauthorized scope, or argument issues.
	ValidationError struct {
		// Tool is the tool name from the request.
		Tool string
		// Reason is a short machine-readable cause: unknown_tool,
		// unauthorized, invalid_args.
		Reason string
		// Issues enumerates argument problems for invalid_args.
		Issues []FieldIssue
	}
)

// Error implements error.
func (e *ValidationError) Error() string {
	switch e.Reason {
	case "unknown_tool":
		return fmt.Sprintf("tool %q is not registered", e.Tool)
	case "unauthorized":
		return fmt.Sprintf("tool %q is not authorized for this scope", e.Tool)
	default:
		parts := make([]string, len(e.Issues))
		for i, issue := range e.Issues {
			parts[i] = fmt.Sprintf("%s: %s", issue.Field, issue.Constraint)
		}
		return fmt.Sprintf("tool %q arguments invalid: %s", e.Tool, strings.Join(parts, "; "))
	}
}

// New returns an empty tool registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Registration)}
}

// Register adds a tool to the registry. Duplicate names and registrations
// after Freeze fail.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if reg.Execute == nil {
		return fmt.Errorf("tool %q: execute function is required", reg.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: %s", ErrRegistrationClosed, reg.Name)
	}
	if _, ok := r.tools[reg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, reg.Name)
	}
	r.tools[reg.Name] = reg
	return nil
}

// Freeze closes the registry for further registrations. The capability table
// is read-only afterwards, making concurrent List and Execute calls safe
// without coordination.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// List returns the tools visible to the given scope, sorted by name. Tools
// without an authorization predicate are visible to every scope.
func (r *Registry) List(_ context.Context, s scope.Scope) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.tools))
	for _, reg := range r.tools {
		if reg.IsAuthorized != nil && !reg.IsAuthorized(s) {
			continue
		}
		out = append(out, Metadata{Name: reg.Name, Description: reg.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute validates and runs the tool named by in.Tool. Unknown tools,
// unauthorized scopes, and argument issues return a *ValidationError without
// invoking the tool.
func (r *Registry) Execute(ctx context.Context, in Input) (any, error) {
	r.mu.RLock()
	reg, ok := r.tools[in.Tool]
	r.mu.RUnlock()
	if !ok {
		return nil, &ValidationError{Tool: in.Tool, Reason: "unknown_tool"}
	}
	if reg.IsAuthorized != nil && !reg.IsAuthorized(in.Scope) {
		return nil, &ValidationError{Tool: in.Tool, Reason: "unauthorized"}
	}
	if reg.ValidateArgs != nil {
		if issues := reg.ValidateArgs(in.Args); len(issues) > 0 {
			return nil, &ValidationError{Tool: in.Tool, Reason: "invalid_args", Issues: issues}
		}
	}
	return reg.Execute(ctx, in)
}
