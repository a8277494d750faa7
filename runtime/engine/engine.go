// Package engine drives the planner loop: a transactional state machine
// that moves a workflow through plan, validate, policy, approval, and
// execute stages until it completes, fails, or pauses for a signal.
//
// Each loop iteration commits exactly one persistence transaction. The
// snapshot version check serializes step transactions per workflow, so
// concurrent workers re-entering the same workflow cannot interleave
// partial iterations; the loser reloads and retries, and a retried tool
// execution replays from the idempotency cache instead of re-running the
// side effect.
package engine

import (
	"context"
	"errors"
	"fmt"

	"goa.design/foreman/runtime/adapter"
	"goa.design/foreman/runtime/planner"
	"goa.design/foreman/runtime/policy"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/telemetry"
	"goa.design/foreman/runtime/tools"
	"goa.design/foreman/runtime/workflow"
)

// DefaultConflictRetries is how many times an iteration reloads and retries
// after losing the snapshot version race before giving up.
const DefaultConflictRetries = 3

var (
	// ErrWorkflowConflict reports that an iteration kept losing the
	// per-workflow write race and gave up. The job-level retry will re-enter
	// the loop.
	ErrWorkflowConflict = errors.New("workflow conflict")
	// ErrNoToolExecutor reports a tool_call intent with neither a tool
	// registry nor an execute function configured.
	ErrNoToolExecutor = errors.New("no tool executor configured")
)

type (
	// MemoryProvider supplies the opaque memory context handed to the
	// planner. Implementations typically assemble conversation history or
	// retrieved documents.
	MemoryProvider interface {
		MemoryContext(ctx context.Context, s scope.Scope, workflowID string) (map[string]any, error)
	}

	// ContextBuild carries everything the context stage may draw from.
	ContextBuild struct {
		// Snapshot is the persisted workflow state the input must be a pure
		// function of.
		Snapshot *workflow.RuntimeSnapshot
		// Signals lists the pending inbox signals, in arrival order. They
		// are marked consumed in the iteration's transaction.
		Signals []workflow.SignalRecord
		// Constraints is the active policy pack's constraint list.
		Constraints []string
	}

	// Stages are the six planner loop stages. Each is independently
	// overridable; New fills in defaults for any nil entry.
	Stages struct {
		// BuildContext constructs the planner input for the next step.
		BuildContext func(ctx context.Context, b *ContextBuild) (*planner.Input, error)
		// Plan produces the next intent.
		Plan func(ctx context.Context, in *planner.Input) (*planner.Intent, error)
		// Validate structurally checks an intent.
		Validate func(intent *planner.Intent) error
		// EvaluatePolicy returns the policy verdict for a tool_call intent.
		EvaluatePolicy func(ctx context.Context, in policy.DecisionInput) (*policy.Decision, error)
		// EvaluateApproval classifies a tool_call intent's approval need.
		EvaluateApproval func(ctx context.Context, in policy.DecisionInput) (*policy.Requirement, error)
		// Execute performs a tool_call side effect.
		Execute func(ctx context.Context, act *adapter.Action) (*adapter.Outcome, error)
	}

	// Options configures New. Store and Planner are required; everything
	// else has a default.
	Options struct {
		// Store is the persistence port.
		Store store.Store
		// Planner produces intents.
		Planner planner.Planner
		// Tools is the tool registry executing tool_call intents.
		Tools *tools.Registry
		// ExecuteTool is the fallback executor used when Tools is nil.
		ExecuteTool func(ctx context.Context, in tools.Input) (any, error)
		// WrapExecutor decorates the tool executor, typically with
		// adapter.NewIdempotent and adapter.NewRetry.
		WrapExecutor func(adapter.Adapter) adapter.Adapter
		// Policy evaluates tool_call intents. Defaults to policy.AllowAll.
		Policy policy.Engine
		// Approvals classifies approval needs. Defaults to
		// policy.NoApprovals.
		Approvals policy.ApprovalClassifier
		// Packs resolves the active policy pack. Defaults to
		// policy.DefaultPackResolver.
		Packs policy.PackResolver
		// Memory supplies the planner memory context. Optional.
		Memory MemoryProvider
		// Stages overrides individual loop stages.
		Stages Stages
		// MaxSteps bounds the planner loop. Defaults to
		// workflow.DefaultMaxSteps.
		MaxSteps int
		// ConflictRetries bounds version-race retries per iteration.
		// Defaults to DefaultConflictRetries.
		ConflictRetries int
		// Logger receives structured engine logs. Defaults to noop.
		Logger telemetry.Logger
		// Metrics receives engine counters. Defaults to noop.
		Metrics telemetry.Metrics
		// Tracer wraps iterations in spans. Defaults to noop.
		Tracer telemetry.Tracer
		// Clock reads the current time. Defaults to scope.UTCNow.
		Clock scope.Clock
	}

	// Engine runs planner loops.
	Engine struct {
		store     store.Store
		stages    Stages
		packs     policy.PackResolver
		memory    MemoryProvider
		tools     *tools.Registry
		maxSteps  int
		conflicts int
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer
		clock     scope.Clock
	}

	// Result is the outcome of driving a planner loop until it paused or
	// reached a terminal state.
	Result struct {
		// WorkflowID identifies the workflow.
		WorkflowID string
		// Status is the workflow status after the loop returned.
		Status workflow.Status
		// Steps is the full persisted step sequence.
		Steps []workflow.StepRecord
		// WaitingQuestion is set when the workflow paused for input.
		WaitingQuestion string
		// Completion is set when the workflow completed.
		Completion map[string]any
		// Failure summarizes why the workflow failed, when it did.
		Failure string
	}
)

// New returns an engine over opts.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Planner == nil && opts.Stages.Plan == nil {
		return nil, errors.New("engine: planner is required")
	}
	if opts.Policy == nil {
		opts.Policy = policy.AllowAll()
	}
	if opts.Approvals == nil {
		opts.Approvals = policy.NoApprovals()
	}
	if opts.Packs == nil {
		opts.Packs = policy.DefaultPackResolver()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = workflow.DefaultMaxSteps
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = DefaultConflictRetries
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.Clock == nil {
		opts.Clock = scope.UTCNow
	}

	e := &Engine{
		store:     opts.Store,
		packs:     opts.Packs,
		memory:    opts.Memory,
		tools:     opts.Tools,
		maxSteps:  opts.MaxSteps,
		conflicts: opts.ConflictRetries,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		clock:     opts.Clock,
	}

	e.stages = opts.Stages
	if e.stages.BuildContext == nil {
		e.stages.BuildContext = e.buildPlanningContext
	}
	if e.stages.Plan == nil {
		e.stages.Plan = opts.Planner.Plan
	}
	if e.stages.Validate == nil {
		e.stages.Validate = planner.ValidateIntent
	}
	if e.stages.EvaluatePolicy == nil {
		e.stages.EvaluatePolicy = opts.Policy.Decide
	}
	if e.stages.EvaluateApproval == nil {
		e.stages.EvaluateApproval = opts.Approvals.Classify
	}
	if e.stages.Execute == nil {
		e.stages.Execute = e.defaultExecutor(opts)
	}
	return e, nil
}

// defaultExecutor builds the tool execution stage: the registry (or the
// fallback function) wrapped by the configured decorators.
func (e *Engine) defaultExecutor(opts Options) func(context.Context, *adapter.Action) (*adapter.Outcome, error) {
	var base adapter.Adapter
	switch {
	case opts.Tools != nil:
		reg := opts.Tools
		base = adapter.Func(func(ctx context.Context, act *adapter.Action) (*adapter.Outcome, error) {
			res, err := reg.Execute(ctx, toolInput(act))
			if err != nil {
				return nil, err
			}
			return &adapter.Outcome{Result: res}, nil
		})
	case opts.ExecuteTool != nil:
		exec := opts.ExecuteTool
		base = adapter.Func(func(ctx context.Context, act *adapter.Action) (*adapter.Outcome, error) {
			res, err := exec(ctx, toolInput(act))
			if err != nil {
				return nil, err
			}
			return &adapter.Outcome{Result: res}, nil
		})
	default:
		return func(context.Context, *adapter.Action) (*adapter.Outcome, error) {
			return nil, ErrNoToolExecutor
		}
	}
	if opts.WrapExecutor != nil {
		base = opts.WrapExecutor(base)
	}
	return base.Execute
}

func toolInput(act *adapter.Action) tools.Input {
	return tools.Input{
		Scope:      act.Scope,
		WorkflowID: act.WorkflowID,
		RequestID:  act.RequestID,
		StepNumber: act.StepNumber,
		Tool:       act.Tool,
		Args:       act.Payload,
	}
}

// buildPlanningContext is the default context stage: a pure projection of
// the snapshot plus the pending signal inbox, the pack constraints, and the
// scoped tool listing.
func (e *Engine) buildPlanningContext(ctx context.Context, b *ContextBuild) (*planner.Input, error) {
	snap := b.Snapshot
	in := &planner.Input{
		ContractVersion: planner.ContractVersion,
		Scope:           snap.Scope,
		WorkflowID:      snap.WorkflowID,
		RequestID:       snap.Request.RequestID,
		ObjectivePrompt: snap.Request.ObjectivePrompt,
		MemoryContext:   map[string]any{},
		PolicyConstraints: append([]string(nil),
			b.Constraints...),
		StepIndex: len(snap.Instance.Steps),
	}
	if e.memory != nil {
		mem, err := e.memory.MemoryContext(ctx, snap.Scope, snap.WorkflowID)
		if err != nil {
			return nil, fmt.Errorf("memory context: %w", err)
		}
		if mem != nil {
			in.MemoryContext = mem
		}
	}
	for _, s := range snap.Instance.Steps {
		in.PriorSteps = append(in.PriorSteps, summarizeStep(s))
	}
	for _, sig := range b.Signals {
		in.Signals = append(in.Signals, summarizeSignal(sig))
	}
	if e.tools != nil {
		for _, m := range e.tools.List(ctx, snap.Scope) {
			in.AvailableTools = append(in.AvailableTools, planner.ToolDescriptor{
				Name:        m.Name,
				Description: m.Description,
			})
		}
	}
	return in, nil
}

func summarizeStep(s workflow.StepRecord) planner.StepSummary {
	sum := planner.StepSummary{
		StepNumber: s.StepNumber,
		IntentType: s.IntentType,
		Status:     string(s.Status),
	}
	if s.PlannerIntent != nil {
		sum.ToolName = s.PlannerIntent.ToolName
		sum.Question = s.PlannerIntent.Question
	}
	if s.ToolResult != nil {
		sum.ResultSummary = planner.SummarizeResult(s.ToolResult)
	}
	if s.Failure != "" {
		sum.ResultSummary = s.Failure
	}
	return sum
}

func summarizeSignal(s workflow.SignalRecord) planner.SignalSummary {
	sum := planner.SignalSummary{
		SignalID: s.SignalID,
		Type:     string(s.Type),
		Payload:  s.Payload,
	}
	if msg, ok := s.Payload["message"].(string); ok {
		sum.Message = msg
	}
	return sum
}
