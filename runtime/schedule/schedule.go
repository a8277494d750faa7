// Package schedule adds deferred and recurring workflow scheduling on top of
// the queue. A planner-facing tool submits a future workflow run at a fixed
// time, after a delay, or at the next occurrence of a cron expression; cron
// schedules arm exactly one occurrence per invocation, so a recurring
// workflow re-invokes the tool to arm the following one.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/telemetry"
	"goa.design/foreman/runtime/tools"
	"goa.design/foreman/runtime/worker"
)

// ToolName is the registry name of the scheduling tool.
const ToolName = "planner_schedule_workflow"

type (
	// Options configures New. Store is required.
	Options struct {
		// Store is the persistence port jobs are enqueued into.
		Store store.Store
		// Logger receives scheduling logs. Defaults to noop.
		Logger telemetry.Logger
		// Clock reads the current time. Defaults to scope.UTCNow.
		Clock scope.Clock
	}

	// Scheduler submits future workflow runs.
	Scheduler struct {
		store  store.Store
		logger telemetry.Logger
		clock  scope.Clock
	}
)

// New returns a scheduler over opts.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("schedule: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = scope.UTCNow
	}
	return &Scheduler{store: opts.Store, logger: opts.Logger, clock: opts.Clock}, nil
}

// Registration returns the planner-facing scheduling tool. Arguments select
// the fire time with exactly one of runAt (RFC 3339), delaySeconds, or cron;
// objectivePrompt names the goal of the scheduled workflow, and agentId,
// threadId, and maxAttempts pass through to the submission.
func (s *Scheduler) Registration() tools.Registration {
	return tools.Registration{
		Name: ToolName,
		Description: "Schedule a workflow to run later: at a fixed time (runAt), " +
			"after a delay (delaySeconds), or at the next cron occurrence (cron).",
		ValidateArgs: ValidateArgs,
		Execute:      s.execute,
	}
}

// ValidateArgs checks the scheduling tool's argument object.
func ValidateArgs(args map[string]any) []tools.FieldIssue {
	var issues []tools.FieldIssue
	if v, ok := args["objectivePrompt"].(string); !ok || v == "" {
		issues = append(issues, tools.FieldIssue{Field: "objectivePrompt", Constraint: "missing_field"})
	}
	selectors := 0
	for _, k := range []string{"runAt", "delaySeconds", "cron"} {
		if _, ok := args[k]; ok {
			selectors++
		}
	}
	if selectors != 1 {
		issues = append(issues, tools.FieldIssue{
			Field:      "args",
			Constraint: "invalid_format",
			Format:     "exactly one of runAt, delaySeconds, cron is required",
		})
	}
	if v, ok := args["runAt"]; ok {
		if str, ok := v.(string); !ok {
			issues = append(issues, tools.FieldIssue{Field: "runAt", Constraint: "invalid_field_type"})
		} else if _, err := time.Parse(time.RFC3339, str); err != nil {
			issues = append(issues, tools.FieldIssue{Field: "runAt", Constraint: "invalid_format", Format: "RFC 3339 datetime"})
		}
	}
	if v, ok := args["delaySeconds"]; ok {
		if n, ok := number(v); !ok {
			issues = append(issues, tools.FieldIssue{Field: "delaySeconds", Constraint: "invalid_field_type"})
		} else if n <= 0 {
			issues = append(issues, tools.FieldIssue{Field: "delaySeconds", Constraint: "invalid_range", Format: "must be positive"})
		}
	}
	if v, ok := args["cron"]; ok {
		if str, ok := v.(string); !ok {
			issues = append(issues, tools.FieldIssue{Field: "cron", Constraint: "invalid_field_type"})
		} else if _, err := ParseCron(str); err != nil {
			issues = append(issues, tools.FieldIssue{Field: "cron", Constraint: "invalid_format", Format: err.Error()})
		}
	}
	if v, ok := args["maxAttempts"]; ok {
		if n, ok := number(v); !ok || n < 1 {
			issues = append(issues, tools.FieldIssue{Field: "maxAttempts", Constraint: "invalid_range", Format: "must be at least 1"})
		}
	}
	return issues
}

func (s *Scheduler) execute(ctx context.Context, in tools.Input) (any, error) {
	prompt, _ := in.Args["objectivePrompt"].(string)
	fireAt, recurring, err := s.fireTime(in.Args)
	if err != nil {
		return nil, err
	}

	req := worker.SubmitRequest{
		Scope:           in.Scope,
		ObjectivePrompt: prompt,
		AvailableAt:     fireAt,
	}
	if v, ok := in.Args["agentId"].(string); ok {
		req.AgentID = v
	}
	if v, ok := in.Args["threadId"].(string); ok {
		req.ThreadID = v
	}
	if v, ok := number(in.Args["maxAttempts"]); ok {
		req.MaxAttempts = int(v)
	}
	sub, err := worker.Submit(ctx, s.store, req)
	if err != nil {
		return nil, fmt.Errorf("schedule workflow: %w", err)
	}

	s.logger.Info(ctx, "workflow scheduled",
		"workflow_id", sub.WorkflowID,
		"job_id", sub.JobID,
		"run_at", fireAt.Format(time.RFC3339),
		"recurring", recurring)

	result := map[string]any{
		"workflowId":  sub.WorkflowID,
		"requestId":   sub.RequestID,
		"runId":       sub.RunID,
		"jobId":       sub.JobID,
		"scheduledAt": fireAt.Format(time.RFC3339),
	}
	if recurring {
		result["cron"] = in.Args["cron"]
		result["recurring"] = true
	}
	return result, nil
}

// fireTime resolves the schedule selector to a UTC instant. The bool reports
// a cron-derived (recurring) schedule.
func (s *Scheduler) fireTime(args map[string]any) (time.Time, bool, error) {
	if v, ok := args["runAt"].(string); ok {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse runAt: %w", err)
		}
		return t.UTC(), false, nil
	}
	if v, ok := number(args["delaySeconds"]); ok {
		return s.clock().Add(time.Duration(v * float64(time.Second))), false, nil
	}
	if v, ok := args["cron"].(string); ok {
		expr, err := ParseCron(v)
		if err != nil {
			return time.Time{}, false, err
		}
		next, err := expr.Next(s.clock())
		if err != nil {
			return time.Time{}, false, fmt.Errorf("cron %q: %w", v, err)
		}
		return next, true, nil
	}
	return time.Time{}, false, errors.New("exactly one of runAt, delaySeconds, cron is required")
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
