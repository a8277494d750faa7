package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/foreman/runtime/engine"
	"goa.design/foreman/runtime/queue"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/workflow"
)

type (
	// SubmitRequest describes an objective to run asynchronously.
	SubmitRequest struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// AgentID identifies the agent the work belongs to. Optional.
		AgentID string
		// ObjectivePrompt is the goal handed to the planner loop.
		ObjectivePrompt string
		// ThreadID optionally links the work to a conversation thread.
		ThreadID string
		// MaxAttempts bounds job delivery attempts; zero means the queue
		// default.
		MaxAttempts int
		// AvailableAt delays the first delivery; zero means immediately.
		AvailableAt time.Time
	}

	// Submission identifies everything Submit created.
	Submission struct {
		// WorkflowID identifies the workflow the job will drive.
		WorkflowID string
		// RequestID identifies the objective request.
		RequestID string
		// RunID identifies the run aggregate.
		RunID string
		// JobID identifies the queue job.
		JobID string
	}
)

// Submit enqueues an objective: it mints the workflow identifiers, creates
// the queued run aggregate, and enqueues the job, all in one transaction. A
// worker picks the job up and enters the planner loop.
func Submit(ctx context.Context, st store.Store, req SubmitRequest) (*Submission, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}
	if req.ObjectivePrompt == "" {
		return nil, errors.New("worker: objective prompt is required")
	}

	sub := &Submission{
		WorkflowID: scope.NewWorkflowID(),
		RequestID:  scope.NewRequestID(),
		RunID:      scope.NewRunID(),
	}
	err := st.WithTransaction(ctx, func(ctx context.Context) error {
		now := scope.UTCNow()
		if err := st.UpsertRun(ctx, store.Run{
			Scope:      req.Scope,
			RunID:      sub.RunID,
			AgentID:    req.AgentID,
			WorkflowID: sub.WorkflowID,
			RequestID:  sub.RequestID,
			ThreadID:   req.ThreadID,
			Status:     store.RunQueued,
			CreatedAt:  now,
		}); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		job, err := st.EnqueueWorkflowJob(ctx, queue.EnqueueInput{
			Scope:           req.Scope,
			RunID:           sub.RunID,
			AgentID:         req.AgentID,
			WorkflowID:      sub.WorkflowID,
			RequestID:       sub.RequestID,
			ThreadID:        req.ThreadID,
			ObjectivePrompt: req.ObjectivePrompt,
			MaxAttempts:     req.MaxAttempts,
			AvailableAt:     req.AvailableAt,
		})
		if err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}
		sub.JobID = job.JobID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// EngineExecute adapts a planner loop engine into the execute callback. The
// first attempt creates the workflow from the job's objective; later
// attempts re-enter the persisted loop, where terminal states are sticky
// and executed tools replay from the idempotency cache.
func EngineExecute(eng *engine.Engine, st store.Store) Execute {
	return func(ctx context.Context, job queue.Job) (*Outcome, error) {
		var (
			res *engine.Result
			err error
		)
		if _, lookupErr := st.GetWorkflowRuntimeSnapshot(ctx, job.Scope, job.WorkflowID); lookupErr != nil {
			if !errors.Is(lookupErr, store.ErrNotFound) {
				return nil, fmt.Errorf("load workflow %s: %w", job.WorkflowID, lookupErr)
			}
			res, err = eng.Start(ctx, &workflow.ObjectiveRequest{
				Scope:           job.Scope,
				RequestID:       job.RequestID,
				WorkflowID:      job.WorkflowID,
				ThreadID:        job.ThreadID,
				ObjectivePrompt: job.ObjectivePrompt,
			})
		} else {
			res, err = eng.Run(ctx, job.Scope, job.WorkflowID)
		}
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Status:          res.Status,
			WaitingQuestion: res.WaitingQuestion,
		}, nil
	}
}
