// Package worker runs the durable workflow queue. A worker claims a leased
// batch of jobs, hands each one to the execute callback (in production the
// planner loop engine), and reconciles queue state, the run aggregate, and
// the run-event log.
//
// The queue ack always precedes the run's success marking, and every ack is
// fenced by the job's lease token: a worker whose lease expired mid-flight
// observes the rejected ack on read-back and follows the failure path, so a
// dead or slow worker can never leave a successful run behind an unfinished
// job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/foreman/runtime/queue"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/telemetry"
	"goa.design/foreman/runtime/workflow"
)

const (
	// DefaultBatchSize is the claim limit per RunOnce.
	DefaultBatchSize = 10
	// DefaultLease is how long a claim fences a job.
	DefaultLease = 30 * time.Second
	// DefaultPollInterval is the idle delay between batches.
	DefaultPollInterval = time.Second
	// DefaultExecuteTimeout bounds one execute invocation.
	DefaultExecuteTimeout = 120 * time.Second
	// DefaultWaitingText is posted when a waiting workflow carries no
	// question of its own.
	DefaultWaitingText = "The workflow is waiting for your input."
)

type (
	// Outcome is what the execute callback reports for a claimed job.
	Outcome struct {
		// Status is the workflow status after the loop returned.
		Status workflow.Status
		// WaitingQuestion is the question to deliver when Status is
		// waiting_signal.
		WaitingQuestion string
		// Payload carries extra result attributes. A waiting question may
		// also arrive as Payload["waitingQuestion"].
		Payload map[string]any
	}

	// Execute drives one claimed job. An error means the attempt failed and
	// the job should be retried or exhausted.
	Execute func(ctx context.Context, job queue.Job) (*Outcome, error)

	// Notification describes a waiting question to deliver.
	Notification struct {
		// Scope identifies the owning tenant and workspace.
		Scope scope.Scope
		// WorkflowID identifies the waiting workflow.
		WorkflowID string
		// RunID identifies the run that paused.
		RunID string
		// ThreadID optionally names the conversation thread to post into.
		ThreadID string
		// Question is the text to deliver.
		Question string
	}

	// Delivery is the receipt a notifier returns. A non-nil delivery is
	// persisted as the workflow's message thread so inbound replies can be
	// routed back.
	Delivery struct {
		// Provider names the messaging provider (e.g., "slack").
		Provider string
		// ProviderTeamID is the provider-side team or workspace.
		ProviderTeamID string
		// ChannelID is the provider channel the question landed in.
		ChannelID string
		// MessageID is the posted message identifier.
		MessageID string
		// ProviderThreadID is the provider thread replies arrive on.
		ProviderThreadID string
		// Target is a human-readable delivery target.
		Target string
	}

	// Notifier delivers waiting questions. Failures are fault-isolated to
	// the run: the workflow and its checkpoint stay intact.
	Notifier interface {
		Notify(ctx context.Context, n Notification) (*Delivery, error)
	}

	// Stats counts one batch's outcomes.
	Stats struct {
		// Claimed is how many jobs the batch leased.
		Claimed int
		// Completed is how many jobs were acked completed.
		Completed int
		// Failed is how many jobs followed the failure path.
		Failed int
	}

	// Options configures New. Store and Execute are required.
	Options struct {
		// Store is the persistence port.
		Store store.Store
		// Execute drives each claimed job.
		Execute Execute
		// Notifier delivers waiting questions. Optional.
		Notifier Notifier
		// WorkerID names this worker in claims and events. Minted when
		// empty.
		WorkerID string
		// BatchSize is the claim limit per RunOnce. Defaults to
		// DefaultBatchSize.
		BatchSize int
		// Lease is the claim lease duration. Defaults to DefaultLease.
		Lease time.Duration
		// PollInterval is the idle delay between batches. Defaults to
		// DefaultPollInterval.
		PollInterval time.Duration
		// ExecuteTimeout bounds one execute invocation. Defaults to
		// DefaultExecuteTimeout.
		ExecuteTimeout time.Duration
		// Scope optionally pins the worker to one tenant and workspace.
		// Either both identifiers are set or neither.
		Scope scope.Scope
		// Logger receives structured worker logs. Defaults to noop.
		Logger telemetry.Logger
		// Metrics receives worker counters. Defaults to noop.
		Metrics telemetry.Metrics
		// Clock reads the current time. Defaults to scope.UTCNow.
		Clock scope.Clock
	}

	// Worker claims and drives workflow queue jobs.
	Worker struct {
		store    store.Store
		exec     Execute
		notifier Notifier
		id       string
		batch    int
		lease    time.Duration
		poll     time.Duration
		timeout  time.Duration
		scope    scope.Scope
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		clock    scope.Clock
	}
)

// New returns a worker over opts.
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("worker: store is required")
	}
	if opts.Execute == nil {
		return nil, errors.New("worker: execute callback is required")
	}
	if err := opts.Scope.ValidateOptional(); err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	if opts.WorkerID == "" {
		opts.WorkerID = scope.NewID("worker")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ExecuteTimeout <= 0 {
		opts.ExecuteTimeout = DefaultExecuteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = scope.UTCNow
	}
	return &Worker{
		store:    opts.Store,
		exec:     opts.Execute,
		notifier: opts.Notifier,
		id:       opts.WorkerID,
		batch:    opts.BatchSize,
		lease:    opts.Lease,
		poll:     opts.PollInterval,
		timeout:  opts.ExecuteTimeout,
		scope:    opts.Scope,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
	}, nil
}

// Run polls the queue until ctx is canceled. A full batch triggers an
// immediate re-poll; an empty or partial one waits out the poll interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "worker started",
		"worker_id", w.id, "batch_size", w.batch, "lease", w.lease.String())
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		stats, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error(ctx, "batch failed", "worker_id", w.id, "err", err)
		}
		if stats.Claimed == w.batch {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims and drives exactly one batch.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	jobs, err := w.store.ClaimWorkflowJobs(ctx, queue.ClaimInput{
		WorkerID: w.id,
		Limit:    w.batch,
		Lease:    w.lease,
		Scope:    w.scope,
	})
	if err != nil {
		return stats, fmt.Errorf("claim jobs: %w", err)
	}
	stats.Claimed = len(jobs)
	if len(jobs) == 0 {
		return stats, nil
	}
	w.metrics.IncCounter("foreman.worker.jobs.claimed", float64(len(jobs)))
	w.markAgentsSeen(ctx, jobs)

	for _, job := range jobs {
		if w.processJob(ctx, job) {
			stats.Completed++
			w.metrics.IncCounter("foreman.worker.jobs.completed", 1)
		} else {
			stats.Failed++
			w.metrics.IncCounter("foreman.worker.jobs.failed", 1)
		}
	}
	return stats, nil
}

// processJob drives one claimed job end to end and reports whether the job
// was acked completed.
func (w *Worker) processJob(ctx context.Context, job queue.Job) bool {
	started := w.clock()
	run, hasRun := w.markRunning(ctx, job, started)
	w.appendEvent(ctx, job, store.EventState, "info", "Run claimed by worker", map[string]any{
		"state":    string(store.RunRunning),
		"workerId": w.id,
		"attempt":  job.AttemptCount,
	})

	out, execErr := w.execute(ctx, job)
	if execErr == nil {
		execErr = w.ackComplete(ctx, job)
	}
	if execErr != nil {
		w.reconcileFailure(ctx, job, run, hasRun, started, execErr)
		return false
	}
	w.reconcileSuccess(ctx, job, run, hasRun, started, out)
	return true
}

// execute races the callback against the execute timeout. The callback
// receives a context that expires with the timeout, so cooperative
// implementations unwind on their own; uncooperative ones are abandoned.
func (w *Worker) execute(parent context.Context, job queue.Job) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(parent, w.timeout)
	defer cancel()

	type execResult struct {
		out *Outcome
		err error
	}
	done := make(chan execResult, 1)
	go func() {
		out, err := w.exec(ctx, job)
		done <- execResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.out == nil {
			return &Outcome{Status: workflow.StatusCompleted}, nil
		}
		return r.out, nil
	case <-ctx.Done():
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		return nil, fmt.Errorf("run execution timed out after %s", w.timeout)
	}
}

// ackComplete fences the job's completion on the lease token and verifies
// the transition took via read-back. A rejected ack means the lease
// expired; the attempt must then be treated as failed.
func (w *Worker) ackComplete(ctx context.Context, job queue.Job) error {
	err := w.store.CompleteWorkflowJob(ctx, queue.CompleteInput{
		Scope:      job.Scope,
		JobID:      job.JobID,
		LeaseToken: job.LeaseToken,
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.JobID, err)
	}
	fresh, err := w.store.GetWorkflowJob(ctx, job.Scope, job.JobID)
	if err != nil {
		return fmt.Errorf("read back job %s: %w", job.JobID, err)
	}
	if fresh.Status != queue.StatusCompleted {
		return fmt.Errorf("lease expired before ack for job %s", job.JobID)
	}
	return nil
}

func (w *Worker) reconcileSuccess(ctx context.Context, job queue.Job, run store.Run, hasRun bool, started time.Time, out *Outcome) {
	now := w.clock()

	if out.Status == workflow.StatusWaitingSignal {
		question := waitingQuestion(out)
		if hasRun {
			run.Status = store.RunQueued
			run.EndedAt = time.Time{}
			run.LatencyMS = 0
			w.upsertRun(ctx, run)
		}
		w.appendEvent(ctx, job, store.EventState, "info", "Run waiting for signal", map[string]any{
			"state":           store.RunStateWaitingSignal,
			"waitingQuestion": question,
		})
		w.notify(ctx, job, run, hasRun, started, question)
		return
	}

	if hasRun {
		run.Status = store.RunSuccess
		run.EndedAt = now
		run.LatencyMS = now.Sub(started).Milliseconds()
		w.upsertRun(ctx, run)
	}
	w.appendEvent(ctx, job, store.EventState, "info", "Run completed", map[string]any{
		"state":          string(store.RunSuccess),
		"workflowStatus": string(out.Status),
	})
}

// notify delivers the waiting question and persists the returned message
// thread. A delivery failure fails the run but leaves the workflow and its
// checkpoint untouched, so the signal path can still resume it.
func (w *Worker) notify(ctx context.Context, job queue.Job, run store.Run, hasRun bool, started time.Time, question string) {
	if w.notifier == nil {
		return
	}
	delivery, err := w.notifier.Notify(ctx, Notification{
		Scope:      job.Scope,
		WorkflowID: job.WorkflowID,
		RunID:      job.RunID,
		ThreadID:   job.ThreadID,
		Question:   question,
	})
	if err != nil {
		w.appendEvent(ctx, job, store.EventLog, "error", "Waiting question delivery failed", map[string]any{
			"error": err.Error(),
		})
		if hasRun {
			now := w.clock()
			run.Status = store.RunFailed
			run.ErrorSummary = fmt.Sprintf("waiting question delivery failed: %s", err)
			run.EndedAt = now
			run.LatencyMS = now.Sub(started).Milliseconds()
			w.upsertRun(ctx, run)
		}
		return
	}
	payload := map[string]any{}
	if delivery != nil {
		payload["provider"] = delivery.Provider
		payload["channelId"] = delivery.ChannelID
		payload["messageId"] = delivery.MessageID
		if delivery.Target != "" {
			payload["target"] = delivery.Target
		}
	}
	w.appendEvent(ctx, job, store.EventLog, "info", "Waiting question delivered", payload)
	if delivery != nil {
		w.persistThread(ctx, job, delivery)
	}
}

func (w *Worker) persistThread(ctx context.Context, job queue.Job, d *Delivery) {
	now := w.clock()
	err := w.store.UpsertWorkflowMessageThread(ctx, store.MessageThread{
		Scope:            job.Scope,
		WorkflowID:       job.WorkflowID,
		RunID:            job.RunID,
		Provider:         d.Provider,
		ProviderTeamID:   d.ProviderTeamID,
		ProviderThreadID: d.ProviderThreadID,
		ChannelID:        d.ChannelID,
		MessageID:        d.MessageID,
		Target:           d.Target,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		w.logger.Error(ctx, "persist message thread failed",
			"workflow_id", job.WorkflowID, "err", err)
	}
}

func (w *Worker) reconcileFailure(ctx context.Context, job queue.Job, run store.Run, hasRun bool, started time.Time, execErr error) {
	now := w.clock()
	err := w.store.FailWorkflowJob(ctx, queue.FailInput{
		Scope:      job.Scope,
		JobID:      job.JobID,
		LeaseToken: job.LeaseToken,
		Error:      execErr.Error(),
		RetryAt:    now.Add(queue.RetryDelay),
	})
	if err != nil {
		w.logger.Error(ctx, "fail job failed",
			"job_id", job.JobID, "err", err)
	}

	state := "unknown"
	if fresh, err := w.store.GetWorkflowJob(ctx, job.Scope, job.JobID); err == nil {
		switch fresh.Status {
		case queue.StatusFailed:
			state = string(store.RunFailed)
			if hasRun {
				run.Status = store.RunFailed
				run.ErrorSummary = execErr.Error()
				run.EndedAt = now
				run.LatencyMS = now.Sub(started).Milliseconds()
				w.upsertRun(ctx, run)
			}
		case queue.StatusQueued:
			state = string(store.RunQueued)
			if hasRun {
				run.Status = store.RunQueued
				run.Retries++
				run.ErrorSummary = execErr.Error()
				run.EndedAt = time.Time{}
				run.LatencyMS = 0
				w.upsertRun(ctx, run)
			}
		}
	}
	w.appendEvent(ctx, job, store.EventState, "error", "Run execution failed", map[string]any{
		"state":   state,
		"error":   execErr.Error(),
		"attempt": job.AttemptCount,
	})
	w.logger.Error(ctx, "job execution failed",
		"job_id", job.JobID, "workflow_id", job.WorkflowID,
		"attempt", job.AttemptCount, "err", execErr)
}

// markRunning transitions the job's run aggregate to running. Jobs without
// a run (or with a missing one) are still driven; the run bookkeeping is
// just skipped.
func (w *Worker) markRunning(ctx context.Context, job queue.Job, started time.Time) (store.Run, bool) {
	if job.RunID == "" {
		return store.Run{}, false
	}
	run, err := w.store.GetRun(ctx, job.Scope, job.RunID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn(ctx, "load run failed", "run_id", job.RunID, "err", err)
		}
		return store.Run{}, false
	}
	run.Status = store.RunRunning
	run.StartedAt = started
	run.EndedAt = time.Time{}
	run.LatencyMS = 0
	w.upsertRun(ctx, run)
	return run, true
}

// markAgentsSeen bumps the last-seen timestamp of every agent with a job in
// the batch.
func (w *Worker) markAgentsSeen(ctx context.Context, jobs []queue.Job) {
	now := w.clock()
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if job.AgentID == "" {
			continue
		}
		key := job.Scope.String() + "/" + job.AgentID
		if seen[key] {
			continue
		}
		seen[key] = true
		agent, err := w.store.GetAgent(ctx, job.Scope, job.AgentID)
		if errors.Is(err, store.ErrNotFound) {
			agent = store.Agent{Scope: job.Scope, AgentID: job.AgentID, Status: "active"}
		} else if err != nil {
			w.logger.Warn(ctx, "load agent failed", "agent_id", job.AgentID, "err", err)
			continue
		}
		agent.LastSeenAt = now
		if err := w.store.UpsertAgent(ctx, agent); err != nil {
			w.logger.Warn(ctx, "upsert agent failed", "agent_id", job.AgentID, "err", err)
		}
	}
}

func (w *Worker) upsertRun(ctx context.Context, run store.Run) {
	if err := w.store.UpsertRun(ctx, run); err != nil {
		w.logger.Error(ctx, "upsert run failed", "run_id", run.RunID, "err", err)
	}
}

func (w *Worker) appendEvent(ctx context.Context, job queue.Job, typ store.RunEventType, level, message string, payload map[string]any) {
	if job.RunID == "" {
		return
	}
	err := w.store.AppendRunEvent(ctx, store.RunEvent{
		Scope:         job.Scope,
		RunID:         job.RunID,
		TS:            w.clock(),
		Type:          typ,
		Level:         level,
		Message:       message,
		Payload:       payload,
		CorrelationID: job.RequestID,
		CausationID:   job.JobID,
	})
	if err != nil {
		w.logger.Error(ctx, "append run event failed",
			"run_id", job.RunID, "message", message, "err", err)
	}
}

// waitingQuestion extracts the question to deliver: top-level first, then
// the result payload, then the default text.
func waitingQuestion(out *Outcome) string {
	if out.WaitingQuestion != "" {
		return out.WaitingQuestion
	}
	if q, ok := out.Payload["waitingQuestion"].(string); ok && q != "" {
		return q
	}
	return DefaultWaitingText
}
