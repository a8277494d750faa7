package inmem_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/foreman/runtime/queue"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/store/inmem"
	"goa.design/foreman/runtime/workflow"
)

var testScope = scope.Scope{TenantID: "tenant-1", WorkspaceID: "ws-1"}

func TestSnapshotVersionCAS(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	snap := &workflow.RuntimeSnapshot{
		Scope:      testScope,
		WorkflowID: "wf-1",
		Instance:   workflow.Instance{Scope: testScope, WorkflowID: "wf-1", Status: workflow.StatusRunning},
	}
	require.NoError(t, s.UpsertWorkflowRuntimeSnapshot(ctx, snap))
	require.Equal(t, int64(1), snap.Version)

	// A writer holding the old version must not win.
	stale := snap.Clone()
	stale.Version = 0
	err := s.UpsertWorkflowRuntimeSnapshot(ctx, stale)
	require.ErrorIs(t, err, store.ErrConflict)

	// The current version writes through and bumps again.
	current, err := s.GetWorkflowRuntimeSnapshot(ctx, testScope, "wf-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), current.Version)
	require.NoError(t, s.UpsertWorkflowRuntimeSnapshot(ctx, current))
	require.Equal(t, int64(2), current.Version)

	// Creating a workflow that already exists conflicts too.
	dup := &workflow.RuntimeSnapshot{Scope: testScope, WorkflowID: "wf-1"}
	require.ErrorIs(t, s.UpsertWorkflowRuntimeSnapshot(ctx, dup), store.ErrConflict)
}

func TestSnapshotReadIsolation(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	snap := &workflow.RuntimeSnapshot{Scope: testScope, WorkflowID: "wf-1"}
	require.NoError(t, s.UpsertWorkflowRuntimeSnapshot(ctx, snap))

	got, err := s.GetWorkflowRuntimeSnapshot(ctx, testScope, "wf-1")
	require.NoError(t, err)
	got.Instance.Status = workflow.StatusFailed

	again, err := s.GetWorkflowRuntimeSnapshot(ctx, testScope, "wf-1")
	require.NoError(t, err)
	require.NotEqual(t, workflow.StatusFailed, again.Instance.Status)
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	boom := errors.New("boom")

	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		snap := &workflow.RuntimeSnapshot{Scope: testScope, WorkflowID: "wf-1"}
		if err := s.UpsertWorkflowRuntimeSnapshot(ctx, snap); err != nil {
			return err
		}
		if _, err := s.EnqueueWorkflowJob(ctx, queue.EnqueueInput{Scope: testScope, WorkflowID: "wf-1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetWorkflowRuntimeSnapshot(ctx, testScope, "wf-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	jobs, err := s.ListWorkflowJobs(ctx, testScope, queue.ListFilter{})
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestTransactionCommitAndReentry(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		// The nested call joins the outer transaction instead of
		// deadlocking or starting a second one.
		return s.WithTransaction(ctx, func(ctx context.Context) error {
			snap := &workflow.RuntimeSnapshot{Scope: testScope, WorkflowID: "wf-1"}
			return s.UpsertWorkflowRuntimeSnapshot(ctx, snap)
		})
	})
	require.NoError(t, err)

	_, err = s.GetWorkflowRuntimeSnapshot(ctx, testScope, "wf-1")
	require.NoError(t, err)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	for range 5 {
		_, err := s.EnqueueWorkflowJob(ctx, queue.EnqueueInput{Scope: testScope, WorkflowID: "wf-1"})
		require.NoError(t, err)
	}

	type result struct {
		jobs []queue.Job
		err  error
	}
	results := make(chan result, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := s.ClaimWorkflowJobs(ctx, queue.ClaimInput{
				WorkerID: "worker",
				Limit:    5,
				Lease:    30 * time.Second,
			})
			results <- result{jobs: jobs, err: err}
		}()
	}
	wg.Wait()
	close(results)

	claimed := make(map[string]int)
	for r := range results {
		require.NoError(t, r.err)
		for _, j := range r.jobs {
			claimed[j.JobID]++
		}
	}
	require.Len(t, claimed, 5)
	for id, n := range claimed {
		require.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestClaimOrderAndAvailability(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := inmem.NewWithClock(func() time.Time { return now })
	ctx := context.Background()

	early, err := s.EnqueueWorkflowJob(ctx, queue.EnqueueInput{Scope: testScope, WorkflowID: "wf-1"})
	require.NoError(t, err)
	_, err = s.EnqueueWorkflowJob(ctx, queue.EnqueueInput{
		Scope:       testScope,
		WorkflowID:  "wf-2",
		AvailableAt: now.Add(time.Minute),
	})
	require.NoError(t, err)

	jobs, err := s.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "w1", Limit: 10, Lease: 30 * time.Second})
	require.NoError(t, err)
	require.Len(t, jobs, 1, "future jobs must not be claimable")
	require.Equal(t, early.JobID, jobs[0].JobID)
	require.Equal(t, 1, jobs[0].AttemptCount)
	require.NotEmpty(t, jobs[0].LeaseToken)

	// Advance past the future job's availability and the first job's lease.
	now = now.Add(2 * time.Minute)
	jobs, err = s.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "w2", Limit: 10, Lease: 30 * time.Second})
	require.NoError(t, err)
	require.Len(t, jobs, 2, "expired lease must be reclaimable")
	for _, j := range jobs {
		if j.JobID == early.JobID {
			require.Equal(t, 2, j.AttemptCount)
		}
	}
}

func TestCompleteRequiresLease(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	_, err := s.EnqueueWorkflowJob(ctx, queue.EnqueueInput{Scope: testScope, WorkflowID: "wf-1"})
	require.NoError(t, err)
	jobs, err := s.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "w1", Limit: 1, Lease: 30 * time.Second})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	j := jobs[0]

	// A stale token is silently ignored.
	require.NoError(t, s.CompleteWorkflowJob(ctx, queue.CompleteInput{Scope: testScope, JobID: j.JobID, LeaseToken: "lease_stale"}))
	got, err := s.GetWorkflowJob(ctx, testScope, j.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusClaimed, got.Status)

	require.NoError(t, s.CompleteWorkflowJob(ctx, queue.CompleteInput{Scope: testScope, JobID: j.JobID, LeaseToken: j.LeaseToken}))
	got, err = s.GetWorkflowJob(ctx, testScope, j.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, got.Status)
	require.Empty(t, got.LeaseToken)
}

func TestFailRetriesThenExhausts(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := inmem.NewWithClock(func() time.Time { return now })
	ctx := context.Background()

	created, err := s.EnqueueWorkflowJob(ctx, queue.EnqueueInput{Scope: testScope, WorkflowID: "wf-1", MaxAttempts: 2})
	require.NoError(t, err)

	claim := func() queue.Job {
		jobs, err := s.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "w1", Limit: 1, Lease: 30 * time.Second})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		return jobs[0]
	}

	j := claim()
	retryAt := now.Add(queue.RetryDelay)
	require.NoError(t, s.FailWorkflowJob(ctx, queue.FailInput{Scope: testScope, JobID: j.JobID, LeaseToken: j.LeaseToken, Error: "tool exploded", RetryAt: retryAt}))
	got, err := s.GetWorkflowJob(ctx, testScope, created.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusQueued, got.Status)
	require.Equal(t, retryAt, got.AvailableAt)
	require.Equal(t, "tool exploded", got.LastError)

	now = retryAt
	j = claim()
	require.Equal(t, 2, j.AttemptCount)
	require.NoError(t, s.FailWorkflowJob(ctx, queue.FailInput{Scope: testScope, JobID: j.JobID, LeaseToken: j.LeaseToken, Error: "tool exploded again", RetryAt: now.Add(queue.RetryDelay)}))
	got, err = s.GetWorkflowJob(ctx, testScope, created.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.True(t, got.Status.Terminal())
}

func TestInboundReceiptDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	r := store.InboundReceipt{
		Scope:          testScope,
		Provider:       "slack",
		ProviderTeamID: "T123",
		EventID:        "Ev456",
		WorkflowID:     "wf-1",
	}
	require.NoError(t, s.RecordInboundMessageReceipt(ctx, r))
	require.ErrorIs(t, s.RecordInboundMessageReceipt(ctx, r), store.ErrDuplicateReceipt)

	// A different event ID is a distinct receipt.
	r.EventID = "Ev789"
	require.NoError(t, s.RecordInboundMessageReceipt(ctx, r))
}

func TestSignalLifecycle(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	first := workflow.SignalRecord{Scope: testScope, SignalID: scope.NewSignalID(), WorkflowID: "wf-1", Type: workflow.SignalUserInput}
	second := workflow.SignalRecord{Scope: testScope, SignalID: scope.NewSignalID(), WorkflowID: "wf-1", Type: workflow.SignalTimer}
	require.NoError(t, s.EnqueueWorkflowSignal(ctx, first))
	require.NoError(t, s.EnqueueWorkflowSignal(ctx, second))

	pending, err := s.ListPendingWorkflowSignals(ctx, testScope, "wf-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, first.SignalID, pending[0].SignalID, "signals must list in arrival order")

	require.NoError(t, s.MarkWorkflowSignalConsumed(ctx, testScope, first.SignalID, time.Now().UTC()))
	pending, err = s.ListPendingWorkflowSignals(ctx, testScope, "wf-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, second.SignalID, pending[0].SignalID)

	// Consuming twice is a no-op, not an error.
	require.NoError(t, s.MarkWorkflowSignalConsumed(ctx, testScope, first.SignalID, time.Now().UTC()))
}

func TestScopeIsolation(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	other := scope.Scope{TenantID: "tenant-2", WorkspaceID: "ws-1"}

	snap := &workflow.RuntimeSnapshot{Scope: testScope, WorkflowID: "wf-1"}
	require.NoError(t, s.UpsertWorkflowRuntimeSnapshot(ctx, snap))
	_, err := s.EnqueueWorkflowJob(ctx, queue.EnqueueInput{Scope: testScope, WorkflowID: "wf-1"})
	require.NoError(t, err)

	_, err = s.GetWorkflowRuntimeSnapshot(ctx, other, "wf-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	jobs, err := s.ListWorkflowJobs(ctx, other, queue.ListFilter{})
	require.NoError(t, err)
	require.Empty(t, jobs)

	// A scoped claim must not lease another tenant's work.
	claimed, err := s.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "w1", Limit: 10, Lease: time.Minute, Scope: other})
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestRunUpsertPreservesCreatedAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := inmem.NewWithClock(func() time.Time { return now })
	ctx := context.Background()

	r := store.Run{Scope: testScope, RunID: "run-1", WorkflowID: "wf-1", Status: store.RunQueued}
	require.NoError(t, s.UpsertRun(ctx, r))

	now = now.Add(time.Minute)
	r.Status = store.RunRunning
	require.NoError(t, s.UpsertRun(ctx, r))

	got, err := s.GetRun(ctx, testScope, "run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, got.Status)
	require.Equal(t, now.Add(-time.Minute), got.CreatedAt)
	require.Equal(t, now, got.UpdatedAt)
}
