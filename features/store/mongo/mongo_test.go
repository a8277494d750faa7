package mongo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	clientsmongo "goa.design/foreman/clients/mongo"
	"goa.design/foreman/runtime/audit"
	"goa.design/foreman/runtime/planner"
	"goa.design/foreman/runtime/queue"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/workflow"
)

var (
	testClient      *clientsmongo.Client
	testContainer   testcontainers.Container
	skipIntegration bool
)

// TestMain starts a single-member MongoDB replica set so the transaction
// paths are exercised against a real server. Tests are skipped in short
// mode and when Docker is unavailable.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		skipIntegration = true
		os.Exit(m.Run())
	}
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			Cmd:          []string{"--replSet", "rs0", "--bind_ip_all"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else if err := setupClient(ctx); err != nil {
		fmt.Printf("MongoDB setup failed, integration tests will be skipped: %v\n", err)
		skipIntegration = true
	}

	code := m.Run()

	if testClient != nil {
		_ = testClient.Disconnect(ctx)
	}
	if testContainer != nil {
		_ = testContainer.Terminate(ctx)
	}

	os.Exit(code)
}

func setupClient(ctx context.Context) error {
	host, err := testContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := testContainer.MappedPort(ctx, "27017")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	code, _, err := testContainer.Exec(ctx, []string{"mongosh", "--quiet", "--eval", "rs.initiate()"})
	if err != nil {
		return fmt.Errorf("replica set initiate: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("replica set initiate exited with %d", code)
	}

	// Connect pings the primary, so retrying it rides out the election
	// window of the freshly initiated replica set.
	uri := fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port())
	deadline := time.Now().Add(time.Minute)
	for {
		testClient, err = clientsmongo.Connect(ctx, clientsmongo.Options{
			URI:            uri,
			Database:       "foreman_test",
			ConnectTimeout: 5 * time.Second,
		})
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("connect: %w", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// testClock is a controllable scope.Clock. Advancing it moves lease expiry
// and retry windows without sleeping.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	testScope  = scope.Scope{TenantID: "acme", WorkspaceID: "support"}
	otherScope = scope.Scope{TenantID: "globex", WorkspaceID: "ops"}
)

// getStore drops every collection and returns a fresh store on a fixed
// clock. The base time is millisecond-aligned because BSON datetimes carry
// millisecond precision.
func getStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	if skipIntegration {
		t.Skip("MongoDB not available, skipping integration test")
	}
	ctx := context.Background()
	for _, name := range []string{
		collAgents, collRuns, collRunEvents, collJobs, collThreads,
		collReceipts, collSignals, collSnapshots, collSettings, collAudit,
	} {
		if err := testClient.Collection(name).Drop(ctx); err != nil {
			t.Fatalf("failed to drop collection %s: %v", name, err)
		}
	}
	clk := &testClock{now: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
	st, err := New(ctx, Options{Client: testClient, Clock: clk.Now})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return st, clk
}

func sampleSnapshot(sc scope.Scope, workflowID string) *workflow.RuntimeSnapshot {
	occurred := time.Date(2026, 8, 25, 9, 59, 0, 0, time.UTC)
	return &workflow.RuntimeSnapshot{
		Scope:      sc,
		WorkflowID: workflowID,
		Request: workflow.ObjectiveRequest{
			Scope:           sc,
			RequestID:       "req_snapshot",
			WorkflowID:      workflowID,
			SchemaVersion:   workflow.SchemaVersion,
			ObjectivePrompt: "triage the billing ticket",
			OccurredAt:      occurred,
		},
		Instance: workflow.Instance{
			Scope:      sc,
			WorkflowID: workflowID,
			Status:     workflow.StatusRunning,
			CreatedAt:  occurred,
			UpdatedAt:  occurred,
		},
	}
}

func TestAgentUpsertPreservesCreation(t *testing.T) {
	st, clk := getStore(t)
	ctx := context.Background()

	agent := store.Agent{Scope: testScope, AgentID: "agent-support", Name: "Support Agent", Status: "active"}
	if err := st.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	created, err := st.GetAgent(ctx, testScope, "agent-support")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if !created.CreatedAt.Equal(clk.Now()) || !created.UpdatedAt.Equal(clk.Now()) {
		t.Fatalf("expected creation timestamps at %v, got created=%v updated=%v", clk.Now(), created.CreatedAt, created.UpdatedAt)
	}

	clk.Advance(time.Minute)
	agent.Name = "Support Agent v2"
	agent.LastSeenAt = clk.Now()
	if err := st.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("re-upsert agent: %v", err)
	}
	updated, err := st.GetAgent(ctx, testScope, "agent-support")
	if err != nil {
		t.Fatalf("get agent after update: %v", err)
	}
	if updated.Name != "Support Agent v2" {
		t.Fatalf("expected updated name, got %q", updated.Name)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("expected CreatedAt to survive re-upsert, got %v want %v", updated.CreatedAt, created.CreatedAt)
	}
	if !updated.UpdatedAt.After(updated.CreatedAt) {
		t.Fatalf("expected UpdatedAt to advance, got %v", updated.UpdatedAt)
	}
	if !updated.LastSeenAt.Equal(clk.Now()) {
		t.Fatalf("expected LastSeenAt %v, got %v", clk.Now(), updated.LastSeenAt)
	}

	if _, err := st.GetAgent(ctx, testScope, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing agent, got %v", err)
	}

	agents, err := st.ListAgents(ctx, testScope)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 || agents[0].AgentID != "agent-support" {
		t.Fatalf("unexpected agent listing: %+v", agents)
	}
}

func TestRunListingNewestFirst(t *testing.T) {
	st, clk := getStore(t)
	ctx := context.Background()

	for i, run := range []store.Run{
		{Scope: testScope, RunID: "run_a", WorkflowID: "wf_1", Status: store.RunSuccess},
		{Scope: testScope, RunID: "run_b", WorkflowID: "wf_1", Status: store.RunFailed},
		{Scope: testScope, RunID: "run_c", WorkflowID: "wf_2", Status: store.RunSuccess},
	} {
		clk.Advance(time.Duration(i+1) * time.Second)
		if err := st.UpsertRun(ctx, run); err != nil {
			t.Fatalf("upsert run %s: %v", run.RunID, err)
		}
	}

	runs, err := st.ListRuns(ctx, testScope, store.RunFilter{})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 || runs[0].RunID != "run_c" || runs[2].RunID != "run_a" {
		t.Fatalf("expected newest-first ordering, got %+v", runIDs(runs))
	}

	filtered, err := st.ListRuns(ctx, testScope, store.RunFilter{WorkflowID: "wf_1", Status: store.RunSuccess})
	if err != nil {
		t.Fatalf("list filtered runs: %v", err)
	}
	if len(filtered) != 1 || filtered[0].RunID != "run_a" {
		t.Fatalf("expected only run_a, got %+v", runIDs(filtered))
	}

	limited, err := st.ListRuns(ctx, testScope, store.RunFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited runs: %v", err)
	}
	if len(limited) != 2 || limited[0].RunID != "run_c" {
		t.Fatalf("expected two newest runs, got %+v", runIDs(limited))
	}
}

func runIDs(runs []store.Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.RunID
	}
	return ids
}

func TestRunEventsAppendOrder(t *testing.T) {
	st, clk := getStore(t)
	ctx := context.Background()

	for i, msg := range []string{"claimed", "planned", "completed"} {
		clk.Advance(time.Duration(i+1) * 10 * time.Millisecond)
		err := st.AppendRunEvent(ctx, store.RunEvent{
			Scope:   testScope,
			RunID:   "run_events",
			Type:    store.EventLog,
			Level:   "info",
			Message: msg,
			Payload: map[string]any{"step": msg},
		})
		if err != nil {
			t.Fatalf("append event %q: %v", msg, err)
		}
	}

	events, err := st.ListRunEvents(ctx, testScope, "run_events")
	if err != nil {
		t.Fatalf("list run events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, want := range []string{"claimed", "planned", "completed"} {
		if events[i].Message != want {
			t.Fatalf("event %d: expected %q, got %q", i, want, events[i].Message)
		}
		if events[i].ID == "" {
			t.Fatalf("event %d: expected a minted event ID", i)
		}
		if events[i].Payload["step"] != want {
			t.Fatalf("event %d: payload did not round-trip: %+v", i, events[i].Payload)
		}
	}
	if !events[0].TS.Before(events[2].TS) {
		t.Fatalf("expected ascending timestamps, got %v then %v", events[0].TS, events[2].TS)
	}
}

func TestJobLifecycle(t *testing.T) {
	st, clk := getStore(t)
	ctx := context.Background()

	job, err := st.EnqueueWorkflowJob(ctx, queue.EnqueueInput{
		Scope:           testScope,
		WorkflowID:      "wf_jobs",
		RequestID:       "req_jobs",
		ObjectivePrompt: "summarize the incident",
	})
	if err != nil {
		t.Fatalf("enqueue job: %v", err)
	}
	if job.Status != queue.StatusQueued || job.MaxAttempts != queue.DefaultMaxAttempts || job.AttemptCount != 0 {
		t.Fatalf("unexpected enqueue defaults: %+v", job)
	}
	if !job.AvailableAt.Equal(clk.Now()) {
		t.Fatalf("expected AvailableAt defaulted to now, got %v", job.AvailableAt)
	}

	got, err := st.GetWorkflowJob(ctx, testScope, job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.JobID != job.JobID || got.ObjectivePrompt != "summarize the incident" {
		t.Fatalf("unexpected job round-trip: %+v", got)
	}

	claimed, err := st.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "worker-1", Limit: 1, Lease: time.Minute})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected one claimed job, got %d", len(claimed))
	}
	lease := claimed[0]
	if lease.Status != queue.StatusClaimed || lease.AttemptCount != 1 || lease.LeaseToken == "" || lease.WorkerID != "worker-1" {
		t.Fatalf("unexpected claim state: %+v", lease)
	}
	if !lease.LeaseExpiresAt.Equal(clk.Now().Add(time.Minute)) {
		t.Fatalf("expected lease expiry at %v, got %v", clk.Now().Add(time.Minute), lease.LeaseExpiresAt)
	}

	// A stale token must not transition the job.
	if err := st.CompleteWorkflowJob(ctx, queue.CompleteInput{Scope: testScope, JobID: job.JobID, LeaseToken: "lease_stale"}); err != nil {
		t.Fatalf("stale complete should be a no-op, got %v", err)
	}
	still, err := st.GetWorkflowJob(ctx, testScope, job.JobID)
	if err != nil {
		t.Fatalf("get job after stale complete: %v", err)
	}
	if still.Status != queue.StatusClaimed {
		t.Fatalf("stale complete must not transition the job, got %s", still.Status)
	}

	if err := st.CompleteWorkflowJob(ctx, queue.CompleteInput{Scope: testScope, JobID: job.JobID, LeaseToken: lease.LeaseToken}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, err := st.GetWorkflowJob(ctx, testScope, job.JobID)
	if err != nil {
		t.Fatalf("get job after complete: %v", err)
	}
	if done.Status != queue.StatusCompleted || done.LeaseToken != "" || !done.LeaseExpiresAt.IsZero() {
		t.Fatalf("expected completed job with cleared lease, got %+v", done)
	}

	if err := st.CompleteWorkflowJob(ctx, queue.CompleteInput{Scope: testScope, JobID: "job_missing", LeaseToken: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing job, got %v", err)
	}
}

func TestClaimOrdersByAvailability(t *testing.T) {
	st, clk := getStore(t)
	ctx := context.Background()

	first, err := st.EnqueueWorkflowJob(ctx, queue.EnqueueInput{Scope: testScope, WorkflowID: "wf_first"})
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	clk.Advance(time.Second)
	second, err := st.EnqueueWorkflowJob(ctx, queue.EnqueueInput{Scope: otherScope, WorkflowID: "wf_second"})
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	if _, err := st.EnqueueWorkflowJob(ctx, queue.EnqueueInput{
		Scope: testScope, WorkflowID: "wf_later", AvailableAt: clk.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}

	// An unscoped claim drains all tenants, oldest available first, and
	// skips jobs whose availability lies in the future.
	claimed, err := st.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "worker-1", Limit: 10, Lease: time.Minute})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 || claimed[0].JobID != first.JobID || claimed[1].JobID != second.JobID {
		t.Fatalf("unexpected claim batch: %+v", jobIDs(claimed))
	}

	// Claiming again finds nothing: both jobs are leased, the third is not
	// yet available.
	again, err := st.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "worker-2", Limit: 10, Lease: time.Minute})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected empty claim batch, got %+v", jobIDs(again))
	}

	// A scoped claim only sees its own tenant.
	if err := st.CompleteWorkflowJob(ctx, queue.CompleteInput{Scope: testScope, JobID: first.JobID, LeaseToken: claimed[0].LeaseToken}); err != nil {
		t.Fatalf("complete first: %v", err)
	}
	clk.Advance(2 * time.Hour)
	scoped, err := st.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "worker-3", Limit: 10, Lease: time.Minute, Scope: testScope})
	if err != nil {
		t.Fatalf("scoped claim: %v", err)
	}
	for _, j := range scoped {
		if !j.Scope.Matches(testScope) {
			t.Fatalf("scoped claim leaked job from %s", j.Scope)
		}
	}
}

func jobIDs(jobs []queue.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.JobID
	}
	return ids
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	st, clk := getStore(t)
	ctx := context.Background()

	job, err := st.EnqueueWorkflowJob(ctx, queue.EnqueueInput{Scope: testScope, WorkflowID: "wf_lease"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	firstClaim, err := st.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "worker-1", Limit: 1, Lease: time.Minute})
	if err != nil || len(firstClaim) != 1 {
		t.Fatalf("first claim: %v (%d jobs)", err, len(firstClaim))
	}

	clk.Advance(30 * time.Second)
	midLease, err := st.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "worker-2", Limit: 1, Lease: time.Minute})
	if err != nil {
		t.Fatalf("mid-lease claim: %v", err)
	}
	if len(midLease) != 0 {
		t.Fatalf("job must not be reclaimable while the lease is live")
	}

	clk.Advance(31 * time.Second)
	reclaimed, err := st.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "worker-2", Limit: 1, Lease: time.Minute})
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("reclaim after expiry: %v (%d jobs)", err, len(reclaimed))
	}
	if reclaimed[0].JobID != job.JobID || reclaimed[0].AttemptCount != 2 || reclaimed[0].WorkerID != "worker-2" {
		t.Fatalf("unexpected reclaim state: %+v", reclaimed[0])
	}
	if reclaimed[0].LeaseToken == firstClaim[0].LeaseToken {
		t.Fatalf("reclaim must mint a fresh lease token")
	}

	// The superseded worker's ack is fenced out by its stale token.
	if err := st.CompleteWorkflowJob(ctx, queue.CompleteInput{Scope: testScope, JobID: job.JobID, LeaseToken: firstClaim[0].LeaseToken}); err != nil {
		t.Fatalf("superseded complete should be a no-op, got %v", err)
	}
	current, err := st.GetWorkflowJob(ctx, testScope, job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if current.Status != queue.StatusClaimed || current.WorkerID != "worker-2" {
		t.Fatalf("superseded worker must not affect the job, got %+v", current)
	}
}

func TestFailRequeuesThenExhausts(t *testing.T) {
	st, clk := getStore(t)
	ctx := context.Background()

	job, err := st.EnqueueWorkflowJob(ctx, queue.EnqueueInput{Scope: testScope, WorkflowID: "wf_retry", MaxAttempts: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := st.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "worker-1", Limit: 1, Lease: time.Minute})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d jobs)", err, len(claimed))
	}
	retryAt := clk.Now().Add(queue.RetryDelay)
	err = st.FailWorkflowJob(ctx, queue.FailInput{
		Scope: testScope, JobID: job.JobID, LeaseToken: claimed[0].LeaseToken,
		Error: "planner unavailable", RetryAt: retryAt,
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	requeued, err := st.GetWorkflowJob(ctx, testScope, job.JobID)
	if err != nil {
		t.Fatalf("get requeued job: %v", err)
	}
	if requeued.Status != queue.StatusQueued || !requeued.AvailableAt.Equal(retryAt) {
		t.Fatalf("expected requeue at %v, got %+v", retryAt, requeued)
	}
	if requeued.LastError != "planner unavailable" || requeued.LeaseToken != "" {
		t.Fatalf("expected recorded error and cleared lease, got %+v", requeued)
	}

	// Before RetryAt the job is not claimable.
	early, err := st.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "worker-1", Limit: 1, Lease: time.Minute})
	if err != nil {
		t.Fatalf("early claim: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("job must not be claimable before RetryAt")
	}

	clk.Advance(queue.RetryDelay + time.Millisecond)
	second, err := st.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "worker-1", Limit: 1, Lease: time.Minute})
	if err != nil || len(second) != 1 {
		t.Fatalf("second claim: %v (%d jobs)", err, len(second))
	}
	if second[0].AttemptCount != 2 {
		t.Fatalf("expected attempt 2, got %d", second[0].AttemptCount)
	}

	err = st.FailWorkflowJob(ctx, queue.FailInput{
		Scope: testScope, JobID: job.JobID, LeaseToken: second[0].LeaseToken,
		Error: "planner unavailable again", RetryAt: clk.Now().Add(queue.RetryDelay),
	})
	if err != nil {
		t.Fatalf("terminal fail: %v", err)
	}
	failed, err := st.GetWorkflowJob(ctx, testScope, job.JobID)
	if err != nil {
		t.Fatalf("get failed job: %v", err)
	}
	if failed.Status != queue.StatusFailed || failed.LastError != "planner unavailable again" {
		t.Fatalf("expected terminal failure, got %+v", failed)
	}

	// Terminal states are sticky: the job never becomes claimable again.
	clk.Advance(time.Hour)
	after, err := st.ClaimWorkflowJobs(ctx, queue.ClaimInput{WorkerID: "worker-1", Limit: 1, Lease: time.Minute})
	if err != nil {
		t.Fatalf("claim after terminal: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("terminal job must not be claimable, got %+v", jobIDs(after))
	}

	if err := st.FailWorkflowJob(ctx, queue.FailInput{Scope: testScope, JobID: "job_missing", LeaseToken: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing job, got %v", err)
	}
}

func TestSnapshotVersionConflict(t *testing.T) {
	st, clk := getStore(t)
	ctx := context.Background()

	snap := sampleSnapshot(testScope, "wf_cas")
	if err := st.UpsertWorkflowRuntimeSnapshot(ctx, snap); err != nil {
		t.Fatalf("initial upsert: %v", err)
	}
	if snap.Version != 1 || !snap.UpdatedAt.Equal(clk.Now()) {
		t.Fatalf("expected version bump to 1 at %v, got version=%d updated=%v", clk.Now(), snap.Version, snap.UpdatedAt)
	}

	// A second writer that also believes the workflow is new loses.
	stale := sampleSnapshot(testScope, "wf_cas")
	if err := st.UpsertWorkflowRuntimeSnapshot(ctx, stale); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate insert, got %v", err)
	}
	if stale.Version != 0 {
		t.Fatalf("conflict must not bump the caller's version, got %d", stale.Version)
	}

	// The winner continues from the stored version.
	got, err := st.GetWorkflowRuntimeSnapshot(ctx, testScope, "wf_cas")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if got.Version != 1 || got.Instance.Status != workflow.StatusRunning {
		t.Fatalf("unexpected stored snapshot: version=%d status=%s", got.Version, got.Instance.Status)
	}
	got.Instance.Status = workflow.StatusWaitingSignal
	got.Instance.WaitingQuestion = "Which account does this concern?"
	got.Instance.Steps = append(got.Instance.Steps, workflow.StepRecord{
		Scope:         testScope,
		WorkflowID:    "wf_cas",
		StepNumber:    0,
		IntentType:    planner.IntentAskUser,
		Status:        workflow.StepWaitingSignal,
		PlannerIntent: &planner.Intent{Type: planner.IntentAskUser, Question: "Which account does this concern?"},
		CreatedAt:     clk.Now(),
	})
	got.Checkpoint = &workflow.WaitingCheckpoint{Scope: testScope, WorkflowID: "wf_cas", CreatedAt: clk.Now()}
	clk.Advance(time.Second)
	if err := st.UpsertWorkflowRuntimeSnapshot(ctx, got); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("expected version 2, got %d", got.Version)
	}

	// A writer holding the superseded version loses.
	surpassed := sampleSnapshot(testScope, "wf_cas")
	surpassed.Version = 1
	if err := st.UpsertWorkflowRuntimeSnapshot(ctx, surpassed); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}

	// The waiting state round-trips whole.
	final, err := st.GetWorkflowRuntimeSnapshot(ctx, testScope, "wf_cas")
	if err != nil {
		t.Fatalf("get final snapshot: %v", err)
	}
	if final.Instance.Status != workflow.StatusWaitingSignal || final.Checkpoint == nil {
		t.Fatalf("waiting state did not round-trip: %+v", final.Instance)
	}
	if len(final.Instance.Steps) != 1 || final.Instance.Steps[0].PlannerIntent.Question != "Which account does this concern?" {
		t.Fatalf("steps did not round-trip: %+v", final.Instance.Steps)
	}

	// Updating a workflow that was never persisted conflicts.
	ghost := sampleSnapshot(testScope, "wf_ghost")
	ghost.Version = 3
	if err := st.UpsertWorkflowRuntimeSnapshot(ctx, ghost); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for unknown workflow at version 3, got %v", err)
	}

	if _, err := st.GetWorkflowRuntimeSnapshot(ctx, testScope, "wf_missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSignalInboxLifecycle(t *testing.T) {
	st, clk := getStore(t)
	ctx := context.Background()

	first := workflow.SignalRecord{
		Scope:      testScope,
		WorkflowID: "wf_signals",
		Type:       workflow.SignalUserInput,
		Payload:    map[string]any{"answer": "account 42"},
	}
	if err := st.EnqueueWorkflowSignal(ctx, first); err != nil {
		t.Fatalf("enqueue first signal: %v", err)
	}
	second := workflow.SignalRecord{
		Scope:      testScope,
		WorkflowID: "wf_signals",
		Type:       workflow.SignalApproval,
		Status:     workflow.SignalAcknowledged,
	}
	if err := st.EnqueueWorkflowSignal(ctx, second); err != nil {
		t.Fatalf("enqueue second signal: %v", err)
	}

	pending, err := st.ListPendingWorkflowSignals(ctx, testScope, "wf_signals")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending signals, got %d", len(pending))
	}
	if pending[0].SignalID >= pending[1].SignalID {
		t.Fatalf("expected signal ID ordering, got %q then %q", pending[0].SignalID, pending[1].SignalID)
	}
	if pending[0].Status != workflow.SignalReceived || pending[0].Payload["answer"] != "account 42" {
		t.Fatalf("first signal did not round-trip: %+v", pending[0])
	}
	if !pending[0].OccurredAt.Equal(clk.Now()) {
		t.Fatalf("expected OccurredAt defaulted to now, got %v", pending[0].OccurredAt)
	}

	consumeAt := clk.Now().Add(time.Second)
	if err := st.MarkWorkflowSignalConsumed(ctx, testScope, pending[0].SignalID, consumeAt); err != nil {
		t.Fatalf("consume: %v", err)
	}
	remaining, err := st.ListPendingWorkflowSignals(ctx, testScope, "wf_signals")
	if err != nil {
		t.Fatalf("list after consume: %v", err)
	}
	if len(remaining) != 1 || remaining[0].SignalID != pending[1].SignalID {
		t.Fatalf("expected only the acknowledged signal pending, got %+v", remaining)
	}

	// Consuming twice is a no-op; consuming the unknown is ErrNotFound.
	if err := st.MarkWorkflowSignalConsumed(ctx, testScope, pending[0].SignalID, consumeAt); err != nil {
		t.Fatalf("double consume should be a no-op, got %v", err)
	}
	if err := st.MarkWorkflowSignalConsumed(ctx, testScope, "sig_missing", consumeAt); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReceiptDeduplication(t *testing.T) {
	st, _ := getStore(t)
	ctx := context.Background()

	receipt := store.InboundReceipt{
		Scope:          testScope,
		Provider:       "slack",
		ProviderTeamID: "T123",
		EventID:        "Ev456",
		WorkflowID:     "wf_receipts",
	}
	if err := st.RecordInboundMessageReceipt(ctx, receipt); err != nil {
		t.Fatalf("first receipt: %v", err)
	}
	if err := st.RecordInboundMessageReceipt(ctx, receipt); !errors.Is(err, store.ErrDuplicateReceipt) {
		t.Fatalf("expected ErrDuplicateReceipt, got %v", err)
	}

	// A different event under the same team is a fresh receipt.
	receipt.EventID = "Ev789"
	if err := st.RecordInboundMessageReceipt(ctx, receipt); err != nil {
		t.Fatalf("distinct event: %v", err)
	}
}

func TestThreadRoutingRoundTrip(t *testing.T) {
	st, clk := getStore(t)
	ctx := context.Background()

	thread := store.MessageThread{
		Scope:            testScope,
		WorkflowID:       "wf_thread",
		RunID:            "run_thread",
		Provider:         "slack",
		ProviderTeamID:   "T123",
		ProviderThreadID: "1724580000.000100",
		ChannelID:        "C42",
		MessageID:        "1724580000.000100",
		Target:           "#support",
	}
	if err := st.UpsertWorkflowMessageThread(ctx, thread); err != nil {
		t.Fatalf("upsert thread: %v", err)
	}

	got, err := st.GetWorkflowMessageThreadByProviderThread(ctx, "slack", "T123", "1724580000.000100")
	if err != nil {
		t.Fatalf("lookup thread: %v", err)
	}
	if got.WorkflowID != "wf_thread" || !got.Scope.Matches(testScope) {
		t.Fatalf("unexpected thread resolution: %+v", got)
	}
	created := got.CreatedAt

	clk.Advance(time.Minute)
	thread.RunID = "run_thread_2"
	if err := st.UpsertWorkflowMessageThread(ctx, thread); err != nil {
		t.Fatalf("re-upsert thread: %v", err)
	}
	updated, err := st.GetWorkflowMessageThreadByProviderThread(ctx, "slack", "T123", "1724580000.000100")
	if err != nil {
		t.Fatalf("lookup after update: %v", err)
	}
	if updated.RunID != "run_thread_2" || !updated.CreatedAt.Equal(created) {
		t.Fatalf("expected updated run with preserved CreatedAt, got %+v", updated)
	}

	if _, err := st.GetWorkflowMessageThreadByProviderThread(ctx, "slack", "T123", "unknown"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessagingSettingsRoundTrip(t *testing.T) {
	st, _ := getStore(t)
	ctx := context.Background()

	if _, err := st.GetTenantMessagingSettings(ctx, testScope); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unset settings, got %v", err)
	}

	settings := store.TenantMessagingSettings{
		Scope:                testScope,
		Provider:             "slack",
		ProviderTeamID:       "T123",
		DefaultChannelID:     "C42",
		NotificationsEnabled: true,
	}
	if err := st.UpsertTenantMessagingSettings(ctx, settings); err != nil {
		t.Fatalf("upsert settings: %v", err)
	}
	got, err := st.GetTenantMessagingSettings(ctx, testScope)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if !got.NotificationsEnabled || got.DefaultChannelID != "C42" {
		t.Fatalf("unexpected settings: %+v", got)
	}

	settings.NotificationsEnabled = false
	if err := st.UpsertTenantMessagingSettings(ctx, settings); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	got, err = st.GetTenantMessagingSettings(ctx, testScope)
	if err != nil {
		t.Fatalf("get updated settings: %v", err)
	}
	if got.NotificationsEnabled {
		t.Fatalf("expected notifications disabled, got %+v", got)
	}
}

func TestAuditTrailFilters(t *testing.T) {
	st, clk := getStore(t)
	ctx := context.Background()

	records := []audit.Record{
		{Scope: testScope, WorkflowID: "wf_a", RequestID: "req_a", StepNumber: 0, EventType: audit.EventPolicyAllow},
		{Scope: testScope, WorkflowID: "wf_a", RequestID: "req_a", StepNumber: 1, EventType: audit.EventApprovalPending},
		{Scope: testScope, WorkflowID: "wf_b", RequestID: "req_b", StepNumber: -1, EventType: audit.EventWorkflowCompleted},
	}
	for i, r := range records {
		clk.Advance(time.Duration(i+1) * time.Second)
		if err := st.AppendAuditRecord(ctx, r); err != nil {
			t.Fatalf("append record %d: %v", i, err)
		}
	}

	all, err := st.ListAuditRecords(ctx, testScope, audit.Filter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].EventType != audit.EventPolicyAllow || all[2].EventType != audit.EventWorkflowCompleted {
		t.Fatalf("expected append order, got %+v", all)
	}
	if all[0].AuditID == "" {
		t.Fatalf("expected minted audit IDs")
	}

	byWorkflow, err := st.ListAuditRecords(ctx, testScope, audit.Filter{WorkflowID: "wf_a"})
	if err != nil {
		t.Fatalf("list by workflow: %v", err)
	}
	if len(byWorkflow) != 2 {
		t.Fatalf("expected 2 records for wf_a, got %d", len(byWorkflow))
	}

	byType, err := st.ListAuditRecords(ctx, testScope, audit.Filter{
		EventTypes: []audit.EventType{audit.EventApprovalPending, audit.EventWorkflowCompleted},
	})
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(byType) != 2 || byType[0].EventType != audit.EventApprovalPending {
		t.Fatalf("unexpected type filtering: %+v", byType)
	}

	foreign, err := st.ListAuditRecords(ctx, otherScope, audit.Filter{})
	if err != nil {
		t.Fatalf("list foreign scope: %v", err)
	}
	if len(foreign) != 0 {
		t.Fatalf("audit records leaked across tenants: %+v", foreign)
	}
}

func TestReadRendersJSON(t *testing.T) {
	st, _ := getStore(t)
	ctx := context.Background()

	if err := st.UpsertAgent(ctx, store.Agent{Scope: testScope, AgentID: "agent-read", Name: "Reader"}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	raw, err := st.Read(ctx, testScope, store.KindAgent, "agent-read")
	if err != nil {
		t.Fatalf("read agent: %v", err)
	}
	var decoded store.Agent
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("agent rendering is not valid JSON: %v", err)
	}
	if decoded.AgentID != "agent-read" || decoded.Name != "Reader" {
		t.Fatalf("unexpected agent rendering: %s", raw)
	}

	snap := sampleSnapshot(testScope, "wf_read")
	if err := st.UpsertWorkflowRuntimeSnapshot(ctx, snap); err != nil {
		t.Fatalf("upsert snapshot: %v", err)
	}
	rawWf, err := st.Read(ctx, testScope, store.KindWorkflow, "wf_read")
	if err != nil {
		t.Fatalf("read workflow: %v", err)
	}
	got, err := st.GetWorkflowRuntimeSnapshot(ctx, testScope, "wf_read")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	remarshaled, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if !bytes.Equal(rawWf, remarshaled) {
		t.Fatalf("workflow rendering diverged from the stored snapshot:\n%s\n%s", rawWf, remarshaled)
	}

	if _, err := st.Read(ctx, otherScope, store.KindAgent, "agent-read"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
	if _, err := st.Read(ctx, testScope, store.Kind("database"), "x"); !errors.Is(err, store.ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
	if _, err := st.Read(ctx, scope.Scope{TenantID: "acme"}, store.KindAgent, "agent-read"); !errors.Is(err, scope.ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
}

func TestTransactionAtomicity(t *testing.T) {
	st, _ := getStore(t)
	ctx := context.Background()

	boom := errors.New("downstream failure")
	err := st.WithTransaction(ctx, func(ctx context.Context) error {
		if err := st.UpsertAgent(ctx, store.Agent{Scope: testScope, AgentID: "agent-tx", Name: "TX"}); err != nil {
			return err
		}
		if err := st.UpsertRun(ctx, store.Run{Scope: testScope, RunID: "run_tx", Status: store.RunQueued}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the callback error, got %v", err)
	}
	if _, err := st.GetAgent(ctx, testScope, "agent-tx"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("agent write must roll back, got %v", err)
	}
	if _, err := st.GetRun(ctx, testScope, "run_tx"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("run write must roll back, got %v", err)
	}

	err = st.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := st.UpsertAgent(txCtx, store.Agent{Scope: testScope, AgentID: "agent-tx", Name: "TX"}); err != nil {
			return err
		}
		// Reentry joins the outer transaction instead of opening a new one.
		return st.WithTransaction(txCtx, func(txCtx context.Context) error {
			return st.UpsertRun(txCtx, store.Run{Scope: testScope, RunID: "run_tx", Status: store.RunQueued})
		})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if _, err := st.GetAgent(ctx, testScope, "agent-tx"); err != nil {
		t.Fatalf("agent must be committed, got %v", err)
	}
	if _, err := st.GetRun(ctx, testScope, "run_tx"); err != nil {
		t.Fatalf("run must be committed, got %v", err)
	}
}

func TestScopeIsolation(t *testing.T) {
	st, _ := getStore(t)
	ctx := context.Background()

	if err := st.UpsertAgent(ctx, store.Agent{Scope: testScope, AgentID: "agent-iso"}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	if err := st.UpsertRun(ctx, store.Run{Scope: testScope, RunID: "run_iso", Status: store.RunQueued}); err != nil {
		t.Fatalf("upsert run: %v", err)
	}
	job, err := st.EnqueueWorkflowJob(ctx, queue.EnqueueInput{Scope: testScope, WorkflowID: "wf_iso"})
	if err != nil {
		t.Fatalf("enqueue job: %v", err)
	}
	if err := st.EnqueueWorkflowSignal(ctx, workflow.SignalRecord{Scope: testScope, WorkflowID: "wf_iso", Type: workflow.SignalTimer}); err != nil {
		t.Fatalf("enqueue signal: %v", err)
	}

	if agents, err := st.ListAgents(ctx, otherScope); err != nil || len(agents) != 0 {
		t.Fatalf("agents leaked across tenants: %v %+v", err, agents)
	}
	if runs, err := st.ListRuns(ctx, otherScope, store.RunFilter{}); err != nil || len(runs) != 0 {
		t.Fatalf("runs leaked across tenants: %v %+v", err, runs)
	}
	if jobs, err := st.ListWorkflowJobs(ctx, otherScope, queue.ListFilter{}); err != nil || len(jobs) != 0 {
		t.Fatalf("jobs leaked across tenants: %v %+v", err, jobs)
	}
	if sigs, err := st.ListPendingWorkflowSignals(ctx, otherScope, "wf_iso"); err != nil || len(sigs) != 0 {
		t.Fatalf("signals leaked across tenants: %v %+v", err, sigs)
	}
	if _, err := st.GetAgent(ctx, otherScope, "agent-iso"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-tenant agent read must be ErrNotFound, got %v", err)
	}
	if _, err := st.GetWorkflowJob(ctx, otherScope, job.JobID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-tenant job read must be ErrNotFound, got %v", err)
	}
}
