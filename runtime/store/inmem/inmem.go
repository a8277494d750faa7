// Package inmem provides an in-memory store.Store used by tests and local
// development. A single mutex serializes transactions; rollback restores a
// copy of the state taken when the transaction began. Stored values are
// replaced whole on write and copied on read, so callers never alias store
// memory.
package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"goa.design/foreman/runtime/audit"
	"goa.design/foreman/runtime/queue"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/workflow"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	clock scope.Clock

	mu   sync.Mutex
	data *state
}

// state holds every collection. Writes replace entries whole and lists
// append; nothing mutates a stored value in place. clone therefore only
// needs to copy the map and slice headers.
type state struct {
	agents    map[string]store.Agent
	runs      map[string]store.Run
	runEvents map[string][]store.RunEvent
	jobs      map[string]queue.Job
	threads   map[string]store.MessageThread
	receipts  map[string]store.InboundReceipt
	signals   map[string]workflow.SignalRecord
	snapshots map[string]*workflow.RuntimeSnapshot
	settings  map[string]store.TenantMessagingSettings
	auditLog  []audit.Record
}

// New returns an empty store reading time from the real clock.
func New() *Store {
	return NewWithClock(scope.UTCNow)
}

// NewWithClock returns an empty store reading time from clock. Tests use a
// fixed clock to make lease expiry and retry windows deterministic.
func NewWithClock(clock scope.Clock) *Store {
	return &Store{
		clock: clock,
		data: &state{
			agents:    make(map[string]store.Agent),
			runs:      make(map[string]store.Run),
			runEvents: make(map[string][]store.RunEvent),
			jobs:      make(map[string]queue.Job),
			threads:   make(map[string]store.MessageThread),
			receipts:  make(map[string]store.InboundReceipt),
			signals:   make(map[string]workflow.SignalRecord),
			snapshots: make(map[string]*workflow.RuntimeSnapshot),
			settings:  make(map[string]store.TenantMessagingSettings),
		},
	}
}

func (st *state) clone() *state {
	c := &state{
		agents:    make(map[string]store.Agent, len(st.agents)),
		runs:      make(map[string]store.Run, len(st.runs)),
		runEvents: make(map[string][]store.RunEvent, len(st.runEvents)),
		jobs:      make(map[string]queue.Job, len(st.jobs)),
		threads:   make(map[string]store.MessageThread, len(st.threads)),
		receipts:  make(map[string]store.InboundReceipt, len(st.receipts)),
		signals:   make(map[string]workflow.SignalRecord, len(st.signals)),
		snapshots: make(map[string]*workflow.RuntimeSnapshot, len(st.snapshots)),
		settings:  make(map[string]store.TenantMessagingSettings, len(st.settings)),
		auditLog:  st.auditLog[:len(st.auditLog):len(st.auditLog)],
	}
	for k, v := range st.agents {
		c.agents[k] = v
	}
	for k, v := range st.runs {
		c.runs[k] = v
	}
	for k, v := range st.runEvents {
		c.runEvents[k] = v[:len(v):len(v)]
	}
	for k, v := range st.jobs {
		c.jobs[k] = v
	}
	for k, v := range st.threads {
		c.threads[k] = v
	}
	for k, v := range st.receipts {
		c.receipts[k] = v
	}
	for k, v := range st.signals {
		c.signals[k] = v
	}
	for k, v := range st.snapshots {
		c.snapshots[k] = v
	}
	for k, v := range st.settings {
		c.settings[k] = v
	}
	return c
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(*Store)
	return v == s
}

// lock acquires the store mutex unless ctx already runs inside a
// transaction, which holds it for its whole extent.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// WithTransaction implements store.Store. The mutex is held for the whole
// transaction, so concurrent transactions serialize and fn observes an
// isolated snapshot. On error the pre-transaction state is restored.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := s.data.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.data = saved
		return err
	}
	return nil
}

func scopedKey(sc scope.Scope, id string) string {
	return sc.TenantID + "\x00" + sc.WorkspaceID + "\x00" + id
}

func threadKey(provider, teamID, threadID string) string {
	return provider + "\x00" + teamID + "\x00" + threadID
}

// Read implements store.Store.
func (s *Store) Read(ctx context.Context, sc scope.Scope, kind store.Kind, id string) (json.RawMessage, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	defer s.lock(ctx)()
	var (
		v  any
		ok bool
	)
	switch kind {
	case store.KindAgent:
		v, ok = s.data.agents[scopedKey(sc, id)]
	case store.KindRun:
		v, ok = s.data.runs[scopedKey(sc, id)]
	case store.KindJob:
		var j queue.Job
		j, ok = s.data.jobs[id]
		ok = ok && j.Scope.Matches(sc)
		v = j
	case store.KindWorkflow:
		var snap *workflow.RuntimeSnapshot
		snap, ok = s.data.snapshots[scopedKey(sc, id)]
		v = snap
	default:
		return nil, store.ErrUnsupportedKind
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return json.Marshal(v)
}

// UpsertAgent implements store.Store.
func (s *Store) UpsertAgent(ctx context.Context, a store.Agent) error {
	if err := a.Scope.Validate(); err != nil {
		return err
	}
	defer s.lock(ctx)()
	now := s.clock()
	key := scopedKey(a.Scope, a.AgentID)
	if prev, ok := s.data.agents[key]; ok {
		a.CreatedAt = prev.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.data.agents[key] = a
	return nil
}

// GetAgent implements store.Store.
func (s *Store) GetAgent(ctx context.Context, sc scope.Scope, agentID string) (store.Agent, error) {
	defer s.lock(ctx)()
	a, ok := s.data.agents[scopedKey(sc, agentID)]
	if !ok {
		return store.Agent{}, store.ErrNotFound
	}
	return a, nil
}

// ListAgents implements store.Store.
func (s *Store) ListAgents(ctx context.Context, sc scope.Scope) ([]store.Agent, error) {
	defer s.lock(ctx)()
	var out []store.Agent
	for _, a := range s.data.agents {
		if a.Scope.Matches(sc) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// ListRuns implements store.Store. Runs are returned newest first.
func (s *Store) ListRuns(ctx context.Context, sc scope.Scope, f store.RunFilter) ([]store.Run, error) {
	defer s.lock(ctx)()
	var out []store.Run
	for _, r := range s.data.runs {
		if !r.Scope.Matches(sc) {
			continue
		}
		if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetRun implements store.Store.
func (s *Store) GetRun(ctx context.Context, sc scope.Scope, runID string) (store.Run, error) {
	defer s.lock(ctx)()
	r, ok := s.data.runs[scopedKey(sc, runID)]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return r, nil
}

// UpsertRun implements store.Store.
func (s *Store) UpsertRun(ctx context.Context, r store.Run) error {
	if err := r.Scope.Validate(); err != nil {
		return err
	}
	defer s.lock(ctx)()
	now := s.clock()
	key := scopedKey(r.Scope, r.RunID)
	if prev, ok := s.data.runs[key]; ok {
		r.CreatedAt = prev.CreatedAt
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.data.runs[key] = r
	return nil
}

// ListRunEvents implements store.Store. Events are returned in append order.
func (s *Store) ListRunEvents(ctx context.Context, sc scope.Scope, runID string) ([]store.RunEvent, error) {
	defer s.lock(ctx)()
	events := s.data.runEvents[scopedKey(sc, runID)]
	out := make([]store.RunEvent, 0, len(events))
	for _, e := range events {
		e.Payload = copyAnyMap(e.Payload)
		out = append(out, e)
	}
	return out, nil
}

// AppendRunEvent implements store.Store.
func (s *Store) AppendRunEvent(ctx context.Context, e store.RunEvent) error {
	if err := e.Scope.Validate(); err != nil {
		return err
	}
	defer s.lock(ctx)()
	if e.ID == "" {
		e.ID = scope.NewEventID()
	}
	if e.TS.IsZero() {
		e.TS = s.clock()
	}
	e.Payload = copyAnyMap(e.Payload)
	key := scopedKey(e.Scope, e.RunID)
	s.data.runEvents[key] = append(s.data.runEvents[key], e)
	return nil
}

// EnqueueWorkflowJob implements store.Store.
func (s *Store) EnqueueWorkflowJob(ctx context.Context, in queue.EnqueueInput) (queue.Job, error) {
	if err := in.Scope.Validate(); err != nil {
		return queue.Job{}, err
	}
	defer s.lock(ctx)()
	now := s.clock()
	j := queue.Job{
		Scope:           in.Scope,
		JobID:           scope.NewJobID(),
		RunID:           in.RunID,
		AgentID:         in.AgentID,
		WorkflowID:      in.WorkflowID,
		RequestID:       in.RequestID,
		ThreadID:        in.ThreadID,
		ObjectivePrompt: in.ObjectivePrompt,
		Status:          queue.StatusQueued,
		MaxAttempts:     in.MaxAttempts,
		AvailableAt:     in.AvailableAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = queue.DefaultMaxAttempts
	}
	if j.AvailableAt.IsZero() {
		j.AvailableAt = now
	}
	s.data.jobs[j.JobID] = j
	return j, nil
}

// ListWorkflowJobs implements store.Store. Jobs are returned newest first.
func (s *Store) ListWorkflowJobs(ctx context.Context, sc scope.Scope, f queue.ListFilter) ([]queue.Job, error) {
	defer s.lock(ctx)()
	var out []queue.Job
	for _, j := range s.data.jobs {
		if !j.Scope.Matches(sc) {
			continue
		}
		if f.WorkflowID != "" && j.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].JobID > out[j].JobID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ClaimWorkflowJobs implements store.Store. Selection and lease assignment
// happen under one lock so no two workers can claim the same job. Jobs are
// claimed oldest available first; a claimed job whose lease expired is
// claimable again and its attempt count increments on reclaim.
func (s *Store) ClaimWorkflowJobs(ctx context.Context, in queue.ClaimInput) ([]queue.Job, error) {
	if err := in.Scope.ValidateOptional(); err != nil {
		return nil, err
	}
	defer s.lock(ctx)()
	now := s.clock()
	var candidates []queue.Job
	for _, j := range s.data.jobs {
		if !in.Scope.IsZero() && !j.Scope.Matches(in.Scope) {
			continue
		}
		if j.Claimable(now) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].AvailableAt.Equal(candidates[j].AvailableAt) {
			return candidates[i].AvailableAt.Before(candidates[j].AvailableAt)
		}
		return candidates[i].JobID < candidates[j].JobID
	})
	if in.Limit > 0 && len(candidates) > in.Limit {
		candidates = candidates[:in.Limit]
	}
	out := make([]queue.Job, 0, len(candidates))
	for _, j := range candidates {
		j.Status = queue.StatusClaimed
		j.AttemptCount++
		j.LeaseToken = scope.NewLeaseToken()
		j.LeaseExpiresAt = now.Add(in.Lease)
		j.WorkerID = in.WorkerID
		j.UpdatedAt = now
		s.data.jobs[j.JobID] = j
		out = append(out, j)
	}
	return out, nil
}

// CompleteWorkflowJob implements store.Store. A stale lease token makes the
// call a silent no-op so a superseded worker cannot clobber the job.
func (s *Store) CompleteWorkflowJob(ctx context.Context, in queue.CompleteInput) error {
	defer s.lock(ctx)()
	j, ok := s.data.jobs[in.JobID]
	if !ok || !j.Scope.Matches(in.Scope) {
		return store.ErrNotFound
	}
	if j.Status != queue.StatusClaimed || j.LeaseToken != in.LeaseToken {
		return nil
	}
	j.Status = queue.StatusCompleted
	j.LeaseToken = ""
	j.LeaseExpiresAt = time.Time{}
	j.UpdatedAt = s.clock()
	s.data.jobs[in.JobID] = j
	return nil
}

// FailWorkflowJob implements store.Store. The job requeues at RetryAt until
// its attempts are exhausted, then fails terminally. A stale lease token
// makes the call a silent no-op.
func (s *Store) FailWorkflowJob(ctx context.Context, in queue.FailInput) error {
	defer s.lock(ctx)()
	j, ok := s.data.jobs[in.JobID]
	if !ok || !j.Scope.Matches(in.Scope) {
		return store.ErrNotFound
	}
	if j.Status != queue.StatusClaimed || j.LeaseToken != in.LeaseToken {
		return nil
	}
	j.LastError = in.Error
	j.LeaseToken = ""
	j.LeaseExpiresAt = time.Time{}
	j.UpdatedAt = s.clock()
	if j.AttemptCount >= j.MaxAttempts {
		j.Status = queue.StatusFailed
	} else {
		j.Status = queue.StatusQueued
		j.AvailableAt = in.RetryAt
	}
	s.data.jobs[in.JobID] = j
	return nil
}

// GetWorkflowJob implements store.Store.
func (s *Store) GetWorkflowJob(ctx context.Context, sc scope.Scope, jobID string) (queue.Job, error) {
	defer s.lock(ctx)()
	j, ok := s.data.jobs[jobID]
	if !ok || !j.Scope.Matches(sc) {
		return queue.Job{}, store.ErrNotFound
	}
	return j, nil
}

// UpsertWorkflowMessageThread implements store.Store.
func (s *Store) UpsertWorkflowMessageThread(ctx context.Context, t store.MessageThread) error {
	if err := t.Scope.Validate(); err != nil {
		return err
	}
	defer s.lock(ctx)()
	now := s.clock()
	key := threadKey(t.Provider, t.ProviderTeamID, t.ProviderThreadID)
	if prev, ok := s.data.threads[key]; ok {
		t.CreatedAt = prev.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.data.threads[key] = t
	return nil
}

// GetWorkflowMessageThreadByProviderThread implements store.Store. The
// lookup is unscoped because the provider callback carries no tenant; the
// returned thread's scope is the source of truth for everything downstream.
func (s *Store) GetWorkflowMessageThreadByProviderThread(ctx context.Context, provider, providerTeamID, providerThreadID string) (store.MessageThread, error) {
	defer s.lock(ctx)()
	t, ok := s.data.threads[threadKey(provider, providerTeamID, providerThreadID)]
	if !ok {
		return store.MessageThread{}, store.ErrNotFound
	}
	return t, nil
}

// RecordInboundMessageReceipt implements store.Store.
func (s *Store) RecordInboundMessageReceipt(ctx context.Context, r store.InboundReceipt) error {
	defer s.lock(ctx)()
	key := threadKey(r.Provider, r.ProviderTeamID, r.EventID)
	if _, ok := s.data.receipts[key]; ok {
		return store.ErrDuplicateReceipt
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = s.clock()
	}
	s.data.receipts[key] = r
	return nil
}

// EnqueueWorkflowSignal implements store.Store.
func (s *Store) EnqueueWorkflowSignal(ctx context.Context, sig workflow.SignalRecord) error {
	if err := sig.Scope.Validate(); err != nil {
		return err
	}
	defer s.lock(ctx)()
	if sig.SignalID == "" {
		sig.SignalID = scope.NewSignalID()
	}
	if sig.Status == "" {
		sig.Status = workflow.SignalReceived
	}
	if sig.OccurredAt.IsZero() {
		sig.OccurredAt = s.clock()
	}
	sig.Payload = copyAnyMap(sig.Payload)
	s.data.signals[scopedKey(sig.Scope, sig.SignalID)] = sig
	return nil
}

// ListPendingWorkflowSignals implements store.Store. Pending means not yet
// consumed; signal IDs are time-ordered so sorting by ID yields arrival
// order.
func (s *Store) ListPendingWorkflowSignals(ctx context.Context, sc scope.Scope, workflowID string) ([]workflow.SignalRecord, error) {
	defer s.lock(ctx)()
	var out []workflow.SignalRecord
	for _, sig := range s.data.signals {
		if !sig.Scope.Matches(sc) || sig.WorkflowID != workflowID {
			continue
		}
		if sig.Status == workflow.SignalConsumed {
			continue
		}
		sig.Payload = copyAnyMap(sig.Payload)
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalID < out[j].SignalID })
	return out, nil
}

// MarkWorkflowSignalConsumed implements store.Store. Consuming an already
// consumed signal is a no-op.
func (s *Store) MarkWorkflowSignalConsumed(ctx context.Context, sc scope.Scope, signalID string, at time.Time) error {
	defer s.lock(ctx)()
	key := scopedKey(sc, signalID)
	sig, ok := s.data.signals[key]
	if !ok {
		return store.ErrNotFound
	}
	if sig.Status == workflow.SignalConsumed {
		return nil
	}
	sig.Status = workflow.SignalConsumed
	sig.ConsumedAt = at
	s.data.signals[key] = sig
	return nil
}

// GetWorkflowRuntimeSnapshot implements store.Store.
func (s *Store) GetWorkflowRuntimeSnapshot(ctx context.Context, sc scope.Scope, workflowID string) (*workflow.RuntimeSnapshot, error) {
	defer s.lock(ctx)()
	snap, ok := s.data.snapshots[scopedKey(sc, workflowID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return snap.Clone(), nil
}

// UpsertWorkflowRuntimeSnapshot implements store.Store. The write succeeds
// only if snap.Version equals the stored version (zero for a new workflow);
// the stored and caller versions are then bumped together.
func (s *Store) UpsertWorkflowRuntimeSnapshot(ctx context.Context, snap *workflow.RuntimeSnapshot) error {
	if err := snap.Scope.Validate(); err != nil {
		return err
	}
	defer s.lock(ctx)()
	key := scopedKey(snap.Scope, snap.WorkflowID)
	if prev, ok := s.data.snapshots[key]; ok {
		if prev.Version != snap.Version {
			return store.ErrConflict
		}
	} else if snap.Version != 0 {
		return store.ErrConflict
	}
	snap.Version++
	snap.UpdatedAt = s.clock()
	s.data.snapshots[key] = snap.Clone()
	return nil
}

// GetTenantMessagingSettings implements store.Store.
func (s *Store) GetTenantMessagingSettings(ctx context.Context, sc scope.Scope) (store.TenantMessagingSettings, error) {
	defer s.lock(ctx)()
	ts, ok := s.data.settings[sc.String()]
	if !ok {
		return store.TenantMessagingSettings{}, store.ErrNotFound
	}
	return ts, nil
}

// UpsertTenantMessagingSettings implements store.Store.
func (s *Store) UpsertTenantMessagingSettings(ctx context.Context, ts store.TenantMessagingSettings) error {
	if err := ts.Scope.Validate(); err != nil {
		return err
	}
	defer s.lock(ctx)()
	ts.UpdatedAt = s.clock()
	s.data.settings[ts.Scope.String()] = ts
	return nil
}

// AppendAuditRecord implements store.Store.
func (s *Store) AppendAuditRecord(ctx context.Context, r audit.Record) error {
	if err := r.Scope.Validate(); err != nil {
		return err
	}
	defer s.lock(ctx)()
	if r.AuditID == "" {
		r.AuditID = scope.NewAuditID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock()
	}
	r.Detail = copyAnyMap(r.Detail)
	s.data.auditLog = append(s.data.auditLog, r)
	return nil
}

// ListAuditRecords implements store.Store. Records are returned in append
// order.
func (s *Store) ListAuditRecords(ctx context.Context, sc scope.Scope, f audit.Filter) ([]audit.Record, error) {
	defer s.lock(ctx)()
	var out []audit.Record
	for _, r := range s.data.auditLog {
		if !r.Scope.Matches(sc) || !f.Matches(r) {
			continue
		}
		r.Detail = copyAnyMap(r.Detail)
		out = append(out, r)
	}
	return out, nil
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = copyAny(v)
	}
	return c
}

func copyAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyAnyMap(t)
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = copyAny(e)
		}
		return c
	default:
		return v
	}
}
