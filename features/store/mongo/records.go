package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/foreman/runtime/audit"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
)

// UpsertAgent implements store.Store. CreatedAt is written only on first
// insert so re-upserts preserve it.
func (s *Store) UpsertAgent(ctx context.Context, a store.Agent) error {
	if err := a.Scope.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := s.clock()
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	filter := scopeFilter(a.Scope)
	filter["agent_id"] = a.AgentID
	update := bson.M{
		"$set": bson.M{
			"name":         a.Name,
			"status":       a.Status,
			"last_seen_at": a.LastSeenAt.UTC(),
			"updated_at":   now.UTC(),
		},
		"$setOnInsert": bson.M{
			"tenant_id":    a.Scope.TenantID,
			"workspace_id": a.Scope.WorkspaceID,
			"agent_id":     a.AgentID,
			"created_at":   createdAt.UTC(),
		},
	}
	if _, err := s.agents.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongodb upsert agent %q: %w", a.AgentID, err)
	}
	return nil
}

// GetAgent implements store.Store.
func (s *Store) GetAgent(ctx context.Context, sc scope.Scope, agentID string) (store.Agent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(sc)
	filter["agent_id"] = agentID
	var doc agentDocument
	if err := s.agents.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Agent{}, store.ErrNotFound
		}
		return store.Agent{}, fmt.Errorf("mongodb get agent %q: %w", agentID, err)
	}
	return fromAgentDocument(doc), nil
}

// ListAgents implements store.Store.
func (s *Store) ListAgents(ctx context.Context, sc scope.Scope) ([]store.Agent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.agents.Find(ctx, scopeFilter(sc), options.Find().
		SetSort(bson.D{{Key: "agent_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list agents: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []agentDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list agents decode: %w", err)
	}
	out := make([]store.Agent, len(docs))
	for i, doc := range docs {
		out[i] = fromAgentDocument(doc)
	}
	return out, nil
}

// ListRuns implements store.Store. Runs are returned newest first.
func (s *Store) ListRuns(ctx context.Context, sc scope.Scope, f store.RunFilter) ([]store.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(sc)
	if f.WorkflowID != "" {
		filter["workflow_id"] = f.WorkflowID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "run_id", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.runs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list runs: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []runDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list runs decode: %w", err)
	}
	out := make([]store.Run, len(docs))
	for i, doc := range docs {
		out[i] = fromRunDocument(doc)
	}
	return out, nil
}

// GetRun implements store.Store.
func (s *Store) GetRun(ctx context.Context, sc scope.Scope, runID string) (store.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(sc)
	filter["run_id"] = runID
	var doc runDocument
	if err := s.runs.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("mongodb get run %q: %w", runID, err)
	}
	return fromRunDocument(doc), nil
}

// UpsertRun implements store.Store. The aggregate is replaced whole, so a
// zero EndedAt clears any previous value; only CreatedAt survives re-upserts.
func (s *Store) UpsertRun(ctx context.Context, r store.Run) error {
	if err := r.Scope.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := s.clock()
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	filter := scopeFilter(r.Scope)
	filter["run_id"] = r.RunID
	update := bson.M{
		"$set": bson.M{
			"agent_id":      r.AgentID,
			"workflow_id":   r.WorkflowID,
			"request_id":    r.RequestID,
			"thread_id":     r.ThreadID,
			"status":        string(r.Status),
			"started_at":    r.StartedAt.UTC(),
			"ended_at":      r.EndedAt.UTC(),
			"latency_ms":    r.LatencyMS,
			"retries":       r.Retries,
			"error_summary": r.ErrorSummary,
			"updated_at":    now.UTC(),
		},
		"$setOnInsert": bson.M{
			"tenant_id":    r.Scope.TenantID,
			"workspace_id": r.Scope.WorkspaceID,
			"run_id":       r.RunID,
			"created_at":   createdAt.UTC(),
		},
	}
	if _, err := s.runs.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongodb upsert run %q: %w", r.RunID, err)
	}
	return nil
}

// ListRunEvents implements store.Store. Event IDs are time-ordered, so
// sorting by timestamp then ID yields append order.
func (s *Store) ListRunEvents(ctx context.Context, sc scope.Scope, runID string) ([]store.RunEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(sc)
	filter["run_id"] = runID
	cur, err := s.runEvents.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "ts", Value: 1}, {Key: "event_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list run events: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []runEventDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list run events decode: %w", err)
	}
	out := make([]store.RunEvent, len(docs))
	for i, doc := range docs {
		out[i] = fromRunEventDocument(doc)
	}
	return out, nil
}

// AppendRunEvent implements store.Store.
func (s *Store) AppendRunEvent(ctx context.Context, e store.RunEvent) error {
	if err := e.Scope.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if e.ID == "" {
		e.ID = scope.NewEventID()
	}
	if e.TS.IsZero() {
		e.TS = s.clock()
	}
	if _, err := s.runEvents.InsertOne(ctx, toRunEventDocument(e)); err != nil {
		return fmt.Errorf("mongodb append run event: %w", err)
	}
	return nil
}

// AppendAuditRecord implements store.Store.
func (s *Store) AppendAuditRecord(ctx context.Context, r audit.Record) error {
	if err := r.Scope.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if r.AuditID == "" {
		r.AuditID = scope.NewAuditID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock()
	}
	if _, err := s.auditLog.InsertOne(ctx, toAuditDocument(r)); err != nil {
		return fmt.Errorf("mongodb append audit record: %w", err)
	}
	return nil
}

// ListAuditRecords implements store.Store. Audit IDs are time-ordered, so
// sorting by creation time then ID yields append order.
func (s *Store) ListAuditRecords(ctx context.Context, sc scope.Scope, f audit.Filter) ([]audit.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(sc)
	if f.WorkflowID != "" {
		filter["workflow_id"] = f.WorkflowID
	}
	if f.RequestID != "" {
		filter["request_id"] = f.RequestID
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		filter["event_type"] = bson.M{"$in": types}
	}
	cur, err := s.auditLog.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "audit_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list audit records: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []auditDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list audit records decode: %w", err)
	}
	out := make([]audit.Record, len(docs))
	for i, doc := range docs {
		out[i] = fromAuditDocument(doc)
	}
	return out, nil
}
