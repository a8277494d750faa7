package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/foreman/runtime/queue"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
)

// EnqueueWorkflowJob implements store.Store.
func (s *Store) EnqueueWorkflowJob(ctx context.Context, in queue.EnqueueInput) (queue.Job, error) {
	if err := in.Scope.Validate(); err != nil {
		return queue.Job{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
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
	if _, err := s.jobs.InsertOne(ctx, toJobDocument(j)); err != nil {
		return queue.Job{}, fmt.Errorf("mongodb enqueue job: %w", err)
	}
	return j, nil
}

// ListWorkflowJobs implements store.Store. Jobs are returned newest first.
func (s *Store) ListWorkflowJobs(ctx context.Context, sc scope.Scope, f queue.ListFilter) ([]queue.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(sc)
	if f.WorkflowID != "" {
		filter["workflow_id"] = f.WorkflowID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "job_id", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list jobs: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []jobDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list jobs decode: %w", err)
	}
	out := make([]queue.Job, len(docs))
	for i, doc := range docs {
		out[i] = fromJobDocument(doc)
	}
	return out, nil
}

// ClaimWorkflowJobs implements store.Store. Each iteration leases the oldest
// claimable job with a single FindOneAndUpdate, so concurrent claimers can
// never receive the same job. Jobs already claimed in this call are excluded
// from later iterations.
func (s *Store) ClaimWorkflowJobs(ctx context.Context, in queue.ClaimInput) ([]queue.Job, error) {
	if err := in.Scope.ValidateOptional(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := s.clock()
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "available_at", Value: 1}, {Key: "job_id", Value: 1}}).
		SetReturnDocument(options.After)
	var (
		out     []queue.Job
		claimed []string
	)
	for in.Limit <= 0 || len(out) < in.Limit {
		filter := bson.M{"$or": []bson.M{
			{"status": string(queue.StatusQueued), "available_at": bson.M{"$lte": now}},
			{"status": string(queue.StatusClaimed), "lease_expires_at": bson.M{"$lte": now}},
		}}
		if !in.Scope.IsZero() {
			filter["tenant_id"] = in.Scope.TenantID
			filter["workspace_id"] = in.Scope.WorkspaceID
		}
		if len(claimed) > 0 {
			filter["job_id"] = bson.M{"$nin": claimed}
		}
		update := bson.M{
			"$set": bson.M{
				"status":           string(queue.StatusClaimed),
				"lease_token":      scope.NewLeaseToken(),
				"lease_expires_at": now.Add(in.Lease).UTC(),
				"worker_id":        in.WorkerID,
				"updated_at":       now.UTC(),
			},
			"$inc": bson.M{"attempt_count": 1},
		}
		var doc jobDocument
		err := s.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mongodb claim job: %w", err)
		}
		out = append(out, fromJobDocument(doc))
		claimed = append(claimed, doc.JobID)
	}
	return out, nil
}

// CompleteWorkflowJob implements store.Store. The update is conditional on
// the lease token, so a stale lease holder matches nothing and the call is a
// silent no-op.
func (s *Store) CompleteWorkflowJob(ctx context.Context, in queue.CompleteInput) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(in.Scope)
	filter["job_id"] = in.JobID
	filter["status"] = string(queue.StatusClaimed)
	filter["lease_token"] = in.LeaseToken
	update := bson.M{
		"$set":   bson.M{"status": string(queue.StatusCompleted), "updated_at": s.clock().UTC()},
		"$unset": bson.M{"lease_token": "", "lease_expires_at": ""},
	}
	res, err := s.jobs.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongodb complete job %q: %w", in.JobID, err)
	}
	if res.MatchedCount == 0 {
		return s.jobExists(ctx, in.Scope, in.JobID)
	}
	return nil
}

// FailWorkflowJob implements store.Store. The terminal-versus-requeue choice
// reads the current attempt count first; the write is still conditional on
// the lease token, so losing a race to another writer degrades to the same
// silent no-op as a stale lease.
func (s *Store) FailWorkflowJob(ctx context.Context, in queue.FailInput) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(in.Scope)
	filter["job_id"] = in.JobID
	var doc jobDocument
	if err := s.jobs.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.ErrNotFound
		}
		return fmt.Errorf("mongodb fail job %q: %w", in.JobID, err)
	}
	if doc.Status != string(queue.StatusClaimed) || doc.LeaseToken != in.LeaseToken {
		return nil
	}
	set := bson.M{
		"last_error": in.Error,
		"updated_at": s.clock().UTC(),
	}
	if doc.AttemptCount >= doc.MaxAttempts {
		set["status"] = string(queue.StatusFailed)
	} else {
		set["status"] = string(queue.StatusQueued)
		set["available_at"] = in.RetryAt.UTC()
	}
	filter["status"] = string(queue.StatusClaimed)
	filter["lease_token"] = in.LeaseToken
	update := bson.M{
		"$set":   set,
		"$unset": bson.M{"lease_token": "", "lease_expires_at": ""},
	}
	if _, err := s.jobs.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("mongodb fail job %q: %w", in.JobID, err)
	}
	return nil
}

// GetWorkflowJob implements store.Store.
func (s *Store) GetWorkflowJob(ctx context.Context, sc scope.Scope, jobID string) (queue.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(sc)
	filter["job_id"] = jobID
	var doc jobDocument
	if err := s.jobs.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return queue.Job{}, store.ErrNotFound
		}
		return queue.Job{}, fmt.Errorf("mongodb get job %q: %w", jobID, err)
	}
	return fromJobDocument(doc), nil
}

// jobExists distinguishes a missing job from a stale lease after a
// conditional update matched nothing.
func (s *Store) jobExists(ctx context.Context, sc scope.Scope, jobID string) error {
	filter := scopeFilter(sc)
	filter["job_id"] = jobID
	err := s.jobs.FindOne(ctx, filter).Err()
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mongodb get job %q: %w", jobID, err)
	}
	return nil
}
