package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/workflow"
)

// EnqueueWorkflowSignal implements store.Store. A signal re-enqueued under
// an ID it already carries replaces the stored record.
func (s *Store) EnqueueWorkflowSignal(ctx context.Context, sig workflow.SignalRecord) error {
	if err := sig.Scope.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if sig.SignalID == "" {
		sig.SignalID = scope.NewSignalID()
	}
	if sig.Status == "" {
		sig.Status = workflow.SignalReceived
	}
	if sig.OccurredAt.IsZero() {
		sig.OccurredAt = s.clock()
	}
	filter := scopeFilter(sig.Scope)
	filter["signal_id"] = sig.SignalID
	_, err := s.signals.ReplaceOne(ctx, filter, toSignalDocument(sig), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb enqueue signal %q: %w", sig.SignalID, err)
	}
	return nil
}

// ListPendingWorkflowSignals implements store.Store. Pending means not yet
// consumed; signal IDs are time-ordered, so sorting by ID yields arrival
// order.
func (s *Store) ListPendingWorkflowSignals(ctx context.Context, sc scope.Scope, workflowID string) ([]workflow.SignalRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(sc)
	filter["workflow_id"] = workflowID
	filter["status"] = bson.M{"$ne": string(workflow.SignalConsumed)}
	cur, err := s.signals.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "signal_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list pending signals: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []signalDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list pending signals decode: %w", err)
	}
	out := make([]workflow.SignalRecord, len(docs))
	for i, doc := range docs {
		out[i] = fromSignalDocument(doc)
	}
	return out, nil
}

// MarkWorkflowSignalConsumed implements store.Store. Consuming an already
// consumed signal is a no-op.
func (s *Store) MarkWorkflowSignalConsumed(ctx context.Context, sc scope.Scope, signalID string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(sc)
	filter["signal_id"] = signalID
	filter["status"] = bson.M{"$ne": string(workflow.SignalConsumed)}
	update := bson.M{"$set": bson.M{
		"status":      string(workflow.SignalConsumed),
		"consumed_at": at.UTC(),
	}}
	res, err := s.signals.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongodb consume signal %q: %w", signalID, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	delete(filter, "status")
	err = s.signals.FindOne(ctx, filter).Err()
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mongodb consume signal %q: %w", signalID, err)
	}
	return nil
}

// GetWorkflowRuntimeSnapshot implements store.Store.
func (s *Store) GetWorkflowRuntimeSnapshot(ctx context.Context, sc scope.Scope, workflowID string) (*workflow.RuntimeSnapshot, error) {
	doc, err := s.findSnapshot(ctx, sc, workflowID)
	if err != nil {
		return nil, err
	}
	var snap workflow.RuntimeSnapshot
	if err := json.Unmarshal(doc.Body, &snap); err != nil {
		return nil, fmt.Errorf("mongodb decode workflow snapshot %q: %w", workflowID, err)
	}
	return &snap, nil
}

// UpsertWorkflowRuntimeSnapshot implements store.Store. A version-zero
// snapshot inserts under the unique workflow index; any later version writes
// through a conditional update on the stored version. Either way a
// concurrent writer loses with ErrConflict and the caller's version is
// bumped only on success.
func (s *Store) UpsertWorkflowRuntimeSnapshot(ctx context.Context, snap *workflow.RuntimeSnapshot) error {
	if err := snap.Scope.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := s.clock()
	next := snap.Clone()
	next.Version = snap.Version + 1
	next.UpdatedAt = now
	body, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("mongodb encode workflow snapshot %q: %w", snap.WorkflowID, err)
	}
	if snap.Version == 0 {
		doc := snapshotDocument{
			TenantID:    snap.Scope.TenantID,
			WorkspaceID: snap.Scope.WorkspaceID,
			WorkflowID:  snap.WorkflowID,
			Version:     next.Version,
			Status:      string(next.Instance.Status),
			Body:        body,
			UpdatedAt:   now.UTC(),
		}
		if _, err := s.snapshots.InsertOne(ctx, doc); err != nil {
			if mongodriver.IsDuplicateKeyError(err) {
				return store.ErrConflict
			}
			return fmt.Errorf("mongodb insert workflow snapshot %q: %w", snap.WorkflowID, err)
		}
	} else {
		filter := scopeFilter(snap.Scope)
		filter["workflow_id"] = snap.WorkflowID
		filter["version"] = snap.Version
		update := bson.M{"$set": bson.M{
			"version":    next.Version,
			"status":     string(next.Instance.Status),
			"body":       body,
			"updated_at": now.UTC(),
		}}
		res, err := s.snapshots.UpdateOne(ctx, filter, update)
		if err != nil {
			return fmt.Errorf("mongodb update workflow snapshot %q: %w", snap.WorkflowID, err)
		}
		if res.MatchedCount == 0 {
			return store.ErrConflict
		}
	}
	snap.Version = next.Version
	snap.UpdatedAt = now
	return nil
}

func (s *Store) findSnapshot(ctx context.Context, sc scope.Scope, workflowID string) (snapshotDocument, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := scopeFilter(sc)
	filter["workflow_id"] = workflowID
	var doc snapshotDocument
	if err := s.snapshots.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return snapshotDocument{}, store.ErrNotFound
		}
		return snapshotDocument{}, fmt.Errorf("mongodb get workflow snapshot %q: %w", workflowID, err)
	}
	return doc, nil
}
