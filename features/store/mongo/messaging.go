package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
)

// UpsertWorkflowMessageThread implements store.Store. Threads are keyed by
// provider conversation, not by scope; re-upserting an existing conversation
// replaces the routing fields and preserves CreatedAt.
func (s *Store) UpsertWorkflowMessageThread(ctx context.Context, t store.MessageThread) error {
	if err := t.Scope.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := s.clock()
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	filter := bson.M{
		"provider":           t.Provider,
		"provider_team_id":   t.ProviderTeamID,
		"provider_thread_id": t.ProviderThreadID,
	}
	update := bson.M{
		"$set": bson.M{
			"tenant_id":    t.Scope.TenantID,
			"workspace_id": t.Scope.WorkspaceID,
			"workflow_id":  t.WorkflowID,
			"run_id":       t.RunID,
			"channel_id":   t.ChannelID,
			"message_id":   t.MessageID,
			"target":       t.Target,
			"updated_at":   now.UTC(),
		},
		"$setOnInsert": bson.M{
			"provider":           t.Provider,
			"provider_team_id":   t.ProviderTeamID,
			"provider_thread_id": t.ProviderThreadID,
			"created_at":         createdAt.UTC(),
		},
	}
	if _, err := s.threads.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongodb upsert message thread %q: %w", t.ProviderThreadID, err)
	}
	return nil
}

// GetWorkflowMessageThreadByProviderThread implements store.Store. The
// lookup is unscoped because provider callbacks carry no tenant; the
// returned thread's scope is the source of truth for everything downstream.
func (s *Store) GetWorkflowMessageThreadByProviderThread(ctx context.Context, provider, providerTeamID, providerThreadID string) (store.MessageThread, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"provider":           provider,
		"provider_team_id":   providerTeamID,
		"provider_thread_id": providerThreadID,
	}
	var doc threadDocument
	if err := s.threads.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.MessageThread{}, store.ErrNotFound
		}
		return store.MessageThread{}, fmt.Errorf("mongodb get message thread %q: %w", providerThreadID, err)
	}
	return fromThreadDocument(doc), nil
}

// RecordInboundMessageReceipt implements store.Store. The unique index on
// (provider, provider_team_id, event_id) turns a duplicate insert into
// ErrDuplicateReceipt.
func (s *Store) RecordInboundMessageReceipt(ctx context.Context, r store.InboundReceipt) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = s.clock()
	}
	doc := receiptDocument{
		TenantID:       r.Scope.TenantID,
		WorkspaceID:    r.Scope.WorkspaceID,
		Provider:       r.Provider,
		ProviderTeamID: r.ProviderTeamID,
		EventID:        r.EventID,
		WorkflowID:     r.WorkflowID,
		ReceivedAt:     r.ReceivedAt.UTC(),
	}
	if _, err := s.receipts.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrDuplicateReceipt
		}
		return fmt.Errorf("mongodb record receipt %q: %w", r.EventID, err)
	}
	return nil
}

// GetTenantMessagingSettings implements store.Store.
func (s *Store) GetTenantMessagingSettings(ctx context.Context, sc scope.Scope) (store.TenantMessagingSettings, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc settingsDocument
	if err := s.settings.FindOne(ctx, scopeFilter(sc)).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.TenantMessagingSettings{}, store.ErrNotFound
		}
		return store.TenantMessagingSettings{}, fmt.Errorf("mongodb get messaging settings: %w", err)
	}
	return fromSettingsDocument(doc), nil
}

// UpsertTenantMessagingSettings implements store.Store.
func (s *Store) UpsertTenantMessagingSettings(ctx context.Context, ts store.TenantMessagingSettings) error {
	if err := ts.Scope.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"provider":              ts.Provider,
			"provider_team_id":      ts.ProviderTeamID,
			"default_channel_id":    ts.DefaultChannelID,
			"notifications_enabled": ts.NotificationsEnabled,
			"updated_at":            s.clock().UTC(),
		},
		"$setOnInsert": bson.M{
			"tenant_id":    ts.Scope.TenantID,
			"workspace_id": ts.Scope.WorkspaceID,
		},
	}
	if _, err := s.settings.UpdateOne(ctx, scopeFilter(ts.Scope), update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongodb upsert messaging settings: %w", err)
	}
	return nil
}
