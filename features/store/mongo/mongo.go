// Package mongo provides the MongoDB implementation of the persistence port.
//
// Every aggregate maps to its own collection; unique indexes enforce the
// keys the data model relies on (one snapshot per workflow, one receipt per
// provider event, one thread per provider conversation). Workflow snapshots
// are stored as their canonical JSON rendering next to an indexed envelope
// whose version field carries the optimistic concurrency check. Queue claims
// use FindOneAndUpdate so no two workers ever lease the same job, and acks
// are conditional updates keyed on the lease token.
//
// WithTransaction uses driver sessions, which require the server to run as a
// replica set. Deployments on a standalone mongod must front it with a
// single-member replica set.
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

	clientsmongo "goa.design/foreman/clients/mongo"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
)

type (
	// Options configures New.
	Options struct {
		// Client is the connected shared Mongo client.
		Client *clientsmongo.Client
		// Timeout bounds each store operation. Defaults to defaultTimeout
		// when zero.
		Timeout time.Duration
		// Clock supplies timestamps; defaults to scope.UTCNow.
		Clock scope.Clock
	}

	// Store implements store.Store on MongoDB collections.
	Store struct {
		client  *clientsmongo.Client
		timeout time.Duration
		clock   scope.Clock

		agents    *mongodriver.Collection
		runs      *mongodriver.Collection
		runEvents *mongodriver.Collection
		jobs      *mongodriver.Collection
		threads   *mongodriver.Collection
		receipts  *mongodriver.Collection
		signals   *mongodriver.Collection
		snapshots *mongodriver.Collection
		settings  *mongodriver.Collection
		auditLog  *mongodriver.Collection
	}
)

// Collection names.
const (
	collAgents    = "agents"
	collRuns      = "runs"
	collRunEvents = "run_events"
	collJobs      = "workflow_jobs"
	collThreads   = "message_threads"
	collReceipts  = "inbound_receipts"
	collSignals   = "workflow_signals"
	collSnapshots = "workflow_snapshots"
	collSettings  = "messaging_settings"
	collAudit     = "audit_records"
)

const defaultTimeout = 5 * time.Second

var _ store.Store = (*Store)(nil)

// New returns a Store backed by the client's database and creates the
// indexes the operations depend on.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = scope.UTCNow
	}
	s := &Store{
		client:    opts.Client,
		timeout:   timeout,
		clock:     clock,
		agents:    opts.Client.Collection(collAgents),
		runs:      opts.Client.Collection(collRuns),
		runEvents: opts.Client.Collection(collRunEvents),
		jobs:      opts.Client.Collection(collJobs),
		threads:   opts.Client.Collection(collThreads),
		receipts:  opts.Client.Collection(collReceipts),
		signals:   opts.Client.Collection(collSignals),
		snapshots: opts.Client.Collection(collSnapshots),
		settings:  opts.Client.Collection(collSettings),
		auditLog:  opts.Client.Collection(collAudit),
	}
	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(idxCtx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	for _, ix := range []struct {
		coll  *mongodriver.Collection
		model mongodriver.IndexModel
	}{
		{s.agents, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "workspace_id", Value: 1}, {Key: "agent_id", Value: 1}},
			Options: unique,
		}},
		{s.runs, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "workspace_id", Value: 1}, {Key: "run_id", Value: 1}},
			Options: unique,
		}},
		{s.runs, mongodriver.IndexModel{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "workspace_id", Value: 1}, {Key: "created_at", Value: -1}},
		}},
		{s.runEvents, mongodriver.IndexModel{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "workspace_id", Value: 1}, {Key: "run_id", Value: 1}, {Key: "ts", Value: 1}, {Key: "event_id", Value: 1}},
		}},
		{s.jobs, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "job_id", Value: 1}},
			Options: unique,
		}},
		{s.jobs, mongodriver.IndexModel{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "available_at", Value: 1}},
		}},
		{s.jobs, mongodriver.IndexModel{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "workspace_id", Value: 1}, {Key: "created_at", Value: -1}},
		}},
		{s.threads, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "provider_team_id", Value: 1}, {Key: "provider_thread_id", Value: 1}},
			Options: unique,
		}},
		{s.receipts, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "provider_team_id", Value: 1}, {Key: "event_id", Value: 1}},
			Options: unique,
		}},
		{s.signals, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "workspace_id", Value: 1}, {Key: "signal_id", Value: 1}},
			Options: unique,
		}},
		{s.signals, mongodriver.IndexModel{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "workspace_id", Value: 1}, {Key: "workflow_id", Value: 1}, {Key: "status", Value: 1}},
		}},
		{s.snapshots, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "workspace_id", Value: 1}, {Key: "workflow_id", Value: 1}},
			Options: unique,
		}},
		{s.settings, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "workspace_id", Value: 1}},
			Options: unique,
		}},
		{s.auditLog, mongodriver.IndexModel{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "workspace_id", Value: 1}, {Key: "workflow_id", Value: 1}, {Key: "created_at", Value: 1}},
		}},
	} {
		if _, err := ix.coll.Indexes().CreateOne(ctx, ix.model); err != nil {
			return fmt.Errorf("mongodb create index on %s: %w", ix.coll.Name(), err)
		}
	}
	return nil
}

// WithTransaction implements store.Store. A nested call joins the session
// already bound to ctx instead of opening a new transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongodriver.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongodb start session: %w", err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongodriver.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

// Read implements store.Store. The workflow kind returns the stored snapshot
// body untouched; the remaining kinds marshal the aggregate.
func (s *Store) Read(ctx context.Context, sc scope.Scope, kind store.Kind, id string) (json.RawMessage, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	switch kind {
	case store.KindAgent:
		a, err := s.GetAgent(ctx, sc, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(a)
	case store.KindRun:
		r, err := s.GetRun(ctx, sc, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(r)
	case store.KindJob:
		j, err := s.GetWorkflowJob(ctx, sc, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(j)
	case store.KindWorkflow:
		doc, err := s.findSnapshot(ctx, sc, id)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(doc.Body), nil
	default:
		return nil, store.ErrUnsupportedKind
	}
}

// withTimeout derives the per-operation deadline. Values bound to ctx, the
// transaction session included, propagate through the derived context.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func scopeFilter(sc scope.Scope) bson.M {
	return bson.M{"tenant_id": sc.TenantID, "workspace_id": sc.WorkspaceID}
}
