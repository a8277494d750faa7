// Package pulse mirrors appended run events onto per-run Pulse streams so
// live dashboards can follow a run without polling the store. The mirror
// decorates the persistence port: the durable write always lands first, and
// a publish failure is logged rather than surfaced, so stream trouble never
// costs an event its place in the run log.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientspulse "goa.design/foreman/clients/pulse"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/telemetry"
)

type (
	// Options configures NewMirror. Store and Client are required.
	Options struct {
		// Store is the decorated persistence port.
		Store store.Store
		// Client publishes the mirrored events.
		Client clientspulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// DefaultStreamID.
		StreamID func(ev store.RunEvent) string
		// Logger receives publish failures. Defaults to noop.
		Logger telemetry.Logger
		// Clock reads the current time. Defaults to scope.UTCNow.
		Clock scope.Clock
	}

	// Mirror is a store.Store that additionally publishes every appended
	// run event to its run's Pulse stream.
	Mirror struct {
		store.Store

		client   clientspulse.Client
		streamID func(ev store.RunEvent) string
		logger   telemetry.Logger
		clock    scope.Clock
	}

	// Envelope is the JSON wire form of a mirrored run event.
	Envelope struct {
		// Type is the event kind, also used as the stream entry name.
		Type string `json:"type"`
		// TenantID and WorkspaceID carry the owning scope.
		TenantID    string `json:"tenant_id"`
		WorkspaceID string `json:"workspace_id"`
		// RunID links the event to its run.
		RunID string `json:"run_id"`
		// Timestamp is when the event was recorded (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Level and Message mirror the run-event log fields.
		Level   string `json:"level,omitempty"`
		Message string `json:"message,omitempty"`
		// Payload carries the event-specific attributes, if any.
		Payload map[string]any `json:"payload,omitempty"`
		// CorrelationID and CausationID carry the event's provenance.
		CorrelationID string `json:"correlation_id,omitempty"`
		CausationID   string `json:"causation_id,omitempty"`
	}
)

// DefaultStreamID derives the stream name from the event's run.
func DefaultStreamID(ev store.RunEvent) string {
	return "run/" + ev.RunID
}

var _ store.Store = (*Mirror)(nil)

// NewMirror decorates st so every appended run event is also published to
// its run's Pulse stream.
func NewMirror(opts Options) (*Mirror, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.StreamID == nil {
		opts.StreamID = DefaultStreamID
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = scope.UTCNow
	}
	return &Mirror{
		Store:    opts.Store,
		client:   opts.Client,
		streamID: opts.StreamID,
		logger:   opts.Logger,
		clock:    opts.Clock,
	}, nil
}

// AppendRunEvent implements store.Store. The durable write goes first;
// events without a run are persisted but not mirrored, since they have no
// stream to land on.
func (m *Mirror) AppendRunEvent(ctx context.Context, ev store.RunEvent) error {
	if err := m.Store.AppendRunEvent(ctx, ev); err != nil {
		return err
	}
	if ev.RunID == "" {
		return nil
	}
	m.publish(ctx, ev)
	return nil
}

func (m *Mirror) publish(ctx context.Context, ev store.RunEvent) {
	name := m.streamID(ev)
	handle, err := m.client.Stream(name)
	if err != nil {
		m.logger.Error(ctx, "run event mirror failed",
			"run_id", ev.RunID, "stream", name, "err", err)
		return
	}
	ts := ev.TS
	if ts.IsZero() {
		ts = m.clock()
	}
	env := Envelope{
		Type:          string(ev.Type),
		TenantID:      ev.Scope.TenantID,
		WorkspaceID:   ev.Scope.WorkspaceID,
		RunID:         ev.RunID,
		Timestamp:     ts.UTC(),
		Level:         ev.Level,
		Message:       ev.Message,
		Payload:       ev.Payload,
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.CausationID,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		m.logger.Error(ctx, "run event mirror failed",
			"run_id", ev.RunID, "stream", name, "err", err)
		return
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		m.logger.Error(ctx, "run event mirror failed",
			"run_id", ev.RunID, "stream", name, "err", err)
	}
}
