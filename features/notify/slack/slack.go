// Package slack implements worker.Notifier on top of the Slack Web API. It
// posts waiting questions into the tenant's configured channel (threading
// follow-ups under the originating message) and returns the provider
// coordinates the signal ingest path uses to route replies back to the
// waiting workflow.
package slack

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sdk "github.com/slack-go/slack"

	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/telemetry"
	"goa.design/foreman/runtime/worker"
)

// Provider is the provider name recorded on deliveries and message threads.
const Provider = "slack"

type (
	// API captures the subset of the Slack Web API client the notifier uses.
	// It is satisfied by *slack.Client so callers can pass either a real
	// client or a fake in tests.
	API interface {
		PostMessageContext(ctx context.Context, channelID string, options ...sdk.MsgOption) (string, string, error)
		AuthTestContext(ctx context.Context) (*sdk.AuthTestResponse, error)
	}

	// Options configures New. Client and Store are required.
	Options struct {
		// Client is the Slack Web API client used to post messages.
		Client API

		// Store resolves per-tenant messaging settings.
		Store store.Store

		// Logger receives delivery diagnostics. Defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Notifier posts waiting questions to Slack. Delivery is gated on the
	// tenant's messaging settings: a tenant with notifications disabled is
	// skipped without error, while a tenant with no settings at all is a
	// configuration fault surfaced to the caller.
	Notifier struct {
		api    API
		store  store.Store
		logger telemetry.Logger

		mu     sync.Mutex
		teamID string
	}
)

// New builds a Slack notifier from the provided Web API client and options.
func New(opts Options) (*Notifier, error) {
	if opts.Client == nil {
		return nil, errors.New("slack client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Notifier{
		api:    opts.Client,
		store:  opts.Store,
		logger: opts.Logger,
	}, nil
}

// NewFromToken constructs a notifier using the default Slack HTTP client
// authenticated with the given bot token.
func NewFromToken(token string, st store.Store) (*Notifier, error) {
	if token == "" {
		return nil, errors.New("bot token is required")
	}
	return New(Options{Client: sdk.New(token), Store: st})
}

// Notify posts the waiting question to the tenant's default channel. When the
// notification names a thread, the question is posted as a reply inside it;
// otherwise the posted message starts a new thread and its timestamp becomes
// the thread replies arrive on. Tenants with notifications disabled return
// (nil, nil): the run stays waiting and can still be resumed through the
// signal API.
func (n *Notifier) Notify(ctx context.Context, q worker.Notification) (*worker.Delivery, error) {
	settings, err := n.store.GetTenantMessagingSettings(ctx, q.Scope)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("slack: messaging settings not configured for %s", q.Scope)
	}
	if err != nil {
		return nil, fmt.Errorf("slack: load messaging settings: %w", err)
	}
	if settings.Provider != Provider {
		return nil, fmt.Errorf("slack: tenant messaging provider is %q", settings.Provider)
	}
	if !settings.NotificationsEnabled {
		n.logger.Info(ctx, "waiting question suppressed",
			"workflow_id", q.WorkflowID, "reason", "notifications disabled")
		return nil, nil
	}
	if settings.DefaultChannelID == "" {
		return nil, errors.New("slack: tenant messaging settings have no default channel")
	}

	teamID, err := n.team(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("slack: resolve team: %w", err)
	}

	msgOpts := []sdk.MsgOption{sdk.MsgOptionText(q.Question, false)}
	if q.ThreadID != "" {
		msgOpts = append(msgOpts, sdk.MsgOptionTS(q.ThreadID))
	}
	channel, ts, err := n.api.PostMessageContext(ctx, settings.DefaultChannelID, msgOpts...)
	if err != nil {
		return nil, fmt.Errorf("slack: post message: %w", err)
	}

	threadTS := q.ThreadID
	if threadTS == "" {
		threadTS = ts
	}
	n.logger.Debug(ctx, "waiting question posted",
		"workflow_id", q.WorkflowID, "channel", channel, "thread_ts", threadTS)
	return &worker.Delivery{
		Provider:         Provider,
		ProviderTeamID:   teamID,
		ChannelID:        channel,
		MessageID:        ts,
		ProviderThreadID: threadTS,
		Target:           Provider + ":" + channel,
	}, nil
}

// team returns the provider team ID from the tenant settings, falling back to
// a cached auth.test call when the settings leave it blank.
func (n *Notifier) team(ctx context.Context, settings store.TenantMessagingSettings) (string, error) {
	if settings.ProviderTeamID != "" {
		return settings.ProviderTeamID, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.teamID != "" {
		return n.teamID, nil
	}
	resp, err := n.api.AuthTestContext(ctx)
	if err != nil {
		return "", err
	}
	n.teamID = resp.TeamID
	return n.teamID, nil
}
