package slack_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdk "github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	notify "goa.design/foreman/features/notify/slack"
	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/store/inmem"
	"goa.design/foreman/runtime/worker"
)

type post struct {
	channel string
	opts    []sdk.MsgOption
}

type fakeAPI struct {
	mu        sync.Mutex
	posts     []post
	postErr   error
	channel   string
	ts        string
	authResp  *sdk.AuthTestResponse
	authErr   error
	authCalls int
}

func (f *fakeAPI) PostMessageContext(_ context.Context, channelID string, options ...sdk.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", "", f.postErr
	}
	f.posts = append(f.posts, post{channel: channelID, opts: options})
	return f.channel, f.ts, nil
}

func (f *fakeAPI) AuthTestContext(context.Context) (*sdk.AuthTestResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.authResp, nil
}

// postedValues applies the captured message options the way the Slack client
// would and returns the resulting form values.
func postedValues(t *testing.T, p post) map[string]string {
	t.Helper()
	_, values, err := sdk.UnsafeApplyMsgOptions("xoxb-test", p.channel, "https://slack.com/api/", p.opts...)
	require.NoError(t, err)
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}

func testScope() scope.Scope {
	return scope.Scope{TenantID: "tenant-1", WorkspaceID: "ws-1"}
}

func seedSettings(t *testing.T, st store.Store, settings store.TenantMessagingSettings) {
	t.Helper()
	if settings.Scope == (scope.Scope{}) {
		settings.Scope = testScope()
	}
	settings.UpdatedAt = time.Now().UTC()
	require.NoError(t, st.UpsertTenantMessagingSettings(context.Background(), settings))
}

func TestNotifyPostsQuestionAndStartsThread(t *testing.T) {
	st := inmem.New()
	seedSettings(t, st, store.TenantMessagingSettings{
		Provider:             notify.Provider,
		ProviderTeamID:       "T123",
		DefaultChannelID:     "C456",
		NotificationsEnabled: true,
	})
	api := &fakeAPI{channel: "C456", ts: "1727861234.000100"}
	n, err := notify.New(notify.Options{Client: api, Store: st})
	require.NoError(t, err)

	delivery, err := n.Notify(context.Background(), worker.Notification{
		Scope:      testScope(),
		WorkflowID: "wf-1",
		RunID:      "run-1",
		Question:   "What region should I deploy to?",
	})
	require.NoError(t, err)
	require.NotNil(t, delivery)
	require.Equal(t, notify.Provider, delivery.Provider)
	require.Equal(t, "T123", delivery.ProviderTeamID)
	require.Equal(t, "C456", delivery.ChannelID)
	require.Equal(t, "1727861234.000100", delivery.MessageID)
	require.Equal(t, "1727861234.000100", delivery.ProviderThreadID)
	require.Equal(t, "slack:C456", delivery.Target)

	require.Len(t, api.posts, 1)
	require.Equal(t, "C456", api.posts[0].channel)
	values := postedValues(t, api.posts[0])
	require.Equal(t, "What region should I deploy to?", values["text"])
	require.Empty(t, values["thread_ts"])
	require.Zero(t, api.authCalls)
}

func TestNotifyContinuesExistingThread(t *testing.T) {
	st := inmem.New()
	seedSettings(t, st, store.TenantMessagingSettings{
		Provider:             notify.Provider,
		ProviderTeamID:       "T123",
		DefaultChannelID:     "C456",
		NotificationsEnabled: true,
	})
	api := &fakeAPI{channel: "C456", ts: "1727861300.000200"}
	n, err := notify.New(notify.Options{Client: api, Store: st})
	require.NoError(t, err)

	delivery, err := n.Notify(context.Background(), worker.Notification{
		Scope:      testScope(),
		WorkflowID: "wf-1",
		ThreadID:   "1727861234.000100",
		Question:   "Still waiting on the region.",
	})
	require.NoError(t, err)
	require.NotNil(t, delivery)
	require.Equal(t, "1727861234.000100", delivery.ProviderThreadID)
	require.Equal(t, "1727861300.000200", delivery.MessageID)

	values := postedValues(t, api.posts[0])
	require.Equal(t, "1727861234.000100", values["thread_ts"])
}

func TestNotifyResolvesTeamViaAuthTest(t *testing.T) {
	st := inmem.New()
	seedSettings(t, st, store.TenantMessagingSettings{
		Provider:             notify.Provider,
		DefaultChannelID:     "C456",
		NotificationsEnabled: true,
	})
	api := &fakeAPI{channel: "C456", ts: "1.2", authResp: &sdk.AuthTestResponse{TeamID: "T777"}}
	n, err := notify.New(notify.Options{Client: api, Store: st})
	require.NoError(t, err)

	for range 2 {
		delivery, err := n.Notify(context.Background(), worker.Notification{
			Scope: testScope(), WorkflowID: "wf-1", Question: "ping",
		})
		require.NoError(t, err)
		require.Equal(t, "T777", delivery.ProviderTeamID)
	}
	require.Equal(t, 1, api.authCalls)
}

func TestNotifyDisabledTenantIsSkipped(t *testing.T) {
	st := inmem.New()
	seedSettings(t, st, store.TenantMessagingSettings{
		Provider:             notify.Provider,
		ProviderTeamID:       "T123",
		DefaultChannelID:     "C456",
		NotificationsEnabled: false,
	})
	api := &fakeAPI{channel: "C456", ts: "1.2"}
	n, err := notify.New(notify.Options{Client: api, Store: st})
	require.NoError(t, err)

	delivery, err := n.Notify(context.Background(), worker.Notification{
		Scope: testScope(), WorkflowID: "wf-1", Question: "ping",
	})
	require.NoError(t, err)
	require.Nil(t, delivery)
	require.Empty(t, api.posts)
}

func TestNotifyMisconfiguredTenantFails(t *testing.T) {
	cases := []struct {
		name     string
		settings *store.TenantMessagingSettings
		wantErr  string
	}{
		{
			name:    "no settings",
			wantErr: "not configured",
		},
		{
			name: "wrong provider",
			settings: &store.TenantMessagingSettings{
				Provider:             "teams",
				DefaultChannelID:     "C456",
				NotificationsEnabled: true,
			},
			wantErr: `provider is "teams"`,
		},
		{
			name: "no channel",
			settings: &store.TenantMessagingSettings{
				Provider:             notify.Provider,
				NotificationsEnabled: true,
			},
			wantErr: "no default channel",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := inmem.New()
			if tc.settings != nil {
				seedSettings(t, st, *tc.settings)
			}
			api := &fakeAPI{channel: "C456", ts: "1.2"}
			n, err := notify.New(notify.Options{Client: api, Store: st})
			require.NoError(t, err)

			delivery, err := n.Notify(context.Background(), worker.Notification{
				Scope: testScope(), WorkflowID: "wf-1", Question: "ping",
			})
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
			require.Nil(t, delivery)
			require.Empty(t, api.posts)
		})
	}
}

func TestNotifyPostFailureSurfaces(t *testing.T) {
	st := inmem.New()
	seedSettings(t, st, store.TenantMessagingSettings{
		Provider:             notify.Provider,
		ProviderTeamID:       "T123",
		DefaultChannelID:     "C456",
		NotificationsEnabled: true,
	})
	api := &fakeAPI{postErr: errors.New("channel_not_found")}
	n, err := notify.New(notify.Options{Client: api, Store: st})
	require.NoError(t, err)

	delivery, err := n.Notify(context.Background(), worker.Notification{
		Scope: testScope(), WorkflowID: "wf-1", Question: "ping",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "channel_not_found")
	require.Nil(t, delivery)
}
