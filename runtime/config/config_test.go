package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/foreman/runtime/config"
	"goa.design/foreman/runtime/scope"
)

// clearWorkerEnv isolates each test from ambient worker variables.
func clearWorkerEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"WORKER_BATCH_SIZE", "WORKER_LEASE_MS", "WORKER_POLL_MS",
		"WORKER_EXECUTE_TIMEOUT_MS", "WORKER_RUN_ONCE",
		"WORKER_TENANT_ID", "WORKER_WORKSPACE_ID", "FOREMAN_CONFIG",
		"STORE_BACKEND", "MONGO_URI", "MONGO_DATABASE",
		"REDIS_ADDR", "REDIS_PASSWORD",
		"SLACK_BOT_TOKEN", "SLACK_DEFAULT_CHANNEL",
		"PLANNER_PROVIDER", "PLANNER_MODEL",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearWorkerEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 10, cfg.BatchSize)
	require.Equal(t, 30*time.Second, cfg.Lease)
	require.Equal(t, time.Second, cfg.PollInterval)
	require.Equal(t, 2*time.Minute, cfg.ExecuteTimeout)
	require.False(t, cfg.RunOnce)
	require.True(t, cfg.Scope.IsZero())
	require.Equal(t, config.StoreMemory, cfg.Store.Backend)
	require.Equal(t, "foreman", cfg.Store.MongoDatabase)
	require.Empty(t, cfg.Redis.Addr)
	require.Empty(t, cfg.Slack.Token)
	require.Empty(t, cfg.Planner.Provider)
}

func TestLoadConnectionSettingsFromEnvironment(t *testing.T) {
	clearWorkerEnv(t)
	t.Setenv("STORE_BACKEND", "mongo")
	t.Setenv("MONGO_URI", "mongodb://db:27017")
	t.Setenv("MONGO_DATABASE", "foreman_prod")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-123")
	t.Setenv("SLACK_DEFAULT_CHANNEL", "C042")
	t.Setenv("PLANNER_PROVIDER", "anthropic")
	t.Setenv("PLANNER_MODEL", "claude-sonnet-4-5")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, config.StoreMongo, cfg.Store.Backend)
	require.Equal(t, "mongodb://db:27017", cfg.Store.MongoURI)
	require.Equal(t, "foreman_prod", cfg.Store.MongoDatabase)
	require.Equal(t, "cache:6379", cfg.Redis.Addr)
	require.Equal(t, "hunter2", cfg.Redis.Password)
	require.Equal(t, "xoxb-123", cfg.Slack.Token)
	require.Equal(t, "C042", cfg.Slack.DefaultChannel)
	require.Equal(t, config.PlannerAnthropic, cfg.Planner.Provider)
	require.Equal(t, "claude-sonnet-4-5", cfg.Planner.Model)
}

func TestLoadFromEnvironment(t *testing.T) {
	clearWorkerEnv(t)
	t.Setenv("WORKER_BATCH_SIZE", "25")
	t.Setenv("WORKER_LEASE_MS", "45000")
	t.Setenv("WORKER_POLL_MS", "250")
	t.Setenv("WORKER_EXECUTE_TIMEOUT_MS", "60000")
	t.Setenv("WORKER_RUN_ONCE", "true")
	t.Setenv("WORKER_TENANT_ID", "tenant-1")
	t.Setenv("WORKER_WORKSPACE_ID", "ws-1")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 25, cfg.BatchSize)
	require.Equal(t, 45*time.Second, cfg.Lease)
	require.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	require.Equal(t, time.Minute, cfg.ExecuteTimeout)
	require.True(t, cfg.RunOnce)
	require.Equal(t, scope.Scope{TenantID: "tenant-1", WorkspaceID: "ws-1"}, cfg.Scope)
}

func TestLoadRejectsLoneScopeHalf(t *testing.T) {
	clearWorkerEnv(t)
	t.Setenv("WORKER_TENANT_ID", "tenant-1")

	_, err := config.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "must be set together")
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := []struct{ key, value string }{
		{"WORKER_BATCH_SIZE", "ten"},
		{"WORKER_LEASE_MS", "30s"},
		{"WORKER_RUN_ONCE", "sometimes"},
		{"WORKER_BATCH_SIZE", "0"},
		{"WORKER_POLL_MS", "-5"},
		{"STORE_BACKEND", "postgres"},
		{"STORE_BACKEND", "mongo"}, // no MONGO_URI
		{"PLANNER_PROVIDER", "gemini"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			clearWorkerEnv(t)
			t.Setenv(tc.key, tc.value)

			_, err := config.Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), "config:")
		})
	}
}

func TestLoadYAMLOverlayAndEnvPrecedence(t *testing.T) {
	clearWorkerEnv(t)

	path := filepath.Join(t.TempDir(), "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  batchSize: 3
  leaseMs: 15000
  runOnce: true
  tenantId: tenant-9
  workspaceId: ws-9
store:
  backend: mongo
  mongoUri: mongodb://file-db:27017
  mongoDatabase: foreman_file
redis:
  addr: file-cache:6379
slack:
  token: xoxb-file
  defaultChannel: C-file
planner:
  provider: openai
  model: gpt-5.2
`), 0o600))
	t.Setenv("FOREMAN_CONFIG", path)
	t.Setenv("WORKER_BATCH_SIZE", "7")
	t.Setenv("MONGO_URI", "mongodb://env-db:27017")

	cfg, err := config.Load()
	require.NoError(t, err)
	// The environment wins over the file; the file wins over defaults.
	require.Equal(t, 7, cfg.BatchSize)
	require.Equal(t, 15*time.Second, cfg.Lease)
	require.True(t, cfg.RunOnce)
	require.Equal(t, scope.Scope{TenantID: "tenant-9", WorkspaceID: "ws-9"}, cfg.Scope)
	require.Equal(t, time.Second, cfg.PollInterval)
	require.Equal(t, config.StoreMongo, cfg.Store.Backend)
	require.Equal(t, "mongodb://env-db:27017", cfg.Store.MongoURI)
	require.Equal(t, "foreman_file", cfg.Store.MongoDatabase)
	require.Equal(t, "file-cache:6379", cfg.Redis.Addr)
	require.Equal(t, "xoxb-file", cfg.Slack.Token)
	require.Equal(t, "C-file", cfg.Slack.DefaultChannel)
	require.Equal(t, config.PlannerOpenAI, cfg.Planner.Provider)
	require.Equal(t, "gpt-5.2", cfg.Planner.Model)
}

func TestLoadRejectsMissingConfigFile(t *testing.T) {
	clearWorkerEnv(t)
	t.Setenv("FOREMAN_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := config.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "read")
}
