// Package config loads worker configuration. Values resolve in three layers:
// compiled defaults, then an optional YAML file named by FOREMAN_CONFIG, then
// environment variables.
//
// Environment variables:
//
//	WORKER_BATCH_SIZE          - claim limit per poll cycle (default: 10)
//	WORKER_LEASE_MS            - job lease duration in ms (default: 30000)
//	WORKER_POLL_MS             - idle poll interval in ms (default: 1000)
//	WORKER_EXECUTE_TIMEOUT_MS  - per-job execution timeout in ms (default: 120000)
//	WORKER_RUN_ONCE            - process a single batch and exit (default: false)
//	WORKER_TENANT_ID           - restrict claims to one tenant (optional)
//	WORKER_WORKSPACE_ID        - restrict claims to one workspace (optional)
//	STORE_BACKEND              - persistence backend, memory or mongo (default: memory)
//	MONGO_URI                  - MongoDB connection string (mongo backend)
//	MONGO_DATABASE             - MongoDB database name (default: foreman)
//	REDIS_ADDR                 - Redis address, enables the idempotency cache and event mirror (optional)
//	REDIS_PASSWORD             - Redis password (optional)
//	SLACK_BOT_TOKEN            - Slack bot token, enables waiting-question delivery (optional)
//	SLACK_DEFAULT_CHANNEL      - channel used to seed tenant messaging settings (optional)
//	PLANNER_PROVIDER           - planner backend: anthropic, openai or bedrock
//	PLANNER_MODEL              - model identifier override (optional)
//	FOREMAN_CONFIG             - path to a YAML config file (optional)
//
// WORKER_TENANT_ID and WORKER_WORKSPACE_ID must be set together or not at
// all. Planner API keys are not configuration: the worker binary reads
// ANTHROPIC_API_KEY and OPENAI_API_KEY directly, and the bedrock planner uses
// the AWS SDK default credential chain.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/worker"
)

// Config is the resolved worker configuration.
type Config struct {
	// BatchSize is the claim limit per poll cycle.
	BatchSize int
	// Lease is how long a claimed job stays fenced to its worker.
	Lease time.Duration
	// PollInterval is how long the worker sleeps between empty polls.
	PollInterval time.Duration
	// ExecuteTimeout bounds a single job execution.
	ExecuteTimeout time.Duration
	// RunOnce makes the worker process one batch and exit.
	RunOnce bool
	// Scope restricts claims to one tenant and workspace when set.
	Scope scope.Scope
	// Store selects and parameterizes the persistence backend.
	Store StoreConfig
	// Redis enables the Redis-backed idempotency cache and the Pulse event
	// mirror when Addr is set.
	Redis RedisConfig
	// Slack enables waiting-question delivery when Token is set.
	Slack SlackConfig
	// Planner selects the planner backend.
	Planner PlannerConfig
}

// Store backends.
const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
)

// Planner providers.
const (
	PlannerAnthropic = "anthropic"
	PlannerOpenAI    = "openai"
	PlannerBedrock   = "bedrock"
)

type (
	// StoreConfig names the persistence backend and its connection settings.
	StoreConfig struct {
		// Backend is StoreMemory or StoreMongo.
		Backend string
		// MongoURI is the MongoDB connection string, required for the
		// mongo backend.
		MongoURI string
		// MongoDatabase is the MongoDB database name.
		MongoDatabase string
	}

	// RedisConfig holds the Redis connection settings. An empty Addr
	// disables the Redis-backed features.
	RedisConfig struct {
		Addr     string
		Password string
	}

	// SlackConfig holds the Slack notifier settings. An empty Token
	// disables delivery.
	SlackConfig struct {
		Token string
		// DefaultChannel seeds the worker tenant's messaging settings
		// when the store has none.
		DefaultChannel string
	}

	// PlannerConfig selects the planner backend and model. An empty
	// Provider leaves planner construction to the caller.
	PlannerConfig struct {
		Provider string
		Model    string
	}
)

// fileConfig is the YAML schema. Pointer fields distinguish absent keys from
// zero values.
type fileConfig struct {
	Worker struct {
		BatchSize        *int    `yaml:"batchSize"`
		LeaseMS          *int    `yaml:"leaseMs"`
		PollMS           *int    `yaml:"pollMs"`
		ExecuteTimeoutMS *int    `yaml:"executeTimeoutMs"`
		RunOnce          *bool   `yaml:"runOnce"`
		TenantID         *string `yaml:"tenantId"`
		WorkspaceID      *string `yaml:"workspaceId"`
	} `yaml:"worker"`
	Store struct {
		Backend       *string `yaml:"backend"`
		MongoURI      *string `yaml:"mongoUri"`
		MongoDatabase *string `yaml:"mongoDatabase"`
	} `yaml:"store"`
	Redis struct {
		Addr     *string `yaml:"addr"`
		Password *string `yaml:"password"`
	} `yaml:"redis"`
	Slack struct {
		Token          *string `yaml:"token"`
		DefaultChannel *string `yaml:"defaultChannel"`
	} `yaml:"slack"`
	Planner struct {
		Provider *string `yaml:"provider"`
		Model    *string `yaml:"model"`
	} `yaml:"planner"`
}

// Default returns the compiled defaults.
func Default() Config {
	return Config{
		BatchSize:      worker.DefaultBatchSize,
		Lease:          worker.DefaultLease,
		PollInterval:   worker.DefaultPollInterval,
		ExecuteTimeout: worker.DefaultExecuteTimeout,
		Store: StoreConfig{
			Backend:       StoreMemory,
			MongoDatabase: "foreman",
		},
	}
}

// Load resolves the configuration from defaults, the optional YAML file, and
// the environment, then validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("FOREMAN_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first malformed setting.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch size %d must be at least 1", c.BatchSize)
	}
	if c.Lease <= 0 {
		return fmt.Errorf("config: lease %s must be positive", c.Lease)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll interval %s must be positive", c.PollInterval)
	}
	if c.ExecuteTimeout <= 0 {
		return fmt.Errorf("config: execute timeout %s must be positive", c.ExecuteTimeout)
	}
	if err := c.Scope.ValidateOptional(); err != nil {
		return errors.New("config: WORKER_TENANT_ID and WORKER_WORKSPACE_ID must be set together")
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreMongo:
		if c.Store.MongoURI == "" {
			return errors.New("config: MONGO_URI is required for the mongo store backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Planner.Provider {
	case "", PlannerAnthropic, PlannerOpenAI, PlannerBedrock:
	default:
		return fmt.Errorf("config: unknown planner provider %q", c.Planner.Provider)
	}
	return nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	w := f.Worker
	if w.BatchSize != nil {
		c.BatchSize = *w.BatchSize
	}
	if w.LeaseMS != nil {
		c.Lease = time.Duration(*w.LeaseMS) * time.Millisecond
	}
	if w.PollMS != nil {
		c.PollInterval = time.Duration(*w.PollMS) * time.Millisecond
	}
	if w.ExecuteTimeoutMS != nil {
		c.ExecuteTimeout = time.Duration(*w.ExecuteTimeoutMS) * time.Millisecond
	}
	if w.RunOnce != nil {
		c.RunOnce = *w.RunOnce
	}
	if w.TenantID != nil {
		c.Scope.TenantID = *w.TenantID
	}
	if w.WorkspaceID != nil {
		c.Scope.WorkspaceID = *w.WorkspaceID
	}
	if f.Store.Backend != nil {
		c.Store.Backend = *f.Store.Backend
	}
	if f.Store.MongoURI != nil {
		c.Store.MongoURI = *f.Store.MongoURI
	}
	if f.Store.MongoDatabase != nil {
		c.Store.MongoDatabase = *f.Store.MongoDatabase
	}
	if f.Redis.Addr != nil {
		c.Redis.Addr = *f.Redis.Addr
	}
	if f.Redis.Password != nil {
		c.Redis.Password = *f.Redis.Password
	}
	if f.Slack.Token != nil {
		c.Slack.Token = *f.Slack.Token
	}
	if f.Slack.DefaultChannel != nil {
		c.Slack.DefaultChannel = *f.Slack.DefaultChannel
	}
	if f.Planner.Provider != nil {
		c.Planner.Provider = *f.Planner.Provider
	}
	if f.Planner.Model != nil {
		c.Planner.Model = *f.Planner.Model
	}
	return nil
}

func (c *Config) applyEnv() error {
	if err := envInt("WORKER_BATCH_SIZE", &c.BatchSize); err != nil {
		return err
	}
	if err := envMillis("WORKER_LEASE_MS", &c.Lease); err != nil {
		return err
	}
	if err := envMillis("WORKER_POLL_MS", &c.PollInterval); err != nil {
		return err
	}
	if err := envMillis("WORKER_EXECUTE_TIMEOUT_MS", &c.ExecuteTimeout); err != nil {
		return err
	}
	if err := envBool("WORKER_RUN_ONCE", &c.RunOnce); err != nil {
		return err
	}
	envString("WORKER_TENANT_ID", &c.Scope.TenantID)
	envString("WORKER_WORKSPACE_ID", &c.Scope.WorkspaceID)
	envString("STORE_BACKEND", &c.Store.Backend)
	envString("MONGO_URI", &c.Store.MongoURI)
	envString("MONGO_DATABASE", &c.Store.MongoDatabase)
	envString("REDIS_ADDR", &c.Redis.Addr)
	envString("REDIS_PASSWORD", &c.Redis.Password)
	envString("SLACK_BOT_TOKEN", &c.Slack.Token)
	envString("SLACK_DEFAULT_CHANNEL", &c.Slack.DefaultChannel)
	envString("PLANNER_PROVIDER", &c.Planner.Provider)
	envString("PLANNER_MODEL", &c.Planner.Model)
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s %q is not an integer", key, v)
	}
	*dst = n
	return nil
}

func envMillis(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s %q is not an integer millisecond count", key, v)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s %q is not a boolean", key, v)
	}
	*dst = b
	return nil
}
