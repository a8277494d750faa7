// Command foreman-worker runs the workflow queue worker daemon.
//
// The worker claims queued workflow jobs under a lease, drives the planner
// loop for each claim, and reconciles the outcome with the run aggregate and
// the run event log. Multiple workers may poll the same store; the lease
// token fences stale writers, so adding processes scales throughput without
// coordination.
//
// # Configuration
//
// Environment variables (runtime/config documents the full list and the
// optional FOREMAN_CONFIG YAML file):
//
//	WORKER_BATCH_SIZE      - claim limit per poll cycle (default: 10)
//	WORKER_LEASE_MS        - job lease duration in ms (default: 30000)
//	WORKER_POLL_MS         - idle poll interval in ms (default: 1000)
//	WORKER_RUN_ONCE        - process a single batch and exit (default: false)
//	WORKER_TENANT_ID       - restrict claims to one tenant (with WORKER_WORKSPACE_ID)
//	WORKER_HEALTH_ADDR     - health endpoint listen address (default: ":8081", "off" disables)
//	STORE_BACKEND          - memory or mongo (default: memory)
//	MONGO_URI              - MongoDB connection string (mongo backend)
//	REDIS_ADDR             - enables the idempotency cache, the run event
//	                         mirror and cluster rate limit coordination
//	SLACK_BOT_TOKEN        - enables Slack waiting-question delivery
//	PLANNER_PROVIDER       - anthropic, openai or bedrock (required)
//	PLANNER_MODEL          - model identifier (provider default when empty)
//	ANTHROPIC_API_KEY      - anthropic provider credential
//	OPENAI_API_KEY         - openai provider credential
//
// The bedrock provider resolves region and credentials through the AWS SDK
// default chain; PLANNER_MODEL is required and names the Bedrock model or
// inference profile.
//
// # Example
//
// Single worker against a local MongoDB:
//
//	STORE_BACKEND=mongo MONGO_URI=mongodb://localhost:27017 \
//	PLANNER_PROVIDER=anthropic ANTHROPIC_API_KEY=sk-... ./foreman-worker
//
// Drain one batch and exit (cron-style operation):
//
//	WORKER_RUN_ONCE=true PLANNER_PROVIDER=anthropic ANTHROPIC_API_KEY=sk-... ./foreman-worker
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	clientsmongo "goa.design/foreman/clients/mongo"
	clientspulse "goa.design/foreman/clients/pulse"
	clientsredis "goa.design/foreman/clients/redis"
	cacheredis "goa.design/foreman/features/cache/redis"
	eventspulse "goa.design/foreman/features/events/pulse"
	"goa.design/foreman/features/notify/slack"
	"goa.design/foreman/features/planner/anthropic"
	"goa.design/foreman/features/planner/bedrock"
	"goa.design/foreman/features/planner/middleware"
	"goa.design/foreman/features/planner/openai"
	storemongo "goa.design/foreman/features/store/mongo"
	"goa.design/foreman/runtime/adapter"
	"goa.design/foreman/runtime/config"
	"goa.design/foreman/runtime/engine"
	"goa.design/foreman/runtime/planner"
	"goa.design/foreman/runtime/store"
	"goa.design/foreman/runtime/store/inmem"
	"goa.design/foreman/runtime/telemetry"
	"goa.design/foreman/runtime/tools"
	"goa.design/foreman/runtime/worker"
)

// Models used when PLANNER_MODEL is not set.
const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultOpenAIModel    = "gpt-4o"
)

func main() {
	dbgF := flag.Bool("debug", false, "Enable debug logs")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx); err != nil {
		log.Fatalf(ctx, err, "worker exited")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	// Persistence.
	var (
		st      store.Store
		pingers []health.Pinger
	)
	switch cfg.Store.Backend {
	case config.StoreMongo:
		mc, err := clientsmongo.Connect(ctx, clientsmongo.Options{
			URI:      cfg.Store.MongoURI,
			Database: cfg.Store.MongoDatabase,
		})
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Printf(ctx, "disconnect mongo: %v", err)
			}
		}()
		st, err = storemongo.New(ctx, storemongo.Options{Client: mc})
		if err != nil {
			return fmt.Errorf("create mongo store: %w", err)
		}
		pingers = append(pingers, mc)
	default:
		st = inmem.New()
		log.Printf(ctx, "using in-memory store, state is lost on exit")
	}

	// Redis unlocks the durable idempotency cache, the Pulse run event
	// mirror, and cross-process planner rate limit coordination.
	var (
		wrap   func(adapter.Adapter) adapter.Adapter
		limits *rmap.Map
	)
	if cfg.Redis.Addr != "" {
		rc, err := clientsredis.Connect(ctx, clientsredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer func() {
			if err := rc.Close(); err != nil {
				log.Printf(ctx, "close redis: %v", err)
			}
		}()
		pingers = append(pingers, rc)

		cache, err := cacheredis.New(cacheredis.Options{Redis: rc.Redis()})
		if err != nil {
			return fmt.Errorf("create idempotency cache: %w", err)
		}
		wrap = func(a adapter.Adapter) adapter.Adapter {
			return adapter.NewRetry(
				adapter.NewIdempotent(a, cache, adapter.IdempotencyOptions{}),
				adapter.RetryOptions{},
			)
		}

		pc, err := clientspulse.New(clientspulse.Options{Redis: rc.Redis()})
		if err != nil {
			return fmt.Errorf("create pulse client: %w", err)
		}
		st, err = eventspulse.NewMirror(eventspulse.Options{
			Store:  st,
			Client: pc,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("create event mirror: %w", err)
		}

		limits, err = rmap.Join(ctx, "foreman-planner-limits", rc.Redis())
		if err != nil {
			return fmt.Errorf("join rate limit map: %w", err)
		}
		defer limits.Close()
	}

	pl, err := buildPlanner(ctx, cfg)
	if err != nil {
		return err
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, limits, cfg.Planner.Provider, 0, 0)
	pl = limiter.Middleware()(pl)

	var notifier worker.Notifier
	if cfg.Slack.Token != "" {
		sn, err := slack.NewFromToken(cfg.Slack.Token, st)
		if err != nil {
			return fmt.Errorf("create slack notifier: %w", err)
		}
		notifier = sn
		if cfg.Slack.DefaultChannel != "" {
			if err := seedMessagingSettings(ctx, st, cfg); err != nil {
				return err
			}
		}
	}

	reg, err := builtinTools()
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Store:        st,
		Planner:      pl,
		Tools:        reg,
		WrapExecutor: wrap,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	w, err := worker.New(worker.Options{
		Store:          st,
		Execute:        worker.EngineExecute(eng, st),
		Notifier:       notifier,
		BatchSize:      cfg.BatchSize,
		Lease:          cfg.Lease,
		PollInterval:   cfg.PollInterval,
		ExecuteTimeout: cfg.ExecuteTimeout,
		Scope:          cfg.Scope,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	if cfg.RunOnce {
		stats, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Printf(ctx, "batch done: claimed %d completed %d failed %d",
			stats.Claimed, stats.Completed, stats.Failed)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if addr := envOr("WORKER_HEALTH_ADDR", ":8081"); addr != "off" {
		srv := serveHealth(ctx, addr, pingers)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Printf(ctx, "health server shutdown: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	select {
	case sig := <-stop:
		log.Printf(ctx, "exiting (%v)", sig)
		cancel()
		<-errc
		return nil
	case err := <-errc:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// buildPlanner constructs the configured planner provider.
func buildPlanner(ctx context.Context, cfg config.Config) (planner.Planner, error) {
	switch cfg.Planner.Provider {
	case config.PlannerAnthropic:
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for the anthropic planner")
		}
		model := cfg.Planner.Model
		if model == "" {
			model = defaultAnthropicModel
		}
		return anthropic.NewFromAPIKey(key, model)
	case config.PlannerOpenAI:
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, errors.New("OPENAI_API_KEY is required for the openai planner")
		}
		model := cfg.Planner.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		return openai.NewFromAPIKey(key, model)
	case config.PlannerBedrock:
		if cfg.Planner.Model == "" {
			return nil, errors.New("PLANNER_MODEL is required for the bedrock planner")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return bedrock.New(bedrockruntime.NewFromConfig(awsCfg), bedrock.Options{
			Model: cfg.Planner.Model,
		})
	default:
		return nil, errors.New("PLANNER_PROVIDER is required (anthropic, openai or bedrock)")
	}
}

// builtinTools returns the registry shipped with the daemon. Deployments that
// embed the worker register their own tools; the built-in set keeps the
// execution path exercisable out of the box.
func builtinTools() (*tools.Registry, error) {
	reg := tools.New()
	err := reg.Register(tools.Registration{
		Name:        "clock.now",
		Description: "Report the current UTC date and time.",
		Execute: func(_ context.Context, _ tools.Input) (any, error) {
			return map[string]any{"now": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("register built-in tools: %w", err)
	}
	reg.Freeze()
	return reg, nil
}

// seedMessagingSettings writes enabled Slack settings for the worker tenant
// when the store has none, so single-tenant deployments can configure
// delivery straight from the environment.
func seedMessagingSettings(ctx context.Context, st store.Store, cfg config.Config) error {
	if cfg.Scope.IsZero() {
		log.Printf(ctx, "SLACK_DEFAULT_CHANNEL ignored: WORKER_TENANT_ID and WORKER_WORKSPACE_ID are not set")
		return nil
	}
	if _, err := st.GetTenantMessagingSettings(ctx, cfg.Scope); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load messaging settings: %w", err)
	}
	return st.UpsertTenantMessagingSettings(ctx, store.TenantMessagingSettings{
		Scope:                cfg.Scope,
		Provider:             slack.Provider,
		DefaultChannelID:     cfg.Slack.DefaultChannel,
		NotificationsEnabled: true,
	})
}

// serveHealth mounts the readiness endpoint over the store and cache pingers.
func serveHealth(ctx context.Context, addr string, pingers []health.Pinger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf(ctx, "health endpoint on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf(ctx, "health server: %v", err)
		}
	}()
	return srv
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
