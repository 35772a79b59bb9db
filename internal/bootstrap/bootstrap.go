package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lyzr/meshflow/internal/cache"
	"github.com/lyzr/meshflow/internal/compiler"
	"github.com/lyzr/meshflow/internal/config"
	"github.com/lyzr/meshflow/internal/engine"
	"github.com/lyzr/meshflow/internal/keyminter"
	"github.com/lyzr/meshflow/internal/logger"
	"github.com/lyzr/meshflow/internal/quorum"
	"github.com/lyzr/meshflow/internal/reporter"
	"github.com/lyzr/meshflow/internal/router"
	"github.com/lyzr/meshflow/internal/serializer"
	"github.com/lyzr/meshflow/internal/store/memstore"
	"github.com/lyzr/meshflow/internal/store/nativestore"
	"github.com/lyzr/meshflow/internal/store/sqlstore"
	"github.com/lyzr/meshflow/internal/stream"
	"github.com/lyzr/meshflow/internal/sub"
	"github.com/lyzr/meshflow/internal/taskservice"
	"github.com/lyzr/meshflow/internal/telemetry"
)

// Setup initializes config, logging, the store backend, and the
// app-independent shared dependencies (stream, sub, cache, compiler).
// Call StartApp afterward for each app this process must serve,
// following the teacher's Setup-then-per-tenant-wiring split.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Components{
		Engines:      make(map[string]*engine.Engine),
		Routers:      make(map[string]*router.Router),
		Quorums:      make(map[string]*quorum.Quorum),
		TaskServices: make(map[string]*taskservice.TaskService),
		Reporters:    make(map[string]*reporter.Reporter),
	}

	if options.customConfig != nil {
		c.Config = options.customConfig
	} else {
		cfg, err := config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load config: %w", err)
		}
		c.Config = cfg
	}
	cfg := c.Config

	c.Logger = logger.New(logger.ParseLevel(cfg.Service.LogLevel), cfg.Service.LogFormat)
	c.Logger.Info("bootstrap: initializing service", "service", serviceName, "env", cfg.Service.Env)

	c.Minter = keyminter.New(cfg.Service.Namespace)
	c.Serializer = serializer.New()

	c.Telemetry = telemetry.New(cfg.Telemetry.PProfAddr, c.Logger)
	if cfg.Telemetry.Enabled {
		c.Telemetry.Start(ctx)
	}

	if !options.skipStore {
		if err := setupStore(ctx, c, cfg); err != nil {
			c.Shutdown(ctx)
			return nil, err
		}
	}

	if !options.skipCache {
		c.Cache = cache.New(cfg.Cache.TTL, c.Logger)
		c.addCleanup(func() error { c.Cache.Close(); return nil })
	}

	if c.Store != nil {
		c.Compiler = compiler.New(c.Store, c.Minter, c.Serializer, c.Logger, c.Streams)
	}

	c.Logger.Info("bootstrap: service initialization complete",
		"store_backend", cfg.Store.Backend, "skip_store", options.skipStore)
	return c, nil
}

// setupStore connects the Redis client (used for the Stream/Sub
// transport regardless of backend choice) and the selected Store
// backend, per spec §4.3's two-implementation contract.
func setupStore(ctx context.Context, c *Components, cfg *config.Config) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("bootstrap: connect redis: %w", err)
	}
	c.RedisClient = rdb
	c.addCleanup(func() error { return rdb.Close() })

	c.Streams = stream.New(rdb, c.Logger)
	c.Sub = sub.New(rdb, c.Logger)

	switch cfg.Store.Backend {
	case "redis":
		c.Store = nativestore.New(rdb, c.Minter, c.Logger)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
		if err != nil {
			return fmt.Errorf("bootstrap: connect postgres: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			return fmt.Errorf("bootstrap: ping postgres: %w", err)
		}
		c.PGPool = pool
		c.addCleanup(func() error { pool.Close(); return nil })
		c.Store = sqlstore.New(pool, c.Minter, c.Logger)
	case "memory":
		c.Store = memstore.New()
	default:
		return fmt.Errorf("bootstrap: unknown store backend %q", cfg.Store.Backend)
	}
	return nil
}

// App bundles one app's live runtime: engine, router, quorum member,
// task service, and reporter, per spec §2's per-(appId,namespace,guid)
// engine instance model.
type App struct {
	ID     string
	GUID   string
	Engine *engine.Engine
	Router *router.Router
	Quorum *quorum.Quorum
	Tasks  *taskservice.TaskService
	Report *reporter.Reporter
}

// StartApp wires one app's per-tenant runtime atop the shared
// Components, loads its deployed plan, and registers it for lookup by
// appID. Callers still need to launch App.Router.Run,
// App.Quorum.Subscribe, and App.Tasks.RunTimeHookScout as goroutines.
func (c *Components) StartApp(ctx context.Context, appID string) (*App, error) {
	if c.Store == nil {
		return nil, fmt.Errorf("bootstrap: StartApp requires a store (Setup was called WithoutStore)")
	}
	cfg := c.Config
	guid := uuid.NewString()

	eng := engine.New(appID, cfg.Service.Namespace, guid, c.Store, c.Minter, c.Serializer, c.Streams, c.Sub, c.Cache, c.Logger, cfg.Engine.DefaultExpireSec)
	if err := eng.LoadPlan(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: load plan for app %s: %w", appID, err)
	}

	rtr := router.New(c.Streams, c.Logger, router.Options{
		StreamKey:    c.Minter.StreamsKey(appID, ""),
		Group:        appID,
		Consumer:     guid,
		ReclaimDelay: cfg.Engine.ReclaimDelay,
		ReclaimCount: int64(cfg.Engine.ReclaimCount),
		ReadOnly:     cfg.Engine.ReadOnly,
	}, eng.ProcessStreamMessage)

	profile := func() quorum.QuorumProfile {
		return quorum.QuorumProfile{
			Stream:       c.Minter.StreamsKey(appID, ""),
			Counts:       rtr.Counts(),
			Timestamp:    time.Now().UnixMilli(),
			ThrottleMs:   rtr.ThrottleMs(""),
			ReclaimDelay: cfg.Engine.ReclaimDelay.Milliseconds(),
			ReclaimCount: cfg.Engine.ReclaimCount,
			Healthy:      true,
		}
	}
	q := quorum.New(appID, guid, c.Sub, c.Streams, c.Minter, c.Store, rtr, c.Logger, profile, cfg.Quorum.ActivationRetryMax)

	ts := taskservice.New(appID, c.Store, c.Minter, eng, c.Logger, cfg.Engine.FidelitySeconds, cfg.Quorum.ScoutIntervalSec)
	rep := reporter.New(appID, c.Store, c.Minter, c.Logger)

	app := &App{ID: appID, GUID: guid, Engine: eng, Router: rtr, Quorum: q, Tasks: ts, Report: rep}
	c.Engines[appID] = eng
	c.Routers[appID] = rtr
	c.Quorums[appID] = q
	c.TaskServices[appID] = ts
	c.Reporters[appID] = rep
	return app, nil
}
