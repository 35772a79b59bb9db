// Package bootstrap is the composition root: it wires config, logger,
// store, keyminter, serializer, stream, sub, cache, compiler, engine,
// router, quorum, and taskservice into one Components value, mirroring
// the teacher's common/bootstrap package's Setup/Components/Option
// shape one-for-one but swapped onto meshflow's own dependency graph.
package bootstrap

import (
	"context"
	"fmt"

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
	"github.com/lyzr/meshflow/internal/store"
	"github.com/lyzr/meshflow/internal/stream"
	"github.com/lyzr/meshflow/internal/sub"
	"github.com/lyzr/meshflow/internal/taskservice"
	"github.com/lyzr/meshflow/internal/telemetry"
)

// Components holds every initialized dependency a meshflow process
// needs, analogous to the teacher's bootstrap.Components.
type Components struct {
	Config *config.Config
	Logger *logger.Logger

	RedisClient *redis.Client
	PGPool      *pgxpool.Pool

	Store      store.Store
	Minter     *keyminter.Minter
	Serializer *serializer.Serializer
	Streams    *stream.Stream
	Sub        *sub.Sub
	Cache      *cache.Cache
	Compiler   *compiler.Compiler
	Telemetry  *telemetry.Telemetry

	// Per-app runtime, populated by StartApp once an app id is known.
	Engines      map[string]*engine.Engine
	Routers      map[string]*router.Router
	Quorums      map[string]*quorum.Quorum
	TaskServices map[string]*taskservice.TaskService
	Reporters    map[string]*reporter.Reporter

	cleanupFuncs []func() error
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}

// Shutdown runs every registered cleanup function in LIFO order.
func (c *Components) Shutdown(_ context.Context) error {
	c.Logger.Info("bootstrap: shutting down components")
	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("bootstrap: cleanup error", "err", err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("bootstrap: shutdown errors: %v", errs)
	}
	c.Logger.Info("bootstrap: shutdown complete")
	return nil
}

// Health reports whether the process's backing stores are reachable.
func (c *Components) Health(ctx context.Context) error {
	if c.RedisClient != nil {
		if err := c.RedisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("bootstrap: redis unhealthy: %w", err)
		}
	}
	if c.PGPool != nil {
		if err := c.PGPool.Ping(ctx); err != nil {
			return fmt.Errorf("bootstrap: postgres unhealthy: %w", err)
		}
	}
	return nil
}
