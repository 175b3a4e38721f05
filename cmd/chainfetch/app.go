package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/chainfetch/pkg/cache"
	"github.com/Sternrassler/chainfetch/pkg/client"
	"github.com/Sternrassler/chainfetch/pkg/config"
	"github.com/Sternrassler/chainfetch/pkg/correlate"
	"github.com/Sternrassler/chainfetch/pkg/engine"
	"github.com/Sternrassler/chainfetch/pkg/logging"
	"github.com/Sternrassler/chainfetch/pkg/observability"
	"github.com/Sternrassler/chainfetch/pkg/ratelimit"
	"github.com/Sternrassler/chainfetch/pkg/source"
	"github.com/Sternrassler/chainfetch/pkg/source/httpsource"
	"github.com/Sternrassler/chainfetch/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds the wired components of one process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	db       *store.DB
	redis    *redis.Client
	cache    *cache.Manager
	notifier *correlate.RedisNotifier
	local    *correlate.LocalNotifier
	engine   *engine.Engine[uint64]

	shutdownTracer observability.ShutdownFunc
}

// newRegistry returns the source kinds this binary knows.
func newRegistry() (*source.Registry[uint64], error) {
	r := source.NewRegistry[uint64]()
	if err := httpsource.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return rc, nil
}

// newApp wires every component from cfg. The engine is built but not
// started.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logging.NewLogger("chainfetch")}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.shutdownTracer, err = observability.InitTracer(cfg.Tracing, logging.NewLogger("observability"))
	if err != nil {
		return nil, err
	}

	a.db, err = store.Open(cfg.Store, logging.NewLogger("store"))
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled() {
		a.redis, err = connectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	pool, err := client.NewPool(cfg.Source.Endpoints)
	if err != nil {
		return nil, err
	}
	clientCfg := client.DefaultConfig(cfg.Source.Name, pool)
	if len(cfg.Source.HistoricEndpoints) > 0 {
		clientCfg.HistoricPool, err = client.NewPool(cfg.Source.HistoricEndpoints)
		if err != nil {
			return nil, err
		}
	}
	limiter, err := ratelimit.FromPolicies(cfg.Source.RateLimits)
	if err != nil {
		return nil, err
	}
	clientCfg.Limiter = ratelimit.NewClient(limiter, ratelimit.DefaultClientConfig(cfg.Source.Name), logging.NewLogger("ratelimit"))
	clientCfg.UserAgent = cfg.Source.UserAgent
	clientCfg.RequestTimeout = cfg.Source.RequestTimeout
	clientCfg.Retry = cfg.Source.Retry

	var tracker *ratelimit.ThrottleTracker
	if a.redis != nil {
		tracker = ratelimit.NewThrottleTracker(a.redis, logging.NewLogger("throttle"))
		clientCfg.Throttle = tracker
	}

	c, err := client.New(clientCfg)
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry()
	if err != nil {
		return nil, err
	}
	src, err := registry.Build(cfg.Source.Config, c)
	if err != nil {
		return nil, err
	}

	entities := store.NewEntities(a.db)
	correlator := correlate.New(a.db, entities, src, cfg.Correlate, logging.NewLogger("correlate"))

	a.local = correlate.NewLocalNotifier()
	notifiers := correlate.Notifiers{a.local}
	if a.redis != nil {
		a.notifier = correlate.NewRedisNotifier(a.redis, cfg.Redis.Channel, logging.NewLogger("notifier"))
		notifiers = append(notifiers, a.notifier)

		cacheCfg := cfg.Cache
		cacheCfg.Origin = a.notifier.Origin()
		a.cache = cache.NewManager(a.redis, cacheCfg)
		correlator.SetResponseStore(a.cache)
	}
	correlator.SetNotifier(notifiers)

	opts := engine.Options{
		ShardCount: cfg.Shard.Count,
		ShardIndex: cfg.Shard.Index,
		Fetcher:    cfg.Fetcher,
		Batch:      cfg.Batch,

		StopTimeout: cfg.StopTimeout,
	}
	if tracker != nil {
		opts.Throttle = tracker
	}
	a.engine, err = engine.New[uint64](src, a.db, entities, correlator, opts, logging.NewLogger("engine"))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close stops the engine and releases every resource.
func (a *app) Close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.shutdownTracer != nil {
		errs = append(errs, a.shutdownTracer(context.Background()))
	}
	return errors.Join(errs...)
}
