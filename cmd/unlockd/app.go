package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/unlockkit/access"
	"github.com/PaulFidika/unlockkit/adapters/ginutil"
	"github.com/PaulFidika/unlockkit/config"
	"github.com/PaulFidika/unlockkit/core"
	"github.com/PaulFidika/unlockkit/metrics"
	stripeprovider "github.com/PaulFidika/unlockkit/provider/stripe"
	memorylimiter "github.com/PaulFidika/unlockkit/ratelimit/memory"
	redislimiter "github.com/PaulFidika/unlockkit/ratelimit/redis"
	memorystore "github.com/PaulFidika/unlockkit/storage/memory"
	pgstore "github.com/PaulFidika/unlockkit/storage/postgres"
	redisstore "github.com/PaulFidika/unlockkit/storage/redis"
	"github.com/PaulFidika/unlockkit/unlock"
)

// app holds the wired workflow and the handles that need closing.
type app struct {
	cfg      config.Config
	log      *logrus.Logger
	pool     *pgxpool.Pool
	rdb      *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Recorder
	workflow *unlock.Workflow
	viewers  unlock.ViewerSource
	limiter  ginutil.RateLimiter
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp connects to Postgres and Redis when configured. Without a database
// the stores fall back to process memory, which is only suitable for local
// development.
func newApp(ctx context.Context, cfg config.Config, log *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if cfg.StripeSecretKey == "" {
		return nil, errors.New("UNLOCKKIT_STRIPE_SECRET_KEY is required")
	}
	payments, err := stripeprovider.New(stripeprovider.Config{SecretKey: cfg.StripeSecretKey})
	if err != nil {
		return nil, err
	}

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	engine, err := access.NewEngine(engineCfg)
	if err != nil {
		return nil, fmt.Errorf("access engine: %w", err)
	}

	deps := unlock.Deps{
		Engine:   engine,
		Provider: payments,
		Events:   core.LogEventLogger{Log: log.WithField("component", "audit")},
		Metrics:  a.metrics,
		Logger:   log,
	}

	if cfg.DatabaseURL != "" {
		a.pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, a.pool.Close)
		if err := a.pool.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		store := pgstore.NewStore(a.pool, cfg.DatabaseSchema)
		deps.Opportunities = store
		deps.Entitlements = store
		deps.Subscriptions = store
		deps.Viewers = store
	} else {
		log.Warn("UNLOCKKIT_DATABASE_URL not set; using in-memory stores")
		subs := memorystore.NewSubscriptionStore(0)
		deps.Opportunities = memorystore.NewOpportunityStore()
		deps.Entitlements = memorystore.NewEntitlementStore()
		deps.Subscriptions = subs
		deps.Viewers = subs
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.rdb = redis.NewClient(opt)
		a.closers = append(a.closers, func() { _ = a.rdb.Close() })
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		deps.Intents = redisstore.NewIntentStore(a.rdb, "", 0)
		a.limiter = redislimiter.New(a.rdb, "", cfg.RateLimits())
	} else {
		log.Warn("UNLOCKKIT_REDIS_URL not set; intents and rate limits are per process")
		intents := memorystore.NewIntentStore(0)
		a.closers = append(a.closers, func() { _ = intents.Close() })
		deps.Intents = intents
		a.limiter = memorylimiter.New(cfg.RateLimits())
	}

	wfCfg, err := cfg.WorkflowConfig()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.workflow, err = unlock.New(wfCfg, deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.viewers = deps.Viewers
	return a, nil
}
