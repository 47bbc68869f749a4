// Package app assembles the prediction engine's components from
// configuration. Both the server and the operator CLI start from Build.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/prediction-engine/internal/broker"
	"github.com/atmx/prediction-engine/internal/config"
	"github.com/atmx/prediction-engine/internal/ledger"
	"github.com/atmx/prediction-engine/internal/lifecycle"
	"github.com/atmx/prediction-engine/internal/limits"
	"github.com/atmx/prediction-engine/internal/lock"
	"github.com/atmx/prediction-engine/internal/market"
	"github.com/atmx/prediction-engine/internal/orderstate"
	"github.com/atmx/prediction-engine/internal/pnl"
	"github.com/atmx/prediction-engine/internal/prediction"
	"github.com/atmx/prediction-engine/internal/price"
	"github.com/atmx/prediction-engine/internal/queue"
	"github.com/atmx/prediction-engine/internal/reconcile"
	"github.com/atmx/prediction-engine/internal/store"
)

// App holds the wired components.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       store.Store
	Ledger      *ledger.Ledger
	Calendar    *market.Calendar
	Prices      price.Source
	Gateway     *broker.PaperGateway
	Orders      orderstate.Cache
	Locker      lock.Locker
	Predictions *prediction.Service
	Pipeline    *reconcile.Pipeline
	Evaluator   *lifecycle.Evaluator
	Reporter    *pnl.Reporter

	cleanup []func()
}

// Build connects the configured backends and wires the services. Without a
// database URL predictions live in memory; without a Redis URL the caches,
// queues and locks are process-local.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	cal, err := market.NewCalendar(cfg.Market)
	if err != nil {
		return nil, err
	}
	a.Calendar = cal

	// --- Store ---
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("database migration failed: %w", err)
		}
		a.Store = pg
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("database.url not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	// --- Redis-backed or local infrastructure ---
	ttls := orderstate.TTLs{
		OrderMap:   cfg.Broker.OrderMapTTL,
		OrderState: cfg.Broker.OrderStateTTL,
		Processed:  cfg.Broker.ProcessedTTL,
	}
	var (
		events  queue.Queue
		flushes queue.DelayQueue
		quotes  price.QuoteCache
	)
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })

		prefix := cfg.Redis.KeyPrefix
		a.Store = store.NewCachedStore(a.Store, rdb, prefix, cfg.Redis.CacheTTL)
		a.Orders = orderstate.NewRedisCache(rdb, prefix, ttls)
		a.Locker = lock.NewRedisLocker(rdb, prefix)
		events = queue.NewRedisQueue(rdb, prefix+":events")
		flushes = queue.NewRedisDelayQueue(rdb, prefix+":flushes")
		quotes = price.NewRedisQuoteCache(rdb, prefix, cfg.Price.LastQuoteTTL)
		logger.Info("Redis enabled", "prefix", prefix)
	} else {
		a.Orders = orderstate.NewMemoryCache(ttls)
		a.Locker = lock.NewMemoryLocker()
		events = queue.NewMemoryQueue(0)
		flushes = queue.NewMemoryDelayQueue()
		quotes = price.NewMemoryQuoteCache()
	}

	// --- Prices ---
	var sources []price.Named
	for _, src := range []struct{ name, url string }{
		{"primary", cfg.Price.PrimaryURL},
		{"secondary", cfg.Price.SecondaryURL},
	} {
		if src.url == "" {
			continue
		}
		sources = append(sources, price.Named{
			Name:   src.name,
			Source: price.NewHTTPSource(src.name, src.url, cfg.Price.Timeout),
		})
	}
	if len(sources) == 0 {
		logger.Warn("no price source configured, quotes come from cache only")
	}
	a.Prices = price.NewFallback(sources, quotes, cfg.Price.Timeout, logger)

	// --- Services ---
	a.Ledger = ledger.New(a.Store, logger)
	a.Gateway = broker.NewPaperGateway(nil)

	limiter := limits.NewLimiter(cfg.Limits.MinInvestment, cfg.Limits.MaxInvestment,
		cfg.Limits.MaxPerSecurity, cfg.Limits.MaxTotal)
	a.Predictions = prediction.NewService(a.Store, a.Ledger, limiter, a.Prices, cal,
		a.Gateway, a.Orders, logger)

	a.Pipeline = reconcile.NewPipeline(events, flushes, a.Orders, a.Store, a.Ledger, a.Locker,
		reconcile.Config{
			FlushDelay:   cfg.Broker.FlushDelay,
			LockTTL:      cfg.Broker.DrainLockTTL,
			PollInterval: cfg.Broker.PollInterval,
		}, logger)
	a.Gateway.SetSink(a.Pipeline)

	a.Evaluator = lifecycle.NewEvaluator(a.Store, a.Ledger, a.Prices, cal, a.Locker, logger)
	a.Evaluator.SetExitPlacer(a.Predictions)

	a.Reporter = pnl.NewReporter(a.Store, a.Prices, cal, logger)
	return a, nil
}

// Scheduler returns the lifecycle scheduler at the configured interval.
func (a *App) Scheduler() *lifecycle.Scheduler {
	return lifecycle.NewScheduler(a.Evaluator, a.Config.Market.EvalInterval, a.Logger)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
