package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadflow/internal/cache"
	"github.com/sells-group/leadflow/internal/cost"
	"github.com/sells-group/leadflow/internal/enrich"
	"github.com/sells-group/leadflow/internal/payment"
	"github.com/sells-group/leadflow/internal/provider"
	"github.com/sells-group/leadflow/internal/queue"
	"github.com/sells-group/leadflow/internal/ratelimit"
	"github.com/sells-group/leadflow/internal/search"
	"github.com/sells-group/leadflow/internal/store"
	"github.com/sells-group/leadflow/pkg/apollo"
	"github.com/sells-group/leadflow/pkg/firecrawl"
	"github.com/sells-group/leadflow/pkg/stripe"
)

// serviceEnv holds the initialized store, clients, and services shared by
// the serve/worker/reconcile commands.
type serviceEnv struct {
	Store        store.Store
	Cache        cache.Store
	Limiter      *ratelimit.Limiter
	Ledger       *cost.Ledger
	Queue        *queue.Memory
	Gateway      stripe.Client
	Orchestrator *search.Orchestrator
	Processor    *payment.Processor
	Worker       *enrich.Worker
	Reconciler   *payment.Reconciler

	searchCaller *provider.Caller
	enrichCaller *provider.Caller
}

// Close releases resources held by the environment.
func (e *serviceEnv) Close() {
	if e.Queue != nil {
		e.Queue.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for the given mode and wires every service.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*serviceEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	limiter := ratelimit.New(cfg.RateLimit)
	ledger := cost.NewLedger(cfg.Pricing, cfg.Budgets)
	q := queue.NewMemory(cfg.Queue.Capacity, cfg.Queue.MaxAttempts)
	gateway := stripe.NewClient(cfg.Stripe.Key)

	searchCaller := provider.NewCaller("firecrawl", provider.Config{
		CallTimeout: time.Duration(cfg.Firecrawl.TimeoutSecs) * time.Second,
		PaceLimit:   rate.Limit(cfg.Firecrawl.PaceRPS),
		PaceBurst:   1,
	})
	enrichCaller := provider.NewCaller("apollo", provider.Config{
		CallTimeout: time.Duration(cfg.Apollo.TimeoutSecs) * time.Second,
		PaceLimit:   rate.Limit(cfg.Apollo.PaceRPS),
		PaceBurst:   1,
	})

	fcClient := firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))
	engine := search.NewFirecrawlEngine(fcClient, searchCaller, cfg.Pricing)

	// Cache rows live in the store so previews survive restarts.
	cacheStore := store.CacheAdapter{S: st}

	orch, err := search.NewOrchestrator(search.Config{
		Store:      st,
		Cache:      cacheStore,
		TTLs:       cfg.Cache,
		Limiter:    limiter,
		Ledger:     ledger,
		Engines:    []search.Engine{engine},
		Gateway:    gateway,
		SuccessURL: cfg.Stripe.SuccessURL,
		CancelURL:  cfg.Stripe.CancelURL,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	processor := payment.NewProcessor(st, q, ledger, cfg.Stripe.WebhookSecret)

	apolloClient := apollo.NewClient(cfg.Apollo.Key, apollo.WithBaseURL(cfg.Apollo.BaseURL))
	enricher := enrich.NewApolloEnricher(apolloClient, enrichCaller)
	worker := enrich.NewWorker(st, q, limiter, ledger, enricher, enrich.Config{
		BatchSize: cfg.Worker.BatchSize,
		PoolSize:  cfg.Worker.PoolSize,
		AdmitWait: time.Duration(cfg.Worker.AdmitWaitSecs) * time.Second,
	})

	reconciler := payment.NewReconciler(st, gateway, processor,
		time.Duration(cfg.Reconcile.IntervalSecs)*time.Second,
		time.Duration(cfg.Reconcile.ThresholdSecs)*time.Second,
		cfg.Reconcile.BatchSize,
	)

	zap.L().Info("services initialized",
		zap.String("store_driver", cfg.Store.Driver),
		zap.Int("queue_capacity", cfg.Queue.Capacity),
		zap.Int("worker_pool", cfg.Worker.PoolSize),
	)

	return &serviceEnv{
		Store:        st,
		Cache:        cacheStore,
		Limiter:      limiter,
		Ledger:       ledger,
		Queue:        q,
		Gateway:      gateway,
		Orchestrator: orch,
		Processor:    processor,
		Worker:       worker,
		Reconciler:   reconciler,
		searchCaller: searchCaller,
		enrichCaller: enrichCaller,
	}, nil
}

// initStore opens the configured persistence backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: int32(cfg.Store.MaxConns),
			MinConns: int32(cfg.Store.MinConns),
		})
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.SQLitePath)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
