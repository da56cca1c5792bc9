package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"

	"github.com/reconiq/quote-engine/internal/agent"
	"github.com/reconiq/quote-engine/internal/api"
	"github.com/reconiq/quote-engine/internal/config"
	"github.com/reconiq/quote-engine/internal/db"
	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/inference"
	"github.com/reconiq/quote-engine/internal/ingest"
	"github.com/reconiq/quote-engine/internal/inspection"
	"github.com/reconiq/quote-engine/internal/memstore"
	"github.com/reconiq/quote-engine/internal/pipeline"
	"github.com/reconiq/quote-engine/internal/quote"
	"github.com/reconiq/quote-engine/internal/repository"
	"github.com/reconiq/quote-engine/internal/usage"
)

func main() {
	// Initialize structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting quote-engine service")

	cfg := config.Load()
	ctx := context.Background()

	var pool *pgxpool.Pool
	if cfg.Store.Backend == config.BackendPostgres || cfg.Store.UsageBackend == config.BackendPostgres {
		var err error
		pool, err = db.ConnectWithRetry(ctx, cfg.Database, 30, 2*time.Second)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if cfg.Store.Migrate {
			if err := db.RunMigrations(ctx, pool); err != nil {
				slog.Error("failed to run migrations", "error", err)
				os.Exit(1)
			}
		}
	}

	deps, runs, memory := buildStores(cfg, pool)
	if repo, ok := deps.Idempotency.(expirer); ok {
		defer cleanExpiredLoop("idempotency_keys", repo, time.Hour)()
	}

	ctrl, stopUsage := buildUsage(ctx, cfg, pool)
	defer stopUsage()

	guardCfg := inference.GuardConfig{
		Timeout:          cfg.Inference.Timeout,
		MaxRetries:       cfg.Inference.MaxRetries,
		RetryBaseWait:    cfg.Inference.RetryBaseWait,
		BreakerThreshold: cfg.Inference.BreakerThreshold,
		BreakerCooldown:  cfg.Inference.BreakerCooldown,
	}
	enricher := inference.NewEnricher(inference.NewGuard("vin_decode", guardCfg), nil)
	vision := inference.NewVisionClient(inference.NewGuard("vision", guardCfg), nil)

	deps.Estimates = estimate.NewService()
	orchestrator := inspection.NewOrchestrator(enricher, vision, deps.Estimates)
	runner := agent.NewRunner(runs, memory, agent.NewToolRegistry())

	p, err := pipeline.New(runner, orchestrator, ctrl, deps.Rules,
		pipeline.WithMemoryLimit(cfg.Agent.MemoryLimit),
		pipeline.WithAIGuard(inference.NewGuard(pipeline.OperationAIPricing, guardCfg)),
	)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	deps.Pipeline = p

	if pool != nil {
		deps.Ping = pool.Ping
	}

	router := api.NewRouter(cfg, deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("server listening",
			"port", cfg.Server.Port,
			"service", "quote-engine",
			"store", cfg.Store.Backend,
			"usage_store", cfg.Store.UsageBackend,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server exited")
}

// buildStores wires the entity stores for the configured backend.
func buildStores(cfg *config.Config, pool *pgxpool.Pool) (api.Deps, agent.RunRepository, agent.MemoryRepository) {
	if cfg.Store.Backend == config.BackendPostgres {
		quotes := repository.NewQuoteRepository(pool)
		ruleRepo := repository.NewPricingRuleRepository(pool)
		imports := repository.NewRuleImportRepository(pool)
		runs := repository.NewAgentRunRepository(pool)
		return api.Deps{
			Quotes: quote.NewService(
				quotes,
				repository.NewSnapshotRepository(pool),
				repository.NewTransitionRepository(pool),
				ruleRepo,
			),
			QuoteLister: quotes,
			Importer:    ingest.NewImporter(ruleRepo, imports),
			Rules:       ruleRepo,
			Imports:     imports,
			AgentRuns:   runs,
			Idempotency: repository.NewIdempotencyRepository(pool, cfg.Import.IdempotencyTTL),
		}, runs, repository.NewAgentMemoryRepository(pool)
	}

	slog.Warn("using in-memory stores; data is lost on restart")
	quotes := memstore.NewQuoteStore()
	ruleStore := memstore.NewRuleStore()
	imports := memstore.NewRuleImportStore()
	runs := memstore.NewAgentRunStore()
	return api.Deps{
		Quotes: quote.NewService(
			quotes,
			memstore.NewSnapshotStore(),
			memstore.NewTransitionStore(),
			ruleStore,
		),
		QuoteLister: quotes,
		Importer:    ingest.NewImporter(ruleStore, imports),
		Rules:       ruleStore,
		Imports:     imports,
		AgentRuns:   runs,
		Idempotency: memstore.NewIdempotencyStore(cfg.Import.IdempotencyTTL),
	}, runs, memstore.NewAgentMemoryStore()
}

// buildUsage wires the usage controller. The returned func stops background
// work and closes connections.
func buildUsage(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (*usage.Controller, func()) {
	policies, err := usage.NewPolicies(usage.Policy{
		MaxRequestsPerWindow: cfg.Usage.MaxRequests,
		Window:               cfg.Usage.Window,
		CacheTTL:             cfg.Usage.CacheTTL,
		TokenCostUSDPer1K:    cfg.Usage.TokenCostUSDPer1K,
	})
	if err != nil {
		slog.Error("invalid usage policy", "error", err)
		os.Exit(1)
	}

	if pool != nil {
		n, err := repository.NewUsagePolicyRepository(pool).LoadInto(ctx, policies)
		if err != nil {
			slog.Error("failed to load usage policies", "error", err)
			os.Exit(1)
		}
		slog.Info("usage policy overrides loaded", "count", n)
	}

	switch cfg.Store.UsageBackend {
	case config.BackendPostgres:
		repo := repository.NewUsageRepository(pool)
		stop := cleanExpiredLoop("usage_cache", repo, cfg.Usage.CacheTTL)
		return usage.NewController(repo, repo, repo, policies), stop

	case config.BackendRedis:
		rdb, err := usage.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		store := usage.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
		var ledger usage.Ledger
		if pool != nil {
			ledger = repository.NewUsageRepository(pool)
		} else {
			ledger = usage.NewMemoryStore(time.Now)
		}
		return usage.NewController(store, store, ledger, policies), func() { _ = rdb.Close() }

	default:
		store := usage.NewMemoryStore(time.Now)
		return usage.NewController(store, store, store, policies), func() {}
	}
}

// expirer deletes rows past their TTL.
type expirer interface {
	CleanExpired(ctx context.Context) (int64, error)
}

// cleanExpiredLoop prunes expired rows until the returned func is called.
func cleanExpiredLoop(name string, repo expirer, every time.Duration) func() {
	if every <= 0 {
		every = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := repo.CleanExpired(ctx)
				if err != nil {
					slog.Warn("cleanup failed", "table", name, "error", err)
					continue
				}
				if n > 0 {
					slog.Info("cleanup", "table", name, "removed", n)
				}
			}
		}
	}()
	return cancel
}
