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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/CourageResearch/endpointarena-sub000/internal/api"
	"github.com/CourageResearch/endpointarena-sub000/internal/apperr"
	"github.com/CourageResearch/endpointarena-sub000/internal/config"
	"github.com/CourageResearch/endpointarena-sub000/internal/generator"
	"github.com/CourageResearch/endpointarena-sub000/internal/ledger"
	"github.com/CourageResearch/endpointarena-sub000/internal/market"
	"github.com/CourageResearch/endpointarena-sub000/internal/metrics"
	"github.com/CourageResearch/endpointarena-sub000/internal/runner"
	"github.com/CourageResearch/endpointarena-sub000/internal/schedule"
	"github.com/CourageResearch/endpointarena-sub000/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("MARKET_CONFIG_FILE"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DB.DSN != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DB.DSN)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	} else {
		slog.Warn("db.dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// Seed the runtime config row when it is missing so a fresh database
	// is immediately runnable.
	if _, err := st.GetRuntimeConfig(context.Background()); err != nil {
		if !apperr.Is(err, apperr.KindConfiguration) {
			slog.Error("runtime config read failed", "err", err)
			os.Exit(1)
		}
		if err := st.SaveRuntimeConfig(context.Background(), config.DefaultRuntime()); err != nil {
			slog.Error("runtime config seed failed", "err", err)
			os.Exit(1)
		}
		slog.Info("seeded default runtime config")
	}

	// --- Services ---
	marketSvc := market.NewService(st, cfg.Models, logger)
	if err := marketSvc.EnsureAccounts(context.Background()); err != nil {
		slog.Error("account bootstrap failed", "err", err)
		os.Exit(1)
	}

	ledgerSvc := ledger.NewService(st)
	generators := generator.NewRegistry(cfg.Models, cfg.Generators.BaseURL, cfg.Generators.Timeout)
	runSvc := runner.New(st, ledgerSvc, marketSvc, generators, cfg.Models, logger)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	apiSvc := api.NewService(st, marketSvc, runSvc, wsHub, logger)

	// --- Cron ---
	var sched *schedule.Scheduler
	if cfg.Cron.Enabled {
		sched = schedule.New(logger)
		err := sched.AddDailyRun(cfg.Cron.DailyRun, func(ctx context.Context, runDate time.Time) error {
			_, err := runSvc.ExecuteDailyRun(ctx, runDate, wsHub.Hooks())
			return err
		})
		if err != nil {
			slog.Error("invalid cron spec", "spec", cfg.Cron.DailyRun, "err", err)
			os.Exit(1)
		}
		sched.Start()
		slog.Info("daily run scheduled", "spec", cfg.Cron.DailyRun)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"endpointarena"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", apiSvc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("endpointarena listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down endpointarena...")
	if sched != nil {
		sched.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("endpointarena stopped")
}
