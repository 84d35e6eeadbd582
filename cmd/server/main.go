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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/totalizator/wager-engine/internal/api"
	"github.com/totalizator/wager-engine/internal/config"
	"github.com/totalizator/wager-engine/internal/events"
	"github.com/totalizator/wager-engine/internal/logging"
	"github.com/totalizator/wager-engine/internal/metrics"
	"github.com/totalizator/wager-engine/internal/model"
	"github.com/totalizator/wager-engine/internal/store"
	"github.com/totalizator/wager-engine/internal/wager"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}
	logging.SetupJSON(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Postgres.DSN != "" {
		pool, err := store.NewConnPool(ctx, cfg.Postgres.DSN, cfg.Postgres.PoolSize, cfg.Postgres.ConnectTimeout)
		if err != nil {
			slog.Error("connection pool setup failed", "err", err)
			os.Exit(1)
		}
		// A pool with no connections would block every request forever.
		if pool.Capacity() == 0 {
			slog.Error("no database connections could be opened", "requested", cfg.Postgres.PoolSize)
			os.Exit(1)
		}
		if pool.Capacity() < cfg.Postgres.PoolSize {
			slog.Warn("connection pool degraded", "requested", cfg.Postgres.PoolSize, "opened", pool.Capacity())
		}
		cleanup = append(cleanup, pool.Close)
		if err := metrics.RegisterPool(prometheus.DefaultRegisterer, pool); err != nil {
			slog.Warn("pool metrics unavailable", "err", err)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL", "connections", pool.Capacity())

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = devStore()
	}

	// --- Event fan-out ---
	hub := api.NewHub()
	go hub.Run(ctx)

	publishers := events.Fanout{hub}
	if cfg.Kafka.Brokers != "" {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Warn("kafka writer close failed", "err", err)
			}
		})
		publishers = append(publishers, kp)
		slog.Info("publishing ledger events to Kafka", "topic", cfg.Kafka.Topic)
	}

	engine := wager.NewEngine(st, publishers)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"wager-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		api.NewHandler(engine).Routes(r, hub)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("wager-engine listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down wager-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("wager-engine stopped")
}

// devStore seeds an in-memory ledger with the standard bet types and one
// funded user so the API is usable without a database.
func devStore() *store.MemoryStore {
	ms := store.NewMemoryStore()
	defaults := map[model.BetTypeName]string{
		model.BetTypeWin:        "1.90",
		model.BetTypeDraw:       "3.20",
		model.BetTypeLoss:       "1.90",
		model.BetTypeExactScore: "8.00",
		model.BetTypeTotalOver:  "1.85",
		model.BetTypeTotalUnder: "1.85",
	}
	for _, name := range model.BetTypeNames {
		ms.AddBetType(name, decimal.RequireFromString(defaults[name]))
	}
	ms.AddUser(decimal.NewFromInt(1000))
	return ms
}
