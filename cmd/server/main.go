package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/perpcore/engine/internal/engine"
	"github.com/perpcore/engine/internal/executor"
	"github.com/perpcore/engine/internal/metrics"
	"github.com/perpcore/engine/internal/oracle"
	"github.com/perpcore/engine/internal/risk"
	"github.com/perpcore/engine/internal/store"
	"github.com/perpcore/engine/internal/vault"
	"github.com/perpcore/engine/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Storage
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Collateral vault ---
	vlt := vault.NewMemoryVault()

	// --- Oracle sources ---
	orc := oracle.NewSignatureOracle(loadOracleSources(), staleThresholdFromEnv())

	// --- Exposure limiter ---
	limiter := risk.NewExposureLimiter(
		envBigOrDefault("MAX_PER_ASSET_NOTIONAL", big.NewInt(1_000_000_000_000)),
		envBigOrDefault("MAX_CORRELATED_NOTIONAL", big.NewInt(5_000_000_000_000)),
		loadCorrelationGroups(),
	)

	// --- WebSocket hub ---
	hub := ws.NewHub()
	go hub.Run()

	// --- Engine and executor ---
	eng := engine.New(st, vlt, orc, limiter, hub)
	exec := executor.New(st, vlt, orc, hub)

	engHandler := engine.NewHTTPHandler(eng)
	execHandler := executor.NewHTTPHandler(exec)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
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
		w.Write([]byte(`{"status":"ok","service":"perpcore-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", hub.HandleWS)

		r.Post("/positions", engHandler.OpenPosition)
		r.Post("/positions/{id}/close", engHandler.ClosePosition)
		r.Get("/positions/{id}", engHandler.GetPosition)
		r.Patch("/positions/{id}/target", engHandler.UpdateTarget)

		r.Post("/orders", engHandler.PlaceOrder)
		r.Post("/orders/{id}/cancel", engHandler.CancelOrder)
		r.Get("/orders/{id}", engHandler.GetOrder)

		r.Get("/traders/{trader}/positions", engHandler.ListTraderPositions)
		r.Get("/traders/{trader}/closed", engHandler.ListTraderClosed)

		r.Post("/sweep/orders", execHandler.ExecuteOrders)
		r.Post("/sweep/targets", execHandler.CloseAllOnTargets)
		r.Post("/sweep/liquidations", execHandler.LiquidatePositions)

		r.Post("/admin/market-open", engHandler.SetMarketOpen)
		r.Post("/admin/assets", engHandler.ListAsset)
		r.Post("/admin/funding-rate", engHandler.SetFundingRate)
		r.Post("/admin/spread", engHandler.SetSpread)
		r.Post("/admin/tolerance", engHandler.SetTolerance)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perpcore engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down perpcore engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perpcore engine stopped")
}

// loadOracleSources parses ORACLE_SOURCES as a comma-separated list of
// id=hexpubkey pairs, e.g. "s1=deadbeef...,s2=cafebabe...".
func loadOracleSources() []oracle.Source {
	raw := os.Getenv("ORACLE_SOURCES")
	if raw == "" {
		slog.Warn("ORACLE_SOURCES not set, no proof will verify")
		return nil
	}

	var sources []oracle.Source
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		keyBytes, err := hex.DecodeString(parts[1])
		if err != nil || len(keyBytes) != ed25519.PublicKeySize {
			slog.Error("invalid oracle source public key", "id", parts[0])
			continue
		}
		sources = append(sources, oracle.Source{ID: parts[0], PublicKey: ed25519.PublicKey(keyBytes), Weight: 1.0})
	}
	return sources
}

func staleThresholdFromEnv() time.Duration {
	if raw := os.Getenv("ORACLE_STALE_THRESHOLD_SECONDS"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}

func envBigOrDefault(key string, def *big.Int) *big.Int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return def
	}
	return n
}

// loadCorrelationGroups parses CORRELATION_GROUPS as a comma-separated list
// of assetIndex=groupKey pairs, grouping assets whose exposure should be
// limited together (e.g. an asset and a basket tracking it).
func loadCorrelationGroups() map[uint64]string {
	raw := os.Getenv("CORRELATION_GROUPS")
	if raw == "" {
		return nil
	}
	groups := make(map[uint64]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		idx, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		groups[idx] = parts[1]
	}
	return groups
}
