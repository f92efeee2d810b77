package main

import (
	"context"
	"crypto/rand"
	"errors"
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
	"github.com/redis/go-redis/v9"

	"github.com/atmx/cover-engine/internal/api"
	"github.com/atmx/cover-engine/internal/config"
	"github.com/atmx/cover-engine/internal/custody"
	"github.com/atmx/cover-engine/internal/engine"
	"github.com/atmx/cover-engine/internal/events"
	"github.com/atmx/cover-engine/internal/metrics"
	"github.com/atmx/cover-engine/internal/scheduler"
	"github.com/atmx/cover-engine/internal/store"
)

// devLedger is a custody ledger that can also mint participant balances.
type devLedger interface {
	custody.Ledger
	api.Crediter
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("cover-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("cover-engine stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	claimRule, err := engine.ParseClaimRule(cfg.ClaimRule)
	if err != nil {
		return err
	}
	if claimRule == engine.ClaimRuleThresholdMax {
		slog.Warn("claims trigger only above the pool threshold_max, which no purchasable policy threshold can exceed; set CLAIM_RULE=policy_threshold once product confirms the intended comparison")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Custody keyring ---
	secret := []byte(cfg.CustodySecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate custody secret: %w", err)
		}
		slog.Warn("CUSTODY_SECRET not set, using a random per-process key")
	}
	keyring := custody.NewKeyring(secret)

	// --- Initialize store and ledger ---
	var st store.Store
	var ledger devLedger
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.DatabaseURL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		poolCfg.MaxConns = cfg.DBMaxConns
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pgStore := store.NewPostgresStore(pool)
		if err := pgStore.Migrate(ctx); err != nil {
			return err
		}
		pgLedger := custody.NewPostgresLedger(pool, keyring)
		if err := pgLedger.Migrate(ctx); err != nil {
			return err
		}
		st, ledger = pgStore, pgLedger
		slog.Info("connected to PostgreSQL", "max_conns", cfg.DBMaxConns)

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store and ledger (data will not persist)")
		st = store.NewMemoryStore()
		ledger = custody.NewMemoryLedger(keyring)
	}

	// --- Event publishers ---
	wsHub := events.NewWSHub()
	go wsHub.Run(ctx)
	publishers := events.Fanout{wsHub}

	if cfg.NATSURL != "" {
		nc, js, err := events.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		if err := events.EnsureStream(ctx, js); err != nil {
			return err
		}
		natsPub := events.NewNATSPublisher(js, 1024)
		go natsPub.Run(ctx)
		publishers = append(publishers, natsPub)
		slog.Info("NATS event stream enabled", "stream", events.StreamName)
	}

	// --- Engine ---
	eng := engine.New(st, ledger, keyring,
		engine.WithPublisher(publishers),
		engine.WithClaimRule(claimRule),
	)

	var faucet api.Crediter
	if cfg.FaucetEnabled {
		faucet = ledger
		slog.Warn("faucet enabled, participant balances can be minted over HTTP")
	}
	poolSvc := api.NewService(eng, faucet)

	// --- Expiry sweeper ---
	if cfg.ExpirySweepSchedule != "" {
		sched := scheduler.New(ctx)
		if err := sched.AddJob(cfg.ExpirySweepSchedule, scheduler.ExpirySweep{Sweeper: eng}); err != nil {
			return fmt.Errorf("invalid EXPIRY_SWEEP_SCHEDULE: %w", err)
		}
		sched.Start()
		cleanup = append(cleanup, sched.Stop)
	}

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"cover-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for committed pool events.
		r.Get("/ws", wsHub.HandleWS)
		poolSvc.Mount(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("cover-engine listening", "port", cfg.Port, "claim_rule", claimRule)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down cover-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}
