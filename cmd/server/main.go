package main

import (
	"context"
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

	"github.com/atmx/hilo-engine/internal/api"
	"github.com/atmx/hilo-engine/internal/bet"
	"github.com/atmx/hilo-engine/internal/config"
	"github.com/atmx/hilo-engine/internal/events"
	"github.com/atmx/hilo-engine/internal/metrics"
	"github.com/atmx/hilo-engine/internal/payout"
	"github.com/atmx/hilo-engine/internal/pricefeed"
	"github.com/atmx/hilo-engine/internal/round"
	"github.com/atmx/hilo-engine/internal/settlement"
	"github.com/atmx/hilo-engine/internal/store"
	"github.com/atmx/hilo-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cache store.ActiveRoundCache
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		if err := store.MigrateUp(cfg.DatabaseURL); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Redis mirrors the active round and caches completed ones.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		ttl := cfg.BettingDuration + cfg.ResultDuration + cfg.ResultDisplayDuration + time.Minute
		cache = store.NewRedisRoundCache(rdb, ttl)
		st = store.NewCachedStore(st, rdb, 10*time.Minute)
		slog.Info("Redis cache enabled", "active_round_ttl", ttl.String())
	} else {
		cache = store.NewMemoryRoundCache()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	payouts, err := payout.NewProvider(cfg.Payout)
	if err != nil {
		slog.Error("invalid payout table", "err", err)
		os.Exit(1)
	}

	// --- Events and price feed ---
	bus := events.NewBus()
	tracker := pricefeed.NewTracker(cfg.PriceMaxAge)

	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL, "hilo-engine")
		if err != nil {
			slog.Error("NATS connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { nc.Drain() })

		source := pricefeed.NewNATSSource(tracker, bus)
		if err := source.Start(nc, cfg.PriceSubject); err != nil {
			slog.Error("price feed subscription failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { source.Stop() })

		natsEvents, cancel := bus.Subscribe("nats", 1024)
		cleanup = append(cleanup, cancel)
		forwarder := events.NewNATSForwarder(nc, cfg.EventSubjectPrefix)
		go func() {
			if err := forwarder.Run(ctx, natsEvents); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("event forwarder stopped", "err", err)
			}
		}()
	} else {
		slog.Warn("NATS_URL not set, no price source: rounds will push and refund")
	}

	// --- WebSocket hub ---
	wsHub := events.NewWSHub(api.UserHeader)
	wsEvents, cancelWS := bus.Subscribe("ws", 1024)
	cleanup = append(cleanup, cancelWS)
	go wsHub.Run(ctx, wsEvents)

	// --- Ledgers and round engine ---
	wallets := wallet.NewLedger(st, cfg.WalletCurrency)
	bets := bet.NewLedger(st, wallets, payouts, bus, bet.Limits{
		Min:      cfg.MinBetAmount,
		Max:      cfg.MaxBetAmount,
		PerSlot:  cfg.MaxStakePerSlot,
		PerRound: cfg.MaxStakePerRound,
	})
	engine := round.NewEngine(round.Config{
		BettingDuration:       cfg.BettingDuration,
		ResultDuration:        cfg.ResultDuration,
		ResultDisplayDuration: cfg.ResultDisplayDuration,
		RecoveryGrace:         cfg.RecoveryGrace,
	}, round.Deps{
		Store:   st,
		Cache:   cache,
		Feed:    tracker,
		Payouts: payouts,
		Picker:  payout.NewPicker(nil),
		Settler: settlement.NewEngine(st, wallets),
		Wallets: wallets,
		Bus:     bus,
	})
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(ctx); err != nil {
			slog.Error("round engine stopped", "err", err)
		}
	}()

	apiSvc := api.NewService(st, engine, bets, wallets, payouts)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.UserHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"hilo-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for round events; the user header adds private events.
		r.Get("/ws", wsHub.HandleWS)

		// Timeouts would cut long-lived WebSocket connections.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			apiSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("hilo-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// SIGHUP reloads the payout table; new bets and rounds pick it up.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s != syscall.SIGHUP {
			break
		}
		table, err := cfg.LoadPayoutTable()
		if err == nil {
			err = payouts.Set(table)
		}
		if err != nil {
			slog.Error("payout table reload failed, keeping current table", "err", err)
			continue
		}
		slog.Info("payout table reloaded")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down hilo-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	<-engineDone
	fmt.Println("hilo-engine stopped")
}
