package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/api"
	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/keeper"
	"github.com/atmx/perp-engine/internal/logging"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/store"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadServerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("perp-server", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if closeErr := closeLogger(); closeErr != nil {
		bootstrapLogger.Error("failed to close logger", "err", closeErr)
	}
	if err != nil {
		bootstrapLogger.Error("perp-server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Exchange ---
	prices := oracle.NewStaticAdapter()
	opts := []exchange.Option{
		exchange.WithStore(st),
		exchange.WithAdapter(oracle.ProviderStatic, prices),
		exchange.WithLogger(logger),
	}
	if cfg.SolanaRPCURL != "" {
		opts = append(opts, exchange.WithAdapter(oracle.ProviderPyth, oracle.NewPythAdapter(rpc.New(cfg.SolanaRPCURL))))
		logger.Info("pyth adapter enabled", "rpc", cfg.SolanaRPCURL)
	}
	x := exchange.New(registry.NewWorld(cfg.ProgramID), opts...)

	if err := x.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if cfg.MarketsFile != "" {
		seed, err := config.LoadSeed(cfg.MarketsFile)
		if err != nil {
			return err
		}
		if err := applySeed(ctx, x, prices, seed, time.Now(), logger); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	// --- WebSocket hub ---
	hub := api.NewWSHub(logger)
	go hub.Run(ctx)
	x.Subscribe(hub)

	// --- Keeper ---
	if cfg.Keeper.Enabled {
		svc := keeper.New(x, cfg.Keeper.Address, keeper.Config{
			PollInterval:      cfg.Keeper.PollInterval,
			MaxActionsPerTick: cfg.Keeper.MaxActionsPerTick,
			RatePerSec:        cfg.Keeper.RatePerSec,
			ScanLiquidations:  cfg.Keeper.ScanLiquidations,
		}, logger.With("component", "keeper"))
		go func() {
			if err := svc.Run(ctx); err != nil {
				logger.Error("keeper exited with error", "err", err)
			}
		}()
	}

	// --- HTTP router ---
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      newRouter(cfg, api.NewServer(x, prices, nil, logger), hub),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("perp-server listening", "addr", cfg.ListenAddr, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down perp-server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	logger.Info("perp-server stopped")
	return nil
}

func newRouter(cfg config.ServerConfig, srv *api.Server, hub *api.WSHub) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long lived, so outside the request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			srv.Mount(r)
		})
	})
	return r
}

func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && containsOrigin(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.SignerHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func containsOrigin(origins []string, origin string) bool {
	for _, o := range origins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// openStore opens the configured backend, wrapped in the Redis
// read-through cache when REDIS_URL is set.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (store.Store, func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.StoreBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		logger.Info("connected to PostgreSQL")
	case "sqlite":
		lite, err := store.NewSQLiteStore(cfg.SQLiteDSN)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		logger.Info("opened SQLite store", "dsn", cfg.SQLiteDSN)
	default:
		logger.Warn("STORE_BACKEND=memory, state will not survive a restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.RedisTTL)
		logger.Info("Redis cache enabled", "ttl", cfg.RedisTTL)
	}
	return st, closeAll, nil
}
