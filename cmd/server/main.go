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
	"github.com/redis/go-redis/v9"

	"github.com/atmx/gamma-engine/internal/api"
	"github.com/atmx/gamma-engine/internal/chain"
	"github.com/atmx/gamma-engine/internal/config"
	"github.com/atmx/gamma-engine/internal/feed"
	"github.com/atmx/gamma-engine/internal/flow"
	"github.com/atmx/gamma-engine/internal/metrics"
	"github.com/atmx/gamma-engine/internal/source"
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

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Chain source ---
	synthetic := source.NewSynthetic()
	var fetcher source.Fetcher

	switch cfg.SourceKind() {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := source.NewPostgres(pool)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("schema migration failed", "err", err)
				os.Exit(1)
			}
		}
		fetcher = pg
		slog.Info("chain source: PostgreSQL")
	case "polygon":
		fetcher = source.NewPolygon(cfg.PolygonBaseURL, cfg.PolygonAPIKey, source.WithAugment(synthetic))
		slog.Info("chain source: Polygon", "base_url", cfg.PolygonBaseURL)
	default:
		slog.Warn("no DATABASE_URL or POLYGON_API_KEY, using synthetic chains")
		fetcher = synthetic
	}

	// Wrap with Redis read-through cache if configured.
	var cached *source.CachedSource
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		cached = source.NewCachedSource(fetcher, rdb, cfg.CacheTTL)
		fetcher = cached
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}

	// --- Live feed ---
	storeOpts := []chain.Option{chain.WithPollInterval(cfg.PollInterval)}
	var feedClient *feed.Client
	if cfg.FeedURL != "" {
		feedClient = feed.NewClient(cfg.FeedURL,
			feed.WithReconnect(cfg.FeedReconnectInterval, cfg.FeedMaxReconnects))
		storeOpts = append(storeOpts, chain.WithFeed(feedClient))
	} else {
		slog.Warn("FEED_URL not set, chain updates by polling only")
	}

	// --- Chain store ---
	store := chain.NewStore(fetcher, storeOpts...)
	cleanup = append(cleanup, store.Dispose)

	if feedClient != nil {
		feedClient.AddHandler(store.FeedHandler())
		cleanup = append(cleanup, func() { feedClient.Close() })
		if err := feedClient.Connect(ctx); err != nil {
			slog.Warn("live feed connect failed", "url", cfg.FeedURL, "err", err)
		}
	}

	// --- Flow ---
	var flowSource flow.Source = flow.NewSynthetic()
	if cfg.PolygonAPIKey != "" {
		flowSource = flow.NewPolygon(cfg.PolygonBaseURL, cfg.PolygonAPIKey, flow.WithFallback(flowSource))
	}

	// --- WebSocket hub + API ---
	var svc *api.Service
	wsHub := api.NewWSHub(func() api.WSMessage { return svc.Greeting() })

	svcOpts := []api.Option{
		api.WithFlowTickers(cfg.FlowTickers, cfg.FlowSample),
		api.WithPageSize(cfg.FlowPageSize),
	}
	if cached != nil {
		svcOpts = append(svcOpts, api.WithInvalidator(cached))
	}
	svc = api.NewService(store, flow.NewAggregator(flowSource), wsHub, svcOpts...)

	go wsHub.Run(ctx)
	cleanup = append(cleanup, store.Subscribe(wsHub.Forward))

	go func() {
		if err := store.SelectSymbol(ctx, cfg.DefaultSymbol); err != nil {
			slog.Warn("initial chain load failed", "symbol", cfg.DefaultSymbol, "err", err)
		}
	}()

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
		w.Write([]byte(`{"status":"ok","service":"gamma-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket route must not sit behind the request timeout.
		r.Get("/ws", wsHub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("gamma-engine listening", "port", cfg.Port, "source", cfg.SourceKind())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down gamma-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("gamma-engine stopped")
}
