package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/handoffd/internal/api"
	"github.com/ashureev/handoffd/internal/clock"
	"github.com/ashureev/handoffd/internal/config"
	"github.com/ashureev/handoffd/internal/escalation"
	"github.com/ashureev/handoffd/internal/events"
	"github.com/ashureev/handoffd/internal/handoff"
	"github.com/ashureev/handoffd/internal/healthcheck"
	"github.com/ashureev/handoffd/internal/identity"
	"github.com/ashureev/handoffd/internal/live"
	"github.com/ashureev/handoffd/internal/middleware"
	"github.com/ashureev/handoffd/internal/query"
	"github.com/ashureev/handoffd/internal/store"
	"github.com/ashureev/handoffd/internal/sweeper"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, live feed and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, slog.Default())
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP listen port (overrides PORT)")
	return cmd
}

// openStore opens the configured repository.
func openStore(cfg *config.Config) (store.Repository, error) {
	if cfg.Store == "memory" {
		return store.NewMemory(), nil
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return repo, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.Store)

	repo, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	logger.Info("Database connected")

	g, ctx := errgroup.WithContext(ctx)

	// abort stops the workers already running in g before a startup error
	// is returned.
	abort := func(err error) error {
		cancel()
		if waitErr := g.Wait(); waitErr != nil {
			logger.Warn("Worker failed while aborting startup", "error", waitErr)
		}
		return err
	}


	var rules escalation.Source = escalation.Static(escalation.Default())
	if cfg.RulesPath != "" {
		reloader, err := escalation.NewReloader(cfg.RulesPath, logger)
		if err != nil {
			return abort(err)
		}
		rules = reloader
		g.Go(func() error { return reloader.Run(ctx) })
		logger.Info("Escalation rules loaded", "path", cfg.RulesPath)
	}

	clk := clock.Real()
	coord := handoff.New(repo, handoff.Options{
		Clock:             clk,
		Rules:             rules,
		Logger:            logger,
		EscalationTimeout: cfg.EscalationTimeout,
	})
	defer coord.Stop()

	queries, err := query.NewService(repo, clk, cfg.DetailCacheSize)
	if err != nil {
		return abort(err)
	}
	coord.Subscribe(queries)

	bus, err := events.New(ctx, events.Config{Backend: cfg.Events.Backend, RedisAddr: cfg.Events.RedisAddr}, logger)
	if err != nil {
		return abort(err)
	}
	defer func() {
		if closeErr := bus.Close(); closeErr != nil {
			logger.Error("Failed to close event bus", "error", closeErr)
		}
	}()
	coord.Subscribe(bus)

	feed, err := bus.Subscribe(ctx)
	if err != nil {
		return abort(err)
	}
	hub := live.NewHub(logger)
	g.Go(func() error { return hub.Run(ctx, feed) })

	recovered, err := coord.RecoverTimers(ctx)
	if err != nil {
		return abort(fmt.Errorf("recover escalation timers: %w", err))
	}
	logger.Info("Escalation timers recovered", "sessions", recovered)

	sw := sweeper.New(repo, coord, clk, sweeper.Config{
		Interval: cfg.SweepInterval,
		IdleTTL:  cfg.IdleCloseTTL,
	}, logger)
	g.Go(func() error { return sw.Run(ctx) })
	logger.Info("Sweeper started", "interval", cfg.SweepInterval, "idle_close_ttl", cfg.IdleCloseTTL)

	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			return abort(fmt.Errorf("listen for gRPC health: %w", err))
		}
		health := healthcheck.New(repo, logger)
		g.Go(func() error { return health.Serve(ctx, lis) })
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(identity.Middleware)

	api.NewHealthHandler(repo).RegisterRoutes(r)
	api.NewSessionHandler(coord, queries, clk).RegisterRoutes(r)
	r.Get("/ws/sessions", live.NewHandler(hub, cfg.CORSOrigins, cfg.IsDevelopment()).ServeHTTP)

	// WebSocket connections are long-lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped successfully")
	return nil
}
