// inputbrokerd - TV input broker server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/telecast-labs/inputbroker/internal/api"
	"github.com/telecast-labs/inputbroker/internal/binder"
	"github.com/telecast-labs/inputbroker/internal/broker"
	"github.com/telecast-labs/inputbroker/internal/config"
	"github.com/telecast-labs/inputbroker/internal/domain"
	"github.com/telecast-labs/inputbroker/internal/identity"
	"github.com/telecast-labs/inputbroker/internal/middleware"
	"github.com/telecast-labs/inputbroker/internal/provider"
	"github.com/telecast-labs/inputbroker/internal/store"
	"github.com/telecast-labs/inputbroker/internal/watchlog"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting input broker", "port", cfg.Port, "scope", cfg.DefaultScope, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	watchLog := watchlog.New(repo, watchlog.Config{QueueSize: cfg.WatchLogQueueSize}, logger)
	defer func() {
		if closeErr := watchLog.Close(); closeErr != nil {
			slog.Error("Failed to close watch log", "error", closeErr)
		}
	}()

	bnd, err := binder.NewDockerBinder(binder.Config{
		Network:        cfg.ProviderNetwork,
		Subnet:         cfg.ProviderSubnet,
		Runtime:        cfg.ContainerRuntime,
		ConnectTimeout: cfg.ConnectTimeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize provider binder", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := bnd.Close(); closeErr != nil {
			slog.Error("Failed to close provider binder", "error", closeErr)
		}
	}()

	// Ensure the bridge network for provider containers exists.
	networkID, err := bnd.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure provider network", "error", err)
		os.Exit(1)
	}
	slog.Info("Provider network ready", "network_id", networkID)

	var registry provider.Registry
	if cfg.DiscoverProviders {
		registry = bnd.Registry()
		slog.Info("Provider discovery enabled", "mode", "docker-labels")
	} else {
		registry, err = provider.NewStaticRegistry(cfg.Providers)
		if err != nil {
			slog.Error("Failed to parse provider list", "error", err)
			os.Exit(1)
		}
		slog.Info("Provider discovery disabled", "providers", len(cfg.Providers))
	}

	brk := broker.New(registry, bnd, watchLog, repo, domain.ScopeID(cfg.DefaultScope), logger)

	// Initialize handlers.
	baseHandler := api.NewHandler(brk, repo)
	wsHandler := api.NewWebSocketHandler(brk, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.SystemToken, domain.ScopeID(cfg.DefaultScope), cfg.IsDevelopment()))

	baseHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/client", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket media delivery must not be cut off
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
