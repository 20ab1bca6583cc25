// AI Dock chat gateway server.
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

	"github.com/barambur26/aidock/internal/api"
	"github.com/barambur26/aidock/internal/config"
	"github.com/barambur26/aidock/internal/identity"
	"github.com/barambur26/aidock/internal/llmconfig"
	"github.com/barambur26/aidock/internal/middleware"
	"github.com/barambur26/aidock/internal/retention"
	"github.com/barambur26/aidock/internal/store"
	"github.com/barambur26/aidock/internal/upstream"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting gateway", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	up := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.StreamIdle, cfg.Upstream.FallbackTimeout)
	configCache := llmconfig.NewCache(up, cfg.Upstream.ConfigCacheTTL)
	sessions := api.NewSessionManager(cfg.Chat.ReplayBufferFrames)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, up, configCache, sessions, cfg)
	healthHandler := api.NewHealthHandler(baseHandler)
	conversationHandler := api.NewConversationHandler(baseHandler)
	configurationHandler := api.NewConfigurationHandler(baseHandler)
	chatHandler := api.NewChatSocketHandler(repo, up, sessions, cfg.FrontendURL, cfg.IsDevelopment(), cfg.Chat.AutoSaveMinMessages)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	corsOrigins := []string{cfg.FrontendURL}
	if cfg.IsDevelopment() {
		corsOrigins = []string{"*"}
	}
	r.Use(middleware.CORS(corsOrigins))

	// Public routes.
	healthHandler.RegisterRoutes(r)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.JWTSecret, cfg.IsDevelopment()))
		conversationHandler.RegisterRoutes(r)
		configurationHandler.RegisterRoutes(r)
		r.Get("/ws/chat", chatHandler.ServeHTTP)
	})

	// Streaming exchanges outlive any fixed write deadline.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retention.Start(ctx, repo, sessions, cfg.Chat.ConversationRetention, cfg.Chat.RetentionInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
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
