// Package main is the entrypoint for the pmpilot API server.
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

	"github.com/kiranshivaraju/pmpilot/internal/ai"
	"github.com/kiranshivaraju/pmpilot/internal/api"
	"github.com/kiranshivaraju/pmpilot/internal/api/handler"
	mw "github.com/kiranshivaraju/pmpilot/internal/api/middleware"
	"github.com/kiranshivaraju/pmpilot/internal/api/response"
	"github.com/kiranshivaraju/pmpilot/internal/cache"
	"github.com/kiranshivaraju/pmpilot/internal/chat"
	"github.com/kiranshivaraju/pmpilot/internal/config"
	"github.com/kiranshivaraju/pmpilot/internal/jobs"
	"github.com/kiranshivaraju/pmpilot/internal/store"
	"github.com/kiranshivaraju/pmpilot/internal/tools"
	"github.com/kiranshivaraju/pmpilot/internal/workflow"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create model client
	model, err := ai.NewModelClient(cfg.AI)
	if err != nil {
		return fmt.Errorf("create model client: %w", err)
	}
	slog.Info("model client initialized", "provider", model.Name())

	// 6. Job engine
	pgStore := store.NewPostgresStore(pool)
	runner := workflow.NewGitHubClient(cfg.GitHub, cfg.Workflow)
	notifier := jobs.NewCacheNotifier(redisCache)
	launcher := jobs.NewLauncher(pgStore, runner, notifier)
	intake := jobs.NewIntake(pgStore, notifier)

	poller := jobs.NewPoller(pgStore, runner, notifier, jobs.PollerConfig{
		Interval:     cfg.Poller.Interval,
		JobTimeout:   cfg.Poller.JobTimeout,
		GracePeriod:  cfg.Poller.GracePeriod,
		ExpireStale:  cfg.Poller.ExpireStale,
		ArtifactName: cfg.Workflow.ArtifactName,
	})
	poller.Start(ctx)
	defer poller.Stop()

	// 7. Conversation engine
	dispatcher := tools.NewBuiltinDispatcher(launcher, pgStore, cfg.Workflow, cfg.Poller.JobTimeout)
	chatService := chat.NewService(model, dispatcher, redisCache, chat.Config{
		MaxTokens:         cfg.AI.MaxTokens,
		MaxToolIterations: cfg.AI.MaxToolIterations,
		HistoryTTL:        cfg.Chat.HistoryTTL,
	})

	// 8. Build router with dependencies
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),
		Webhook:   mw.NewWebhookSignature(cfg.Webhook.Secret),

		HealthHandler:         healthHandler(pgStore, redisCache),
		ChatTurnHandler:       handler.NewChatTurnHandler(chatService),
		SessionJobsHandler:    handler.NewSessionJobsHandler(pgStore),
		SessionEventsHandler:  handler.NewSessionEventsHandler(redisCache),
		SessionHistoryHandler: handler.NewSessionHistoryHandler(chatService),
		GetJobHandler:         handler.NewGetJobHandler(pgStore),
		JobStatusHandler:      handler.NewJobStatusHandler(redisCache, pgStore),
		WebhookHandler:        handler.NewWebhookHandler(intake),
	}
	if cfg.Webhook.Secret == "" {
		slog.Warn("WEBHOOK_SECRET is not set; webhook pushes are accepted unsigned")
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server. WriteTimeout is lifted per response by the SSE writer.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// pinger is satisfied by the store and the cache.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
