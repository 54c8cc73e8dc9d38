// Command server runs the portfolio action automation engine: the HTTP API
// plus the background scheduler that evaluates and fires actions.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/autopilot/internal/api"
	"github.com/irfndi/autopilot/internal/api/handlers"
	"github.com/irfndi/autopilot/internal/config"
	"github.com/irfndi/autopilot/internal/database"
	"github.com/irfndi/autopilot/internal/logging"
	"github.com/irfndi/autopilot/internal/marketdata"
	"github.com/irfndi/autopilot/internal/middleware"
	"github.com/irfndi/autopilot/internal/portfolio"
	"github.com/irfndi/autopilot/internal/services"
	"github.com/irfndi/autopilot/internal/services/distributedlock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server exited: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgresConnection(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	store := database.NewActionStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Redis backs the sweep lock and rate limiting; the engine runs without
	// it, losing only cross-instance coordination.
	redisClient, err := database.NewRedisConnection(cfg.Redis, logger)
	if err != nil {
		logger.WithError(err).Warn("redis unavailable, continuing without it")
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	market := marketdata.NewClient(cfg.MarketData, logger)
	portfolioSvc := portfolio.NewClient(cfg.Portfolio, logger)

	var notifier services.Notifier
	if cfg.Telegram.BotToken != "" {
		notifier = services.NewTelegramNotifier(cfg.Telegram, logger)
	} else {
		notifier = services.NewLogNotifier(logger)
	}

	evaluator := services.NewTriggerEvaluator(cfg.MarketData.MaxQuoteAge)
	executor := services.NewActionExecutor(store, portfolioSvc, notifier, cfg.Scheduler.LeaseDuration, logger)
	actionSvc := services.NewActionService(store, market, evaluator, executor, logger)

	var locker *distributedlock.Locker
	var rateLimiter *middleware.RateLimiter
	if redisClient != nil {
		locker = distributedlock.NewLocker(redisClient.Client)
		rateLimiter = middleware.NewRateLimiter(redisClient.Client, 60, time.Minute)
	}

	scheduler := services.NewActionScheduler(cfg.Scheduler, store, market, evaluator, executor, locker, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	api.SetupRoutes(router, api.Dependencies{
		Health:      handlers.NewHealthHandler(db, redisClient),
		Actions:     handlers.NewActionHandler(actionSvc),
		Auth:        middleware.NewAuthMiddleware(cfg.Auth.JWTSecret),
		RateLimiter: rateLimiter,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}
