package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casevault/outbound-delivery/internal/api"
	"github.com/casevault/outbound-delivery/internal/config"
	"github.com/casevault/outbound-delivery/internal/engine"
	"github.com/casevault/outbound-delivery/internal/logger"
	"github.com/casevault/outbound-delivery/internal/observability"
	"github.com/casevault/outbound-delivery/internal/store"
	ws "github.com/casevault/outbound-delivery/internal/websocket"
	"github.com/casevault/outbound-delivery/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Setup("error").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.LogLevel)

	ctx := context.Background()
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	log.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info("database migrations applied")

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	log.Info("connected to Redis")

	metrics := observability.NewMetrics()

	queue := engine.NewQueue(redisStore.Client())
	circuitBreaker := engine.NewCircuitBreaker(redisStore.Client(), log)
	circuitBreaker.OnTransition(func(_, state string) {
		metrics.ObserveBreakerTransition(state)
	})
	rateLimiter := engine.NewRateLimiter(redisStore.Client(), cfg.RateLimitWindow, log)
	dispatcher := engine.NewDispatcher(pgStore, queue, cfg.DefaultBreaker(), cfg.DefaultRetry(), log)

	hub := ws.NewHub(log)
	go hub.Run()

	deliverer := worker.NewDeliverer(pgStore, queue, circuitBreaker, rateLimiter, hub, metrics, cfg.DeliveryTimeout, log)
	pool := worker.NewPool(cfg.NumWorkers, deliverer, queue, log)
	poller := worker.NewPoller(redisStore.Client(), pool, metrics, log)

	engineCtx, stopEngine := context.WithCancel(ctx)
	pool.Start(engineCtx)
	go poller.Start(engineCtx)

	if cfg.DeliveryLogRetention > 0 {
		go runRetentionSweep(engineCtx, pgStore, cfg.DeliveryLogRetention, log)
	}

	router := api.NewRouter(pgStore, dispatcher, circuitBreaker, hub, metrics, cfg)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	// Stop the poller first so nothing is submitted to a closing pool, then
	// drain the workers: in-flight attempts finish or time out, and claimed
	// jobs still buffered go back to Redis. Not-yet-due retries stay in Redis
	// and resume after restart.
	stopEngine()
	poller.Wait()
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// runRetentionSweep prunes delivery-log rows older than the retention window
// once a day.
func runRetentionSweep(ctx context.Context, pgStore *store.PostgresStore, retention time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := pgStore.PruneDeliveryAttempts(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Error("delivery log retention sweep failed", "error", err)
				continue
			}
			if pruned > 0 {
				log.Info("delivery log pruned", "rows", pruned, "retention", retention.String())
			}
		}
	}
}
