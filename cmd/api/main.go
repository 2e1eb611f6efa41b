package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"taskflow/internal/config"
	"taskflow/internal/handler"
	"taskflow/internal/httpserver"
	"taskflow/internal/queue"
	"taskflow/internal/service"
	"taskflow/internal/storage"
	"taskflow/pkg/circuitbreaker"
	"taskflow/pkg/logger"
	"taskflow/pkg/mq"
	"taskflow/pkg/outbox"
	"taskflow/pkg/retry"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	log.Info("Starting taskflow API...",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("port", cfg.Server.Port),
	)

	ctx := context.Background()

	// Storage
	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("Storage initialization failed", zap.Error(err))
	}
	defer store.Close()

	// MQ Publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("status_queue"))
	statusQueue := queue.NewStatusQueue(publisher, breaker, log)

	// Services
	opts := []service.MutatorOption{
		service.WithEnqueuePolicy(retry.Policy{
			Attempts:      cfg.Retry.Attempts,
			InitialDelay:  cfg.Retry.InitialDelay,
			BackoffFactor: cfg.Retry.BackoffFactor,
		}),
	}
	var adminHandler *handler.AdminHandler
	if store.Outbox != nil {
		opts = append(opts, service.WithFailedNotificationRecorder(outbox.NewRecorder(store.Outbox, "task")))
		adminHandler = handler.NewAdminHandler(outbox.NewReplayService(store.Outbox, publisher, log), log)
	}
	mutator := service.NewTaskMutator(store.Tasks, statusQueue, log, opts...)
	query := service.NewTaskQuery(store.Tasks)
	authService := service.NewAuthService(store.Users, service.AuthConfig{
		Secret:     cfg.JWT.Secret,
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
	}, log)

	// Router
	if err := httpserver.RegisterValidators(); err != nil {
		log.Fatal("Failed to register validators", zap.Error(err))
	}
	router := httpserver.NewRouter(httpserver.RouterDeps{
		Auth:      handler.NewAuthHandler(authService, log),
		Tasks:     handler.NewTaskHandler(mutator, query, log),
		Admin:     adminHandler,
		JWTSecret: cfg.JWT.Secret,
		Ready: map[string]httpserver.ReadinessCheck{
			"db": store.Tasks.Ping,
			"mq": func(context.Context) error {
				if !publisher.IsConnected() {
					return errors.New("publisher disconnected")
				}
				return nil
			},
		},
		Logger: log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down taskflow API gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("taskflow API shutdown complete")
}
