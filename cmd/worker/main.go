package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	mqcontracts "taskflow/contracts/mq"
	"taskflow/internal/config"
	"taskflow/internal/httpserver"
	"taskflow/internal/mqhandler"
	"taskflow/internal/queue"
	"taskflow/internal/service"
	"taskflow/internal/storage"
	"taskflow/internal/worker"
	"taskflow/pkg/circuitbreaker"
	"taskflow/pkg/logger"
	"taskflow/pkg/mq"
	"taskflow/pkg/outbox"
	"taskflow/pkg/redis"
	"taskflow/pkg/util"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	log.Info("Starting taskflow worker...",
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("Storage initialization failed", zap.Error(err))
	}
	defer store.Close()

	// Redis：去重与 overdue 扫描锁，不可用时降级运行
	var (
		deduper mqhandler.JobDeduper
		lock    worker.SweepLock
	)
	rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Warn("Redis unavailable, running without dedup and sweep lock", zap.Error(err))
	} else {
		defer rdb.Close()
		deduper = util.NewDeduper(rdb, time.Hour, log)
		lock = util.NewWindowLock(rdb, "task_overdue_sweep", cfg.Worker.OverdueInterval)
	}

	// MQ Publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// The worker never enqueues from ApplyStatusUpdateFromQueue; the notifier
	// is still wired so the mutator is complete.
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("status_queue"))
	mutator := service.NewTaskMutator(store.Tasks, queue.NewStatusQueue(publisher, breaker, log), log)

	// Status update consumer
	handler := mqhandler.NewStatusUpdateHandler(mutator, deduper, log)
	consumer, err := mq.NewConsumer(
		cfg.MQ.URL,
		mqcontracts.QueueTaskStatusUpdate,
		mqcontracts.RoutingKeyTaskStatusUpdate,
		mq.ConsumerConfig{
			Concurrency:       cfg.Worker.Concurrency,
			MaxAttempts:       cfg.Worker.MaxAttempts,
			RetryInitialDelay: cfg.Worker.RetryInitialDelay,
			DLQMaxLength:      cfg.Worker.DLQMaxLength,
			ShouldRetry:       mqhandler.ShouldRetry,
		},
		log,
	)
	if err != nil {
		log.Fatal("Status update consumer init failed", zap.Error(err))
	}
	consumer.SetHandler(handler.HandleStatusUpdate)
	defer consumer.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.StartConsuming(ctx); err != nil {
			log.Error("Status update consumer stopped", zap.Error(err))
			cancel()
		}
	}()

	// Overdue sweep
	orchestrator := worker.NewOrchestrator(mutator, publisher, lock, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		orchestrator.Run(ctx, cfg.Worker.OverdueInterval)
	}()

	// Outbox Dispatcher
	if store.Outbox != nil {
		dispatcher := outbox.NewDispatcher(store.Outbox, publisher, log).WithInterval(cfg.Worker.OutboxInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Start(ctx)
		}()
	}

	// Probes and metrics
	probes := httpserver.NewProbeRouter(map[string]httpserver.ReadinessCheck{
		"db": store.Tasks.Ping,
		"mq": func(context.Context) error {
			if !consumer.IsConnected() || !publisher.IsConnected() {
				return errors.New("broker disconnected")
			}
			return nil
		},
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Worker.MetricsPort,
		Handler:           probes.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Worker probe server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Worker probe server failed", zap.Error(err))
		}
	}()

	log.Info("Worker running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("Shutting down taskflow worker gracefully...")
	cancel()
	consumer.Stop()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Probe server shutdown error", zap.Error(err))
	}

	log.Info("taskflow worker shutdown complete")
}
