package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	mqcontracts "taskflow/contracts/mq"
	"taskflow/internal/model"
	"taskflow/pkg/logger"
	"taskflow/pkg/metrics"
	"taskflow/pkg/trace"
)

type OverdueSource interface {
	GetOverdueTasks(ctx context.Context) ([]model.Task, error)
}

type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// SweepLock lets one worker replica sweep per interval.
type SweepLock interface {
	ClaimWindow(ctx context.Context, now time.Time) (bool, error)
}

// Orchestrator runs the periodic overdue sweep.
type Orchestrator struct {
	tasks     OverdueSource
	publisher Publisher
	lock      SweepLock
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator creates the sweep. lock may be nil when only one worker runs.
func NewOrchestrator(tasks OverdueSource, publisher Publisher, lock SweepLock, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		tasks:     tasks,
		publisher: publisher,
		lock:      lock,
		logger:    logger,
		now:       time.Now,
	}
}

// CheckOverdue publishes task.overdue for every overdue task and returns how
// many were published. A failed lookup is logged and treated as no overdue
// tasks; the next tick tries again.
func (o *Orchestrator) CheckOverdue(ctx context.Context) int {
	ctx = trace.WithContext(ctx, trace.GenerateTraceID())
	log := logger.WithTrace(ctx, o.logger)

	if o.lock != nil {
		won, err := o.lock.ClaimWindow(ctx, o.now())
		switch {
		case err != nil:
			log.Warn("Overdue lock unavailable, running without it", zap.Error(err))
		case !won:
			log.Debug("Overdue sweep already ran in this interval, skipping")
			return 0
		}
	}

	tasks, err := o.tasks.GetOverdueTasks(ctx)
	if err != nil {
		log.Error("Failed to list overdue tasks", zap.Error(err))
		tasks = nil
	}
	metrics.SetOverdueTasks(len(tasks))

	if len(tasks) == 0 {
		log.Debug("No overdue tasks found")
		return 0
	}

	detectedAt := o.now().UTC()
	published := 0
	for _, t := range tasks {
		if t.DueDate == nil {
			continue
		}
		payload := mqcontracts.TaskOverduePayload{
			TaskID:     t.ID,
			UserID:     t.UserID,
			Title:      t.Title,
			DueDate:    *t.DueDate,
			DetectedAt: detectedAt,
			TraceID:    trace.FromContext(ctx),
		}
		if err := o.publisher.PublishWithContext(ctx, mqcontracts.RoutingKeyTaskOverdue, payload); err != nil {
			log.Error("Failed to publish task.overdue event", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		published++
	}

	log.Info("Overdue check completed",
		zap.Int("overdue_count", len(tasks)),
		zap.Int("published", published),
	)
	return published
}

// Run sweeps immediately and then every interval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.CheckOverdue(ctx)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Overdue orchestrator stopped")
			return
		case <-ticker.C:
			o.CheckOverdue(ctx)
		}
	}
}
