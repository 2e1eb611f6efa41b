// Package queue adapts the message broker to the status notifier used by the
// task mutator.
package queue

import (
	"context"

	"go.uber.org/zap"

	mqcontracts "taskflow/contracts/mq"
	"taskflow/internal/model"
	"taskflow/internal/service"
	"taskflow/pkg/circuitbreaker"
	"taskflow/pkg/logger"
)

// Publisher is the subset of mq.Publisher used here.
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// StatusQueue publishes StatusUpdateJobs behind a circuit breaker.
type StatusQueue struct {
	publisher Publisher
	breaker   *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

var _ service.StatusNotifier = (*StatusQueue)(nil)

func NewStatusQueue(publisher Publisher, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *StatusQueue {
	return &StatusQueue{publisher: publisher, breaker: breaker, logger: logger}
}

// EnqueueStatusUpdate publishes one job. A fresh job id is minted per call.
func (q *StatusQueue) EnqueueStatusUpdate(ctx context.Context, taskID string, status model.TaskStatus) error {
	job := service.NewStatusUpdateJob(ctx, taskID, status)

	err := q.breaker.Execute(func() error {
		return q.publisher.PublishWithContext(ctx, mqcontracts.RoutingKeyTaskStatusUpdate, job)
	})
	if err != nil {
		return err
	}

	logger.WithTrace(ctx, q.logger).Debug("Status update enqueued",
		zap.String("job_id", job.JobID),
		zap.String("task_id", taskID),
		zap.String("status", string(status)),
	)
	return nil
}
