package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "taskflow/contracts/mq"
	"taskflow/internal/model"
	"taskflow/internal/service"
	"taskflow/pkg/logger"
	"taskflow/pkg/util"
)

const statusUpdateHandlerName = "task_status_update"

// ErrMalformedJob marks a message that can never be processed.
var ErrMalformedJob = errors.New("malformed status update job")

type StatusApplier interface {
	ApplyStatusUpdateFromQueue(ctx context.Context, id string, status model.TaskStatus) (*model.Task, error)
}

type JobDeduper interface {
	AcquireOnce(ctx context.Context, handler, jobID string) bool
	Release(ctx context.Context, handler, jobID string)
}

type StatusUpdateHandler struct {
	applier StatusApplier
	deduper JobDeduper
	logger  *zap.Logger
}

// NewStatusUpdateHandler creates the handler. deduper may be nil.
func NewStatusUpdateHandler(applier StatusApplier, deduper JobDeduper, logger *zap.Logger) *StatusUpdateHandler {
	return &StatusUpdateHandler{
		applier: applier,
		deduper: deduper,
		logger:  logger,
	}
}

// HandleStatusUpdate applies a StatusUpdateJob. It is idempotent: a job
// delivered twice is skipped by the dedup marker, and reapplying the same
// status is a no-op in the store.
func (h *StatusUpdateHandler) HandleStatusUpdate(ctx context.Context, raw json.RawMessage) error {
	var job mqcontracts.StatusUpdateJob
	if err := json.Unmarshal(raw, &job); err != nil {
		h.logger.Error("Failed to unmarshal status update job", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if job.TaskID == "" {
		return fmt.Errorf("%w: missing task_id", ErrMalformedJob)
	}
	status, err := model.ParseTaskStatus(job.Status)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("job_id", job.JobID),
		zap.String("task_id", job.TaskID),
		zap.String("status", string(status)),
	)

	if h.deduper != nil && job.JobID != "" {
		if !h.deduper.AcquireOnce(ctx, statusUpdateHandlerName, job.JobID) {
			return nil
		}
	}

	_, err = h.applier.ApplyStatusUpdateFromQueue(ctx, job.TaskID, status)
	switch {
	case err == nil:
		log.Info("Status update job processed")
		return nil
	case errors.Is(err, service.ErrNotFound):
		// 任务已被删除，丢弃消息
		log.Warn("Task no longer exists, dropping status update")
		return nil
	}

	if h.deduper != nil && job.JobID != "" {
		h.deduper.Release(ctx, statusUpdateHandlerName, job.JobID)
	}
	log.Error("Failed to apply status update", zap.Error(err))
	return err
}

// ShouldRetry decides whether the consumer schedules another delivery.
// Malformed jobs and validation failures go straight to the DLQ, everything
// else gets the retry queue until attempts run out.
func ShouldRetry(err error) bool {
	if errors.Is(err, ErrMalformedJob) || errors.Is(err, service.ErrValidation) {
		return false
	}
	if _, kind := util.IsRetryableError(err); kind == "json_decode_error" || kind == "context_canceled" {
		return false
	}
	return true
}
