package outbox

import (
	"context"
	"encoding/json"
	"fmt"
)

// Recorder 记录提交后发布失败的通知，供 Dispatcher 重放
type Recorder struct {
	repo          *Repository
	aggregateType string
}

// NewRecorder 创建 Recorder
func NewRecorder(repo *Repository, aggregateType string) *Recorder {
	return &Recorder{repo: repo, aggregateType: aggregateType}
}

// RecordFailedNotification 保存一条待重放事件
func (r *Recorder) RecordFailedNotification(ctx context.Context, routingKey, aggregateID string, payload any, cause error) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}

	event := &Event{
		AggregateType: r.aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	}
	if cause != nil {
		event.LastError = cause.Error()
	}
	return r.repo.InsertEvent(ctx, event)
}
