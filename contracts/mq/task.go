package mq

import "time"

// Routing keys
const (
	RoutingKeyTaskStatusUpdate = "task.status_update"
	RoutingKeyTaskOverdue      = "task.overdue"
)

// Queue names
const (
	QueueTaskStatusUpdate = "task.status_update"
)

// StatusUpdateJob is enqueued after a committed status change and applied
// by the worker.
type StatusUpdateJob struct {
	JobID      string    `json:"job_id"`
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	TraceID    string    `json:"trace_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// TaskOverduePayload is published by the overdue sweep.
type TaskOverduePayload struct {
	TaskID     string    `json:"task_id"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	DueDate    time.Time `json:"due_date"`
	DetectedAt time.Time `json:"detected_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}
