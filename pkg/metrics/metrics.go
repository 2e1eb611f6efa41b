package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 任务变更计数
	TaskMutationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_mutation_total",
			Help: "Total number of task mutations",
		},
		[]string{"operation", "result"}, // result: success, failed
	)

	// 状态通知入队计数
	StatusEnqueueCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_status_enqueue_total",
			Help: "Total number of status notifications enqueued after commit",
		},
		[]string{"result"}, // result: success, failed
	)

	// 重试次数
	RetryAttemptCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempt_total",
			Help: "Total number of retried operation attempts",
		},
		[]string{"operation"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// MQ 消费结果
	MQConsumeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mq_consume_total",
			Help: "Total number of consumed messages by outcome",
		},
		[]string{"queue", "outcome"}, // outcome: ack, retry, dlq, duplicate
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of queries slower than the configured threshold",
		},
		[]string{"sql"},
	)

	// 慢查询耗时（秒）
	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 最近一次扫描发现的逾期任务数
	OverdueTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "task_overdue_current",
			Help: "Number of overdue tasks found by the last sweep",
		},
	)

	// 熔断器状态：0 closed, 1 open, 2 half-open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	// 待重放的失败通知数
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_events",
			Help: "Number of failed notifications waiting for replay",
		},
	)
)

// IncrementTaskMutation 记录任务变更
func IncrementTaskMutation(operation string, err error) {
	TaskMutationCount.WithLabelValues(operation, result(err)).Inc()
}

// IncrementStatusEnqueue 记录状态通知入队结果
func IncrementStatusEnqueue(err error) {
	StatusEnqueueCount.WithLabelValues(result(err)).Inc()
}

// IncrementRetryAttempt 记录一次重试
func IncrementRetryAttempt(operation string) {
	RetryAttemptCount.WithLabelValues(operation).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementMQConsume 记录消费结果
func IncrementMQConsume(queue, outcome string) {
	MQConsumeCount.WithLabelValues(queue, outcome).Inc()
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(sql).Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetOverdueTasks 设置逾期任务数
func SetOverdueTasks(n int) {
	OverdueTasks.Set(float64(n))
}

// SetCircuitBreakerState 设置熔断器状态
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// SetOutboxPending 设置待重放事件数
func SetOutboxPending(n int) {
	OutboxPending.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
