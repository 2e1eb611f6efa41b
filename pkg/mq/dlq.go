package mq

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DefaultDLQMaxLength 死信队列最大长度，超出后丢弃最早的消息
const DefaultDLQMaxLength = 100

// RetryQueueName 第 attempt 次失败后使用的延迟重试队列名
// 每个重试级别一个队列，TTL 固定，避免长延迟消息堵住队头
func RetryQueueName(queue string, attempt int) string {
	return fmt.Sprintf("%s.retry.%d", queue, attempt)
}

// DLQName 死信队列名
func DLQName(queue string) string {
	return fmt.Sprintf("%s.dlq", queue)
}

// retryQueueArgs 队列级 TTL 到期后经默认交换机回到工作队列
func retryQueueArgs(queue string, ttl time.Duration) amqp091.Table {
	return amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
		"x-message-ttl":             int32(max(ttl.Milliseconds(), 0)),
	}
}

func dlqArgs(maxLength int) amqp091.Table {
	if maxLength <= 0 {
		maxLength = DefaultDLQMaxLength
	}
	return amqp091.Table{
		"x-max-length": int32(maxLength),
	}
}

// DeclareRetryQueues declares one delay queue per entry in delays. The
// queue for attempt n (1-based) holds messages for delays[n-1] and then feeds
// them back into queue.
func DeclareRetryQueues(ch *amqp091.Channel, queue string, delays []time.Duration) error {
	for i, d := range delays {
		_, err := ch.QueueDeclare(
			RetryQueueName(queue, i+1),
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			retryQueueArgs(queue, d),
		)
		if err != nil {
			return fmt.Errorf("failed to declare retry queue %d: %w", i+1, err)
		}
	}
	return nil
}

// DeclareDLQ declares a bounded dead letter queue for queue.
func DeclareDLQ(ch *amqp091.Channel, queue string, maxLength int) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(
		DLQName(queue),
		true,
		false,
		false,
		false,
		dlqArgs(maxLength),
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}
	return q, nil
}

// attemptFromHeaders 读取投递次数，缺省为 1
func attemptFromHeaders(headers amqp091.Table) int {
	switch v := headers[HeaderAttempt].(type) {
	case int32:
		return max(int(v), 1)
	case int64:
		return max(int(v), 1)
	case int:
		return max(v, 1)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return max(n, 1)
		}
	}
	return 1
}

func copyHeaders(h amqp091.Table) amqp091.Table {
	out := make(amqp091.Table, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}
