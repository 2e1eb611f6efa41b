package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"taskflow/pkg/logger"
	"taskflow/pkg/metrics"
	"taskflow/pkg/retry"
	"taskflow/pkg/trace"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	// 并发处理数，同时作为 prefetch
	Concurrency int
	// 总尝试次数（含首次），超过后进入死信队列
	MaxAttempts int
	// 第一次重试前的延迟，之后每次翻倍
	RetryInitialDelay time.Duration
	DLQMaxLength      int
	// 返回 false 的错误直接进入死信队列，nil 表示全部重试
	ShouldRetry func(error) bool
}

// DefaultConsumerConfig 5 并发，5 次尝试，10s 起步指数退避
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Concurrency:       5,
		MaxAttempts:       5,
		RetryInitialDelay: 10 * time.Second,
		DLQMaxLength:      DefaultDLQMaxLength,
	}
}

func (c ConsumerConfig) normalized() ConsumerConfig {
	d := DefaultConsumerConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = d.RetryInitialDelay
	}
	if c.DLQMaxLength <= 0 {
		c.DLQMaxLength = d.DLQMaxLength
	}
	return c
}

// retryDelay 第 attempt 次失败后的等待时间
func (c ConsumerConfig) retryDelay(attempt int) time.Duration {
	return retry.Backoff(retry.Policy{InitialDelay: c.RetryInitialDelay, BackoffFactor: 2}, attempt)
}

// retryDelays 每个重试级别的延迟，最后一次失败直接进 DLQ
func (c ConsumerConfig) retryDelays() []time.Duration {
	delays := make([]time.Duration, 0, c.MaxAttempts-1)
	for attempt := 1; attempt < c.MaxAttempts; attempt++ {
		delays = append(delays, c.retryDelay(attempt))
	}
	return delays
}

type Consumer struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	tag        string
	cfg        ConsumerConfig
	handler    MessageHandler
	logger     *zap.Logger

	publishMu sync.Mutex
	stopOnce  sync.Once
	stop      chan struct{}
}

// NewConsumer creates a consumer for a specific routing key, together with its
// retry queue and dead letter queue.
func NewConsumer(url, queueName, routingKey string, cfg ConsumerConfig, logger *zap.Logger) (*Consumer, error) {
	cfg = cfg.normalized()

	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	closeAll := func() {
		ch.Close()
		conn.Close()
	}

	if err := DeclareExchange(ch); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	if err := DeclareRetryQueues(ch, q.Name, cfg.retryDelays()); err != nil {
		closeAll()
		return nil, err
	}
	if _, err := DeclareDLQ(ch, q.Name, cfg.DLQMaxLength); err != nil {
		closeAll()
		return nil, err
	}

	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Int("max_attempts", cfg.MaxAttempts),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		tag:        fmt.Sprintf("%s-worker", queueName),
		cfg:        cfg,
		logger:     logger,
		stop:       make(chan struct{}),
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// IsConnected reports whether the underlying connection is open.
func (c *Consumer) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// Stop cancels the subscription; in-flight messages finish first.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Consumer) Close() {
	c.Stop()
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming blocks until ctx is done, Stop is called, or the broker
// closes the delivery channel.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.tag,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range deliveries {
				c.handleDelivery(ctx, msg)
			}
		}()
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return errors.New("delivery channel closed by broker")
	case <-ctx.Done():
	case <-c.stop:
	}

	// Cancel 关闭 deliveries，等待正在处理的消息完成
	if err := c.channel.Cancel(c.tag, false); err != nil {
		c.logger.Warn("Failed to cancel consumer", zap.String("queue", c.queue.Name), zap.Error(err))
	}
	<-drained
	c.logger.Info("Consumer stopped", zap.String("queue", c.queue.Name))
	return nil
}

// handleDelivery 保证每条消息都会被 ack 或 nack
func (c *Consumer) handleDelivery(parent context.Context, msg amqp091.Delivery) {
	start := time.Now()
	attempt := attemptFromHeaders(msg.Headers)

	ctx := context.WithoutCancel(parent)
	if traceID, ok := msg.Headers[HeaderTraceID].(string); ok {
		ctx = trace.WithContext(ctx, traceID)
	}
	log := logger.WithTrace(ctx, c.logger).With(
		zap.String("queue", c.queue.Name),
		zap.String("message_id", msg.MessageId),
		zap.Int("attempt", attempt),
	)

	err := c.invoke(ctx, msg.Body)
	metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start))

	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			log.Error("Failed to ack message", zap.Error(ackErr))
			return
		}
		metrics.IncrementMQConsume(c.queue.Name, "ack")
		log.Debug("Message processed successfully")
		return
	}

	retryable := c.cfg.ShouldRetry == nil || c.cfg.ShouldRetry(err)
	if retryable && attempt < c.cfg.MaxAttempts {
		delay := c.cfg.retryDelay(attempt)
		log.Warn("Handler error, scheduling retry", zap.Duration("delay", delay), zap.Error(err))
		c.settle(log, msg, c.publishRetry(ctx, msg, attempt), "retry")
		return
	}

	log.Error("Handler error, moving message to DLQ", zap.Bool("retryable", retryable), zap.Error(err))
	c.settle(log, msg, c.publishDLQ(ctx, msg, attempt, err), "dlq")
}

// invoke 执行 handler，panic 视为失败
func (c *Consumer) invoke(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, body)
}

// settle 转发成功后 ack 原消息；转发失败则 nack 并重新入队
func (c *Consumer) settle(log *zap.Logger, msg amqp091.Delivery, forwardErr error, outcome string) {
	if forwardErr != nil {
		log.Error("Failed to forward message, requeueing", zap.String("outcome", outcome), zap.Error(forwardErr))
		if err := msg.Nack(false, true); err != nil {
			log.Error("Failed to nack message", zap.Error(err))
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		log.Error("Failed to ack message", zap.Error(err))
		return
	}
	metrics.IncrementMQConsume(c.queue.Name, outcome)
}

// publishRetry 投递到第 attempt 级延迟队列，TTL 由队列决定
func (c *Consumer) publishRetry(ctx context.Context, msg amqp091.Delivery, attempt int) error {
	headers := copyHeaders(msg.Headers)
	headers[HeaderAttempt] = int32(attempt + 1)

	return c.publishDirect(ctx, RetryQueueName(c.queue.Name, attempt), amqp091.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.MessageId,
		Timestamp:    msg.Timestamp,
		Headers:      headers,
	})
}

func (c *Consumer) publishDLQ(ctx context.Context, msg amqp091.Delivery, attempt int, cause error) error {
	headers := copyHeaders(msg.Headers)
	headers[HeaderAttempt] = int32(attempt)
	headers["x-original-error"] = cause.Error()
	headers["x-original-routing-key"] = c.routingKey
	headers["x-failed-at"] = time.Now().UTC().Format(time.RFC3339)

	return c.publishDirect(ctx, DLQName(c.queue.Name), amqp091.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.MessageId,
		Timestamp:    msg.Timestamp,
		Headers:      headers,
	})
}

// publishDirect 通过默认交换机直接投递到指定队列
func (c *Consumer) publishDirect(ctx context.Context, queue string, p amqp091.Publishing) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	return c.channel.PublishWithContext(ctx, "", queue, false, false, p)
}
