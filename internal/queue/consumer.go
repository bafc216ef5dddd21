package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrRetryLater 处理函数返回该错误时消息重新入队
var ErrRetryLater = errors.New("retry later")

// Handler 消息处理函数
// 任务执行失败已写入任务记录，应返回 nil 以确认消息
type Handler func(ctx context.Context, msg *RepackMessage) error

// Consumer 消息消费者
type Consumer struct {
	mq            *RabbitMQ
	handler       Handler
	workers       int
	logger        *logrus.Logger
	activeWorkers int32

	mu      sync.Mutex
	wg      sync.WaitGroup
	running bool
	cancel  context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler Handler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		mq:      mq,
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Start 开始消费，并在连接恢复后自动重新订阅
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.subscribe(ctx); err != nil {
		return err
	}
	c.mq.WatchConnection(ctx)
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	msgs, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}
	c.logger.WithField("workers", c.workers).Info("Consumer started")
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				c.logger.WithField("worker_id", id).Warn("Delivery channel closed")
				return
			}
			c.processMessage(ctx, id, d)
		}
	}
}

// processMessage 处理单条消息并确认
func (c *Consumer) processMessage(ctx context.Context, workerID int, d amqp.Delivery) {
	start := time.Now()

	msg, err := DecodeMessage(d.Body)
	if err != nil {
		c.logger.WithError(err).Error("Dropping malformed message")
		d.Nack(false, false)
		return
	}

	logger := c.logger.WithFields(logrus.Fields{
		"worker_id":  workerID,
		"task_id":    msg.TaskID,
		"source_apk": msg.SourceAPK,
	})
	logger.Info("Processing queued task")

	err = c.handler(ctx, msg)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			logger.WithError(ackErr).Error("Failed to acknowledge message")
		}
		logger.WithField("duration", time.Since(start).Seconds()).Info("Queued task done")
	case errors.Is(err, ErrRetryLater) || errors.Is(err, context.Canceled):
		logger.WithError(err).Warn("Requeueing task")
		d.Nack(false, true)
	default:
		// 不重新入队，避免无限循环
		logger.WithError(err).Error("Queued task rejected")
		d.Nack(false, false)
	}
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.mq.Reconnected():
			c.logger.Warn("Connection lost, restarting consumer")
			c.stopWorkers()

			if err := c.mq.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect to RabbitMQ")
				continue
			}
			if err := c.subscribe(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 停止 worker，最多等待 30 秒
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for consumer workers to stop")
	}
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")
	c.stopWorkers()
	c.logger.Info("Consumer stopped")
}

// GetActiveWorkers 活跃 worker 数量
func (c *Consumer) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// IsRunning 是否正在消费
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
