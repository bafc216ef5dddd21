package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/apk-analysis/apk-repack-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("rabbitmq channel is not open")

// Config RabbitMQ 连接配置
type Config struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Queue     string
	Prefetch  int           // 应与 worker 数量一致
	Heartbeat time.Duration // 默认 10 秒
}

// URL amqp 连接地址
func (c *Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.VHost,
	}
	return u.String()
}

// RabbitMQ 重打包任务队列的连接，断线后由 Consumer 驱动重连
type RabbitMQ struct {
	cfg      Config
	logger   *logrus.Logger
	retryCfg *retry.Config

	mu            sync.RWMutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error

	reconnect chan struct{}
}

// NewRabbitMQ 连接 RabbitMQ 并声明持久化队列，失败时按退避重试
func NewRabbitMQ(ctx context.Context, cfg Config, logger *logrus.Logger) (*RabbitMQ, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Second
	}

	mq := &RabbitMQ{
		cfg:       cfg,
		logger:    logger,
		retryCfg:  retry.DefaultConfig("rabbitmq connect", logger),
		reconnect: make(chan struct{}, 1),
	}
	if err := retry.Do(ctx, mq.retryCfg, mq.connect); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

func (mq *RabbitMQ) connect(_ context.Context) error {
	conn, err := amqp.DialConfig(mq.cfg.URL(), amqp.Config{
		Heartbeat: mq.cfg.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		// 认证与 vhost 错误重试无意义
		if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrVhost) {
			return retry.Permanent(fmt.Errorf("failed to dial: %w", err))
		}
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(mq.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if _, err := ch.QueueDeclare(mq.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", mq.cfg.Queue, err)
	}

	mq.mu.Lock()
	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))
	mq.mu.Unlock()

	mq.logger.WithFields(logrus.Fields{
		"host":     mq.cfg.Host,
		"port":     mq.cfg.Port,
		"queue":    mq.cfg.Queue,
		"prefetch": mq.cfg.Prefetch,
	}).Info("Connected to RabbitMQ")
	return nil
}

// WatchConnection 监听连接和 channel 的关闭事件，意外断开时发出重连信号
func (mq *RabbitMQ) WatchConnection(ctx context.Context) {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify, channelNotify := mq.connNotify, mq.channelNotify
			mq.mu.RUnlock()

			var amqpErr *amqp.Error
			select {
			case <-ctx.Done():
				return
			case amqpErr = <-connNotify:
			case amqpErr = <-channelNotify:
			}

			if mq.isClosed() {
				return
			}
			mq.logger.WithField("reason", amqpErr).Warn("RabbitMQ connection lost")

			select {
			case mq.reconnect <- struct{}{}:
			default:
			}

			// 等待重连完成后再监听新的通知通道
			for !mq.IsConnected() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				if mq.isClosed() {
					return
				}
			}
		}
	}()
}

// Reconnected 重连信号
func (mq *RabbitMQ) Reconnected() <-chan struct{} {
	return mq.reconnect
}

// Reconnect 关闭旧连接并按退避策略重连
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()
	if err := retry.Do(ctx, mq.retryCfg, mq.connect); err != nil {
		return err
	}
	mq.logger.Info("Reconnected to RabbitMQ")
	return nil
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

func (mq *RabbitMQ) openChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil || mq.channel.IsClosed() {
		return nil, ErrNotConnected
	}
	return mq.channel, nil
}

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	ch, err := mq.openChannel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", mq.cfg.Queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.openChannel()
	if err != nil {
		return nil, err
	}
	msgs, err := ch.Consume(mq.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", mq.cfg.Queue, err)
	}
	return msgs, nil
}

// QueueDepth 队列中待消费的消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	ch, err := mq.openChannel()
	if err != nil {
		return 0, err
	}
	q, err := ch.QueueDeclarePassive(mq.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", mq.cfg.Queue, err)
	}
	return q.Messages, nil
}

// Purge 清空队列，返回被丢弃的消息数
// 启动时以数据库中的 queued 任务为准重新投递
func (mq *RabbitMQ) Purge() (int, error) {
	ch, err := mq.openChannel()
	if err != nil {
		return 0, err
	}
	n, err := ch.QueuePurge(mq.cfg.Queue, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge %s: %w", mq.cfg.Queue, err)
	}
	mq.logger.WithFields(logrus.Fields{
		"queue":  mq.cfg.Queue,
		"purged": n,
	}).Info("Queue purged")
	return n, nil
}

// IsConnected 连接是否可用
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// Close 主动关闭，之后不再重连
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
