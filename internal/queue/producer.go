package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// RepackMessage 重打包任务消息，任务参数以数据库记录为准
type RepackMessage struct {
	TaskID    string `json:"task_id"`
	SourceAPK string `json:"source_apk"`
}

// DecodeMessage 解析消息体
func DecodeMessage(body []byte) (*RepackMessage, error) {
	var msg RepackMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if strings.TrimSpace(msg.TaskID) == "" {
		return nil, errors.New("message has no task_id")
	}
	return &msg, nil
}

type publisher interface {
	Publish(ctx context.Context, body []byte) error
	QueueDepth() (int, error)
}

// Producer 消息生产者
type Producer struct {
	mq     publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq *RabbitMQ, logger *logrus.Logger) *Producer {
	return &Producer{
		mq:     mq,
		logger: logger,
	}
}

// Dispatch 发布任务消息
func (p *Producer) Dispatch(ctx context.Context, taskID, sourceAPK string) error {
	body, err := json.Marshal(&RepackMessage{TaskID: taskID, SourceAPK: sourceAPK})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.mq.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("task_id", taskID).Error("Failed to publish task")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"task_id":    taskID,
		"source_apk": sourceAPK,
	}).Info("Task published to queue")
	return nil
}

// GetQueueSize 获取队列大小
func (p *Producer) GetQueueSize() (int, error) {
	n, err := p.mq.QueueDepth()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return n, nil
}
