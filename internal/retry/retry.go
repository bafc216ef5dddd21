// Package retry 基础设施连接（数据库、消息队列）的重试
// 重打包流程的各阶段不重试
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Config 重试配置
type Config struct {
	Name            string // 日志中的操作名
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        Strategy
	Logger          *logrus.Logger
}

// DefaultConfig 默认配置：5 次，指数退避，最长 30 秒
func DefaultConfig(name string, logger *logrus.Logger) *Config {
	return &Config{
		Name:            name,
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        StrategyExponential,
		Logger:          logger,
	}
}

// Backoff 第 attempt 次失败后的等待时间（attempt 从 1 开始）
func (c *Config) Backoff(attempt int) time.Duration {
	var next time.Duration
	switch c.Strategy {
	case StrategyLinear:
		next = c.InitialInterval * time.Duration(attempt)
	case StrategyExponential:
		next = c.InitialInterval * time.Duration(1<<(attempt-1))
	default:
		next = c.InitialInterval
	}
	if c.MaxInterval > 0 && next > c.MaxInterval {
		next = c.MaxInterval
	}
	return next
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记错误为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable 取消、超时与 Permanent 标记的错误不重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	switch {
	case errors.As(err, &perm):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// Do 执行 fn 直到成功、遇到不可重试错误或次数用尽
func Do(ctx context.Context, cfg *Config, fn func(ctx context.Context) error) error {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", cfg.Name, err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.WithFields(logrus.Fields{
					"operation": cfg.Name,
					"attempt":   attempt,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := cfg.Backoff(attempt)
		logger.WithError(err).WithFields(logrus.Fields{
			"operation": cfg.Name,
			"attempt":   attempt,
			"max":       cfg.MaxAttempts,
			"wait":      wait,
		}).Warn("Operation failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s canceled during wait: %w", cfg.Name, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s: max attempts (%d) reached: %w", cfg.Name, cfg.MaxAttempts, lastErr)
}

// DoWithResult 带返回值的 Do
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}
