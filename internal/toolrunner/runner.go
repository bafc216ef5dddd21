// Package toolrunner 执行外部工具进程
package toolrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrToolInvocation 外部工具无法启动或以非零状态退出
var ErrToolInvocation = errors.New("tool invocation failed")

// InvocationError 工具调用失败详情
type InvocationError struct {
	Executable string
	Args       []string
	ExitCode   int // 进程未能启动时为 -1
	Stderr     string
	Err        error
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("run %s failed (exit code %d): %v", e.Executable, e.ExitCode, e.Err)
	if e.Stderr != "" {
		msg += ": " + firstLine(e.Stderr)
	}
	return msg
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

func (e *InvocationError) Is(target error) bool {
	return target == ErrToolInvocation
}

// Runner 外部进程执行接口
type Runner interface {
	// Run 阻塞直到进程退出，返回标准输出
	Run(ctx context.Context, executable string, args ...string) (string, error)
}

// ExecRunner 基于 os/exec 的实现
// 以退出码判定成败，stderr 仅记录为警告
type ExecRunner struct {
	logger  *logrus.Logger
	timeout time.Duration // 0 表示不限时
}

// NewExecRunner 创建进程执行器
func NewExecRunner(logger *logrus.Logger, timeout time.Duration) *ExecRunner {
	return &ExecRunner{
		logger:  logger,
		timeout: timeout,
	}
}

func (r *ExecRunner) Run(ctx context.Context, executable string, args ...string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.logger.WithFields(logrus.Fields{
		"executable": executable,
		"args":       strings.Join(redact(args), " "),
	}).Info("Running command")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// 进程被 ctx 终止后，子进程仍占用管道时最多再等 5 秒
	cmd.WaitDelay = 5 * time.Second

	startTime := time.Now()
	err := cmd.Run()
	duration := time.Since(startTime)

	if stderr.Len() > 0 {
		r.logger.WithFields(logrus.Fields{
			"executable": executable,
			"stderr":     stderr.String(),
		}).Warn("Command wrote to stderr")
	}

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return stdout.String(), &InvocationError{
			Executable: executable,
			Args:       redact(args),
			ExitCode:   exitCode,
			Stderr:     stderr.String(),
			Err:        err,
		}
	}

	r.logger.WithFields(logrus.Fields{
		"executable":  executable,
		"duration_ms": duration.Milliseconds(),
		"output":      stdout.String(),
	}).Debug("Command completed")

	return stdout.String(), nil
}

// secretFlags 之后的参数值不写入日志
var secretFlags = map[string]bool{
	"--ksPass":    true,
	"--ksKeyPass": true,
}

func redact(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if secretFlags[out[i]] {
			out[i+1] = "******"
		}
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
