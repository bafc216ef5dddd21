package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/apk-analysis/apk-repack-go/internal/domain"
	"github.com/apk-analysis/apk-repack-go/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrDuplicateTask  = errors.New("an unfinished task already exists for this APK")
	ErrTaskNotRetry   = errors.New("only failed or cancelled tasks can be retried")
)

// packageNamePattern Android applicationId：至少两段，每段字母开头
var packageNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)+$`)

// CreateTaskRequest 创建任务参数
type CreateTaskRequest struct {
	SourceAPK   string            `json:"source_apk" yaml:"source_apk" binding:"required"`
	PackageName string            `json:"package_name" yaml:"package_name"`
	DisplayName string            `json:"display_name" yaml:"display_name"`
	IconPath    string            `json:"icon_path" yaml:"icon_path"`
	Source      domain.TaskSource `json:"-" yaml:"-"`
}

// Validate 校验路径与包名
func (r *CreateTaskRequest) Validate() error {
	if r.SourceAPK == "" {
		return fmt.Errorf("%w: source_apk is required", ErrInvalidRequest)
	}
	if !strings.EqualFold(fileExt(r.SourceAPK), ".apk") {
		return fmt.Errorf("%w: %s is not an .apk file", ErrInvalidRequest, r.SourceAPK)
	}
	if info, err := os.Stat(r.SourceAPK); err != nil || info.IsDir() {
		return fmt.Errorf("%w: source_apk %s not found", ErrInvalidRequest, r.SourceAPK)
	}
	if r.PackageName != "" && !packageNamePattern.MatchString(r.PackageName) {
		return fmt.Errorf("%w: invalid package name %q", ErrInvalidRequest, r.PackageName)
	}
	if r.IconPath != "" {
		if _, err := os.Stat(r.IconPath); err != nil {
			return fmt.Errorf("%w: icon_path %s not found", ErrInvalidRequest, r.IconPath)
		}
	}
	return nil
}

// TaskService 任务服务接口
type TaskService interface {
	// 创建任务（状态为 queued）
	CreateTask(ctx context.Context, req CreateTaskRequest) (*domain.RepackTask, error)

	// 获取任务
	GetTask(ctx context.Context, taskID string) (*domain.RepackTask, error)

	// 获取任务列表（分页、状态过滤、搜索）
	ListTasks(ctx context.Context, page int, pageSize int, status string, search string) ([]*domain.RepackTask, int64, error)

	// 删除任务
	DeleteTask(ctx context.Context, taskID string) error

	// 取消排队中的任务
	CancelTask(ctx context.Context, taskID string) (bool, error)

	// 重新排队失败或已取消的任务
	RetryTask(ctx context.Context, taskID string) (*domain.RepackTask, error)

	// 获取任务状态统计
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
}

type taskService struct {
	taskRepo repository.TaskRepository
	logger   *logrus.Logger
}

// NewTaskService 创建任务服务实例
func NewTaskService(taskRepo repository.TaskRepository, logger *logrus.Logger) TaskService {
	return &taskService{
		taskRepo: taskRepo,
		logger:   logger,
	}
}

func (s *taskService) CreateTask(ctx context.Context, req CreateTaskRequest) (*domain.RepackTask, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// 同一源 APK 的运行不能并发，且重复提交没有意义
	active, err := s.taskRepo.HasActiveTaskForAPK(ctx, req.SourceAPK)
	if err != nil {
		s.logger.WithError(err).WithField("source_apk", req.SourceAPK).Warn("Failed to check active task, continuing anyway")
	} else if active {
		s.logger.WithField("source_apk", req.SourceAPK).Warn("Duplicate task creation blocked")
		return nil, ErrDuplicateTask
	}

	source := req.Source
	if source == "" {
		source = domain.TaskSourceAPI
	}
	task := &domain.RepackTask{
		ID:          uuid.New().String(),
		SourceAPK:   req.SourceAPK,
		Source:      source,
		PackageName: req.PackageName,
		DisplayName: req.DisplayName,
		IconPath:    req.IconPath,
		Status:      domain.TaskStatusQueued,
	}

	if err := s.taskRepo.Create(ctx, task); err != nil {
		s.logger.WithError(err).Error("Failed to create task")
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":    task.ID,
		"source_apk": task.SourceAPK,
		"source":     task.Source,
	}).Info("Task created successfully")
	return task, nil
}

func (s *taskService) GetTask(ctx context.Context, taskID string) (*domain.RepackTask, error) {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		if !errors.Is(err, repository.ErrTaskNotFound) {
			s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to get task")
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context, page int, pageSize int, status string, search string) ([]*domain.RepackTask, int64, error) {
	tasks, total, err := s.taskRepo.ListWithSearch(ctx, page, pageSize, status, search)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list tasks")
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, total, nil
}

func (s *taskService) DeleteTask(ctx context.Context, taskID string) error {
	if err := s.taskRepo.Delete(ctx, taskID); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to delete task")
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (s *taskService) CancelTask(ctx context.Context, taskID string) (bool, error) {
	cancelled, err := s.taskRepo.Cancel(ctx, taskID)
	if err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to cancel task")
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	if cancelled {
		s.logger.WithField("task_id", taskID).Info("Task cancelled")
	}
	return cancelled, nil
}

func (s *taskService) RetryTask(ctx context.Context, taskID string) (*domain.RepackTask, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskStatusFailed && task.Status != domain.TaskStatusCancelled {
		return nil, ErrTaskNotRetry
	}
	if err := s.taskRepo.ResetForRetry(ctx, taskID); err != nil {
		return nil, fmt.Errorf("failed to reset task: %w", err)
	}
	return s.GetTask(ctx, taskID)
}

func (s *taskService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	return s.taskRepo.GetStatusCounts(ctx)
}

func fileExt(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i:]
	}
	return ""
}
