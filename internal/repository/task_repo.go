package repository

import (
	"context"
	"errors"
	"time"

	"github.com/apk-analysis/apk-repack-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrTaskNotFound = errors.New("task not found")

// TaskResult 成功运行的产物信息
type TaskResult struct {
	RunID      string
	OldPackage string
	Channel    string
	FinalAPK   string
	CacheDir   string
}

type TaskRepository interface {
	Create(ctx context.Context, task *domain.RepackTask) error
	FindByID(ctx context.Context, id string) (*domain.RepackTask, error)
	Delete(ctx context.Context, id string) error
	// 获取任务列表（支持状态过滤和按源路径/包名搜索）
	ListWithSearch(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.RepackTask, int64, error)
	// 获取所有排队中的任务（不分页）
	ListQueuedTasks(ctx context.Context) ([]*domain.RepackTask, error)
	MarkRunning(ctx context.Context, id string, runID string) error
	UpdateProgress(ctx context.Context, id string, state string, percent int) error
	MarkCompleted(ctx context.Context, id string, result TaskResult) error
	UpdateFailure(ctx context.Context, id string, stage string, errorMessage string) error
	// Cancel 只取消仍在排队的任务
	Cancel(ctx context.Context, id string) (bool, error)
	ResetForRetry(ctx context.Context, id string) error
	// FailInterrupted 将上次进程退出时仍在运行的任务标记为失败
	FailInterrupted(ctx context.Context) (int64, error)
	// 检查同一源 APK 是否已有未结束的任务（防止文件监听重复创建）
	HasActiveTaskForAPK(ctx context.Context, sourceAPK string) (bool, error)
	// 获取各状态任务数量统计
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
}

type taskRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewTaskRepository(db *gorm.DB, logger *logrus.Logger) TaskRepository {
	return &taskRepo{
		db:     db,
		logger: logger,
	}
}

func (r *taskRepo) Create(ctx context.Context, task *domain.RepackTask) error {
	task.CreatedAt = time.Now().UTC()
	if task.Status == "" {
		task.Status = domain.TaskStatusQueued
	}
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *taskRepo) FindByID(ctx context.Context, id string) (*domain.RepackTask, error) {
	var task domain.RepackTask
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&domain.RepackTask{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	r.logger.WithField("task_id", id).Info("Task deleted")
	return nil
}

func (r *taskRepo) ListWithSearch(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.RepackTask, int64, error) {
	var tasks []*domain.RepackTask
	var total int64

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	baseQuery := r.db.WithContext(ctx).Model(&domain.RepackTask{})
	if statusFilter != "" && statusFilter != "all" {
		baseQuery = baseQuery.Where("status = ?", statusFilter)
	}
	if search != "" {
		pattern := "%" + search + "%"
		baseQuery = baseQuery.Where("source_apk LIKE ? OR package_name LIKE ? OR old_package LIKE ?", pattern, pattern, pattern)
	}

	if err := baseQuery.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := baseQuery.
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&tasks).Error

	return tasks, total, err
}

func (r *taskRepo) ListQueuedTasks(ctx context.Context) ([]*domain.RepackTask, error) {
	var tasks []*domain.RepackTask

	err := r.db.WithContext(ctx).
		Where("status = ?", domain.TaskStatusQueued).
		Order("created_at ASC"). // 先进先出
		Find(&tasks).Error

	return tasks, err
}

func (r *taskRepo) MarkRunning(ctx context.Context, id string, runID string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.RepackTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.TaskStatusRunning,
			"run_id":     runID,
			"started_at": &now,
		}).Error
}

func (r *taskRepo) UpdateProgress(ctx context.Context, id string, state string, percent int) error {
	return r.db.WithContext(ctx).
		Model(&domain.RepackTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":            state,
			"progress_percent": percent,
		}).Error
}

func (r *taskRepo) MarkCompleted(ctx context.Context, id string, result TaskResult) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&domain.RepackTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.TaskStatusCompleted,
			"progress_percent": 100,
			"run_id":           result.RunID,
			"old_package":      result.OldPackage,
			"channel":          result.Channel,
			"final_apk":        result.FinalAPK,
			"cache_dir":        result.CacheDir,
			"completed_at":     &now,
		}).Error
	if err != nil {
		r.logger.WithError(err).WithField("task_id", id).Error("Failed to mark task completed")
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"task_id":   id,
		"final_apk": result.FinalAPK,
	}).Info("Task marked as completed")
	return nil
}

// UpdateFailure 记录失败阶段与错误消息，同时将状态设置为 failed
func (r *taskRepo) UpdateFailure(ctx context.Context, id string, stage string, errorMessage string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&domain.RepackTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.TaskStatusFailed,
			"failed_stage":  stage,
			"error_message": errorMessage,
			"completed_at":  &now,
		}).Error
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"task_id": id,
			"stage":   stage,
		}).Error("Failed to update task failure")
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"task_id": id,
		"stage":   stage,
	}).Warn("Task marked as failed")
	return nil
}

func (r *taskRepo) Cancel(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.RepackTask{}).
		Where("id = ? AND status = ?", id, domain.TaskStatusQueued).
		Updates(map[string]interface{}{
			"status":       domain.TaskStatusCancelled,
			"completed_at": &now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ResetForRetry 将任务状态改回 queued，清除失败信息
func (r *taskRepo) ResetForRetry(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.RepackTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.TaskStatusQueued,
			"state":            "",
			"failed_stage":     "",
			"error_message":    "",
			"progress_percent": 0,
			"run_id":           "",
			"started_at":       nil,
			"completed_at":     nil,
		})
	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Failed to reset task for retry")
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}

	r.logger.WithField("task_id", id).Info("Task reset for retry")
	return nil
}

func (r *taskRepo) FailInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.RepackTask{}).
		Where("status = ?", domain.TaskStatusRunning).
		Updates(map[string]interface{}{
			"status":        domain.TaskStatusFailed,
			"error_message": "interrupted by service restart",
			"completed_at":  &now,
		})
	if result.Error != nil {
		r.logger.WithError(result.Error).Error("Failed to mark interrupted tasks")
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		r.logger.WithField("count", result.RowsAffected).Warn("Marked interrupted tasks as failed")
	}
	return result.RowsAffected, nil
}

func (r *taskRepo) HasActiveTaskForAPK(ctx context.Context, sourceAPK string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.RepackTask{}).
		Where("source_apk = ? AND status IN ?", sourceAPK, []domain.TaskStatus{domain.TaskStatusQueued, domain.TaskStatusRunning}).
		Count(&count).Error
	if err != nil {
		r.logger.WithError(err).WithField("source_apk", sourceAPK).Error("Failed to check active task for APK")
		return false, err
	}
	return count > 0, nil
}

// GetStatusCounts 返回各状态数量与总数
func (r *taskRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type StatusCount struct {
		Status string
		Count  int64
	}

	var results []StatusCount
	err := r.db.WithContext(ctx).
		Model(&domain.RepackTask{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, 0, err
	}

	statusCounts := map[string]int64{
		string(domain.TaskStatusQueued):    0,
		string(domain.TaskStatusRunning):   0,
		string(domain.TaskStatusCompleted): 0,
		string(domain.TaskStatusFailed):    0,
		string(domain.TaskStatusCancelled): 0,
	}

	var total int64
	for _, sc := range results {
		statusCounts[sc.Status] = sc.Count
		total += sc.Count
	}

	return statusCounts, total, nil
}
