package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/apk-analysis/apk-repack-go/internal/domain"
	"github.com/apk-analysis/apk-repack-go/internal/repository"
	"github.com/apk-analysis/apk-repack-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Dispatcher 投递任务到执行端（本地 Worker 池或 RabbitMQ）
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID, sourceAPK string) error
}

// TaskRecorder 任务创建计数
type TaskRecorder interface {
	RecordTaskCreated(source string)
}

// TaskHandler 任务处理器
type TaskHandler struct {
	taskService service.TaskService
	dispatcher  Dispatcher
	recorder    TaskRecorder
	logger      *logrus.Logger
}

// NewTaskHandler 创建任务处理器实例，recorder 可为 nil
func NewTaskHandler(taskService service.TaskService, dispatcher Dispatcher, recorder TaskRecorder, logger *logrus.Logger) *TaskHandler {
	return &TaskHandler{
		taskService: taskService,
		dispatcher:  dispatcher,
		recorder:    recorder,
		logger:      logger,
	}
}

// CreateTask 创建异步重打包任务
// POST /api/tasks
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req service.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数格式错误: " + err.Error()})
		return
	}
	req.Source = domain.TaskSourceAPI

	task, err := h.taskService.CreateTask(c.Request.Context(), req)
	if err != nil {
		writeCreateError(c, err)
		return
	}
	if h.recorder != nil {
		h.recorder.RecordTaskCreated(string(task.Source))
	}

	if err := h.dispatcher.Dispatch(c.Request.Context(), task.ID, task.SourceAPK); err != nil {
		// 任务已入库，保持 queued，服务重启时会重新投递
		h.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to dispatch task")
		c.JSON(http.StatusAccepted, gin.H{
			"task":    task,
			"warning": "任务已创建但投递失败，将在服务重启后重新投递",
		})
		return
	}

	c.JSON(http.StatusCreated, task)
}

// ListTasks 获取任务列表
// GET /api/tasks?page=1&page_size=20&status=failed&search=关键词
// search 匹配源 APK 路径与包名
func (h *TaskHandler) ListTasks(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	tasks, total, err := h.taskService.ListTasks(c.Request.Context(), page, pageSize, c.Query("status"), c.Query("search"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取任务列表失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks":       tasks,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// GetTask 获取单个任务详情
// GET /api/tasks/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	task, err := h.taskService.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// DeleteTask 删除任务，不删除产物文件
// DELETE /api/tasks/:id
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	if err := h.taskService.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// CancelTask 取消排队中的任务，运行中的任务不可取消
// POST /api/tasks/:id/cancel
func (h *TaskHandler) CancelTask(c *gin.Context) {
	cancelled, err := h.taskService.CancelTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeLookupError(c, err)
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "只能取消排队中的任务"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RetryTask 重新排队失败或已取消的任务
// POST /api/tasks/:id/retry
func (h *TaskHandler) RetryTask(c *gin.Context) {
	task, err := h.taskService.RetryTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrTaskNotRetry) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		writeLookupError(c, err)
		return
	}

	if err := h.dispatcher.Dispatch(c.Request.Context(), task.ID, task.SourceAPK); err != nil {
		h.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to dispatch retried task")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "任务投递失败"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetSystemStats 各状态任务数量
// GET /api/stats
func (h *TaskHandler) GetSystemStats(c *gin.Context) {
	statusCounts, total, err := h.taskService.GetStatusCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get status counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计信息失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_tasks":      total,
		"status_breakdown": statusCounts,
	})
}

func writeCreateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrDuplicateTask):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败"})
	}
}

func writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
