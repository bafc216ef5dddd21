package handlers

import (
	"context"
	"net/http"

	"github.com/apk-analysis/apk-repack-go/internal/domain"
	"github.com/apk-analysis/apk-repack-go/internal/pipeline"
	"github.com/apk-analysis/apk-repack-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Describer 反编译并读取 APK 信息
type Describer interface {
	UnpackAndDescribe(ctx context.Context, sourceAPK string) (*pipeline.ApkInfo, error)
}

// Runner 同步执行任务，与异步任务共用同一 Worker 池
type Runner interface {
	RunAndWait(ctx context.Context, taskID, sourceAPK string) error
}

// RepackHandler 同步接口：describe 与 repack
type RepackHandler struct {
	describer   Describer
	taskService service.TaskService
	runner      Runner
	logger      *logrus.Logger
}

// NewRepackHandler 创建处理器
func NewRepackHandler(describer Describer, taskService service.TaskService, runner Runner, logger *logrus.Logger) *RepackHandler {
	return &RepackHandler{
		describer:   describer,
		taskService: taskService,
		runner:      runner,
		logger:      logger,
	}
}

type describeRequest struct {
	SourceAPK string `json:"source_apk" binding:"required"`
}

// RepackResult 同步重打包结果，result 为 "success" 或 "error: <原因>"
type RepackResult struct {
	Result string             `json:"result"`
	Stage  string             `json:"stage,omitempty"`
	Error  string             `json:"error,omitempty"`
	Task   *domain.RepackTask `json:"task,omitempty"`
}

// Describe 读取包名、显示名称与图标
// POST /api/describe
func (h *RepackHandler) Describe(c *gin.Context) {
	var req describeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数格式错误: " + err.Error()})
		return
	}

	info, err := h.describer.UnpackAndDescribe(c.Request.Context(), req.SourceAPK)
	if err != nil {
		h.logger.WithError(err).WithField("source_apk", req.SourceAPK).Warn("Describe failed")
		c.JSON(http.StatusUnprocessableEntity, RepackResult{
			Result: pipeline.Outcome(err),
			Stage:  string(pipeline.FailedStage(err)),
			Error:  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, info)
}

// Repack 同步重打包，任务记录同样入库
// POST /api/repack
func (h *RepackHandler) Repack(c *gin.Context) {
	var req service.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数格式错误: " + err.Error()})
		return
	}
	req.Source = domain.TaskSourceAPI

	ctx := c.Request.Context()
	task, err := h.taskService.CreateTask(ctx, req)
	if err != nil {
		writeCreateError(c, err)
		return
	}

	runErr := h.runner.RunAndWait(ctx, task.ID, task.SourceAPK)
	if ctx.Err() != nil {
		// 客户端断开，任务结果仍会写入任务记录
		h.logger.WithField("task_id", task.ID).Warn("Client gone before repack finished")
		return
	}

	result := RepackResult{Result: pipeline.Outcome(runErr)}
	if latest, err := h.taskService.GetTask(context.WithoutCancel(ctx), task.ID); err == nil {
		result.Task = latest
	}

	if runErr != nil {
		result.Stage = string(pipeline.FailedStage(runErr))
		result.Error = runErr.Error()
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	c.JSON(http.StatusOK, result)
}
