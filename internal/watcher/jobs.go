package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apk-analysis/apk-repack-go/internal/domain"
	"github.com/apk-analysis/apk-repack-go/internal/service"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// JobPattern 热目录中的重打包 job 文件
const JobPattern = "*.repack.yaml"

const (
	doneSuffix   = ".done"
	failedSuffix = ".failed"
)

// TaskCreator 创建任务
type TaskCreator interface {
	CreateTask(ctx context.Context, req service.CreateTaskRequest) (*domain.RepackTask, error)
}

// Dispatcher 投递任务到执行端（本地池或消息队列）
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID, sourceAPK string) error
}

// LoadJobFile 解析 job 文件，相对路径以 job 文件所在目录为基准
//
//	source_apk: game.apk
//	package_name: com.bar.app
//	display_name: Bar
//	icon_path: icons/bar.png
func LoadJobFile(path string) (*service.CreateTaskRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var req service.CreateTaskRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	req.SourceAPK = resolve(dir, req.SourceAPK)
	req.IconPath = resolve(dir, req.IconPath)
	req.Source = domain.TaskSourceWatcher
	return &req, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// JobHandler 把 job 文件转换为任务并投递
// 处理后 job 文件改名为 .done 或 .failed
type JobHandler struct {
	creator    TaskCreator
	dispatcher Dispatcher
	logger     *logrus.Logger
}

// NewJobHandler 创建 job 文件处理器
func NewJobHandler(creator TaskCreator, dispatcher Dispatcher, logger *logrus.Logger) *JobHandler {
	return &JobHandler{
		creator:    creator,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Handle 实现 FileHandler
func (h *JobHandler) Handle(ctx context.Context, path string) error {
	task, err := h.submit(ctx, path)
	if err != nil {
		// 重复任务保留 job 文件，待已有任务结束后可重新触发
		if errors.Is(err, service.ErrDuplicateTask) {
			return err
		}
		h.finish(path, failedSuffix)
		return err
	}

	h.finish(path, doneSuffix)
	h.logger.WithFields(logrus.Fields{
		"job":     path,
		"task_id": task.ID,
	}).Info("Job file submitted")
	return nil
}

func (h *JobHandler) submit(ctx context.Context, path string) (*domain.RepackTask, error) {
	req, err := LoadJobFile(path)
	if err != nil {
		return nil, err
	}
	task, err := h.creator.CreateTask(ctx, *req)
	if err != nil {
		return nil, err
	}
	if err := h.dispatcher.Dispatch(ctx, task.ID, task.SourceAPK); err != nil {
		return nil, fmt.Errorf("failed to dispatch task %s: %w", task.ID, err)
	}
	return task, nil
}

func (h *JobHandler) finish(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		h.logger.WithError(err).WithField("job", path).Warn("Failed to rename job file")
	}
}
