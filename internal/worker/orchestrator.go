package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/apk-analysis/apk-repack-go/internal/pipeline"
	"github.com/apk-analysis/apk-repack-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// ErrTaskSkipped 任务已取消或已结束，不再执行
var ErrTaskSkipped = errors.New("task skipped")

// Repacker 重打包流程
type Repacker interface {
	RewriteAndRepackage(ctx context.Context, req pipeline.Request) (*pipeline.Run, error)
}

// progressByState 各状态对应的进度百分比
var progressByState = map[pipeline.State]int{
	pipeline.StatePending:           0,
	pipeline.StateUnpacked:          20,
	pipeline.StateIdentityRewritten: 40,
	pipeline.StateRepacked:          60,
	pipeline.StateSigned:            75,
	pipeline.StateChannelRestored:   90,
	pipeline.StateFinalized:         100,
}

// ProgressPercent 流程状态对应的进度
func ProgressPercent(state pipeline.State) int {
	return progressByState[state]
}

// Orchestrator 执行持久化的重打包任务并同步任务状态
type Orchestrator struct {
	taskRepo repository.TaskRepository
	repacker Repacker
	logger   *logrus.Logger
}

// NewOrchestrator 创建任务编排器
func NewOrchestrator(taskRepo repository.TaskRepository, repacker Repacker, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		taskRepo: taskRepo,
		repacker: repacker,
		logger:   logger,
	}
}

// ExecuteTask 执行一个任务
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) error {
	task, err := o.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}

	// 消息重复投递或任务已被取消
	if task.Status.Finished() {
		o.logger.WithFields(logrus.Fields{
			"task_id": taskID,
			"status":  task.Status,
		}).Info("Task already finished, skipping")
		return ErrTaskSkipped
	}

	run, err := o.repacker.RewriteAndRepackage(ctx, pipeline.Request{
		TaskID:      task.ID,
		SourceAPK:   task.SourceAPK,
		PackageName: task.PackageName,
		DisplayName: task.DisplayName,
		IconPath:    task.IconPath,
	})
	if err != nil {
		// 服务停止导致的中断不算失败，任务回到排队状态，下次启动时重新投递
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			o.requeueTask(task.ID, err)
			return err
		}
		o.failTask(task.ID, err)
		return err
	}

	// 使用独立 ctx：即使调用方已取消，也要记录成功结果
	if err := o.taskRepo.MarkCompleted(context.Background(), task.ID, repository.TaskResult{
		RunID:      run.ID,
		OldPackage: run.OldPackage,
		Channel:    run.Channel,
		FinalAPK:   run.FinalAPK,
		CacheDir:   run.UnpackedDir,
	}); err != nil {
		return fmt.Errorf("failed to persist task result: %w", err)
	}
	return nil
}

// OnEvent 流程状态监听，写入任务进度
func (o *Orchestrator) OnEvent(event pipeline.Event) {
	if event.TaskID == "" {
		return
	}
	ctx := context.Background()

	var err error
	switch event.State {
	case pipeline.StatePending:
		err = o.taskRepo.MarkRunning(ctx, event.TaskID, event.RunID)
	case pipeline.StateFailed:
		// 失败由 failTask 记录
		return
	default:
		err = o.taskRepo.UpdateProgress(ctx, event.TaskID, string(event.State), ProgressPercent(event.State))
	}
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"task_id": event.TaskID,
			"state":   event.State,
		}).Warn("Failed to update task progress")
	}
}

func (o *Orchestrator) failTask(taskID string, err error) {
	stage := pipeline.FailedStage(err)
	if updateErr := o.taskRepo.UpdateFailure(context.Background(), taskID, string(stage), pipeline.Outcome(err)); updateErr != nil {
		o.logger.WithError(updateErr).WithField("task_id", taskID).Error("Failed to record task failure")
	}
}

func (o *Orchestrator) requeueTask(taskID string, err error) {
	logger := o.logger.WithFields(logrus.Fields{
		"task_id": taskID,
		"stage":   pipeline.FailedStage(err),
	})
	if resetErr := o.taskRepo.ResetForRetry(context.Background(), taskID); resetErr != nil {
		logger.WithError(resetErr).Error("Failed to requeue interrupted task")
		return
	}
	logger.Warn("Run interrupted, task left queued")
}

// IsSkipped 任务是否因已结束而被跳过
func IsSkipped(err error) bool {
	return errors.Is(err, ErrTaskSkipped)
}

var _ Repacker = (*pipeline.Service)(nil)
