package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/apk-analysis/apk-repack-go/internal/domain"
	"github.com/apk-analysis/apk-repack-go/internal/pipeline"
	"github.com/apk-analysis/apk-repack-go/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeRepacker struct {
	fn       func(ctx context.Context, req pipeline.Request) (*pipeline.Run, error)
	requests []pipeline.Request
}

func (f *fakeRepacker) RewriteAndRepackage(ctx context.Context, req pipeline.Request) (*pipeline.Run, error) {
	f.requests = append(f.requests, req)
	return f.fn(ctx, req)
}

func setupOrchestrator(t *testing.T, repacker Repacker) (*Orchestrator, repository.TaskRepository) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.AutoMigrate(db, testLogger()))

	repo := repository.NewTaskRepository(db, testLogger())
	return NewOrchestrator(repo, repacker, testLogger()), repo
}

func TestOrchestrator_ExecuteTask_Success(t *testing.T) {
	repacker := &fakeRepacker{}
	o, repo := setupOrchestrator(t, repacker)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.RepackTask{
		ID:          "task-1",
		SourceAPK:   "/apps/game.apk",
		PackageName: "com.bar.app",
		DisplayName: "Bar",
	}))

	repacker.fn = func(_ context.Context, req pipeline.Request) (*pipeline.Run, error) {
		o.OnEvent(pipeline.Event{TaskID: req.TaskID, RunID: "run-1", State: pipeline.StatePending})
		o.OnEvent(pipeline.Event{TaskID: req.TaskID, RunID: "run-1", State: pipeline.StateSigned})

		// 运行中的状态
		task, err := repo.FindByID(ctx, req.TaskID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusRunning, task.Status)
		assert.Equal(t, "signed", task.State)
		assert.Equal(t, 75, task.ProgressPercent)

		return &pipeline.Run{
			ID:          "run-1",
			FinalAPK:    "/apps/game.apk.repacked.apk",
			UnpackedDir: "/cache/x/original",
			Channel:     "huawei",
			OldPackage:  "com.foo.app",
			State:       pipeline.StateFinalized,
		}, nil
	}

	require.NoError(t, o.ExecuteTask(ctx, "task-1"))

	require.Len(t, repacker.requests, 1)
	assert.Equal(t, pipeline.Request{
		TaskID:      "task-1",
		SourceAPK:   "/apps/game.apk",
		PackageName: "com.bar.app",
		DisplayName: "Bar",
	}, repacker.requests[0])

	task, err := repo.FindByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, "run-1", task.RunID)
	assert.Equal(t, "/apps/game.apk.repacked.apk", task.FinalAPK)
	assert.Equal(t, "huawei", task.Channel)
	assert.Equal(t, "com.foo.app", task.OldPackage)
	assert.Equal(t, 100, task.ProgressPercent)
}

func TestOrchestrator_ExecuteTask_Failure(t *testing.T) {
	stageErr := &pipeline.StageError{Stage: pipeline.StageBuild, Err: errors.New("exit status 1")}
	repacker := &fakeRepacker{fn: func(context.Context, pipeline.Request) (*pipeline.Run, error) {
		return &pipeline.Run{State: pipeline.StateFailed}, stageErr
	}}
	o, repo := setupOrchestrator(t, repacker)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &domain.RepackTask{ID: "task-2", SourceAPK: "/apps/game.apk"}))

	err := o.ExecuteTask(ctx, "task-2")
	assert.ErrorIs(t, err, stageErr)

	task, err := repo.FindByID(ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, "build", task.FailedStage)
	assert.Equal(t, "error: build: exit status 1", task.ErrorMessage)
}

// TestOrchestrator_ExecuteTask_InterruptedStaysQueued 停止服务时中断的任务保持排队
func TestOrchestrator_ExecuteTask_InterruptedStaysQueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repacker := &fakeRepacker{fn: func(context.Context, pipeline.Request) (*pipeline.Run, error) {
		cancel()
		return &pipeline.Run{State: pipeline.StateFailed}, &pipeline.StageError{Stage: pipeline.StageBuild, Err: context.Canceled}
	}}
	o, repo := setupOrchestrator(t, repacker)
	require.NoError(t, repo.Create(context.Background(), &domain.RepackTask{ID: "task-5", SourceAPK: "/apps/game.apk"}))

	err := o.ExecuteTask(ctx, "task-5")
	assert.ErrorIs(t, err, context.Canceled)

	task, err := repo.FindByID(context.Background(), "task-5")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)
	assert.Empty(t, task.FailedStage)
	assert.Empty(t, task.ErrorMessage)

	queued, err := repo.ListQueuedTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "task-5", queued[0].ID)
}

func TestOrchestrator_ExecuteTask_SkipsFinished(t *testing.T) {
	repacker := &fakeRepacker{}
	o, repo := setupOrchestrator(t, repacker)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &domain.RepackTask{ID: "task-3", SourceAPK: "/apps/game.apk"}))
	_, err := repo.Cancel(ctx, "task-3")
	require.NoError(t, err)

	err = o.ExecuteTask(ctx, "task-3")
	assert.True(t, IsSkipped(err))
	assert.Empty(t, repacker.requests)
}

func TestOrchestrator_ExecuteTask_NotFound(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeRepacker{})
	err := o.ExecuteTask(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

func TestOrchestrator_OnEventIgnoresUntrackedRuns(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeRepacker{})
	// 无 TaskID 的同步运行不写库
	assert.NotPanics(t, func() {
		o.OnEvent(pipeline.Event{RunID: "run-x", State: pipeline.StateUnpacked})
	})
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 0, ProgressPercent(pipeline.StatePending))
	assert.Equal(t, 60, ProgressPercent(pipeline.StateRepacked))
	assert.Equal(t, 100, ProgressPercent(pipeline.StateFinalized))
	assert.Equal(t, 0, ProgressPercent(pipeline.StateFailed))
}
