package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/apk-analysis/apk-repack-go/internal/domain"
	"github.com/apk-analysis/apk-repack-go/internal/pipeline"
	"github.com/apk-analysis/apk-repack-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeDescriber struct {
	info *pipeline.ApkInfo
	err  error
}

func (f *fakeDescriber) UnpackAndDescribe(context.Context, string) (*pipeline.ApkInfo, error) {
	return f.info, f.err
}

type fakeRunner struct {
	err   error
	calls []string
}

func (f *fakeRunner) RunAndWait(_ context.Context, taskID, _ string) error {
	f.calls = append(f.calls, taskID)
	return f.err
}

func newRepackRouter(describer Describer, svc service.TaskService, runner Runner) *gin.Engine {
	handler := NewRepackHandler(describer, svc, runner, testLogger())
	router := setupTestRouter()
	router.POST("/api/describe", handler.Describe)
	router.POST("/api/repack", handler.Repack)
	return router
}

func TestRepackHandler_Describe(t *testing.T) {
	describer := &fakeDescriber{info: &pipeline.ApkInfo{
		PackageName: "com.foo.app",
		DisplayName: "Foo",
		IconPath:    "/cache/x/original/res/mipmap-xxxhdpi/ic_launcher.png",
	}}
	router := newRepackRouter(describer, new(MockTaskService), &fakeRunner{})

	w := doJSON(router, http.MethodPost, "/api/describe", gin.H{"source_apk": "/apps/foo.apk"})
	assert.Equal(t, http.StatusOK, w.Code)

	var info pipeline.ApkInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, *describer.info, info)
}

func TestRepackHandler_DescribeFailure(t *testing.T) {
	describer := &fakeDescriber{err: &pipeline.StageError{Stage: pipeline.StageDecompile, Err: errors.New("exit status 1")}}
	router := newRepackRouter(describer, new(MockTaskService), &fakeRunner{})

	w := doJSON(router, http.MethodPost, "/api/describe", gin.H{"source_apk": "/apps/foo.apk"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp RepackResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error: decompile: exit status 1", resp.Result)
	assert.Equal(t, "decompile", resp.Stage)

	w = doJSON(router, http.MethodPost, "/api/describe", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRepackHandler_RepackSuccess(t *testing.T) {
	mockService := new(MockTaskService)
	runner := &fakeRunner{}
	router := newRepackRouter(&fakeDescriber{}, mockService, runner)

	mockService.On("CreateTask", mock.Anything).Return(&domain.RepackTask{ID: "task-1", SourceAPK: "/apps/foo.apk"}, nil)
	mockService.On("GetTask", "task-1").Return(&domain.RepackTask{
		ID:       "task-1",
		Status:   domain.TaskStatusCompleted,
		FinalAPK: "/apps/foo.apk.repacked.apk",
	}, nil)

	w := doJSON(router, http.MethodPost, "/api/repack", gin.H{
		"source_apk":   "/apps/foo.apk",
		"package_name": "com.bar.app",
		"display_name": "Bar",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp RepackResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Result)
	assert.Empty(t, resp.Stage)
	require.NotNil(t, resp.Task)
	assert.Equal(t, "/apps/foo.apk.repacked.apk", resp.Task.FinalAPK)
	assert.Equal(t, []string{"task-1"}, runner.calls)
}

func TestRepackHandler_RepackStageFailure(t *testing.T) {
	mockService := new(MockTaskService)
	runner := &fakeRunner{err: &pipeline.StageError{Stage: pipeline.StageSign, Err: errors.New("keystore not found")}}
	router := newRepackRouter(&fakeDescriber{}, mockService, runner)

	mockService.On("CreateTask", mock.Anything).Return(&domain.RepackTask{ID: "task-2", SourceAPK: "/apps/foo.apk"}, nil)
	mockService.On("GetTask", "task-2").Return(&domain.RepackTask{ID: "task-2", Status: domain.TaskStatusFailed}, nil)

	w := doJSON(router, http.MethodPost, "/api/repack", gin.H{"source_apk": "/apps/foo.apk"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp RepackResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error: sign: keystore not found", resp.Result)
	assert.Equal(t, "sign", resp.Stage)
	assert.Equal(t, "sign: keystore not found", resp.Error)
}

func TestRepackHandler_RepackDuplicate(t *testing.T) {
	mockService := new(MockTaskService)
	runner := &fakeRunner{}
	router := newRepackRouter(&fakeDescriber{}, mockService, runner)

	mockService.On("CreateTask", mock.Anything).Return(nil, service.ErrDuplicateTask)

	w := doJSON(router, http.MethodPost, "/api/repack", gin.H{"source_apk": "/apps/foo.apk"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, runner.calls)
}
