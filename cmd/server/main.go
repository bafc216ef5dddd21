package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-analysis/apk-repack-go/internal/api"
	"github.com/apk-analysis/apk-repack-go/internal/api/handlers"
	"github.com/apk-analysis/apk-repack-go/internal/apktool"
	"github.com/apk-analysis/apk-repack-go/internal/config"
	"github.com/apk-analysis/apk-repack-go/internal/domain"
	"github.com/apk-analysis/apk-repack-go/internal/icon"
	"github.com/apk-analysis/apk-repack-go/internal/manifest"
	"github.com/apk-analysis/apk-repack-go/internal/middleware"
	"github.com/apk-analysis/apk-repack-go/internal/pipeline"
	"github.com/apk-analysis/apk-repack-go/internal/queue"
	"github.com/apk-analysis/apk-repack-go/internal/repository"
	"github.com/apk-analysis/apk-repack-go/internal/service"
	"github.com/apk-analysis/apk-repack-go/internal/toolrunner"
	"github.com/apk-analysis/apk-repack-go/internal/watcher"
	"github.com/apk-analysis/apk-repack-go/internal/worker"
	"github.com/sirupsen/logrus"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// dispatcher 任务投递：本地 worker 池或 RabbitMQ
type dispatcher interface {
	Dispatch(ctx context.Context, taskID, sourceAPK string) error
}

func main() {
	// 1. 打印版本信息
	fmt.Printf("APK Repack Service\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger, err := config.InitLogger(&cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	logger.Infof("Starting APK Repack Service %s", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	taskRepo := repository.NewTaskRepository(db, logger)
	taskService := service.NewTaskService(taskRepo, logger)

	// 5. 上次进程退出时仍在运行的任务无法续跑
	if _, err := taskRepo.FailInterrupted(ctx); err != nil {
		logger.WithError(err).Warn("Failed to clean up interrupted tasks")
	}

	// 6. 外部工具
	tools := apktool.New(toolrunner.NewExecRunner(logger, cfg.Tools.Timeout), apktool.ConfigFrom(cfg.Tools), logger)
	for _, problem := range tools.Verify() {
		logger.WithError(problem).Warn("Tool check failed, repack runs will fail until fixed")
	}

	// 7. 重打包流程
	rewriter := manifest.NewRewriter(logger)
	resolver := icon.NewResolver(icon.PNGCodec{}, rewriter, logger)
	repacker := pipeline.NewService(tools, rewriter, resolver, pipeline.Options{
		CacheRoot:        cfg.CacheDir,
		CleanupOnSuccess: !cfg.Tools.KeepArtifacts,
		KeepRuns:         cfg.Tools.KeepRuns,
	}, logger)

	promMetrics := middleware.NewPrometheusMetrics(logger, "")
	progressHub := handlers.NewProgressHub(logger)
	progressHub.Start(ctx)

	orchestrator := worker.NewOrchestrator(taskRepo, repacker, logger)
	repacker.AddListener(orchestrator.OnEvent)
	repacker.AddListener(promMetrics.OnEvent)
	repacker.AddListener(progressHub.OnEvent)

	// 8. Worker 池
	workerPool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, orchestrator, logger)
	workerPool.Start(ctx)

	// 9. 任务投递：启用 RabbitMQ 时经队列，否则直接进入本地池
	var (
		dispatch dispatcher = workerPool
		mq       *queue.RabbitMQ
		producer *queue.Producer
		consumer *queue.Consumer
	)
	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(ctx, queue.Config{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: workerPool.Workers(),
		}, logger)
		if err != nil {
			logger.Fatalf("Failed to connect RabbitMQ: %v", err)
		}
		producer = queue.NewProducer(mq, logger)
		dispatch = producer

		if _, err := mq.Purge(); err != nil {
			logger.WithError(err).Warn("Failed to purge queue, continuing with republish")
		}
		redispatchQueuedTasks(ctx, taskRepo, producer, logger)

		consumer = queue.NewConsumer(mq, createMessageHandler(workerPool, logger), workerPool.Workers(), logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
	} else {
		redispatchQueuedTasks(ctx, taskRepo, workerPool, logger)
	}

	// 10. job 文件监听
	var fileWatcher *watcher.FileWatcher
	if cfg.WatchDir != "" {
		jobs := watcher.NewJobHandler(&countingCreator{TaskService: taskService, metrics: promMetrics}, dispatch, logger)
		fileWatcher, err = watcher.NewFileWatcher(cfg.WatchDir, watcher.JobPattern, jobs.Handle, logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		if err := fileWatcher.Start(ctx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
	}

	// 11. 定期刷新队列指标
	go reportQueueStats(ctx, workerPool, producer, promMetrics, logger)

	// 12. HTTP 路由
	router := api.SetupRouter(cfg, logger, api.Handlers{
		Tasks:    handlers.NewTaskHandler(taskService, dispatch, promMetrics, logger),
		Repack:   handlers.NewRepackHandler(repacker, taskService, workerPool, logger),
		System:   handlers.NewSystemHandler(tools, cfg.CacheDir, logger),
		Progress: progressHub,
	}, promMetrics)

	// 同步重打包可能持续数分钟
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 13. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}
	if fileWatcher != nil {
		fileWatcher.Stop()
	}
	if consumer != nil {
		consumer.Stop()
	}
	// 进行中的运行在下一个阶段边界中止并重新排队，下次启动时重新投递
	cancel()
	workerPool.Stop()
	if mq != nil {
		mq.Close()
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("Server stopped")
}

// countingCreator 为 job 文件创建的任务计数
type countingCreator struct {
	service.TaskService
	metrics *middleware.PrometheusMetrics
}

func (c *countingCreator) CreateTask(ctx context.Context, req service.CreateTaskRequest) (*domain.RepackTask, error) {
	task, err := c.TaskService.CreateTask(ctx, req)
	if err == nil {
		c.metrics.RecordTaskCreated(string(task.Source))
	}
	return task, err
}

// createMessageHandler RabbitMQ 消息交给 worker 池同步执行
// 执行失败已记录在任务上，消息照常确认
func createMessageHandler(workerPool *worker.Pool, logger *logrus.Logger) queue.Handler {
	return func(ctx context.Context, msg *queue.RepackMessage) error {
		logger.WithFields(logrus.Fields{
			"task_id":    msg.TaskID,
			"source_apk": msg.SourceAPK,
		}).Info("Received task from RabbitMQ, submitting to worker pool")

		err := workerPool.RunAndWait(ctx, msg.TaskID, msg.SourceAPK)
		switch {
		case err == nil, worker.IsSkipped(err):
			return nil
		case errors.Is(err, worker.ErrPoolClosed):
			return queue.ErrRetryLater
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, repository.ErrTaskNotFound):
			return err
		default:
			return nil
		}
	}
}

// redispatchQueuedTasks 以数据库为准重新投递排队中的任务
func redispatchQueuedTasks(ctx context.Context, taskRepo repository.TaskRepository, d dispatcher, logger *logrus.Logger) {
	tasks, err := taskRepo.ListQueuedTasks(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to query queued tasks")
		return
	}
	if len(tasks) == 0 {
		logger.Info("No queued tasks found")
		return
	}

	success := 0
	for _, task := range tasks {
		if err := d.Dispatch(ctx, task.ID, task.SourceAPK); err != nil {
			logger.WithError(err).WithField("task_id", task.ID).Error("Failed to redispatch task")
			continue
		}
		success++
	}

	logger.WithFields(logrus.Fields{
		"total":   len(tasks),
		"success": success,
		"failed":  len(tasks) - success,
	}).Info("Queued tasks redispatched")
}

// reportQueueStats 定期刷新 worker 池与 RabbitMQ 队列指标
func reportQueueStats(ctx context.Context, workerPool *worker.Pool, producer *queue.Producer, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UpdateWorkerPoolStats(workerPool.Workers(), workerPool.GetQueueSize())
			if producer == nil {
				continue
			}
			depth, err := producer.GetQueueSize()
			if err != nil {
				logger.WithError(err).Debug("Failed to read broker queue depth")
				continue
			}
			metrics.UpdateBrokerQueueSize(depth)
		}
	}
}
