package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/apk-analysis/apk-repack-go/internal/config"
	"github.com/apk-analysis/apk-repack-go/internal/domain"
	"github.com/apk-analysis/apk-repack-go/internal/queue"
	"github.com/apk-analysis/apk-repack-go/internal/repository"
	"github.com/apk-analysis/apk-repack-go/internal/service"
	"github.com/docopt/docopt-go"
)

const (
	version  = "1.0.0"
	pageSize = 100
)

const usage = `requeue - requeue failed repack tasks

Resets failed tasks to queued and republishes them to RabbitMQ.
Without RabbitMQ only the status is reset; the server redispatches them on its next start.

Usage:
  requeue [--config=<path>] [--stage=<stage>]
  requeue -h | --help
  requeue --version

Options:
  --config=<path>    Config file [default: ./configs/config.yaml]
  --stage=<stage>    Only requeue tasks that failed at this stage (decompile, rewrite, build, sign, channel, finalize)
  -h --help          Show this help message
  --version          Show version
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}
	configPath, _ := opts.String("--config")
	stage, _ := opts.String("--stage")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := config.InitLogger(&cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	ctx := context.Background()
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	taskService := service.NewTaskService(repository.NewTaskRepository(db, logger), logger)

	var producer *queue.Producer
	if cfg.RabbitMQ.Enabled {
		mq, err := queue.NewRabbitMQ(ctx, queue.Config{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
			Queue:    cfg.RabbitMQ.Queue,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer mq.Close()
		producer = queue.NewProducer(mq, logger)
	}

	// 先收集再重置，避免分页时结果集变化
	var failed []*domain.RepackTask
	for page := 1; ; page++ {
		tasks, total, err := taskService.ListTasks(ctx, page, pageSize, string(domain.TaskStatusFailed), "")
		if err != nil {
			log.Fatalf("Failed to query failed tasks: %v", err)
		}
		for _, task := range tasks {
			if stage == "" || task.FailedStage == stage {
				failed = append(failed, task)
			}
		}
		if int64(page*pageSize) >= total || len(tasks) == 0 {
			break
		}
	}

	fmt.Printf("Found %d failed tasks\n", len(failed))

	success := 0
	for i, task := range failed {
		if _, err := taskService.RetryTask(ctx, task.ID); err != nil {
			log.Printf("Failed to reset task %s: %v", task.ID, err)
			continue
		}
		if producer != nil {
			if err := producer.Dispatch(ctx, task.ID, task.SourceAPK); err != nil {
				log.Printf("Failed to publish task %s: %v", task.ID, err)
				continue
			}
		}

		success++
		if (i+1)%100 == 0 {
			fmt.Printf("Progress: %d/%d\n", i+1, len(failed))
		}
	}

	fmt.Printf("\nRequeued %d/%d tasks\n", success, len(failed))
}
