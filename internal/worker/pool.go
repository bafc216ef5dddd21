package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull  = errors.New("task queue is full")
	ErrPoolClosed = errors.New("worker pool is stopped")
)

// Executor 任务执行接口，由 Orchestrator 实现
type Executor interface {
	ExecuteTask(ctx context.Context, taskID string) error
}

// Pool Worker 池
// 不同源 APK 的任务并发执行，同一源 APK 的任务串行执行
type Pool struct {
	workers  int
	taskChan chan *Task
	executor Executor
	logger   *logrus.Logger
	wg       sync.WaitGroup

	locks *keyedMutex

	mu     sync.RWMutex
	closed bool
}

// Task 任务
type Task struct {
	ID        string
	SourceAPK string
	resultCh  chan error // 用于同步等待任务完成
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, executor Executor, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		executor: executor,
		logger:   logger,
		locks:    newKeyedMutex(),
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				return
			}
			p.process(ctx, id, task)
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, task *Task) {
	logger := p.logger.WithFields(logrus.Fields{
		"worker_id":  workerID,
		"task_id":    task.ID,
		"source_apk": task.SourceAPK,
	})

	unlock := p.locks.Lock(task.SourceAPK)
	logger.Info("Processing task")
	err := p.executor.ExecuteTask(ctx, task.ID)
	unlock()

	switch {
	case err == nil:
		logger.Info("Task completed successfully")
	case IsSkipped(err):
		logger.Debug("Task skipped")
	default:
		logger.WithError(err).Error("Task execution failed")
	}

	if task.resultCh != nil {
		task.resultCh <- err
		close(task.resultCh)
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.taskChan <- task:
		p.logger.WithField("task_id", task.ID).Debug("Task submitted to pool")
		return nil
	default:
		return ErrQueueFull
	}
}

// Dispatch 未启用消息队列时直接投递到本地池
func (p *Pool) Dispatch(_ context.Context, taskID, sourceAPK string) error {
	return p.Submit(&Task{ID: taskID, SourceAPK: sourceAPK})
}

// RunAndWait 同步执行并等待结果
func (p *Pool) RunAndWait(ctx context.Context, taskID, sourceAPK string) error {
	return p.SubmitAndWait(ctx, &Task{ID: taskID, SourceAPK: sourceAPK})
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, task *Task) error {
	task.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	select {
	case p.taskChan <- task:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收新任务，等待队列中的任务执行完
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.taskChan)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Workers Worker 数量
func (p *Pool) Workers() int {
	return p.workers
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.taskChan)
}

// keyedMutex 按键加锁，无人持有的键会被回收
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock 获取 key 对应的锁，返回解锁函数
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
