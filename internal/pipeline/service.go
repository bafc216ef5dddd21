// Package pipeline 重打包流程：反编译、改写、构建、签名、渠道恢复、落盘
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/apk-analysis/apk-repack-go/internal/apktool"
	"github.com/apk-analysis/apk-repack-go/internal/icon"
	"github.com/apk-analysis/apk-repack-go/internal/manifest"
	"github.com/sirupsen/logrus"
)

// channelNull VasDolly 对无渠道 APK 可能输出的占位值
const channelNull = "null"

// Tools 外部工具
type Tools interface {
	Decompile(ctx context.Context, apkPath, outDir string) error
	Build(ctx context.Context, dir, outAPK string) error
	Sign(ctx context.Context, apkPath string) error
	ReadChannel(ctx context.Context, apkPath string) (string, error)
	RemoveChannel(ctx context.Context, apkPath string) error
	PutChannel(ctx context.Context, apkPath, channel string) error
}

// PackageReader 读取二进制 APK 的包名
type PackageReader func(apkPath string) (string, error)

// ApkInfo 反编译后读取到的基本信息
type ApkInfo struct {
	PackageName string `json:"package_name"`
	DisplayName string `json:"display_name"`
	IconPath    string `json:"icon_path"`
}

// Request 一次重打包请求
type Request struct {
	TaskID      string
	SourceAPK   string
	PackageName string
	DisplayName string
	IconPath    string // 为空时不替换图标
}

// Run 一次重打包运行的产物与状态
type Run struct {
	ID          string
	TaskID      string
	SourceAPK   string
	UnpackedDir string
	RebuiltAPK  string
	FinalAPK    string
	Channel     string
	OldPackage  string
	State       State
}

// Event 状态变化通知
type Event struct {
	RunID     string        `json:"run_id"`
	TaskID    string        `json:"task_id,omitempty"`
	SourceAPK string        `json:"source_apk"`
	State     State         `json:"state"`
	Stage     Stage         `json:"stage,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	At        time.Time     `json:"at"`
}

// Listener 接收状态变化，在流程 goroutine 中同步调用
type Listener func(Event)

// Options 流程配置
type Options struct {
	CacheRoot        string
	CleanupOnSuccess bool // 成功后删除缓存目录；失败时保留
	KeepRuns         int  // 新建运行目录时只保留最近的 N 个，0 表示不清理
}

// Service 对外暴露 UnpackAndDescribe 与 RewriteAndRepackage
type Service struct {
	tools       Tools
	rewriter    *manifest.Rewriter
	resolver    *icon.Resolver
	readPackage PackageReader
	opts        Options
	logger      *logrus.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// NewService 创建重打包服务
func NewService(tools Tools, rewriter *manifest.Rewriter, resolver *icon.Resolver, opts Options, logger *logrus.Logger) *Service {
	return &Service{
		tools:       tools,
		rewriter:    rewriter,
		resolver:    resolver,
		readPackage: apktool.PackageName,
		opts:        opts,
		logger:      logger,
	}
}

// SetPackageReader 替换最终产物校验使用的包名读取方式
func (s *Service) SetPackageReader(fn PackageReader) {
	s.readPackage = fn
}

// AddListener 注册状态监听
func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// UnpackAndDescribe 反编译并读取包名、显示名称与最清晰的图标
func (s *Service) UnpackAndDescribe(ctx context.Context, sourceAPK string) (*ApkInfo, error) {
	if err := checkSource(sourceAPK); err != nil {
		return nil, &StageError{Stage: StageDecompile, Err: err}
	}
	rc, err := s.newRunContext()
	if err != nil {
		return nil, &StageError{Stage: StageDecompile, Err: err}
	}
	if err := s.tools.Decompile(ctx, sourceAPK, rc.UnpackedDir()); err != nil {
		return nil, &StageError{Stage: StageDecompile, Err: err}
	}

	tree := manifest.Tree(rc.UnpackedDir())
	info, err := s.describe(tree)
	if err != nil {
		return nil, &StageError{Stage: StageDescribe, Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"source_apk":   sourceAPK,
		"package_name": info.PackageName,
		"display_name": info.DisplayName,
		"icon_path":    info.IconPath,
	}).Info("APK described")
	return info, nil
}

// newRunContext 先清理超出保留数量的旧运行目录，再创建新的
// 新目录本身也计入保留数量
func (s *Service) newRunContext() (*RunContext, error) {
	if s.opts.KeepRuns > 0 {
		removed, err := PruneRuns(s.opts.CacheRoot, s.opts.KeepRuns-1)
		if err != nil {
			s.logger.WithError(err).WithField("cache_root", s.opts.CacheRoot).Warn("Failed to prune old run dirs")
		} else if removed > 0 {
			s.logger.WithFields(logrus.Fields{
				"cache_root": s.opts.CacheRoot,
				"removed":    removed,
			}).Debug("Old run dirs pruned")
		}
	}
	return NewRunContext(s.opts.CacheRoot)
}

func (s *Service) describe(tree manifest.Tree) (*ApkInfo, error) {
	pkg, err := s.rewriter.ReadPackageName(tree)
	if err != nil {
		return nil, err
	}
	displayName, err := s.rewriter.ReadDisplayName(tree)
	if err != nil {
		return nil, err
	}
	names, err := s.resolver.DiscoverNames(tree)
	if err != nil {
		return nil, err
	}
	iconPath, err := s.resolver.ResolveBest(tree, names)
	if err != nil {
		return nil, err
	}
	return &ApkInfo{
		PackageName: pkg,
		DisplayName: displayName,
		IconPath:    iconPath,
	}, nil
}

type step struct {
	stage Stage
	to    State
	fn    func(ctx context.Context, run *Run, req Request) error
}

// RewriteAndRepackage 执行完整重打包流程
// 任一阶段失败立即终止，不重试，已产生的中间产物保留在缓存目录中
func (s *Service) RewriteAndRepackage(ctx context.Context, req Request) (*Run, error) {
	rc, err := s.newRunContext()
	if err != nil {
		return nil, &StageError{Stage: StageDecompile, Err: err}
	}

	run := &Run{
		ID:          rc.ID,
		TaskID:      req.TaskID,
		SourceAPK:   req.SourceAPK,
		UnpackedDir: rc.UnpackedDir(),
		RebuiltAPK:  rc.RebuiltAPK(),
		FinalAPK:    FinalPath(req.SourceAPK),
		State:       StatePending,
	}
	s.emit(run, "", nil, 0)

	logger := s.logger.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"source_apk": run.SourceAPK,
	})
	logger.Info("Repack started")
	startTime := time.Now()

	steps := []step{
		{StageDecompile, StateUnpacked, s.decompile},
		{StageRewrite, StateIdentityRewritten, s.rewrite},
		{StageBuild, StateRepacked, s.build},
		{StageSign, StateSigned, s.sign},
		{StageChannel, StateChannelRestored, s.restoreChannel},
		{StageFinalize, StateFinalized, s.finalize},
	}

	for _, st := range steps {
		// 只在阶段之间响应取消，进行中的工具调用会执行完
		if err := ctx.Err(); err != nil {
			return run, s.fail(run, st.stage, err, 0)
		}

		stageStart := time.Now()
		if err := st.fn(ctx, run, req); err != nil {
			return run, s.fail(run, st.stage, err, time.Since(stageStart))
		}
		run.State = st.to
		s.emit(run, st.stage, nil, time.Since(stageStart))
	}

	s.verify(run, req)

	if s.opts.CleanupOnSuccess {
		if err := rc.Cleanup(); err != nil {
			logger.WithError(err).Warn("Failed to remove cache dir")
		}
	}

	logger.WithFields(logrus.Fields{
		"final_apk":   run.FinalAPK,
		"channel":     run.Channel,
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Info("Repack completed")
	return run, nil
}

func (s *Service) decompile(ctx context.Context, run *Run, req Request) error {
	if err := checkSource(req.SourceAPK); err != nil {
		return err
	}
	return s.tools.Decompile(ctx, req.SourceAPK, run.UnpackedDir)
}

func (s *Service) rewrite(_ context.Context, run *Run, req Request) error {
	tree := manifest.Tree(run.UnpackedDir)

	oldPackage, err := s.rewriter.RewriteIdentity(tree, manifest.Identity{
		PackageName: req.PackageName,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		return err
	}
	run.OldPackage = oldPackage

	if req.IconPath == "" {
		return nil
	}
	names, err := s.resolver.DiscoverNames(tree)
	if err != nil {
		return err
	}
	_, err = s.resolver.Replace(tree, names, req.IconPath)
	return err
}

func (s *Service) build(ctx context.Context, run *Run, _ Request) error {
	return s.tools.Build(ctx, run.UnpackedDir, run.RebuiltAPK)
}

func (s *Service) sign(ctx context.Context, run *Run, _ Request) error {
	return s.tools.Sign(ctx, run.RebuiltAPK)
}

// restoreChannel 从源 APK 读取渠道并写回新产物
// 没有渠道时跳过；读取、移除或写入失败都会终止
func (s *Service) restoreChannel(ctx context.Context, run *Run, req Request) error {
	channel, err := s.tools.ReadChannel(ctx, req.SourceAPK)
	if err != nil {
		return fmt.Errorf("failed to read channel: %w", err)
	}
	if channel == channelNull {
		channel = ""
	}
	run.Channel = channel

	if channel == "" {
		s.logger.WithField("run_id", run.ID).Info("Channel not found")
		return nil
	}

	if err := s.tools.RemoveChannel(ctx, run.RebuiltAPK); err != nil {
		return fmt.Errorf("failed to remove channel: %w", err)
	}
	if err := s.tools.PutChannel(ctx, run.RebuiltAPK, channel); err != nil {
		return fmt.Errorf("failed to put channel %q: %w", channel, err)
	}
	s.logger.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"channel": channel,
	}).Info("Channel restored")
	return nil
}

func (s *Service) finalize(_ context.Context, run *Run, _ Request) error {
	if err := os.Remove(run.FinalAPK); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing destination: %w", err)
	}
	if err := os.Rename(run.RebuiltAPK, run.FinalAPK); err != nil {
		// 缓存目录与源 APK 不在同一文件系统时改为复制
		if copyErr := copyFile(run.RebuiltAPK, run.FinalAPK); copyErr != nil {
			return fmt.Errorf("failed to move artifact: %w", errors.Join(err, copyErr))
		}
		_ = os.Remove(run.RebuiltAPK)
	}
	return nil
}

// verify 读取最终产物的二进制清单，只记录警告
func (s *Service) verify(run *Run, req Request) {
	if s.readPackage == nil || req.PackageName == "" {
		return
	}
	pkg, err := s.readPackage(run.FinalAPK)
	if err != nil {
		s.logger.WithError(err).WithField("final_apk", run.FinalAPK).Warn("Failed to verify repacked APK")
		return
	}
	if pkg != req.PackageName {
		s.logger.WithFields(logrus.Fields{
			"final_apk": run.FinalAPK,
			"expected":  req.PackageName,
			"actual":    pkg,
		}).Warn("Repacked APK package name mismatch")
	}
}

func (s *Service) fail(run *Run, stage Stage, err error, d time.Duration) error {
	run.State = StateFailed
	stageErr := &StageError{Stage: stage, Err: err}
	s.emit(run, stage, stageErr, d)

	s.logger.WithFields(logrus.Fields{
		"run_id":       run.ID,
		"source_apk":   run.SourceAPK,
		"stage":        stage,
		"unpacked_dir": run.UnpackedDir,
	}).WithError(err).Error("Repack failed")
	return stageErr
}

func (s *Service) emit(run *Run, stage Stage, err error, d time.Duration) {
	event := Event{
		RunID:     run.ID,
		TaskID:    run.TaskID,
		SourceAPK: run.SourceAPK,
		State:     run.State,
		Stage:     stage,
		Duration:  d,
		At:        time.Now(),
	}
	if err != nil {
		event.Error = err.Error()
	}

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, l := range listeners {
		l(event)
	}
}

func checkSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
