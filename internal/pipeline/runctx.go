package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	unpackedDirName = "original"
	rebuiltAPKName  = "original.repacked.apk"
	finalSuffix     = ".repacked.apk"
	runDirLayout    = "20060102-150405"
)

// RunContext 单次运行的缓存目录
// 目录名为启动时间加短 uuid，同一秒内的多次运行互不冲突
type RunContext struct {
	ID        string
	CacheDir  string
	StartedAt time.Time
}

// NewRunContext 在 root 下创建本次运行的缓存目录
func NewRunContext(root string) (*RunContext, error) {
	now := time.Now()
	id := uuid.New().String()
	dir := filepath.Join(root, fmt.Sprintf("%s-%s", now.Format(runDirLayout), id[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &RunContext{
		ID:        id,
		CacheDir:  dir,
		StartedAt: now,
	}, nil
}

// UnpackedDir 反编译输出目录
func (rc *RunContext) UnpackedDir() string {
	return filepath.Join(rc.CacheDir, unpackedDirName)
}

// RebuiltAPK 重新打包产物
func (rc *RunContext) RebuiltAPK() string {
	return filepath.Join(rc.CacheDir, rebuiltAPKName)
}

// Cleanup 删除缓存目录
func (rc *RunContext) Cleanup() error {
	return os.RemoveAll(rc.CacheDir)
}

// PruneRuns 只保留 root 下最近的 keep 个运行目录，keep < 0 时不清理
// 目录名以启动时间开头，按名称排序即按时间排序；返回删除的目录数
func PruneRuns(root string, keep int) (int, error) {
	if keep < 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var runs []string
	for _, e := range entries {
		if e.IsDir() && isRunDir(e.Name()) {
			runs = append(runs, e.Name())
		}
	}
	if len(runs) <= keep {
		return 0, nil
	}
	sort.Strings(runs)

	var errs []error
	removed := 0
	for _, name := range runs[:len(runs)-keep] {
		if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// isRunDir 匹配 yyyymmdd-hhmmss-xxxxxxxx
func isRunDir(name string) bool {
	if len(name) != len(runDirLayout)+9 || name[len(runDirLayout)] != '-' {
		return false
	}
	_, err := time.Parse(runDirLayout, name[:len(runDirLayout)])
	return err == nil
}

// FinalPath 最终产物路径：与源 APK 同目录，追加 .repacked.apk
func FinalPath(sourceAPK string) string {
	return sourceAPK + finalSuffix
}
