// Package icon 启动图标的发现、最佳分辨率选择与替换
package icon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apk-analysis/apk-repack-go/internal/manifest"
	"github.com/apk-analysis/apk-repack-go/internal/xmlscope"
	"github.com/sirupsen/logrus"
)

// NameSet 去重后的图标文件名（不含目录前缀）
type NameSet map[string]struct{}

func (s NameSet) Add(name string) {
	s[name] = struct{}{}
}

func (s NameSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted 按名称排序，保证遍历顺序稳定
func (s NameSet) Sorted() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolver 图标解析器
type Resolver struct {
	codec    Codec
	rewriter *manifest.Rewriter
	logger   *logrus.Logger
}

// NewResolver 创建图标解析器，codec 为空时使用 PNGCodec
func NewResolver(codec Codec, rewriter *manifest.Rewriter, logger *logrus.Logger) *Resolver {
	if codec == nil {
		codec = PNGCodec{}
	}
	return &Resolver{
		codec:    codec,
		rewriter: rewriter,
		logger:   logger,
	}
}

// DiscoverNames 收集清单 android:icon 与自适应图标 foreground 引用的文件名
func (r *Resolver) DiscoverNames(tree manifest.Tree) (NameSet, error) {
	names := NameSet{}

	refs, err := r.rewriter.ReadIconRefs(tree)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		r.logger.WithField("ref", ref).Debug("application android:icon")
		names.Add(bareName(ref))
	}

	adaptiveDir := filepath.Join(tree.ResPath(), manifest.AdaptiveIconDir)
	entries, err := os.ReadDir(adaptiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return names, nil
		}
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "ic_launcher") {
			continue
		}
		descriptor := filepath.Join(adaptiveDir, entry.Name())
		content, err := os.ReadFile(descriptor)
		if err != nil {
			return nil, err
		}
		foregrounds, err := xmlscope.Find(content, []string{"foreground"}, "android:drawable")
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", descriptor, err)
		}
		for _, ref := range foregrounds {
			r.logger.WithFields(logrus.Fields{
				"file": entry.Name(),
				"ref":  ref,
			}).Debug("foreground android:drawable")
			names.Add(bareName(ref))
		}
	}

	return names, nil
}

// Candidates 列出 res/<dir>/<name> 中实际存在的文件
// 目录按名称排序，名称按字典序
func (r *Resolver) Candidates(tree manifest.Tree, names NameSet) ([]string, error) {
	dirs, err := tree.ResourceDirs()
	if err != nil {
		return nil, err
	}

	sorted := names.Sorted()
	var paths []string
	for _, dir := range dirs {
		for _, name := range sorted {
			p := filepath.Join(dir, name)
			if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
				paths = append(paths, p)
			}
		}
	}
	return paths, nil
}

// ResolveBest 返回宽度最大的候选图标的绝对路径，宽度相同保留先遇到的
// 没有候选时返回空字符串
func (r *Resolver) ResolveBest(tree manifest.Tree, names NameSet) (string, error) {
	candidates, err := r.Candidates(tree, names)
	if err != nil {
		return "", err
	}

	best := ""
	maxWidth := 0
	for _, p := range candidates {
		img, err := decodeFile(r.codec, p)
		if err != nil {
			r.logger.WithError(err).WithField("icon_path", p).Warn("Skipping undecodable icon")
			continue
		}
		if w := img.Bounds().Dx(); w > maxWidth {
			maxWidth = w
			best = p
		}
	}

	if best == "" {
		return "", nil
	}
	return filepath.Abs(best)
}

type replacement struct {
	path   string
	mode   os.FileMode
	backup []byte
	data   []byte
}

// Replace 用新图标替换所有候选文件，尺寸保持与原文件一致
// 先在内存中完成全部解码与编码，再逐个写入；写入失败时恢复已写入的文件
func (r *Resolver) Replace(tree manifest.Tree, names NameSet, newIconPath string) (int, error) {
	src, err := decodeFile(r.codec, newIconPath)
	if err != nil {
		return 0, err
	}

	candidates, err := r.Candidates(tree, names)
	if err != nil {
		return 0, err
	}

	pending := make([]replacement, 0, len(candidates))
	for _, p := range candidates {
		original, err := os.ReadFile(p)
		if err != nil {
			return 0, err
		}
		old, err := r.codec.Decode(bytes.NewReader(original))
		if err != nil {
			return 0, fmt.Errorf("failed to decode %s: %w", p, err)
		}

		bounds := old.Bounds()
		var buf bytes.Buffer
		if err := r.codec.Encode(&buf, r.codec.ResizeExact(src, bounds.Dx(), bounds.Dy())); err != nil {
			return 0, fmt.Errorf("failed to encode icon for %s: %w", p, err)
		}

		mode := os.FileMode(0644)
		if info, err := os.Stat(p); err == nil {
			mode = info.Mode().Perm()
		}
		pending = append(pending, replacement{path: p, mode: mode, backup: original, data: buf.Bytes()})
	}

	for i, rep := range pending {
		if err := writeAtomic(rep.path, rep.data, rep.mode); err != nil {
			r.rollback(pending[:i])
			return 0, fmt.Errorf("failed to write %s: %w", rep.path, err)
		}
		r.logger.WithField("icon_path", rep.path).Debug("Icon replaced")
	}

	r.logger.WithFields(logrus.Fields{
		"icons":    len(pending),
		"new_icon": newIconPath,
	}).Info("Launcher icons replaced")
	return len(pending), nil
}

func (r *Resolver) rollback(done []replacement) {
	for _, rep := range done {
		if err := writeAtomic(rep.path, rep.backup, rep.mode); err != nil {
			r.logger.WithError(err).WithField("icon_path", rep.path).Error("Failed to restore icon")
		}
	}
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// bareName "@mipmap/ic_launcher" -> "ic_launcher.png"
func bareName(ref string) string {
	return ref[strings.LastIndex(ref, "/")+1:] + ".png"
}
