package manifest

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// ManifestFile 反编译后的清单文件名
	ManifestFile = "AndroidManifest.xml"
	// ResDir 资源目录名
	ResDir = "res"
	// AdaptiveIconDir 自适应图标描述文件所在目录
	AdaptiveIconDir = "mipmap-anydpi-v26"
)

// Tree 反编译产生的目录（含 AndroidManifest.xml 与 res/）
type Tree string

func (t Tree) String() string {
	return string(t)
}

// ManifestPath 清单文件路径
func (t Tree) ManifestPath() string {
	return filepath.Join(string(t), ManifestFile)
}

// ResPath 资源目录路径
func (t Tree) ResPath() string {
	return filepath.Join(string(t), ResDir)
}

// ReadManifest 读取清单内容
func (t Tree) ReadManifest() ([]byte, error) {
	return os.ReadFile(t.ManifestPath())
}

// WriteManifest 写回清单内容，保留原文件权限
func (t Tree) WriteManifest(content []byte) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(t.ManifestPath()); err == nil {
		mode = info.Mode().Perm()
	}
	return os.WriteFile(t.ManifestPath(), content, mode)
}

// ResourceDirs 列出 res/ 下的直接子目录（按目录名排序）
func (t Tree) ResourceDirs() ([]string, error) {
	entries, err := os.ReadDir(t.ResPath())
	if err != nil {
		return nil, err
	}
	dirs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(t.ResPath(), entry.Name()))
		}
	}
	return dirs, nil
}

// ValuesDirs 列出以 values 开头的资源目录
func (t Tree) ValuesDirs() ([]string, error) {
	dirs, err := t.ResourceDirs()
	if err != nil {
		return nil, err
	}
	values := dirs[:0]
	for _, dir := range dirs {
		if strings.HasPrefix(filepath.Base(dir), "values") {
			values = append(values, dir)
		}
	}
	return values, nil
}
