package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/apk-analysis/apk-repack-go/internal/xmlscope"
	"github.com/sirupsen/logrus"
)

const (
	// DisplayNameNotFound 字符串资源中找不到应用名时返回的占位值
	DisplayNameNotFound = "error find display name"

	stringRefPrefix = "@string/"
)

var (
	// ErrAttributeNotFound 必需的属性在清单中不存在
	ErrAttributeNotFound = errors.New("attribute not found")
	// ErrNoValuesDir res/ 下没有 values* 目录
	ErrNoValuesDir = errors.New("no values directory found")
)

var (
	manifestPath    = []string{"manifest"}
	applicationPath = []string{"application"}
	providerPath    = []string{"provider"}
)

const (
	attrPackage     = "package"
	attrLabel       = "android:label"
	attrIcon        = "android:icon"
	attrAuthorities = "android:authorities"
)

// Identity 需要写入的应用身份，空字段表示不修改
type Identity struct {
	PackageName string
	DisplayName string
}

// Rewriter 清单读写
type Rewriter struct {
	logger *logrus.Logger
}

// NewRewriter 创建清单读写器
func NewRewriter(logger *logrus.Logger) *Rewriter {
	return &Rewriter{logger: logger}
}

// ReadPackageName 读取 manifest 的 package 属性
func (r *Rewriter) ReadPackageName(tree Tree) (string, error) {
	values, err := r.find(tree, manifestPath, attrPackage)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", fmt.Errorf("manifest/%s: %w", attrPackage, ErrAttributeNotFound)
	}
	return values[0], nil
}

// ReadIconRefs 读取 application 的 android:icon 引用
func (r *Rewriter) ReadIconRefs(tree Tree) ([]string, error) {
	return r.find(tree, applicationPath, attrIcon)
}

// ReadDisplayName 读取应用显示名称
// @string/ 引用会在所有 values* 目录的 strings.xml 中解析，多个结果以逗号连接
func (r *Rewriter) ReadDisplayName(tree Tree) (string, error) {
	values, err := r.find(tree, applicationPath, attrLabel)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", fmt.Errorf("application/%s: %w", attrLabel, ErrAttributeNotFound)
	}

	label := values[0]
	if !strings.HasPrefix(label, stringRefPrefix) {
		return label, nil
	}

	key := resourceKey(label)
	r.logger.WithField("string_name", key).Debug("Resolving display name from string resources")

	valuesDirs, err := tree.ValuesDirs()
	if err != nil {
		return "", fmt.Errorf("failed to list resource dirs: %w", err)
	}
	if len(valuesDirs) == 0 {
		return "", ErrNoValuesDir
	}

	pattern := regexp.MustCompile(`<string name="` + regexp.QuoteMeta(key) + `">(.+?)</string>`)

	var names []string
	for _, dir := range valuesDirs {
		stringsFile := filepath.Join(dir, "strings.xml")
		content, err := os.ReadFile(stringsFile)
		if err != nil {
			// 不存在或不可读的 strings.xml 直接跳过
			continue
		}
		for _, match := range pattern.FindAllSubmatch(content, -1) {
			r.logger.WithFields(logrus.Fields{
				"file": stringsFile,
				"name": string(match[1]),
			}).Debug("Found display name candidate")
			names = append(names, string(match[1]))
		}
	}

	if len(names) == 0 {
		r.logger.WithField("string_name", key).Warn("Display name not found in string resources")
		return DisplayNameNotFound, nil
	}
	return strings.Join(names, ","), nil
}

// WritePackageName 改写 manifest 的 package 属性
// 必须在 CascadeAuthorities 之前调用，级联依赖旧包名
func (r *Rewriter) WritePackageName(tree Tree, name string) error {
	return r.exchange(tree, manifestPath, attrPackage, name)
}

// WriteDisplayName 以字面值覆盖 application 的 android:label
func (r *Rewriter) WriteDisplayName(tree Tree, name string) error {
	return r.exchange(tree, applicationPath, attrLabel, name)
}

// CascadeAuthorities 将 provider authorities 中的旧包名子串替换为新包名
// 不包含旧包名子串的 authority 保持不变
func (r *Rewriter) CascadeAuthorities(tree Tree, oldPackage, newPackage string) (int, error) {
	if oldPackage == "" || oldPackage == newPackage {
		return 0, nil
	}

	content, err := tree.ReadManifest()
	if err != nil {
		return 0, err
	}

	changed := 0
	out, err := xmlscope.Rewrite(content, providerPath, attrAuthorities, func(current string, present bool) (string, bool) {
		if !present || !strings.Contains(current, oldPackage) {
			return "", false
		}
		changed++
		return strings.ReplaceAll(current, oldPackage, newPackage), true
	})
	if err != nil {
		return 0, fmt.Errorf("failed to rewrite provider authorities: %w", err)
	}
	if changed == 0 {
		return 0, nil
	}

	if err := tree.WriteManifest(out); err != nil {
		return 0, err
	}
	r.logger.WithFields(logrus.Fields{
		"old_package": oldPackage,
		"new_package": newPackage,
		"providers":   changed,
	}).Info("Provider authorities rewritten")
	return changed, nil
}

// RewriteIdentity 依次改写包名、provider authorities 与显示名称，返回旧包名
func (r *Rewriter) RewriteIdentity(tree Tree, id Identity) (string, error) {
	oldPackage, err := r.ReadPackageName(tree)
	if err != nil {
		return "", err
	}

	if id.PackageName != "" {
		if err := r.WritePackageName(tree, id.PackageName); err != nil {
			return oldPackage, fmt.Errorf("failed to write package name: %w", err)
		}
		if _, err := r.CascadeAuthorities(tree, oldPackage, id.PackageName); err != nil {
			return oldPackage, err
		}
	}

	if id.DisplayName != "" {
		if err := r.WriteDisplayName(tree, id.DisplayName); err != nil {
			return oldPackage, fmt.Errorf("failed to write display name: %w", err)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"tree":         tree.String(),
		"old_package":  oldPackage,
		"new_package":  id.PackageName,
		"display_name": id.DisplayName,
	}).Info("Manifest identity rewritten")

	return oldPackage, nil
}

func (r *Rewriter) find(tree Tree, path []string, key string) ([]string, error) {
	content, err := tree.ReadManifest()
	if err != nil {
		return nil, err
	}
	values, err := xmlscope.Find(content, path, key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ManifestFile, err)
	}
	return values, nil
}

func (r *Rewriter) exchange(tree Tree, path []string, key, value string) error {
	content, err := tree.ReadManifest()
	if err != nil {
		return err
	}
	out, err := xmlscope.Exchange(content, path, key, value)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", ManifestFile, err)
	}
	return tree.WriteManifest(out)
}

// resourceKey "@string/foo/bar" -> "foo_bar"
func resourceKey(ref string) string {
	key := strings.TrimPrefix(ref, stringRefPrefix)
	key = strings.ReplaceAll(key, "@", "")
	return strings.ReplaceAll(key, "/", "_")
}
