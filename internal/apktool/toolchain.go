// Package apktool 封装 apktool / uber-apk-signer / VasDolly 三个 Java 工具
package apktool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/apk-analysis/apk-repack-go/internal/config"
	"github.com/apk-analysis/apk-repack-go/internal/toolrunner"
	"github.com/sirupsen/logrus"
)

var (
	ErrJavaHomeNotSet = errors.New("JAVA_HOME not found")
	ErrJavaNotFound   = errors.New("java not found")
)

// Java 进程的堆参数
var jvmArgs = []string{"-jar", "-Xms512m", "-Xmx1024m"}

const channelMarker = "Channel: "

// Config 工具路径与签名配置
type Config struct {
	Java             string // 显式指定的 java 可执行文件
	JavaHome         string
	ApktoolJar       string
	ApkSignerJar     string
	VasDollyJar      string
	Keystore         string
	KeystorePassword string
	KeystoreAlias    string
	KeyPassword      string // 为空时使用 KeystorePassword
}

// ConfigFrom 由配置文件中的 tools 段生成工具配置
func ConfigFrom(c config.ToolsConfig) Config {
	return Config{
		Java:             c.Java,
		JavaHome:         c.JavaHome,
		ApktoolJar:       c.ApktoolJar,
		ApkSignerJar:     c.ApkSignerJar,
		VasDollyJar:      c.VasDollyJar,
		Keystore:         c.Keystore,
		KeystorePassword: c.KeystorePassword,
		KeystoreAlias:    c.KeystoreAlias,
		KeyPassword:      c.KeyPassword,
	}
}

// Toolchain 外部工具调用
type Toolchain struct {
	runner toolrunner.Runner
	cfg    Config
	logger *logrus.Logger
}

// New 创建工具链
func New(runner toolrunner.Runner, cfg Config, logger *logrus.Logger) *Toolchain {
	return &Toolchain{
		runner: runner,
		cfg:    cfg,
		logger: logger,
	}
}

// Config 返回当前工具配置
func (t *Toolchain) Config() Config {
	return t.cfg
}

// Decompile 反编译 APK 到 outDir（先清空旧目录）
func (t *Toolchain) Decompile(ctx context.Context, apkPath, outDir string) error {
	t.logger.WithFields(logrus.Fields{
		"apk_path": apkPath,
		"out_dir":  outDir,
	}).Info("Decompiling APK")

	if err := os.RemoveAll(outDir); err != nil {
		return fmt.Errorf("failed to remove stale dir: %w", err)
	}
	_, err := t.java(ctx, t.cfg.ApktoolJar, "--only-main-classes", "d", "-b", "-f", apkPath, "-o", outDir)
	return err
}

// Build 将目录重新打包为 APK（先删除同名旧产物）
func (t *Toolchain) Build(ctx context.Context, dir, outAPK string) error {
	t.logger.WithFields(logrus.Fields{
		"dir":     dir,
		"out_apk": outAPK,
	}).Info("Building APK")

	if err := os.Remove(outAPK); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale artifact: %w", err)
	}
	_, err := t.java(ctx, t.cfg.ApktoolJar, "--only-main-classes", "b", "-f", dir, "-o", outAPK)
	return err
}

// Sign 原地签名
func (t *Toolchain) Sign(ctx context.Context, apkPath string) error {
	t.logger.WithField("apk_path", apkPath).Info("Signing APK")

	cert, err := CheckKeystore(t.cfg.Keystore, t.cfg.KeystorePassword)
	if err != nil {
		return err
	}
	if cert != nil {
		t.logger.WithFields(logrus.Fields{
			"subject":   cert.Subject.String(),
			"not_after": cert.NotAfter,
		}).Debug("Keystore certificate loaded")
	}

	keyPassword := t.cfg.KeyPassword
	if keyPassword == "" {
		keyPassword = t.cfg.KeystorePassword
	}
	_, err = t.java(ctx, t.cfg.ApkSignerJar,
		"--allowResign",
		"--overwrite",
		"-ks", t.cfg.Keystore,
		"--ksPass", t.cfg.KeystorePassword,
		"--ksAlias", t.cfg.KeystoreAlias,
		"--ksKeyPass", keyPassword,
		"-a", apkPath,
	)
	return err
}

// ReadChannel 读取渠道标记，没有标记时返回空字符串
func (t *Toolchain) ReadChannel(ctx context.Context, apkPath string) (string, error) {
	out, err := t.java(ctx, t.cfg.VasDollyJar, "get", "-c", apkPath)
	if err != nil {
		return "", err
	}
	return parseChannel(out), nil
}

// RemoveChannel 移除渠道标记
func (t *Toolchain) RemoveChannel(ctx context.Context, apkPath string) error {
	_, err := t.java(ctx, t.cfg.VasDollyJar, "remove", "-c", apkPath)
	return err
}

// PutChannel 写入渠道标记（原地覆盖）
func (t *Toolchain) PutChannel(ctx context.Context, apkPath, channel string) error {
	_, err := t.java(ctx, t.cfg.VasDollyJar, "put", "-c", channel, "-f", apkPath, apkPath)
	return err
}

// Verify 检查工具 jar 与 keystore 是否存在
func (t *Toolchain) Verify() []error {
	var errs []error
	if _, err := t.JavaExecutable(); err != nil {
		errs = append(errs, err)
	}
	files := []struct{ name, path string }{
		{"apktool", t.cfg.ApktoolJar},
		{"uber-apk-signer", t.cfg.ApkSignerJar},
		{"vasdolly", t.cfg.VasDollyJar},
		{"keystore", t.cfg.Keystore},
	}
	for _, f := range files {
		if f.path == "" {
			errs = append(errs, fmt.Errorf("%s path not configured", f.name))
			continue
		}
		if _, err := os.Stat(f.path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		}
	}
	return errs
}

func (t *Toolchain) java(ctx context.Context, jar string, args ...string) (string, error) {
	exe, err := t.JavaExecutable()
	if err != nil {
		return "", err
	}
	full := make([]string, 0, len(jvmArgs)+1+len(args))
	full = append(full, jvmArgs...)
	full = append(full, jar)
	full = append(full, args...)
	return t.runner.Run(ctx, exe, full...)
}

// JavaExecutable 依次使用显式配置、JAVA_HOME 环境变量、配置中的 java_home
func (t *Toolchain) JavaExecutable() (string, error) {
	if t.cfg.Java != "" {
		return t.cfg.Java, nil
	}
	javaHome := os.Getenv("JAVA_HOME")
	if javaHome == "" {
		javaHome = t.cfg.JavaHome
	}
	return ResolveJava(javaHome)
}

// ResolveJava 由 JAVA_HOME 定位 java 可执行文件
func ResolveJava(javaHome string) (string, error) {
	if javaHome == "" {
		return "", ErrJavaHomeNotSet
	}
	exe := filepath.Join(javaHome, "bin", "java")
	if runtime.GOOS == "windows" {
		exe = filepath.Join(javaHome, "bin", "javaw.exe")
	}
	if _, err := os.Stat(exe); err != nil {
		return "", fmt.Errorf("%w: %s", ErrJavaNotFound, exe)
	}
	return exe, nil
}

// parseChannel 取最后一个 "Channel: " 之后的内容
func parseChannel(out string) string {
	i := strings.LastIndex(out, channelMarker)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(out[i+len(channelMarker):])
}
