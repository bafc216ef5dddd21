package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/apk-analysis/apk-repack-go/internal/apktool"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// allowedEnv 允许通过 API 读写的环境变量
var allowedEnv = map[string]bool{
	"JAVA_HOME": true,
}

// ToolInspector 工具配置与可用性检查
type ToolInspector interface {
	Config() apktool.Config
	Verify() []error
	JavaExecutable() (string, error)
}

// SystemHandler 工具配置与环境变量
type SystemHandler struct {
	tools    ToolInspector
	cacheDir string
	logger   *logrus.Logger
}

// NewSystemHandler 创建处理器
func NewSystemHandler(tools ToolInspector, cacheDir string, logger *logrus.Logger) *SystemHandler {
	return &SystemHandler{
		tools:    tools,
		cacheDir: cacheDir,
		logger:   logger,
	}
}

// GetToolsConfig 返回工具路径、缓存目录与检查结果，不返回密码
// GET /api/config/tools
func (h *SystemHandler) GetToolsConfig(c *gin.Context) {
	cfg := h.tools.Config()

	cacheDir := h.cacheDir
	if abs, err := filepath.Abs(cacheDir); err == nil {
		cacheDir = abs
	}

	resp := gin.H{
		"apktool_jar":    cfg.ApktoolJar,
		"apksigner_jar":  cfg.ApkSignerJar,
		"vasdolly_jar":   cfg.VasDollyJar,
		"keystore":       cfg.Keystore,
		"keystore_alias": cfg.KeystoreAlias,
		"cache_dir":      cacheDir,
	}
	if java, err := h.tools.JavaExecutable(); err == nil {
		resp["java"] = java
	} else {
		resp["java_error"] = err.Error()
	}

	problems := make([]string, 0)
	for _, err := range h.tools.Verify() {
		problems = append(problems, err.Error())
	}
	resp["problems"] = problems
	resp["ready"] = len(problems) == 0

	c.JSON(http.StatusOK, resp)
}

// GetEnv 读取环境变量
// GET /api/env/:name
func (h *SystemHandler) GetEnv(c *gin.Context) {
	name := strings.ToUpper(c.Param("name"))
	if !allowedEnv[name] {
		c.JSON(http.StatusForbidden, gin.H{"error": "不允许访问该环境变量"})
		return
	}
	value, ok := os.LookupEnv(name)
	c.JSON(http.StatusOK, gin.H{
		"name":  name,
		"value": value,
		"set":   ok,
	})
}

type setEnvRequest struct {
	Value string `json:"value"`
}

// SetEnv 设置当前进程的环境变量，下一次工具调用生效
// PUT /api/env/:name
func (h *SystemHandler) SetEnv(c *gin.Context) {
	name := strings.ToUpper(c.Param("name"))
	if !allowedEnv[name] {
		c.JSON(http.StatusForbidden, gin.H{"error": "不允许访问该环境变量"})
		return
	}

	var req setEnvRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数格式错误: " + err.Error()})
		return
	}

	var err error
	if req.Value == "" {
		err = os.Unsetenv(name)
	} else {
		err = os.Setenv(name, req.Value)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"name":  name,
		"value": req.Value,
	}).Info("Environment variable updated")
	c.JSON(http.StatusOK, gin.H{"name": name, "value": req.Value})
}
