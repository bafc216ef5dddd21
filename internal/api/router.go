package api

import (
	"time"

	"github.com/apk-analysis/apk-repack-go/internal/api/handlers"
	"github.com/apk-analysis/apk-repack-go/internal/config"
	"github.com/apk-analysis/apk-repack-go/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Handlers 路由依赖的处理器
type Handlers struct {
	Tasks    *handlers.TaskHandler
	Repack   *handlers.RepackHandler
	System   *handlers.SystemHandler
	Progress *handlers.ProgressHub
}

// SetupRouter 注册全部路由，promMetrics 可为 nil
func SetupRouter(cfg *config.Config, logger *logrus.Logger, h Handlers, promMetrics *middleware.PrometheusMetrics) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
		r.GET("/metrics/prometheus", promMetrics.Handler())
	}

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	auth := middleware.AuthMiddleware(cfg.Server.APIToken)

	r.GET("/ws/runs/:id", auth, h.Progress.HandleWebSocket)

	v1 := r.Group("/api", auth)
	{
		// 同步接口
		v1.POST("/describe", h.Repack.Describe)
		v1.POST("/repack", h.Repack.Repack)

		// 异步任务
		v1.GET("/stats", h.Tasks.GetSystemStats)
		v1.POST("/tasks", h.Tasks.CreateTask)
		v1.GET("/tasks", h.Tasks.ListTasks)
		v1.GET("/tasks/:id", h.Tasks.GetTask)
		v1.DELETE("/tasks/:id", h.Tasks.DeleteTask)
		v1.POST("/tasks/:id/cancel", h.Tasks.CancelTask)
		v1.POST("/tasks/:id/retry", h.Tasks.RetryTask)

		// 工具与环境
		v1.GET("/config/tools", h.System.GetToolsConfig)
		v1.GET("/env/:name", h.System.GetEnv)
		v1.PUT("/env/:name", middleware.RequireToken(cfg.Server.APIToken), h.System.SetEnv)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
