package middleware

import (
	"strconv"
	"time"

	"github.com/apk-analysis/apk-repack-go/internal/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器，使用独立的 Registry
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 重打包指标
	runsTotal          *prometheus.CounterVec
	runsInProgress     prometheus.Gauge
	stageDuration      *prometheus.HistogramVec
	stageFailuresTotal *prometheus.CounterVec
	tasksCreatedTotal  *prometheus.CounterVec

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge
	brokerQueueSize     prometheus.Gauge
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "apk_repack"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60, 300},
			},
			[]string{"method", "path"},
		),

		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished repack runs",
			},
			[]string{"result"}, // success, failed
		),
		runsInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_progress",
				Help:      "Number of repack runs currently in progress",
			},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each repack stage in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"stage"},
		),
		stageFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Total number of repack runs that failed at a stage",
			},
			[]string{"stage"},
		),
		tasksCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_created_total",
				Help:      "Total number of repack tasks created",
			},
			[]string{"source"}, // api, queue, watcher, cli
		),

		workerPoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of workers in the pool",
			},
		),
		workerPoolQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of tasks waiting in the local queue",
			},
		),
		brokerQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "broker_queue_size",
				Help:      "Number of messages waiting in RabbitMQ",
			},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// OnEvent 流程监听器：按状态迁移记录运行与阶段指标
func (pm *PrometheusMetrics) OnEvent(event pipeline.Event) {
	switch event.State {
	case pipeline.StatePending:
		pm.runsInProgress.Inc()
		return
	case pipeline.StateFailed:
		pm.runsInProgress.Dec()
		pm.runsTotal.WithLabelValues("failed").Inc()
		if event.Stage != "" {
			pm.stageFailuresTotal.WithLabelValues(string(event.Stage)).Inc()
		}
		return
	}

	if event.Stage != "" && event.Duration > 0 {
		pm.stageDuration.WithLabelValues(string(event.Stage)).Observe(event.Duration.Seconds())
	}
	if event.State == pipeline.StateFinalized {
		pm.runsInProgress.Dec()
		pm.runsTotal.WithLabelValues("success").Inc()
	}
}

// RecordTaskCreated 记录任务创建
func (pm *PrometheusMetrics) RecordTaskCreated(source string) {
	pm.tasksCreatedTotal.WithLabelValues(source).Inc()
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// UpdateBrokerQueueSize 更新 RabbitMQ 队列长度
func (pm *PrometheusMetrics) UpdateBrokerQueueSize(n int) {
	pm.brokerQueueSize.Set(float64(n))
}
