package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/apk-analysis/apk-repack-go/internal/api/handlers"
	"github.com/apk-analysis/apk-repack-go/internal/config"
	"github.com/apk-analysis/apk-repack-go/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{Server: config.ServerConfig{Mode: "test", APIToken: token}}
	h := Handlers{
		Tasks:    handlers.NewTaskHandler(nil, nil, nil, logger),
		Repack:   handlers.NewRepackHandler(nil, nil, nil, logger),
		System:   handlers.NewSystemHandler(nil, "cache", logger),
		Progress: handlers.NewProgressHub(logger),
	}
	return SetupRouter(cfg, logger, h, middleware.NewPrometheusMetrics(logger, "router_test"))
}

func TestSetupRouter_Health(t *testing.T) {
	r := testRouter("s3cret-token")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestSetupRouter_RequiresToken(t *testing.T) {
	r := testRouter("s3cret-token")

	for _, path := range []string{"/api/stats", "/api/config/tools", "/api/env/JAVA_HOME", "/ws/runs/abc"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

// TestSetupRouter_EnvWriteNeedsToken 未配置 token 时只能读取环境变量
func TestSetupRouter_EnvWriteNeedsToken(t *testing.T) {
	t.Setenv("JAVA_HOME", "/usr/lib/jvm/default")

	r := testRouter("")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/env/JAVA_HOME", strings.NewReader(`{"value":"/tmp/evil"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "/usr/lib/jvm/default", os.Getenv("JAVA_HOME"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/env/JAVA_HOME", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	r = testRouter("s3cret-token")
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/api/env/JAVA_HOME", strings.NewReader(`{"value":"/opt/jdk-17"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer s3cret-token")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/opt/jdk-17", os.Getenv("JAVA_HOME"))
}

func TestSetupRouter_Metrics(t *testing.T) {
	r := testRouter("")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `router_test_http_requests_total{method="GET",path="/api/health",status="200"} 1`)
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	r := testRouter("")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/tasks", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
