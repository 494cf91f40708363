package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/internal/metrics"
)

// =============================================================================
// 🏥 运维端点：/healthz /readyz /metrics /version
// =============================================================================

// HealthCheck 就绪检查项
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c checkFunc) Name() string                    { return c.name }
func (c checkFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// CheckFunc 将函数包装为就绪检查项，例如共享存储的 Ping
func CheckFunc(name string, fn func(ctx context.Context) error) HealthCheck {
	return checkFunc{name: name, fn: fn}
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy" / "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass" / "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// OpsHandler 运维 HTTP 处理器
type OpsHandler struct {
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	metrics  *metrics.Collector
	version  string
	timeout  time.Duration

	mu     sync.RWMutex
	checks []HealthCheck
}

// OpsOption 配置 OpsHandler
type OpsOption func(*OpsHandler)

// WithGatherer 指定 /metrics 暴露的注册表，默认 prometheus.DefaultGatherer
func WithGatherer(g prometheus.Gatherer) OpsOption {
	return func(h *OpsHandler) { h.gatherer = g }
}

// WithRequestMetrics 记录运维端点自身的请求指标
func WithRequestMetrics(c *metrics.Collector) OpsOption {
	return func(h *OpsHandler) { h.metrics = c }
}

// WithVersion 设置 /version 与健康响应中的版本号
func WithVersion(v string) OpsOption {
	return func(h *OpsHandler) { h.version = v }
}

// WithReadyTimeout 设置就绪检查整体超时
func WithReadyTimeout(d time.Duration) OpsOption {
	return func(h *OpsHandler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewOpsHandler 创建运维处理器
func NewOpsHandler(logger *zap.Logger, opts ...OpsOption) *OpsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &OpsHandler{
		logger:   logger.With(zap.String("component", "ops")),
		gatherer: prometheus.DefaultGatherer,
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterCheck 注册就绪检查
func (h *OpsHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// Handler 返回挂载全部运维端点的 http.Handler
func (h *OpsHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReady)
	mux.HandleFunc("GET /version", h.HandleVersion)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	return h.recovery(h.observe(mux))
}

// HandleHealthz 存活探针，只说明进程在运行
func (h *OpsHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.version,
	})
}

// HandleReady 就绪探针，依次执行已注册的检查，任一失败返回 503
func (h *OpsHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.version,
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	allHealthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{Status: "pass", Latency: latency.String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			allHealthy = false
			h.logger.Warn("readiness check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
		}
		status.Checks[check.Name()] = result
	}

	if !allHealthy {
		status.Status = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleVersion 返回版本信息
func (h *OpsHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.version})
}

func (h *OpsHandler) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

var opsPaths = map[string]bool{"/healthz": true, "/readyz": true, "/version": true, "/metrics": true}

// observe 记录请求耗时与状态码，未知路径归为 other
func (h *OpsHandler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.URL.Path
		if !opsPaths[path] {
			path = "other"
		}
		h.metrics.RecordHTTPRequest(r.Method, path, rw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
