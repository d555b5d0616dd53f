// Package api 提供运行时的管理端 HTTP 接口。
// 管理端独立于前门监听，暴露健康检查、控制器状态和 Prometheus 指标。
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/oriys/nimbus-runtime/internal/telemetry"
)

// RouterConfig 路由器配置选项
type RouterConfig struct {
	// Handler 管理端处理器
	Handler *Handler
	// Gatherer 指标来源，为 nil 时使用默认注册表
	Gatherer prometheus.Gatherer
	// Logger 日志记录器
	Logger *logrus.Logger
}

// NewRouter 创建并配置管理端路由器。
//
// 路由结构：
//
//	/health        - 基本健康检查
//	/health/ready  - 就绪探针，部署运行中才返回 200
//	/health/live   - 存活探针
//	/status        - 控制器状态
//	/metrics       - Prometheus 指标端点
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	r := chi.NewRouter()

	r.Use(telemetry.HTTPMiddleware("nimbus-runtime-admin"))
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
	r.Get("/health/live", h.Live)
	r.Get("/status", h.Status)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: cfg.Logger,
	}))

	return r
}
