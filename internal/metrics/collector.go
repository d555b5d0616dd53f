// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义运行时关键指标（请求、guest 调用、日志队列、生命周期、调度器），
// 便于在各模块复用并保持标签一致。
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 封装运行时指标集合。
// 所有辅助方法在接收者为 nil 时什么都不做，调用方无需判空。
//
// 指标分类:
//   - 请求指标: 跟踪前门请求的数量、耗时和拒绝情况
//   - 调用指标: 跟踪 guest 调用错误和活跃会话
//   - 日志指标: 监控日志队列深度、转发与丢弃
//   - 生命周期指标: 统计 Load/Start/Stop/SubscribeLogs 的结果
//   - 调度器指标: 监控调用队列和工作协程
type Metrics struct {
	// ========== 请求相关指标 ==========

	// RequestsTotal 前门处理的请求总数
	// 标签: status
	RequestsTotal *prometheus.CounterVec

	// RequestDuration 请求处理耗时直方图（单位：毫秒）
	// 桶边界: 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000 ms
	RequestDuration prometheus.Histogram

	// OversizedRequests 因请求体超限被拒绝（413）的请求数
	OversizedRequests prometheus.Counter

	// ========== guest 调用相关指标 ==========

	// GuestInvocationErrors guest 调用错误计数器
	// 标签: error_type (io/codec/invocation/cancelled)
	GuestInvocationErrors *prometheus.CounterVec

	// ActiveSessions 当前活跃的沙箱会话数
	ActiveSessions prometheus.Gauge

	// ========== 日志相关指标 ==========

	// LogRecordsForwarded 已放入日志队列的记录数
	LogRecordsForwarded prometheus.Counter

	// LogRecordsDropped 被丢弃的日志记录数
	// 标签: reason (detached/decode)
	LogRecordsDropped *prometheus.CounterVec

	// LogQueueDepth 日志队列中等待消费的记录数
	LogQueueDepth prometheus.Gauge

	// ========== 生命周期相关指标 ==========

	// LifecycleTransitions 生命周期操作次数
	// 标签: operation, result
	LifecycleTransitions *prometheus.CounterVec

	// ========== 调度器相关指标 ==========

	// SchedulerQueueSize 调度器等待队列中的任务数
	SchedulerQueueSize prometheus.Gauge

	// SchedulerWorkers 调度器工作协程数量
	SchedulerWorkers prometheus.Gauge
}

// NewMetrics 创建一组 Prometheus 指标并注册到 reg。
// namespace 用于作为所有指标名前缀；reg 为 nil 时使用默认注册表。
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests served by the front door",
			},
			[]string{"status"},
		),
		RequestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_ms",
				Help:      "Request duration in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
			},
		),
		OversizedRequests: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oversized_requests_total",
				Help:      "Requests rejected because the body exceeded the size limit",
			},
		),
		GuestInvocationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guest_invocation_errors_total",
				Help:      "Request-local failures while bridging a request into the sandbox",
			},
			[]string{"error_type"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of live sandbox sessions",
			},
		),
		LogRecordsForwarded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_records_forwarded_total",
				Help:      "Guest log records pushed into the log queue",
			},
		),
		LogRecordsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_records_dropped_total",
				Help:      "Guest log records that were dropped",
			},
			[]string{"reason"},
		),
		LogQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "log_queue_depth",
				Help:      "Log records waiting for the subscriber",
			},
		),
		LifecycleTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_operations_total",
				Help:      "Lifecycle operations by result",
			},
			[]string{"operation", "result"},
		),
		SchedulerQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_queue_size",
				Help:      "Number of guest calls waiting for a worker",
			},
		),
		SchedulerWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_workers",
				Help:      "Number of scheduler workers",
			},
		),
	}
}

// RecordRequest 记录一次前门请求
func (m *Metrics) RecordRequest(status int, durationMs float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	m.RequestDuration.Observe(durationMs)
}

// RecordOversized 记录一次 413 拒绝
func (m *Metrics) RecordOversized() {
	if m == nil {
		return
	}
	m.OversizedRequests.Inc()
}

// RecordGuestError 记录一次请求内错误（按 error_type 聚合）。
func (m *Metrics) RecordGuestError(errorType string) {
	if m == nil {
		return
	}
	m.GuestInvocationErrors.WithLabelValues(errorType).Inc()
}

// SessionOpened 活跃会话数加一
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed 活跃会话数减一
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// RecordLogForwarded 记录一条进入队列的日志
func (m *Metrics) RecordLogForwarded() {
	if m == nil {
		return
	}
	m.LogRecordsForwarded.Inc()
}

// RecordLogDropped 记录一条被丢弃的日志
func (m *Metrics) RecordLogDropped(reason string) {
	if m == nil {
		return
	}
	m.LogRecordsDropped.WithLabelValues(reason).Inc()
}

// SetLogQueueDepth 更新日志队列深度
func (m *Metrics) SetLogQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.LogQueueDepth.Set(float64(depth))
}

// RecordLifecycle 记录一次生命周期操作。err 为 nil 时 result 为 ok。
func (m *Metrics) RecordLifecycle(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LifecycleTransitions.WithLabelValues(operation, result).Inc()
}

// UpdateSchedulerStats 更新调度器队列和工作协程数量
func (m *Metrics) UpdateSchedulerStats(queued, workers int) {
	if m == nil {
		return
	}
	m.SchedulerQueueSize.Set(float64(queued))
	m.SchedulerWorkers.Set(float64(workers))
}
