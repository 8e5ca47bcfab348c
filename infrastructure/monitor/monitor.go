package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor 复制引擎的 Prometheus 指标，使用独立 registry。
// 所有方法对 nil 接收者安全，未配置监控的组件可直接传 nil。
type Monitor struct {
	registry *prometheus.Registry

	// 入站事件
	eventsReceived *prometheus.CounterVec
	eventsReplayed prometheus.Counter
	duplicates     prometheus.Counter
	malformed      prometheus.Counter
	watermark      prometheus.Gauge

	// 复制决策
	decisions       *prometheus.CounterVec
	skips           *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	ocoCancels      *prometheus.CounterVec
	modifyDropped   prometheus.Counter

	// 出站
	restRequests *prometheus.CounterVec
	restErrors   *prometheus.CounterVec
	restLatency  *prometheus.HistogramVec
	breakerState prometheus.Gauge

	// 连接
	wsConnections *prometheus.CounterVec
	wsDisconnects *prometheus.CounterVec
	wsStale       *prometheus.CounterVec

	auditFlush prometheus.Histogram
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

func DefaultConfig() Config {
	return Config{
		Namespace: "orrep",
		Subsystem: "replicator",
	}
}

func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}, labels)
	}

	return &Monitor{
		registry:       reg,
		eventsReceived: counterVec("events_received_total", "入站订单事件数", "feed", "origin"),
		eventsReplayed: counter("events_replayed_total", "断线补发的事件数"),
		duplicates:     counter("events_duplicate_total", "重复事件数（未产生出站调用）"),
		malformed:      counter("frames_malformed_total", "无法解析的推送帧"),
		watermark: f.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "watermark_timestamp_ms", Help: "已确认处理的最新事件时间戳",
		}),
		decisions:       counterVec("decisions_total", "复制决策结果", "kind", "outcome"),
		skips:           counterVec("skips_total", "跳过的订单", "reason"),
		reconciliations: counterVec("reconciliations_total", "进入人工对账的映射", "reason"),
		ocoCancels:      counterVec("oco_cancels_total", "OCO 撤单结果", "result"),
		modifyDropped:   counter("modify_dropped_total", "因找不到映射而丢弃的改单"),
		restRequests:    counterVec("rest_requests_total", "出站 REST 请求总数", "action"),
		restErrors:      counterVec("rest_errors_total", "出站 REST 错误", "action", "kind"),
		restLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "rest_latency_seconds", Help: "出站 REST 延迟（秒）",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"action"}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "breaker_state", Help: "熔断器状态(0=关闭,1=打开,2=半开)",
		}),
		wsConnections: counterVec("ws_connections_total", "WebSocket 连接次数", "feed"),
		wsDisconnects: counterVec("ws_disconnects_total", "WebSocket 断开次数", "feed"),
		wsStale:       counterVec("ws_stale_total", "心跳超时判定为 STALE 的次数", "feed"),
		auditFlush: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "audit_flush_seconds", Help: "审计批量落盘耗时",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Monitor) RecordEvent(feed string, replayed bool) {
	if m == nil {
		return
	}
	origin := "live"
	if replayed {
		origin = "replay"
		m.eventsReplayed.Inc()
	}
	m.eventsReceived.WithLabelValues(feed, origin).Inc()
}

func (m *Monitor) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Monitor) RecordMalformedFrame() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Monitor) SetWatermark(ts int64) {
	if m == nil {
		return
	}
	m.watermark.Set(float64(ts))
}

func (m *Monitor) RecordDecision(kind, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(kind, outcome).Inc()
}

func (m *Monitor) RecordSkip(reason string) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(reason).Inc()
}

func (m *Monitor) RecordReconciliation(reason string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(reason).Inc()
}

func (m *Monitor) RecordOCOCancel(result string) {
	if m == nil {
		return
	}
	m.ocoCancels.WithLabelValues(result).Inc()
}

func (m *Monitor) RecordModifyDropped() {
	if m == nil {
		return
	}
	m.modifyDropped.Inc()
}

func (m *Monitor) RecordRESTRequest(action string, seconds float64) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(action).Inc()
	m.restLatency.WithLabelValues(action).Observe(seconds)
}

func (m *Monitor) RecordRESTError(action, kind string) {
	if m == nil {
		return
	}
	m.restErrors.WithLabelValues(action, kind).Inc()
}

func (m *Monitor) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

func (m *Monitor) RecordWSConnection(feed string) {
	if m == nil {
		return
	}
	m.wsConnections.WithLabelValues(feed).Inc()
}

func (m *Monitor) RecordWSDisconnect(feed string) {
	if m == nil {
		return
	}
	m.wsDisconnects.WithLabelValues(feed).Inc()
}

func (m *Monitor) RecordWSStale(feed string) {
	if m == nil {
		return
	}
	m.wsStale.WithLabelValues(feed).Inc()
}

func (m *Monitor) RecordAuditFlush(seconds float64) {
	if m == nil {
		return
	}
	m.auditFlush.Observe(seconds)
}

// Handler 返回 HTTP handler 用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回 prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
