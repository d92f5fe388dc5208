package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics LIS 引擎指标；nil 接收者上的方法均为空操作
type Metrics struct {
	registry *prometheus.Registry

	framesReceived   *prometheus.CounterVec
	frameErrors      *prometheus.CounterVec
	resultsResolved  *prometheus.CounterVec
	resultsUnmapped  *prometheus.CounterVec
	criticalAlerts   *prometheus.CounterVec
	alertEscalations *prometheus.CounterVec
	qcVerdicts       *prometheus.CounterVec
	dispatchOutcomes *prometheus.CounterVec
	sessionState     *prometheus.GaugeVec
	ingestLatency    *prometheus.HistogramVec
	catalogReloads   prometheus.Counter
}

// New 创建并注册全部指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lis",
			Name:      "frames_received_total",
			Help:      "Raw frames received from analyzers",
		}, []string{"analyzer"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lis",
			Name:      "frame_errors_total",
			Help:      "Framing and checksum errors reported by the codec",
		}, []string{"analyzer", "protocol"}),
		resultsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lis",
			Name:      "results_resolved_total",
			Help:      "Results matched to an order item",
		}, []string{"analyzer"}),
		resultsUnmapped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lis",
			Name:      "results_unmapped_total",
			Help:      "Results parked for manual resolution",
		}, []string{"analyzer", "reason"}),
		criticalAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lis",
			Name:      "critical_alerts_total",
			Help:      "Critical value alerts raised",
		}, []string{"threshold"}),
		alertEscalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lis",
			Name:      "critical_alert_escalations_total",
			Help:      "Critical value alerts escalated after the acknowledgment deadline",
		}, []string{"test"}),
		qcVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lis",
			Name:      "qc_verdicts_total",
			Help:      "QC runs by verdict",
		}, []string{"analyzer", "verdict"}),
		dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lis",
			Name:      "dispatch_outcomes_total",
			Help:      "Worklist entries by final dispatch status",
		}, []string{"analyzer", "status"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lis",
			Name:      "session_ready",
			Help:      "1 when the analyzer session is Ready",
		}, []string{"analyzer"}),
		ingestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lis",
			Name:      "ingest_duration_seconds",
			Help:      "Time from frame receipt to matching completion",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"analyzer"}),
		catalogReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lis",
			Name:      "catalog_reloads_total",
			Help:      "Catalog snapshots published",
		}),
	}
	m.registry.MustRegister(
		m.framesReceived, m.frameErrors, m.resultsResolved, m.resultsUnmapped,
		m.criticalAlerts, m.alertEscalations, m.qcVerdicts, m.dispatchOutcomes,
		m.sessionState, m.ingestLatency, m.catalogReloads,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry 供测试读取
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived(analyzerID string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(analyzerID).Inc()
}

func (m *Metrics) FrameError(analyzerID, protocol string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(analyzerID, protocol).Inc()
}

func (m *Metrics) ResultResolved(analyzerID string) {
	if m == nil {
		return
	}
	m.resultsResolved.WithLabelValues(analyzerID).Inc()
}

func (m *Metrics) ResultUnmapped(analyzerID, reason string) {
	if m == nil {
		return
	}
	m.resultsUnmapped.WithLabelValues(analyzerID, reason).Inc()
}

func (m *Metrics) CriticalAlert(threshold string) {
	if m == nil {
		return
	}
	m.criticalAlerts.WithLabelValues(threshold).Inc()
}

func (m *Metrics) AlertEscalated(testID string) {
	if m == nil {
		return
	}
	m.alertEscalations.WithLabelValues(testID).Inc()
}

func (m *Metrics) QCVerdict(analyzerID, verdict string) {
	if m == nil {
		return
	}
	m.qcVerdicts.WithLabelValues(analyzerID, verdict).Inc()
}

func (m *Metrics) DispatchOutcome(analyzerID, status string) {
	if m == nil {
		return
	}
	m.dispatchOutcomes.WithLabelValues(analyzerID, status).Inc()
}

func (m *Metrics) SessionReady(analyzerID string, ready bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	m.sessionState.WithLabelValues(analyzerID).Set(v)
}

func (m *Metrics) ObserveIngest(analyzerID string, seconds float64) {
	if m == nil {
		return
	}
	m.ingestLatency.WithLabelValues(analyzerID).Observe(seconds)
}

func (m *Metrics) CatalogReloaded() {
	if m == nil {
		return
	}
	m.catalogReloads.Inc()
}
