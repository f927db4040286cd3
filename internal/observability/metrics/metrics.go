package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/histograms for window tracking, dispatch and ingestion.
type EngineMetrics struct {
	windowEvents   *prometheus.CounterVec
	resolutions    *prometheus.CounterVec
	sends          *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	inboundEvents  *prometheus.CounterVec
	sendLatency    *prometheus.HistogramVec
	webhookLatency *prometheus.HistogramVec
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		windowEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coaching",
			Subsystem: "window",
			Name:      "session_events_total",
			Help:      "Session events applied to conversation windows",
		}, []string{"result"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coaching",
			Subsystem: "dispatch",
			Name:      "mode_resolutions_total",
			Help:      "Send-mode decisions for outbound messages",
		}, []string{"mode"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coaching",
			Subsystem: "dispatch",
			Name:      "sends_total",
			Help:      "Provider send attempts by result",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coaching",
			Subsystem: "delivery",
			Name:      "transitions_total",
			Help:      "Delivery state transitions",
		}, []string{"from", "to"}),
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coaching",
			Subsystem: "events",
			Name:      "inbound_total",
			Help:      "Inbound provider events by kind and outcome",
		}, []string{"kind", "outcome"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coaching",
			Subsystem: "dispatch",
			Name:      "send_latency_seconds",
			Help:      "Latency of provider send calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coaching",
			Subsystem: "events",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of webhook parsing and enqueue",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.windowEvents, m.resolutions, m.sends, m.transitions, m.inboundEvents, m.sendLatency, m.webhookLatency)
	return m
}

func (m *EngineMetrics) ObserveWindowEvent(result string) {
	if m == nil {
		return
	}
	m.windowEvents.WithLabelValues(result).Inc()
}

func (m *EngineMetrics) ObserveResolution(mode string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(mode).Inc()
}

func (m *EngineMetrics) ObserveSend(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *EngineMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *EngineMetrics) ObserveInbound(kind, outcome string) {
	if m == nil {
		return
	}
	m.inboundEvents.WithLabelValues(kind, outcome).Inc()
}

func (m *EngineMetrics) ObserveSendLatency(mode string, seconds float64) {
	if m == nil {
		return
	}
	m.sendLatency.WithLabelValues(mode).Observe(seconds)
}

func (m *EngineMetrics) ObserveWebhookLatency(source string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(source).Observe(seconds)
}
