package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 对账引擎的 prometheus 指标；nil 接收者上的方法都是空操作
type Metrics struct {
	transitions   *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
	anomalyAlerts *prometheus.GaugeVec
	timeoutRatio  prometheus.Gauge
	sweeps        *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "State transition attempts by source status, target status and outcome.",
		}, []string{"from", "to", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Inbound provider webhooks by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_provider_calls_total",
			Help: "Outbound provider API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		anomalyAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "payment_anomaly_alert",
			Help: "1 when the named anomaly check fired on the last sweep.",
		}, []string{"check"}),
		timeoutRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payment_timeout_ratio",
			Help: "Provider timeout ratio over the last sweep window.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_anomaly_sweeps_total",
			Help: "Anomaly sweeps by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.transitions, m.webhooks, m.providerCalls, m.anomalyAlerts, m.timeoutRatio, m.sweeps)
	return m
}

func (m *Metrics) ObserveTransition(from, to, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(from), label(to), label(outcome)).Inc()
}

func (m *Metrics) ObserveWebhook(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(label(eventType), label(outcome)).Inc()
}

func (m *Metrics) ObserveProviderCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(label(operation), label(outcome)).Inc()
}

func (m *Metrics) SetAnomaly(check string, firing bool) {
	if m == nil {
		return
	}
	v := 0.0
	if firing {
		v = 1
	}
	m.anomalyAlerts.WithLabelValues(label(check)).Set(v)
}

func (m *Metrics) SetTimeoutRatio(ratio float64) {
	if m == nil {
		return
	}
	m.timeoutRatio.Set(ratio)
}

func (m *Metrics) ObserveSweep(outcome string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(label(outcome)).Inc()
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
