package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTransition("pending", "paid", "applied")
	m.SetAnomaly("provider_error_burst", true)
	assert.Nil(t, New(nil))
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTransition("pending", "paid", "applied")
	m.ObserveTransition("pending", "paid", "applied")
	m.ObserveWebhook("", "ignored")
	m.SetAnomaly("timeout_ratio", true)
	m.SetTimeoutRatio(0.25)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("pending", "paid", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("unknown", "ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.anomalyAlerts.WithLabelValues("timeout_ratio")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.timeoutRatio))
}
