package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"payrecon/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) record(eventType string, status int, ip string) {
	h.audit.Record(context.Background(), AuditEntry{
		PaymentID:  "pay-anomaly",
		EventType:  eventType,
		HTTPStatus: status,
		Meta:       RequestMeta{SourceIP: ip},
	})
}

func checkByName(t *testing.T, report *AnomalyReport, name string) CheckResult {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s missing", name)
	return CheckResult{}
}

func TestSweepNominal(t *testing.T) {
	h := newHarness(t, nil)
	assert.Nil(t, h.detector.Latest())

	h.record(model.AuditConfirmRequested, 0, "")
	h.record(model.AuditProviderAPISucceeded, http.StatusOK, "")

	report, err := h.detector.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Nominal)
	assert.Empty(t, report.Firing())
	assert.Len(t, report.Checks, 3)
	assert.Same(t, report, h.detector.Latest())
}

func TestSweepProviderErrorBurst(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 5; i++ {
		h.record(model.AuditProviderAPIFailed, http.StatusInternalServerError, "")
	}

	report, err := h.detector.Sweep(context.Background())
	require.NoError(t, err)
	burst := checkByName(t, report, CheckProviderErrorBurst)
	assert.True(t, burst.Firing)
	assert.EqualValues(t, 5, burst.Value)
	assert.False(t, report.Nominal)
	assert.Contains(t, report.Firing(), CheckProviderErrorBurst)
}

func TestSweepErrorBurstBrokenBySuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.record(model.AuditProviderAPIFailed, http.StatusBadGateway, "")
	h.record(model.AuditProviderAPIFailed, http.StatusInternalServerError, "")
	h.record(model.AuditProviderAPISucceeded, http.StatusOK, "")
	h.record(model.AuditProviderAPIFailed, http.StatusInternalServerError, "")
	h.record(model.AuditProviderAPIFailed, http.StatusBadRequest, "")
	h.record(model.AuditProviderAPIFailed, http.StatusServiceUnavailable, "")

	report, err := h.detector.Sweep(context.Background())
	require.NoError(t, err)
	burst := checkByName(t, report, CheckProviderErrorBurst)
	assert.False(t, burst.Firing)
	assert.EqualValues(t, 2, burst.Value)
}

func TestSweepTimeoutRatio(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 4; i++ {
		h.record(model.AuditConfirmRequested, 0, "")
	}
	h.record(model.AuditTimeout, 0, "")

	report, err := h.detector.Sweep(context.Background())
	require.NoError(t, err)
	ratio := checkByName(t, report, CheckTimeoutRatio)
	assert.True(t, ratio.Firing)
	assert.InDelta(t, 0.25, ratio.Value, 1e-9)
}

func TestSweepTimeoutsWithoutAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.record(model.AuditTimeout, 0, "")

	report, err := h.detector.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, checkByName(t, report, CheckTimeoutRatio).Value)
}

func TestSweepSuspiciousIP(t *testing.T) {
	h := newHarness(t, nil)
	h.record(model.AuditFraudAttempt, 0, "198.51.100.9")
	h.record(model.AuditFraudAttempt, 0, "198.51.100.9")
	h.record(model.AuditFraudAttempt, 0, "192.0.2.44")

	report, err := h.detector.Sweep(context.Background())
	require.NoError(t, err)
	ip := checkByName(t, report, CheckSuspiciousIP)
	assert.True(t, ip.Firing)
	require.Len(t, report.SuspiciousIPs, 1)
	assert.Equal(t, "198.51.100.9", report.SuspiciousIPs[0].SourceIP)
	assert.EqualValues(t, 2, report.SuspiciousIPs[0].Count)
}

func TestSweepIgnoresEventsOutsideWindow(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 5; i++ {
		h.record(model.AuditProviderAPIFailed, http.StatusInternalServerError, "")
	}
	base := h.detector.now
	h.detector.now = func() time.Time { return base().Add(h.cfg.Anomaly.Window + time.Minute) }

	report, err := h.detector.Sweep(context.Background())
	require.NoError(t, err)
	assert.False(t, checkByName(t, report, CheckProviderErrorBurst).Firing)
}
