package service

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"payrecon/internal/config"
	"payrecon/internal/metrics"
	"payrecon/internal/model"
	"payrecon/internal/repository"

	"github.com/rs/zerolog"
)

const (
	CheckTimeoutRatio       = "timeout_ratio"
	CheckProviderErrorBurst = "provider_error_burst"
	CheckSuspiciousIP       = "suspicious_ip"
)

type CheckResult struct {
	Name      string  `json:"name"`
	Firing    bool    `json:"firing"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Detail    string  `json:"detail"`
}

type AnomalyReport struct {
	GeneratedAt   time.Time                  `json:"generated_at"`
	WindowStart   time.Time                  `json:"window_start"`
	Nominal       bool                       `json:"nominal"`
	Checks        []CheckResult              `json:"checks"`
	SuspiciousIPs []repository.SourceIPCount `json:"suspicious_ips"`
}

// Firing 返回正在告警的检查名
func (r *AnomalyReport) Firing() []string {
	var names []string
	for _, c := range r.Checks {
		if c.Firing {
			names = append(names, c.Name)
		}
	}
	return names
}

// AnomalyDetector 周期性只读扫描审计日志
type AnomalyDetector struct {
	audits  *repository.AuditRepository
	cfg     config.AnomalyConfig
	metrics *metrics.Metrics
	log     zerolog.Logger
	latest  atomic.Pointer[AnomalyReport]
	now     func() time.Time
}

func NewAnomalyDetector(audits *repository.AuditRepository, cfg config.AnomalyConfig, m *metrics.Metrics, log zerolog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		audits:  audits,
		cfg:     cfg,
		metrics: m,
		log:     log.With().Str("component", "AnomalyDetector").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (d *AnomalyDetector) Sweep(ctx context.Context) (*AnomalyReport, error) {
	now := d.now()
	since := now.Add(-d.cfg.Window)

	timeoutCheck, err := d.checkTimeoutRatio(ctx, since)
	if err != nil {
		return nil, err
	}
	burstCheck, err := d.checkErrorBurst(ctx, since)
	if err != nil {
		return nil, err
	}
	ipCheck, ips, err := d.checkSuspiciousIPs(ctx, now.Add(-d.cfg.FraudIPWindow))
	if err != nil {
		return nil, err
	}

	report := &AnomalyReport{
		GeneratedAt:   now,
		WindowStart:   since,
		Checks:        []CheckResult{timeoutCheck, burstCheck, ipCheck},
		SuspiciousIPs: ips,
	}
	report.Nominal = len(report.Firing()) == 0
	d.latest.Store(report)

	d.metrics.SetTimeoutRatio(timeoutCheck.Value)
	for _, c := range report.Checks {
		d.metrics.SetAnomaly(c.Name, c.Firing)
		if c.Firing {
			d.log.Warn().Str("check", c.Name).Float64("value", c.Value).Float64("threshold", c.Threshold).Msg(c.Detail)
		}
	}
	if report.Nominal {
		d.log.Debug().Msg("anomaly sweep nominal")
	}
	return report, nil
}

// Latest 最近一次扫描结果，尚未扫描时为 nil
func (d *AnomalyDetector) Latest() *AnomalyReport {
	return d.latest.Load()
}

func (d *AnomalyDetector) checkTimeoutRatio(ctx context.Context, since time.Time) (CheckResult, error) {
	attempts, err := d.audits.CountSince(ctx, since, model.PaymentAttemptEvents)
	if err != nil {
		return CheckResult{}, fmt.Errorf("count payment attempts: %w", err)
	}
	timeouts, err := d.audits.CountSince(ctx, since, []string{model.AuditTimeout})
	if err != nil {
		return CheckResult{}, fmt.Errorf("count timeouts: %w", err)
	}

	var ratio float64
	switch {
	case attempts > 0:
		ratio = float64(timeouts) / float64(attempts)
	case timeouts > 0:
		ratio = 1
	}
	return CheckResult{
		Name:      CheckTimeoutRatio,
		Firing:    ratio >= d.cfg.TimeoutRatio,
		Value:     ratio,
		Threshold: d.cfg.TimeoutRatio,
		Detail:    fmt.Sprintf("%d timeouts in %d payment attempts", timeouts, attempts),
	}, nil
}

// checkErrorBurst 渠道调用结果中连续 5xx 失败的最长长度；成功或非 5xx 失败会打断
func (d *AnomalyDetector) checkErrorBurst(ctx context.Context, since time.Time) (CheckResult, error) {
	events, err := d.audits.ListSince(ctx, since, model.ProviderOutcomeEvents)
	if err != nil {
		return CheckResult{}, fmt.Errorf("list provider outcomes: %w", err)
	}

	run, longest := 0, 0
	for _, e := range events {
		if e.EventType == model.AuditProviderAPIFailed && e.HTTPStatusCode != nil && *e.HTTPStatusCode >= http.StatusInternalServerError {
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 0
	}
	return CheckResult{
		Name:      CheckProviderErrorBurst,
		Firing:    longest >= d.cfg.ErrorBurst,
		Value:     float64(longest),
		Threshold: float64(d.cfg.ErrorBurst),
		Detail:    fmt.Sprintf("%d consecutive provider 5xx failures", longest),
	}, nil
}

func (d *AnomalyDetector) checkSuspiciousIPs(ctx context.Context, since time.Time) (CheckResult, []repository.SourceIPCount, error) {
	ips, err := d.audits.CountBySourceIP(ctx, model.AuditFraudAttempt, since, d.cfg.FraudIPThreshold)
	if err != nil {
		return CheckResult{}, nil, fmt.Errorf("group fraud attempts: %w", err)
	}
	var top float64
	if len(ips) > 0 {
		top = float64(ips[0].Count)
	}
	return CheckResult{
		Name:      CheckSuspiciousIP,
		Firing:    len(ips) > 0,
		Value:     top,
		Threshold: float64(d.cfg.FraudIPThreshold),
		Detail:    fmt.Sprintf("%d source ips with repeated fraud attempts", len(ips)),
	}, ips, nil
}
