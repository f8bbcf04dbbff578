package job

import (
	"context"
	"time"

	"payrecon/internal/metrics"
	"payrecon/internal/service"

	"github.com/rs/zerolog"
)

type Sweeper interface {
	Sweep(ctx context.Context) (*service.AnomalyReport, error)
}

// AnomalySweepJob 定时触发异常检测，只读审计日志
type AnomalySweepJob struct {
	detector Sweeper
	metrics  *metrics.Metrics
	stopCh   chan struct{}
	interval time.Duration
	log      zerolog.Logger
}

func NewAnomalySweepJob(detector Sweeper, interval time.Duration, m *metrics.Metrics, log zerolog.Logger) *AnomalySweepJob {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AnomalySweepJob{
		detector: detector,
		metrics:  m,
		stopCh:   make(chan struct{}),
		interval: interval,
		log:      log.With().Str("component", "AnomalySweepJob").Logger(),
	}
}

func (j *AnomalySweepJob) Start(ctx context.Context) {
	j.log.Info().Dur("interval", j.interval).Msg("anomaly sweep job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("anomaly sweep job exiting on context cancel")
			return
		case <-j.stopCh:
			j.log.Info().Msg("anomaly sweep job stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *AnomalySweepJob) Stop() {
	close(j.stopCh)
}

func (j *AnomalySweepJob) RunOnce(ctx context.Context) {
	report, err := j.detector.Sweep(ctx)
	if err != nil {
		j.metrics.ObserveSweep("error")
		j.log.Error().Err(err).Msg("anomaly sweep failed")
		return
	}
	if report.Nominal {
		j.metrics.ObserveSweep("nominal")
		return
	}
	j.metrics.ObserveSweep("alert")
	j.log.Warn().Strs("firing", report.Firing()).Msg("anomaly alerts firing")
}
