package job

import (
	"context"
	"time"

	"payrecon/internal/config"
	"payrecon/internal/model"
	"payrecon/internal/repository"
	"payrecon/internal/service"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type Transitioner interface {
	ApplyTransition(ctx context.Context, orderID string, target model.PaymentStatus, ev service.Evidence) (*service.TransitionResult, error)
}

// IntentExpiryJob 长时间未支付的意向单置为 expired
type IntentExpiryJob struct {
	paymentRepo *repository.PaymentRepository
	engine      Transitioner
	expiry      time.Duration
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
	now         func() time.Time
	log         zerolog.Logger
}

func NewIntentExpiryJob(db *gorm.DB, engine Transitioner, cfg *config.Config, log zerolog.Logger) *IntentExpiryJob {
	return &IntentExpiryJob{
		paymentRepo: repository.NewPaymentRepository(db),
		engine:      engine,
		expiry:      time.Duration(cfg.Business.IntentExpiryMinutes) * time.Minute,
		stopCh:      make(chan struct{}),
		interval:    30 * time.Second,
		batchSize:   100,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log.With().Str("component", "IntentExpiryJob").Logger(),
	}
}

func (j *IntentExpiryJob) Start(ctx context.Context) {
	j.log.Info().Dur("expiry", j.expiry).Msg("intent expiry job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("intent expiry job exiting on context cancel")
			return
		case <-j.stopCh:
			j.log.Info().Msg("intent expiry job stopped")
			return
		case <-ticker.C:
			j.ExpireStale(ctx)
		}
	}
}

func (j *IntentExpiryJob) Stop() {
	close(j.stopCh)
}

// ExpireStale 返回本轮实际过期的数量
func (j *IntentExpiryJob) ExpireStale(ctx context.Context) int {
	payments, err := j.paymentRepo.ListStale(ctx, model.PaymentStatusPending, j.now().Add(-j.expiry), j.batchSize)
	if err != nil {
		j.log.Error().Err(err).Msg("list stale intents")
		return 0
	}
	if len(payments) == 0 {
		return 0
	}

	expired := 0
	for _, p := range payments {
		// 与 webhook 并发时由状态机裁决，失败方走重放或非法迁移分支
		result, err := j.engine.ApplyTransition(ctx, p.OrderID, model.PaymentStatusExpired, service.Evidence{Source: service.SourceIntentExpiry})
		if err != nil {
			j.log.Warn().Err(err).Str("order_id", p.OrderID).Msg("expire intent failed")
			continue
		}
		if result.Applied {
			expired++
		}
	}
	j.log.Info().Int("found", len(payments)).Int("expired", expired).Msg("stale intents processed")
	return expired
}

type Reconciler interface {
	Reconcile(ctx context.Context, orderID string) (*service.SyncResult, error)
}

// ProcessingReconcileJob 确认中途丢失结果（超时、进程退出）的支付，定期向渠道补查
type ProcessingReconcileJob struct {
	paymentRepo *repository.PaymentRepository
	reconciler  Reconciler
	staleAfter  time.Duration
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
	now         func() time.Time
	log         zerolog.Logger
}

func NewProcessingReconcileJob(db *gorm.DB, reconciler Reconciler, log zerolog.Logger) *ProcessingReconcileJob {
	return &ProcessingReconcileJob{
		paymentRepo: repository.NewPaymentRepository(db),
		reconciler:  reconciler,
		staleAfter:  5 * time.Minute,
		stopCh:      make(chan struct{}),
		interval:    time.Minute,
		batchSize:   50,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log.With().Str("component", "ProcessingReconcileJob").Logger(),
	}
}

func (j *ProcessingReconcileJob) Start(ctx context.Context) {
	j.log.Info().Msg("processing reconcile job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("processing reconcile job exiting on context cancel")
			return
		case <-j.stopCh:
			j.log.Info().Msg("processing reconcile job stopped")
			return
		case <-ticker.C:
			j.ReconcileStale(ctx)
		}
	}
}

func (j *ProcessingReconcileJob) Stop() {
	close(j.stopCh)
}

// ReconcileStale 按 updated_at 判断停留时间，刚进入 processing 的确认可能还在进行
func (j *ProcessingReconcileJob) ReconcileStale(ctx context.Context) int {
	payments, err := j.paymentRepo.ListIdle(ctx, model.PaymentStatusProcessing, j.now().Add(-j.staleAfter), j.batchSize)
	if err != nil {
		j.log.Error().Err(err).Msg("list stale processing payments")
		return 0
	}

	changed := 0
	for _, p := range payments {
		result, err := j.reconciler.Reconcile(ctx, p.OrderID)
		if err != nil {
			j.log.Warn().Err(err).Str("order_id", p.OrderID).Str("kind", service.ErrorKind(err)).Msg("reconcile processing payment failed")
			continue
		}
		if result.Applied {
			changed++
			j.log.Info().Str("order_id", p.OrderID).Str("to", string(result.To)).Msg("processing payment reconciled")
		}
	}
	return changed
}
