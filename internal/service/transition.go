package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payrecon/internal/config"
	"payrecon/internal/metrics"
	"payrecon/internal/model"
	"payrecon/internal/repository"
	"payrecon/pkg/idgen"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// 状态变更来源
const (
	SourceWebhook       = "webhook"
	SourceClientConfirm = "client_confirm"
	SourceManualSync    = "manual_sync"
	SourceAdminRefund   = "admin_refund"
	SourceIntentExpiry  = "intent_expiry"
	SourceAdminForce    = "admin_force"
)

// RefundEvidence 退款类状态变更必须携带的证据
type RefundEvidence struct {
	Amount           int64
	ProviderRefundID string // 渠道取消流水号，用于去重
	RecordID         string // 本地发起的退款记录
	Reason           string
	Category         string
}

// Evidence 驱动一次状态变更的外部事实
type Evidence struct {
	Source                string
	ProviderTransactionID string
	RawPayload            string
	Refund                *RefundEvidence
	Meta                  RequestMeta
}

type TransitionResult struct {
	Payment *model.Payment
	From    model.PaymentStatus
	To      model.PaymentStatus
	Applied bool // false 表示幂等重放，没有写入
	Refund  *model.RefundRecord
}

type paymentEvent struct {
	EventType     string              `json:"event_type"`
	PaymentID     string              `json:"payment_id"`
	OrderID       string              `json:"order_id"`
	BookingRef    string              `json:"booking_ref"`
	Status        model.PaymentStatus `json:"status"`
	Amount        int64               `json:"amount"`
	BalanceAmount int64               `json:"balance_amount"`
	RefundNo      string              `json:"refund_no,omitempty"`
	RefundAmount  int64               `json:"refund_amount,omitempty"`
	OccurredAt    time.Time           `json:"occurred_at"`
}

// Engine 台账唯一的写入口
//
// 每次尝试在一个数据库事务内完成：读取 -> 重放判断 -> 状态图校验 ->
// 带版本号的条件更新 -> 审计。版本冲突时整体重试，竞争失败的一方会走到重放分支。
type Engine struct {
	db          *gorm.DB
	payments    *repository.PaymentRepository
	refunds     *repository.RefundRepository
	settlements *repository.SettlementRepository
	outbox      *repository.OutboxRepository
	audit       *AuditRecorder
	notifier    *BookingNotifier
	metrics     *metrics.Metrics
	log         zerolog.Logger
	topic       string
	casRetries  int
	now         func() time.Time
}

func NewEngine(db *gorm.DB, cfg *config.Config, audit *AuditRecorder, notifier *BookingNotifier, m *metrics.Metrics, log zerolog.Logger) *Engine {
	retries := cfg.Business.CASRetries
	if retries < 1 {
		retries = 1
	}
	return &Engine{
		db:          db,
		payments:    repository.NewPaymentRepository(db),
		refunds:     repository.NewRefundRepository(db),
		settlements: repository.NewSettlementRepository(db),
		outbox:      repository.NewOutboxRepository(db),
		audit:       audit,
		notifier:    notifier,
		metrics:     m,
		log:         log.With().Str("component", "TransitionEngine").Logger(),
		topic:       cfg.Kafka.Topic.PaymentEvents,
		casRetries:  retries,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) ApplyTransition(ctx context.Context, orderID string, target model.PaymentStatus, ev Evidence) (*TransitionResult, error) {
	var (
		result *TransitionResult
		err    error
	)
	for attempt := 1; attempt <= e.casRetries; attempt++ {
		result, err = e.applyOnce(ctx, orderID, target, ev)
		if !errors.Is(err, repository.ErrVersionConflict) {
			break
		}
		e.log.Debug().Str("order_id", orderID).Int("attempt", attempt).Msg("version conflict, retrying")
	}

	from := ""
	if result != nil {
		from = string(result.From)
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrOverRefund):
		e.metrics.ObserveTransition(from, string(target), ErrorKind(err))
		if result != nil && result.Payment != nil {
			e.audit.Record(ctx, AuditEntry{
				PaymentID: result.Payment.ID,
				EventType: model.AuditInvalidTransition,
				Data: map[string]interface{}{
					"from":   result.From,
					"to":     target,
					"source": ev.Source,
					"kind":   ErrorKind(err),
				},
				Err:  err,
				Meta: ev.Meta,
			})
		}
		e.log.Warn().Err(err).Str("order_id", orderID).Str("from", from).Str("to", string(target)).Msg("transition rejected")
		return result, err
	case errors.Is(err, repository.ErrVersionConflict):
		e.metrics.ObserveTransition(from, string(target), "conflict")
		return result, fmt.Errorf("apply transition %s -> %s: retries exhausted: %w", from, target, err)
	default:
		e.metrics.ObserveTransition(from, string(target), "error")
		return result, err
	}

	if !result.Applied {
		e.metrics.ObserveTransition(from, string(result.To), "replay")
		return result, nil
	}

	e.metrics.ObserveTransition(from, string(result.To), "applied")
	e.log.Info().
		Str("order_id", orderID).
		Str("payment_id", result.Payment.ID).
		Str("from", from).
		Str("to", string(result.To)).
		Str("source", ev.Source).
		Msg("payment transitioned")

	if result.To == model.PaymentStatusPaid {
		e.notifier.NotifyReserved(ctx, result.Payment)
	}
	return result, nil
}

func (e *Engine) applyOnce(ctx context.Context, orderID string, target model.PaymentStatus, ev Evidence) (*TransitionResult, error) {
	res := &TransitionResult{To: target}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := e.payments.GetByOrderID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		res.Payment = payment
		res.From = payment.Status

		if ev.Refund != nil {
			return e.applyRefund(ctx, tx, payment, target, ev, res)
		}

		if key := payment.ProviderKey(); key != "" && ev.ProviderTransactionID != "" && key != ev.ProviderTransactionID {
			return fmt.Errorf("%w: provider transaction id %s does not match %s", ErrInvalidTransition, ev.ProviderTransactionID, key)
		}

		if payment.Status == target {
			return e.replay(ctx, tx, payment, ev)
		}
		if target.IsRefundStatus() {
			return fmt.Errorf("%w: %s requires refund evidence", ErrInvalidTransition, target)
		}
		if !model.CanTransitionTo(payment.Status, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, payment.Status, target)
		}

		now := e.now()
		updates := map[string]interface{}{
			"status":     target,
			"updated_at": now,
		}
		if ev.RawPayload != "" {
			updates["raw_provider_payload"] = ev.RawPayload
			payment.RawProviderPayload = ev.RawPayload
		}
		if ev.ProviderTransactionID != "" && payment.ProviderTransactionID == nil {
			updates["provider_transaction_id"] = ev.ProviderTransactionID
			key := ev.ProviderTransactionID
			payment.ProviderTransactionID = &key
		}
		switch target {
		case model.PaymentStatusPaid:
			updates["paid_at"] = now
			payment.PaidAt = &now
		case model.PaymentStatusFailed, model.PaymentStatusAborted:
			updates["failed_at"] = now
			payment.FailedAt = &now
		}

		if err := e.payments.CompareAndSwap(ctx, tx, payment.ID, payment.Version, updates); err != nil {
			return translateWriteError(err)
		}
		payment.Status = target
		payment.Version++
		payment.UpdatedAt = now

		if err := e.audit.Append(ctx, tx, AuditEntry{
			PaymentID: payment.ID,
			EventType: model.AuditTransition,
			Data: map[string]interface{}{
				"from":   res.From,
				"to":     target,
				"source": ev.Source,
			},
			Meta: ev.Meta,
		}); err != nil {
			return err
		}

		if target == model.PaymentStatusPaid {
			if err := e.settle(ctx, tx, payment, model.SettlementSourceAuto, ev.Source); err != nil {
				return err
			}
			if err := e.enqueue(ctx, tx, payment, model.OutboxEventPaymentPaid, nil); err != nil {
				return err
			}
		}

		res.Applied = true
		return nil
	})
	return res, err
}

// applyRefund 退款证据：先去重，再校验状态和余额，最后由剩余余额决定目标状态
func (e *Engine) applyRefund(ctx context.Context, tx *gorm.DB, payment *model.Payment, target model.PaymentStatus, ev Evidence, res *TransitionResult) error {
	r := ev.Refund
	if r.Amount <= 0 {
		return fmt.Errorf("%w: refund amount %d", ErrInvalidAmount, r.Amount)
	}

	if r.ProviderRefundID != "" {
		existing, err := e.refunds.GetByProviderRefundID(ctx, tx, r.ProviderRefundID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == model.RefundStatusCompleted {
			res.Refund = existing
			res.To = payment.Status
			return e.replay(ctx, tx, payment, ev)
		}
	}

	var local *model.RefundRecord
	if r.RecordID != "" {
		record, err := e.refunds.GetByID(ctx, tx, r.RecordID)
		if err != nil {
			return err
		}
		if record.PaymentID != payment.ID {
			return fmt.Errorf("%w: refund %s belongs to another payment", ErrInvalidTransition, record.ID)
		}
		switch record.Status {
		case model.RefundStatusCompleted:
			res.Refund = record
			res.To = payment.Status
			return e.replay(ctx, tx, payment, ev)
		case model.RefundStatusFailed:
			return fmt.Errorf("%w: refund %s already failed", ErrInvalidTransition, record.ID)
		}
		local = record
	}

	switch payment.Status {
	case model.PaymentStatusPaid, model.PaymentStatusPartialRefunded:
	case model.PaymentStatusRefunded:
		if target == model.PaymentStatusRefunded {
			res.To = payment.Status
			return e.replay(ctx, tx, payment, ev)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, payment.Status, target)
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, payment.Status, target)
	}

	if r.Amount > payment.BalanceAmount {
		return fmt.Errorf("%w: refund %d exceeds balance %d", ErrOverRefund, r.Amount, payment.BalanceAmount)
	}

	remaining := payment.BalanceAmount - r.Amount
	next := model.PaymentStatusPartialRefunded
	if remaining == 0 {
		next = model.PaymentStatusRefunded
	}
	res.To = next

	now := e.now()
	updates := map[string]interface{}{
		"status":         next,
		"balance_amount": remaining,
		"updated_at":     now,
	}
	if ev.RawPayload != "" {
		updates["raw_provider_payload"] = ev.RawPayload
		payment.RawProviderPayload = ev.RawPayload
	}
	if err := e.payments.CompareAndSwap(ctx, tx, payment.ID, payment.Version, updates); err != nil {
		return translateWriteError(err)
	}
	balanceBefore := payment.BalanceAmount
	payment.Status = next
	payment.BalanceAmount = remaining
	payment.Version++
	payment.UpdatedAt = now

	if local == nil {
		pending, err := e.refunds.FindPendingByAmount(ctx, tx, payment.ID, r.Amount)
		if err != nil {
			return err
		}
		local = pending
	}

	var record *model.RefundRecord
	if local != nil {
		if err := e.refunds.MarkCompleted(ctx, tx, local.ID, r.ProviderRefundID, balanceBefore, remaining, now); err != nil {
			return translateWriteError(err)
		}
		completed, err := e.refunds.GetByID(ctx, tx, local.ID)
		if err != nil {
			return err
		}
		record = completed
	} else {
		category := r.Category
		if category == "" {
			category = model.RefundCategoryProvider
		}
		record = &model.RefundRecord{
			ID:              uuid.NewString(),
			RefundNo:        idgen.GenerateRefundNo(),
			PaymentID:       payment.ID,
			RefundType:      model.RefundTypeFor(balanceBefore, r.Amount),
			RefundCategory:  category,
			Reason:          r.Reason,
			OriginalAmount:  balanceBefore,
			RefundAmount:    r.Amount,
			RemainingAmount: remaining,
			Status:          model.RefundStatusCompleted,
			ProcessedAt:     &now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if r.ProviderRefundID != "" {
			key := r.ProviderRefundID
			record.ProviderRefundID = &key
		}
		if err := e.refunds.Create(ctx, tx, record); err != nil {
			return translateWriteError(err)
		}
	}
	res.Refund = record

	if err := e.audit.Append(ctx, tx, AuditEntry{
		PaymentID: payment.ID,
		EventType: model.AuditTransition,
		Data: map[string]interface{}{
			"from":               res.From,
			"to":                 next,
			"source":             ev.Source,
			"refund_id":          record.ID,
			"refund_amount":      r.Amount,
			"balance_amount":     remaining,
			"provider_refund_id": r.ProviderRefundID,
		},
		Meta: ev.Meta,
	}); err != nil {
		return err
	}

	if err := e.enqueue(ctx, tx, payment, model.OutboxEventPaymentRefunded, record); err != nil {
		return err
	}
	res.Applied = true
	return nil
}

func (e *Engine) replay(ctx context.Context, tx *gorm.DB, payment *model.Payment, ev Evidence) error {
	return e.audit.Append(ctx, tx, AuditEntry{
		PaymentID: payment.ID,
		EventType: model.AuditTransitionReplay,
		Data: map[string]interface{}{
			"status": payment.Status,
			"source": ev.Source,
		},
		Meta: ev.Meta,
	})
}

func (e *Engine) settle(ctx context.Context, tx *gorm.DB, payment *model.Payment, source, createdBy string) error {
	existing, err := e.settlements.GetByPaymentID(ctx, tx, payment.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return e.settlements.Create(ctx, tx, &model.Settlement{
		SettlementNo: idgen.GenerateSettlementNo(),
		PaymentID:    payment.ID,
		OrderID:      payment.OrderID,
		Amount:       payment.Amount,
		Source:       source,
		CreatedBy:    createdBy,
		CreatedAt:    e.now(),
	})
}

func (e *Engine) enqueue(ctx context.Context, tx *gorm.DB, payment *model.Payment, eventType string, refund *model.RefundRecord) error {
	event := paymentEvent{
		EventType:     eventType,
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		BookingRef:    payment.BookingRef,
		Status:        payment.Status,
		Amount:        payment.Amount,
		BalanceAmount: payment.BalanceAmount,
		OccurredAt:    e.now(),
	}
	if refund != nil {
		event.RefundNo = refund.RefundNo
		event.RefundAmount = refund.RefundAmount
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode payment event: %w", err)
	}
	return e.outbox.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: payment.OrderID,
		Topic:      e.topic,
		EventType:  eventType,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}

// forceStatus 运维强制改状态，绕过状态图，仍然走版本号条件更新
func (e *Engine) forceStatus(ctx context.Context, orderID string, target model.PaymentStatus, actorID, justification string, meta RequestMeta) (*TransitionResult, error) {
	var (
		res *TransitionResult
		err error
	)
	for attempt := 1; attempt <= e.casRetries; attempt++ {
		res = &TransitionResult{To: target}
		err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			payment, err := e.payments.GetByOrderID(ctx, tx, orderID)
			if err != nil {
				return err
			}
			res.Payment = payment
			res.From = payment.Status

			now := e.now()
			updates := map[string]interface{}{
				"status":     target,
				"updated_at": now,
			}
			if target == model.PaymentStatusPaid && payment.PaidAt == nil {
				updates["paid_at"] = now
				payment.PaidAt = &now
			}
			if (target == model.PaymentStatusFailed || target == model.PaymentStatusAborted) && payment.FailedAt == nil {
				updates["failed_at"] = now
				payment.FailedAt = &now
			}
			if err := e.payments.CompareAndSwap(ctx, tx, payment.ID, payment.Version, updates); err != nil {
				return err
			}
			payment.Status = target
			payment.Version++

			if err := e.audit.Append(ctx, tx, AuditEntry{
				PaymentID: payment.ID,
				EventType: model.AuditAdminForceUpdate,
				Data: map[string]interface{}{
					"bypass":          true,
					"previous_status": res.From,
					"new_status":      target,
					"actor":           actorID,
					"justification":   justification,
				},
				Meta: meta,
			}); err != nil {
				return err
			}
			if err := e.enqueue(ctx, tx, payment, model.OutboxEventPaymentForced, nil); err != nil {
				return err
			}
			res.Applied = true
			return nil
		})
		if !errors.Is(err, repository.ErrVersionConflict) {
			break
		}
	}
	if err != nil {
		return res, err
	}
	e.metrics.ObserveTransition(string(res.From), string(target), "forced")
	return res, nil
}

func translateWriteError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	return err
}
