package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"payrecon/internal/auth"
	"payrecon/internal/infrastructure/lock"
	"payrecon/internal/infrastructure/provider"
	"payrecon/internal/metrics"
	"payrecon/internal/model"
	"payrecon/pkg/idgen"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"gorm.io/gorm"
)

type RefundRequest struct {
	PaymentID string `json:"-"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason" binding:"required"`
	IsPartial bool   `json:"is_partial"`
}

type RefundService struct {
	engine   *Engine
	provider ProviderClient
	auth     AuthCollaborator
	locker   Locker
	audit    *AuditRecorder
	metrics  *metrics.Metrics
	timeout  time.Duration
	log      zerolog.Logger
}

func NewRefundService(engine *Engine, providerClient ProviderClient, authz AuthCollaborator, locker Locker, audit *AuditRecorder, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *RefundService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RefundService{
		engine:   engine,
		provider: providerClient,
		auth:     authz,
		locker:   locker,
		audit:    audit,
		metrics:  m,
		timeout:  timeout,
		log:      log.With().Str("component", "RefundSubsystem").Logger(),
	}
}

// Refund 运维发起退款：同一笔支付的退款通过分布式锁串行执行
func (s *RefundService) Refund(ctx context.Context, req *RefundRequest, actor auth.Actor, meta RequestMeta) (*model.RefundRecord, error) {
	if !s.auth.RequireElevatedRole(actor) {
		s.audit.Record(ctx, AuditEntry{
			PaymentID: req.PaymentID,
			EventType: model.AuditAdminAccessDenied,
			Data:      map[string]interface{}{"operation": "refund", "actor": actor.ID, "role": actor.Role},
			Meta:      meta,
		})
		return nil, fmt.Errorf("%w: refund", ErrForbidden)
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, lock.RefundLockKey(req.PaymentID), uuid.NewString())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLockBusy, err)
		}
		defer release()
	}

	payment, err := s.engine.payments.GetByID(ctx, nil, req.PaymentID)
	if err != nil {
		return nil, err
	}

	amount, err := s.checkPreconditions(payment, req)
	if err != nil {
		s.audit.Record(ctx, AuditEntry{
			PaymentID: payment.ID,
			EventType: model.AuditRefundRejected,
			Data: map[string]interface{}{
				"status":         payment.Status,
				"balance_amount": payment.BalanceAmount,
				"amount":         req.Amount,
				"is_partial":     req.IsPartial,
				"kind":           ErrorKind(err),
				"actor":          actor.ID,
			},
			Err:  err,
			Meta: meta,
		})
		return nil, err
	}

	record, err := s.openRecord(ctx, payment, amount, req, actor, meta)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	canceled, err := s.provider.CancelPayment(callCtx, payment.ProviderKey(), amount, record.Reason, record.RefundNo)
	if err != nil {
		return nil, s.handleProviderFailure(ctx, payment, record, err, meta)
	}

	s.metrics.ObserveProviderCall("cancel", "success")
	s.audit.Record(ctx, AuditEntry{
		PaymentID:  payment.ID,
		EventType:  model.AuditProviderAPISucceeded,
		Data:       map[string]interface{}{"operation": "cancel", "refund_id": record.ID},
		HTTPStatus: http.StatusOK,
		Meta:       meta,
	})

	target := model.PaymentStatusPartialRefunded
	if amount == payment.BalanceAmount {
		target = model.PaymentStatusRefunded
	}
	result, err := s.engine.ApplyTransition(ctx, payment.OrderID, target, Evidence{
		Source:     SourceAdminRefund,
		RawPayload: string(canceled.Raw),
		Refund: &RefundEvidence{
			Amount:           amount,
			ProviderRefundID: matchCancelKey(canceled.Cancels, amount),
			RecordID:         record.ID,
			Reason:           record.Reason,
			Category:         model.RefundCategoryAdmin,
		},
		Meta: meta,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("payment_id", payment.ID).
		Str("refund_no", record.RefundNo).
		Int64("amount", amount).
		Str("status", string(result.To)).
		Msg("refund completed")
	return result.Refund, nil
}

// RecordProviderCancels 把渠道侧的取消记录同步为退款；已处理过的条目按渠道流水号去重
func (s *RefundService) RecordProviderCancels(ctx context.Context, orderID string, cancels []provider.Cancel, full bool, ev Evidence) ([]*TransitionResult, error) {
	target := model.PaymentStatusPartialRefunded
	if full {
		target = model.PaymentStatusRefunded
	}

	if len(cancels) == 0 {
		if !full {
			return nil, fmt.Errorf("%w: partial cancel without cancel entries", ErrMalformedPayload)
		}
		payment, err := s.engine.payments.GetByOrderID(ctx, nil, orderID)
		if err != nil {
			return nil, err
		}
		amount := payment.BalanceAmount
		if amount == 0 {
			amount = payment.Amount
		}
		ev.Refund = &RefundEvidence{Amount: amount, Reason: "provider canceled", Category: model.RefundCategoryProvider}
		result, err := s.engine.ApplyTransition(ctx, orderID, target, ev)
		if err != nil {
			return nil, err
		}
		return []*TransitionResult{result}, nil
	}

	ordered := make([]provider.Cancel, len(cancels))
	copy(ordered, cancels)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CanceledAt.Before(ordered[j].CanceledAt)
	})

	var (
		results []*TransitionResult
		errs    error
	)
	for _, c := range ordered {
		entry := ev
		entry.Refund = &RefundEvidence{
			Amount:           c.CancelAmount,
			ProviderRefundID: cancelKey(orderID, c),
			Reason:           c.CancelReason,
			Category:         model.RefundCategoryProvider,
		}
		result, err := s.engine.ApplyTransition(ctx, orderID, target, entry)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cancel %s: %w", entry.Refund.ProviderRefundID, err))
			continue
		}
		results = append(results, result)
	}
	return results, errs
}

// openRecord 创建待处理的退款记录；上一次超时留下的同金额待处理记录直接复用，
// 退款单号作为渠道幂等键，重试不会产生第二笔取消
func (s *RefundService) openRecord(ctx context.Context, payment *model.Payment, amount int64, req *RefundRequest, actor auth.Actor, meta RequestMeta) (*model.RefundRecord, error) {
	pending, err := s.engine.refunds.FindPendingByAmount(ctx, nil, payment.ID, amount)
	if err != nil {
		return nil, fmt.Errorf("find pending refund: %w", err)
	}
	if pending != nil && pending.RefundCategory == model.RefundCategoryAdmin {
		s.audit.Record(ctx, AuditEntry{
			PaymentID: payment.ID,
			EventType: model.AuditRefundRequested,
			Data: map[string]interface{}{
				"refund_id":  pending.ID,
				"refund_no":  pending.RefundNo,
				"amount":     amount,
				"is_partial": req.IsPartial,
				"actor":      actor.ID,
				"retry":      true,
			},
			Meta: meta,
		})
		return pending, nil
	}

	now := s.engine.now()
	record := &model.RefundRecord{
		ID:              uuid.NewString(),
		RefundNo:        idgen.GenerateRefundNo(),
		PaymentID:       payment.ID,
		RefundType:      model.RefundTypeFor(payment.BalanceAmount, amount),
		RefundCategory:  model.RefundCategoryAdmin,
		Reason:          strings.TrimSpace(req.Reason),
		OriginalAmount:  payment.BalanceAmount,
		RefundAmount:    amount,
		RemainingAmount: payment.BalanceAmount - amount,
		Status:          model.RefundStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.engine.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.engine.refunds.Create(ctx, tx, record); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, AuditEntry{
			PaymentID: payment.ID,
			EventType: model.AuditRefundRequested,
			Data: map[string]interface{}{
				"refund_id":  record.ID,
				"refund_no":  record.RefundNo,
				"amount":     amount,
				"is_partial": req.IsPartial,
				"reason":     record.Reason,
				"actor":      actor.ID,
			},
			Meta: meta,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create refund record: %w", err)
	}
	return record, nil
}

func (s *RefundService) checkPreconditions(payment *model.Payment, req *RefundRequest) (int64, error) {
	if !payment.Status.IsSettled() {
		return 0, fmt.Errorf("%w: cannot refund payment in status %s", ErrInvalidTransition, payment.Status)
	}
	if payment.ProviderKey() == "" {
		return 0, fmt.Errorf("%w: payment has no provider transaction", ErrInvalidTransition)
	}

	amount := req.Amount
	if !req.IsPartial && amount == 0 {
		amount = payment.BalanceAmount
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: refund amount %d", ErrInvalidAmount, amount)
	}
	if amount > payment.BalanceAmount {
		return 0, fmt.Errorf("%w: refund %d exceeds balance %d", ErrOverRefund, amount, payment.BalanceAmount)
	}
	if !req.IsPartial && amount != payment.BalanceAmount {
		return 0, fmt.Errorf("%w: full refund must cover the balance %d", ErrInvalidTransition, payment.BalanceAmount)
	}
	return amount, nil
}

// handleProviderFailure 超时结果未知，记录保持 pending 等 webhook 或补查收敛；
// 渠道明确拒绝时才标记失败
func (s *RefundService) handleProviderFailure(ctx context.Context, payment *model.Payment, record *model.RefundRecord, err error, meta RequestMeta) error {
	if errors.Is(err, provider.ErrTimeout) {
		s.metrics.ObserveProviderCall("cancel", "timeout")
		s.audit.Record(ctx, AuditEntry{
			PaymentID: payment.ID,
			EventType: model.AuditTimeout,
			Data:      map[string]interface{}{"operation": "cancel", "refund_id": record.ID, "refund_no": record.RefundNo},
			Err:       err,
			Meta:      meta,
		})
		s.log.Warn().Err(err).Str("payment_id", payment.ID).Str("refund_no", record.RefundNo).Msg("provider cancel timed out, refund left pending")
		return translateProviderError(err)
	}

	s.metrics.ObserveProviderCall("cancel", "failed")
	if markErr := s.engine.refunds.MarkFailed(ctx, nil, record.ID, truncate(err.Error(), 256), s.engine.now()); markErr != nil {
		s.log.Error().Err(markErr).Str("refund_id", record.ID).Msg("mark refund failed")
	}
	s.audit.Record(ctx, AuditEntry{
		PaymentID:  payment.ID,
		EventType:  model.AuditProviderAPIFailed,
		Data:       map[string]interface{}{"operation": "cancel", "refund_id": record.ID},
		Err:        err,
		HTTPStatus: provider.HTTPStatus(err),
		Meta:       meta,
	})
	s.audit.Record(ctx, AuditEntry{
		PaymentID: payment.ID,
		EventType: model.AuditRefundFailed,
		Data:      map[string]interface{}{"refund_id": record.ID, "refund_no": record.RefundNo, "amount": record.RefundAmount},
		Err:       err,
		Meta:      meta,
	})
	s.log.Error().Err(err).Str("payment_id", payment.ID).Str("refund_no", record.RefundNo).Msg("provider cancel failed")
	return translateProviderError(err)
}

// cancelKey 渠道未返回 transactionKey 时按订单、金额和时间合成稳定的去重键
func cancelKey(orderID string, c provider.Cancel) string {
	if c.TransactionKey != "" {
		return c.TransactionKey
	}
	return fmt.Sprintf("%s:%d:%d", orderID, c.CancelAmount, c.CanceledAt.UnixMilli())
}

// matchCancelKey 在渠道返回的取消列表里找到本次退款对应的条目（金额相同的最新一条）
func matchCancelKey(cancels []provider.Cancel, amount int64) string {
	var (
		key    string
		latest time.Time
	)
	for _, c := range cancels {
		if c.CancelAmount != amount || c.TransactionKey == "" {
			continue
		}
		if key == "" || !c.CanceledAt.Before(latest) {
			key = c.TransactionKey
			latest = c.CanceledAt
		}
	}
	return key
}
