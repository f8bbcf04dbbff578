package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"payrecon/internal/auth"
	"payrecon/internal/infrastructure/provider"
	"payrecon/internal/metrics"
	"payrecon/internal/model"
	"payrecon/pkg/idgen"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type SyncResult struct {
	Payment        *model.Payment      `json:"payment"`
	ProviderStatus string              `json:"provider_status"`
	From           model.PaymentStatus `json:"from"`
	To             model.PaymentStatus `json:"to"`
	Applied        bool                `json:"applied"`
}

// RecoveryService 运维控制台后端，所有操作需要高权限并写明原因
type RecoveryService struct {
	engine   *Engine
	refunds  *RefundService
	provider ProviderClient
	auth     AuthCollaborator
	audit    *AuditRecorder
	metrics  *metrics.Metrics
	timeout  time.Duration
	log      zerolog.Logger
}

func NewRecoveryService(engine *Engine, refunds *RefundService, providerClient ProviderClient, authz AuthCollaborator, audit *AuditRecorder, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *RecoveryService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RecoveryService{
		engine:   engine,
		refunds:  refunds,
		provider: providerClient,
		auth:     authz,
		audit:    audit,
		metrics:  m,
		timeout:  timeout,
		log:      log.With().Str("component", "RecoveryConsole").Logger(),
	}
}

// ManualSync 重新查询渠道侧状态并通过状态机重放
func (s *RecoveryService) ManualSync(ctx context.Context, orderID string, actor auth.Actor, justification string, meta RequestMeta) (*SyncResult, error) {
	if err := s.authorize(ctx, "manual_sync", orderID, actor, justification, meta); err != nil {
		return nil, err
	}
	return s.sync(ctx, orderID, actor.ID, justification, meta)
}

// Reconcile 后台补偿任务使用的同步入口，不经过人工授权，也不写运维审计
func (s *RecoveryService) Reconcile(ctx context.Context, orderID string) (*SyncResult, error) {
	return s.sync(ctx, orderID, "", "", RequestMeta{})
}

func (s *RecoveryService) sync(ctx context.Context, orderID, actorID, justification string, meta RequestMeta) (*SyncResult, error) {
	payment, err := s.engine.payments.GetByOrderID(ctx, nil, orderID)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, AuditEntry{
		PaymentID: payment.ID,
		EventType: model.AuditManualSyncRequested,
		Data:      map[string]interface{}{"order_id": orderID, "actor": actorID},
		Meta:      meta,
	})

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	remote, err := s.provider.GetPaymentByOrderID(callCtx, orderID)
	if err != nil {
		return nil, s.handleProviderFailure(ctx, payment, err, meta)
	}
	s.metrics.ObserveProviderCall("query", "success")
	s.audit.Record(ctx, AuditEntry{
		PaymentID:  payment.ID,
		EventType:  model.AuditProviderAPISucceeded,
		Data:       map[string]interface{}{"operation": "query", "status": remote.Status},
		HTTPStatus: http.StatusOK,
		Meta:       meta,
	})

	if remote.TotalAmount != 0 && remote.TotalAmount != payment.Amount {
		s.audit.Record(ctx, AuditEntry{
			PaymentID: payment.ID,
			EventType: model.AuditFraudAttempt,
			Data: map[string]interface{}{
				"reason":           "amount_mismatch",
				"source":           SourceManualSync,
				"db_amount":        payment.Amount,
				"requested_amount": remote.TotalAmount,
			},
			Meta: meta,
		})
		return nil, fmt.Errorf("%w: provider reports %d for order %s", ErrAmountMismatch, remote.TotalAmount, orderID)
	}

	result := &SyncResult{ProviderStatus: remote.Status, From: payment.Status, To: payment.Status}
	syncErr := s.replay(ctx, payment, remote, meta, result)

	if actorID != "" {
		data := map[string]interface{}{
			"actor":           actorID,
			"justification":   justification,
			"provider_status": remote.Status,
			"from":            result.From,
			"to":              result.To,
			"applied":         result.Applied,
		}
		if syncErr != nil {
			data["kind"] = ErrorKind(syncErr)
		}
		s.audit.Record(ctx, AuditEntry{
			PaymentID: payment.ID,
			EventType: model.AuditAdminManualSync,
			Data:      data,
			Err:       syncErr,
			Meta:      meta,
		})
	}
	if syncErr != nil {
		return nil, syncErr
	}

	refreshed, err := s.engine.payments.GetByID(ctx, nil, payment.ID)
	if err != nil {
		return nil, err
	}
	result.Payment = refreshed
	result.To = refreshed.Status
	s.log.Info().
		Str("order_id", orderID).
		Str("actor", actorID).
		Str("provider_status", remote.Status).
		Str("from", string(result.From)).
		Str("to", string(result.To)).
		Msg("provider sync finished")
	return result, nil
}

func (s *RecoveryService) replay(ctx context.Context, payment *model.Payment, remote *provider.Payment, meta RequestMeta, result *SyncResult) error {
	ev := Evidence{
		Source:                SourceManualSync,
		ProviderTransactionID: remote.PaymentKey,
		RawPayload:            string(remote.Raw),
		Meta:                  meta,
	}

	apply := func(target model.PaymentStatus) error {
		r, err := s.engine.ApplyTransition(ctx, payment.OrderID, target, ev)
		if err != nil {
			return err
		}
		result.Applied = result.Applied || r.Applied
		result.To = r.To
		return nil
	}

	switch remote.Status {
	case provider.StatusDone:
		return apply(model.PaymentStatusPaid)
	case provider.StatusInProgress, provider.StatusWaitingForDeposit:
		return apply(model.PaymentStatusProcessing)
	case provider.StatusAborted:
		return apply(model.PaymentStatusFailed)
	case provider.StatusExpired:
		return apply(model.PaymentStatusExpired)
	case provider.StatusCanceled, provider.StatusPartialCanceled:
		// 先补上错过的支付成功，再同步取消记录
		if remote.ApprovedAt != nil && !payment.Status.IsSettled() && !payment.Status.IsRefundStatus() {
			if err := apply(model.PaymentStatusPaid); err != nil {
				return err
			}
		}
		ev.ProviderTransactionID = ""
		results, err := s.refunds.RecordProviderCancels(ctx, payment.OrderID, remote.Cancels, remote.Status == provider.StatusCanceled, ev)
		for _, r := range results {
			result.Applied = result.Applied || r.Applied
			result.To = r.To
		}
		return err
	case provider.StatusReady:
		return nil
	default:
		return fmt.Errorf("%w: unknown provider status %s", ErrProviderError, remote.Status)
	}
}

// ForceStatus 绕过状态图直接改状态，审计中显式标记 bypass
func (s *RecoveryService) ForceStatus(ctx context.Context, orderID, status string, actor auth.Actor, justification string, meta RequestMeta) (*TransitionResult, error) {
	if err := s.authorize(ctx, "force_status", orderID, actor, justification, meta); err != nil {
		return nil, err
	}
	target, ok := model.ParsePaymentStatus(strings.TrimSpace(status))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	result, err := s.engine.forceStatus(ctx, orderID, target, actor.ID, justification, meta)
	if err != nil {
		return nil, err
	}
	s.log.Warn().
		Str("order_id", orderID).
		Str("actor", actor.ID).
		Str("from", string(result.From)).
		Str("to", string(target)).
		Str("justification", justification).
		Msg("payment status forced")
	return result, nil
}

// CreateSettlementManually 自动结算彻底失败时补录结算记录
func (s *RecoveryService) CreateSettlementManually(ctx context.Context, orderID string, actor auth.Actor, justification string, meta RequestMeta) (*model.Settlement, error) {
	if err := s.authorize(ctx, "create_settlement", orderID, actor, justification, meta); err != nil {
		return nil, err
	}

	var settlement *model.Settlement
	err := s.engine.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.engine.payments.GetByOrderID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !payment.Status.IsSettled() {
			return fmt.Errorf("%w: cannot settle payment in status %s", ErrInvalidTransition, payment.Status)
		}
		existing, err := s.engine.settlements.GetByPaymentID(ctx, tx, payment.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrSettlementExists, existing.SettlementNo)
		}

		settlement = &model.Settlement{
			SettlementNo: idgen.GenerateSettlementNo(),
			PaymentID:    payment.ID,
			OrderID:      payment.OrderID,
			Amount:       payment.BalanceAmount,
			Source:       model.SettlementSourceManual,
			CreatedBy:    actor.ID,
			CreatedAt:    s.engine.now(),
		}
		if err := s.engine.settlements.Create(ctx, tx, settlement); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: payment %s", ErrSettlementExists, payment.ID)
			}
			return err
		}
		return s.audit.Append(ctx, tx, AuditEntry{
			PaymentID: payment.ID,
			EventType: model.AuditAdminSettlementCreate,
			Data: map[string]interface{}{
				"settlement_no": settlement.SettlementNo,
				"amount":        settlement.Amount,
				"actor":         actor.ID,
				"justification": justification,
			},
			Meta: meta,
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("order_id", orderID).Str("settlement_no", settlement.SettlementNo).Str("actor", actor.ID).Msg("manual settlement created")
	return settlement, nil
}

// AuditTrail 按到达顺序返回一笔订单的审计事件，只读操作不要求填写原因
func (s *RecoveryService) AuditTrail(ctx context.Context, orderID string, actor auth.Actor, limit int) (*model.Payment, []*model.AuditLogEvent, error) {
	if !s.auth.RequireElevatedRole(actor) {
		return nil, nil, fmt.Errorf("%w: audit trail", ErrForbidden)
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	payment, err := s.engine.payments.GetByOrderID(ctx, nil, orderID)
	if err != nil {
		return nil, nil, err
	}
	events, err := s.audit.repo.ListByPayment(ctx, payment.ID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list audit events: %w", err)
	}
	return payment, events, nil
}

func (s *RecoveryService) authorize(ctx context.Context, operation, orderID string, actor auth.Actor, justification string, meta RequestMeta) error {
	if !s.auth.RequireElevatedRole(actor) {
		s.audit.Record(ctx, AuditEntry{
			EventType: model.AuditAdminAccessDenied,
			Data: map[string]interface{}{
				"operation": operation,
				"order_id":  orderID,
				"actor":     actor.ID,
				"role":      actor.Role,
			},
			Meta: meta,
		})
		s.log.Warn().Str("operation", operation).Str("actor", actor.ID).Msg("recovery access denied")
		return fmt.Errorf("%w: %s", ErrForbidden, operation)
	}
	if strings.TrimSpace(justification) == "" {
		return fmt.Errorf("%w: %s", ErrJustificationRequired, operation)
	}
	return nil
}

func (s *RecoveryService) handleProviderFailure(ctx context.Context, payment *model.Payment, err error, meta RequestMeta) error {
	eventType := model.AuditProviderAPIFailed
	outcome := "failed"
	if errors.Is(err, provider.ErrTimeout) {
		eventType = model.AuditTimeout
		outcome = "timeout"
	}
	s.metrics.ObserveProviderCall("query", outcome)
	s.audit.Record(ctx, AuditEntry{
		PaymentID:  payment.ID,
		EventType:  eventType,
		Data:       map[string]interface{}{"operation": "query"},
		Err:        err,
		HTTPStatus: provider.HTTPStatus(err),
		Meta:       meta,
	})
	s.log.Error().Err(err).Str("order_id", payment.OrderID).Msg("provider query failed")
	return translateProviderError(err)
}
