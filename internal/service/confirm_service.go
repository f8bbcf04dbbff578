package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"payrecon/internal/infrastructure/provider"
	"payrecon/internal/metrics"
	"payrecon/internal/model"

	"github.com/rs/zerolog"
)

type ConfirmRequest struct {
	OrderID       string `json:"order_id" binding:"required"`
	PaymentKey    string `json:"payment_key" binding:"required"`
	ClaimedAmount int64  `json:"amount" binding:"required"`
}

type ConfirmResponse struct {
	OrderID   string              `json:"order_id"`
	PaymentID string              `json:"payment_id"`
	Status    model.PaymentStatus `json:"status"`
	Message   string              `json:"message"`
}

// ConfirmService 买家支付完成跳回后的同步确认，与 webhook 共用同一个状态机
type ConfirmService struct {
	engine   *Engine
	provider ProviderClient
	audit    *AuditRecorder
	metrics  *metrics.Metrics
	timeout  time.Duration
	log      zerolog.Logger
}

func NewConfirmService(engine *Engine, providerClient ProviderClient, audit *AuditRecorder, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *ConfirmService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ConfirmService{
		engine:   engine,
		provider: providerClient,
		audit:    audit,
		metrics:  m,
		timeout:  timeout,
		log:      log.With().Str("component", "ConfirmPath").Logger(),
	}
}

func (s *ConfirmService) Confirm(ctx context.Context, req *ConfirmRequest, meta RequestMeta) (*ConfirmResponse, error) {
	paymentKey := strings.TrimSpace(req.PaymentKey)
	payment, err := s.engine.payments.GetByOrderID(ctx, nil, req.OrderID)
	if err != nil {
		return nil, err
	}

	if req.ClaimedAmount != payment.Amount {
		s.audit.Record(ctx, AuditEntry{
			PaymentID: payment.ID,
			EventType: model.AuditFraudAttempt,
			Data: map[string]interface{}{
				"reason":           "amount_mismatch",
				"source":           SourceClientConfirm,
				"order_id":         payment.OrderID,
				"db_amount":        payment.Amount,
				"requested_amount": req.ClaimedAmount,
			},
			Meta: meta,
		})
		s.log.Warn().
			Str("order_id", payment.OrderID).
			Int64("db_amount", payment.Amount).
			Int64("requested_amount", req.ClaimedAmount).
			Str("source_ip", meta.SourceIP).
			Msg("confirm amount mismatch")
		return nil, fmt.Errorf("%w: order %s", ErrAmountMismatch, payment.OrderID)
	}

	if payment.Status.IsSettled() || payment.Status == model.PaymentStatusRefunded {
		if payment.ProviderKey() == paymentKey {
			return s.response(payment), nil
		}
		return nil, fmt.Errorf("%w: order %s already paid with another payment key", ErrInvalidTransition, payment.OrderID)
	}

	evidence := Evidence{Source: SourceClientConfirm, Meta: meta}
	if _, err := s.engine.ApplyTransition(ctx, payment.OrderID, model.PaymentStatusProcessing, evidence); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, AuditEntry{
		PaymentID: payment.ID,
		EventType: model.AuditConfirmRequested,
		Data: map[string]interface{}{
			"order_id":    payment.OrderID,
			"payment_key": paymentKey,
			"amount":      payment.Amount,
		},
		Meta: meta,
	})

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	confirmed, err := s.provider.ConfirmPayment(callCtx, paymentKey, payment.OrderID, payment.Amount)
	if err != nil {
		return s.handleProviderFailure(ctx, payment, err, meta)
	}

	s.metrics.ObserveProviderCall("confirm", "success")
	s.audit.Record(ctx, AuditEntry{
		PaymentID:  payment.ID,
		EventType:  model.AuditProviderAPISucceeded,
		Data:       map[string]interface{}{"operation": "confirm", "status": confirmed.Status},
		HTTPStatus: http.StatusOK,
		Meta:       meta,
	})

	target := model.PaymentStatusPaid
	switch confirmed.Status {
	case provider.StatusDone, "":
	case provider.StatusInProgress, provider.StatusWaitingForDeposit:
		// 虚拟账户等待入账，由 webhook 推进
		target = model.PaymentStatusProcessing
	default:
		return nil, fmt.Errorf("%w: unexpected confirm status %s", ErrProviderError, confirmed.Status)
	}

	key := confirmed.PaymentKey
	if key == "" {
		key = paymentKey
	}
	result, err := s.engine.ApplyTransition(ctx, payment.OrderID, target, Evidence{
		Source:                SourceClientConfirm,
		ProviderTransactionID: key,
		RawPayload:            string(confirmed.Raw),
		Meta:                  meta,
	})
	if err != nil {
		return nil, err
	}
	return s.response(result.Payment), nil
}

// handleProviderFailure 超时和 5xx 不改台账；4xx 先回查渠道的真实状态再决定
func (s *ConfirmService) handleProviderFailure(ctx context.Context, payment *model.Payment, err error, meta RequestMeta) (*ConfirmResponse, error) {
	if errors.Is(err, provider.ErrTimeout) {
		s.metrics.ObserveProviderCall("confirm", "timeout")
		s.audit.Record(ctx, AuditEntry{
			PaymentID: payment.ID,
			EventType: model.AuditTimeout,
			Data:      map[string]interface{}{"operation": "confirm", "timeout": s.timeout.String()},
			Err:       err,
			Meta:      meta,
		})
		s.log.Warn().Err(err).Str("order_id", payment.OrderID).Msg("provider confirm timed out")
		return nil, translateProviderError(err)
	}

	status := provider.HTTPStatus(err)
	s.metrics.ObserveProviderCall("confirm", "failed")
	s.audit.Record(ctx, AuditEntry{
		PaymentID:  payment.ID,
		EventType:  model.AuditProviderAPIFailed,
		Data:       map[string]interface{}{"operation": "confirm", "code": provider.ErrorCode(err)},
		Err:        err,
		HTTPStatus: status,
		Meta:       meta,
	})
	s.log.Error().Err(err).Str("order_id", payment.OrderID).Int("http_status", status).Msg("provider confirm failed")

	if status < http.StatusBadRequest || status >= http.StatusInternalServerError {
		return nil, translateProviderError(err)
	}
	return s.resolveRejection(ctx, payment, err, meta)
}

// resolveRejection 确认被拒时以渠道查询结果为准：
// 之前超时的确认可能已经扣款，重试会收到 ALREADY_PROCESSED_PAYMENT 一类的 4xx
func (s *ConfirmService) resolveRejection(ctx context.Context, payment *model.Payment, rejectErr error, meta RequestMeta) (*ConfirmResponse, error) {
	logger := s.log.With().Str("order_id", payment.OrderID).Str("code", provider.ErrorCode(rejectErr)).Logger()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	remote, err := s.provider.GetPaymentByOrderID(callCtx, payment.OrderID)
	if err != nil {
		notFound := provider.ErrorCode(err) == provider.CodeNotFoundPayment
		if notFound && provider.ErrorCode(rejectErr) != provider.CodeAlreadyProcessed {
			s.metrics.ObserveProviderCall("query", "not_found")
			return nil, s.abort(ctx, payment, rejectErr, meta)
		}
		// 查不到结论时保持 processing，交给 webhook 和定时补查
		s.metrics.ObserveProviderCall("query", "failed")
		logger.Warn().Err(err).Msg("query after confirm rejection failed, payment left processing")
		return nil, translateProviderError(rejectErr)
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
				"source":           SourceClientConfirm,
				"db_amount":        payment.Amount,
				"requested_amount": remote.TotalAmount,
			},
			Meta: meta,
		})
		return nil, fmt.Errorf("%w: provider reports %d for order %s", ErrAmountMismatch, remote.TotalAmount, payment.OrderID)
	}

	switch remote.Status {
	case provider.StatusDone:
		logger.Info().Msg("confirm rejected but provider reports payment done")
		result, err := s.engine.ApplyTransition(ctx, payment.OrderID, model.PaymentStatusPaid, Evidence{
			Source:                SourceClientConfirm,
			ProviderTransactionID: remote.PaymentKey,
			RawPayload:            string(remote.Raw),
			Meta:                  meta,
		})
		if err != nil {
			return nil, err
		}
		return s.response(result.Payment), nil
	case provider.StatusAborted, provider.StatusReady:
		return nil, s.abort(ctx, payment, rejectErr, meta)
	default:
		// 进行中、已取消、已过期等情况由 webhook 或定时补查推进
		logger.Warn().Str("provider_status", remote.Status).Msg("confirm rejected, payment left processing")
		return nil, translateProviderError(rejectErr)
	}
}

func (s *ConfirmService) abort(ctx context.Context, payment *model.Payment, rejectErr error, meta RequestMeta) error {
	if _, err := s.engine.ApplyTransition(ctx, payment.OrderID, model.PaymentStatusAborted, Evidence{
		Source: SourceClientConfirm,
		Meta:   meta,
	}); err != nil {
		s.log.Error().Err(err).Str("order_id", payment.OrderID).Msg("abort payment after provider rejection failed")
	}
	return translateProviderError(rejectErr)
}

func (s *ConfirmService) response(payment *model.Payment) *ConfirmResponse {
	return &ConfirmResponse{
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		Status:    payment.Status,
		Message:   UserMessage(nil),
	}
}
