package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"payrecon/internal/infrastructure/provider"
	"payrecon/internal/metrics"
	"payrecon/internal/model"
	"payrecon/pkg/signature"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// 渠道推送的事件类型
const (
	EventPaymentInProgress     = "PAYMENT.IN_PROGRESS"
	EventPaymentDone           = "PAYMENT.DONE"
	EventPaymentPartialCancel  = "PAYMENT.PARTIAL_CANCELED"
	EventPaymentCanceled       = "PAYMENT.CANCELED"
	EventPaymentAborted        = "PAYMENT.ABORTED"
	EventPaymentExpired        = "PAYMENT.EXPIRED"
	webhookOutcomeApplied      = "applied"
	webhookOutcomeReplay       = "replay"
	webhookOutcomeDuplicate    = "duplicate"
	webhookOutcomeIgnored      = "ignored"
	webhookOutcomeFraud        = "fraud"
	webhookOutcomeRejected     = "rejected"
	webhookOutcomeInternal     = "internal_error"
	webhookOutcomeUnauthorized = "invalid_signature"
	webhookOutcomeMalformed    = "malformed"
)

var knownWebhookEvents = map[string]bool{
	EventPaymentInProgress:    true,
	EventPaymentDone:          true,
	EventPaymentPartialCancel: true,
	EventPaymentCanceled:      true,
	EventPaymentAborted:       true,
	EventPaymentExpired:       true,
}

type WebhookRequest struct {
	Body      []byte
	Signature string
	Meta      RequestMeta
	// Oversize 请求体超过上限，Body 只是被截断的前缀
	Oversize bool
}

type WebhookAck struct {
	StatusCode int
	Outcome    string
	Kind       string
}

type webhookEnvelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// webhookData 只解析处理所需的字段，其余内容原样保存在审计里
type webhookData struct {
	PaymentKey    string            `json:"paymentKey"`
	OrderID       string            `json:"orderId"`
	Status        string            `json:"status"`
	TotalAmount   *int64            `json:"totalAmount"`
	BalanceAmount *int64            `json:"balanceAmount"`
	Cancels       []provider.Cancel `json:"cancels"`
}

// WebhookGateway 渠道异步通知入口
type WebhookGateway struct {
	secret  []byte
	engine  *Engine
	refunds *RefundService
	guard   EventGuard
	audit   *AuditRecorder
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewWebhookGateway guard 可以为 nil
func NewWebhookGateway(secret string, engine *Engine, refunds *RefundService, guard EventGuard, audit *AuditRecorder, m *metrics.Metrics, log zerolog.Logger) *WebhookGateway {
	return &WebhookGateway{
		secret:  []byte(secret),
		engine:  engine,
		refunds: refunds,
		guard:   guard,
		audit:   audit,
		metrics: m,
		log:     log.With().Str("component", "WebhookGateway").Logger(),
	}
}

func (g *WebhookGateway) Handle(ctx context.Context, req WebhookRequest) WebhookAck {
	if req.Oversize {
		// 截断后的请求体必然验签失败，不能计为伪造
		g.audit.Record(ctx, AuditEntry{
			EventType:  model.AuditWebhookParseError,
			Data:       map[string]interface{}{"reason": "body_too_large", "body_length": len(req.Body)},
			Err:        ErrMalformedPayload,
			HTTPStatus: http.StatusRequestEntityTooLarge,
			Meta:       req.Meta,
		})
		g.metrics.ObserveWebhook("", webhookOutcomeMalformed)
		g.log.Warn().Str("source_ip", req.Meta.SourceIP).Int("body_length", len(req.Body)).Msg("webhook body too large")
		return WebhookAck{StatusCode: http.StatusRequestEntityTooLarge, Outcome: webhookOutcomeMalformed, Kind: ErrorKind(ErrMalformedPayload)}
	}

	if !signature.Verify(g.secret, req.Body, req.Signature) {
		g.audit.Record(ctx, AuditEntry{
			EventType:  model.AuditFraudAttempt,
			Data:       map[string]interface{}{"reason": "invalid_signature", "body_length": len(req.Body)},
			Err:        ErrInvalidSignature,
			HTTPStatus: http.StatusUnauthorized,
			Meta:       req.Meta,
		})
		g.metrics.ObserveWebhook("", webhookOutcomeUnauthorized)
		g.log.Warn().Str("source_ip", req.Meta.SourceIP).Msg("webhook signature rejected")
		return WebhookAck{StatusCode: http.StatusUnauthorized, Outcome: webhookOutcomeUnauthorized, Kind: ErrorKind(ErrInvalidSignature)}
	}

	envelope, data, err := parseWebhook(req.Body)
	if err != nil {
		g.audit.Record(ctx, AuditEntry{
			EventType:  model.AuditWebhookParseError,
			Data:       map[string]interface{}{"body": truncate(string(req.Body), 2048)},
			Err:        err,
			HTTPStatus: http.StatusBadRequest,
			Meta:       req.Meta,
		})
		g.metrics.ObserveWebhook(envelope.EventType, webhookOutcomeMalformed)
		g.log.Warn().Err(err).Msg("webhook payload rejected")
		return WebhookAck{StatusCode: http.StatusBadRequest, Outcome: webhookOutcomeMalformed, Kind: ErrorKind(err)}
	}

	logger := g.log.With().Str("event_id", envelope.EventID).Str("event_type", envelope.EventType).Logger()
	ack, paymentID, duplicate := g.dispatch(ctx, envelope, data, req, logger)

	g.audit.Record(ctx, AuditEntry{
		PaymentID: paymentID,
		EventType: model.AuditWebhookReceived,
		Data: map[string]interface{}{
			"event_id":   envelope.EventID,
			"event_type": envelope.EventType,
			"outcome":    ack.Outcome,
			"kind":       ack.Kind,
			"duplicate":  duplicate,
			"envelope":   json.RawMessage(req.Body),
		},
		HTTPStatus: ack.StatusCode,
		Meta:       req.Meta,
	})
	g.metrics.ObserveWebhook(envelope.EventType, ack.Outcome)
	return ack
}

func (g *WebhookGateway) dispatch(ctx context.Context, envelope webhookEnvelope, data *webhookData, req WebhookRequest, logger zerolog.Logger) (WebhookAck, string, bool) {
	if !knownWebhookEvents[envelope.EventType] {
		g.audit.Record(ctx, AuditEntry{
			EventType: model.AuditWebhookIgnored,
			Data:      map[string]interface{}{"event_id": envelope.EventID, "event_type": envelope.EventType},
			Meta:      req.Meta,
		})
		logger.Info().Msg("webhook event ignored")
		return WebhookAck{StatusCode: http.StatusOK, Outcome: webhookOutcomeIgnored}, "", false
	}

	payment, err := g.engine.payments.GetByOrderID(ctx, nil, data.OrderID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			logger.Warn().Str("order_id", data.OrderID).Msg("webhook for unknown order")
			return WebhookAck{StatusCode: http.StatusOK, Outcome: webhookOutcomeRejected, Kind: ErrorKind(err)}, "", false
		}
		logger.Error().Err(err).Msg("load payment for webhook")
		return WebhookAck{StatusCode: http.StatusInternalServerError, Outcome: webhookOutcomeInternal, Kind: ErrorKind(err)}, "", false
	}

	if g.guard != nil {
		seen, err := g.guard.CheckAndMark(ctx, envelope.EventID)
		if err != nil {
			logger.Warn().Err(err).Msg("webhook event guard unavailable")
		} else if seen {
			logger.Info().Msg("webhook event already processed")
			return WebhookAck{StatusCode: http.StatusOK, Outcome: webhookOutcomeDuplicate}, payment.ID, true
		}
	}

	ev := Evidence{
		Source:                SourceWebhook,
		ProviderTransactionID: data.PaymentKey,
		RawPayload:            string(req.Body),
		Meta:                  req.Meta,
	}

	var (
		applied bool
		runErr  error
	)
	switch envelope.EventType {
	case EventPaymentDone:
		if data.TotalAmount != nil && *data.TotalAmount != payment.Amount {
			g.audit.Record(ctx, AuditEntry{
				PaymentID: payment.ID,
				EventType: model.AuditFraudAttempt,
				Data: map[string]interface{}{
					"reason":           "amount_mismatch",
					"source":           SourceWebhook,
					"event_id":         envelope.EventID,
					"db_amount":        payment.Amount,
					"requested_amount": *data.TotalAmount,
				},
				Meta: req.Meta,
			})
			logger.Warn().Int64("db_amount", payment.Amount).Int64("requested_amount", *data.TotalAmount).Msg("webhook amount mismatch")
			return WebhookAck{StatusCode: http.StatusOK, Outcome: webhookOutcomeFraud, Kind: ErrorKind(ErrAmountMismatch)}, payment.ID, false
		}
		applied, runErr = g.transition(ctx, payment.OrderID, model.PaymentStatusPaid, ev)
	case EventPaymentInProgress:
		applied, runErr = g.transition(ctx, payment.OrderID, model.PaymentStatusProcessing, ev)
	case EventPaymentAborted:
		applied, runErr = g.transition(ctx, payment.OrderID, model.PaymentStatusFailed, ev)
	case EventPaymentExpired:
		applied, runErr = g.transition(ctx, payment.OrderID, model.PaymentStatusExpired, ev)
	case EventPaymentPartialCancel, EventPaymentCanceled:
		ev.ProviderTransactionID = ""
		results, err := g.refunds.RecordProviderCancels(ctx, payment.OrderID, data.Cancels, envelope.EventType == EventPaymentCanceled, ev)
		for _, r := range results {
			applied = applied || r.Applied
		}
		runErr = err
	}

	if runErr == nil {
		outcome := webhookOutcomeReplay
		if applied {
			outcome = webhookOutcomeApplied
		}
		logger.Info().Str("order_id", payment.OrderID).Str("outcome", outcome).Msg("webhook handled")
		return WebhookAck{StatusCode: http.StatusOK, Outcome: outcome}, payment.ID, false
	}

	if isIntegrityError(runErr) {
		logger.Warn().Err(runErr).Str("order_id", payment.OrderID).Msg("webhook rejected by ledger, flagged for review")
		return WebhookAck{StatusCode: http.StatusOK, Outcome: webhookOutcomeRejected, Kind: ErrorKind(runErr)}, payment.ID, false
	}

	// 让渠道重投：去掉去重标记
	if g.guard != nil {
		if err := g.guard.Delete(ctx, envelope.EventID); err != nil {
			logger.Warn().Err(err).Msg("clear webhook event mark")
		}
	}
	logger.Error().Err(runErr).Str("order_id", payment.OrderID).Msg("webhook processing failed")
	return WebhookAck{StatusCode: http.StatusInternalServerError, Outcome: webhookOutcomeInternal, Kind: ErrorKind(runErr)}, payment.ID, false
}

func (g *WebhookGateway) transition(ctx context.Context, orderID string, target model.PaymentStatus, ev Evidence) (bool, error) {
	result, err := g.engine.ApplyTransition(ctx, orderID, target, ev)
	if err != nil {
		return false, err
	}
	return result.Applied, nil
}

func parseWebhook(body []byte) (webhookEnvelope, *webhookData, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return envelope, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	envelope.EventID = strings.TrimSpace(envelope.EventID)
	envelope.EventType = strings.TrimSpace(envelope.EventType)
	if envelope.EventID == "" || envelope.EventType == "" {
		return envelope, nil, fmt.Errorf("%w: eventId and eventType are required", ErrMalformedPayload)
	}
	if !knownWebhookEvents[envelope.EventType] {
		return envelope, nil, nil
	}

	data := &webhookData{}
	if len(envelope.Data) == 0 {
		return envelope, nil, fmt.Errorf("%w: data is required for %s", ErrMalformedPayload, envelope.EventType)
	}
	if err := json.Unmarshal(envelope.Data, data); err != nil {
		return envelope, nil, fmt.Errorf("%w: data: %v", ErrMalformedPayload, err)
	}
	data.OrderID = strings.TrimSpace(data.OrderID)
	if data.OrderID == "" {
		return envelope, nil, fmt.Errorf("%w: data.orderId is required", ErrMalformedPayload)
	}
	return envelope, data, nil
}

// isIntegrityError 台账拒绝的事件仍然应答 200，避免渠道无限重投；
// 聚合错误中只要有一个内部错误就按内部错误处理
func isIntegrityError(err error) bool {
	for _, e := range multierr.Errors(err) {
		if !errors.Is(e, ErrInvalidTransition) &&
			!errors.Is(e, ErrOverRefund) &&
			!errors.Is(e, ErrInvalidAmount) &&
			!errors.Is(e, ErrMalformedPayload) &&
			!errors.Is(e, ErrPaymentNotFound) {
			return false
		}
	}
	return err != nil
}
