package handler

import (
	"context"
	"errors"
	"net/http"

	"payrecon/internal/auth"
	"payrecon/internal/model"
	"payrecon/internal/service"
	"payrecon/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type IntentPreparer interface {
	Prepare(ctx context.Context, req *service.PrepareRequest, meta service.RequestMeta) (*service.PrepareResponse, error)
}

type PaymentConfirmer interface {
	Confirm(ctx context.Context, req *service.ConfirmRequest, meta service.RequestMeta) (*service.ConfirmResponse, error)
}

type WebhookProcessor interface {
	Handle(ctx context.Context, req service.WebhookRequest) service.WebhookAck
}

type Refunder interface {
	Refund(ctx context.Context, req *service.RefundRequest, actor auth.Actor, meta service.RequestMeta) (*model.RefundRecord, error)
}

type RecoveryConsole interface {
	ManualSync(ctx context.Context, orderID string, actor auth.Actor, justification string, meta service.RequestMeta) (*service.SyncResult, error)
	ForceStatus(ctx context.Context, orderID, status string, actor auth.Actor, justification string, meta service.RequestMeta) (*service.TransitionResult, error)
	CreateSettlementManually(ctx context.Context, orderID string, actor auth.Actor, justification string, meta service.RequestMeta) (*model.Settlement, error)
	AuditTrail(ctx context.Context, orderID string, actor auth.Actor, limit int) (*model.Payment, []*model.AuditLogEvent, error)
}

type AlertSource interface {
	Latest() *service.AnomalyReport
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	serviceName string
	intent      IntentPreparer
	confirm     PaymentConfirmer
	webhook     WebhookProcessor
	refund      Refunder
	recovery    RecoveryConsole
	alerts      AlertSource
	authz       service.AuthCollaborator
	log         zerolog.Logger
}

type Services struct {
	Intent   IntentPreparer
	Confirm  PaymentConfirmer
	Webhook  WebhookProcessor
	Refund   Refunder
	Recovery RecoveryConsole
	Alerts   AlertSource
	Authz    service.AuthCollaborator
}

func NewHandler(serviceName string, svc Services, log zerolog.Logger) *Handler {
	return &Handler{
		serviceName: serviceName,
		intent:      svc.Intent,
		confirm:     svc.Confirm,
		webhook:     svc.Webhook,
		refund:      svc.Refund,
		recovery:    svc.Recovery,
		alerts:      svc.Alerts,
		authz:       svc.Authz,
		log:         log.With().Str("component", "Handler").Logger(),
	}
}

// ============================================================
// 买家侧接口
// ============================================================

// Prepare 创建支付意向单
// POST /api/v1/payments/prepare
func (h *Handler) Prepare(c *gin.Context) {
	var req service.PrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.intent.Prepare(c.Request.Context(), &req, requestMeta(c))
	if err != nil {
		h.writeError(c, err, err.Error())
		return
	}
	response.Success(c, result)
}

// Confirm 买家跳回后确认支付；错误只返回可读提示，分类写日志
// POST /api/v1/payments/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req service.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.confirm.Confirm(c.Request.Context(), &req, requestMeta(c))
	if err != nil {
		h.writeError(c, err, service.UserMessage(err))
		return
	}
	response.Success(c, result)
}

// ============================================================
// 运维控制台
// ============================================================

type justificationRequest struct {
	Justification string `json:"justification"`
}

type forceStatusRequest struct {
	Status        string `json:"status" binding:"required"`
	Justification string `json:"justification"`
}

// Refund 运维退款
// POST /api/v1/admin/payments/:paymentId/refunds
func (h *Handler) Refund(c *gin.Context) {
	var req service.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	req.PaymentID = c.Param("paymentId")

	record, err := h.refund.Refund(c.Request.Context(), &req, actorFrom(c), requestMeta(c))
	if err != nil {
		h.writeError(c, err, err.Error())
		return
	}
	response.Success(c, record)
}

// ManualSync POST /api/v1/admin/orders/:orderId/sync
func (h *Handler) ManualSync(c *gin.Context) {
	var req justificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.recovery.ManualSync(c.Request.Context(), c.Param("orderId"), actorFrom(c), req.Justification, requestMeta(c))
	if err != nil {
		h.writeError(c, err, err.Error())
		return
	}
	response.Success(c, result)
}

// ForceStatus POST /api/v1/admin/orders/:orderId/force-status
func (h *Handler) ForceStatus(c *gin.Context) {
	var req forceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.recovery.ForceStatus(c.Request.Context(), c.Param("orderId"), req.Status, actorFrom(c), req.Justification, requestMeta(c))
	if err != nil {
		h.writeError(c, err, err.Error())
		return
	}
	response.Success(c, gin.H{
		"payment":         result.Payment,
		"previous_status": result.From,
		"new_status":      result.To,
		"bypass":          true,
	})
}

// CreateSettlement POST /api/v1/admin/orders/:orderId/settlement
func (h *Handler) CreateSettlement(c *gin.Context) {
	var req justificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	settlement, err := h.recovery.CreateSettlementManually(c.Request.Context(), c.Param("orderId"), actorFrom(c), req.Justification, requestMeta(c))
	if err != nil {
		h.writeError(c, err, err.Error())
		return
	}
	response.Success(c, settlement)
}

// AuditTrail GET /api/v1/admin/orders/:orderId/audit
func (h *Handler) AuditTrail(c *gin.Context) {
	payment, events, err := h.recovery.AuditTrail(c.Request.Context(), c.Param("orderId"), actorFrom(c), 200)
	if err != nil {
		h.writeError(c, err, err.Error())
		return
	}
	response.Success(c, gin.H{
		"payment": payment,
		"events":  events,
	})
}

// Alerts 最近一次异常检测报告
// GET /api/v1/admin/alerts
func (h *Handler) Alerts(c *gin.Context) {
	if !h.authz.RequireElevatedRole(actorFrom(c)) {
		response.Error(c, http.StatusForbidden, response.CodeForbidden, "forbidden")
		return
	}
	report := h.alerts.Latest()
	if report == nil {
		response.Success(c, gin.H{"pending": true})
		return
	}
	response.Success(c, report)
}

func requestMeta(c *gin.Context) service.RequestMeta {
	return service.RequestMeta{
		SourceIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

type errorMapping struct {
	err    error
	status int
	code   int
}

var errorMappings = []errorMapping{
	{service.ErrInvalidAmount, http.StatusBadRequest, response.CodeParamError},
	{service.ErrJustificationRequired, http.StatusBadRequest, response.CodeParamError},
	{service.ErrInvalidStatus, http.StatusBadRequest, response.CodeParamError},
	{service.ErrMalformedPayload, http.StatusBadRequest, response.CodeParamError},
	{service.ErrForbidden, http.StatusForbidden, response.CodeForbidden},
	{service.ErrPaymentNotFound, http.StatusNotFound, response.CodePaymentNotFound},
	{service.ErrAmountMismatch, http.StatusUnprocessableEntity, response.CodeAmountMismatch},
	{service.ErrInvalidTransition, http.StatusConflict, response.CodeInvalidTransition},
	{service.ErrOverRefund, http.StatusUnprocessableEntity, response.CodeOverRefund},
	{service.ErrBookingNotEligible, http.StatusConflict, response.CodeBookingNotEligible},
	{service.ErrDuplicateOrder, http.StatusConflict, response.CodeDuplicateOrder},
	{service.ErrSettlementExists, http.StatusConflict, response.CodeConflict},
	{service.ErrLockBusy, http.StatusConflict, response.CodeConflict},
	{service.ErrProviderTimeout, http.StatusGatewayTimeout, response.CodeProviderTimeout},
	{service.ErrProviderError, http.StatusBadGateway, response.CodeProviderError},
}

func (h *Handler) writeError(c *gin.Context, err error, message string) {
	kind := service.ErrorKind(err)
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			h.log.Warn().Err(err).Str("kind", kind).Str("path", c.FullPath()).Msg("request rejected")
			response.Error(c, m.status, m.code, message)
			return
		}
	}
	h.log.Error().Err(err).Str("kind", kind).Str("path", c.FullPath()).Msg("request failed")
	response.ServerError(c, "internal server error")
}
