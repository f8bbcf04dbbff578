package handler

import (
	"io"
	"net/http"

	"payrecon/internal/service"
	"payrecon/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	signatureHeader = "signature"
	maxWebhookBody  = 1 << 20
)

// PaymentWebhook 渠道异步通知，签名基于原始请求体校验，必须在任何 JSON 解析之前读取
// POST /api/v1/webhooks/payments
func (h *Handler) PaymentWebhook(c *gin.Context) {
	// 多读一个字节用来判断是否超限
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		response.WebhookReject(c, http.StatusBadRequest)
		return
	}
	oversize := len(body) > maxWebhookBody
	if oversize {
		body = body[:maxWebhookBody]
	}

	ack := h.webhook.Handle(c.Request.Context(), service.WebhookRequest{
		Body:      body,
		Signature: c.GetHeader(signatureHeader),
		Meta:      requestMeta(c),
		Oversize:  oversize,
	})
	if ack.StatusCode == http.StatusOK {
		response.WebhookAck(c)
		return
	}
	response.WebhookReject(c, ack.StatusCode)
}
