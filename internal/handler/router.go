package handler

import (
	"net/http"
	"time"

	"payrecon/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// SetupRouter 配置路由；gatherer 为 nil 时不暴露 /metrics
func SetupRouter(h *Handler, tokens *auth.TokenParser, gatherer prometheus.Gatherer, log zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	r.GET("/health", h.Health)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")
	{
		payments := api.Group("/payments")
		{
			payments.POST("/prepare", h.Prepare)
			payments.POST("/confirm", h.Confirm)
		}

		api.POST("/webhooks/payments", h.PaymentWebhook)

		admin := api.Group("/admin", AdminAuthMiddleware(tokens))
		{
			admin.POST("/payments/:paymentId/refunds", h.Refund)
			admin.POST("/orders/:orderId/sync", h.ManualSync)
			admin.POST("/orders/:orderId/force-status", h.ForceStatus)
			admin.POST("/orders/:orderId/settlement", h.CreateSettlement)
			admin.GET("/orders/:orderId/audit", h.AuditTrail)
			admin.GET("/alerts", h.Alerts)
		}
	}

	return r
}

// Health 健康检查，无副作用
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   h.serviceName,
		"status":    "active",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
