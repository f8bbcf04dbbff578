package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeConflict      = 409
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodePaymentNotFound    = 1001
	CodeInvalidTransition  = 1002
	CodeAmountMismatch     = 1003
	CodeOverRefund         = 1004
	CodeBookingNotEligible = 1005
	CodeProviderTimeout    = 1006
	CodeProviderError      = 1007
	CodeDuplicateOrder     = 1008
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 以指定 HTTP 状态返回业务错误
func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeParamError, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, CodeUnauthorized, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, CodeServerError, message)
}

// WebhookAck 渠道只关心 2xx，回包固定为 {success: true}
func WebhookAck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func WebhookReject(c *gin.Context, httpStatus int) {
	c.JSON(httpStatus, gin.H{"success": false})
}
