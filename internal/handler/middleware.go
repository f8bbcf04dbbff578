package handler

import (
	"errors"
	"net/http"
	"time"

	"payrecon/internal/auth"
	"payrecon/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const actorContextKey = "payrecon.actor"

// LoggerMiddleware 结构化访问日志
func LoggerMiddleware(log zerolog.Logger) gin.HandlerFunc {
	access := log.With().Str("component", "HTTP").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		event := access.Info()
		if status >= http.StatusInternalServerError {
			event = access.Error()
		} else if status >= http.StatusBadRequest {
			event = access.Warn()
		}
		if query != "" {
			event = event.Str("query", query)
		}
		event.
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Msg("request")
	}
}

// RecoveryMiddleware 防止 panic 导致服务崩溃
func RecoveryMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().Interface("panic", err).Str("path", c.Request.URL.Path).Msg("panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, response.Response{
					Code:    response.CodeServerError,
					Message: "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// AdminAuthMiddleware 解析 Bearer token，只认证身份；角色校验由各业务操作负责并写审计
func AdminAuthMiddleware(tokens *auth.TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := tokens.ParseAuthorization(c.GetHeader("Authorization"))
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrMissingToken) {
				msg = "missing bearer token"
			}
			response.Unauthorized(c, msg)
			c.Abort()
			return
		}
		c.Set(actorContextKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) auth.Actor {
	if v, ok := c.Get(actorContextKey); ok {
		if actor, ok := v.(auth.Actor); ok {
			return actor
		}
	}
	return auth.Actor{}
}
