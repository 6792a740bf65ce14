package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestIDHeader carries the per-request identifier on responses.
const RequestIDHeader = "X-Request-ID"

// GinMiddleware logs one line per request through zap instead of gin's
// default stdout logger.
func GinMiddleware(logger *zap.Logger) gin.HandlerFunc {
	httpLogger := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if requestID := c.Writer.Header().Get(RequestIDHeader); requestID != "" {
			fields = append(fields, zap.String("request_id", requestID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			httpLogger.Error("request failed", fields...)
		case status >= 400:
			httpLogger.Warn("request rejected", fields...)
		default:
			httpLogger.Info("request handled", fields...)
		}
	}
}
