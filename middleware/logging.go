package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// LoggerMiddleware logs one line per request with the trace id. Requests that
// carry a machineId (status page, buy page) get the id as a field so a
// machine's traffic can be grepped in one pass.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		span := trace.SpanFromContext(c.Request.Context())
		traceID := ""
		if span.SpanContext().IsValid() {
			traceID = span.SpanContext().TraceID().String()
		}

		fields := []zap.Field{
			zap.String("trace_id", traceID),
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if machineID := c.Query("machineId"); machineID != "" {
			fields = append(fields, zap.String("machine_id", machineID))
		}
		if c.IsWebsocket() {
			fields = append(fields, zap.Bool("websocket", true))
		}

		logger.Info("HTTP Request", fields...)
	}
}
