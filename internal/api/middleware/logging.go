package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// StructuredLogging logs every request to the default slog logger.
func StructuredLogging() gin.HandlerFunc {
	return LoggingMiddleware(slog.Default(), "quote-engine")
}

// Context keys copied onto the request log line when present.
var loggedContextKeys = []string{"tenant_id", "user_id", "role", "correlation_id"}

// LoggingMiddleware writes one structured line per request after the handler
// chain returns, so values set by route-level auth are included.
func LoggingMiddleware(logger *slog.Logger, serviceName string) gin.HandlerFunc {
	logger = logger.With(slog.String("service", serviceName))

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		outcome, level := requestOutcome(status)

		attrs := make([]slog.Attr, 0, 12)
		attrs = append(attrs,
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("route", c.FullPath()),
			slog.Int("status_code", status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.Int("bytes_out", c.Writer.Size()),
			slog.String("client_ip", c.ClientIP()),
			slog.String("outcome", outcome),
		)
		for _, key := range loggedContextKeys {
			if v, ok := c.Get(key); ok {
				attrs = append(attrs, slog.Any(key, v))
			}
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}

		logger.LogAttrs(c.Request.Context(), level, "request processed", attrs...)
	}
}

func requestOutcome(status int) (string, slog.Level) {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited", slog.LevelWarn
	case status >= 500:
		return "server_error", slog.LevelError
	case status >= 400:
		return "client_error", slog.LevelWarn
	case status >= 200 && status < 300:
		return "success", slog.LevelInfo
	default:
		return "unknown", slog.LevelInfo
	}
}
