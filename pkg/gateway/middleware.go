package gateway

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/harun/streamrelay/internal/tracing"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// requestContext attaches trace and request IDs to the request context
func requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := tracing.NewRequestContext(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, tracing.GetRequestID(ctx))
		c.Next()
	}
}

// requestLogger logs one line per request
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}

		event.
			Str("request_id", tracing.GetRequestID(c.Request.Context())).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}
