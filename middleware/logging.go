package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"chorus/script-presence/metrics"
	"chorus/script-presence/utils"
)

// Logger logs every request and records its latency. m may be nil.
func Logger(logger *utils.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		m.ObserveRequest(c.Request.Method, route, status, elapsed)

		args := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", elapsed,
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			args = append(args, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			logger.Error("Request", args...)
		case route == "/health" || route == "/metrics":
			logger.Debug("Request", args...)
		default:
			logger.Info("Request", args...)
		}
	}
}
