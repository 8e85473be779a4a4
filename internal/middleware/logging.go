package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
)

// Logger middleware logs request details at debug level; scrapes and probes
// are frequent and uninteresting unless they fail
func Logger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		l := logger.WithFields(map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		})

		if c.Writer.Status() >= 500 {
			l.Warn("HTTP request")
			return
		}
		l.Debug("HTTP request")
	}
}
