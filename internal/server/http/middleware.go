package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/logging"
)

// requestLogger logs each request with latency and status. Websocket upgrades
// are skipped; the stream handler logs its own connection lifecycle.
func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.IsWebsocket() {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		logger.Info("%s %s -> %d (%s)",
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start).Round(time.Microsecond),
		)
	}
}
