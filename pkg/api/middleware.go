package api

import (
	"github.com/gin-gonic/gin"
)

// requestLogger logs one line per request with method, path, status, and
// elapsed time. The metrics endpoint is skipped to keep scrape noise out of
// the logs.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		started := s.clock()
		c.Next()

		s.logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed_ms", s.clock().Sub(started).Milliseconds(),
		)
	}
}
