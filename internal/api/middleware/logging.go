package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Logging emits one structured line per request.
func Logging(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})

		if c.Writer.Status() >= 500 {
			entry.Error("Request failed")
		} else if c.Writer.Status() >= 400 {
			entry.Warn("Request rejected")
		} else {
			entry.Debug("Request served")
		}
	}
}
