package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/logging"
)

// RequestLogger emits one structured line per request after it finishes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		fields := log.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"method":     method,
			"path":       path,
			"user_agent": c.Request.UserAgent(),
		}
		if user := User(c); user != nil {
			fields["user_id"] = user.ID
		}
		if model, ok := c.Get("model"); ok {
			fields["model"] = model
		}
		logging.WithReq(c, fields).Info("http_request")
	}
}
