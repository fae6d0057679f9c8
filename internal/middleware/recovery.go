package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	apperrors "catiecli-go/internal/errors"
)

// Recovery converts panics into 500 responses with a logged stack trace.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.WithFields(log.Fields{
					"error":     err,
					"stack":     string(debug.Stack()),
					"path":      c.Request.URL.Path,
					"method":    c.Request.Method,
					"client_ip": c.ClientIP(),
				}).Error("panic recovered")

				AbortWithAPIError(c, apperrors.New(http.StatusInternalServerError,
					"internal_error", "server_error", "Internal server error"))
			}
		}()
		c.Next()
	}
}

// SafeGo runs fn on a goroutine that survives panics, for background loops.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if err := recover(); err != nil {
				log.WithFields(log.Fields{
					"goroutine": name,
					"error":     err,
					"stack":     string(debug.Stack()),
				}).Error("goroutine panic recovered")
			}
		}()
		fn()
	}()
}
