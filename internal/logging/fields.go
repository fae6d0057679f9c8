package logging

import (
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// requestIDKey matches the context key the request-id middleware sets.
const requestIDKey = "request_id"

// WithReq returns an entry carrying the request's id, method, route and
// client ip, merged with extras. Extras win on key conflicts.
func WithReq(c *gin.Context, extras log.Fields) *log.Entry {
	fields := log.Fields{}
	if c != nil {
		route := c.FullPath()
		if route == "" && c.Request != nil && c.Request.URL != nil {
			route = c.Request.URL.Path
		}
		fields[requestIDKey] = c.GetString(requestIDKey)
		fields["method"] = c.Request.Method
		fields["path"] = route
		fields["client_ip"] = c.ClientIP()
	}
	for k, v := range extras {
		fields[k] = v
	}
	return log.WithFields(fields)
}
