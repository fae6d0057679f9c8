package common

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetSSEHeaders prepares the response for a server-sent event stream.
func SetSSEHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Flusher returns the flush hook for the response writer, or a no-op when
// the writer cannot flush.
func Flusher(c *gin.Context) func() {
	if f, ok := c.Writer.(http.Flusher); ok {
		return f.Flush
	}
	return func() {}
}

// CopyFlush streams r to the response, flushing as data arrives so clients
// see events immediately.
func CopyFlush(c *gin.Context, r io.Reader) error {
	flush := Flusher(c)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return werr
			}
			flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
