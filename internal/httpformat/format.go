// Package httpformat picks the error envelope (OpenAI or Gemini) matching
// the surface a request came in on.
package httpformat

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "catiecli-go/internal/errors"
)

// DetectFromContext picks the format for a gin request.
func DetectFromContext(c *gin.Context) apperrors.ErrorFormat {
	if c == nil {
		return apperrors.FormatOpenAI
	}
	if path := c.FullPath(); path != "" {
		return DetectFromPath(path)
	}
	return DetectFromRequest(c.Request)
}

// DetectFromRequest picks the format from a raw HTTP request.
func DetectFromRequest(r *http.Request) apperrors.ErrorFormat {
	if r == nil || r.URL == nil {
		return apperrors.FormatOpenAI
	}
	return DetectFromPath(r.URL.Path)
}

// DetectFromPath treats the v1beta surface and the generateContent verbs as
// Gemini; everything else answers in the OpenAI envelope.
func DetectFromPath(path string) apperrors.ErrorFormat {
	path = strings.ToLower(path)
	if strings.Contains(path, "/v1beta/") ||
		strings.Contains(path, ":generatecontent") ||
		strings.Contains(path, ":streamgeneratecontent") {
		return apperrors.FormatGemini
	}
	return apperrors.FormatOpenAI
}
