package gemini

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"catiecli-go/internal/middleware"
)

// ListModels handles GET /v1beta/models in the native catalog shape.
func (h *Handler) ListModels(c *gin.Context) {
	ids := h.catalog.List(c.Request.Context(), middleware.User(c))

	entries := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, gin.H{
			"name":                       "models/" + id,
			"displayName":                id,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": entries})
}
