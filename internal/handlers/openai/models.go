package openai

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"catiecli-go/internal/middleware"
)

// Models handles GET /v1/models.
func (h *Handler) Models(c *gin.Context) {
	ids := h.catalog.List(c.Request.Context(), middleware.User(c))

	data := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"owned_by": "google",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
