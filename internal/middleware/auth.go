// Package middleware holds the gin middleware chain: API-key auth, CORS,
// request ids, rate limiting, panic recovery and request logging.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	apperrors "catiecli-go/internal/errors"
	"catiecli-go/internal/httpformat"
	"catiecli-go/internal/models"
)

// userContextKey is where Auth stores the resolved user.
const userContextKey = "auth_user"

// UserSource resolves API keys to users.
type UserSource interface {
	GetUserByAPIKey(ctx context.Context, key string) (*models.User, error)
	TouchAPIKey(ctx context.Context, key string) error
}

// Auth authenticates requests by API key. Keys are accepted from, in order:
// Authorization Bearer, x-goog-api-key, x-api-key, and the ?key= query
// parameter, so OpenAI, Gemini and Anthropic style clients all work
// unchanged.
func Auth(users UserSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractKey(c)
		if key == "" {
			respondUnauthorized(c, "API key not provided")
			return
		}

		user, err := users.GetUserByAPIKey(c.Request.Context(), key)
		if err != nil {
			respondUnauthorized(c, "Invalid API key")
			return
		}
		if !user.IsActive {
			respondUnauthorized(c, "Account disabled")
			return
		}

		if err := users.TouchAPIKey(c.Request.Context(), key); err != nil {
			log.WithError(err).Debug("api key touch failed")
		}

		c.Set(userContextKey, user)
		c.Next()
	}
}

// SetUser stores the user the way Auth does, for handlers that sit behind
// other auth flows and for tests.
func SetUser(c *gin.Context, user *models.User) {
	c.Set(userContextKey, user)
}

// User returns the authenticated user set by Auth, or nil.
func User(c *gin.Context) *models.User {
	if v, ok := c.Get(userContextKey); ok {
		if user, ok := v.(*models.User); ok {
			return user
		}
	}
	return nil
}

func extractKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
		return auth
	}
	if key := c.GetHeader("x-goog-api-key"); key != "" {
		return key
	}
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	return c.Query("key")
}

func respondUnauthorized(c *gin.Context, message string) {
	apiErr := apperrors.New(http.StatusUnauthorized, "invalid_api_key", "authentication_error", message)
	AbortWithAPIError(c, apiErr)
}

// AbortWithAPIError writes an APIError in the envelope matching the request
// surface and stops the chain.
func AbortWithAPIError(c *gin.Context, apiErr *apperrors.APIError) {
	payload, err := apiErr.ToJSON(httpformat.DetectFromContext(c))
	if err != nil {
		c.AbortWithStatusJSON(apiErr.HTTPStatus, gin.H{"error": gin.H{
			"message": apiErr.Message,
			"type":    apiErr.Type,
			"code":    apiErr.Code,
		}})
		return
	}
	c.Data(apiErr.HTTPStatus, "application/json", payload)
	c.Abort()
}
