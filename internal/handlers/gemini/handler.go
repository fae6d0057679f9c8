// Package gemini serves the native surface: generateContent,
// streamGenerateContent and the v1beta model list.
package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/dispatch"
	apperrors "catiecli-go/internal/errors"
	"catiecli-go/internal/handlers/common"
	"catiecli-go/internal/middleware"
	"catiecli-go/internal/rewrite"
	"catiecli-go/internal/streaming"
	"catiecli-go/internal/translator"
)

const maxBodyBytes = 20 << 20

// Dispatcher runs a request through the credential retry machine.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request) (*dispatch.Result, *apperrors.APIError)
}

// Handler serves the /v1beta routes.
type Handler struct {
	dispatcher Dispatcher
	catalog    *common.Catalog
}

func New(dispatcher Dispatcher, catalog *common.Catalog) *Handler {
	return &Handler{dispatcher: dispatcher, catalog: catalog}
}

// Generate dispatches POST /v1beta/models/{model}:{action}. Gin cannot split
// the colon inside one path segment, so the handler does.
func (h *Handler) Generate(c *gin.Context) {
	model, action, ok := strings.Cut(c.Param("modelAction"), ":")
	if !ok {
		middleware.AbortWithAPIError(c, apperrors.New(http.StatusNotFound,
			"not_found", "invalid_request_error", "unknown action"))
		return
	}

	switch action {
	case "generateContent":
		h.generate(c, model, false)
	case "streamGenerateContent":
		h.generate(c, model, true)
	default:
		middleware.AbortWithAPIError(c, apperrors.New(http.StatusNotFound,
			"not_found", "invalid_request_error", "unknown action: "+action))
	}
}

func (h *Handler) generate(c *gin.Context, model string, stream bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		middleware.AbortWithAPIError(c, apperrors.New(http.StatusBadRequest,
			"invalid_request_error", "invalid_request_error", "request body unreadable: "+err.Error()))
		return
	}
	c.Set("model", model)

	var payload rewrite.GenerateRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		middleware.AbortWithAPIError(c, apperrors.New(http.StatusBadRequest,
			"invalid_request_error", "invalid_request_error", "invalid JSON body: "+err.Error()))
		return
	}
	clampGenerationConfig(&payload)

	endpoint := "/v1beta/models/" + model + ":generateContent"
	if stream {
		endpoint = "/v1beta/models/" + model + ":streamGenerateContent"
	}

	req := &dispatch.Request{
		User:      middleware.User(c),
		Model:     model,
		Endpoint:  endpoint,
		Payload:   &payload,
		RawBody:   body,
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Stream:    stream,
	}

	res, apiErr := h.dispatcher.Dispatch(c.Request.Context(), req)
	if apiErr != nil {
		middleware.AbortWithAPIError(c, apiErr)
		return
	}

	if !stream {
		c.Data(http.StatusOK, "application/json", streaming.UnwrapNativeEvent(res.Body))
		return
	}

	defer res.Stream.Close()
	common.SetSSEHeaders(c)
	if err := streaming.CopyNative(c.Writer, common.Flusher(c), res.Stream); err != nil {
		log.WithError(err).Debug("native stream ended with error")
		res.Finish(499, err.Error())
		return
	}
	res.Finish(http.StatusOK, "")
}

// clampGenerationConfig pulls out-of-range sampling limits back into range
// on native passthrough bodies the same way the translated surface does.
func clampGenerationConfig(req *rewrite.GenerateRequest) {
	gc := req.GenerationConfig
	if gc == nil {
		return
	}
	if v, ok := numberValue(gc["topK"]); ok {
		if v < 1 {
			gc["topK"] = 1
		} else if v > translator.MaxTopK {
			gc["topK"] = translator.MaxTopK
		}
	}
	if v, ok := numberValue(gc["maxOutputTokens"]); ok {
		if v < 1 {
			gc["maxOutputTokens"] = 1
		} else if v > translator.MaxOutputTokens {
			gc["maxOutputTokens"] = translator.MaxOutputTokens
		}
	}
}

func numberValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
