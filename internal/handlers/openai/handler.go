// Package openai serves the OpenAI-compatible surface: chat completions in
// all three streaming modes and the model list.
package openai

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"catiecli-go/internal/dispatch"
	apperrors "catiecli-go/internal/errors"
	"catiecli-go/internal/handlers/common"
	"catiecli-go/internal/middleware"
	"catiecli-go/internal/rewrite"
	"catiecli-go/internal/streaming"
	"catiecli-go/internal/translator"
)

// maxBodyBytes caps inbound request bodies; image parts arrive base64
// encoded and get large.
const maxBodyBytes = 20 << 20

// Dispatcher runs a request through the credential retry machine.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request) (*dispatch.Result, *apperrors.APIError)
}

// Handler serves /v1/chat/completions and /v1/models.
type Handler struct {
	dispatcher Dispatcher
	catalog    *common.Catalog
	images     translator.ImageSaver
}

func New(dispatcher Dispatcher, catalog *common.Catalog, images translator.ImageSaver) *Handler {
	return &Handler{dispatcher: dispatcher, catalog: catalog, images: images}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		middleware.AbortWithAPIError(c, apperrors.New(http.StatusBadRequest,
			"invalid_request_error", "invalid_request_error", "request body unreadable: "+err.Error()))
		return
	}

	parsed := gjson.ParseBytes(body)
	model := parsed.Get("model").String()
	if model == "" {
		middleware.AbortWithAPIError(c, apperrors.New(http.StatusBadRequest,
			"invalid_request_error", "invalid_request_error", "model is required"))
		return
	}
	c.Set("model", model)

	name := rewrite.ParseModelName(model)
	wantStream := parsed.Get("stream").Bool()

	req := &dispatch.Request{
		User:      middleware.User(c),
		Model:     model,
		Endpoint:  "/v1/chat/completions",
		Payload:   translator.OpenAIToNative(body),
		RawBody:   body,
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}

	if !wantStream {
		h.completeOnce(c, req, model)
		return
	}

	switch name.StreamMode {
	case rewrite.StreamModeFake:
		h.streamFake(c, req, model)
	case rewrite.StreamModeRobust:
		h.streamRobust(c, req, model)
	default:
		h.streamPassthrough(c, req, model)
	}
}

func (h *Handler) completeOnce(c *gin.Context, req *dispatch.Request, model string) {
	res, apiErr := h.dispatcher.Dispatch(c.Request.Context(), req)
	if apiErr != nil {
		middleware.AbortWithAPIError(c, apiErr)
		return
	}

	out, err := translator.NativeToOpenAIResponse(model, res.Body, h.images)
	if err != nil {
		middleware.AbortWithAPIError(c, apperrors.New(http.StatusInternalServerError,
			"server_error", "server_error", "response conversion failed: "+err.Error()))
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

// streamFake answers a streaming request over a non-streaming upstream call,
// keeping the connection alive while the call is in flight.
func (h *Handler) streamFake(c *gin.Context, req *dispatch.Request, model string) {
	common.SetSSEHeaders(c)

	reader := streaming.FakeStream(c.Request.Context(), model, func(ctx context.Context) ([]byte, error) {
		res, apiErr := h.dispatcher.Dispatch(ctx, req)
		if apiErr != nil {
			return nil, errors.New(apiErr.Message)
		}
		return res.Body, nil
	}, h.images)

	if err := common.CopyFlush(c, reader); err != nil {
		log.WithError(err).Debug("fake stream client write failed")
	}
}

func (h *Handler) streamPassthrough(c *gin.Context, req *dispatch.Request, model string) {
	req.Stream = true
	res, apiErr := h.dispatcher.Dispatch(c.Request.Context(), req)
	if apiErr != nil {
		middleware.AbortWithAPIError(c, apiErr)
		return
	}
	defer res.Stream.Close()

	common.SetSSEHeaders(c)
	err := streaming.CopyOpenAI(c.Writer, common.Flusher(c), res.Stream, model, h.images)
	finishStream(res, err)
}

// streamRobust streams with truncation continuation: the first attempt comes
// from the dispatcher, reopens go straight back to the same credential.
func (h *Handler) streamRobust(c *gin.Context, req *dispatch.Request, model string) {
	req.Stream = true
	res, apiErr := h.dispatcher.Dispatch(c.Request.Context(), req)
	if apiErr != nil {
		middleware.AbortWithAPIError(c, apiErr)
		return
	}

	firstUsed := false
	open := func(ctx context.Context, prior string) (io.ReadCloser, error) {
		if !firstUsed && prior == "" {
			firstUsed = true
			return res.Stream, nil
		}
		return res.Open(ctx, prior)
	}

	common.SetSSEHeaders(c)
	err := streaming.RobustOpenAIStream(c.Request.Context(), c.Writer, common.Flusher(c), open, model, h.images)
	finishStream(res, err)
}

func finishStream(res *dispatch.Result, err error) {
	if err != nil {
		log.WithError(err).Debug("stream ended with error")
		res.Finish(499, err.Error())
		return
	}
	res.Finish(http.StatusOK, "")
}
