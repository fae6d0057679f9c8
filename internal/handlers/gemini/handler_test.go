package gemini

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"catiecli-go/internal/config"
	"catiecli-go/internal/dispatch"
	apperrors "catiecli-go/internal/errors"
	"catiecli-go/internal/handlers/common"
	"catiecli-go/internal/middleware"
	"catiecli-go/internal/models"
	"catiecli-go/internal/storage"
	"catiecli-go/internal/upstream"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeDispatcher struct {
	reqs   []*dispatch.Request
	res    *dispatch.Result
	apiErr *apperrors.APIError

	finishStatus []int
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req *dispatch.Request) (*dispatch.Result, *apperrors.APIError) {
	f.reqs = append(f.reqs, req)
	if f.apiErr != nil {
		return nil, f.apiErr
	}
	res := *f.res
	res.Finish = func(status int, _ string) { f.finishStatus = append(f.finishStatus, status) }
	return &res, nil
}

type fakeCatalogStore struct{}

func (fakeCatalogStore) UserHasActiveTier3Credential(context.Context, int64, string) (bool, error) {
	return false, nil
}

func (fakeCatalogStore) ListCandidates(context.Context, storage.CandidateQuery) ([]*models.Credential, error) {
	return nil, nil
}

type noTokens struct{}

func (noTokens) AccessToken(context.Context, *models.Credential) (string, error) {
	return "", context.Canceled
}

func testCatalog() *common.Catalog {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	agy := upstream.NewAntigravity(config.Defaults().Upstream).WithBaseURL(srv.URL)
	return common.NewCatalog(fakeCatalogStore{}, noTokens{}, agy)
}

func router(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		middleware.SetUser(c, &models.User{ID: 3, IsActive: true})
	})
	r.POST("/v1beta/models/:modelAction", h.Generate)
	r.GET("/v1beta/models", h.ListModels)
	return r
}

func TestGenerateContentUnwrapsResponse(t *testing.T) {
	fd := &fakeDispatcher{res: &dispatch.Result{Body: []byte(
		`{"response":{"candidates":[{"content":{"parts":[{"text":"native"}]}}]},"modelVersion":"gemini-2.5-pro-001"}`)}}
	h := New(fd, testCatalog())

	rec := httptest.NewRecorder()
	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	router(h).ServeHTTP(rec, httptest.NewRequest("POST",
		"/v1beta/models/gcli-gemini-2.5-pro:generateContent", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Equal(t, "native", gjson.Get(out, "candidates.0.content.parts.0.text").String())
	assert.Equal(t, "gemini-2.5-pro-001", gjson.Get(out, "modelVersion").String())
	assert.False(t, gjson.Get(out, "response").Exists())

	require.Len(t, fd.reqs, 1)
	req := fd.reqs[0]
	assert.Equal(t, "gcli-gemini-2.5-pro", req.Model)
	assert.False(t, req.Stream)
	assert.Len(t, req.Payload.Contents, 1)
}

func TestGenerateContentClampsSamplingLimits(t *testing.T) {
	fd := &fakeDispatcher{res: &dispatch.Result{Body: []byte(`{}`)}}
	h := New(fd, testCatalog())

	rec := httptest.NewRecorder()
	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}],
		"generationConfig":{"topK":500,"maxOutputTokens":900000}}`
	router(h).ServeHTTP(rec, httptest.NewRequest("POST",
		"/v1beta/models/gcli-gemini-2.5-flash:generateContent", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	gc := fd.reqs[0].Payload.GenerationConfig
	assert.Equal(t, 64, gc["topK"])
	assert.Equal(t, 65536, gc["maxOutputTokens"])

	rec = httptest.NewRecorder()
	body = `{"contents":[{"role":"user","parts":[{"text":"hi"}]}],
		"generationConfig":{"topK":0,"maxOutputTokens":0}}`
	router(h).ServeHTTP(rec, httptest.NewRequest("POST",
		"/v1beta/models/gcli-gemini-2.5-flash:generateContent", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	gc = fd.reqs[1].Payload.GenerationConfig
	assert.Equal(t, 1, gc["topK"])
	assert.Equal(t, 1, gc["maxOutputTokens"])
}

func TestStreamGenerateContentPassesEventsThrough(t *testing.T) {
	sse := "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"a\"}]}}]}}\n\n"
	fd := &fakeDispatcher{res: &dispatch.Result{
		Stream: io.NopCloser(strings.NewReader(sse)),
	}}
	h := New(fd, testCatalog())

	rec := httptest.NewRecorder()
	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	router(h).ServeHTTP(rec, httptest.NewRequest("POST",
		"/v1beta/models/gcli-gemini-2.5-pro:streamGenerateContent", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	assert.Contains(t, out, `data: {"candidates"`)
	assert.True(t, fd.reqs[0].Stream)
	assert.Equal(t, []int{http.StatusOK}, fd.finishStatus)
}

func TestGenerateRejectsUnknownAction(t *testing.T) {
	h := New(&fakeDispatcher{}, testCatalog())

	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, httptest.NewRequest("POST",
		"/v1beta/models/gemini-2.5-pro:countTokens", strings.NewReader(`{}`)))

	require.Equal(t, http.StatusNotFound, rec.Code)
	// native surface answers in the Gemini error envelope
	assert.Equal(t, int64(404), gjson.Get(rec.Body.String(), "error.code").Int())
}

func TestGenerateDispatchErrorUsesGeminiEnvelope(t *testing.T) {
	fd := &fakeDispatcher{apiErr: apperrors.New(http.StatusTooManyRequests,
		"rate_limit_exceeded", "rate_limit_error", "daily pro quota reached")}
	h := New(fd, testCatalog())

	rec := httptest.NewRecorder()
	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	router(h).ServeHTTP(rec, httptest.NewRequest("POST",
		"/v1beta/models/gcli-gemini-2.5-pro:generateContent", strings.NewReader(body)))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	out := rec.Body.String()
	assert.Equal(t, int64(429), gjson.Get(out, "error.code").Int())
	assert.Contains(t, gjson.Get(out, "error.message").String(), "daily pro quota")
}

func TestListModelsNativeShape(t *testing.T) {
	h := New(&fakeDispatcher{}, testCatalog())

	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, httptest.NewRequest("GET", "/v1beta/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	first := gjson.Get(out, "models.0")
	assert.True(t, strings.HasPrefix(first.Get("name").String(), "models/"))
	assert.Contains(t, out, "models/gcli-gemini-2.5-flash")
	assert.Contains(t, out, "streamGenerateContent")
}
