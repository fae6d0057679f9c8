package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catiecli-go/internal/config"
	apperrors "catiecli-go/internal/errors"
	"catiecli-go/internal/models"
	"catiecli-go/internal/pool"
	"catiecli-go/internal/rewrite"
	"catiecli-go/internal/upstream"
)

type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	inserted  []*models.UsageLog
	finalized []models.UsageLog
	projects  map[int64]string
	sysConfig map[string]string
	rules     []apperrors.MessageRule
}

func newFakeStore() *fakeStore {
	return &fakeStore{projects: map[int64]string{}, sysConfig: map[string]string{}}
}

func (s *fakeStore) InsertPlaceholder(_ context.Context, l *models.UsageLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.inserted = append(s.inserted, l)
	return s.nextID, nil
}

func (s *fakeStore) FinalizeLog(_ context.Context, l *models.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, *l)
	return nil
}

func (s *fakeStore) UpdateProjectID(_ context.Context, id int64, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[id] = projectID
	return nil
}

func (s *fakeStore) GetSystemConfig(_ context.Context, key string) (string, error) {
	if v, ok := s.sysConfig[key]; ok {
		return v, nil
	}
	return "", errors.New("not found")
}

func (s *fakeStore) ListErrorMessageRules(context.Context) ([]apperrors.MessageRule, error) {
	return s.rules, nil
}

type fakePool struct {
	creds       []*models.Credential
	excludeSets [][]int64
	rateLimited []int64
	rlHeaders   []http.Header
	failed      []int64
	cd          time.Duration
}

func (p *fakePool) Acquire(_ context.Context, _ int64, _, _ string, exclude []int64) (*models.Credential, error) {
	p.excludeSets = append(p.excludeSets, append([]int64(nil), exclude...))
	for _, c := range p.creds {
		skip := false
		for _, id := range exclude {
			if id == c.ID {
				skip = true
			}
		}
		if !skip {
			return c, nil
		}
	}
	return nil, pool.ErrNoCredential
}

func (p *fakePool) HandleRateLimit(_ context.Context, cred *models.Credential, _, _ string, header http.Header) (time.Duration, error) {
	p.rateLimited = append(p.rateLimited, cred.ID)
	p.rlHeaders = append(p.rlHeaders, header)
	return p.cd, nil
}

func (p *fakePool) HandleFailure(_ context.Context, cred *models.Credential, _ string) error {
	p.failed = append(p.failed, cred.ID)
	return nil
}

type fakeGuard struct{ err error }

func (g *fakeGuard) Check(context.Context, *models.User, string, string) error { return g.err }

type fakeTokens struct {
	errFor map[int64]error
}

func (t *fakeTokens) AccessToken(_ context.Context, cred *models.Credential) (string, error) {
	if err := t.errFor[cred.ID]; err != nil {
		return "", err
	}
	return fmt.Sprintf("tok-%d", cred.ID), nil
}

type fakeResolver struct {
	project string
	err     error
	calls   int
}

func (r *fakeResolver) Resolve(context.Context, string, string, string) (string, error) {
	r.calls++
	return r.project, r.err
}

type generateCall struct {
	token, project, model string
}

type fakeUpstream struct {
	generate func(call generateCall) ([]byte, error)
	stream   func(call generateCall, req *rewrite.GenerateRequest) (io.ReadCloser, error)
	calls    []generateCall
}

func (u *fakeUpstream) Generate(_ context.Context, token, project, model string, _ *rewrite.GenerateRequest) ([]byte, error) {
	call := generateCall{token, project, model}
	u.calls = append(u.calls, call)
	return u.generate(call)
}

func (u *fakeUpstream) Stream(_ context.Context, token, project, model string, req *rewrite.GenerateRequest) (io.ReadCloser, error) {
	call := generateCall{token, project, model}
	u.calls = append(u.calls, call)
	return u.stream(call, req)
}

func (u *fakeUpstream) BaseURL() string   { return "https://upstream.test" }
func (u *fakeUpstream) UserAgent() string { return "test-agent" }

func cred(id int64, project string) *models.Credential {
	return &models.Credential{
		ID:        id,
		APIType:   models.VariantGeminiCLI,
		ProjectID: project,
		Email:     fmt.Sprintf("u%d@example.com", id),
		IsActive:  true,
	}
}

type fixture struct {
	store    *fakeStore
	pool     *fakePool
	guard    *fakeGuard
	tokens   *fakeTokens
	resolver *fakeResolver
	up       *fakeUpstream
	d        *Dispatcher
}

func newFixture(creds ...*models.Credential) *fixture {
	f := &fixture{
		store:    newFakeStore(),
		pool:     &fakePool{creds: creds},
		guard:    &fakeGuard{},
		tokens:   &fakeTokens{errFor: map[int64]error{}},
		resolver: &fakeResolver{project: "resolved-project"},
		up: &fakeUpstream{
			generate: func(generateCall) ([]byte, error) { return []byte(`{"response":{}}`), nil },
		},
	}
	f.d = New(f.store, f.pool, f.guard, f.tokens, f.resolver,
		map[string]Upstream{
			models.VariantGeminiCLI:   f.up,
			models.VariantAntigravity: f.up,
		},
		config.Defaults())
	return f
}

func request(model string) *Request {
	return &Request{
		User:     &models.User{ID: 7, IsActive: true},
		Model:    model,
		Endpoint: "/v1/chat/completions",
		Payload: &rewrite.GenerateRequest{
			Contents: []rewrite.Content{{Role: "user", Parts: []rewrite.Part{rewrite.TextPart("hi")}}},
		},
		RawBody: []byte(`{"model":"x"}`),
	}
}

func TestDispatchSuccessFirstTry(t *testing.T) {
	f := newFixture(cred(1, "proj-1"))

	res, apiErr := f.d.Dispatch(context.Background(), request("gcli-gemini-2.5-flash"))
	require.Nil(t, apiErr)
	assert.Equal(t, []byte(`{"response":{}}`), res.Body)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, int64(1), res.Credential.ID)

	require.Len(t, f.store.finalized, 1)
	final := f.store.finalized[0]
	assert.Equal(t, http.StatusOK, final.StatusCode)
	assert.Equal(t, "u1@example.com", final.CredentialEmail)
	assert.Equal(t, 0, final.RetryCount)
	assert.Empty(t, final.ErrorMessage)

	require.Len(t, f.up.calls, 1)
	assert.Equal(t, "tok-1", f.up.calls[0].token)
	assert.Equal(t, "proj-1", f.up.calls[0].project)
}

func TestDispatchInsertsPlaceholderBeforeUpstream(t *testing.T) {
	f := newFixture(cred(1, "p"))

	_, apiErr := f.d.Dispatch(context.Background(), request("gcli-gemini-2.5-flash"))
	require.Nil(t, apiErr)

	require.Len(t, f.store.inserted, 1)
	placeholder := f.store.inserted[0]
	assert.Equal(t, int64(7), placeholder.UserID)
	assert.Equal(t, "gcli-gemini-2.5-flash", placeholder.Model)
	assert.Equal(t, "/v1/chat/completions", placeholder.Endpoint)
	assert.Equal(t, `{"model":"x"}`, placeholder.RequestBody)
}

func TestDispatchRetriesRateLimitOnNextCredential(t *testing.T) {
	f := newFixture(cred(1, "p1"), cred(2, "p2"))
	f.pool.cd = 90 * time.Second
	f.up.generate = func(call generateCall) ([]byte, error) {
		if call.token == "tok-1" {
			return nil, errors.New(`API Error 429: {"error":{"details":[{"retryDelay":"90s"}]}}`)
		}
		return []byte(`{"ok":true}`), nil
	}

	res, apiErr := f.d.Dispatch(context.Background(), request("gcli-gemini-2.5-pro"))
	require.Nil(t, apiErr)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, int64(2), res.Credential.ID)

	assert.Equal(t, []int64{1}, f.pool.rateLimited)
	assert.Empty(t, f.pool.failed)
	// second acquire excludes the rate limited credential
	require.Len(t, f.pool.excludeSets, 2)
	assert.Equal(t, []int64{1}, f.pool.excludeSets[1])

	final := f.store.finalized[0]
	assert.Equal(t, 90, final.CDSeconds)
	assert.Equal(t, 1, final.RetryCount)
}

func TestDispatchRateLimitHeadersReachPool(t *testing.T) {
	f := newFixture(cred(1, "p1"), cred(2, "p2"))
	f.up.generate = func(call generateCall) ([]byte, error) {
		if call.token == "tok-1" {
			return nil, &upstream.StatusError{
				StatusCode: http.StatusTooManyRequests,
				Header:     http.Header{"Retry-After": []string{"45"}},
				Body:       "quota exhausted",
			}
		}
		return []byte(`{"ok":true}`), nil
	}

	res, apiErr := f.d.Dispatch(context.Background(), request("gcli-gemini-2.5-flash"))
	require.Nil(t, apiErr)
	assert.Equal(t, int64(2), res.Credential.ID)

	// the Retry-After header from the 429 response reaches cooldown accounting
	assert.Equal(t, []int64{1}, f.pool.rateLimited)
	require.Len(t, f.pool.rlHeaders, 1)
	require.NotNil(t, f.pool.rlHeaders[0])
	assert.Equal(t, "45", f.pool.rlHeaders[0].Get("Retry-After"))
}

func TestDispatchFeedsRPMObserver(t *testing.T) {
	f := newFixture(cred(1, "p"))
	var observed []int64
	f.d.rpm = observeFunc(func(userID int64) { observed = append(observed, userID) })

	_, apiErr := f.d.Dispatch(context.Background(), request("gcli-gemini-2.5-flash"))
	require.Nil(t, apiErr)
	assert.Equal(t, []int64{7}, observed)
}

func TestDispatchStopsOnNonRetryableError(t *testing.T) {
	f := newFixture(cred(1, "p1"), cred(2, "p2"))
	f.up.generate = func(generateCall) ([]byte, error) {
		return nil, errors.New("API Error 400: invalid argument")
	}

	_, apiErr := f.d.Dispatch(context.Background(), request("gcli-gemini-2.5-flash"))
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatus)
	assert.Equal(t, "API call failed (retried 1 times): API Error 400: invalid argument", apiErr.Message)

	// only one upstream attempt, credential marked failed
	assert.Len(t, f.up.calls, 1)
	assert.Equal(t, []int64{1}, f.pool.failed)
}

func TestDispatchExhaustsRetries(t *testing.T) {
	f := newFixture(cred(1, "p1"), cred(2, "p2"), cred(3, "p3"), cred(4, "p4"))
	f.up.generate = func(generateCall) ([]byte, error) {
		return nil, errors.New("API Error 503: overloaded")
	}

	_, apiErr := f.d.Dispatch(context.Background(), request("gcli-gemini-2.5-flash"))
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.HTTPStatus)
	assert.Contains(t, apiErr.Message, "retried 3 times")
	assert.Len(t, f.up.calls, config.Defaults().Dispatch.MaxRetries)

	final := f.store.finalized[0]
	assert.Equal(t, http.StatusServiceUnavailable, final.StatusCode)
	assert.Equal(t, string(apperrors.KindUpstream5xx), final.ErrorType)
	assert.Equal(t, 2, final.RetryCount)
}

func TestDispatchNoCredential(t *testing.T) {
	f := newFixture() // empty pool

	_, apiErr := f.d.Dispatch(context.Background(), request("gcli-gemini-2.5-flash"))
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.HTTPStatus)
	assert.Equal(t, string(apperrors.KindNoCredential), apiErr.Code)
	assert.Empty(t, f.up.calls)

	final := f.store.finalized[0]
	assert.Equal(t, http.StatusServiceUnavailable, final.StatusCode)
}

func TestDispatchQuotaRejection(t *testing.T) {
	f := newFixture(cred(1, "p"))
	f.guard.err = apperrors.New(http.StatusTooManyRequests,
		string(apperrors.KindQuotaExhausted), string(apperrors.KindQuotaExhausted), "daily flash quota reached")

	_, apiErr := f.d.Dispatch(context.Background(), request("gcli-gemini-2.5-flash"))
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.HTTPStatus)
	assert.Equal(t, "daily flash quota reached", apiErr.Message)
	assert.Empty(t, f.up.calls)
	assert.Empty(t, f.pool.excludeSets)
}

func TestDispatchAdminSkipsQuota(t *testing.T) {
	f := newFixture(cred(1, "p"))
	f.guard.err = errors.New("should not be consulted")

	req := request("gcli-gemini-2.5-flash")
	req.User.IsAdmin = true
	_, apiErr := f.d.Dispatch(context.Background(), req)
	require.Nil(t, apiErr)
}

func TestDispatchTokenFailureRotates(t *testing.T) {
	f := newFixture(cred(1, "p1"), cred(2, "p2"))
	f.tokens.errFor[1] = errors.New("invalid_grant: token revoked")

	res, apiErr := f.d.Dispatch(context.Background(), request("gcli-gemini-2.5-flash"))
	require.Nil(t, apiErr)
	assert.Equal(t, int64(2), res.Credential.ID)
	assert.Equal(t, []int64{1}, f.pool.failed)
	require.Len(t, f.up.calls, 1)
	assert.Equal(t, "tok-2", f.up.calls[0].token)
}

func TestDispatchResolvesProjectLazily(t *testing.T) {
	f := newFixture(cred(1, ""))

	_, apiErr := f.d.Dispatch(context.Background(), request("gcli-gemini-2.5-flash"))
	require.Nil(t, apiErr)
	assert.Equal(t, 1, f.resolver.calls)
	assert.Equal(t, "resolved-project", f.store.projects[1])
	assert.Equal(t, "resolved-project", f.up.calls[0].project)
}

func TestDispatchSkipsProjectResolutionForAntigravity(t *testing.T) {
	f := newFixture(&models.Credential{ID: 1, APIType: models.VariantAntigravity, IsActive: true})

	_, apiErr := f.d.Dispatch(context.Background(), request("agy-gemini-3-pro-high"))
	require.Nil(t, apiErr)
	assert.Equal(t, 0, f.resolver.calls)
}

func TestDispatchCustomErrorMessage(t *testing.T) {
	f := newFixture(cred(1, "p"))
	f.store.sysConfig[customMessagesKey] = "true"
	f.store.rules = []apperrors.MessageRule{{
		ID: 1, Keyword: "overloaded", Message: "Upstream is busy, try again shortly.", Priority: 10, IsActive: true,
	}}
	f.up.generate = func(generateCall) ([]byte, error) {
		return nil, errors.New("API Error 503: overloaded")
	}

	_, apiErr := f.d.Dispatch(context.Background(), request("gcli-gemini-2.5-flash"))
	require.NotNil(t, apiErr)
	assert.Equal(t, "Upstream is busy, try again shortly.", apiErr.Message)

	// the usage row keeps the raw upstream text, not the cosmetic message
	assert.Contains(t, f.store.finalized[0].ErrorMessage, "overloaded")
}

func TestDispatchStreamDefersFinalize(t *testing.T) {
	f := newFixture(cred(1, "p"))
	f.up.stream = func(generateCall, *rewrite.GenerateRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("data: {}\n\n")), nil
	}

	req := request("gcli-gemini-2.5-flash")
	req.Stream = true
	res, apiErr := f.d.Dispatch(context.Background(), req)
	require.Nil(t, apiErr)
	require.NotNil(t, res.Stream)
	defer res.Stream.Close()

	assert.Empty(t, f.store.finalized)

	res.Finish(http.StatusOK, "")
	res.Finish(http.StatusInternalServerError, "double finish must not count")
	require.Len(t, f.store.finalized, 1)
	assert.Equal(t, http.StatusOK, f.store.finalized[0].StatusCode)
}

func TestDispatchStreamOpenAppendsContinuation(t *testing.T) {
	f := newFixture(cred(1, "p"))
	var seen []*rewrite.GenerateRequest
	f.up.stream = func(_ generateCall, req *rewrite.GenerateRequest) (io.ReadCloser, error) {
		seen = append(seen, req)
		return io.NopCloser(strings.NewReader("")), nil
	}

	req := request("gcli-gemini-2.5-flash")
	req.Stream = true
	res, apiErr := f.d.Dispatch(context.Background(), req)
	require.Nil(t, apiErr)
	res.Stream.Close()

	cont, err := res.Open(context.Background(), "partial answer")
	require.NoError(t, err)
	cont.Close()

	require.Len(t, seen, 2)
	first, second := seen[0], seen[1]
	require.Len(t, second.Contents, len(first.Contents)+2)
	modelTurn := second.Contents[len(second.Contents)-2]
	assert.Equal(t, "model", modelTurn.Role)
	assert.Equal(t, "partial answer", modelTurn.Parts[0]["text"])
	assert.Equal(t, "user", second.Contents[len(second.Contents)-1].Role)
	// the original request is left untouched for plain reopens
	assert.Len(t, first.Contents, len(request("m").Payload.Contents))
}

func TestDispatchBroadcastsFinalizedRow(t *testing.T) {
	f := newFixture(cred(1, "p"))
	var got []*models.UsageLog
	f.d.hub = broadcastFunc(func(l *models.UsageLog) { got = append(got, l) })

	_, apiErr := f.d.Dispatch(context.Background(), request("gcli-gemini-2.5-flash"))
	require.Nil(t, apiErr)
	require.Len(t, got, 1)
	assert.Equal(t, http.StatusOK, got[0].StatusCode)
}

type broadcastFunc func(l *models.UsageLog)

func (f broadcastFunc) BroadcastLog(l *models.UsageLog) { f(l) }

type observeFunc func(userID int64)

func (f observeFunc) Observe(_ context.Context, userID int64, _ time.Time) error {
	f(userID)
	return nil
}
