package common

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catiecli-go/internal/config"
	"catiecli-go/internal/models"
	"catiecli-go/internal/storage"
	"catiecli-go/internal/upstream"
)

type stubStore struct {
	tier3 bool
	creds []*models.Credential
}

func (s *stubStore) UserHasActiveTier3Credential(context.Context, int64, string) (bool, error) {
	return s.tier3, nil
}

func (s *stubStore) ListCandidates(context.Context, storage.CandidateQuery) ([]*models.Credential, error) {
	return s.creds, nil
}

type stubTokens struct{ token string }

func (s stubTokens) AccessToken(context.Context, *models.Credential) (string, error) {
	return s.token, nil
}

func TestCatalogLiveAntigravityFetch(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		require.Equal(t, "/v1internal:fetchAvailableModels", r.URL.Path)
		w.Write([]byte(`{"models":{
			"gemini-3-pro-high":{},
			"gemini-2.5-flash":{},
			"claude-sonnet-4-5":{}
		}}`))
	}))
	defer srv.Close()

	agy := upstream.NewAntigravity(config.Defaults().Upstream).WithBaseURL(srv.URL)
	cat := NewCatalog(&stubStore{creds: []*models.Credential{{ID: 1}}}, stubTokens{token: "tok"}, agy)

	ids := cat.List(context.Background(), &models.User{ID: 1})
	assert.Contains(t, ids, "agy-gemini-3-pro-high")
	assert.Contains(t, ids, "agy-claude-sonnet-4-5")
	// legacy families are filtered out of the live list
	assert.NotContains(t, ids, "agy-gemini-2.5-flash")
	// the opus model is always present
	assert.Contains(t, ids, "agy-claude-opus-4-5")

	// second listing inside the TTL serves from cache
	cat.List(context.Background(), &models.User{ID: 1})
	assert.Equal(t, 1, fetches)
}

func TestCatalogCacheExpires(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches++
		w.Write([]byte(`{"models":{"gemini-3-flash":{}}}`))
	}))
	defer srv.Close()

	agy := upstream.NewAntigravity(config.Defaults().Upstream).WithBaseURL(srv.URL)
	cat := NewCatalog(&stubStore{creds: []*models.Credential{{ID: 1}}}, stubTokens{token: "tok"}, agy)

	now := time.Now()
	cat.now = func() time.Time { return now }

	cat.List(context.Background(), &models.User{ID: 1})
	now = now.Add(agyCatalogTTL + time.Minute)
	cat.List(context.Background(), &models.User{ID: 1})
	assert.Equal(t, 2, fetches)
}

func TestCatalogTier3Visibility(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	agy := upstream.NewAntigravity(config.Defaults().Upstream).WithBaseURL(srv.URL)

	hidden := NewCatalog(&stubStore{}, stubTokens{}, agy)
	ids := hidden.List(context.Background(), &models.User{ID: 1})
	assert.NotContains(t, ids, "gcli-gemini-3-pro-preview")

	admin := NewCatalog(&stubStore{}, stubTokens{}, agy)
	ids = admin.List(context.Background(), &models.User{ID: 1, IsAdmin: true})
	assert.Contains(t, ids, "gcli-gemini-3-pro-preview")

	donor := NewCatalog(&stubStore{tier3: true}, stubTokens{}, agy)
	ids = donor.List(context.Background(), &models.User{ID: 1})
	assert.Contains(t, ids, "gcli-gemini-3-flash-preview")
}
