package oauth

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catiecli-go/internal/config"
	"catiecli-go/internal/models"
	"catiecli-go/internal/vault"
)

type fakeTokenStore struct {
	calls  int
	lastID int64
	enc    string
	expiry time.Time
}

func (f *fakeTokenStore) UpdateTokens(_ context.Context, id int64, enc string, expiry time.Time) error {
	f.calls++
	f.lastID = id
	f.enc = enc
	f.expiry = expiry
	return nil
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New("test-master-secret")
	require.NoError(t, err)
	return v
}

func encrypt(t *testing.T, v *vault.Vault, plain string) string {
	t.Helper()
	enc, err := v.Encrypt(plain)
	require.NoError(t, err)
	return enc
}

func TestAccessTokenReusesUnexpiredToken(t *testing.T) {
	v := newTestVault(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("token endpoint should not be hit")
	}))
	defer srv.Close()

	store := &fakeTokenStore{}
	r := NewRefresher(v, store, config.UpstreamConfig{GoogleClientID: "cid", GoogleClientSecret: "cs"},
		WithTokenURL(srv.URL))

	cred := &models.Credential{
		ID:          1,
		AccessToken: encrypt(t, v, "still-valid"),
		TokenExpiry: sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true},
	}
	token, err := r.AccessToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "still-valid", token)
	assert.Zero(t, store.calls)
}

func TestAccessTokenRefreshesExpired(t *testing.T) {
	v := newTestVault(t)
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cid", r.FormValue("client_id"))
		assert.Equal(t, "cs", r.FormValue("client_secret"))
		assert.Equal(t, "rt-1", r.FormValue("refresh_token"))
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh-token","expires_in":3600}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	store := &fakeTokenStore{}
	r := NewRefresher(v, store, config.UpstreamConfig{GoogleClientID: "cid", GoogleClientSecret: "cs"},
		WithTokenURL(srv.URL), WithNowFunc(func() time.Time { return now }))

	cred := &models.Credential{
		ID:           7,
		AccessToken:  encrypt(t, v, "old-token"),
		RefreshToken: encrypt(t, v, "rt-1"),
		TokenExpiry:  sql.NullTime{Time: now.Add(time.Minute), Valid: true}, // inside 5m buffer
	}
	token, err := r.AccessToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.Equal(t, 1, hits)

	require.Equal(t, 1, store.calls)
	assert.EqualValues(t, 7, store.lastID)
	assert.Equal(t, now.Add(time.Hour), store.expiry)
	plain, err := v.Decrypt(store.enc)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", plain)

	// the in-memory credential carries the new token, so an immediate
	// second call does not hit the endpoint again
	token, err = r.AccessToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.Equal(t, 1, hits)
}

func TestAccessTokenFallsBackToStoredOnRefreshFailure(t *testing.T) {
	v := newTestVault(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRefresher(v, &fakeTokenStore{}, config.UpstreamConfig{GoogleClientID: "cid", GoogleClientSecret: "cs"},
		WithTokenURL(srv.URL))

	cred := &models.Credential{
		ID:           2,
		AccessToken:  encrypt(t, v, "stale-but-present"),
		RefreshToken: encrypt(t, v, "rt"),
		TokenExpiry:  sql.NullTime{Time: time.Now().Add(-time.Hour), Valid: true},
	}
	token, err := r.AccessToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "stale-but-present", token)
}

func TestAccessTokenErrorsWithoutAnyToken(t *testing.T) {
	v := newTestVault(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := NewRefresher(v, &fakeTokenStore{}, config.UpstreamConfig{GoogleClientID: "cid", GoogleClientSecret: "cs"},
		WithTokenURL(srv.URL))

	cred := &models.Credential{ID: 3, RefreshToken: encrypt(t, v, "rt")}
	_, err := r.AccessToken(context.Background(), cred)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestClientPairPrecedence(t *testing.T) {
	v := newTestVault(t)
	upstream := config.UpstreamConfig{
		GoogleClientID: "g-id", GoogleClientSecret: "g-secret",
		AntigravityClientID: "agy-id", AntigravityClientSecret: "agy-secret",
	}
	r := NewRefresher(v, &fakeTokenStore{}, upstream)

	tests := []struct {
		name       string
		cred       *models.Credential
		wantID     string
		wantSecret string
	}{
		{
			name: "credential local pair wins",
			cred: &models.Credential{
				APIType:      models.VariantAntigravity,
				ClientID:     encrypt(t, v, "local-id"),
				ClientSecret: encrypt(t, v, "local-secret"),
			},
			wantID: "local-id", wantSecret: "local-secret",
		},
		{
			name:   "antigravity default",
			cred:   &models.Credential{APIType: models.VariantAntigravity},
			wantID: "agy-id", wantSecret: "agy-secret",
		},
		{
			name:   "google default",
			cred:   &models.Credential{APIType: models.VariantGeminiCLI},
			wantID: "g-id", wantSecret: "g-secret",
		},
		{
			name: "incomplete local pair falls through",
			cred: &models.Credential{
				APIType:  models.VariantGeminiCLI,
				ClientID: encrypt(t, v, "only-id"),
			},
			wantID: "g-id", wantSecret: "g-secret",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, secret, err := r.clientPair(tt.cred)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantSecret, secret)
		})
	}

	t.Run("nothing configured", func(t *testing.T) {
		bare := NewRefresher(v, &fakeTokenStore{}, config.UpstreamConfig{})
		_, _, err := bare.clientPair(&models.Credential{APIType: models.VariantGeminiCLI})
		require.Error(t, err)
	})
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r := NewRefresher(newTestVault(t), &fakeTokenStore{}, config.UpstreamConfig{},
		WithNowFunc(func() time.Time { return now }))

	tests := []struct {
		name   string
		token  string
		expiry sql.NullTime
		want   bool
	}{
		{"empty token", "", sql.NullTime{Time: now.Add(time.Hour), Valid: true}, true},
		{"no expiry recorded", "tok", sql.NullTime{}, true},
		{"inside buffer", "tok", sql.NullTime{Time: now.Add(4 * time.Minute), Valid: true}, true},
		{"outside buffer", "tok", sql.NullTime{Time: now.Add(6 * time.Minute), Valid: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.needsRefresh(tt.token, tt.expiry))
		})
	}
}
