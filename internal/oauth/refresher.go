// Package oauth keeps upstream Google credentials usable. Tokens and client
// pairs live encrypted in the database and are only decrypted here, right
// before they go on the wire.
package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"

	"catiecli-go/internal/config"
	"catiecli-go/internal/models"
	"catiecli-go/internal/vault"
)

// tokenExpiryBuffer refreshes ahead of the real expiry so a token never dies
// mid-request.
const tokenExpiryBuffer = 5 * time.Minute

// TokenStore persists refreshed tokens.
type TokenStore interface {
	UpdateTokens(ctx context.Context, credentialID int64, encryptedAccessToken string, expiry time.Time) error
}

// Refresher exchanges refresh tokens for access tokens.
type Refresher struct {
	vault      *vault.Vault
	store      TokenStore
	upstream   config.UpstreamConfig
	httpClient *http.Client
	tokenURL   string
	now        func() time.Time
}

// RefresherOption customizes Refresher creation.
type RefresherOption func(*Refresher)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(client *http.Client) RefresherOption {
	return func(r *Refresher) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// WithTokenURL overrides the token endpoint.
func WithTokenURL(tokenURL string) RefresherOption {
	return func(r *Refresher) {
		if tokenURL != "" {
			r.tokenURL = tokenURL
		}
	}
}

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) RefresherOption {
	return func(r *Refresher) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRefresher(v *vault.Vault, store TokenStore, upstream config.UpstreamConfig, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		vault:      v,
		store:      store,
		upstream:   upstream,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokenURL:   google.Endpoint.TokenURL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// AccessToken returns a plaintext access token for the credential, refreshing
// first when the stored one is missing or expires within the buffer window.
// The refreshed token is encrypted and persisted; the in-memory credential is
// updated so callers in the same request see the new state. When the refresh
// fails but a stored token exists, the stored token is returned as a best
// effort.
func (r *Refresher) AccessToken(ctx context.Context, cred *models.Credential) (string, error) {
	stored, err := r.vault.Decrypt(cred.AccessToken)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}
	if !r.needsRefresh(stored, cred.TokenExpiry) {
		return stored, nil
	}

	token, expiry, err := r.refresh(ctx, cred)
	if err != nil {
		if stored != "" {
			log.WithError(err).WithField("credential_id", cred.ID).
				Warn("Token refresh failed, falling back to stored token")
			return stored, nil
		}
		return "", err
	}

	enc, err := r.vault.Encrypt(token)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	if err := r.store.UpdateTokens(ctx, cred.ID, enc, expiry); err != nil {
		// The token still works for this request even if persisting failed.
		log.WithError(err).WithField("credential_id", cred.ID).
			Warn("Failed to persist refreshed token")
	}
	cred.AccessToken = enc
	cred.TokenExpiry = sql.NullTime{Time: expiry, Valid: true}
	return token, nil
}

func (r *Refresher) needsRefresh(token string, expiry sql.NullTime) bool {
	if token == "" {
		return true
	}
	// No recorded expiry means we cannot trust the token.
	if !expiry.Valid {
		return true
	}
	return r.now().Add(tokenExpiryBuffer).After(expiry.Time)
}

// clientPair resolves the OAuth client to refresh with: a credential-local
// pair wins, then the variant default, then the shared Google pair.
func (r *Refresher) clientPair(cred *models.Credential) (string, string, error) {
	localID, err := r.vault.Decrypt(cred.ClientID)
	if err != nil {
		return "", "", fmt.Errorf("decrypt client id: %w", err)
	}
	localSecret, err := r.vault.Decrypt(cred.ClientSecret)
	if err != nil {
		return "", "", fmt.Errorf("decrypt client secret: %w", err)
	}
	if localID != "" && localSecret != "" {
		return localID, localSecret, nil
	}
	if cred.APIType == models.VariantAntigravity && r.upstream.AntigravityClientID != "" {
		return r.upstream.AntigravityClientID, r.upstream.AntigravityClientSecret, nil
	}
	if r.upstream.GoogleClientID != "" {
		return r.upstream.GoogleClientID, r.upstream.GoogleClientSecret, nil
	}
	return "", "", fmt.Errorf("oauth client credentials not configured")
}

func (r *Refresher) refresh(ctx context.Context, cred *models.Credential) (string, time.Time, error) {
	refreshToken, err := r.vault.Decrypt(cred.RefreshToken)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return "", time.Time{}, fmt.Errorf("no refresh token available")
	}

	clientID, clientSecret, err := r.clientPair(cred)
	if err != nil {
		return "", time.Time{}, err
	}

	data := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", time.Time{}, fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token response missing access_token")
	}

	expiry := r.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	log.WithField("credential_id", cred.ID).Debug("Access token refreshed")
	return tokenResp.AccessToken, expiry, nil
}
